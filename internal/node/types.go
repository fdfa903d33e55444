// Package node talks to the chain daemon: block templates and block submission
// over JSON-RPC, and new-block notifications over ZMQ.
package node

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// BlockTemplate is the subset of a getblocktemplate result the pool works from.
// It is a read-only snapshot; nothing in the pool mutates a fetched template.
type BlockTemplate struct {
	Height               int64                 `json:"height"`
	Version              uint32                `json:"version"`
	PreviousBlockHash    string                `json:"previousblockhash"`
	FinalSaplingRootHash string                `json:"finalsaplingroothash"`
	CurTime              int64                 `json:"curtime"`
	Bits                 string                `json:"bits"`
	Target               string                `json:"target"`
	CoinbaseTxn          TemplateTransaction   `json:"coinbasetxn"`
	Transactions         []TemplateTransaction `json:"transactions"`
}

// TemplateTransaction is one entry of the template's transaction list.
type TemplateTransaction struct {
	Data string `json:"data"`
	Hash string `json:"hash"`
	TxID string `json:"txid,omitempty"`
	Fee  int64  `json:"fee,omitempty"`
}

// TransactionHashes returns the coinbase hash followed by every transaction
// hash, the input order of the merkle reduction.
func (t *BlockTemplate) TransactionHashes() []string {
	hashes := make([]string, 0, len(t.Transactions)+1)
	hashes = append(hashes, t.CoinbaseTxn.Hash)
	for _, tx := range t.Transactions {
		hashes = append(hashes, tx.Hash)
	}
	return hashes
}

// Validate checks the fields job creation depends on.
func (t *BlockTemplate) Validate() error {
	switch {
	case len(t.PreviousBlockHash) != 64:
		return fmt.Errorf("previousblockhash has length %d", len(t.PreviousBlockHash))
	case len(t.Bits) != 8:
		return fmt.Errorf("bits has length %d", len(t.Bits))
	case t.CoinbaseTxn.Hash == "" || t.CoinbaseTxn.Data == "":
		return fmt.Errorf("coinbasetxn is missing")
	case t.Target == "":
		return fmt.Errorf("target is missing")
	}
	return nil
}

// SubmissionStatus is the node's verdict on a submitted header or block.
type SubmissionStatus int

const (
	// StatusInvalid means the node rejected the submission.
	StatusInvalid SubmissionStatus = iota
	// StatusValid means the node accepted the work.
	StatusValid
)

// String returns the status as used in logs and events
func (s SubmissionStatus) String() string {
	if s == StatusValid {
		return "valid"
	}
	return "invalid"
}

// SubmissionResult is the interpreted result of a submitblock call.
type SubmissionResult struct {
	Status SubmissionStatus
	// BlockCandidate is set when the node reported the work as a new block.
	BlockCandidate bool
	// Reason carries the node's rejection string, if any.
	Reason string
}

// Valid reports whether the node accepted the submission.
func (r *SubmissionResult) Valid() bool {
	return r != nil && r.Status == StatusValid
}

// ParseSubmitResult interprets the raw result of submitblock. A JSON null is
// the daemon's way of saying the block was accepted; a handful of strings mean
// the work was fine but did not produce a new block; anything else is a
// rejection reason.
func ParseSubmitResult(raw json.RawMessage) (*SubmissionResult, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return &SubmissionResult{Status: StatusValid, BlockCandidate: true}, nil
	}

	var reason string
	if err := json.Unmarshal(raw, &reason); err != nil {
		return nil, fmt.Errorf("unexpected submitblock result %s: %w", trimmed, err)
	}

	switch reason {
	case "duplicate", "inconclusive", "duplicate-inconclusive":
		return &SubmissionResult{Status: StatusValid, Reason: reason}, nil
	default:
		return &SubmissionResult{Status: StatusInvalid, Reason: reason}, nil
	}
}
