// Package job turns block templates into Stratum jobs and keeps the most
// recently created ones around for share validation.
package job

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	sha256 "github.com/minio/sha256-simd"

	"github.com/bardlex/vrscpool/internal/merkle"
	"github.com/bardlex/vrscpool/internal/node"
	"github.com/bardlex/vrscpool/pkg/errors"
)

// Job is the unit of work sent to miners. Everything except the submission
// set is fixed at creation.
type Job struct {
	ID         string
	Height     int64
	Version    uint32
	PrevHash   string
	MerkleRoot string

	// Reserved is the chain's extra 32-byte header field (finalsaplingroothash),
	// passed to miners and placed in the header exactly as received.
	Reserved string

	Bits         string
	CurTime      int64
	Target       string
	CleanJobs    bool
	CreatedAt    time.Time
	CoinbaseData string

	// TxData holds the raw non-coinbase transactions for full block assembly.
	TxData []string

	// header fields in the byte order they occupy in the block header
	versionHex   string
	prevHashLE   string
	merkleRootLE string
	timeLE       string
	bitsLE       string

	mu          sync.Mutex
	submissions map[SubmissionKey]struct{}
}

func newJob(id string, tpl *node.BlockTemplate, clean bool, now time.Time) (*Job, error) {
	if err := tpl.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "create_job", "unusable block template").
			WithContext("height", tpl.Height)
	}

	root, err := merkle.ComputeRoot(tpl.TransactionHashes())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "create_job", "merkle root").
			WithContext("height", tpl.Height)
	}

	prevLE, err := hashToHeaderOrder(tpl.PreviousBlockHash)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "create_job", "previousblockhash")
	}
	rootLE, err := hashToHeaderOrder(root)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "create_job", "merkle root")
	}
	bitsLE, err := ReverseHex(tpl.Bits)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "create_job", "bits")
	}
	timeLE, err := ReverseHex(fmt.Sprintf("%08x", uint32(tpl.CurTime)))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "create_job", "curtime")
	}

	txData := make([]string, len(tpl.Transactions))
	for i, tx := range tpl.Transactions {
		txData[i] = tx.Data
	}

	return &Job{
		ID:           id,
		Height:       tpl.Height,
		Version:      tpl.Version,
		PrevHash:     tpl.PreviousBlockHash,
		MerkleRoot:   root,
		Reserved:     tpl.FinalSaplingRootHash,
		Bits:         tpl.Bits,
		CurTime:      tpl.CurTime,
		Target:       tpl.Target,
		CleanJobs:    clean,
		CreatedAt:    now,
		CoinbaseData: tpl.CoinbaseTxn.Data,
		TxData:       txData,
		versionHex:   fmt.Sprintf("%08x", tpl.Version),
		prevHashLE:   prevLE,
		merkleRootLE: rootLE,
		timeLE:       timeLE,
		bitsLE:       bitsLE,
		submissions:  make(map[SubmissionKey]struct{}),
	}, nil
}

// NotifyParams returns the mining.notify parameter list for this job.
func (j *Job) NotifyParams() []any {
	return []any{
		j.ID,
		j.versionHex,
		j.prevHashLE,
		j.merkleRootLE,
		j.Reserved,
		j.timeLE,
		j.bitsLE,
		j.CleanJobs,
		j.CoinbaseData,
	}
}

// HeaderPrefix returns the header fields preceding the miner-supplied time,
// nonce and solution: version, previous hash, merkle root and reserved field.
func (j *Job) HeaderPrefix() string {
	return j.versionHex + j.prevHashLE + j.merkleRootLE + j.Reserved
}

// BitsLE returns bits in header byte order.
func (j *Job) BitsLE() string { return j.bitsLE }

// TimeLE returns the template time in header byte order, as sent in mining.notify.
func (j *Job) TimeLE() string { return j.timeLE }

// SameWork reports whether a template would produce the same work as this job.
// Only a new previous block or a new network target counts as a change.
func (j *Job) SameWork(tpl *node.BlockTemplate) bool {
	return strings.EqualFold(j.PrevHash, tpl.PreviousBlockHash) && strings.EqualFold(j.Target, tpl.Target)
}

// SubmissionCount returns how many distinct submissions the job has seen.
func (j *Job) SubmissionCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.submissions)
}

// recordOnce inserts key and reports whether it was new.
func (j *Job) recordOnce(key SubmissionKey) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, seen := j.submissions[key]; seen {
		return false
	}
	j.submissions[key] = struct{}{}
	return true
}

// SubmissionKey identifies one (job, nonce, solution) triple.
type SubmissionKey [sha256.Size]byte

// NewSubmissionKey hashes the fields that make a share unique. Hex case is
// normalised so the same work cannot be resubmitted in different casing.
func NewSubmissionKey(jobID, nonce, solution string) SubmissionKey {
	h := sha256.New()
	h.Write([]byte(jobID))
	h.Write([]byte{':'})
	h.Write([]byte(strings.ToLower(nonce)))
	h.Write([]byte{':'})
	h.Write([]byte(strings.ToLower(solution)))

	var key SubmissionKey
	copy(key[:], h.Sum(nil))
	return key
}

// ReverseHex reverses the byte order of a hex string.
func ReverseHex(s string) (string, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", err
	}
	for i, k := 0, len(b)-1; i < k; i, k = i+1, k-1 {
		b[i], b[k] = b[k], b[i]
	}
	return hex.EncodeToString(b), nil
}

func hashToHeaderOrder(display string) (string, error) {
	if len(display) != chainhash.MaxHashStringSize {
		return "", fmt.Errorf("hash has length %d", len(display))
	}
	h, err := chainhash.NewHashFromStr(display)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h[:]), nil
}
