package pool

import (
	"bytes"
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/vrscpool/internal/job"
	"github.com/bardlex/vrscpool/internal/validation"
)

// buildHeader lays out the solved header as hex: version, previous hash,
// merkle root and reserved field from the job, then the miner's time, the
// job's bits, the miner's nonce, the solution size field and the solution.
func buildHeader(j *job.Job, share *validation.Share, solutionSizeField string) string {
	var b strings.Builder
	b.Grow(len(j.HeaderPrefix()) + len(share.Time) + len(j.BitsLE()) + len(share.Nonce) +
		len(solutionSizeField) + len(share.Solution))

	b.WriteString(j.HeaderPrefix())
	b.WriteString(share.Time)
	b.WriteString(j.BitsLE())
	b.WriteString(share.Nonce)
	b.WriteString(solutionSizeField)
	b.WriteString(share.Solution)
	return b.String()
}

// buildBlock appends the transaction count, the coinbase and the template
// transactions to header.
func buildBlock(j *job.Job, header string) (string, error) {
	var count bytes.Buffer
	if err := wire.WriteVarInt(&count, 0, uint64(1+len(j.TxData))); err != nil {
		return "", err
	}

	size := len(header) + count.Len()*2 + len(j.CoinbaseData)
	for _, tx := range j.TxData {
		size += len(tx)
	}

	var b strings.Builder
	b.Grow(size)
	b.WriteString(header)
	b.WriteString(hex.EncodeToString(count.Bytes()))
	b.WriteString(j.CoinbaseData)
	for _, tx := range j.TxData {
		b.WriteString(tx)
	}
	return b.String(), nil
}
