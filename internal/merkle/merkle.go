// Package merkle computes block merkle roots from RPC-ordered transaction hashes.
package merkle

import (
	stderrors "errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	sha256 "github.com/minio/sha256-simd"

	"github.com/bardlex/vrscpool/pkg/errors"
)

var (
	// ErrEmptyHashList is returned when there is nothing to reduce.
	ErrEmptyHashList = stderrors.New("empty hash list")
	// ErrInvalidHash is returned when an element is not a 32-byte hex hash.
	ErrInvalidHash = stderrors.New("invalid transaction hash")
)

// ComputeRoot reduces a list of transaction hashes to their merkle root.
//
// Hashes are given and returned in RPC display order (byte-reversed relative to
// the bytes that are hashed). Adjacent hashes are paired level by level; an odd
// level pairs its last hash with itself. Each pair is combined with double
// SHA-256 over the concatenation of the internal byte forms.
//
// Parameters:
//   - hashes: Coinbase hash first, followed by the template's transaction hashes
//
// Returns:
//   - string: The 64-character hex merkle root
//   - error: An input error wrapping ErrEmptyHashList or ErrInvalidHash
func ComputeRoot(hashes []string) (string, error) {
	if len(hashes) == 0 {
		return "", errors.InvalidInput(ErrEmptyHashList, "compute_merkle_root", "no hashes supplied")
	}

	level, err := parseHashes(hashes)
	if err != nil {
		return "", err
	}

	if len(level) == 1 {
		return hashes[0], nil
	}

	return Root(level).String(), nil
}

// Root reduces already-parsed hashes. The slice is used as scratch space and
// must not be empty.
func Root(level []chainhash.Hash) chainhash.Hash {
	var buf [chainhash.HashSize * 2]byte

	for len(level) > 1 {
		next := level[:0]
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}

			copy(buf[:chainhash.HashSize], left[:])
			copy(buf[chainhash.HashSize:], right[:])
			next = append(next, doubleSHA256(buf[:]))
		}
		level = next
	}

	return level[0]
}

func parseHashes(hashes []string) ([]chainhash.Hash, error) {
	level := make([]chainhash.Hash, len(hashes))
	for i, h := range hashes {
		// NewHashFromStr left-pads short input, so enforce the length first
		if len(h) != chainhash.MaxHashStringSize {
			return nil, errors.InvalidInput(ErrInvalidHash, "compute_merkle_root",
				fmt.Sprintf("hash %d has length %d", i, len(h))).
				WithContext("index", i)
		}
		parsed, err := chainhash.NewHashFromStr(h)
		if err != nil {
			return nil, errors.InvalidInput(ErrInvalidHash, "compute_merkle_root",
				fmt.Sprintf("hash %d is not hex: %v", i, err)).
				WithContext("index", i)
		}
		level[i] = *parsed
	}
	return level, nil
}

func doubleSHA256(b []byte) chainhash.Hash {
	first := sha256.Sum256(b)
	return chainhash.Hash(sha256.Sum256(first[:]))
}
