package miner

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/floatdrop/lru"
)

const maxAllocateAttempts = 16

// ExtraNonceAllocator issues random extranonce1 values. Recently issued values
// are remembered so a fresh connection does not get the value a miner that
// just dropped may still be hashing with.
type ExtraNonceAllocator struct {
	size int

	mu     sync.Mutex
	recent *lru.LRU[string, struct{}]
	rand   io.Reader
	inUse  func(string) bool
}

// NewExtraNonceAllocator creates an allocator for size-byte values. inUse, if
// non-nil, is consulted so values held by live connections are skipped.
func NewExtraNonceAllocator(size, remember int, inUse func(string) bool) *ExtraNonceAllocator {
	if remember < 1 {
		remember = 1
	}
	return &ExtraNonceAllocator{
		size:   size,
		recent: lru.New[string, struct{}](remember),
		rand:   rand.Reader,
		inUse:  inUse,
	}
}

// Size returns the extranonce1 length in bytes.
func (a *ExtraNonceAllocator) Size() int { return a.size }

// Next returns a new hex-encoded extranonce1.
func (a *ExtraNonceAllocator) Next() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf := make([]byte, a.size)
	for range maxAllocateAttempts {
		if _, err := io.ReadFull(a.rand, buf); err != nil {
			return "", fmt.Errorf("read random extranonce1: %w", err)
		}
		candidate := hex.EncodeToString(buf)
		if a.recent.Get(candidate) != nil {
			continue
		}
		if a.inUse != nil && a.inUse(candidate) {
			continue
		}
		a.recent.Set(candidate, struct{}{})
		return candidate, nil
	}
	return "", fmt.Errorf("no free extranonce1 after %d attempts", maxAllocateAttempts)
}

// Valid reports whether a client-offered extranonce1 has the expected shape.
func (a *ExtraNonceAllocator) Valid(extraNonce1 string) bool {
	if len(extraNonce1) != a.size*2 {
		return false
	}
	_, err := hex.DecodeString(extraNonce1)
	return err == nil
}

// Remember marks a value as issued, for values the client chose itself.
func (a *ExtraNonceAllocator) Remember(extraNonce1 string) {
	a.mu.Lock()
	a.recent.Set(extraNonce1, struct{}{})
	a.mu.Unlock()
}
