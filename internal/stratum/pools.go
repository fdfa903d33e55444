// Package stratum implements the line-delimited Stratum V1 transport used by
// Equihash-family miners: message codec, per-connection sessions and the
// listening server.
package stratum

import (
	"bytes"
	"sync"

	"github.com/goccy/go-json"
)

// maxPooledBuffer keeps oversized buffers out of the pool
const maxPooledBuffer = 64 * 1024

// Object pools for hot path optimizations
var (
	// bufferPool reuses encode buffers; mining.notify carries the whole
	// coinbase so lines are a few KB each
	bufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 4096))
		},
	}
)

// GetBuffer gets an empty buffer from the pool
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool
func PutBuffer(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > maxPooledBuffer {
		return
	}
	bufferPool.Put(buf)
}

// EncodeLine marshals msg followed by the newline delimiter. The returned
// slice is owned by the caller.
func EncodeLine(msg *Message) ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	line := make([]byte, buf.Len())
	copy(line, buf.Bytes())
	return line, nil
}
