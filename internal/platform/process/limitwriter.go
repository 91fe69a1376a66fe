package process

import (
	"bytes"
	"sync"
)

// LimitedBuffer keeps the first limit bytes written to it and silently drops the
// rest, so a chatty toolchain can neither exhaust memory nor block on a full pipe.
type LimitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func NewLimitedBuffer(limit int64) *LimitedBuffer {
	return &LimitedBuffer{limit: limit}
}

func (b *LimitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.limit <= 0 {
		return b.buf.Write(p)
	}
	remaining := b.limit - int64(b.buf.Len())
	if remaining <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	chunk := p
	if int64(len(chunk)) > remaining {
		chunk = chunk[:remaining]
		b.truncated = true
	}
	b.buf.Write(chunk)
	// Report the full length so the copying goroutine keeps draining the pipe.
	return len(p), nil
}

func (b *LimitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *LimitedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
