package logging

import (
	"bytes"
	"os"
	"sync"
)

// RingBuffer keeps the last N bytes written to it. Old bytes are
// overwritten once the buffer is full.
type RingBuffer struct {
	mu    sync.Mutex
	data  []byte
	start int
	used  int
}

// NewRingBuffer allocates a buffer holding size bytes.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 4 * 1024 * 1024
	}
	return &RingBuffer{data: make([]byte, size)}
}

// Write implements io.Writer and never fails.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(p)
	capacity := len(rb.data)
	if n >= capacity {
		copy(rb.data, p[n-capacity:])
		rb.start, rb.used = 0, capacity
		return n, nil
	}

	end := (rb.start + rb.used) % capacity
	first := copy(rb.data[end:], p)
	copy(rb.data, p[first:])

	rb.used += n
	if rb.used > capacity {
		rb.start = (rb.start + rb.used - capacity) % capacity
		rb.used = capacity
	}
	return n, nil
}

// Bytes returns a copy of the contents, oldest first.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]byte, rb.used)
	first := copy(out, rb.data[rb.start:min(rb.start+rb.used, len(rb.data))])
	copy(out[first:], rb.data[:rb.used-first])
	return out
}

// Tail returns at most the last n complete lines.
func (rb *RingBuffer) Tail(n int) []string {
	if n <= 0 {
		return nil
	}
	lines := bytes.Split(bytes.TrimRight(rb.Bytes(), "\n"), []byte("\n"))
	if len(lines) == 1 && len(lines[0]) == 0 {
		return nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = string(l)
	}
	return out
}

// DumpToFile writes the contents to path.
func (rb *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, rb.Bytes(), 0o600)
}
