// Package platform acquires the raw, page-backed memory that
// internal/region carves into free chunks. On unix targets it maps
// anonymous memory directly with golang.org/x/sys/unix so a Region's
// backing store sits outside the Go heap (no GC scanning of freelist
// bytes that to the collector look like stray pointers); elsewhere it
// falls back to a plain byte slice.
package platform

import "fmt"

// Memory is a released-once handle on a byte range acquired from the OS.
type Memory struct {
	Bytes    []byte
	released bool
	release  func([]byte) error
}

// Release returns Bytes to the OS (or, on the fallback path, simply drops
// the reference for the garbage collector). Calling Release twice is a
// programming error and returns an error rather than panicking, since
// double-release of OS memory is recoverable by the caller logging and
// moving on.
func (m *Memory) Release() error {
	if m.released {
		return fmt.Errorf("platform: memory already released")
	}

	m.released = true

	if m.release == nil {
		return nil
	}

	return m.release(m.Bytes)
}

// Acquire reserves size bytes of memory for a Region. On unix the bytes
// come from an anonymous mmap and are page-aligned; the fallback slice
// carries only the Go heap's own alignment.
func Acquire(size int) (*Memory, error) {
	if size <= 0 {
		return nil, fmt.Errorf("platform: acquire size must be positive, got %d", size)
	}

	return acquire(size)
}
