package region

import (
	"unsafe"

	"github.com/execmem/execmem/internal/memlist"
)

// Block quantum: every allocation is rounded up to BlockSize, and every free
// chunk boundary is BlockSize-aligned. BlockSize is the minimum resolution a
// Region hands out — a 1-byte request still consumes BlockSize bytes.
const (
	BlockSize = 32
	BlockExp  = 5
	BlockMask = BlockSize - 1
)

// FreeChunk describes a maximal run of free bytes inside a Region's backing
// memory. It is overlaid directly onto that memory via unsafe.Pointer — the
// same technique cznic/memory uses for its free-list nodes — rather than
// tracked in a side table, so coalescing and splitting never allocate.
//
// Node must remain FreeChunk's first field: chunkFromNode recovers a
// *FreeChunk from the *memlist.Node the freelist hands back at a zero
// offset.
type FreeChunk struct {
	memlist.Node
	bytes uintptr
}

// chunkAt overlays a fresh, unlinked *FreeChunk onto the memory at addr,
// clearing whatever link bytes that memory held before. Callers must own
// addr (it must fall within a Region's backing slice) and ensure no other
// live FreeChunk aliases the same bytes.
func chunkAt(addr uintptr) *FreeChunk {
	c := (*FreeChunk)(unsafe.Pointer(addr)) //nolint:govet
	c.Node = memlist.Node{}

	return c
}

// addr returns the address c itself is overlaid on.
func (c *FreeChunk) addr() uintptr {
	return uintptr(unsafe.Pointer(c))
}

// end returns the address immediately past c.
func (c *FreeChunk) end() uintptr {
	return c.addr() + c.bytes
}

func chunkFromNode(n *memlist.Node) *FreeChunk {
	return (*FreeChunk)(unsafe.Pointer(n)) //nolint:govet
}

// alignUp rounds n up to the nearest multiple of quantum, which must be a
// power of two.
func alignUp(n, quantum uintptr) uintptr {
	return (n + quantum - 1) &^ (quantum - 1)
}

// alignDown rounds n down to the nearest multiple of quantum, which must be
// a power of two.
func alignDown(n, quantum uintptr) uintptr {
	return n &^ (quantum - 1)
}
