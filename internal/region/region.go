// Package region implements the per-region freelist allocator: the L1 layer
// of the allocator (spec §4.2). A Region manages one contiguous byte range,
// handed to it by a caller (typically internal/platform), as an
// address-ordered, non-adjacent list of free chunks. It knows nothing about
// attribute matching, handler chains, or guard words — those belong to the
// internal/memsys façade that wraps a set of Regions.
package region

import (
	"fmt"
	"unsafe"

	"github.com/execmem/execmem/internal/execerr"
	"github.com/execmem/execmem/internal/memflags"
	"github.com/execmem/execmem/internal/memlist"
)

// headerReserve is the space notionally spent on region bookkeeping before
// the freelist starts. The original design places the region header
// in-line at the front of the managed memory; this port keeps the Region
// struct itself as an ordinary Go value (its freelist pointers are Go
// pointers into a list that must be GC-visible, which an in-line overlay
// cannot provide), but still reserves one block so total/free accounting
// matches "capacity minus header overhead" the way every other region in
// the system behaves.
const headerReserve = BlockSize

// Region manages one contiguous byte range of memory under a set of
// advisory attribute tags.
type Region struct {
	memlist.Node // links this Region into an Allocator's region list, sorted by priority

	name     string
	base     []byte // keeps the backing memory reachable; chunks alias into it
	freelist memlist.List

	lower, upper uintptr
	total        uintptr
	free         uintptr

	attrs     memflags.T
	priority  int32
	debugFill bool
}

// Options configure a Region at construction time, replacing what would
// otherwise be a process-global debug toggle.
type Options struct {
	DebugFill bool
}

// Option mutates Options.
type Option func(*Options)

// WithDebugFill enables the ALLOC_FILL/FREE_FILL debug patterns on
// allocation and free.
func WithDebugFill(enabled bool) Option {
	return func(o *Options) { o.DebugFill = enabled }
}

// New constructs a Region managing base, which must be at least
// headerReserve+BlockSize bytes. base is retained for the Region's lifetime
// — the caller must not reuse or release it independently (see
// internal/platform.Memory.Release, which a Region's owner calls only after
// RemRegion).
func New(base []byte, attrs memflags.T, priority int32, name string, opts ...Option) (*Region, error) {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}

	usable := alignDown(uintptr(len(base)), BlockSize)
	if usable <= headerReserve {
		return nil, fmt.Errorf("region %q: %d bytes is too small for a %d-byte header plus one block", name, len(base), headerReserve)
	}

	total := usable - headerReserve
	baseAddr := uintptr(unsafe.Pointer(&base[0])) //nolint:govet

	r := &Region{
		name:      name,
		base:      base,
		lower:     baseAddr + headerReserve,
		upper:     baseAddr + usable,
		total:     total,
		free:      total,
		attrs:     attrs,
		priority:  priority,
		debugFill: o.DebugFill,
	}
	r.freelist.Init()

	if r.debugFill {
		fillBytes(r.lower, total, freeFillByte)
	}

	first := chunkAt(r.lower)
	first.bytes = total

	r.freelist.AddTail(&first.Node)

	return r, nil
}

// FromNode recovers the Region embedding n, which must be the Node of a
// Region previously linked into some Allocator's region list.
func FromNode(n *memlist.Node) *Region {
	return (*Region)(unsafe.Pointer(n)) //nolint:govet
}

func (r *Region) Name() string      { return r.name }
func (r *Region) Attrs() memflags.T { return r.attrs }
func (r *Region) Priority() int32   { return r.priority }
func (r *Region) Lower() uintptr    { return r.lower }
func (r *Region) Upper() uintptr    { return r.upper }
func (r *Region) Total() uintptr    { return r.total }
func (r *Region) Free() uintptr     { return r.free }

// Owns reports whether addr falls within r's managed range.
func (r *Region) Owns(addr uintptr) bool {
	return addr >= r.lower && addr < r.upper
}

// Allocate implements spec §4.2.1: first-fit search (forward by default,
// from the top of the freelist with memflags.Reverse), splitting the
// winning chunk so the freelist stays address-ordered.
func (r *Region) Allocate(size uintptr, flags memflags.T) (uintptr, bool) {
	if size == 0 {
		panic(execerr.InvalidSize(size, "Region.Allocate"))
	}

	size = alignUp(size, BlockSize)
	if r.free < size {
		return 0, false
	}

	reverse := memflags.Has(flags, memflags.Reverse)

	found := r.firstFit(size, reverse)
	if found == nil {
		return 0, false
	}

	chunk := chunkFromNode(found)

	var addr uintptr
	if reverse {
		addr = chunk.end() - size
	} else {
		addr = chunk.addr()
	}

	result := r.carve(found, addr, size)
	r.free -= size
	r.fillAllocated(result, size, flags)

	return result, true
}

func (r *Region) firstFit(size uintptr, reverse bool) *memlist.Node {
	var found *memlist.Node

	match := func(n *memlist.Node) bool {
		if chunkFromNode(n).bytes >= size {
			found = n
			return false
		}

		return true
	}

	if reverse {
		r.freelist.EachReverse(match)
	} else {
		r.freelist.Each(match)
	}

	return found
}

// AllocateAbs implements spec §4.2.2: ALIGN mode interprets location as an
// alignment exponent, ABS mode as a required starting address.
func (r *Region) AllocateAbs(size, location uintptr, flags memflags.T) (uintptr, bool) {
	if size == 0 {
		panic(execerr.InvalidSize(size, "Region.AllocateAbs"))
	}

	size = alignUp(size, BlockSize)
	if r.free < size {
		return 0, false
	}

	reverse := memflags.Has(flags, memflags.Reverse)
	align := memflags.Has(flags, memflags.Align)

	var alignment uintptr

	var wantAddr uintptr

	if align {
		mask := (uintptr(1) << location) - 1
		if mask < BlockMask {
			mask = BlockMask
		}

		alignment = mask + 1
	} else {
		wantAddr = alignDown(location, BlockSize)
	}

	var (
		found *memlist.Node
		addr  uintptr
	)

	match := func(n *memlist.Node) bool {
		chunk := chunkFromNode(n)
		start, end := chunk.addr(), chunk.end()

		if align {
			var candidate uintptr
			if reverse {
				candidate = alignDown(end-size, alignment)
				if candidate < start {
					return true
				}
			} else {
				candidate = alignUp(start, alignment)
				if candidate+size > end {
					return true
				}
			}

			addr, found = candidate, n

			return false
		}

		if start <= wantAddr && wantAddr+size <= end {
			addr, found = wantAddr, n
			return false
		}

		return true
	}

	if reverse {
		r.freelist.EachReverse(match)
	} else {
		r.freelist.Each(match)
	}

	if found == nil {
		return 0, false
	}

	result := r.carve(found, addr, size)
	r.free -= size
	r.fillAllocated(result, size, flags)

	return result, true
}

// carve splits node (spanning [start,end)) around [addr,addr+size), leaving
// zero, one, or two free-chunk remainders, and returns addr. It is the one
// place a chunk either shrinks in place or moves to a new address overlay.
func (r *Region) carve(node *memlist.Node, addr, size uintptr) uintptr {
	chunk := chunkFromNode(node)
	start, end := chunk.addr(), chunk.end()
	headLen := addr - start
	tailLen := end - (addr + size)

	switch {
	case headLen == 0 && tailLen == 0:
		memlist.Unlink(node)
	case headLen == 0:
		tail := chunkAt(addr + size)
		tail.bytes = tailLen
		memlist.Replace(node, &tail.Node)
	case tailLen == 0:
		chunk.bytes = headLen
	default:
		chunk.bytes = headLen
		tail := chunkAt(addr + size)
		tail.bytes = tailLen
		r.freelist.AddAfter(&tail.Node, node)
	}

	return addr
}

func (r *Region) fillAllocated(addr, size uintptr, flags memflags.T) {
	if memflags.Has(flags, memflags.Clear) {
		zeroBytes(addr, size)
		return
	}

	if r.debugFill {
		fillBytes(addr, size, allocFillByte)
	}
}

// Deallocate implements spec §4.2.3: locate the (prev, next) free-chunk pair
// straddling block, reject overlap, splice in a new chunk, then coalesce
// with whichever neighbour(s) are exactly adjacent. lower/upper act as
// synthetic, never-coalesced boundaries at the ends of the region.
func (r *Region) Deallocate(block, size uintptr) {
	if size == 0 {
		panic(execerr.InvalidSize(size, "Region.Deallocate"))
	}

	size = alignUp(size, BlockSize)

	if block%BlockSize != 0 || block < r.lower || block >= r.upper {
		panic(execerr.UnknownAddress(block, "Region.Deallocate"))
	}

	var prevNode, nextNode *memlist.Node

	r.freelist.Each(func(n *memlist.Node) bool {
		if chunkFromNode(n).addr() <= block {
			prevNode = n
			return true
		}

		nextNode = n

		return false
	})

	prevEnd := r.lower
	if prevNode != nil {
		prevEnd = chunkFromNode(prevNode).end()
	}

	nextAddr := r.upper
	if nextNode != nil {
		nextAddr = chunkFromNode(nextNode).addr()
	}

	if block < prevEnd || block+size > nextAddr {
		panic(execerr.Overlap(block, size, prevEnd))
	}

	if r.debugFill {
		fillBytes(block, size, freeFillByte)
	}

	fresh := chunkAt(block)
	fresh.bytes = size
	r.freelist.AddAfter(&fresh.Node, prevNode)

	merged := fresh
	if prevNode != nil && prevEnd == block {
		prev := chunkFromNode(prevNode)
		prev.bytes += merged.bytes
		memlist.Unlink(&merged.Node)
		merged = prev
	}

	if nextNode != nil && merged.end() == nextAddr {
		next := chunkFromNode(nextNode)
		merged.bytes += next.bytes
		memlist.Unlink(nextNode)
	}

	r.free += size
}

// LargestFree returns the size in bytes of the single largest free chunk.
func (r *Region) LargestFree() uintptr {
	var max uintptr

	r.freelist.Each(func(n *memlist.Node) bool {
		if b := chunkFromNode(n).bytes; b > max {
			max = b
		}

		return true
	})

	return max
}

// CheckInvariants verifies spec §8 properties 1 and 2 for r: the freelist
// sums to r.free, and chunks are strictly address-ordered and non-adjacent.
// It does not panic; callers decide whether a violation is fatal.
func (r *Region) CheckInvariants() error {
	var sum uintptr

	var prevEnd uintptr = r.lower

	var fault error

	r.freelist.Each(func(n *memlist.Node) bool {
		c := chunkFromNode(n)
		if c.addr() < prevEnd {
			fault = fmt.Errorf("region %q: chunk at %#x is out of address order or overlaps its predecessor (ends %#x)", r.name, c.addr(), prevEnd)
			return false
		}

		if c.addr() == prevEnd && prevEnd != r.lower {
			fault = fmt.Errorf("region %q: adjacent free chunks at %#x were not coalesced", r.name, c.addr())
			return false
		}

		sum += c.bytes
		prevEnd = c.end()

		return true
	})

	if fault != nil {
		return fault
	}

	if sum != r.free {
		return execerr.FreelistSumMismatch(r.name, r.free, sum)
	}

	return nil
}
