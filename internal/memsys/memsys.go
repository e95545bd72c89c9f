// Package memsys implements the central allocator façade (spec §4.3): a
// list of attribute-tagged Regions and a priority-ordered chain of reclaim
// Handlers, guarded by one coarse mutex. It is the only layer that knows
// about mungwall guard bands — internal/region stays a pure freelist.
package memsys

import (
	"fmt"
	"sync"

	"github.com/execmem/execmem/internal/execerr"
	"github.com/execmem/execmem/internal/memflags"
	"github.com/execmem/execmem/internal/memlist"
	"github.com/execmem/execmem/internal/region"
)

const wordSize = 8

// Allocator is the central allocation façade. The zero value is not usable;
// construct with New.
type Allocator struct {
	mu sync.Mutex

	regions  memlist.List
	handlers memlist.List
	cursor   *memlist.Node // current handler-chain position; nil before the first attempt

	guardBands bool
}

// Options configure an Allocator at construction.
type Options struct {
	GuardBands bool
}

// Option mutates Options.
type Option func(*Options)

// WithGuardBands enables mungwall front/back guard words on every public
// allocation (spec §4.3.2). Disabling it is useful for throughput-sensitive
// callers that trust their own bookkeeping.
func WithGuardBands(enabled bool) Option {
	return func(o *Options) { o.GuardBands = enabled }
}

// New constructs an empty Allocator. Guard bands default on, matching the
// reference allocator's always-instrumented builds.
func New(opts ...Option) *Allocator {
	o := Options{GuardBands: true}
	for _, opt := range opts {
		opt(&o)
	}

	a := &Allocator{guardBands: o.GuardBands}
	a.regions.Init()
	a.handlers.Init()

	return a
}

func regionPriorityKey(n *memlist.Node) int64 {
	return int64(region.FromNode(n).Priority())
}

// AddRegion wraps mem as a new Region and links it into the region list in
// priority order (descending; equal priorities are FIFO, oldest first). mem
// is retained for the Region's lifetime.
func (a *Allocator) AddRegion(mem []byte, attrs memflags.T, priority int32, name string, opts ...region.Option) (*region.Region, error) {
	r, err := region.New(mem, attrs, priority, name, opts...)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.regions.AddSorted(&r.Node, regionPriorityKey)

	return r, nil
}

// RemRegion unlinks r, which must currently hold no live allocations
// (r.Free() == r.Total()).
func (a *Allocator) RemRegion(r *region.Region) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if r.Free() != r.Total() {
		return errRegionInUse(r)
	}

	memlist.Unlink(&r.Node)

	return nil
}

func (a *Allocator) eachMatchingRegion(reqs memflags.T, fn func(*region.Region) bool) {
	a.regions.Each(func(n *memlist.Node) bool {
		r := region.FromNode(n)
		if !memflags.Matches(r.Attrs(), reqs) {
			return true
		}

		return fn(r)
	})
}

// frontGuard returns the number of extra bytes mungwall reserves before the
// user pointer: one block for a plain allocation, or 1<<alignExp (which
// must itself be at least 3 words) for an aligned one.
func frontGuard(guardBands bool, alignExp uint) uintptr {
	if !guardBands {
		return 0
	}

	if alignExp == 0 {
		return region.BlockSize
	}

	block := uintptr(1) << alignExp
	if block < 3*wordSize {
		panic(execerr.InvalidSize(block, "memsys: alignment exponent too small for mungwall metadata"))
	}

	return block
}

func (a *Allocator) backGuard() uintptr {
	if !a.guardBands {
		return 0
	}

	return wordSize
}

// Alloc implements spec §4.3.3's alloc path: region walk, handler-chain
// retry on exhaustion, mungwall install on success.
func (a *Allocator) Alloc(size uintptr, flags memflags.T) (uintptr, bool) {
	if size == 0 {
		panic(execerr.InvalidSize(size, "Allocator.Alloc"))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	front := frontGuard(a.guardBands, 0)
	back := a.backGuard()
	rawSize := front + size + back

	allDone := false

	for {
		var raw uintptr

		var ok bool

		a.eachMatchingRegion(flags, func(r *region.Region) bool {
			raw, ok = r.Allocate(rawSize, flags)
			return !ok
		})

		if ok {
			return a.installGuards(raw, front, size, rawSize), true
		}

		if allDone {
			return 0, false
		}

		if memflags.Has(flags, memflags.NoExpunge) {
			return 0, false
		}

		if a.callHandlers(size, 0, flags) == HandlerAllDone {
			allDone = true
		}
	}
}

// AllocAbs implements spec §4.3.3's allocAbs path: location is shifted down
// by the front guard so the user-visible block starts exactly at location.
func (a *Allocator) AllocAbs(size, location uintptr, flags memflags.T) (uintptr, bool) {
	if size == 0 {
		panic(execerr.InvalidSize(size, "Allocator.AllocAbs"))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	front := frontGuard(a.guardBands, 0)
	back := a.backGuard()
	rawSize := front + size + back
	rawLoc := location - front

	allDone := false

	for {
		var raw uintptr

		var ok bool

		a.eachMatchingRegion(flags, func(r *region.Region) bool {
			raw, ok = r.AllocateAbs(rawSize, rawLoc, flags)
			return !ok
		})

		if ok {
			return a.installGuards(raw, front, size, rawSize), true
		}

		if allDone {
			return 0, false
		}

		if memflags.Has(flags, memflags.NoExpunge) {
			return 0, false
		}

		if a.callHandlers(size, 0, flags) == HandlerAllDone {
			allDone = true
		}
	}
}

// AllocAlign implements spec §4.3.3's allocAlign path: forces ALIGN and
// derives the front guard from the same exponent, so the returned user
// pointer inherits the alignment (raw aligned to 1<<alignExp, plus a
// front guard that is itself a multiple of 1<<alignExp).
func (a *Allocator) AllocAlign(size uintptr, alignExp uint, flags memflags.T) (uintptr, bool) {
	if size == 0 {
		panic(execerr.InvalidSize(size, "Allocator.AllocAlign"))
	}

	flags |= memflags.Align

	a.mu.Lock()
	defer a.mu.Unlock()

	front := frontGuard(a.guardBands, alignExp)
	back := a.backGuard()
	rawSize := front + size + back

	allDone := false

	for {
		var raw uintptr

		var ok bool

		a.eachMatchingRegion(flags, func(r *region.Region) bool {
			raw, ok = r.AllocateAbs(rawSize, uintptr(alignExp), flags)
			return !ok
		})

		if ok {
			return a.installGuards(raw, front, size, rawSize), true
		}

		if allDone {
			return 0, false
		}

		if memflags.Has(flags, memflags.NoExpunge) {
			return 0, false
		}

		if a.callHandlers(size, alignExp, flags) == HandlerAllDone {
			allDone = true
		}
	}
}

// Free locates the region owning ptr, verifies its mungwall guards (when
// enabled), and returns the block to that region's freelist.
func (a *Allocator) Free(ptr, size uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	raw, rawSize := a.verifyAndStripGuards(ptr, size)

	var owner *region.Region

	a.eachMatchingRegion(memflags.Any, func(r *region.Region) bool {
		if r.Owns(raw) {
			owner = r
			return false
		}

		return true
	})

	if owner == nil {
		panic(execerr.UnknownAddress(ptr, "Allocator.Free"))
	}

	owner.Deallocate(raw, rawSize)
}

// AvailMem implements spec §4.3.3's availMem: by default the sum of free
// bytes across matching regions; with memflags.Largest, the single largest
// free chunk; with memflags.TotalMem, the sum of region capacities.
func (a *Allocator) AvailMem(flags memflags.T) uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case memflags.Has(flags, memflags.Largest):
		var max uintptr

		a.eachMatchingRegion(flags, func(r *region.Region) bool {
			if err := r.CheckInvariants(); err != nil {
				panic(err)
			}

			if got := r.LargestFree(); got > max {
				max = got
			}

			return true
		})

		return max
	case memflags.Has(flags, memflags.TotalMem):
		var sum uintptr

		a.eachMatchingRegion(flags, func(r *region.Region) bool {
			sum += r.Total()
			return true
		})

		return sum
	default:
		var sum uintptr

		a.eachMatchingRegion(flags, func(r *region.Region) bool {
			sum += r.Free()
			return true
		})

		return sum
	}
}

// TypeOf returns the attribute mask of the region owning ptr, or
// memflags.Any if no region owns it.
func (a *Allocator) TypeOf(ptr uintptr) memflags.T {
	a.mu.Lock()
	defer a.mu.Unlock()

	var attrs memflags.T

	a.eachMatchingRegion(memflags.Any, func(r *region.Region) bool {
		if r.Owns(ptr) {
			attrs = r.Attrs()
			return false
		}

		return true
	})

	return attrs
}

func errRegionInUse(r *region.Region) error {
	return fmt.Errorf("memsys: region %q still holds %d live bytes, cannot remove", r.Name(), r.Total()-r.Free())
}
