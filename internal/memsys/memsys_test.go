package memsys

import (
	"testing"
	"unsafe"

	"github.com/execmem/execmem/internal/memflags"
	"github.com/execmem/execmem/internal/region"
)

func newTestAllocator(t *testing.T, size int, opts ...Option) *Allocator {
	t.Helper()

	a := New(opts...)

	if _, err := a.AddRegion(make([]byte, size), memflags.Public, 0, "test"); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}

	return a
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := newTestAllocator(t, 4096)

	before := a.AvailMem(memflags.Any)

	p, ok := a.Alloc(64, memflags.Any)
	if !ok {
		t.Fatal("Alloc failed")
	}

	if a.AvailMem(memflags.Any) == before {
		t.Fatal("AvailMem did not drop after Alloc")
	}

	a.Free(p, 64)

	if got := a.AvailMem(memflags.Any); got != before {
		t.Fatalf("AvailMem after Free = %d, want %d", got, before)
	}
}

func TestAllocZeroSizeFaults(t *testing.T) {
	a := newTestAllocator(t, 4096)

	defer func() {
		if recover() == nil {
			t.Fatal("Alloc(0, ...) should have panicked")
		}
	}()

	a.Alloc(0, memflags.Any)
}

// TestMungwallDetectsOverrun implements spec scenario 4: writing past the
// end of a user allocation corrupts MUNGWALL_HI, which Free must catch.
func TestMungwallDetectsOverrun(t *testing.T) {
	a := newTestAllocator(t, 4096)

	p, ok := a.Alloc(64, memflags.Any)
	if !ok {
		t.Fatal("Alloc failed")
	}

	// Stomp one byte past the end of the user's 64-byte region, directly
	// into the MUNGWALL_HI guard word.
	*(*byte)(unsafe.Pointer(p + 64)) = 0xFF //nolint:govet

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("Free should have panicked on a corrupted guard word")
		}
	}()

	a.Free(p, 64)
}

func TestAllocAlignReturnsAlignedPointer(t *testing.T) {
	a := newTestAllocator(t, 8192)

	const alignExp = 6 // 64-byte alignment

	p, ok := a.AllocAlign(128, alignExp, memflags.Any)
	if !ok {
		t.Fatal("AllocAlign failed")
	}

	if p%64 != 0 {
		t.Fatalf("pointer %#x is not 64-byte aligned", p)
	}

	a.Free(p, 128)
}

func TestAllocVecFreeVecRoundTrip(t *testing.T) {
	a := newTestAllocator(t, 4096)

	before := a.AvailMem(memflags.Any)

	p, ok := a.AllocVec(96, memflags.Any)
	if !ok {
		t.Fatal("AllocVec failed")
	}

	a.FreeVec(p)

	if got := a.AvailMem(memflags.Any); got != before {
		t.Fatalf("AvailMem after FreeVec = %d, want %d", got, before)
	}
}

// reclaimHandler is a small, deterministic stand-in for a reclaim policy:
// on each invocation it frees the pointer at the front of its queue (if
// any) and reports TryAgain, or DidNothing once the queue is empty. Handle
// runs with the allocator's mutex held, so it returns the block to the
// test's single region directly instead of re-entering Free.
type reclaimHandler struct {
	name     string
	priority int32
	alloc    *Allocator
	queue    []struct {
		ptr, size uintptr
	}
	invocations int
}

func (h *reclaimHandler) Name() string    { return h.name }
func (h *reclaimHandler) Priority() int32 { return h.priority }

func (h *reclaimHandler) Handle(HandlerRequest) HandlerResult {
	h.invocations++

	if len(h.queue) == 0 {
		return HandlerDidNothing
	}

	next := h.queue[0]
	h.queue = h.queue[1:]
	raw, rawSize := h.alloc.verifyAndStripGuards(next.ptr, next.size)
	region.FromNode(h.alloc.regions.First()).Deallocate(raw, rawSize)

	return HandlerTryAgain
}

// TestHandlerChainReclaimsAndRetries implements spec scenario 5: a
// higher-priority handler that has nothing to free returns DID_NOTHING and
// the chain advances to a lower-priority handler, which frees real memory
// and returns TRY_AGAIN, causing the region walk to retry and succeed.
func TestHandlerChainReclaimsAndRetries(t *testing.T) {
	a := newTestAllocator(t, 4096)

	// Drain the region entirely.
	var held []struct{ ptr, size uintptr }

	for {
		p, ok := a.Alloc(128, memflags.Any)
		if !ok {
			break
		}

		held = append(held, struct{ ptr, size uintptr }{p, 128})
	}

	empty := &reclaimHandler{name: "empty-handed", priority: 10, alloc: a}
	a.AddHandler(empty)

	releaser := &reclaimHandler{name: "releaser", priority: 5, alloc: a}
	releaser.queue = append(releaser.queue, held[0], held[1])
	a.AddHandler(releaser)

	p, ok := a.Alloc(128, memflags.Any)
	if !ok {
		t.Fatal("Alloc should have succeeded once the releaser handler freed space")
	}

	if empty.invocations == 0 {
		t.Fatal("higher-priority handler was never consulted")
	}

	if releaser.invocations == 0 {
		t.Fatal("lower-priority handler was never consulted")
	}

	a.Free(p, 128)

	for _, h := range held[2:] {
		a.Free(h.ptr, h.size)
	}
}

func TestHandlerChainAllDoneWhenNoHandlersHelp(t *testing.T) {
	a := newTestAllocator(t, 512)

	stuck := &reclaimHandler{name: "stuck", priority: 1, alloc: a}
	a.AddHandler(stuck)

	var held []struct{ ptr, size uintptr }

	for {
		p, ok := a.Alloc(32, memflags.Any)
		if !ok {
			break
		}

		held = append(held, struct{ ptr, size uintptr }{p, 32})
	}

	if _, ok := a.Alloc(32, memflags.Any); ok {
		t.Fatal("Alloc should fail once the region and every handler are exhausted")
	}

	if stuck.invocations == 0 {
		t.Fatal("handler should have been consulted at least once")
	}

	for _, h := range held {
		a.Free(h.ptr, h.size)
	}
}

// TestBatchAllocEntriesAllOrNothing implements spec scenario 6.
func TestBatchAllocEntriesAllOrNothing(t *testing.T) {
	a := newTestAllocator(t, 1024)

	before := a.AvailMem(memflags.Any)

	entries := []MemEntry{
		{ReqsIn: memflags.Any, SizeIn: 16},
		{ReqsIn: memflags.Any, SizeIn: 32},
		{ReqsIn: memflags.Any, SizeIn: before + 1}, // guaranteed to exceed remaining space
	}

	ok, failedAt := a.AllocEntries(entries)
	if ok {
		t.Fatal("AllocEntries should have failed on the oversized third entry")
	}

	if failedAt != 2 {
		t.Fatalf("failedAt = %d, want 2", failedAt)
	}

	for i, e := range entries {
		if e.AddrOut != 0 {
			t.Fatalf("entry %d still holds AddrOut=%#x after rollback", i, e.AddrOut)
		}
	}

	if got := a.AvailMem(memflags.Any); got != before {
		t.Fatalf("AvailMem after rollback = %d, want %d", got, before)
	}
}

func TestBatchAllocEntriesSuccess(t *testing.T) {
	a := newTestAllocator(t, 4096)

	entries := []MemEntry{
		{ReqsIn: memflags.Any, SizeIn: 16},
		{ReqsIn: memflags.Any, SizeIn: 32},
		{ReqsIn: memflags.Any, SizeIn: 48},
	}

	ok, _ := a.AllocEntries(entries)
	if !ok {
		t.Fatal("AllocEntries should have succeeded")
	}

	for i, e := range entries {
		if e.AddrOut == 0 {
			t.Fatalf("entry %d has no AddrOut after success", i)
		}
	}

	a.FreeEntries(entries)
}
