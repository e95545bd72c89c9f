package memsys

import (
	"unsafe"

	"github.com/execmem/execmem/internal/memflags"
	"github.com/execmem/execmem/internal/memlist"
)

// HandlerResult is the status a Handler returns from Handle, per spec
// §4.3.4. Any value outside this set is treated as HandlerDidNothing.
type HandlerResult int

const (
	HandlerDidNothing HandlerResult = 0
	HandlerTryAgain   HandlerResult = 1
	HandlerAllDone    HandlerResult = -1
)

// HandlerRequest describes the allocation attempt a Handler is being asked
// to help satisfy. It is rebuilt fresh for every invocation (spec's
// stack-allocated MemHandlerData).
type HandlerRequest struct {
	Size     uintptr
	AlignExp uint
	Flags    memflags.T
}

// Handler is the typed reclaim capability the allocator invokes when every
// matching region is exhausted. Implementations hold their own state
// (spec Design Notes: "expose as a typed capability" in place of an opaque
// user-data pointer); the Allocator stores only this interface value.
type Handler interface {
	Name() string
	Priority() int32
	Handle(req HandlerRequest) HandlerResult
}

// handlerEntry links a Handler into the Allocator's priority-ordered chain
// and tracks its per-cycle RECYCLE flag.
type handlerEntry struct {
	memlist.Node

	handler Handler
	recycle bool
}

func handlerEntryFromNode(n *memlist.Node) *handlerEntry {
	return (*handlerEntry)(unsafe.Pointer(n)) //nolint:govet
}

func handlerPriorityKey(n *memlist.Node) int64 {
	return int64(handlerEntryFromNode(n).handler.Priority())
}

// AddHandler registers h in priority order (descending; ties FIFO).
func (a *Allocator) AddHandler(h Handler) {
	entry := &handlerEntry{handler: h}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.handlers.AddSorted(&entry.Node, handlerPriorityKey)
}

// RemHandler unregisters the first handler named name, if any. If it is
// the current chain cursor, the cursor resets to nil so the next failed
// allocation restarts the chain from its new head.
func (a *Allocator) RemHandler(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := a.handlers.FindByName(name, func(n *memlist.Node) string {
		return handlerEntryFromNode(n).handler.Name()
	})
	if n == nil {
		return false
	}

	if a.cursor == n {
		a.cursor = nil
	}

	memlist.Unlink(n)

	return true
}

// callHandlers runs spec §4.3.4's reclaim protocol to completion for one
// allocation attempt: it keeps advancing through DID_NOTHING results
// in-process, returning to the caller only on TRY_AGAIN (retry the region
// walk) or ALL_DONE (give up).
func (a *Allocator) callHandlers(size uintptr, alignExp uint, flags memflags.T) HandlerResult {
	if a.handlers.IsEmpty() {
		return HandlerAllDone
	}

	for {
		if a.cursor == nil {
			a.cursor = a.handlers.First()
			handlerEntryFromNode(a.cursor).recycle = false
		} else {
			entry := handlerEntryFromNode(a.cursor)
			if !entry.recycle {
				next := a.handlers.Next(a.cursor)
				if next == nil {
					a.cursor = nil
					return HandlerAllDone
				}

				a.cursor = next
				handlerEntryFromNode(a.cursor).recycle = false
			}
		}

		entry := handlerEntryFromNode(a.cursor)

		result := entry.handler.Handle(HandlerRequest{Size: size, AlignExp: alignExp, Flags: flags})

		switch result {
		case HandlerTryAgain:
			entry.recycle = true
			return HandlerTryAgain
		case HandlerAllDone:
			entry.recycle = false
			return HandlerAllDone
		default:
			entry.recycle = false
			// DID_NOTHING (or any unrecognised code): advance and keep going.
		}
	}
}
