package memsys

import "github.com/execmem/execmem/internal/memflags"

// MemEntry is one request/result pair in a batch (spec §4.3.5).
type MemEntry struct {
	ReqsIn  memflags.T
	SizeIn  uintptr
	AddrOut uintptr
}

// AllocEntries attempts every entry in order; on the first failure it
// releases every prior success (in reverse order) and reports which index
// failed. On full success every entry's AddrOut is populated and ok is
// true. entries is mutated in place either way.
func (a *Allocator) AllocEntries(entries []MemEntry) (ok bool, failedAt int) {
	for i := range entries {
		addr, got := a.Alloc(entries[i].SizeIn, entries[i].ReqsIn)
		if !got {
			for j := i - 1; j >= 0; j-- {
				a.Free(entries[j].AddrOut, entries[j].SizeIn)
				entries[j].AddrOut = 0
			}

			return false, i
		}

		entries[i].AddrOut = addr
	}

	return true, -1
}

// FreeEntries releases a successfully allocated batch in reverse order.
func (a *Allocator) FreeEntries(entries []MemEntry) {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].AddrOut == 0 {
			continue
		}

		a.Free(entries[i].AddrOut, entries[i].SizeIn)
		entries[i].AddrOut = 0
	}
}
