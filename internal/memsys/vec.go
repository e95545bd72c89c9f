package memsys

import "github.com/execmem/execmem/internal/memflags"

// AllocVec implements spec §4.3.3's allocVec: allocate size+W bytes via
// Alloc, stash the full allocation size in the leading word, and return
// the pointer past it. Pair with FreeVec.
func (a *Allocator) AllocVec(size uintptr, flags memflags.T) (uintptr, bool) {
	total := size + wordSize

	base, ok := a.Alloc(total, flags)
	if !ok {
		return 0, false
	}

	writeWord(base, uint64(total))

	return base + wordSize, true
}

// FreeVec releases a pointer previously returned by AllocVec.
func (a *Allocator) FreeVec(ptr uintptr) {
	base := ptr - wordSize
	total := uintptr(readWord(base))
	a.Free(base, total)
}
