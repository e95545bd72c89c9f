package memsys

import (
	"encoding/binary"
	"unsafe"

	"github.com/execmem/execmem/internal/execerr"
)

// Mungwall magic words (spec §6), stored big-endian regardless of host
// byte order so their on-the-wire bytes are the same on every platform.
const (
	mungwallLo uint64 = 0xDEADBEEFDEADBEEF
	mungwallHi uint64 = 0xCAFECAFECAFECAFE
)

func wordAt(addr uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), wordSize) //nolint:govet
}

func readWord(addr uintptr) uint64 {
	return binary.BigEndian.Uint64(wordAt(addr))
}

func writeWord(addr uintptr, v uint64) {
	binary.BigEndian.PutUint64(wordAt(addr), v)
}

// installGuards stamps the mungwall metadata block (raw address, raw size,
// MUNGWALL_LO) immediately before the user pointer, and MUNGWALL_HI
// immediately after the user-visible size bytes, then returns the user
// pointer. If guard bands are disabled, raw+front is returned unstamped.
func (a *Allocator) installGuards(raw, front, size, rawSize uintptr) uintptr {
	user := raw + front

	if !a.guardBands {
		return user
	}

	writeWord(user-3*wordSize, uint64(raw))
	writeWord(user-2*wordSize, uint64(rawSize))
	writeWord(user-wordSize, mungwallLo)
	writeWord(user+size, mungwallHi)

	return user
}

// verifyAndStripGuards checks ptr's mungwall words (when enabled), burns
// them with the free-fill pattern so a second free trips this same check
// instead of silently corrupting the freelist, and returns the raw
// address/size to hand to the owning Region's Deallocate.
func (a *Allocator) verifyAndStripGuards(ptr, size uintptr) (raw, rawSize uintptr) {
	if !a.guardBands {
		return ptr, size
	}

	lo := readWord(ptr - wordSize)
	if lo != mungwallLo {
		panic(execerr.GuardCorrupted("MUNGWALL_LO", ptr, mungwallLo, lo))
	}

	hi := readWord(ptr + size)
	if hi != mungwallHi {
		panic(execerr.GuardCorrupted("MUNGWALL_HI", ptr, mungwallHi, hi))
	}

	raw = uintptr(readWord(ptr - 3*wordSize))
	rawSize = uintptr(readWord(ptr - 2*wordSize))

	writeWord(ptr-wordSize, freeFillWord)
	writeWord(ptr+size, freeFillWord)

	return raw, rawSize
}

const freeFillWord uint64 = 0x5555555555555555
