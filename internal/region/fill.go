package region

import "unsafe"

// Fill patterns written over freelist memory and fresh allocations when a
// Region is built with WithDebugFill. Every byte of each 64-bit pattern is
// identical, so a byte-wise fill reproduces the documented constant.
const (
	allocFillByte = 0xAA
	freeFillByte  = 0x55
)

func fillBytes(addr uintptr, size uintptr, pattern byte) {
	if size == 0 {
		return
	}

	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size) //nolint:govet
	for i := range b {
		b[i] = pattern
	}
}

func zeroBytes(addr uintptr, size uintptr) {
	if size == 0 {
		return
	}

	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size) //nolint:govet
	for i := range b {
		b[i] = 0
	}
}
