//go:build unix

package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func acquire(size int) (*Memory, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("platform: mmap %d bytes: %w", size, err)
	}

	return &Memory{
		Bytes: data,
		release: func(b []byte) error {
			return unix.Munmap(b)
		},
	}, nil
}
