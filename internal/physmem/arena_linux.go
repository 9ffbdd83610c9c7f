//go:build linux

package physmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func mapArena(size int) ([]byte, func() error, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap arena: %w", err)
	}
	return mem, func() error {
		return unix.Munmap(mem)
	}, nil
}
