//go:build linux || darwin

package store

import (
	"os"

	"golang.org/x/sys/unix"
)

// The mapping relies on sparse files and MAP_NORESERVE so the nominal
// 512 MiB extent is neither written nor backed by swap up front.
func mapFile(f *os.File, size int, writable bool) ([]byte, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mmap(int(f.Fd()), 0, size, prot, unix.MAP_SHARED|unix.MAP_NORESERVE)
}

func syncMapping(b []byte, wait bool) error {
	flags := unix.MS_ASYNC
	if wait {
		flags = unix.MS_SYNC
	}
	return unix.Msync(b, flags)
}

func unmapFile(b []byte) error {
	return unix.Munmap(b)
}
