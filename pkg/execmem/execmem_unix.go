//go:build linux || darwin || freebsd || netbsd || openbsd

package execmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mapExecutable allocates executable memory via mmap
func mapExecutable(size int) (*Region, error) {
	// Allocate memory with RWX permissions; translated code is patched in place
	buffer, err := unix.Mmap(
		-1, 0,
		size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap executable memory: %w", err)
	}
	return &Region{
		buffer:     buffer,
		executable: true,
		unmap:      unix.Munmap,
	}, nil
}
