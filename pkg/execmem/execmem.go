// Package execmem reserves the host buffer that translated code is written into.
package execmem

import (
	"errors"
	"fmt"
	"unsafe"
)

var errUnsupported = errors.New("executable memory is not supported on this platform")

// Region is one contiguous host buffer. When it was mapped executable the
// bytes can be jumped into directly.
type Region struct {
	buffer     []byte
	executable bool
	unmap      func([]byte) error
}

// Map reserves size bytes. With executable set it asks the OS for RWX memory;
// otherwise, or on platforms without mmap, it falls back to a heap slice.
func Map(size int, executable bool) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid executable memory size %d", size)
	}
	if executable {
		if r, err := mapExecutable(size); err != errUnsupported {
			return r, err
		}
	}
	return &Region{buffer: make([]byte, size)}, nil
}

// Bytes returns the whole buffer
func (r *Region) Bytes() []byte {
	return r.buffer
}

// Size returns the total capacity
func (r *Region) Size() int {
	return len(r.buffer)
}

// Executable reports whether the buffer was mapped with execute permission
func (r *Region) Executable() bool {
	return r.executable
}

// BaseAddress returns the host address of the first byte
func (r *Region) BaseAddress() uintptr {
	if len(r.buffer) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.buffer[0]))
}

// Free releases the memory. Calling it twice is harmless.
func (r *Region) Free() error {
	if r.buffer == nil {
		return nil
	}
	var err error
	if r.unmap != nil {
		err = r.unmap(r.buffer)
	}
	r.buffer = nil
	return err
}
