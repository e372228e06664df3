//go:build unix

package backing

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// MappedSupported is true on platforms where Mapped can create regions
const MappedSupported = true

// Mapped creates a private anonymous mapping of size bytes. The mapping is page-aligned, which
// satisfies any cache-line alignment, and is invisible to the garbage collector.
func Mapped(size int) (*Region, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map %d bytes", size)
	}

	return &Region{
		data: data,
		release: func() error {
			return unix.Munmap(data)
		},
	}, nil
}
