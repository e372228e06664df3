//go:build !unix

package backing

import "github.com/cockroachdb/errors"

// MappedSupported is true on platforms where Mapped can create regions
const MappedSupported = false

// ErrMappingNotSupported is returned from Mapped on platforms without anonymous mappings
var ErrMappingNotSupported = errors.New("anonymous memory mappings are not supported on this platform")

func Mapped(size int) (*Region, error) {
	return nil, ErrMappingNotSupported
}
