// Package backing provides the fixed memory that an allocator carves its pool and masks from.
package backing

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/blockmask/memutils"
)

// Region is a fixed span of bytes whose start is aligned to the alignment it was created with.
// Close must be called on regions created by Mapped; it is a no-op for heap regions.
type Region struct {
	data    []byte
	release func() error
}

// Bytes returns the aligned span. The slice is nil after Close.
func (r *Region) Bytes() []byte {
	return r.data
}

// Start returns the address of the first byte in the region, or 0 after Close
func (r *Region) Start() uintptr {
	if len(r.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(r.data)))
}

// Close releases the region's memory if it is not managed by the Go heap. Any pointers into
// the region are invalid afterward.
func (r *Region) Close() error {
	release := r.release
	r.data = nil
	r.release = nil

	if release == nil {
		return nil
	}
	return errors.Wrap(release(), "failed to release pool memory")
}

// Heap allocates size bytes from the Go heap and aligns the start of the returned region to
// alignment, which must be a power of two. The region is never moved by the runtime.
func Heap(size int, alignment int) *Region {
	memutils.DebugCheckPow2(alignment, "alignment")

	raw := make([]byte, size+alignment-1)
	start := uintptr(unsafe.Pointer(unsafe.SliceData(raw)))
	alignedStart := memutils.AlignUp(start, uintptr(alignment))
	offset := int(alignedStart - start)

	return &Region{data: raw[offset : offset+size : offset+size]}
}

// AlignedWords allocates a zeroed slice of count words whose first element is aligned to
// alignment, which must be a power of two.
func AlignedWords(count int, alignment int) []uint {
	memutils.DebugCheckPow2(alignment, "alignment")

	wordSize := int(unsafe.Sizeof(uint(0)))
	padding := 0
	if alignment > wordSize {
		padding = (alignment - 1) / wordSize
	}

	raw := make([]uint, count+padding)
	if count == 0 {
		return raw[:0]
	}

	start := uintptr(unsafe.Pointer(unsafe.SliceData(raw)))
	alignedStart := memutils.AlignUp(start, uintptr(alignment))
	offset := int(alignedStart-start) / wordSize

	return raw[offset : offset+count : offset+count]
}
