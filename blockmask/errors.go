package blockmask

import "github.com/cockroachdb/errors"

var (
	// ErrOversizedRequest is returned from TryAllocate when the requested size rounds up to more
	// blocks than the pool holds. No allocator state is changed.
	ErrOversizedRequest = errors.New("allocation is larger than the pool")
	// ErrPoolExhausted is returned from TryAllocate when no run of free blocks is long enough for
	// the request, even though the pool could hold it. No allocator state is changed.
	ErrPoolExhausted = errors.New("no contiguous free run is large enough for the allocation")
	// ErrInvalidFreeTarget is returned from Release when the address does not fall within the pool
	ErrInvalidFreeTarget = errors.New("address is not within the pool")
)
