// Package blockmask implements a fixed-capacity block allocator that keeps no per-allocation
// headers. The pool is divided into word-sized blocks, and ownership is recorded in two bit
// arrays: the free mask has a 1 for every block not assigned to an allocation, and the final
// mask has a 1 on the last block of every live allocation.
//
// Given an empty pool of 8 blocks:
//
//	free  = 11111111
//	final = 00000000
//
// Allocating 2 blocks, then 3 blocks:
//
//	free  = 00000111
//	final = 01001000
//
// Freeing the first allocation:
//
//	free  = 11000111
//	final = 00001000
//
// Allocation is a first-fit linear scan of the free mask. Free recovers the extent of an
// allocation by walking forward from its first block to the next set final bit, so the address
// passed to Free must be exactly one returned by Allocate for a live allocation. Passing the
// address of a block in the middle of an allocation, or freeing the same address twice, frees
// whatever blocks lie between that address and the next final bit, which may belong to an
// unrelated allocation. The allocator does not detect this; Validate may.
//
// An Allocator is not safe for concurrent use.
package blockmask

import (
	"context"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/blockmask/blockmask/internal/backing"
	"github.com/vkngwrapper/blockmask/memutils"
	"github.com/vkngwrapper/blockmask/memutils/bitmask"
	"golang.org/x/exp/slog"
)

// Allocator hands out runs of blocks from a single fixed pool. The pool memory is not scanned
// by the garbage collector: do not store the only reference to a Go pointer in it.
type Allocator struct {
	logger        *slog.Logger
	createFlags   CreateFlags
	cacheLineSize int

	region     *backing.Region
	pool       []byte
	poolStart  uintptr
	blockCount int

	freeBlocks  bitmask.Mask
	finalBlocks bitmask.Mask
}

var _ memutils.Validatable = &Allocator{}

// BlockCount returns the number of blocks in the pool
func (a *Allocator) BlockCount() int { return a.blockCount }

// BlockSize returns the width in bytes of each block
func (a *Allocator) BlockSize() int { return BlockSize }

// Size returns the capacity of the pool in bytes
func (a *Allocator) Size() int { return a.blockCount * BlockSize }

// Flags returns the flags the allocator was created with
func (a *Allocator) Flags() CreateFlags { return a.createFlags }

// CacheLineSize returns the alignment of the pool and masks
func (a *Allocator) CacheLineSize() int { return a.cacheLineSize }

// BlocksForSize returns the number of blocks an allocation of size bytes occupies. A zero-byte
// allocation occupies one block.
func BlocksForSize(size int) int {
	if size <= 0 {
		return 1
	}
	return memutils.DivideRoundingUp(size, BlockSize)
}

// Allocate returns the address of the first block of a run of free blocks large enough to hold
// size bytes, or nil if the request is larger than the pool or no run is long enough. The full
// rounded-up block extent is writable.
func (a *Allocator) Allocate(size int) unsafe.Pointer {
	ptr, _ := a.TryAllocate(size)
	return ptr
}

// AllocateBytes behaves like Allocate but returns the region as a byte slice of length size
// whose capacity is the rounded-up block extent. It returns nil on failure.
func (a *Allocator) AllocateBytes(size int) []byte {
	ptr, err := a.TryAllocate(size)
	if err != nil {
		return nil
	}

	blocks := BlocksForSize(size)
	return unsafe.Slice((*byte)(ptr), blocks*BlockSize)[:size]
}

// TryAllocate behaves like Allocate, but when no address can be returned, it returns an error
// matching ErrOversizedRequest or ErrPoolExhausted. No state is changed on failure.
func (a *Allocator) TryAllocate(size int) (unsafe.Pointer, error) {
	ctx := context.Background()
	trace := a.logger.Enabled(ctx, slog.LevelDebug)
	blocksNeeded := BlocksForSize(size)

	if trace {
		a.logger.LogAttrs(ctx, slog.LevelDebug, "Allocator::TryAllocate",
			slog.Int("Size", size),
			slog.Int("BlocksNeeded", blocksNeeded),
		)
	}

	if size < 0 || blocksNeeded > a.blockCount {
		if trace {
			a.logger.LogAttrs(ctx, slog.LevelDebug, "    Too large")
		}
		return nil, errors.Wrapf(ErrOversizedRequest, "requested %d bytes (%d blocks) from a pool of %d blocks", size, blocksNeeded, a.blockCount)
	}

	freeIndex, found := a.findFreeRun(blocksNeeded)
	if !found {
		if trace {
			a.logger.LogAttrs(ctx, slog.LevelDebug, "    Could not find a free area")
		}
		return nil, errors.Wrapf(ErrPoolExhausted, "requested %d blocks", blocksNeeded)
	}

	endIndex := freeIndex + blocksNeeded
	if trace {
		a.logger.LogAttrs(ctx, slog.LevelDebug, "    Free area found",
			slog.Int("FirstBlock", freeIndex),
			slog.Int("EndBlock", endIndex),
		)
	}

	for index := freeIndex; index < endIndex; index++ {
		a.freeBlocks.Clear(index)
	}
	a.finalBlocks.Set(endIndex - 1)

	memutils.DebugValidate(a)

	return unsafe.Pointer(&a.pool[freeIndex*BlockSize]), nil
}

// findFreeRun returns the index of the lowest block that begins a run of at least blocksNeeded
// free blocks
func (a *Allocator) findFreeRun(blocksNeeded int) (int, bool) {
	blocksFound := 0
	freeIndex := -1

	for index := 0; index < a.blockCount; index++ {
		if index&(bitmask.WordBits-1) == 0 {
			word := a.freeBlocks.Word(index)

			// No free blocks in this word
			if word == 0 {
				blocksFound = 0
				index += bitmask.WordBits - 1
				continue
			}

			// Every block in this word is free and the run can't be completed inside it
			if word == ^uint(0) && blocksFound+bitmask.WordBits < blocksNeeded {
				if blocksFound == 0 {
					freeIndex = index
				}
				blocksFound += bitmask.WordBits
				index += bitmask.WordBits - 1
				continue
			}
		}

		if !a.freeBlocks.IsSet(index) {
			blocksFound = 0
			continue
		}

		if blocksFound == 0 {
			freeIndex = index
		}
		blocksFound++

		if blocksFound == blocksNeeded {
			return freeIndex, true
		}
	}

	return -1, false
}

// BlockIndex returns the index of the block containing ptr, and false if ptr does not point
// into the pool
func (a *Allocator) BlockIndex(ptr unsafe.Pointer) (int, bool) {
	address := uintptr(ptr)
	if address < a.poolStart || address >= a.poolStart+uintptr(a.blockCount*BlockSize) {
		return -1, false
	}

	return int(address-a.poolStart) / BlockSize, true
}

// Free returns the allocation beginning at ptr to the pool. Addresses outside the pool,
// including nil, are ignored.
//
// ptr must be an address returned by Allocate that has not yet been freed. Otherwise, every
// block from ptr up to and including the next block marked as the end of an allocation is
// freed, whether or not it belongs to the allocation the caller intended.
func (a *Allocator) Free(ptr unsafe.Pointer) {
	_ = a.Release(ptr)
}

// FreeBytes frees the allocation whose first byte is the first byte of b. Slices with no
// capacity are ignored.
func (a *Allocator) FreeBytes(b []byte) {
	if cap(b) == 0 {
		return
	}
	a.Free(unsafe.Pointer(unsafe.SliceData(b)))
}

// Release behaves like Free but returns an error matching ErrInvalidFreeTarget when ptr is
// outside the pool
func (a *Allocator) Release(ptr unsafe.Pointer) error {
	ctx := context.Background()
	trace := a.logger.Enabled(ctx, slog.LevelDebug)

	blockIndex, inPool := a.BlockIndex(ptr)
	if !inPool {
		if trace {
			a.logger.LogAttrs(ctx, slog.LevelDebug, "Allocator::Release invalid free")
		}
		return errors.Wrapf(ErrInvalidFreeTarget, "address %#x", uintptr(ptr))
	}

	if trace {
		a.logger.LogAttrs(ctx, slog.LevelDebug, "Allocator::Release", slog.Int("FirstBlock", blockIndex))
	}

	for blockIndex < a.blockCount && !a.finalBlocks.IsSet(blockIndex) {
		a.freeBlocks.Set(blockIndex)
		blockIndex++
	}

	if blockIndex < a.blockCount {
		a.freeBlocks.Set(blockIndex)
		a.finalBlocks.Clear(blockIndex)
	} else if trace {
		a.logger.LogAttrs(ctx, slog.LevelDebug, "    Reached the end of the pool without finding a final block")
	}

	memutils.DebugValidate(a)

	return nil
}

// Close releases the pool memory if it is held outside the Go heap. Live allocations are
// discarded without validation, and every address returned by Allocate becomes invalid. After
// Close, Allocate always fails and Free always ignores its argument.
func (a *Allocator) Close() error {
	if a.region == nil {
		return nil
	}

	err := a.region.Close()
	a.region = nil
	a.pool = nil
	a.poolStart = 0
	a.blockCount = 0
	a.freeBlocks = nil
	a.finalBlocks = nil

	return err
}
