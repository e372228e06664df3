// Package tracker wraps a blockmask.Allocator with a table of live allocations. The table lets
// the tracker reject frees of addresses that are not the start of a live allocation, report
// allocations that were never freed, and serialize access from multiple goroutines.
package tracker

import (
	"context"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/blockmask/blockmask"
	"github.com/vkngwrapper/blockmask/internal/utils"
	"github.com/vkngwrapper/blockmask/memutils"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// ErrUntrackedFree is returned from Tracker.Free when the address is not the first block of a
// live allocation made through the tracker. The underlying allocator is not touched.
var ErrUntrackedFree = errors.New("address is not the start of a live tracked allocation")

// Options contains optional settings when creating a Tracker
type Options struct {
	// ExternallySynchronized ensures that the tracker will not be synchronized internally. The
	// consumer must guarantee it is used from only one goroutine at a time.
	ExternallySynchronized bool
	// InitialCapacity is a hint for the number of live allocations the tracker will hold
	InitialCapacity int
}

type allocationRecord struct {
	firstBlock int
	blocks     int
	size       int
	name       string
}

// Tracker records every allocation made through it. It must be the only user of its allocator.
type Tracker struct {
	mutex     utils.OptionalMutex
	logger    *slog.Logger
	allocator *blockmask.Allocator

	live *swiss.Map[int, allocationRecord]
}

var _ memutils.Validatable = &Tracker{}

// New creates a Tracker that takes ownership of allocator. logger receives leak reports from
// Destroy and may be nil.
func New(logger *slog.Logger, allocator *blockmask.Allocator, options Options) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}

	capacity := options.InitialCapacity
	if capacity <= 0 {
		capacity = 64
	}

	return &Tracker{
		mutex:     utils.OptionalMutex{UseMutex: !options.ExternallySynchronized},
		logger:    logger,
		allocator: allocator,
		live:      swiss.NewMap[int, allocationRecord](uint32(capacity)),
	}
}

// Allocate allocates size bytes from the underlying allocator and records the allocation under
// name. It returns nil under the same conditions as blockmask.Allocator.Allocate.
func (t *Tracker) Allocate(size int, name string) unsafe.Pointer {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.allocate(size, name)
}

// AllocateBytes behaves like Allocate but returns the allocation as a byte slice of length size
func (t *Tracker) AllocateBytes(size int, name string) []byte {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	ptr := t.allocate(size, name)
	if ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(ptr), blockmask.BlocksForSize(size)*blockmask.BlockSize)[:size]
}

func (t *Tracker) allocate(size int, name string) unsafe.Pointer {
	ptr := t.allocator.Allocate(size)
	if ptr == nil {
		return nil
	}

	firstBlock, _ := t.allocator.BlockIndex(ptr)
	t.live.Put(firstBlock, allocationRecord{
		firstBlock: firstBlock,
		blocks:     blockmask.BlocksForSize(size),
		size:       size,
		name:       name,
	})
	return ptr
}

// Free returns a tracked allocation to the underlying allocator. Unlike the allocator's own
// Free, it refuses addresses that are not the start of a live tracked allocation, which
// includes double frees and pointers into the middle of an allocation.
func (t *Tracker) Free(ptr unsafe.Pointer) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	firstBlock, inPool := t.allocator.BlockIndex(ptr)
	if !inPool {
		return errors.Wrapf(blockmask.ErrInvalidFreeTarget, "address %#x", uintptr(ptr))
	}

	if uintptr(ptr)%uintptr(blockmask.BlockSize) != 0 || !t.live.Has(firstBlock) {
		return errors.Wrapf(ErrUntrackedFree, "block %d", firstBlock)
	}

	t.live.Delete(firstBlock)
	return t.allocator.Release(ptr)
}

// FreeBytes behaves like Free for a slice returned by AllocateBytes
func (t *Tracker) FreeBytes(b []byte) error {
	if cap(b) == 0 {
		return errors.Wrap(blockmask.ErrInvalidFreeTarget, "empty slice")
	}
	return t.Free(unsafe.Pointer(unsafe.SliceData(b)))
}

// LiveCount returns the number of tracked allocations that have not been freed
func (t *Tracker) LiveCount() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.live.Count()
}

// Validate checks the underlying allocator's masks and verifies that every tracked allocation
// matches an allocation region in the pool, and vice versa
func (t *Tracker) Validate() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	err := t.allocator.Validate()
	if err != nil {
		return err
	}

	if t.allocator.AllocationCount() != t.live.Count() {
		return errors.Newf("the allocator has %d live allocations, but %d are tracked", t.allocator.AllocationCount(), t.live.Count())
	}

	return t.allocator.VisitAllRegions(func(firstBlock, blockCount int, free bool) error {
		if free {
			return nil
		}

		record, ok := t.live.Get(firstBlock)
		if !ok {
			return errors.Newf("the allocation at block %d is not tracked", firstBlock)
		}
		if record.blocks != blockCount {
			return errors.Newf("the allocation %q at block %d is tracked with %d blocks, but occupies %d", record.name, firstBlock, record.blocks, blockCount)
		}
		return nil
	})
}

// Destroy logs every allocation that was not freed and closes the underlying allocator. It
// returns an error if any allocations were still live.
func (t *Tracker) Destroy() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	var leaked []allocationRecord
	t.live.Iter(func(firstBlock int, record allocationRecord) bool {
		leaked = append(leaked, record)
		return false
	})
	slices.SortFunc(leaked, func(left, right allocationRecord) int {
		return left.firstBlock - right.firstBlock
	})

	for _, record := range leaked {
		t.logUnreleasedMemory(record)
	}
	t.live.Clear()

	err := t.allocator.Close()
	if len(leaked) > 0 {
		return errors.CombineErrors(
			errors.Newf("%d allocations were not freed before the tracker was destroyed", len(leaked)),
			err,
		)
	}
	return err
}

func (t *Tracker) logUnreleasedMemory(record allocationRecord) {
	name := record.name
	if name == "" {
		name = "empty"
	}

	t.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Int("offset", record.firstBlock*blockmask.BlockSize),
		slog.Int("size", record.size),
		slog.Int("blocks", record.blocks),
		slog.String("name", name),
	)
}
