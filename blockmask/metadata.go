package blockmask

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/blockmask/memutils"
)

// AllocationCount returns the number of live allocations, which is the number of blocks marked
// as the end of an allocation
func (a *Allocator) AllocationCount() int {
	return a.finalBlocks.OnesCount()
}

// FreeRegionsCount returns the number of maximal runs of free blocks
func (a *Allocator) FreeRegionsCount() int {
	var count int
	_ = a.VisitAllRegions(func(firstBlock, blockCount int, free bool) error {
		if free {
			count++
		}
		return nil
	})
	return count
}

// SumFreeSize returns the number of bytes in the pool not assigned to any allocation
func (a *Allocator) SumFreeSize() int {
	return a.freeBlocks.OnesCount() * BlockSize
}

// IsEmpty returns true if there are no live allocations
func (a *Allocator) IsEmpty() bool {
	return a.freeBlocks.OnesCount() == a.blockCount
}

// VisitAllRegions calls handleRegion once for each free run and each allocation in the pool, in
// address order. Allocations are delimited by final blocks, so adjacent allocations are visited
// separately. Visiting stops at the first error, which is returned.
//
// If the masks have been corrupted by an invalid Free, a run of in-use blocks that has no final
// block is visited as a single allocation ending where the run ends.
func (a *Allocator) VisitAllRegions(handleRegion func(firstBlock, blockCount int, free bool) error) error {
	index := 0
	for index < a.blockCount {
		start := index

		if a.freeBlocks.IsSet(index) {
			for index < a.blockCount && a.freeBlocks.IsSet(index) {
				index++
			}
		} else {
			for index < a.blockCount && !a.freeBlocks.IsSet(index) && !a.finalBlocks.IsSet(index) {
				index++
			}
			if index < a.blockCount && !a.freeBlocks.IsSet(index) {
				index++
			}
		}

		err := handleRegion(start, index-start, a.freeBlocks.IsSet(start))
		if err != nil {
			return err
		}
	}

	return nil
}

// Validate performs internal consistency checks on the masks. It returns an error describing
// the first problem found: a final block that is free, a run of in-use blocks whose last block
// is not a final block, or stray bits past the end of the pool.
//
// A Free call with an address that was not the start of a live allocation can leave the masks in
// a state that passes validation, so a nil result does not prove the pool was used correctly.
func (a *Allocator) Validate() error {
	if a.freeBlocks.Len() < a.blockCount || a.finalBlocks.Len() < a.blockCount {
		return errors.Newf("the masks hold %d and %d bits, but the pool has %d blocks", a.freeBlocks.Len(), a.finalBlocks.Len(), a.blockCount)
	}

	for index := a.blockCount; index < a.freeBlocks.Len(); index++ {
		if a.freeBlocks.IsSet(index) || a.finalBlocks.IsSet(index) {
			return errors.Newf("bit %d is set past the end of the pool of %d blocks", index, a.blockCount)
		}
	}

	openAllocation := false
	for index := 0; index < a.blockCount; index++ {
		free := a.freeBlocks.IsSet(index)
		final := a.finalBlocks.IsSet(index)

		if free && final {
			return errors.Newf("block %d is free but is marked as the final block of an allocation", index)
		}

		if free && openAllocation {
			return errors.Newf("the run of in-use blocks ending at block %d has no final block", index-1)
		}

		openAllocation = !free && !final
	}

	if openAllocation {
		return errors.Newf("the run of in-use blocks ending at block %d has no final block", a.blockCount-1)
	}

	return nil
}

// AddStatistics sums this pool's allocation statistics into the statistics currently present in
// the provided memutils.Statistics object.
func (a *Allocator) AddStatistics(stats *memutils.Statistics) {
	allocatedBlocks := a.blockCount - a.freeBlocks.OnesCount()

	stats.PoolCount++
	stats.PoolBytes += a.Size()
	stats.BlockCount += a.blockCount
	stats.AllocationCount += a.AllocationCount()
	stats.AllocatedBlocks += allocatedBlocks
	stats.AllocatedBytes += allocatedBlocks * BlockSize
}

// AddDetailedStatistics sums this pool's allocation statistics into the statistics currently
// present in the provided memutils.DetailedStatistics object.
func (a *Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.PoolCount++
	stats.PoolBytes += a.Size()
	stats.BlockCount += a.blockCount

	_ = a.VisitAllRegions(func(firstBlock, blockCount int, free bool) error {
		if free {
			stats.AddFreeRun(blockCount)
		} else {
			stats.AddAllocation(blockCount, BlockSize)
		}

		return nil
	})
}

// BlockJsonData populates a json object with information about this pool
func (a *Allocator) BlockJsonData(json *jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	a.AddDetailedStatistics(&stats)

	json.Name("TotalBytes").Int(a.Size())
	json.Name("BlockSize").Int(BlockSize)
	json.Name("Blocks").Int(a.blockCount)
	json.Name("UnusedBytes").Int(stats.FreeBytes())
	json.Name("Allocations").Int(stats.AllocationCount)
	json.Name("UnusedRanges").Int(stats.FreeRunCount)
	json.Name("LargestUnusedRange").Int(stats.FreeRunBlocksMax * BlockSize)
	json.Name("ExternalFragmentation").Float64(stats.ExternalFragmentation())
}

// PrintDetailedMap writes a json object describing the pool followed by every region within it
func (a *Allocator) PrintDetailedMap(writer *jwriter.Writer) {
	obj := writer.Object()
	a.BlockJsonData(&obj)

	regions := obj.Name("Regions").Array()
	_ = a.VisitAllRegions(func(firstBlock, blockCount int, free bool) error {
		region := regions.Object()
		region.Name("Offset").Int(firstBlock * BlockSize)
		region.Name("Size").Int(blockCount * BlockSize)
		if free {
			region.Name("Type").String("FREE")
		} else {
			region.Name("Type").String("ALLOCATION")
		}
		region.End()
		return nil
	})
	regions.End()

	obj.End()
}

// Clear instantly frees all allocations. Every address returned by Allocate becomes invalid.
func (a *Allocator) Clear() {
	a.freeBlocks.Fill(true, a.blockCount)
	a.finalBlocks.Fill(false, a.blockCount)
}
