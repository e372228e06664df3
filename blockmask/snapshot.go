package blockmask

import (
	"math/bits"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/vkngwrapper/blockmask/memutils/bitmask"
)

// Snapshot is an immutable copy of an allocator's masks, taken with Allocator.Snapshot. Each
// bitmap holds the indices of the blocks whose bit is set.
type Snapshot struct {
	BlockCount  int
	FreeBlocks  *roaring.Bitmap
	FinalBlocks *roaring.Bitmap
}

// Snapshot copies the current free and final masks
func (a *Allocator) Snapshot() Snapshot {
	snapshot := Snapshot{
		BlockCount:  a.blockCount,
		FreeBlocks:  roaring.New(),
		FinalBlocks: roaring.New(),
	}

	_ = a.VisitAllRegions(func(firstBlock, blockCount int, free bool) error {
		if free {
			snapshot.FreeBlocks.AddRange(uint64(firstBlock), uint64(firstBlock+blockCount))
		}
		return nil
	})

	for wordIndex, word := range a.finalBlocks {
		for word != 0 {
			bit := bits.TrailingZeros(word)
			snapshot.FinalBlocks.Add(uint32(wordIndex*bitmask.WordBits + bit))
			word &= word - 1
		}
	}

	return snapshot
}

// Equal reports whether both snapshots describe identical masks
func (s Snapshot) Equal(other Snapshot) bool {
	return s.BlockCount == other.BlockCount &&
		s.FreeBlocks.Equals(other.FreeBlocks) &&
		s.FinalBlocks.Equals(other.FinalBlocks)
}

// AllocationCount returns the number of live allocations recorded in the snapshot
func (s Snapshot) AllocationCount() int {
	return int(s.FinalBlocks.GetCardinality())
}

// InUseRunCount returns the number of maximal runs of in-use blocks. Adjacent allocations share
// a run, so this is at most AllocationCount for a consistent snapshot.
func (s Snapshot) InUseRunCount() int {
	inUse := roaring.Flip(s.FreeBlocks, 0, uint64(s.BlockCount))

	count := 0
	previous := int64(-2)
	iterator := inUse.Iterator()
	for iterator.HasNext() {
		index := int64(iterator.Next())
		if index != previous+1 {
			count++
		}
		previous = index
	}
	return count
}

// Render returns both masks as strings of '0' and '1' characters, lowest block first
func (s Snapshot) Render() (free string, final string) {
	freeOut := make([]byte, s.BlockCount)
	finalOut := make([]byte, s.BlockCount)
	for i := 0; i < s.BlockCount; i++ {
		freeOut[i] = '0'
		if s.FreeBlocks.Contains(uint32(i)) {
			freeOut[i] = '1'
		}

		finalOut[i] = '0'
		if s.FinalBlocks.Contains(uint32(i)) {
			finalOut[i] = '1'
		}
	}
	return string(freeOut), string(finalOut)
}
