package memutils

import "math"

// Statistics is a cheap summary of one or more pools. All sizes are in bytes except where
// the field name says blocks.
type Statistics struct {
	PoolCount       int
	PoolBytes       int
	BlockCount      int
	AllocationCount int
	AllocatedBlocks int
	AllocatedBytes  int
}

func (s *Statistics) Clear() {
	s.PoolCount = 0
	s.PoolBytes = 0
	s.BlockCount = 0
	s.AllocationCount = 0
	s.AllocatedBlocks = 0
	s.AllocatedBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.PoolCount += other.PoolCount
	s.PoolBytes += other.PoolBytes
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.AllocatedBlocks += other.AllocatedBlocks
	s.AllocatedBytes += other.AllocatedBytes
}

// FreeBytes is the number of bytes in the summarized pools not assigned to any allocation
func (s *Statistics) FreeBytes() int {
	return s.PoolBytes - s.AllocatedBytes
}

// DetailedStatistics extends Statistics with per-run information. A free run is a maximal
// sequence of free blocks.
type DetailedStatistics struct {
	Statistics
	FreeRunCount        int
	AllocationBlocksMin int
	AllocationBlocksMax int
	FreeRunBlocksMin    int
	FreeRunBlocksMax    int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeRunCount = 0
	s.AllocationBlocksMin = math.MaxInt
	s.AllocationBlocksMax = 0
	s.FreeRunBlocksMin = math.MaxInt
	s.FreeRunBlocksMax = 0
}

func (s *DetailedStatistics) AddFreeRun(blocks int) {
	s.FreeRunCount++

	if blocks < s.FreeRunBlocksMin {
		s.FreeRunBlocksMin = blocks
	}

	if blocks > s.FreeRunBlocksMax {
		s.FreeRunBlocksMax = blocks
	}
}

func (s *DetailedStatistics) AddAllocation(blocks, blockSize int) {
	s.AllocationCount++
	s.AllocatedBlocks += blocks
	s.AllocatedBytes += blocks * blockSize

	if blocks < s.AllocationBlocksMin {
		s.AllocationBlocksMin = blocks
	}

	if blocks > s.AllocationBlocksMax {
		s.AllocationBlocksMax = blocks
	}
}

// ExternalFragmentation returns a value in [0, 1]: 0 when all free blocks sit in a single run,
// approaching 1 as free capacity is split into many small runs
func (s *DetailedStatistics) ExternalFragmentation() float64 {
	freeBlocks := s.BlockCount - s.AllocatedBlocks
	if freeBlocks <= 0 {
		return 0
	}

	return 1 - float64(s.FreeRunBlocksMax)/float64(freeBlocks)
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.FreeRunCount += other.FreeRunCount

	if other.FreeRunBlocksMin < s.FreeRunBlocksMin {
		s.FreeRunBlocksMin = other.FreeRunBlocksMin
	}

	if other.FreeRunBlocksMax > s.FreeRunBlocksMax {
		s.FreeRunBlocksMax = other.FreeRunBlocksMax
	}

	if other.AllocationBlocksMin < s.AllocationBlocksMin {
		s.AllocationBlocksMin = other.AllocationBlocksMin
	}

	if other.AllocationBlocksMax > s.AllocationBlocksMax {
		s.AllocationBlocksMax = other.AllocationBlocksMax
	}
}
