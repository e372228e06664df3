package blockmask_test

import (
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/blockmask/blockmask"
	"github.com/vkngwrapper/blockmask/memutils"
)

func newTestAllocator(t *testing.T, blocks int) *blockmask.Allocator {
	t.Helper()

	allocator, err := blockmask.New(nil, blockmask.CreateOptions{PoolSize: blocks * blockmask.BlockSize})
	require.NoError(t, err)
	require.Equal(t, blocks, allocator.BlockCount())
	t.Cleanup(func() {
		require.NoError(t, allocator.Close())
	})

	return allocator
}

func requireBlockIndex(t *testing.T, allocator *blockmask.Allocator, ptr unsafe.Pointer, expected int) {
	t.Helper()

	require.NotNil(t, ptr)
	index, ok := allocator.BlockIndex(ptr)
	require.True(t, ok, "pointer should be inside the pool")
	require.Equal(t, expected, index)
}

func requireMasks(t *testing.T, allocator *blockmask.Allocator, expectedFree, expectedFinal string) {
	t.Helper()

	free, final := allocator.Snapshot().Render()
	require.Equal(t, expectedFree, free, "free mask")
	require.Equal(t, expectedFinal, final, "final mask")
}

func TestAllocateSingle(t *testing.T) {
	allocator, err := blockmask.New(nil, blockmask.CreateOptions{})
	require.NoError(t, err)
	defer allocator.Close()

	require.Equal(t, blockmask.DefaultPoolSize/blockmask.BlockSize, allocator.BlockCount())

	ptr := allocator.Allocate(int(unsafe.Sizeof(int(0))))
	require.NotNil(t, ptr)

	intPtr := (*int)(ptr)
	*intPtr = 0
	require.Equal(t, 0, *intPtr)
	*intPtr = 1
	require.Equal(t, 1, *intPtr)

	allocator.Free(ptr)
	require.True(t, allocator.IsEmpty())
	require.NoError(t, allocator.Validate())
}

func TestAllocateMultiple(t *testing.T) {
	allocator, err := blockmask.New(nil, blockmask.CreateOptions{})
	require.NoError(t, err)
	defer allocator.Close()

	sizes := []int{256, 1021, 76, 513}
	ptrs := make([]unsafe.Pointer, len(sizes))

	for i, size := range sizes {
		ptrs[i] = allocator.Allocate(size)
		require.NotNil(t, ptrs[i], "allocation %d of %d bytes", i, size)
	}
	require.Equal(t, len(sizes), allocator.AllocationCount())

	for _, ptr := range ptrs {
		allocator.Free(ptr)
	}
	require.True(t, allocator.IsEmpty())

	for i, size := range sizes {
		ptr := allocator.Allocate(size)
		require.NotNil(t, ptr, "reallocation %d of %d bytes", i, size)
		allocator.Free(ptr)
	}

	require.True(t, allocator.IsEmpty())
	require.NoError(t, allocator.Validate())
}

func TestAllocateReusesAllCapacity(t *testing.T) {
	allocator := newTestAllocator(t, 64)

	sizes := []int{
		10 * blockmask.BlockSize,
		20*blockmask.BlockSize - 3,
		1,
		33 * blockmask.BlockSize,
	}
	firstRound := make([]int, len(sizes))

	for round := 0; round < 3; round++ {
		ptrs := make([]unsafe.Pointer, len(sizes))
		for i, size := range sizes {
			ptrs[i] = allocator.Allocate(size)
			require.NotNil(t, ptrs[i], "round %d allocation %d", round, i)

			index, _ := allocator.BlockIndex(ptrs[i])
			if round == 0 {
				firstRound[i] = index
			} else {
				require.Equal(t, firstRound[i], index, "round %d allocation %d should land where it did the first time", round, i)
			}
		}

		require.Nil(t, allocator.Allocate(1), "the four allocations fill the pool")

		for _, ptr := range ptrs {
			allocator.Free(ptr)
		}
		require.True(t, allocator.IsEmpty())
	}
}

func TestAllocateTooLarge(t *testing.T) {
	allocator, err := blockmask.New(nil, blockmask.CreateOptions{})
	require.NoError(t, err)
	defer allocator.Close()

	before := allocator.Snapshot()

	require.Nil(t, allocator.Allocate(513*1024))
	require.Nil(t, allocator.Allocate(allocator.Size()+1))

	_, err = allocator.TryAllocate(allocator.Size() + 1)
	require.Error(t, err)
	require.True(t, errors.Is(err, blockmask.ErrOversizedRequest))

	require.True(t, before.Equal(allocator.Snapshot()), "a failed allocation must not change the masks")

	ptr := allocator.Allocate(allocator.Size())
	requireBlockIndex(t, allocator, ptr, 0)
}

func TestAllocateNegativeSize(t *testing.T) {
	allocator := newTestAllocator(t, 8)

	_, err := allocator.TryAllocate(-1)
	require.True(t, errors.Is(err, blockmask.ErrOversizedRequest))
	require.Nil(t, allocator.AllocateBytes(-1))
	require.True(t, allocator.IsEmpty())
}

func TestAllocateZeroSize(t *testing.T) {
	allocator := newTestAllocator(t, 8)

	first := allocator.Allocate(0)
	second := allocator.Allocate(0)
	requireBlockIndex(t, allocator, first, 0)
	requireBlockIndex(t, allocator, second, 1)
	requireMasks(t, allocator, "00111111", "11000000")

	allocator.Free(first)
	allocator.Free(second)
	require.True(t, allocator.IsEmpty())
}

func TestAllocateFullExtentWritable(t *testing.T) {
	allocator := newTestAllocator(t, 32)

	for size := 1; size <= 3*blockmask.BlockSize+1; size++ {
		data := allocator.AllocateBytes(size)
		require.NotNil(t, data, "size %d", size)
		require.Len(t, data, size)
		require.Equal(t, blockmask.BlocksForSize(size)*blockmask.BlockSize, cap(data))

		extent := data[:cap(data)]
		for i := range extent {
			extent[i] = byte(i)
		}
		for i := range extent {
			require.Equal(t, byte(i), extent[i])
		}

		allocator.FreeBytes(data)
		require.True(t, allocator.IsEmpty(), "size %d", size)
	}
}

func TestAllocationsDoNotOverlap(t *testing.T) {
	allocator := newTestAllocator(t, 16)

	first := allocator.AllocateBytes(3 * blockmask.BlockSize)
	second := allocator.AllocateBytes(2 * blockmask.BlockSize)
	require.NotNil(t, first)
	require.NotNil(t, second)

	for i := range first {
		first[i] = 0xAA
	}
	for i := range second {
		second[i] = 0x55
	}
	for i := range first {
		require.Equal(t, byte(0xAA), first[i])
	}
}

func TestAllocateFreeAllocateSameIndex(t *testing.T) {
	allocator := newTestAllocator(t, 16)

	spacer := allocator.Allocate(blockmask.BlockSize)
	requireBlockIndex(t, allocator, spacer, 0)

	for _, size := range []int{1, blockmask.BlockSize, 5 * blockmask.BlockSize, 15 * blockmask.BlockSize} {
		ptr := allocator.Allocate(size)
		requireBlockIndex(t, allocator, ptr, 1)
		allocator.Free(ptr)

		again := allocator.Allocate(size)
		require.Equal(t, ptr, again, "size %d", size)
		allocator.Free(again)
	}
}

func TestAllocateWholePool(t *testing.T) {
	allocator := newTestAllocator(t, 8)

	ptr := allocator.Allocate(allocator.Size())
	requireBlockIndex(t, allocator, ptr, 0)
	requireMasks(t, allocator, "00000000", "00000001")

	_, err := allocator.TryAllocate(1)
	require.True(t, errors.Is(err, blockmask.ErrPoolExhausted))

	allocator.Free(ptr)
	requireMasks(t, allocator, "11111111", "00000000")
}

func TestAllocateFragmented(t *testing.T) {
	allocator := newTestAllocator(t, 8)

	var ptrs []unsafe.Pointer
	for i := 0; i < 8; i++ {
		ptr := allocator.Allocate(blockmask.BlockSize)
		requireBlockIndex(t, allocator, ptr, i)
		ptrs = append(ptrs, ptr)
	}

	for i := 0; i < 8; i += 2 {
		allocator.Free(ptrs[i])
	}
	requireMasks(t, allocator, "10101010", "01010101")
	require.Equal(t, 4*blockmask.BlockSize, allocator.SumFreeSize())

	before := allocator.Snapshot()
	_, err := allocator.TryAllocate(2 * blockmask.BlockSize)
	require.True(t, errors.Is(err, blockmask.ErrPoolExhausted))
	require.True(t, before.Equal(allocator.Snapshot()), "a failed allocation must not change the masks")

	requireBlockIndex(t, allocator, allocator.Allocate(1), 0)
}

func TestAllocateRunAtEndOfPoolTooShort(t *testing.T) {
	allocator := newTestAllocator(t, 8)

	head := allocator.Allocate(6 * blockmask.BlockSize)
	requireBlockIndex(t, allocator, head, 0)

	require.Nil(t, allocator.Allocate(3*blockmask.BlockSize), "only two blocks remain at the end of the pool")
	requireMasks(t, allocator, "00000011", "00000100")
}

func TestAllocateFirstFit(t *testing.T) {
	allocator := newTestAllocator(t, 8)

	a := allocator.Allocate(2 * blockmask.BlockSize)
	b := allocator.Allocate(1 * blockmask.BlockSize)
	c := allocator.Allocate(3 * blockmask.BlockSize)
	d := allocator.Allocate(2 * blockmask.BlockSize)
	requireBlockIndex(t, allocator, d, 6)

	allocator.Free(c)
	allocator.Free(a)
	requireMasks(t, allocator, "11011100", "00100001")

	// The lower two-block hole wins even though the later hole is larger
	requireBlockIndex(t, allocator, allocator.Allocate(2*blockmask.BlockSize), 0)
	requireBlockIndex(t, allocator, allocator.Allocate(1), 3)
	requireBlockIndex(t, allocator, allocator.Allocate(2*blockmask.BlockSize), 4)
	require.Nil(t, allocator.Allocate(1))

	allocator.Free(b)
	requireBlockIndex(t, allocator, allocator.Allocate(1), 2)
}

func TestAllocateAcrossWords(t *testing.T) {
	allocator := newTestAllocator(t, 300)

	first := allocator.Allocate(70 * blockmask.BlockSize)
	second := allocator.Allocate(130 * blockmask.BlockSize)
	third := allocator.Allocate(100 * blockmask.BlockSize)
	requireBlockIndex(t, allocator, first, 0)
	requireBlockIndex(t, allocator, second, 70)
	requireBlockIndex(t, allocator, third, 200)
	require.Nil(t, allocator.Allocate(1))

	allocator.Free(second)
	require.Nil(t, allocator.Allocate(131*blockmask.BlockSize))
	requireBlockIndex(t, allocator, allocator.Allocate(129*blockmask.BlockSize), 70)
	requireBlockIndex(t, allocator, allocator.Allocate(1), 199)
	require.NoError(t, allocator.Validate())
}

func TestEightBlockWalkthrough(t *testing.T) {
	allocator := newTestAllocator(t, 8)
	requireMasks(t, allocator, "11111111", "00000000")

	first := allocator.Allocate(2 * blockmask.BlockSize)
	requireBlockIndex(t, allocator, first, 0)
	requireMasks(t, allocator, "00111111", "01000000")

	second := allocator.Allocate(3 * blockmask.BlockSize)
	requireBlockIndex(t, allocator, second, 2)
	requireMasks(t, allocator, "00000111", "01001000")

	allocator.Free(first)
	requireMasks(t, allocator, "11000111", "00001000")
	require.Equal(t, 1, allocator.AllocationCount())
	require.NoError(t, allocator.Validate())
}

func TestFreeInvalidTarget(t *testing.T) {
	allocator := newTestAllocator(t, 8)

	live := allocator.Allocate(3 * blockmask.BlockSize)
	require.NotNil(t, live)
	before := allocator.Snapshot()

	allocator.Free(nil)
	require.True(t, before.Equal(allocator.Snapshot()))

	var outside [16]byte
	allocator.Free(unsafe.Pointer(&outside[0]))
	require.True(t, before.Equal(allocator.Snapshot()))

	err := allocator.Release(nil)
	require.True(t, errors.Is(err, blockmask.ErrInvalidFreeTarget))
	err = allocator.Release(unsafe.Pointer(&outside[0]))
	require.True(t, errors.Is(err, blockmask.ErrInvalidFreeTarget))

	allocator.FreeBytes(nil)
	allocator.FreeBytes(outside[:0:0])
	require.True(t, before.Equal(allocator.Snapshot()))

	require.NoError(t, allocator.Release(live))
	require.True(t, allocator.IsEmpty())
}

func TestBlockIndexInteriorPointer(t *testing.T) {
	allocator := newTestAllocator(t, 8)

	ptr := allocator.Allocate(4 * blockmask.BlockSize)
	requireBlockIndex(t, allocator, ptr, 0)
	requireBlockIndex(t, allocator, unsafe.Add(ptr, blockmask.BlockSize+1), 1)
	requireBlockIndex(t, allocator, unsafe.Add(ptr, 4*blockmask.BlockSize-1), 3)
}

func TestDoubleFreeDoesNotCrash(t *testing.T) {
	if memutils.DebugEnabled {
		t.Skip("debug builds panic on the corrupted masks")
	}

	allocator, err := blockmask.New(nil, blockmask.CreateOptions{})
	require.NoError(t, err)
	defer allocator.Close()

	ptr := allocator.Allocate(1024)
	require.NotNil(t, ptr)

	allocator.Free(ptr)
	require.NotPanics(t, func() {
		allocator.Free(ptr)
	})

	// With nothing after it, the second walk runs to the end of the pool
	require.True(t, allocator.IsEmpty())
	require.NoError(t, allocator.Validate())
}

func TestDoubleFreeReleasesNextAllocation(t *testing.T) {
	if memutils.DebugEnabled {
		t.Skip("debug builds panic on the corrupted masks")
	}

	allocator := newTestAllocator(t, 8)

	first := allocator.Allocate(2 * blockmask.BlockSize)
	second := allocator.Allocate(3 * blockmask.BlockSize)
	requireBlockIndex(t, allocator, second, 2)

	allocator.Free(first)
	require.NotPanics(t, func() {
		allocator.Free(first)
	})

	// The second free walked through the live allocation and released it
	requireMasks(t, allocator, "11111111", "00000000")
	require.Equal(t, 0, allocator.AllocationCount())

	// Its blocks are now handed out again while the original holder still has the pointer
	aliased := allocator.Allocate(5 * blockmask.BlockSize)
	requireBlockIndex(t, allocator, aliased, 0)
	index, _ := allocator.BlockIndex(second)
	require.Equal(t, 2, index)
}

func TestFreeInteriorPointerCorruptsAllocation(t *testing.T) {
	if memutils.DebugEnabled {
		t.Skip("debug builds panic on the corrupted masks")
	}

	allocator := newTestAllocator(t, 8)

	ptr := allocator.Allocate(5 * blockmask.BlockSize)
	requireMasks(t, allocator, "00000111", "00001000")

	require.NotPanics(t, func() {
		allocator.Free(unsafe.Add(ptr, 2*blockmask.BlockSize))
	})

	// The tail of the allocation was freed and its final marker cleared, leaving the head orphaned
	requireMasks(t, allocator, "00111111", "00000000")
	require.Equal(t, 0, allocator.AllocationCount())
	require.False(t, allocator.IsEmpty())

	err := allocator.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "block 1 has no final block")
}
