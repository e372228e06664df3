package blockmask

import (
	"context"
	"io"
	"strings"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/blockmask/blockmask/internal/backing"
	"github.com/vkngwrapper/blockmask/memutils"
	"github.com/vkngwrapper/blockmask/memutils/bitmask"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// CreateMmapBacked places the block pool in a private anonymous memory mapping rather than
	// the Go heap. The mapping is released by Allocator.Close. Only supported on unix platforms.
	CreateMmapBacked CreateFlags = 1 << iota
)

var createFlagsMapping = map[CreateFlags]string{
	CreateMmapBacked: "CreateMmapBacked",
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for flag := CreateFlags(1); flag != 0 && flag <= f; flag <<= 1 {
		if f&flag == 0 {
			continue
		}

		name, ok := createFlagsMapping[flag]
		if !ok {
			name = "Unknown"
		}
		names = append(names, name)
	}
	return strings.Join(names, "|")
}

const (
	// BlockSize is the width in bytes of a single block: the native machine word
	BlockSize int = int(unsafe.Sizeof(uintptr(0)))
	// DefaultPoolSize is the pool capacity used when CreateOptions.PoolSize is 0. It is equal to 256Kb.
	DefaultPoolSize int = 256 * 1024
	// DefaultCacheLineSize is the alignment used for the pool and masks when
	// CreateOptions.CacheLineSize is 0
	DefaultCacheLineSize int = 128
)

// CreateOptions contains optional settings when creating an allocator. They cannot be changed
// after the allocator is created.
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// PoolSize is the capacity of the pool in bytes. It is rounded down to a whole number of
	// blocks and must hold at least one block.
	PoolSize int
	// CacheLineSize is the alignment of the pool and both masks. It must be a power of two.
	CacheLineSize int
}

// New creates a new Allocator
//
// logger - Receives debug traces of allocation decisions. May be nil.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	poolSize := options.PoolSize
	if poolSize == 0 {
		poolSize = DefaultPoolSize
	}

	cacheLineSize := options.CacheLineSize
	if cacheLineSize == 0 {
		cacheLineSize = DefaultCacheLineSize
	}

	err := memutils.CheckPow2(cacheLineSize, "CreateOptions.CacheLineSize")
	if err != nil {
		return nil, err
	}

	blockCount := poolSize / BlockSize
	if blockCount < 1 {
		return nil, errors.Newf("CreateOptions.PoolSize is %d, but the pool must hold at least one %d-byte block", poolSize, BlockSize)
	}
	poolSize = blockCount * BlockSize

	var region *backing.Region
	if options.Flags&CreateMmapBacked != 0 {
		region, err = backing.Mapped(poolSize)
		if err != nil {
			return nil, errors.Wrap(err, "could not create a mapped pool")
		}
	} else {
		region = backing.Heap(poolSize, cacheLineSize)
	}

	allocator := &Allocator{
		logger:        logger,
		createFlags:   options.Flags,
		cacheLineSize: cacheLineSize,

		region:     region,
		pool:       region.Bytes(),
		poolStart:  region.Start(),
		blockCount: blockCount,

		freeBlocks:  backing.AlignedWords(bitmask.WordCount(blockCount), cacheLineSize),
		finalBlocks: backing.AlignedWords(bitmask.WordCount(blockCount), cacheLineSize),
	}
	allocator.freeBlocks.Fill(true, blockCount)

	logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::New",
		slog.Int("PoolSize", poolSize),
		slog.Int("BlockCount", blockCount),
		slog.Int("CacheLineSize", cacheLineSize),
		slog.String("Flags", options.Flags.String()),
	)

	return allocator, nil
}
