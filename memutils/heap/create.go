package heap

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/segheap/memutils"
	"github.com/vkngwrapper/segheap/memutils/block"
	"github.com/vkngwrapper/segheap/memutils/freelist"
	"github.com/vkngwrapper/segheap/memutils/provider"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific heap behaviors to activate or deactivate
type CreateFlags int32

var heapCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	heapCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return heapCreateFlagsMapping.FlagsToString(f)
}

const (
	// HeapCreateResizeInPlace allows Resize to shrink a block where it stands, or to grow it into a
	// free block that physically follows it, before falling back to allocate-copy-release.
	HeapCreateResizeInPlace CreateFlags = 1 << iota
)

func init() {
	HeapCreateResizeInPlace.Register("HeapCreateResizeInPlace")
}

const (
	// DefaultChunkSize is the minimum number of bytes the heap grows by when no free block
	// can satisfy a request
	DefaultChunkSize int = 4096
)

// CreateOptions contains optional settings when creating a heap. It is valid to leave all the
// fields blank.
type CreateOptions struct {
	// Flags indicates specific heap behaviors to activate or deactivate
	Flags CreateFlags

	// Provider is the region the heap lives in. If it is nil, a SliceProvider with
	// provider.DefaultMaxHeap bytes is reserved.
	Provider provider.Provider

	// SizeClasses partitions free blocks into buckets. If it is nil, freelist.DefaultConfig is used.
	SizeClasses *freelist.SizeClassConfig

	// ChunkSize is the minimum extension size. It must be a power of two no smaller than
	// block.MinSize. If it is 0, DefaultChunkSize is used.
	ChunkSize int

	// Logger receives debug output about heap growth and consistency checks. If it is nil,
	// log output is discarded.
	Logger *slog.Logger
}

// New creates a heap. No memory is obtained from the provider until Init is called or the
// first allocation is made.
func New(options CreateOptions) (*Heap, error) {
	chunkSize := options.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < block.MinSize {
		return nil, errors.Newf("chunk size must be at least %d bytes, but is %d", block.MinSize, chunkSize)
	}
	err := memutils.CheckPow2(chunkSize, "chunk size")
	if err != nil {
		return nil, err
	}

	sizeClasses := freelist.DefaultConfig
	if options.SizeClasses != nil {
		sizeClasses = *options.SizeClasses
	}
	table, err := freelist.NewTable(sizeClasses)
	if err != nil {
		return nil, errors.Wrap(err, "invalid size classes")
	}

	heapProvider := options.Provider
	if heapProvider == nil {
		heapProvider = provider.NewSliceProvider(provider.DefaultMaxHeap)
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	return &Heap{
		logger:    logger,
		provider:  heapProvider,
		index:     freelist.NewIndex(table),
		chunkSize: chunkSize,
		flags:     options.Flags,
	}, nil
}
