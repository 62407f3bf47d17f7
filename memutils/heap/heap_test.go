package heap_test

import (
	"bytes"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/segheap/memutils"
	"github.com/vkngwrapper/segheap/memutils/freelist"
	"github.com/vkngwrapper/segheap/memutils/heap"
	"github.com/vkngwrapper/segheap/memutils/provider"
	"golang.org/x/exp/slog"
)

// initialHeapBytes is the sentinel overhead plus one default chunk
const initialHeapBytes = 16 + heap.DefaultChunkSize

var sizeClassLayouts = []freelist.SizeClassConfig{
	freelist.ConfigPow2,
	freelist.ConfigSegregated,
	freelist.ConfigFineGrained,
}

func forEachLayout(t *testing.T, test func(t *testing.T, config freelist.SizeClassConfig)) {
	for _, config := range sizeClassLayouts {
		config := config
		t.Run(config.Name, func(t *testing.T) {
			test(t, config)
		})
	}
}

func newTestHeap(t *testing.T, config freelist.SizeClassConfig, options heap.CreateOptions) *heap.Heap {
	t.Helper()

	options.SizeClasses = &config
	h, err := heap.New(options)
	require.NoError(t, err)
	require.NoError(t, h.Init())
	requireHealthy(t, h)

	return h
}

func requireHealthy(t *testing.T, h *heap.Heap) {
	t.Helper()
	require.Empty(t, h.Check(false))
	require.NoError(t, h.Validate())
}

func detailedStats(h *heap.Heap) memutils.DetailedStatistics {
	var stats memutils.DetailedStatistics
	stats.Clear()
	h.AddDetailedStatistics(&stats)
	return stats
}

func fill(data []byte, seed byte) {
	for i := range data {
		data[i] = seed + byte(i)
	}
}

func TestInitLayout(t *testing.T) {
	forEachLayout(t, func(t *testing.T, config freelist.SizeClassConfig) {
		h := newTestHeap(t, config, heap.CreateOptions{})

		require.Equal(t, 0, h.Low())
		require.Equal(t, initialHeapBytes, h.High())

		stats := detailedStats(h)
		require.Equal(t, 1, stats.BlockCount)
		require.Equal(t, 1, stats.FreeBlockCount)
		require.Equal(t, heap.DefaultChunkSize, stats.FreeBytes)
		require.Zero(t, stats.AllocationCount)
	})
}

func TestLoggerReceivesDebugRecords(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.HandlerOptions{Level: slog.LevelDebug}.NewTextHandler(&logs))
	h := newTestHeap(t, freelist.ConfigPow2, heap.CreateOptions{Logger: logger})

	_, err := h.Allocate(5000)
	require.NoError(t, err)
	require.Empty(t, h.Check(true))

	require.Contains(t, logs.String(), "heap initialized")
	require.Contains(t, logs.String(), "heap extended")
	require.Contains(t, logs.String(), "heap block")
	require.Contains(t, logs.String(), "free list")
}

func TestLazyInit(t *testing.T) {
	h, err := heap.New(heap.CreateOptions{})
	require.NoError(t, err)
	require.Empty(t, h.Check(false))
	require.Zero(t, h.High())

	p, err := h.Allocate(0)
	require.NoError(t, err)
	require.Equal(t, heap.Null, p)
	require.Zero(t, h.High())

	p, err = h.Allocate(8)
	require.NoError(t, err)
	require.NotEqual(t, heap.Null, p)
	require.Equal(t, initialHeapBytes, h.High())
	requireHealthy(t, h)
}

func TestInitResets(t *testing.T) {
	h := newTestHeap(t, freelist.ConfigPow2, heap.CreateOptions{})

	for i := 0; i < 10; i++ {
		_, err := h.Allocate(3000)
		require.NoError(t, err)
	}
	require.Greater(t, h.High(), initialHeapBytes)

	require.NoError(t, h.Init())
	require.Equal(t, initialHeapBytes, h.High())
	require.Equal(t, heap.Counters{ExtendCalls: 1, ExtendBytes: heap.DefaultChunkSize}, h.Counters())
	requireHealthy(t, h)
}

func TestAllocateAlignmentAndUsableSize(t *testing.T) {
	forEachLayout(t, func(t *testing.T, config freelist.SizeClassConfig) {
		h := newTestHeap(t, config, heap.CreateOptions{})

		sizes := []int{1, 2, 7, 8, 12, 13, 24, 100, 255, 256, 1000, 4092, 4093, 10000, 70000}
		for _, size := range sizes {
			p, err := h.Allocate(size)
			require.NoError(t, err)
			require.NotEqual(t, heap.Null, p)
			require.Zero(t, int(p)%8, "allocation of %d bytes at %s", size, p)
			require.GreaterOrEqual(t, h.UsableSize(p), size)
			require.Len(t, h.Bytes(p), h.UsableSize(p))
			requireHealthy(t, h)
		}
	})
}

func TestAllocationsDoNotOverlap(t *testing.T) {
	h := newTestHeap(t, freelist.ConfigSegregated, heap.CreateOptions{})

	var ptrs []heap.Ptr
	for i := 0; i < 50; i++ {
		p, err := h.Allocate(17 + i*13)
		require.NoError(t, err)
		fill(h.Bytes(p), byte(i))
		ptrs = append(ptrs, p)
	}

	for i, p := range ptrs {
		expected := make([]byte, h.UsableSize(p))
		fill(expected, byte(i))
		require.Equal(t, expected, h.Bytes(p), "allocation %d was overwritten", i)
	}
}

func TestAllocateInvalidSize(t *testing.T) {
	h := newTestHeap(t, freelist.ConfigPow2, heap.CreateOptions{})

	p, err := h.Allocate(-1)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.InvalidSizeError))
	require.Equal(t, heap.Null, p)

	p, err = h.Allocate(math.MaxInt)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.OutOfMemoryError))
	require.Equal(t, heap.Null, p)
	requireHealthy(t, h)
}

func TestReleaseReusesRegion(t *testing.T) {
	forEachLayout(t, func(t *testing.T, config freelist.SizeClassConfig) {
		h := newTestHeap(t, config, heap.CreateOptions{})

		p1, err := h.Allocate(100)
		require.NoError(t, err)
		requireHealthy(t, h)

		h.Release(p1)
		requireHealthy(t, h)

		p2, err := h.Allocate(100)
		require.NoError(t, err)
		require.Equal(t, p1, p2)
		require.Equal(t, initialHeapBytes, h.High())
		require.Equal(t, 1, h.Counters().ExtendCalls)
	})
}

func TestReleasedHoleIsReused(t *testing.T) {
	forEachLayout(t, func(t *testing.T, config freelist.SizeClassConfig) {
		h := newTestHeap(t, config, heap.CreateOptions{})

		a, err := h.Allocate(32)
		require.NoError(t, err)
		b, err := h.Allocate(64)
		require.NoError(t, err)
		c, err := h.Allocate(32)
		require.NoError(t, err)

		h.Release(b)
		requireHealthy(t, h)

		d, err := h.Allocate(40)
		require.NoError(t, err)
		require.Equal(t, b, d)
		require.Greater(t, d, a)
		require.Less(t, d, c)
		require.Equal(t, initialHeapBytes, h.High())
		requireHealthy(t, h)
	})
}

func TestReleaseNullIsNoop(t *testing.T) {
	h := newTestHeap(t, freelist.ConfigPow2, heap.CreateOptions{})

	_, err := h.Allocate(100)
	require.NoError(t, err)

	before := detailedStats(h)
	counters := h.Counters()

	h.Release(heap.Null)
	p, err := h.Resize(heap.Null, 0)
	require.NoError(t, err)
	require.Equal(t, heap.Null, p)

	require.Equal(t, before, detailedStats(h))
	require.Equal(t, counters, h.Counters())
	requireHealthy(t, h)
}

func TestCoalesceCases(t *testing.T) {
	forEachLayout(t, func(t *testing.T, config freelist.SizeClassConfig) {
		h := newTestHeap(t, config, heap.CreateOptions{})

		a, err := h.Allocate(32)
		require.NoError(t, err)
		b, err := h.Allocate(32)
		require.NoError(t, err)
		c, err := h.Allocate(32)
		require.NoError(t, err)
		d, err := h.Allocate(32)
		require.NoError(t, err)

		// Both neighbours allocated
		h.Release(b)
		requireHealthy(t, h)
		require.Equal(t, 2, detailedStats(h).FreeBlockCount)
		require.Zero(t, h.Counters().ForwardMerges)
		require.Zero(t, h.Counters().BackwardMerges)

		// Next neighbour free
		h.Release(a)
		requireHealthy(t, h)
		require.Equal(t, 2, detailedStats(h).FreeBlockCount)
		require.Equal(t, 1, h.Counters().ForwardMerges)
		require.Zero(t, h.Counters().BackwardMerges)

		// Previous neighbour free
		h.Release(c)
		requireHealthy(t, h)
		require.Equal(t, 2, detailedStats(h).FreeBlockCount)
		require.Equal(t, 1, h.Counters().ForwardMerges)
		require.Equal(t, 1, h.Counters().BackwardMerges)

		// Both neighbours free
		h.Release(d)
		requireHealthy(t, h)
		stats := detailedStats(h)
		require.Equal(t, 1, stats.FreeBlockCount)
		require.Equal(t, heap.DefaultChunkSize, stats.FreeBlockSizeMax)
		require.Equal(t, 2, h.Counters().ForwardMerges)
		require.Equal(t, 2, h.Counters().BackwardMerges)
	})
}

func TestExtensionMergesWithFreeTail(t *testing.T) {
	h := newTestHeap(t, freelist.ConfigPow2, heap.CreateOptions{})

	p, err := h.Allocate(10000)
	require.NoError(t, err)
	require.Equal(t, heap.Ptr(16), p)
	require.Equal(t, 2, h.Counters().ExtendCalls)
	require.Equal(t, initialHeapBytes+10008, h.High())
	requireHealthy(t, h)
}

func TestResizeCopies(t *testing.T) {
	forEachLayout(t, func(t *testing.T, config freelist.SizeClassConfig) {
		h := newTestHeap(t, config, heap.CreateOptions{})

		p, err := h.Allocate(16)
		require.NoError(t, err)
		fill(h.Bytes(p), 7)
		original := append([]byte(nil), h.Bytes(p)[:16]...)

		q, err := h.Resize(p, 1000)
		require.NoError(t, err)
		require.NotEqual(t, p, q)
		require.GreaterOrEqual(t, h.UsableSize(q), 1000)
		require.Equal(t, original, h.Bytes(q)[:16])
		require.Equal(t, 1, h.Counters().CopyResizes)
		requireHealthy(t, h)

		found := false
		require.NoError(t, h.VisitAllRegions(func(region heap.Ptr, size int, free bool) error {
			if region == p {
				found = true
				require.True(t, free)
			}
			return nil
		}))
		require.True(t, found)
	})
}

func TestResizeCopyMergesOldBlockWithFreeNeighbour(t *testing.T) {
	forEachLayout(t, func(t *testing.T, config freelist.SizeClassConfig) {
		h := newTestHeap(t, config, heap.CreateOptions{})

		x, err := h.Allocate(40)
		require.NoError(t, err)
		p, err := h.Allocate(40)
		require.NoError(t, err)
		fence, err := h.Allocate(40)
		require.NoError(t, err)
		h.Release(x)
		fill(h.Bytes(p), 21)
		original := append([]byte(nil), h.Bytes(p)[:40]...)

		before := detailedStats(h)
		require.Equal(t, 2, before.FreeBlockCount)

		q, err := h.Resize(p, 1000)
		require.NoError(t, err)
		require.NotEqual(t, p, q)
		require.Equal(t, original, h.Bytes(q)[:40])
		requireHealthy(t, h)

		// x and the old block of p form one free block ending at the fence
		after := detailedStats(h)
		require.Equal(t, before.FreeBlockCount, after.FreeBlockCount)

		var merged, sawOld bool
		require.NoError(t, h.VisitAllRegions(func(region heap.Ptr, size int, free bool) error {
			switch region {
			case x:
				merged = free && region+heap.Ptr(size) == fence
			case p:
				sawOld = true
			}
			return nil
		}))
		require.True(t, merged)
		require.False(t, sawOld)
	})
}

func TestResizeShrinkPreservesPrefix(t *testing.T) {
	for _, flags := range []heap.CreateFlags{0, heap.HeapCreateResizeInPlace} {
		t.Run(fmt.Sprintf("Flags=%d", flags), func(t *testing.T) {
			h := newTestHeap(t, freelist.ConfigPow2, heap.CreateOptions{Flags: flags})

			p, err := h.Allocate(500)
			require.NoError(t, err)
			fill(h.Bytes(p), 3)
			original := append([]byte(nil), h.Bytes(p)[:60]...)

			q, err := h.Resize(p, 60)
			require.NoError(t, err)
			require.GreaterOrEqual(t, h.UsableSize(q), 60)
			require.Equal(t, original, h.Bytes(q)[:60])
			requireHealthy(t, h)
		})
	}
}

func TestResizeToZeroReleases(t *testing.T) {
	h := newTestHeap(t, freelist.ConfigSegregated, heap.CreateOptions{})

	p, err := h.Allocate(200)
	require.NoError(t, err)

	q, err := h.Resize(p, 0)
	require.NoError(t, err)
	require.Equal(t, heap.Null, q)

	stats := detailedStats(h)
	require.Zero(t, stats.AllocationCount)
	require.Equal(t, 1, stats.FreeBlockCount)
	requireHealthy(t, h)
}

func TestResizeNullAllocates(t *testing.T) {
	h := newTestHeap(t, freelist.ConfigSegregated, heap.CreateOptions{})

	p, err := h.Resize(heap.Null, 48)
	require.NoError(t, err)
	require.NotEqual(t, heap.Null, p)
	require.GreaterOrEqual(t, h.UsableSize(p), 48)
	requireHealthy(t, h)
}

func TestResizeInPlace(t *testing.T) {
	forEachLayout(t, func(t *testing.T, config freelist.SizeClassConfig) {
		h := newTestHeap(t, config, heap.CreateOptions{Flags: heap.HeapCreateResizeInPlace})

		// Grow into the free remainder of the first chunk
		p, err := h.Allocate(16)
		require.NoError(t, err)
		fill(h.Bytes(p), 11)
		original := append([]byte(nil), h.Bytes(p)[:16]...)

		q, err := h.Resize(p, 1000)
		require.NoError(t, err)
		require.Equal(t, p, q)
		require.GreaterOrEqual(t, h.UsableSize(q), 1000)
		require.Equal(t, original, h.Bytes(q)[:16])
		requireHealthy(t, h)

		// Shrink in place and return the tail to the free lists
		fence, err := h.Allocate(16)
		require.NoError(t, err)

		q, err = h.Resize(p, 100)
		require.NoError(t, err)
		require.Equal(t, p, q)
		require.Equal(t, 100, h.UsableSize(q))
		require.Equal(t, original, h.Bytes(q)[:16])
		requireHealthy(t, h)

		// The successor is allocated, so growing has to move
		_, err = h.Resize(fence, 16)
		require.NoError(t, err)
		q, err = h.Resize(p, 3000)
		require.NoError(t, err)
		require.NotEqual(t, p, q)
		require.Equal(t, original, h.Bytes(q)[:16])
		requireHealthy(t, h)

		require.Equal(t, 3, h.Counters().InPlaceResizes)
		require.Equal(t, 1, h.Counters().CopyResizes)
	})
}

func TestResizeFailureKeepsOriginal(t *testing.T) {
	h := newTestHeap(t, freelist.ConfigPow2, heap.CreateOptions{
		Provider: provider.NewSliceProvider(initialHeapBytes),
	})

	p, err := h.Allocate(100)
	require.NoError(t, err)
	fill(h.Bytes(p), 5)
	original := append([]byte(nil), h.Bytes(p)...)

	q, err := h.Resize(p, 8192)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.OutOfMemoryError))
	require.Equal(t, heap.Null, q)

	require.Equal(t, original, h.Bytes(p))
	require.Equal(t, 1, detailedStats(h).AllocationCount)
	requireHealthy(t, h)
}

func TestZeroAllocate(t *testing.T) {
	forEachLayout(t, func(t *testing.T, config freelist.SizeClassConfig) {
		h := newTestHeap(t, config, heap.CreateOptions{})

		// Dirty the region that the zeroed allocation will reuse
		dirty, err := h.Allocate(40)
		require.NoError(t, err)
		fill(h.Bytes(dirty), 0x80)
		h.Release(dirty)

		p, err := h.ZeroAllocate(10, 4)
		require.NoError(t, err)
		require.Equal(t, dirty, p)
		require.GreaterOrEqual(t, h.UsableSize(p), 40)
		require.True(t, bytes.Equal(make([]byte, h.UsableSize(p)), h.Bytes(p)))
		requireHealthy(t, h)
	})
}

func TestZeroAllocateEdgeCases(t *testing.T) {
	h := newTestHeap(t, freelist.ConfigPow2, heap.CreateOptions{})

	p, err := h.ZeroAllocate(0, 16)
	require.NoError(t, err)
	require.Equal(t, heap.Null, p)

	p, err = h.ZeroAllocate(math.MaxInt, 2)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.SizeOverflowError))
	require.Equal(t, heap.Null, p)

	p, err = h.ZeroAllocate(-1, 2)
	require.Error(t, err)
	require.Equal(t, heap.Null, p)
	requireHealthy(t, h)
}

func TestDebugFillPatterns(t *testing.T) {
	if !memutils.DebugFillEnabled {
		t.Skip("payload fill patterns are only painted with the debug_mem_utils build tag")
	}

	h := newTestHeap(t, freelist.ConfigPow2, heap.CreateOptions{})

	p, err := h.Allocate(100)
	require.NoError(t, err)
	fence, err := h.Allocate(16)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{memutils.CreatedFillPattern}, h.UsableSize(p)), h.Bytes(p))

	// Past the two free-list links and before the footer, a released payload keeps the pattern
	h.Release(p)
	released := h.Bytes(p)
	require.Equal(t, bytes.Repeat([]byte{memutils.DestroyedFillPattern}, len(released)-12), released[8:len(released)-4])
	require.NotEqual(t, heap.Null, fence)
	requireHealthy(t, h)
}

func TestSteadyStateDoesNotGrow(t *testing.T) {
	forEachLayout(t, func(t *testing.T, config freelist.SizeClassConfig) {
		h := newTestHeap(t, config, heap.CreateOptions{})

		for i := 0; i < 1000; i++ {
			a, err := h.Allocate(120)
			require.NoError(t, err)
			b, err := h.Allocate(500)
			require.NoError(t, err)
			c, err := h.Allocate(64)
			require.NoError(t, err)

			h.Release(b)
			h.Release(a)
			h.Release(c)
		}

		require.Equal(t, initialHeapBytes, h.High())
		require.Equal(t, 1, h.Counters().ExtendCalls)
		requireHealthy(t, h)
	})
}

func TestOutOfMemory(t *testing.T) {
	forEachLayout(t, func(t *testing.T, config freelist.SizeClassConfig) {
		h := newTestHeap(t, config, heap.CreateOptions{
			Provider: provider.NewSliceProvider(initialHeapBytes + 1024),
		})

		p, err := h.Allocate(2000)
		require.NoError(t, err)

		high := h.High()
		q, err := h.Allocate(5000)
		require.Error(t, err)
		require.True(t, errors.Is(err, memutils.OutOfMemoryError))
		require.True(t, errors.Is(err, provider.ExhaustedError))
		require.Equal(t, heap.Null, q)
		require.Equal(t, high, h.High())
		requireHealthy(t, h)

		// Smaller requests still succeed from what is left
		q, err = h.Allocate(1000)
		require.NoError(t, err)
		require.NotEqual(t, p, q)
		requireHealthy(t, h)
	})
}

func TestIndependentHeaps(t *testing.T) {
	first := newTestHeap(t, freelist.ConfigPow2, heap.CreateOptions{})
	second := newTestHeap(t, freelist.ConfigSegregated, heap.CreateOptions{})

	p, err := first.Allocate(64)
	require.NoError(t, err)
	fill(first.Bytes(p), 1)

	q, err := second.Allocate(64)
	require.NoError(t, err)
	fill(second.Bytes(q), 2)

	require.Equal(t, p, q)
	require.Equal(t, byte(1), first.Bytes(p)[0])
	require.Equal(t, byte(2), second.Bytes(q)[0])
}

func TestStatistics(t *testing.T) {
	h := newTestHeap(t, freelist.ConfigPow2, heap.CreateOptions{})

	_, err := h.Allocate(12)
	require.NoError(t, err)
	_, err = h.Allocate(100)
	require.NoError(t, err)

	var stats memutils.Statistics
	h.AddStatistics(&stats)
	require.Equal(t, memutils.Statistics{
		HeapBytes:       initialHeapBytes,
		BlockCount:      3,
		AllocationCount: 2,
		AllocationBytes: 12 + 100,
		FreeBytes:       heap.DefaultChunkSize - 16 - 104,
	}, stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics:        stats,
		FreeBlockCount:    1,
		AllocationSizeMin: 12,
		AllocationSizeMax: 100,
		FreeBlockSizeMin:  heap.DefaultChunkSize - 16 - 104,
		FreeBlockSizeMax:  heap.DefaultChunkSize - 16 - 104,
	}, detailedStats(h))

	require.InDelta(t, float64(112)/float64(initialHeapBytes), stats.Utilization(), 1e-9)
}

func TestRandomWorkload(t *testing.T) {
	for _, flags := range []heap.CreateFlags{0, heap.HeapCreateResizeInPlace} {
		forEachLayout(t, func(t *testing.T, config freelist.SizeClassConfig) {
			h := newTestHeap(t, config, heap.CreateOptions{Flags: flags, ChunkSize: 256})
			rng := rand.New(rand.NewSource(42))

			type liveAllocation struct {
				ptr  heap.Ptr
				size int
				seed byte
			}
			var live []liveAllocation

			verify := func(alloc liveAllocation) {
				expected := make([]byte, alloc.size)
				fill(expected, alloc.seed)
				require.Equal(t, expected, h.Bytes(alloc.ptr)[:alloc.size])
			}

			for i := 0; i < 2000; i++ {
				switch op := rng.Intn(10); {
				case op < 5 || len(live) == 0:
					size := 1 + rng.Intn(2000)
					if rng.Intn(4) == 0 {
						size = 1 + rng.Intn(40)
					}
					p, err := h.Allocate(size)
					require.NoError(t, err)
					alloc := liveAllocation{ptr: p, size: size, seed: byte(i)}
					fill(h.Bytes(p)[:size], alloc.seed)
					live = append(live, alloc)

				case op < 8:
					idx := rng.Intn(len(live))
					verify(live[idx])
					h.Release(live[idx].ptr)
					live = append(live[:idx], live[idx+1:]...)

				default:
					idx := rng.Intn(len(live))
					alloc := live[idx]
					newSize := 1 + rng.Intn(3000)
					p, err := h.Resize(alloc.ptr, newSize)
					require.NoError(t, err)

					kept := min(alloc.size, newSize)
					expected := make([]byte, alloc.size)
					fill(expected, alloc.seed)
					require.Equal(t, expected[:kept], h.Bytes(p)[:kept])

					alloc = liveAllocation{ptr: p, size: newSize, seed: byte(i)}
					fill(h.Bytes(p)[:newSize], alloc.seed)
					live[idx] = alloc
				}

				require.Empty(t, h.Check(false), "after operation %d", i)
			}

			for _, alloc := range live {
				verify(alloc)
				h.Release(alloc.ptr)
			}
			requireHealthy(t, h)

			stats := detailedStats(h)
			require.Equal(t, 1, stats.FreeBlockCount)
			require.Equal(t, h.High()-16, stats.FreeBytes)
		})
	}
}
