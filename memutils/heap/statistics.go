package heap

import (
	"github.com/vkngwrapper/segheap/memutils"
	"github.com/vkngwrapper/segheap/memutils/block"
)

// VisitAllRegions calls handleBlock for every physical block in address order. size is the
// whole block size, header included. Iteration stops at the first error, which is returned.
func (h *Heap) VisitAllRegions(handleBlock func(p Ptr, size int, free bool) error) error {
	if !h.initialized {
		return nil
	}

	view := h.view()
	for bp := firstBlock; view.Size(bp) > 0; bp = view.Next(bp) {
		err := handleBlock(bp, int(view.Size(bp)), !view.IsAllocated(bp))
		if err != nil {
			return err
		}
	}

	return nil
}

func (h *Heap) AddStatistics(stats *memutils.Statistics) {
	stats.HeapBytes += h.provider.High()

	_ = h.VisitAllRegions(func(p Ptr, size int, free bool) error {
		stats.BlockCount++
		if free {
			stats.FreeBytes += size
		} else {
			stats.AllocationCount++
			stats.AllocationBytes += size - block.Overhead
		}
		return nil
	})
}

func (h *Heap) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.HeapBytes += h.provider.High()

	_ = h.VisitAllRegions(func(p Ptr, size int, free bool) error {
		if free {
			stats.AddFreeBlock(size)
		} else {
			stats.AddAllocation(size - block.Overhead)
		}
		return nil
	})
}
