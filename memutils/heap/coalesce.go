package heap

import "github.com/vkngwrapper/segheap/memutils/block"

// coalesce merges a free block with whichever of its physical neighbours are free. The block's
// header and footer must already mark it free and it must not be in the index; any neighbour
// that is absorbed is removed from the index. The merged block is returned, not yet indexed.
func (h *Heap) coalesce(view block.View, bp block.Handle) block.Handle {
	size := view.Size(bp)
	prevAllocated := view.IsPrevAllocated(bp)
	next := view.Next(bp)
	nextAllocated := view.IsAllocated(next)

	switch {
	case prevAllocated && nextAllocated:
		return bp

	case prevAllocated && !nextAllocated:
		h.index.Remove(view, next)
		size += view.Size(next)
		h.counters.ForwardMerges++

	case !prevAllocated && nextAllocated:
		prev := view.Prev(bp)
		h.index.Remove(view, prev)
		size += view.Size(prev)
		bp = prev
		h.counters.BackwardMerges++

	default:
		prev := view.Prev(bp)
		h.index.Remove(view, prev)
		h.index.Remove(view, next)
		size += view.Size(prev) + view.Size(next)
		bp = prev
		h.counters.ForwardMerges++
		h.counters.BackwardMerges++
	}

	view.WriteHeader(bp, size, false, view.IsPrevAllocated(bp))
	view.WriteFooter(bp, size)
	return bp
}
