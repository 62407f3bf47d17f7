package heap

import "github.com/vkngwrapper/segheap/memutils/block"

// resizeInPlace tries to make an allocated block hold adjustedSize bytes without moving it,
// either by trimming its tail or by absorbing a free block that follows it. It returns false,
// with the heap untouched, when neither is possible.
func (h *Heap) resizeInPlace(view block.View, p block.Handle, adjustedSize uint32) bool {
	size := view.Size(p)
	if adjustedSize <= size {
		h.trim(view, p, size, adjustedSize)
		return true
	}

	next := view.Next(p)
	if view.IsAllocated(next) {
		return false
	}

	combined := size + view.Size(next)
	if combined < adjustedSize {
		return false
	}

	h.index.Remove(view, next)
	view.WriteHeader(p, combined, true, view.IsPrevAllocated(p))
	view.SetPrevAllocated(view.Next(p), true)
	h.counters.ForwardMerges++

	h.trim(view, p, combined, adjustedSize)
	return true
}

// trim releases the tail of an allocated block of the given size beyond adjustedSize, if the
// tail is large enough to be a block of its own
func (h *Heap) trim(view block.View, p block.Handle, size, adjustedSize uint32) {
	if size-adjustedSize < block.MinSize {
		return
	}

	view.WriteHeader(p, adjustedSize, true, view.IsPrevAllocated(p))

	tail := view.Next(p)
	view.WriteHeader(tail, size-adjustedSize, false, true)
	view.WriteFooter(tail, size-adjustedSize)
	view.SetPrevAllocated(view.Next(tail), false)
	h.counters.Splits++

	tail = h.coalesce(view, tail)
	h.index.Insert(view, tail)
}
