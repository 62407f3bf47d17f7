// Package heap implements a segregated-fit allocator over a single growable region.
//
// Blocks carry boundary tags inside the region (see package block) and free blocks are kept in
// size-class buckets (see package freelist). Allocation searches the buckets first-fit, splits
// oversized blocks, and grows the region through its provider when nothing fits. Release
// merges the freed block with free physical neighbours immediately, so no two free blocks are
// ever adjacent.
//
// A Heap is not safe for concurrent use.
package heap

import (
	"context"
	"fmt"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/segheap/memutils"
	"github.com/vkngwrapper/segheap/memutils/block"
	"github.com/vkngwrapper/segheap/memutils/freelist"
	"github.com/vkngwrapper/segheap/memutils/provider"
	"golang.org/x/exp/slog"
)

// Ptr identifies an allocation by the heap offset of its payload
type Ptr = block.Handle

// Null is the Ptr returned for zero-byte requests. It is never a valid allocation.
const Null Ptr = block.Nil

const (
	// The region starts with a padding word, then the 8-byte prologue block, and ends with the
	// zero-size epilogue header. Every real block lies between them.
	prologue   block.Handle = 2 * block.WordSize
	firstBlock block.Handle = prologue + block.DoubleWordSize

	prologueSize uint32 = block.DoubleWordSize
	// sentinelOverhead is every byte of the region not covered by a real block
	sentinelOverhead int = block.WordSize + block.DoubleWordSize + block.WordSize
)

// Counters tracks what the heap has done since the last Init
type Counters struct {
	ExtendCalls    int
	ExtendBytes    int
	FreeListHits   int
	FreeListMisses int
	Splits         int
	ForwardMerges  int
	BackwardMerges int
	InPlaceResizes int
	CopyResizes    int
}

// extendError reports a provider that refused to grow the heap. It matches
// memutils.OutOfMemoryError and keeps the provider's error as its cause, so errors.Is finds
// either one.
type extendError struct {
	message string
	cause   error
}

func (e *extendError) Error() string {
	return e.message + ": " + e.cause.Error()
}

func (e *extendError) Unwrap() error {
	return e.cause
}

func (e *extendError) Cause() error {
	return e.cause
}

func (e *extendError) Is(target error) bool {
	return target == memutils.OutOfMemoryError
}

// Heap is a dynamic memory allocator over one provider region
type Heap struct {
	logger    *slog.Logger
	provider  provider.Provider
	index     *freelist.Index
	chunkSize int
	flags     CreateFlags

	initialized bool
	counters    Counters
}

var _ memutils.Validatable = &Heap{}

func (h *Heap) view() block.View {
	return block.View(h.provider.Bytes())
}

// Init resets the heap to its empty state: the provider is reset, the prologue and epilogue are
// written, every bucket is emptied, and one chunk is obtained as the first free block. Every
// previously returned Ptr becomes invalid. Calling Init is optional; the first operation on a
// fresh heap calls it.
func (h *Heap) Init() error {
	memutils.DebugCheckPow2(h.chunkSize, "chunk size")

	h.provider.Reset()
	h.index.Reset()
	h.counters = Counters{}
	h.initialized = false

	_, err := h.provider.Extend(sentinelOverhead)
	if err != nil {
		return &extendError{message: "failed to obtain space for the heap sentinels", cause: err}
	}

	view := h.view()
	view.PutWord(0, 0)
	view.WriteHeader(prologue, prologueSize, true, true)
	view.PutWord(block.FooterOffset(prologue, prologueSize), block.Pack(prologueSize, true, true))
	// The epilogue: a zero-size allocated header directly after the prologue
	view.WriteHeader(firstBlock, 0, true, true)
	h.initialized = true

	_, err = h.extend(h.chunkSize)
	if err != nil {
		return err
	}

	h.logger.Debug("heap initialized",
		slog.String("sizeClasses", h.index.Table().String()),
		slog.Int("chunkSize", h.chunkSize),
		slog.String("flags", h.flags.String()))

	return nil
}

func (h *Heap) ensureInit() error {
	if h.initialized {
		return nil
	}
	return h.Init()
}

// Low returns the offset of the first byte of the heap region
func (h *Heap) Low() int {
	return h.provider.Low()
}

// High returns the offset one past the last byte of the heap region
func (h *Heap) High() int {
	return h.provider.High()
}

// Counters returns a snapshot of the heap's activity counters
func (h *Heap) Counters() Counters {
	return h.counters
}

// SizeClasses returns the bucket layout the heap was created with
func (h *Heap) SizeClasses() *freelist.Table {
	return h.index.Table()
}

// Allocate returns a block with at least size usable bytes, aligned to block.Alignment.
//
// A size of 0 returns Null and a nil error without touching the heap. If the heap cannot grow
// far enough to satisfy the request, the returned error matches
// memutils.OutOfMemoryError and the heap is unchanged apart from any growth that succeeded.
func (h *Heap) Allocate(size int) (Ptr, error) {
	if size < 0 {
		return Null, errors.Wrapf(memutils.InvalidSizeError, "cannot allocate %d bytes", size)
	}
	if size == 0 {
		return Null, nil
	}

	err := h.ensureInit()
	if err != nil {
		return Null, err
	}

	p, err := h.allocate(size)
	if err != nil {
		return Null, err
	}

	memutils.DebugFill(h.view().Payload(p), memutils.CreatedFillPattern)
	memutils.DebugValidate(h)
	return p, nil
}

func (h *Heap) allocate(size int) (block.Handle, error) {
	adjustedSize, ok := block.AdjustedSize(size)
	if !ok {
		return block.Nil, errors.Wrapf(memutils.OutOfMemoryError, "a request of %d bytes exceeds the largest possible block", size)
	}

	view := h.view()
	bp := h.index.FindFit(view, adjustedSize)
	if bp != block.Nil {
		h.counters.FreeListHits++
	} else {
		h.counters.FreeListMisses++

		var err error
		bp, err = h.extend(max(int(adjustedSize), h.chunkSize))
		if err != nil {
			h.logger.LogAttrs(context.Background(), slog.LevelDebug, "allocation failed",
				slog.Int("size", size),
				slog.Int("heapBytes", h.provider.High()),
				slog.Any("error", err))
			return block.Nil, err
		}
		view = h.view()
	}

	h.place(view, bp, adjustedSize)
	return bp, nil
}

// place marks a free block allocated, splitting off the tail as a new free block when the
// tail is large enough to stand alone
func (h *Heap) place(view block.View, bp block.Handle, adjustedSize uint32) {
	h.index.Remove(view, bp)

	size := view.Size(bp)
	prevAllocated := view.IsPrevAllocated(bp)

	if size-adjustedSize >= block.MinSize {
		view.WriteHeader(bp, adjustedSize, true, prevAllocated)

		remainder := view.Next(bp)
		view.WriteHeader(remainder, size-adjustedSize, false, true)
		view.WriteFooter(remainder, size-adjustedSize)
		h.index.Insert(view, remainder)
		h.counters.Splits++
		return
	}

	view.WriteHeader(bp, size, true, prevAllocated)
	view.SetPrevAllocated(view.Next(bp), true)
}

// extend grows the region by at least size bytes, turns the new space into a free block,
// merges it with a free final block if there is one, and files it in the index
func (h *Heap) extend(size int) (block.Handle, error) {
	size = memutils.AlignUp(size, block.Alignment)
	if uint64(size) > block.MaxSize || uint64(h.provider.High())+uint64(size) > math.MaxUint32 {
		return block.Nil, errors.Wrapf(memutils.OutOfMemoryError,
			"extending the heap by %d bytes would make it too large to address", size)
	}

	base, err := h.provider.Extend(size)
	if err != nil {
		return block.Nil, &extendError{message: fmt.Sprintf("failed to extend the heap by %d bytes", size), cause: err}
	}

	view := h.view()

	// The old epilogue header becomes the header of the new block
	bp := block.Handle(base)
	view.WriteHeader(bp, uint32(size), false, view.IsPrevAllocated(bp))
	view.WriteFooter(bp, uint32(size))
	view.WriteHeader(view.Next(bp), 0, true, false)

	h.counters.ExtendCalls++
	h.counters.ExtendBytes += size
	h.logger.Debug("heap extended", slog.Int("size", size), slog.Int("heapBytes", h.provider.High()))

	bp = h.coalesce(view, bp)
	h.index.Insert(view, bp)
	return bp, nil
}

// Release returns a block to the heap. Releasing Null is a no-op. Releasing anything that is not
// a live allocation of this heap corrupts it.
func (h *Heap) Release(p Ptr) {
	if p == Null || !h.initialized {
		return
	}

	h.release(p)
	memutils.DebugValidate(h)
}

func (h *Heap) release(p block.Handle) {
	view := h.view()
	memutils.DebugFill(view.Payload(p), memutils.DestroyedFillPattern)

	size := view.Size(p)
	view.WriteHeader(p, size, false, view.IsPrevAllocated(p))
	view.WriteFooter(p, size)
	view.SetPrevAllocated(view.Next(p), false)

	p = h.coalesce(view, p)
	h.index.Insert(view, p)
}

// Resize changes the size of an allocation, preserving the first min(old, new) payload bytes.
//
// Resizing Null behaves like Allocate, and resizing to 0 behaves like Release and returns Null.
// On failure the original allocation is untouched and still owned by the caller. The returned
// Ptr may differ from p, in which case p is no longer valid.
func (h *Heap) Resize(p Ptr, size int) (Ptr, error) {
	if p == Null {
		return h.Allocate(size)
	}
	if size < 0 {
		return Null, errors.Wrapf(memutils.InvalidSizeError, "cannot resize an allocation to %d bytes", size)
	}
	if size == 0 {
		h.Release(p)
		return Null, nil
	}

	if h.flags&HeapCreateResizeInPlace != 0 {
		adjustedSize, ok := block.AdjustedSize(size)
		if ok && h.resizeInPlace(h.view(), p, adjustedSize) {
			h.counters.InPlaceResizes++
			memutils.DebugValidate(h)
			return p, nil
		}
	}

	newPtr, err := h.allocate(size)
	if err != nil {
		return Null, err
	}

	view := h.view()
	copy(view.Payload(newPtr), view.Payload(p))
	h.release(p)
	h.counters.CopyResizes++

	memutils.DebugValidate(h)
	return newPtr, nil
}

// ZeroAllocate allocates room for count elements of size bytes each, with every usable byte set
// to zero. A product that overflows returns an error wrapping memutils.SizeOverflowError; a
// product of 0 returns Null.
func (h *Heap) ZeroAllocate(count, size int) (Ptr, error) {
	total, ok := memutils.CheckedMul(count, size)
	if !ok {
		return Null, errors.Wrapf(memutils.SizeOverflowError, "%d elements of %d bytes", count, size)
	}

	p, err := h.Allocate(total)
	if err != nil || p == Null {
		return p, err
	}

	clear(h.view().Payload(p))
	return p, nil
}

// Bytes returns the usable payload of an allocation. The slice aliases heap memory and is only
// valid until the allocation is released or resized, or the heap is reinitialized.
func (h *Heap) Bytes(p Ptr) []byte {
	if p == Null {
		return nil
	}
	return h.view().Payload(p)
}

// UsableSize returns the number of payload bytes available in an allocation, which is at least
// the size that was requested
func (h *Heap) UsableSize(p Ptr) int {
	if p == Null {
		return 0
	}
	return h.view().UsableSize(p)
}
