package trace

import (
	"context"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/segheap/memutils/block"
	"github.com/vkngwrapper/segheap/memutils/heap"
	"golang.org/x/exp/slog"
)

// RunOptions contains optional settings for Run
type RunOptions struct {
	// CheckHeap runs the heap's consistency check after every operation
	CheckHeap bool
	// Logger receives one debug record per operation. If it is nil, nothing is logged.
	Logger *slog.Logger
}

// Result summarizes one replay of a trace
type Result struct {
	Trace string
	Ops   int
	// PeakPayloadBytes is the largest total of requested bytes live at any point
	PeakPayloadBytes int
	// HeapBytes is the size of the heap region once the trace finished
	HeapBytes int
	Elapsed   time.Duration
}

// Utilization is the peak live payload divided by the final heap size
func (r *Result) Utilization() float64 {
	if r.HeapBytes == 0 {
		return 0
	}
	return float64(r.PeakPayloadBytes) / float64(r.HeapBytes)
}

// OpsPerSecond is the replay throughput
func (r *Result) OpsPerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Ops) / r.Elapsed.Seconds()
}

type liveBlock struct {
	ptr  heap.Ptr
	size int
}

type replay struct {
	heap   *heap.Heap
	logger *slog.Logger

	live         *swiss.Map[int, liveBlock]
	payloadBytes int
	peakBytes    int
}

// Run reinitializes h and replays t against it. Every block the heap hands out is checked to be
// aligned, inside the heap, and disjoint from every other live block. Each block is painted
// with a pattern derived from its id, and the pattern is verified before the block is resized
// or released, so a heap that loses or overwrites payload bytes fails the run.
func Run(h *heap.Heap, t *Trace, options RunOptions) (*Result, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	r := &replay{
		heap:   h,
		logger: logger,
		live:   swiss.NewMap[int, liveBlock](uint32(max(t.NumIDs, 1))),
	}

	err := h.Init()
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize the heap")
	}

	start := time.Now()
	for i, op := range t.Ops {
		err = r.apply(op)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: operation %d (%s %d)", t.Name, i, op.Kind, op.ID)
		}

		if options.CheckHeap {
			err = h.Validate()
			if err != nil {
				return nil, errors.Wrapf(err, "%s: heap check after operation %d (%s %d)", t.Name, i, op.Kind, op.ID)
			}
		}
	}

	return &Result{
		Trace:            t.Name,
		Ops:              len(t.Ops),
		PeakPayloadBytes: r.peakBytes,
		HeapBytes:        h.High() - h.Low(),
		Elapsed:          time.Since(start),
	}, nil
}

func (r *replay) apply(op Op) error {
	r.logger.LogAttrs(context.Background(), slog.LevelDebug, "trace operation",
		slog.String("op", op.Kind.String()),
		slog.Int("id", op.ID),
		slog.Int("size", op.Size))

	switch op.Kind {
	case OpAlloc:
		return r.alloc(op)
	case OpRealloc:
		return r.realloc(op)
	case OpFree:
		return r.free(op)
	}
	return errors.Newf("unknown operation kind %d", int(op.Kind))
}

func (r *replay) alloc(op Op) error {
	if r.live.Has(op.ID) {
		return errors.Newf("id %d is already allocated", op.ID)
	}

	p, err := r.heap.Allocate(op.Size)
	if err != nil {
		return err
	}

	err = r.accept(op.ID, p, op.Size)
	if err != nil {
		return err
	}

	r.track(op.Size)
	return nil
}

func (r *replay) realloc(op Op) error {
	old, ok := r.live.Get(op.ID)
	if !ok {
		return errors.Newf("id %d is not allocated", op.ID)
	}

	err := r.verify(op.ID, old.ptr, old.size)
	if err != nil {
		return err
	}

	r.live.Delete(op.ID)
	p, err := r.heap.Resize(old.ptr, op.Size)
	if err != nil {
		r.live.Put(op.ID, old)
		return err
	}

	kept := min(old.size, op.Size)
	err = r.verify(op.ID, p, kept)
	if err != nil {
		return errors.Wrap(err, "resize did not preserve the payload")
	}

	err = r.accept(op.ID, p, op.Size)
	if err != nil {
		return err
	}

	r.track(op.Size - old.size)
	return nil
}

func (r *replay) free(op Op) error {
	old, ok := r.live.Get(op.ID)
	if !ok {
		return errors.Newf("id %d is not allocated", op.ID)
	}

	err := r.verify(op.ID, old.ptr, old.size)
	if err != nil {
		return err
	}

	r.heap.Release(old.ptr)
	r.live.Delete(op.ID)
	r.track(-old.size)
	return nil
}

// accept checks a freshly returned block and records it as live. Zero-byte requests must
// yield Null, which is recorded so that later operations on the id still apply.
func (r *replay) accept(id int, p heap.Ptr, size int) error {
	if size == 0 {
		if p != heap.Null {
			return errors.Newf("a zero-byte request returned %s instead of null", p)
		}
		r.live.Put(id, liveBlock{ptr: heap.Null})
		return nil
	}

	if p == heap.Null {
		return errors.Newf("a %d byte request returned null", size)
	}
	if int(p)%block.Alignment != 0 {
		return errors.Newf("payload %s is not aligned to %d bytes", p, block.Alignment)
	}
	if int(p) < r.heap.Low() || int(p)+size > r.heap.High() {
		return errors.Newf("payload [%d, %d) lies outside the heap [%d, %d)", int(p), int(p)+size, r.heap.Low(), r.heap.High())
	}
	if r.heap.UsableSize(p) < size {
		return errors.Newf("payload %s offers %d usable bytes for a %d byte request", p, r.heap.UsableSize(p), size)
	}

	start, end := int(p), int(p)+size
	var overlapErr error
	r.live.Iter(func(otherID int, other liveBlock) bool {
		otherStart, otherEnd := int(other.ptr), int(other.ptr)+other.size
		if start < otherEnd && otherStart < end {
			overlapErr = errors.Newf("payload [%d, %d) overlaps id %d at [%d, %d)", start, end, otherID, otherStart, otherEnd)
			return true
		}
		return false
	})
	if overlapErr != nil {
		return overlapErr
	}

	paint(r.heap.Bytes(p)[:size], id)
	r.live.Put(id, liveBlock{ptr: p, size: size})
	return nil
}

func (r *replay) verify(id int, p heap.Ptr, size int) error {
	if size == 0 {
		return nil
	}

	data := r.heap.Bytes(p)
	if len(data) < size {
		return errors.Newf("id %d holds %d usable bytes but %d were written", id, len(data), size)
	}

	for i := 0; i < size; i++ {
		if data[i] != patternByte(id, i) {
			return errors.Newf("payload byte %d of id %d was overwritten", i, id)
		}
	}
	return nil
}

func (r *replay) track(delta int) {
	r.payloadBytes += delta
	if r.payloadBytes > r.peakBytes {
		r.peakBytes = r.payloadBytes
	}
}

func patternByte(id, i int) byte {
	return byte(id*31 + i*7 + 1)
}

func paint(data []byte, id int) {
	for i := range data {
		data[i] = patternByte(id, i)
	}
}
