// Package freelist maintains the segregated free lists of a heap.
//
// The lists are intrusive: the links of each free block are stored in that block's own
// payload, so the Index only keeps one head handle per bucket plus a bitmap of the buckets
// that currently hold at least one block.
package freelist

import (
	"fmt"
	"math/bits"

	"github.com/vkngwrapper/segheap/memutils/block"
)

// Index is the set of free-list buckets for one heap
type Index struct {
	table    *Table
	heads    []block.Handle
	nonEmpty []uint64

	freeCount int
	freeBytes int
}

// NewIndex creates an empty index with one bucket per size class in table
func NewIndex(table *Table) *Index {
	buckets := table.Buckets()
	return &Index{
		table:    table,
		heads:    make([]block.Handle, buckets),
		nonEmpty: make([]uint64, (buckets+63)/64),
	}
}

func (x *Index) Table() *Table {
	return x.table
}

// Reset empties every bucket without touching heap memory
func (x *Index) Reset() {
	for i := range x.heads {
		x.heads[i] = block.Nil
	}
	for i := range x.nonEmpty {
		x.nonEmpty[i] = 0
	}
	x.freeCount = 0
	x.freeBytes = 0
}

// Buckets returns the number of buckets in the index
func (x *Index) Buckets() int {
	return len(x.heads)
}

// BucketFor returns the bucket a free block of the provided size belongs in
func (x *Index) BucketFor(size uint32) int {
	return x.table.BucketFor(size)
}

// Head returns the first block of a bucket, or block.Nil if it is empty
func (x *Index) Head(bucket int) block.Handle {
	return x.heads[bucket]
}

// IsMarkedNonEmpty reports the bitmap's view of a bucket. It should always agree with
// Head(bucket) != block.Nil.
func (x *Index) IsMarkedNonEmpty(bucket int) bool {
	return x.nonEmpty[bucket/64]&(1<<(bucket%64)) != 0
}

// FreeCount returns the number of blocks currently in the index
func (x *Index) FreeCount() int {
	return x.freeCount
}

// FreeBytes returns the total size of the blocks currently in the index
func (x *Index) FreeBytes() int {
	return x.freeBytes
}

// Insert pushes a free block onto the front of its bucket. The block's header must already
// hold its final size.
func (x *Index) Insert(view block.View, h block.Handle) {
	if h == block.Nil {
		panic("cannot insert the nil block")
	}
	if view.IsAllocated(h) {
		panic(fmt.Sprintf("block at %s is allocated and cannot enter a free list", h))
	}

	size := view.Size(h)
	bucket := x.table.BucketFor(size)

	head := x.heads[bucket]
	view.SetPrevFree(h, block.Nil)
	view.SetNextFree(h, head)
	if head != block.Nil {
		view.SetPrevFree(head, h)
	} else {
		x.nonEmpty[bucket/64] |= 1 << (bucket % 64)
	}
	x.heads[bucket] = h

	x.freeCount++
	x.freeBytes += int(size)
}

// Remove unlinks a free block from its bucket. It must be called before the block's header
// changes size, since the bucket is recomputed from it.
func (x *Index) Remove(view block.View, h block.Handle) {
	if h == block.Nil {
		panic("cannot remove the nil block")
	}

	size := view.Size(h)
	next := view.NextFree(h)
	prev := view.PrevFree(h)

	if next != block.Nil {
		view.SetPrevFree(next, prev)
	}
	if prev != block.Nil {
		view.SetNextFree(prev, next)
	} else {
		bucket := x.table.BucketFor(size)
		if x.heads[bucket] != h {
			panic(fmt.Sprintf("block at %s was not in the free list at the expected location", h))
		}
		x.heads[bucket] = next
		if next == block.Nil {
			x.nonEmpty[bucket/64] &^= 1 << (bucket % 64)
		}
	}

	x.freeCount--
	x.freeBytes -= int(size)
}

// FindFit returns the first block, in list order, of at least size bytes. The search starts
// at the bucket for size and moves to larger buckets until a block is found. It returns
// block.Nil when no free block is large enough.
func (x *Index) FindFit(view block.View, size uint32) block.Handle {
	for bucket := x.nextNonEmpty(x.table.BucketFor(size)); bucket >= 0; bucket = x.nextNonEmpty(bucket + 1) {
		for h := x.heads[bucket]; h != block.Nil; h = view.NextFree(h) {
			if view.Size(h) >= size {
				return h
			}
		}
	}

	return block.Nil
}

func (x *Index) nextNonEmpty(from int) int {
	if from >= len(x.heads) {
		return -1
	}

	word := from / 64
	mask := x.nonEmpty[word] & (^uint64(0) << (from % 64))
	for {
		if mask != 0 {
			return word*64 + bits.TrailingZeros64(mask)
		}
		word++
		if word >= len(x.nonEmpty) {
			return -1
		}
		mask = x.nonEmpty[word]
	}
}
