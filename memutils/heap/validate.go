package heap

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/segheap/memutils"
	"github.com/vkngwrapper/segheap/memutils/block"
	"golang.org/x/exp/slog"
)

// ViolationKind classifies a heap consistency failure
type ViolationKind int

const (
	ViolationPrologue ViolationKind = iota
	ViolationEpilogue
	ViolationAlignment
	ViolationBounds
	ViolationBlockSize
	ViolationFooter
	ViolationAdjacentFree
	ViolationPrevAllocated
	ViolationWrongBucket
	ViolationListMembership
	ViolationLinks
	ViolationFreeCount
	ViolationSizeSum
)

func (k ViolationKind) String() string {
	switch k {
	case ViolationPrologue:
		return "Prologue"
	case ViolationEpilogue:
		return "Epilogue"
	case ViolationAlignment:
		return "Alignment"
	case ViolationBounds:
		return "Bounds"
	case ViolationBlockSize:
		return "BlockSize"
	case ViolationFooter:
		return "Footer"
	case ViolationAdjacentFree:
		return "AdjacentFree"
	case ViolationPrevAllocated:
		return "PrevAllocated"
	case ViolationWrongBucket:
		return "WrongBucket"
	case ViolationListMembership:
		return "ListMembership"
	case ViolationLinks:
		return "Links"
	case ViolationFreeCount:
		return "FreeCount"
	case ViolationSizeSum:
		return "SizeSum"
	}
	return fmt.Sprintf("ViolationKind(%d)", int(k))
}

// Violation is one heap consistency failure found by Check
type Violation struct {
	Kind    ViolationKind
	Offset  int
	Message string
}

func (v Violation) Error() string {
	return fmt.Sprintf("%s violation at offset %d: %s", v.Kind, v.Offset, v.Message)
}

type heapChecker struct {
	heap       *Heap
	view       block.View
	high       int
	verbose    bool
	violations []Violation
}

func (c *heapChecker) report(kind ViolationKind, offset block.Handle, format string, args ...any) {
	c.violations = append(c.violations, Violation{
		Kind:    kind,
		Offset:  int(offset),
		Message: fmt.Sprintf(format, args...),
	})
}

// Check walks every physical block and every free list and reports each consistency failure it
// finds. It never modifies the heap. With verbose set, each block and each non-empty bucket is
// logged at debug level. A heap that has not been initialized has nothing to check.
func (h *Heap) Check(verbose bool) []Violation {
	if !h.initialized {
		return nil
	}

	c := &heapChecker{
		heap:    h,
		view:    h.view(),
		high:    h.provider.High(),
		verbose: verbose,
	}

	freeBlocks, walked := c.checkBlocks()
	c.checkFreeLists(freeBlocks, walked)

	return c.violations
}

// Validate runs Check and folds any violations into a single error wrapping
// memutils.CorruptHeapError. Each Violation is attached as a secondary error.
func (h *Heap) Validate() error {
	violations := h.Check(false)
	if len(violations) == 0 {
		return nil
	}

	var details error
	messages := make([]string, 0, len(violations))
	for _, violation := range violations {
		details = errors.CombineErrors(details, violation)
		messages = append(messages, violation.Error())
	}

	err := errors.Wrapf(memutils.CorruptHeapError, "found %d heap violations: %s", len(violations), strings.Join(messages, "; "))
	return errors.WithSecondaryError(err, details)
}

// checkBlocks walks the physical chain from the prologue to the epilogue and returns the free
// blocks it saw along with whether the walk reached the epilogue
func (c *heapChecker) checkBlocks() (*swiss.Map[block.Handle, uint32], bool) {
	freeBlocks := swiss.NewMap[block.Handle, uint32](64)

	if c.high < sentinelOverhead {
		c.report(ViolationBounds, 0, "heap holds %d bytes, which is smaller than its sentinels", c.high)
		return freeBlocks, false
	}

	expectedPrologue := block.Pack(prologueSize, true, true)
	if c.view.HeaderWord(prologue) != expectedPrologue {
		c.report(ViolationPrologue, prologue, "prologue header is 0x%x, expected 0x%x",
			c.view.HeaderWord(prologue), expectedPrologue)
	}
	if footer := c.view.Word(block.FooterOffset(prologue, prologueSize)); footer != expectedPrologue {
		c.report(ViolationPrologue, prologue, "prologue footer is 0x%x, expected 0x%x", footer, expectedPrologue)
	}

	sizeSum := 0
	prevAllocated := true
	bp := firstBlock
	for {
		if int(bp) == c.high {
			c.checkEpilogue(bp, prevAllocated)
			break
		}
		if int(bp) > c.high {
			c.report(ViolationBounds, bp, "block walk overran the end of the heap at %d", c.high)
			return freeBlocks, false
		}

		word := c.view.HeaderWord(bp)
		size := block.SizeOf(word)
		allocated := block.AllocatedOf(word)

		if c.verbose {
			c.heap.logger.LogAttrs(context.Background(), slog.LevelDebug, "heap block",
				slog.Int("offset", int(bp)),
				slog.Int("size", int(size)),
				slog.Bool("allocated", allocated),
				slog.Bool("prevAllocated", block.PrevAllocatedOf(word)))
		}

		if bp%block.Alignment != 0 {
			c.report(ViolationAlignment, bp, "payload is not aligned to %d bytes", block.Alignment)
		}
		if size < block.MinSize || size%block.Alignment != 0 {
			c.report(ViolationBlockSize, bp, "block size %d is not a multiple of %d of at least %d",
				size, block.Alignment, block.MinSize)
			return freeBlocks, false
		}
		if int(bp)+int(size) > c.high {
			c.report(ViolationBounds, bp, "block of size %d extends past the end of the heap at %d", size, c.high)
			return freeBlocks, false
		}
		if block.PrevAllocatedOf(word) != prevAllocated {
			c.report(ViolationPrevAllocated, bp, "previous-allocated bit is %t but the previous block's allocated bit is %t",
				block.PrevAllocatedOf(word), prevAllocated)
		}

		if !allocated {
			footer := c.view.FooterWord(bp)
			if block.SizeOf(footer) != size || block.AllocatedOf(footer) {
				c.report(ViolationFooter, bp, "header says free block of size %d but footer says size %d, allocated %t",
					size, block.SizeOf(footer), block.AllocatedOf(footer))
			}
			if !prevAllocated {
				c.report(ViolationAdjacentFree, bp, "free block directly follows another free block")
			}
			freeBlocks.Put(bp, size)
		}

		sizeSum += int(size)
		prevAllocated = allocated
		bp += block.Handle(size)
	}

	if sizeSum+sentinelOverhead != c.high {
		c.report(ViolationSizeSum, firstBlock, "blocks cover %d bytes and sentinels %d, but the heap holds %d",
			sizeSum, sentinelOverhead, c.high)
	}

	return freeBlocks, true
}

func (c *heapChecker) checkEpilogue(bp block.Handle, prevAllocated bool) {
	word := c.view.HeaderWord(bp)
	if block.SizeOf(word) != 0 || !block.AllocatedOf(word) {
		c.report(ViolationEpilogue, bp, "epilogue header is 0x%x, expected an allocated block of size 0", word)
	}
	if block.PrevAllocatedOf(word) != prevAllocated {
		c.report(ViolationPrevAllocated, bp, "epilogue previous-allocated bit is %t but the last block's allocated bit is %t",
			block.PrevAllocatedOf(word), prevAllocated)
	}
}

func (c *heapChecker) isPlausibleBlock(h block.Handle) bool {
	return h%block.Alignment == 0 && h >= firstBlock && int(h)+block.DoubleWordSize <= c.high-block.WordSize
}

// checkFreeLists verifies that every bucket holds exactly the free blocks of its size range,
// with consistent links, and that the free blocks found by the physical walk match the lists
func (c *heapChecker) checkFreeLists(freeBlocks *swiss.Map[block.Handle, uint32], walked bool) {
	index := c.heap.index
	listed := swiss.NewMap[block.Handle, int](uint32(freeBlocks.Count()) + 1)
	listCount := 0

	for bucket := 0; bucket < index.Buckets(); bucket++ {
		head := index.Head(bucket)
		if (head != block.Nil) != index.IsMarkedNonEmpty(bucket) {
			c.report(ViolationLinks, head, "bucket %d has head %s but its non-empty bit is %t",
				bucket, head, index.IsMarkedNonEmpty(bucket))
		}

		bucketCount := 0
		prev := block.Nil
		for cur := head; cur != block.Nil; cur = c.view.NextFree(cur) {
			if !c.isPlausibleBlock(cur) {
				c.report(ViolationBounds, cur, "bucket %d links to an offset outside of the heap's blocks", bucket)
				break
			}
			if firstBucket, seen := listed.Get(cur); seen {
				c.report(ViolationListMembership, cur, "block appears again in bucket %d after bucket %d", bucket, firstBucket)
				break
			}
			listed.Put(cur, bucket)
			listCount++
			bucketCount++

			if c.view.PrevFree(cur) != prev {
				c.report(ViolationLinks, cur, "previous link is %s but the block was reached from %s", c.view.PrevFree(cur), prev)
			}

			size, isFree := freeBlocks.Get(cur)
			if walked && !isFree {
				c.report(ViolationListMembership, cur, "bucket %d holds a block that is not a free block", bucket)
			} else if isFree && index.BucketFor(size) != bucket {
				c.report(ViolationWrongBucket, cur, "block of size %d belongs in bucket %d but is in bucket %d",
					size, index.BucketFor(size), bucket)
			}

			prev = cur
		}

		if c.verbose && bucketCount > 0 {
			c.heap.logger.LogAttrs(context.Background(), slog.LevelDebug, "free list",
				slog.Int("bucket", bucket),
				slog.Int("blocks", bucketCount))
		}
	}

	freeBlocks.Iter(func(bp block.Handle, size uint32) bool {
		if !listed.Has(bp) {
			c.report(ViolationListMembership, bp, "free block of size %d is not in any free list", size)
		}
		return false
	})

	if walked && listCount != freeBlocks.Count() {
		c.report(ViolationFreeCount, 0, "the free lists hold %d blocks but the heap has %d free blocks",
			listCount, freeBlocks.Count())
	}
	if index.FreeCount() != listCount {
		c.report(ViolationFreeCount, 0, "the index counts %d free blocks but its lists hold %d",
			index.FreeCount(), listCount)
	}
}
