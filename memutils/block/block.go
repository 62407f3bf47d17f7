// Package block encodes the boundary tags that the heap keeps inside its own bytes.
//
// Every block starts with a 4-byte header holding its total size with two flag bits packed
// into the low bits: bit 0 marks the block allocated and bit 1 records whether the physically
// preceding block is allocated. Free blocks additionally carry a footer (a copy of the header
// in their final word) and two free-list links in the first two words of their payload.
// Allocated blocks have no footer, so their whole body after the header is usable payload.
//
// A block is addressed by the heap offset of its payload, which is always a multiple of
// Alignment. The header lives in the word directly before that offset.
package block

import (
	"encoding/binary"
	"fmt"
)

const (
	// WordSize is the width of headers, footers, and free-list links
	WordSize = 4
	// DoubleWordSize is the width of one header/footer pair
	DoubleWordSize = 2 * WordSize
	// Alignment is the alignment of every payload offset and every block size
	Alignment = 8
	// MinSize is the smallest legal block: header, two links, and footer
	MinSize = 4 * WordSize
	// Overhead is the per-block cost of an allocated block
	Overhead = WordSize
	// MaxSize is the largest block size a header can encode
	MaxSize = (1<<32 - 1) &^ (Alignment - 1)

	allocatedBit     uint32 = 0x1
	prevAllocatedBit uint32 = 0x2
	flagMask         uint32 = Alignment - 1
)

// Handle is the heap offset of a block's payload
type Handle uint32

// Nil is the handle used for the end of a free list. Offset 0 always holds alignment padding,
// so it can never be a payload.
const Nil Handle = 0

func (h Handle) String() string {
	if h == Nil {
		return "nil"
	}
	return fmt.Sprintf("0x%x", uint32(h))
}

// Pack combines a block size and its two flags into a header word
func Pack(size uint32, allocated, prevAllocated bool) uint32 {
	word := size
	if allocated {
		word |= allocatedBit
	}
	if prevAllocated {
		word |= prevAllocatedBit
	}
	return word
}

// SizeOf extracts the block size from a header or footer word
func SizeOf(word uint32) uint32 {
	return word &^ flagMask
}

// AllocatedOf extracts the allocated flag from a header or footer word
func AllocatedOf(word uint32) bool {
	return word&allocatedBit != 0
}

// PrevAllocatedOf extracts the previous-block-allocated flag from a header word
func PrevAllocatedOf(word uint32) bool {
	return word&prevAllocatedBit != 0
}

// AdjustedSize converts a requested payload size into the size of a block able to hold it. The
// second return value is false if no block can be large enough.
func AdjustedSize(request int) (uint32, bool) {
	if request < 0 || uint64(request) > MaxSize-Overhead {
		return 0, false
	}

	size := (uint64(request) + Overhead + Alignment - 1) &^ (Alignment - 1)
	if size < MinSize {
		size = MinSize
	}
	return uint32(size), true
}

// View interprets a heap's bytes as a sequence of blocks. The slice must cover the heap
// from its low address, so that handles index it directly.
type View []byte

// Word reads the 32-bit word at an arbitrary offset
func (v View) Word(offset int) uint32 {
	return binary.LittleEndian.Uint32(v[offset : offset+WordSize])
}

// PutWord writes the 32-bit word at an arbitrary offset
func (v View) PutWord(offset int, value uint32) {
	binary.LittleEndian.PutUint32(v[offset:offset+WordSize], value)
}

// HeaderOffset returns the offset of the header word for the block
func HeaderOffset(h Handle) int {
	return int(h) - WordSize
}

// FooterOffset returns the offset of the footer word for a block of the given size
func FooterOffset(h Handle, size uint32) int {
	return int(h) + int(size) - DoubleWordSize
}

// HeaderWord reads the raw header word of the block
func (v View) HeaderWord(h Handle) uint32 {
	return v.Word(HeaderOffset(h))
}

// FooterWord reads the final word of the block. It only holds a footer while the block is free.
func (v View) FooterWord(h Handle) uint32 {
	return v.Word(FooterOffset(h, v.Size(h)))
}

// Size returns the total size of the block, header included
func (v View) Size(h Handle) uint32 {
	return SizeOf(v.HeaderWord(h))
}

// IsAllocated reports the block's allocated flag
func (v View) IsAllocated(h Handle) bool {
	return AllocatedOf(v.HeaderWord(h))
}

// IsPrevAllocated reports whether the physically preceding block is allocated
func (v View) IsPrevAllocated(h Handle) bool {
	return PrevAllocatedOf(v.HeaderWord(h))
}

// UsableSize is the number of payload bytes an allocated block offers
func (v View) UsableSize(h Handle) int {
	return int(v.Size(h)) - Overhead
}

// Payload returns the usable bytes of an allocated block
func (v View) Payload(h Handle) []byte {
	return v[int(h) : int(h)+v.UsableSize(h)]
}

// Next returns the physically following block
func (v View) Next(h Handle) Handle {
	return h + Handle(v.Size(h))
}

// Prev returns the physically preceding block by reading its footer. It may only be called
// when IsPrevAllocated is false, since allocated blocks have no footer.
func (v View) Prev(h Handle) Handle {
	prevSize := SizeOf(v.Word(int(h) - DoubleWordSize))
	return h - Handle(prevSize)
}

// WriteHeader replaces the block's header with the provided size and flags
func (v View) WriteHeader(h Handle, size uint32, allocated, prevAllocated bool) {
	v.PutWord(HeaderOffset(h), Pack(size, allocated, prevAllocated))
}

// WriteFooter copies the block's size into its final word. Only free blocks keep a footer.
func (v View) WriteFooter(h Handle, size uint32) {
	v.PutWord(FooterOffset(h, size), Pack(size, false, false))
}

// SetPrevAllocated updates the previous-block-allocated flag without touching size or state
func (v View) SetPrevAllocated(h Handle, prevAllocated bool) {
	word := v.HeaderWord(h)
	if prevAllocated {
		word |= prevAllocatedBit
	} else {
		word &^= prevAllocatedBit
	}
	v.PutWord(HeaderOffset(h), word)
}

// NextFree reads the forward free-list link stored in a free block's payload
func (v View) NextFree(h Handle) Handle {
	return Handle(v.Word(int(h)))
}

// PrevFree reads the backward free-list link stored in a free block's payload
func (v View) PrevFree(h Handle) Handle {
	return Handle(v.Word(int(h) + WordSize))
}

// SetNextFree writes the forward free-list link into a free block's payload
func (v View) SetNextFree(h Handle, next Handle) {
	v.PutWord(int(h), uint32(next))
}

// SetPrevFree writes the backward free-list link into a free block's payload
func (v View) SetPrevFree(h Handle, prev Handle) {
	v.PutWord(int(h)+WordSize, uint32(prev))
}
