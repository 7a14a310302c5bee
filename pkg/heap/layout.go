// Package heap implements the segmented heap file: fixed 2 MiB segments of
// 64 KiB blocks holding slotted 4 KiB pages of fixed-length tuple versions.
package heap

import (
	"encoding/binary"
	"fmt"
)

const (
	// PageSize is the unit of in-place point writes.
	PageSize = 4096

	// PageHeaderSize is the fixed prefix of every page.
	PageHeaderSize = 64

	// MaxSlotsPerPage is bounded by the page header's used-slot bitmap.
	MaxSlotsPerPage = (PageHeaderSize - 8) * 8

	// BlockSize is the unit of compression and of flush writes.
	BlockSize = 64 * 1024

	// PagesPerBlock is how many pages an uncompressed block holds.
	PagesPerBlock = BlockSize / PageSize

	// SegmentSize is the allocation unit of the heap file.
	SegmentSize = 2 * 1024 * 1024

	// BlocksPerSegment is the data block count; one more block per segment
	// holds the segment header.
	BlocksPerSegment = SegmentSize/BlockSize - 1

	// TupleHeaderSize is the fixed per-version prefix inside a slot.
	TupleHeaderSize = 32

	// MaxSlotSize is the largest slot a page can hold. A table's slot size
	// (tuple header plus row) must not exceed it.
	MaxSlotSize = PageSize - PageHeaderSize
)

// Location addresses one tuple version as (segment, block, slot) packed into
// a single word: segment in the high 32 bits, block then slot in 16 each.
type Location uint64

// NoLocation marks the absence of a physical location: either an unwritten
// buffered version or the end of a version chain.
const NoLocation = Location(^uint64(0))

// NewLocation packs a (segment, block, slot) triple.
func NewLocation(segment uint32, block, slot uint16) Location {
	return Location(uint64(segment)<<32 | uint64(block)<<16 | uint64(slot))
}

func (l Location) Segment() uint32 { return uint32(l >> 32) }
func (l Location) Block() uint16   { return uint16(l >> 16) }
func (l Location) Slot() uint16    { return uint16(l) }

func (l Location) String() string {
	if l == NoLocation {
		return "none"
	}
	return fmt.Sprintf("%d.%d.%d", l.Segment(), l.Block(), l.Slot())
}

// TupleHeader is the fixed prefix of every stored tuple version. Everything
// except Xmax is immutable once written; Xmax transitions once from zero.
type TupleHeader struct {
	Xmin uint64
	Xmax uint64
	Key  uint64
	// Prev points at the previous version of the same key, forming the
	// version chain walked by older snapshots.
	Prev Location
}

// encodeTupleHeader writes the header into dst[0:32].
func encodeTupleHeader(dst []byte, hdr TupleHeader) {
	binary.LittleEndian.PutUint64(dst[0:8], hdr.Xmin)
	binary.LittleEndian.PutUint64(dst[8:16], hdr.Xmax)
	binary.LittleEndian.PutUint64(dst[16:24], hdr.Key)
	binary.LittleEndian.PutUint64(dst[24:32], uint64(hdr.Prev))
}

// decodeTupleHeader reads a header from src[0:32].
func decodeTupleHeader(src []byte) TupleHeader {
	return TupleHeader{
		Xmin: binary.LittleEndian.Uint64(src[0:8]),
		Xmax: binary.LittleEndian.Uint64(src[8:16]),
		Key:  binary.LittleEndian.Uint64(src[16:24]),
		Prev: Location(binary.LittleEndian.Uint64(src[24:32])),
	}
}

// slotsPerPage returns how many versions of the given slot size fit in one
// page, bounded by the bitmap capacity.
func slotsPerPage(slotSize uint32) uint16 {
	n := (PageSize - PageHeaderSize) / int(slotSize)
	if n > MaxSlotsPerPage {
		n = MaxSlotsPerPage
	}
	return uint16(n)
}

// blockCapacity returns the number of slots a block of the given slot size
// holds across its pages.
func blockCapacity(slotSize uint32) uint16 {
	return slotsPerPage(slotSize) * PagesPerBlock
}
