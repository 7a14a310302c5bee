package heap

import (
	"encoding/binary"
	"fmt"
)

// Page header layout (64 bytes):
//
//	slotSize  uint16  [0:2]   bytes per slot, tuple header included
//	slotCount uint16  [2:4]   slots in this page
//	usedCount uint16  [4:6]
//	reserved          [6:8]
//	bitmap    [56]byte [8:64] used-slot bitmap, one bit per slot
//
// The slot array starts at byte 64 and is packed.

var errSlotOutOfRange = fmt.Errorf("slot index out of range")

// initPage formats buf as an empty page for the given slot size. buf must be
// PageSize bytes and zeroed.
func initPage(buf []byte, slotSize uint32) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(slotSize))
	binary.LittleEndian.PutUint16(buf[2:4], slotsPerPage(slotSize))
	binary.LittleEndian.PutUint16(buf[4:6], 0)
}

func pageSlotSize(buf []byte) uint32  { return uint32(binary.LittleEndian.Uint16(buf[0:2])) }
func pageSlotCount(buf []byte) uint16 { return binary.LittleEndian.Uint16(buf[2:4]) }
func pageUsedCount(buf []byte) uint16 { return binary.LittleEndian.Uint16(buf[4:6]) }

func pageIsUsed(buf []byte, slot uint16) bool {
	return buf[8+slot/8]&(1<<(slot%8)) != 0
}

func pageSetUsed(buf []byte, slot uint16, used bool) {
	old := pageIsUsed(buf, slot)
	if used == old {
		return
	}
	if used {
		buf[8+slot/8] |= 1 << (slot % 8)
		binary.LittleEndian.PutUint16(buf[4:6], pageUsedCount(buf)+1)
	} else {
		buf[8+slot/8] &^= 1 << (slot % 8)
		binary.LittleEndian.PutUint16(buf[4:6], pageUsedCount(buf)-1)
	}
}

// pageSlot returns the byte range of a slot within the page buffer.
func pageSlot(buf []byte, slot uint16) ([]byte, error) {
	if slot >= pageSlotCount(buf) {
		return nil, fmt.Errorf("%w: %d >= %d", errSlotOutOfRange, slot, pageSlotCount(buf))
	}
	size := int(pageSlotSize(buf))
	start := PageHeaderSize + int(slot)*size
	return buf[start : start+size], nil
}

// pageWriteSlot stores a tuple version in the slot and marks it used.
func pageWriteSlot(buf []byte, slot uint16, hdr TupleHeader, row []byte) error {
	dst, err := pageSlot(buf, slot)
	if err != nil {
		return err
	}
	if TupleHeaderSize+len(row) != len(dst) {
		return fmt.Errorf("version size %d does not match slot size %d", TupleHeaderSize+len(row), len(dst))
	}
	encodeTupleHeader(dst, hdr)
	copy(dst[TupleHeaderSize:], row)
	pageSetUsed(buf, slot, true)
	return nil
}

// pageReadSlot returns a copy of the version stored in the slot. Callers
// never see live page bytes.
func pageReadSlot(buf []byte, slot uint16) (TupleHeader, []byte, error) {
	src, err := pageSlot(buf, slot)
	if err != nil {
		return TupleHeader{}, nil, err
	}
	hdr := decodeTupleHeader(src)
	row := make([]byte, len(src)-TupleHeaderSize)
	copy(row, src[TupleHeaderSize:])
	return hdr, row, nil
}

// pageSetXmax rewrites only the xmax field of a stored version.
func pageSetXmax(buf []byte, slot uint16, xmax uint64) error {
	dst, err := pageSlot(buf, slot)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(dst[8:16], xmax)
	return nil
}

// pageClearSlot marks a slot free. The slot bytes are left in place; reuse
// overwrites them.
func pageClearSlot(buf []byte, slot uint16) error {
	if slot >= pageSlotCount(buf) {
		return fmt.Errorf("%w: %d >= %d", errSlotOutOfRange, slot, pageSlotCount(buf))
	}
	pageSetUsed(buf, slot, false)
	return nil
}
