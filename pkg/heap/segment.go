package heap

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/flintdb/flint/pkg/heap/compress"
)

const (
	// SegmentMagic marks a segment header block ("FLNT").
	SegmentMagic = uint32(0x464C4E54)

	blockMetaSize = 32

	// segmentHeaderSize is the encoded portion of the 64 KiB header block:
	// fixed fields, the per-block metadata array, and a trailing checksum.
	segmentHeaderSize = 32 + BlocksPerSegment*blockMetaSize + 8
)

// ErrCorruptSegment reports a checksum or framing failure on a segment
// header.
var ErrCorruptSegment = errors.New("corrupt segment header")

// BlockMeta describes one data block within a segment.
type BlockMeta struct {
	State         compress.BlockState
	Codec         compress.Codec
	SlotSize      uint32
	UsedSlots     uint16
	FreeSlots     uint16
	LastWriteUnix int64
	// PayloadLen is the compressed payload length; zero while uncompressed.
	PayloadLen uint32
}

// SegmentHeader is the in-memory form of a segment's header block.
type SegmentHeader struct {
	SegmentID     uint32
	TableID       uint32
	BlockCount    uint32
	LastWriteUnix int64
	// Full excludes the segment from allocation until vacuum reclaims space.
	Full   bool
	Blocks [BlocksPerSegment]BlockMeta
}

func encodeBlockMeta(dst []byte, m BlockMeta) {
	dst[0] = uint8(m.State)
	dst[1] = uint8(m.Codec)
	binary.LittleEndian.PutUint32(dst[4:8], m.SlotSize)
	binary.LittleEndian.PutUint16(dst[8:10], m.UsedSlots)
	binary.LittleEndian.PutUint16(dst[10:12], m.FreeSlots)
	binary.LittleEndian.PutUint64(dst[16:24], uint64(m.LastWriteUnix))
	binary.LittleEndian.PutUint32(dst[24:28], m.PayloadLen)
}

func decodeBlockMeta(src []byte) BlockMeta {
	return BlockMeta{
		State:         compress.BlockState(src[0]),
		Codec:         compress.Codec(src[1]),
		SlotSize:      binary.LittleEndian.Uint32(src[4:8]),
		UsedSlots:     binary.LittleEndian.Uint16(src[8:10]),
		FreeSlots:     binary.LittleEndian.Uint16(src[10:12]),
		LastWriteUnix: int64(binary.LittleEndian.Uint64(src[16:24])),
		PayloadLen:    binary.LittleEndian.Uint32(src[24:28]),
	}
}

// encodeSegmentHeader serializes the header with its trailing checksum.
func encodeSegmentHeader(hdr *SegmentHeader) []byte {
	buf := make([]byte, segmentHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], SegmentMagic)
	binary.LittleEndian.PutUint32(buf[4:8], hdr.SegmentID)
	binary.LittleEndian.PutUint32(buf[8:12], hdr.TableID)
	binary.LittleEndian.PutUint32(buf[12:16], hdr.BlockCount)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(hdr.LastWriteUnix))
	if hdr.Full {
		buf[24] = 1
	}
	for i := range hdr.Blocks {
		encodeBlockMeta(buf[32+i*blockMetaSize:], hdr.Blocks[i])
	}
	sum := xxhash.Sum64(buf[:segmentHeaderSize-8])
	binary.LittleEndian.PutUint64(buf[segmentHeaderSize-8:], sum)
	return buf
}

// decodeSegmentHeader parses and verifies a header block prefix.
func decodeSegmentHeader(buf []byte) (*SegmentHeader, error) {
	if len(buf) < segmentHeaderSize {
		return nil, fmt.Errorf("%w: short header, %d bytes", ErrCorruptSegment, len(buf))
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != SegmentMagic {
		return nil, fmt.Errorf("%w: bad magic 0x%08x", ErrCorruptSegment, magic)
	}

	stored := binary.LittleEndian.Uint64(buf[segmentHeaderSize-8 : segmentHeaderSize])
	if computed := xxhash.Sum64(buf[:segmentHeaderSize-8]); computed != stored {
		return nil, fmt.Errorf("%w: checksum mismatch, expected %d got %d", ErrCorruptSegment, stored, computed)
	}

	hdr := &SegmentHeader{
		SegmentID:     binary.LittleEndian.Uint32(buf[4:8]),
		TableID:       binary.LittleEndian.Uint32(buf[8:12]),
		BlockCount:    binary.LittleEndian.Uint32(buf[12:16]),
		LastWriteUnix: int64(binary.LittleEndian.Uint64(buf[16:24])),
		Full:          buf[24] == 1,
	}
	if hdr.BlockCount > BlocksPerSegment {
		return nil, fmt.Errorf("%w: block count %d exceeds %d", ErrCorruptSegment, hdr.BlockCount, BlocksPerSegment)
	}
	for i := range hdr.Blocks {
		hdr.Blocks[i] = decodeBlockMeta(buf[32+i*blockMetaSize:])
	}
	return hdr, nil
}
