package heap

import (
	"fmt"
	"os"
)

// File wraps the single heap file with segment-aware positioned I/O. All
// reads and writes go through pread/pwrite at page, block, or header
// granularity; the file is grown one whole segment at a time.
type File struct {
	f *os.File
}

// OpenFile opens or creates the heap file.
func OpenFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open heap file: %w", err)
	}
	return &File{f: f}, nil
}

// SegmentCount returns how many whole segments the file holds.
func (hf *File) SegmentCount() (uint32, error) {
	stat, err := hf.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat heap file: %w", err)
	}
	if stat.Size()%SegmentSize != 0 {
		return 0, fmt.Errorf("heap file size %d is not segment aligned", stat.Size())
	}
	return uint32(stat.Size() / SegmentSize), nil
}

func segmentOffset(segmentID uint32) int64 {
	return int64(segmentID) * SegmentSize
}

func blockOffset(segmentID uint32, block uint16) int64 {
	// Block 0 of every segment is the header block; data blocks follow.
	return segmentOffset(segmentID) + int64(block+1)*BlockSize
}

func pageOffset(segmentID uint32, block uint16, page int) int64 {
	return blockOffset(segmentID, block) + int64(page)*PageSize
}

// AllocateSegment grows the file by one zeroed segment and writes its header.
func (hf *File) AllocateSegment(hdr *SegmentHeader) error {
	newSize := segmentOffset(hdr.SegmentID) + SegmentSize
	if err := hf.f.Truncate(newSize); err != nil {
		return fmt.Errorf("failed to grow heap file: %w", err)
	}
	return hf.WriteSegmentHeader(hdr)
}

// ReadSegmentHeader reads and verifies the header of a segment.
func (hf *File) ReadSegmentHeader(segmentID uint32) (*SegmentHeader, error) {
	buf := make([]byte, segmentHeaderSize)
	if _, err := hf.f.ReadAt(buf, segmentOffset(segmentID)); err != nil {
		return nil, fmt.Errorf("failed to read segment %d header: %w", segmentID, err)
	}
	hdr, err := decodeSegmentHeader(buf)
	if err != nil {
		return nil, fmt.Errorf("segment %d: %w", segmentID, err)
	}
	return hdr, nil
}

// WriteSegmentHeader persists a segment header in place.
func (hf *File) WriteSegmentHeader(hdr *SegmentHeader) error {
	buf := encodeSegmentHeader(hdr)
	if _, err := hf.f.WriteAt(buf, segmentOffset(hdr.SegmentID)); err != nil {
		return fmt.Errorf("failed to write segment %d header: %w", hdr.SegmentID, err)
	}
	return nil
}

// ReadBlock reads a whole data block.
func (hf *File) ReadBlock(segmentID uint32, block uint16) ([]byte, error) {
	buf := make([]byte, BlockSize)
	if _, err := hf.f.ReadAt(buf, blockOffset(segmentID, block)); err != nil {
		return nil, fmt.Errorf("failed to read block %d.%d: %w", segmentID, block, err)
	}
	return buf, nil
}

// WriteBlock writes a whole data block.
func (hf *File) WriteBlock(segmentID uint32, block uint16, buf []byte) error {
	if len(buf) != BlockSize {
		return fmt.Errorf("block write must be %d bytes, got %d", BlockSize, len(buf))
	}
	if _, err := hf.f.WriteAt(buf, blockOffset(segmentID, block)); err != nil {
		return fmt.Errorf("failed to write block %d.%d: %w", segmentID, block, err)
	}
	return nil
}

// ReadPage reads a single page of an uncompressed block.
func (hf *File) ReadPage(segmentID uint32, block uint16, page int) ([]byte, error) {
	buf := make([]byte, PageSize)
	if _, err := hf.f.ReadAt(buf, pageOffset(segmentID, block, page)); err != nil {
		return nil, fmt.Errorf("failed to read page %d.%d.%d: %w", segmentID, block, page, err)
	}
	return buf, nil
}

// WritePage writes a single page in place.
func (hf *File) WritePage(segmentID uint32, block uint16, page int, buf []byte) error {
	if len(buf) != PageSize {
		return fmt.Errorf("page write must be %d bytes, got %d", PageSize, len(buf))
	}
	if _, err := hf.f.WriteAt(buf, pageOffset(segmentID, block, page)); err != nil {
		return fmt.Errorf("failed to write page %d.%d.%d: %w", segmentID, block, page, err)
	}
	return nil
}

// Sync flushes the heap file to stable storage.
func (hf *File) Sync() error {
	return hf.f.Sync()
}

// Close closes the heap file.
func (hf *File) Close() error {
	return hf.f.Close()
}
