package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Reader reads entries from a single WAL file
type Reader struct {
	file   *os.File
	reader *bufio.Reader
}

// OpenReader creates a new Reader for the given WAL file
func OpenReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &Reader{
		file:   file,
		reader: bufio.NewReaderSize(file, 64*1024),
	}, nil
}

// ReadEntry reads the next entry from the WAL. It returns io.EOF at a clean
// end of file and ErrCorruptRecord for a torn or checksum-invalid record.
func (r *Reader) ReadEntry() (*Entry, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r.reader, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		// A partial header is a torn tail.
		return nil, fmt.Errorf("%w: torn record header", ErrCorruptRecord)
	}

	crc := binary.LittleEndian.Uint32(header[0:4])
	length := binary.LittleEndian.Uint16(header[4:6])
	recordType := header[6]

	if recordType != RecordTypeFull {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRecordType, recordType)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.reader, payload); err != nil {
		return nil, fmt.Errorf("%w: torn record payload", ErrCorruptRecord)
	}

	if computed := crc32.ChecksumIEEE(payload); computed != crc {
		return nil, fmt.Errorf("%w: expected CRC %d, got %d", ErrCorruptRecord, crc, computed)
	}

	return parseEntryData(payload)
}

// parseEntryData parses the binary payload into an Entry structure
func parseEntryData(data []byte) (*Entry, error) {
	if len(data) < 21 { // opType(1) + seq(8) + tableID(4) + key(8)
		return nil, fmt.Errorf("%w: entry too small, %d bytes", ErrCorruptRecord, len(data))
	}

	opType := data[0]
	seqNum := binary.LittleEndian.Uint64(data[1:9])
	tableID := binary.LittleEndian.Uint32(data[9:13])
	offset := 13

	switch opType {
	case OpTypeCheckpoint:
		if len(data) < offset+16 {
			return nil, fmt.Errorf("%w: truncated checkpoint entry", ErrCorruptRecord)
		}
		offset += 8 // reserved key field
		flushedSeq := binary.LittleEndian.Uint64(data[offset : offset+8])
		return &Entry{
			SequenceNumber: seqNum,
			Type:           opType,
			TableID:        tableID,
			FlushedSeq:     flushedSeq,
		}, nil

	case OpTypeInsert, OpTypeUpdate, OpTypeDelete:
		key := binary.LittleEndian.Uint64(data[offset : offset+8])
		offset += 8

		if len(data) < offset+4 {
			return nil, fmt.Errorf("%w: missing row length", ErrCorruptRecord)
		}
		rowLen := binary.LittleEndian.Uint32(data[offset : offset+4])
		offset += 4

		if offset+int(rowLen) > len(data) {
			return nil, fmt.Errorf("%w: invalid row length %d", ErrCorruptRecord, rowLen)
		}

		row := make([]byte, rowLen)
		copy(row, data[offset:offset+int(rowLen)])

		return &Entry{
			SequenceNumber: seqNum,
			Type:           opType,
			TableID:        tableID,
			Key:            key,
			Row:            row,
		}, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidOpType, opType)
	}
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

// EntryHandler is a function that processes WAL entries during replay
type EntryHandler func(*Entry) error

// RecoveryStats tracks the outcome of WAL replay
type RecoveryStats struct {
	EntriesReplayed uint64
	// TailDiscarded is true when replay halted at a torn or checksum-invalid
	// record; records after the halt point were not trusted.
	TailDiscarded bool
}

// FindWALFiles returns the WAL files in dir in chronological order
func FindWALFiles(dir string) ([]string, error) {
	pattern := filepath.Join(dir, "*.wal")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to glob WAL files: %w", err)
	}

	// Filenames are zero-padded creation timestamps.
	sort.Strings(matches)
	return matches, nil
}

// ReplayWALFile replays a single WAL file in order. Replay halts at the first
// torn or checksum-invalid record and the tail is discarded; this is not an
// error, but no later record may be trusted.
func ReplayWALFile(path string, handler EntryHandler) (*RecoveryStats, error) {
	reader, err := OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	recStats := &RecoveryStats{}

	for {
		entry, err := reader.ReadEntry()
		if err != nil {
			if err == io.EOF {
				break
			}
			if errors.Is(err, ErrCorruptRecord) || errors.Is(err, ErrInvalidRecordType) || errors.Is(err, ErrInvalidOpType) {
				recStats.TailDiscarded = true
				break
			}
			return recStats, fmt.Errorf("error reading entry from %s: %w", path, err)
		}

		if err := handler(entry); err != nil {
			return recStats, fmt.Errorf("error handling entry: %w", err)
		}
		recStats.EntriesReplayed++
	}

	return recStats, nil
}

// ReplayWALDir replays all WAL files in dir in chronological order. A halt in
// any file stops the entire replay: records later than a corrupt one are not
// trusted, even across file boundaries.
func ReplayWALDir(dir string, handler EntryHandler) (*RecoveryStats, error) {
	files, err := FindWALFiles(dir)
	if err != nil {
		return nil, err
	}

	total := &RecoveryStats{}
	for _, file := range files {
		fileStats, err := ReplayWALFile(file, handler)
		if fileStats != nil {
			total.EntriesReplayed += fileStats.EntriesReplayed
		}
		if err != nil {
			return total, fmt.Errorf("replay of %s failed: %w", file, err)
		}
		if fileStats.TailDiscarded {
			total.TailDiscarded = true
			break
		}
	}

	return total, nil
}

// RemoveWALFilesBefore deletes WAL files older than the given path. Used
// after a full checkpoint rotates to a fresh file.
func RemoveWALFilesBefore(dir, keepPath string) error {
	files, err := FindWALFiles(dir)
	if err != nil {
		return err
	}

	keep := filepath.Base(keepPath)
	for _, file := range files {
		if filepath.Base(file) >= keep {
			continue
		}
		if err := os.Remove(file); err != nil {
			return fmt.Errorf("failed to remove old WAL file %s: %w", file, err)
		}
	}
	return nil
}
