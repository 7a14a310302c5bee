// Package wal implements the write-ahead log: an append-only, sequence
// numbered, checksummed record stream that is replayed into memtables on
// restart.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flintdb/flint/pkg/config"
)

const (
	// Record types
	RecordTypeFull = 1

	// Operation types
	OpTypeInsert     = 1
	OpTypeUpdate     = 2
	OpTypeDelete     = 3
	OpTypeCheckpoint = 4

	// Header layout
	// - CRC (4 bytes)
	// - Length (2 bytes)
	// - Type (1 byte)
	HeaderSize = 7

	// Maximum size of a record payload. Rows are fixed-length and bounded by
	// the heap page size, so a record always fits in a single physical record.
	MaxRecordSize = 32 * 1024
)

var (
	ErrCorruptRecord     = errors.New("corrupt record")
	ErrInvalidRecordType = errors.New("invalid record type")
	ErrInvalidOpType     = errors.New("invalid operation type")
	ErrWALClosed         = errors.New("WAL is closed")
	ErrRecordTooLarge    = errors.New("record too large")
)

// Entry represents a logical entry in the WAL
type Entry struct {
	SequenceNumber uint64
	Type           uint8 // OpTypeInsert, OpTypeDelete, etc.
	TableID        uint32
	Key            uint64
	Row            []byte // empty for deletes

	// FlushedSeq is set on checkpoint entries: every record for TableID with
	// a sequence number at or below it has been durably flushed to the heap.
	FlushedSeq uint64
}

// WAL status constants
const (
	WALStatusActive = 0
	WALStatusClosed = 1
)

// WAL represents a write-ahead log
type WAL struct {
	cfg           *config.Config
	dir           string
	file          *os.File
	writer        *bufio.Writer
	nextSequence  uint64
	bytesWritten  int64
	batchByteSize int64
	status        int32
	mu            sync.Mutex
}

// NewWAL creates a new write-ahead log in dir
func NewWAL(cfg *config.Config, dir string) (*WAL, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filename := fmt.Sprintf("%020d.wal", time.Now().UnixNano())
	path := filepath.Join(dir, filename)

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAL file: %w", err)
	}

	return &WAL{
		cfg:          cfg,
		dir:          dir,
		file:         file,
		writer:       bufio.NewWriterSize(file, 64*1024),
		nextSequence: 1,
		status:       WALStatusActive,
	}, nil
}

// ReuseWAL attempts to reuse the most recent WAL file for appending.
// Returns nil, nil if no suitable WAL file is found.
func ReuseWAL(cfg *config.Config, dir string, nextSeq uint64) (*WAL, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	files, err := FindWALFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to find WAL files: %w", err)
	}
	if len(files) == 0 {
		return nil, nil
	}

	latest := files[len(files)-1]
	file, err := os.OpenFile(latest, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat WAL file: %w", err)
	}

	return &WAL{
		cfg:          cfg,
		dir:          dir,
		file:         file,
		writer:       bufio.NewWriterSize(file, 64*1024),
		nextSequence: nextSeq,
		bytesWritten: stat.Size(),
		status:       WALStatusActive,
	}, nil
}

// Append adds an entry to the WAL and returns its sequence number. The entry
// is durable per the configured sync mode before Append returns.
func (w *WAL) Append(opType uint8, tableID uint32, key uint64, row []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if atomic.LoadInt32(&w.status) == WALStatusClosed {
		return 0, ErrWALClosed
	}

	if opType != OpTypeInsert && opType != OpTypeUpdate && opType != OpTypeDelete {
		return 0, ErrInvalidOpType
	}

	seqNum := w.nextSequence
	w.nextSequence++

	if err := w.writeRecord(opType, seqNum, tableID, key, row, 0); err != nil {
		return 0, err
	}

	if err := w.maybeSync(); err != nil {
		return 0, err
	}

	return seqNum, nil
}

// AppendCheckpoint records that all entries for tableID up to and including
// flushedSeq are durably flushed to the heap. The checkpoint is always synced.
func (w *WAL) AppendCheckpoint(tableID uint32, flushedSeq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if atomic.LoadInt32(&w.status) == WALStatusClosed {
		return ErrWALClosed
	}

	seqNum := w.nextSequence
	w.nextSequence++

	if err := w.writeRecord(OpTypeCheckpoint, seqNum, tableID, 0, nil, flushedSeq); err != nil {
		return err
	}

	return w.syncLocked()
}

// writeRecord encodes and buffers a single record.
// Payload: opType(1) + seq(8) + tableID(4) + key(8) + rowLen(4) + row,
// with an extra flushedSeq(8) in place of the row for checkpoints.
func (w *WAL) writeRecord(opType uint8, seqNum uint64, tableID uint32, key uint64, row []byte, flushedSeq uint64) error {
	payloadSize := 1 + 8 + 4 + 8 + 4 + len(row)
	if opType == OpTypeCheckpoint {
		payloadSize = 1 + 8 + 4 + 8 + 8
	}

	if payloadSize > MaxRecordSize {
		return fmt.Errorf("%w: %d > %d", ErrRecordTooLarge, payloadSize, MaxRecordSize)
	}

	payload := make([]byte, payloadSize)
	payload[0] = opType
	binary.LittleEndian.PutUint64(payload[1:9], seqNum)
	binary.LittleEndian.PutUint32(payload[9:13], tableID)
	offset := 13

	if opType == OpTypeCheckpoint {
		binary.LittleEndian.PutUint64(payload[offset:offset+8], 0)
		offset += 8
		binary.LittleEndian.PutUint64(payload[offset:offset+8], flushedSeq)
	} else {
		binary.LittleEndian.PutUint64(payload[offset:offset+8], key)
		offset += 8
		binary.LittleEndian.PutUint32(payload[offset:offset+4], uint32(len(row)))
		offset += 4
		copy(payload[offset:], row)
	}

	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint16(header[4:6], uint16(payloadSize))
	header[6] = RecordTypeFull

	if _, err := w.writer.Write(header); err != nil {
		return fmt.Errorf("failed to write record header: %w", err)
	}
	if _, err := w.writer.Write(payload); err != nil {
		return fmt.Errorf("failed to write record payload: %w", err)
	}

	w.bytesWritten += int64(HeaderSize + payloadSize)
	w.batchByteSize += int64(HeaderSize + payloadSize)

	return nil
}

// maybeSync syncs the WAL file if needed based on configuration
func (w *WAL) maybeSync() error {
	needSync := false

	switch w.cfg.WALSyncMode {
	case config.SyncImmediate:
		needSync = true
	case config.SyncBatch:
		if w.batchByteSize >= w.cfg.WALSyncBytes {
			needSync = true
		}
	case config.SyncNone:
		// No syncing
	}

	if needSync {
		return w.syncLocked()
	}
	return nil
}

// syncLocked performs the sync operation assuming the mutex is already held
func (w *WAL) syncLocked() error {
	if atomic.LoadInt32(&w.status) == WALStatusClosed {
		return ErrWALClosed
	}

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL buffer: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL file: %w", err)
	}

	w.batchByteSize = 0
	return nil
}

// Sync flushes all buffered data to disk
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

// NextSequence returns the sequence number the next append will use.
func (w *WAL) NextSequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSequence
}

// UpdateNextSequence sets the next sequence number for the WAL.
// Used after recovery so new entries keep increasing.
func (w *WAL) UpdateNextSequence(nextSeq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if nextSeq > w.nextSequence {
		w.nextSequence = nextSeq
	}
}

// Dir returns the WAL directory.
func (w *WAL) Dir() string {
	return w.dir
}

// Path returns the path of the active WAL file.
func (w *WAL) Path() string {
	return w.file.Name()
}

// Close flushes and closes the WAL
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if atomic.LoadInt32(&w.status) == WALStatusClosed {
		return nil
	}

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL buffer during close: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL file during close: %w", err)
	}

	atomic.StoreInt32(&w.status, WALStatusClosed)

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close WAL file: %w", err)
	}
	return nil
}
