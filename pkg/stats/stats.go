// Package stats provides atomic collection of engine statistics.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// OperationType defines the type of operation being tracked
type OperationType string

// Common operation types
const (
	OpInsert     OperationType = "insert"
	OpUpdate     OperationType = "update"
	OpDelete     OperationType = "delete"
	OpGet        OperationType = "get"
	OpScan       OperationType = "scan"
	OpFlush      OperationType = "flush"
	OpVacuum     OperationType = "vacuum"
	OpCompress   OperationType = "compress"
	OpCheckpoint OperationType = "checkpoint"
)

// Collector defines the statistics collection interface used by the engine
// and its background workers.
type Collector interface {
	TrackOperation(op OperationType)
	TrackError(errorType string)
	TrackBytes(isWrite bool, bytes uint64)
	TrackMemTableSize(size uint64)
	TrackFlush()
	TrackVacuumPass()
	TrackSlotsReclaimed(count uint64)
	TrackBlockCompressed()

	StartRecovery() time.Time
	FinishRecovery(start time.Time, entriesReplayed, entriesDiscarded uint64)

	GetStats() map[string]interface{}
}

// AtomicCollector provides centralized statistics collection with minimal
// contention using atomic operations for thread safety.
type AtomicCollector struct {
	counts   map[OperationType]*atomic.Uint64
	countsMu sync.RWMutex // Only used when creating new counter entries

	errors   map[string]*atomic.Uint64
	errorsMu sync.RWMutex // Only used when creating new error entries

	memTableSize      atomic.Uint64
	totalBytesRead    atomic.Uint64
	totalBytesWritten atomic.Uint64

	flushCount       atomic.Uint64
	vacuumPassCount  atomic.Uint64
	slotsReclaimed   atomic.Uint64
	blocksCompressed atomic.Uint64

	recoveryEntriesReplayed  atomic.Uint64
	recoveryEntriesDiscarded atomic.Uint64
	recoveryDurationNanos    atomic.Int64
}

// NewCollector creates a new statistics collector
func NewCollector() *AtomicCollector {
	return &AtomicCollector{
		counts: make(map[OperationType]*atomic.Uint64),
		errors: make(map[string]*atomic.Uint64),
	}
}

// TrackOperation increments the counter for the specified operation type
func (c *AtomicCollector) TrackOperation(op OperationType) {
	c.getOrCreateCounter(op).Add(1)
}

// TrackError increments the counter for the specified error type
func (c *AtomicCollector) TrackError(errorType string) {
	c.errorsMu.RLock()
	counter, exists := c.errors[errorType]
	c.errorsMu.RUnlock()

	if !exists {
		c.errorsMu.Lock()
		if counter, exists = c.errors[errorType]; !exists {
			counter = &atomic.Uint64{}
			c.errors[errorType] = counter
		}
		c.errorsMu.Unlock()
	}

	counter.Add(1)
}

// TrackBytes adds the given number of bytes to the read or write totals
func (c *AtomicCollector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.totalBytesWritten.Add(bytes)
	} else {
		c.totalBytesRead.Add(bytes)
	}
}

// TrackMemTableSize records the current memtable size estimate
func (c *AtomicCollector) TrackMemTableSize(size uint64) {
	c.memTableSize.Store(size)
}

// TrackFlush increments the flush counter
func (c *AtomicCollector) TrackFlush() {
	c.flushCount.Add(1)
}

// TrackVacuumPass increments the vacuum pass counter
func (c *AtomicCollector) TrackVacuumPass() {
	c.vacuumPassCount.Add(1)
}

// TrackSlotsReclaimed adds to the count of slots freed by vacuum
func (c *AtomicCollector) TrackSlotsReclaimed(count uint64) {
	c.slotsReclaimed.Add(count)
}

// TrackBlockCompressed increments the compressed block counter
func (c *AtomicCollector) TrackBlockCompressed() {
	c.blocksCompressed.Add(1)
}

// StartRecovery marks the beginning of WAL recovery
func (c *AtomicCollector) StartRecovery() time.Time {
	return time.Now()
}

// FinishRecovery records the outcome of WAL recovery
func (c *AtomicCollector) FinishRecovery(start time.Time, entriesReplayed, entriesDiscarded uint64) {
	c.recoveryEntriesReplayed.Store(entriesReplayed)
	c.recoveryEntriesDiscarded.Store(entriesDiscarded)
	c.recoveryDurationNanos.Store(time.Since(start).Nanoseconds())
}

// GetStats returns a snapshot of all collected statistics
func (c *AtomicCollector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	c.countsMu.RLock()
	for op, counter := range c.counts {
		stats["ops_"+string(op)] = counter.Load()
	}
	c.countsMu.RUnlock()

	c.errorsMu.RLock()
	for errType, counter := range c.errors {
		stats["errors_"+errType] = counter.Load()
	}
	c.errorsMu.RUnlock()

	stats["memtable_size"] = c.memTableSize.Load()
	stats["total_bytes_read"] = c.totalBytesRead.Load()
	stats["total_bytes_written"] = c.totalBytesWritten.Load()
	stats["flush_count"] = c.flushCount.Load()
	stats["vacuum_pass_count"] = c.vacuumPassCount.Load()
	stats["slots_reclaimed"] = c.slotsReclaimed.Load()
	stats["blocks_compressed"] = c.blocksCompressed.Load()
	stats["recovery_entries_replayed"] = c.recoveryEntriesReplayed.Load()
	stats["recovery_entries_discarded"] = c.recoveryEntriesDiscarded.Load()
	stats["recovery_duration_ns"] = c.recoveryDurationNanos.Load()

	return stats
}

func (c *AtomicCollector) getOrCreateCounter(op OperationType) *atomic.Uint64 {
	c.countsMu.RLock()
	counter, exists := c.counts[op]
	c.countsMu.RUnlock()

	if !exists {
		c.countsMu.Lock()
		if counter, exists = c.counts[op]; !exists {
			counter = &atomic.Uint64{}
			c.counts[op] = counter
		}
		c.countsMu.Unlock()
	}

	return counter
}
