package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/flintdb/flint/pkg/heap"
	"github.com/flintdb/flint/pkg/memtable"
	"github.com/flintdb/flint/pkg/stats"
	"github.com/flintdb/flint/pkg/wal"
)

// maybeFlush rotates the active memtable once it crosses the flush threshold
// and hands the pending queue to the background flusher. The writer blocks
// only when the backlog reaches the backpressure limit.
func (e *Engine) maybeFlush(ts *tableState) error {
	ts.mu.RLock()
	full := ts.active.Size() >= e.cfg.MemTableFlushBytes
	ts.mu.RUnlock()
	if !full {
		return nil
	}

	e.rotate(ts)

	select {
	case e.flushC <- ts:
	default:
		// The flusher's queue is saturated; flush inline rather than drop
		// the signal.
		return e.flushPending(ts)
	}

	limit := 2 * e.cfg.FlushBacklogThreshold
	ts.mu.Lock()
	for len(ts.pending) > limit && !e.closed.Load() {
		ts.flushed.Wait()
	}
	ts.mu.Unlock()
	return nil
}

// flushLoop drains flush requests in the background until the engine closes.
func (e *Engine) flushLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ts := <-e.flushC:
			if err := e.flushPending(ts); err != nil {
				e.logger.Error("background flush of table %q failed: %v", ts.meta.Name, err)
			}
		}
	}
}

func (e *Engine) stopFlusher() {
	if e.flushCancel == nil {
		return
	}
	e.flushCancel()
	_ = e.flushGroup.Wait()
	e.flushCancel = nil

	// Wake writers held at the backpressure limit; they re-check closed.
	e.mu.RLock()
	for _, ts := range e.tables {
		ts.mu.Lock()
		ts.flushed.Broadcast()
		ts.mu.Unlock()
	}
	e.mu.RUnlock()
}

// FlushTable forces a flush of everything buffered for the table.
func (e *Engine) FlushTable(table string) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	ts, err := e.table(table)
	if err != nil {
		return err
	}

	ts.writeMu.Lock()
	defer ts.writeMu.Unlock()
	return e.flushTableLocked(ts)
}

// FlushAll forces a flush of every table.
func (e *Engine) FlushAll() error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	return e.flushAllTables()
}

func (e *Engine) flushAllTables() error {
	e.mu.RLock()
	tables := make([]*tableState, 0, len(e.tables))
	for _, ts := range e.tables {
		tables = append(tables, ts)
	}
	e.mu.RUnlock()

	for _, ts := range tables {
		ts.writeMu.Lock()
		err := e.flushTableLocked(ts)
		ts.writeMu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) flushTableLocked(ts *tableState) error {
	ts.mu.RLock()
	hasBuffered := ts.active.Count() > 0
	ts.mu.RUnlock()
	if hasBuffered {
		e.rotate(ts)
	}
	return e.flushPending(ts)
}

// rotate freezes the active memtable onto the pending queue.
func (e *Engine) rotate(ts *tableState) {
	ts.mu.Lock()
	ts.active.SetImmutable()
	ts.pending = append(ts.pending, ts.active)
	ts.active = memtable.NewMemTable()
	size := int64(0)
	for _, mt := range ts.pending {
		size += mt.Size()
	}
	ts.mu.Unlock()
	e.stats.TrackMemTableSize(uint64(size))
}

// flushPending drains the pending memtables into the heap and checkpoints
// the WAL. Flushes of one table are serialized by flushMu; writers keep
// appending to the fresh active memtable meanwhile. Routing: a deep backlog
// is written as freshly appended blocks at block granularity; a shallow one
// is merged into the vacuum scheduler's preferred segment with page-granular
// writes.
func (e *Engine) flushPending(ts *tableState) error {
	ts.flushMu.Lock()
	defer ts.flushMu.Unlock()
	defer func() {
		ts.mu.Lock()
		ts.flushed.Broadcast()
		ts.mu.Unlock()
	}()

	ts.mu.Lock()
	pendings := ts.pending
	ts.pending = nil
	ts.mu.Unlock()
	if len(pendings) == 0 {
		return nil
	}

	// Collapse the queue: the newest buffered version of each key wins.
	merged := make(map[uint64]memtable.Entry)
	maxSeq := uint64(0)
	for _, mt := range pendings {
		for _, entry := range mt.Drain() {
			merged[entry.Key] = entry
		}
		if s := mt.MaxSeq(); s > maxSeq {
			maxSeq = s
		}
	}

	keys := make([]uint64, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var err error
	if len(pendings) > e.cfg.FlushBacklogThreshold {
		err = e.flushAppend(ts, merged, keys)
	} else {
		err = e.flushMerge(ts, merged, keys)
	}
	if err != nil {
		// Re-queue so nothing buffered is lost; the WAL still covers it.
		ts.mu.Lock()
		ts.pending = append(pendings, ts.pending...)
		ts.mu.Unlock()
		return err
	}

	// The heap must be durable before the checkpoint claims it is.
	if err := e.heap.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrDurability, err)
	}
	if err := e.wal.AppendCheckpoint(ts.meta.ID, maxSeq); err != nil {
		return fmt.Errorf("%w: %v", ErrDurability, err)
	}

	e.stats.TrackFlush()
	e.stats.TrackOperation(stats.OpFlush)
	e.logger.Debug("flushed %d keys of table %q through sequence %d", len(keys), ts.meta.Name, maxSeq)
	return nil
}

// flushTombstone retires a deleted key. A never-flushed key drops out of the
// index; a flushed head still live (the write path's mark-dead can race a
// concurrent flush installing a newer head) is stamped dead at the
// tombstone's sequence. The dead head stays reachable through chains until
// vacuum reclaims it.
func (e *Engine) flushTombstone(ts *tableState, entry memtable.Entry) {
	loc, ok := ts.indexes.Primary.Get(entry.Key)
	if !ok {
		return
	}
	if loc == heap.NoLocation {
		ts.indexes.Primary.Delete(entry.Key)
		return
	}
	hdr, _, err := e.heap.ReadVersion(loc)
	if err != nil || hdr.Key != entry.Key {
		// The head slot was reclaimed and possibly reused for another key;
		// the stale index entry must not survive.
		ts.indexes.Primary.Delete(entry.Key)
		return
	}
	if hdr.Xmax == 0 {
		if err := e.heap.MarkDead(loc, entry.Seq); err != nil {
			e.logger.Warn("failed to retire deleted key %d: %v", entry.Key, err)
		}
	}
}

// chainPrev resolves the flushed head a new version of key chains behind.
// A head whose slot was reclaimed since it was indexed yields NoLocation:
// linking to it would point the new version at garbage, or at its own slot
// if the allocator hands the reclaimed slot right back. A head the write
// path did not get to stamp is marked dead here, superseded at seq.
func (e *Engine) chainPrev(ts *tableState, key, seq uint64) heap.Location {
	loc, ok := ts.indexes.Primary.Get(key)
	if !ok || loc == heap.NoLocation {
		return heap.NoLocation
	}
	hdr, _, err := e.heap.ReadVersion(loc)
	if err != nil || hdr.Key != key {
		return heap.NoLocation
	}
	if hdr.Xmax == 0 {
		if err := e.heap.MarkDead(loc, seq); err != nil {
			e.logger.Warn("failed to retire superseded version of key %d: %v", key, err)
		}
	}
	return loc
}

// flushMerge writes versions one slot at a time, preferring the segment the
// vacuum scheduler nominated.
func (e *Engine) flushMerge(ts *tableState, merged map[uint64]memtable.Entry, keys []uint64) error {
	target, ok := e.vacuum.NextTarget(ts.meta.ID)
	if !ok {
		target = heap.NoSegment
	}

	for _, key := range keys {
		entry := merged[key]
		if entry.Tombstone {
			e.flushTombstone(ts, entry)
			continue
		}

		hdr := heap.TupleHeader{Xmin: entry.Seq, Key: key, Prev: e.chainPrev(ts, key, entry.Seq)}
		loc, err := e.heap.InsertVersion(ts.meta.ID, ts.slotSize, target, hdr, entry.Row)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCapacity, err)
		}
		ts.indexes.Primary.Put(key, loc)
	}
	return nil
}

// flushAppend writes versions as freshly appended blocks, the sequential
// path for a backlogged table.
func (e *Engine) flushAppend(ts *tableState, merged map[uint64]memtable.Entry, keys []uint64) error {
	versions := make([]heap.Version, 0, len(keys))
	versionKeys := make([]uint64, 0, len(keys))
	for _, key := range keys {
		entry := merged[key]
		if entry.Tombstone {
			e.flushTombstone(ts, entry)
			continue
		}
		versions = append(versions, heap.Version{
			Hdr: heap.TupleHeader{Xmin: entry.Seq, Key: key, Prev: e.chainPrev(ts, key, entry.Seq)},
			Row: entry.Row,
		})
		versionKeys = append(versionKeys, key)
	}

	locs, err := e.heap.AppendVersions(ts.meta.ID, ts.slotSize, versions)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCapacity, err)
	}
	for i, key := range versionKeys {
		ts.indexes.Primary.Put(key, locs[i])
	}
	return nil
}

// Checkpoint flushes every table and rotates to a fresh WAL file, deleting
// the files the checkpoint made obsolete. All writers are held off for the
// duration so no append lands in a file about to be rotated away. Tables
// are locked in ID order so concurrent checkpoints cannot deadlock.
func (e *Engine) Checkpoint() error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	e.mu.RLock()
	tables := make([]*tableState, 0, len(e.tables))
	for _, ts := range e.tables {
		tables = append(tables, ts)
	}
	e.mu.RUnlock()
	sort.Slice(tables, func(i, j int) bool { return tables[i].meta.ID < tables[j].meta.ID })

	for _, ts := range tables {
		ts.writeMu.Lock()
		defer ts.writeMu.Unlock()
	}

	for _, ts := range tables {
		if err := e.flushTableLocked(ts); err != nil {
			return err
		}
	}

	nextSeq := e.wal.NextSequence()
	if err := e.wal.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrDurability, err)
	}

	w, err := wal.NewWAL(e.cfg, e.cfg.WALDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDurability, err)
	}
	w.UpdateNextSequence(nextSeq)
	e.wal = w

	if err := wal.RemoveWALFilesBefore(e.cfg.WALDir, w.Path()); err != nil {
		e.logger.Warn("failed to remove obsolete WAL files: %v", err)
	}

	e.stats.TrackOperation(stats.OpCheckpoint)
	e.logger.Info("checkpoint complete, WAL rotated")
	return nil
}
