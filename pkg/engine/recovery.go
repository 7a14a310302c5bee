package engine

import (
	"github.com/flintdb/flint/pkg/heap"
	"github.com/flintdb/flint/pkg/wal"
)

// recover rebuilds the in-memory state on open: the primary and secondary
// indexes from a heap scan, then the memtables from the WAL records not yet
// covered by a per-table checkpoint.
func (e *Engine) recover() error {
	start := e.stats.StartRecovery()

	byID := make(map[uint32]*tableState, len(e.tables))
	for _, ts := range e.tables {
		byID[ts.meta.ID] = ts
	}

	// Heap scan: live versions (xmax == 0) become index heads; dead versions
	// stay reachable only through version chains.
	for _, ts := range e.tables {
		ts := ts
		err := e.heap.ScanTable(ts.meta.ID, func(loc heap.Location, hdr heap.TupleHeader, row []byte) error {
			if hdr.Xmax != 0 {
				return nil
			}
			ts.indexes.Primary.Put(hdr.Key, loc)
			e.addSecondaryEntries(ts, hdr.Key, row)
			return nil
		})
		if err != nil {
			return corruptionWrapped(err)
		}
	}

	// WAL replay. Replay halts at the first torn or corrupt record; records
	// after the halt point are discarded, never trusted.
	var entries []*wal.Entry
	flushedSeq := make(map[uint32]uint64)
	maxSeq := uint64(0)

	recStats, err := wal.ReplayWALDir(e.cfg.WALDir, func(entry *wal.Entry) error {
		if entry.SequenceNumber > maxSeq {
			maxSeq = entry.SequenceNumber
		}
		if entry.Type == wal.OpTypeCheckpoint {
			if entry.FlushedSeq > flushedSeq[entry.TableID] {
				flushedSeq[entry.TableID] = entry.FlushedSeq
			}
			return nil
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return err
	}
	if recStats.TailDiscarded {
		e.logger.Warn("WAL replay halted at a corrupt record; tail discarded after %d entries", recStats.EntriesReplayed)
		e.stats.TrackError("wal_tail_discarded")
	}

	replayed := uint64(0)
	for _, entry := range entries {
		ts, ok := byID[entry.TableID]
		if !ok {
			// A record for a table the catalog no longer knows; skip it.
			continue
		}
		// Records at or below the table's checkpoint are already in the heap.
		if entry.SequenceNumber <= flushedSeq[entry.TableID] {
			continue
		}
		if err := e.replayEntry(ts, entry); err != nil {
			return err
		}
		replayed++
	}

	// Continue the sequence where the log left off.
	w, err := wal.ReuseWAL(e.cfg, e.cfg.WALDir, maxSeq+1)
	if err != nil {
		return err
	}
	if w == nil {
		w, err = wal.NewWAL(e.cfg, e.cfg.WALDir)
		if err != nil {
			return err
		}
		w.UpdateNextSequence(maxSeq + 1)
	}
	e.wal = w

	e.stats.FinishRecovery(start, replayed, uint64(len(e.tables)))
	if replayed > 0 {
		e.logger.Info("recovery replayed %d WAL entries", replayed)
	}
	return nil
}

// replayEntry reapplies one uncheckpointed WAL record to the write buffers,
// mirroring the original write path without re-logging.
func (e *Engine) replayEntry(ts *tableState, entry *wal.Entry) error {
	seq := entry.SequenceNumber

	switch entry.Type {
	case wal.OpTypeInsert:
		e.applyInsert(ts, entry.Key, entry.Row, seq)

	case wal.OpTypeUpdate:
		// The mark-dead of the superseded version may not have reached the
		// heap before the crash; reapply it. It only stamps live versions.
		if err := e.markFlushedDead(ts, entry.Key, seq); err != nil {
			return err
		}
		if oldRow, found := e.readRow(ts, entry.Key, seq-1); found {
			e.dropSecondaryEntries(ts, entry.Key, oldRow)
		}
		e.applyInsert(ts, entry.Key, entry.Row, seq)

	case wal.OpTypeDelete:
		if err := e.markFlushedDead(ts, entry.Key, seq); err != nil {
			return err
		}
		if oldRow, found := e.readRow(ts, entry.Key, seq-1); found {
			e.dropSecondaryEntries(ts, entry.Key, oldRow)
		}
		ts.active.Delete(entry.Key, seq)
	}
	return nil
}
