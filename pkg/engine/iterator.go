package engine

import (
	"github.com/flintdb/flint/pkg/heap"
	"github.com/flintdb/flint/pkg/mvcc"
	"github.com/flintdb/flint/pkg/stats"
)

// Iterator walks the rows of one table in ascending primary key order, as of
// the snapshot the scan was started with. Rows are resolved and decoded one
// at a time as Next advances; only the key list is captured up front.
type Iterator struct {
	eng  *Engine
	ts   *tableState
	snap *mvcc.Snapshot
	// owned marks a snapshot acquired by Scan itself; it is released when
	// the iterator is closed or exhausted.
	owned bool

	keys []uint64
	pos  int
	row  []interface{}
	err  error
	done bool
}

// Next advances to the next visible row. Returns false when the scan is
// exhausted or a row failed to decode; Err distinguishes the two.
func (it *Iterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	for it.pos < len(it.keys) {
		key := it.keys[it.pos]
		it.pos++

		row, found := it.eng.readRow(it.ts, key, it.snap.Sequence())
		if !found {
			continue
		}
		values, err := it.ts.meta.Schema.DecodeRow(row)
		if err != nil {
			it.err = err
			it.finish()
			return false
		}
		it.row = values
		return true
	}
	it.finish()
	return false
}

// Row returns the current row's decoded values. Valid only after a true Next.
func (it *Iterator) Row() []interface{} {
	return it.row
}

// Err returns the first error the scan hit, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Close releases the iterator's snapshot if the scan owns one. Safe to call
// more than once and after exhaustion.
func (it *Iterator) Close() {
	it.finish()
}

func (it *Iterator) finish() {
	if it.done {
		return
	}
	it.done = true
	it.row = nil
	if it.owned {
		it.snap.Release()
	}
}

// Scan returns an iterator over the table as seen by a fresh snapshot. The
// snapshot is held until the iterator is closed or exhausted.
func (e *Engine) Scan(table string) (*Iterator, error) {
	snap := e.Begin()
	it, err := e.ScanAt(table, snap)
	if err != nil {
		snap.Release()
		return nil, err
	}
	it.owned = true
	return it, nil
}

// ScanAt returns an iterator over the table as seen by the given snapshot.
// Every key visible at the snapshot appears exactly once, resolved to the
// single version the snapshot can see. The caller keeps ownership of the
// snapshot and must hold it open for the iterator's lifetime.
func (e *Engine) ScanAt(table string, snap *mvcc.Snapshot) (*Iterator, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	ts, err := e.table(table)
	if err != nil {
		return nil, err
	}

	e.stats.TrackOperation(stats.OpScan)

	// The primary index covers every key with a flushed or buffered version;
	// visibility settles lazily per key as the iterator advances.
	var keys []uint64
	ts.indexes.Primary.Range(func(key uint64, _ heap.Location) bool {
		keys = append(keys, key)
		return true
	})
	return &Iterator{eng: e, ts: ts, snap: snap, keys: keys}, nil
}
