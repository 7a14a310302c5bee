// Package memtable buffers per-table writes between WAL append and heap
// flush. Each table has one active memtable; full memtables rotate onto an
// immutable pending queue until a flush drains them.
package memtable

import (
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"
)

// Entry is one buffered write. For a given key only the latest pending
// version is kept; earlier buffered versions are overwritten in place.
type Entry struct {
	Key       uint64
	Row       []byte
	Seq       uint64
	Tombstone bool
}

// entrySize is the buffered byte cost of an entry: key, sequence, flags, and
// the row payload.
func entrySize(e Entry) int64 {
	return 8 + 8 + 1 + int64(len(e.Row))
}

// MemTable is a sorted write buffer for a single table.
type MemTable struct {
	data      *skipmap.FuncMap[uint64, Entry]
	size      atomic.Int64
	maxSeq    atomic.Uint64
	immutable atomic.Bool
}

// NewMemTable creates an empty memtable.
func NewMemTable() *MemTable {
	return &MemTable{
		data: skipmap.NewFunc[uint64, Entry](func(a, b uint64) bool {
			return a < b
		}),
	}
}

// Put buffers an insert or update.
func (m *MemTable) Put(key uint64, row []byte, seq uint64) {
	m.store(Entry{Key: key, Row: row, Seq: seq})
}

// Delete buffers a tombstone for the key.
func (m *MemTable) Delete(key uint64, seq uint64) {
	m.store(Entry{Key: key, Seq: seq, Tombstone: true})
}

func (m *MemTable) store(e Entry) {
	if prev, ok := m.data.Load(e.Key); ok {
		m.size.Add(-entrySize(prev))
	}
	m.data.Store(e.Key, e)
	m.size.Add(entrySize(e))

	for {
		cur := m.maxSeq.Load()
		if e.Seq <= cur || m.maxSeq.CompareAndSwap(cur, e.Seq) {
			break
		}
	}
}

// Get returns the buffered entry for key, if any.
func (m *MemTable) Get(key uint64) (Entry, bool) {
	return m.data.Load(key)
}

// Size returns the approximate buffered byte size.
func (m *MemTable) Size() int64 {
	return m.size.Load()
}

// Count returns the number of buffered keys.
func (m *MemTable) Count() int {
	return m.data.Len()
}

// MaxSeq returns the highest sequence number buffered so far. A flush that
// drains this memtable checkpoints the WAL at this sequence.
func (m *MemTable) MaxSeq() uint64 {
	return m.maxSeq.Load()
}

// SetImmutable freezes the memtable ahead of a flush. Writes after this are
// a programming error; the engine routes them to the new active table.
func (m *MemTable) SetImmutable() {
	m.immutable.Store(true)
}

// IsImmutable reports whether the memtable has been frozen.
func (m *MemTable) IsImmutable() bool {
	return m.immutable.Load()
}

// Range visits buffered entries in ascending key order. Return false from fn
// to stop early.
func (m *MemTable) Range(fn func(e Entry) bool) {
	m.data.Range(func(_ uint64, e Entry) bool {
		return fn(e)
	})
}

// Drain returns all buffered entries in ascending key order.
func (m *MemTable) Drain() []Entry {
	entries := make([]Entry, 0, m.data.Len())
	m.data.Range(func(_ uint64, e Entry) bool {
		entries = append(entries, e)
		return true
	})
	return entries
}
