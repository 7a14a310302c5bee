// Package index holds the in-memory indexes: the primary key indirection map
// pointing at the newest version of each key, and secondary equality indexes
// from column values to primary keys. Both are rebuilt on startup; neither is
// persisted.
package index

import (
	"sort"
	"sync"

	"github.com/zhangyunhao116/skipmap"

	"github.com/flintdb/flint/pkg/heap"
)

// Primary maps each live primary key to the heap location of its newest
// version. A key whose newest version is still buffered in the memtable maps
// to heap.NoLocation until the flush assigns a physical slot. Older versions
// are reached through the per-version chain, never through the index.
type Primary struct {
	m *skipmap.FuncMap[uint64, heap.Location]
}

// NewPrimary creates an empty primary index.
func NewPrimary() *Primary {
	return &Primary{
		m: skipmap.NewFunc[uint64, heap.Location](func(a, b uint64) bool {
			return a < b
		}),
	}
}

// Put points the key at the heap location of its newest version.
func (p *Primary) Put(key uint64, loc heap.Location) {
	p.m.Store(key, loc)
}

// Get returns the newest-version location for the key.
func (p *Primary) Get(key uint64) (heap.Location, bool) {
	return p.m.Load(key)
}

// Delete removes the key. Called when a delete is flushed; the dead versions
// stay reachable on disk for older snapshots via recovery-time chains.
func (p *Primary) Delete(key uint64) {
	p.m.Delete(key)
}

// Len returns the number of live keys.
func (p *Primary) Len() int {
	return p.m.Len()
}

// Range visits keys in ascending order. Return false from fn to stop.
func (p *Primary) Range(fn func(key uint64, loc heap.Location) bool) {
	p.m.Range(fn)
}

// Secondary is an equality index from a column value (as a fixed 64-bit
// index key) to the set of primary keys holding it. It is maintained at
// write time, before versions flush, so lookups never depend on flush state.
type Secondary struct {
	Column string

	mu sync.RWMutex
	m  map[uint64]map[uint64]struct{}
}

// NewSecondary creates an empty secondary index over the named column.
func NewSecondary(column string) *Secondary {
	return &Secondary{
		Column: column,
		m:      make(map[uint64]map[uint64]struct{}),
	}
}

// Add records that pk currently holds the value.
func (s *Secondary) Add(value, pk uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.m[value]
	if !ok {
		set = make(map[uint64]struct{})
		s.m[value] = set
	}
	set[pk] = struct{}{}
}

// Remove drops pk from the value's set.
func (s *Secondary) Remove(value, pk uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.m[value]
	if !ok {
		return
	}
	delete(set, pk)
	if len(set) == 0 {
		delete(s.m, value)
	}
}

// Lookup returns the primary keys currently holding the value, sorted.
func (s *Secondary) Lookup(value uint64) []uint64 {
	s.mu.RLock()
	set := s.m[value]
	pks := make([]uint64, 0, len(set))
	for pk := range set {
		pks = append(pks, pk)
	}
	s.mu.RUnlock()

	sort.Slice(pks, func(i, j int) bool { return pks[i] < pks[j] })
	return pks
}

// TableIndexes bundles one table's primary index with its secondary indexes.
type TableIndexes struct {
	Primary *Primary

	mu        sync.RWMutex
	secondary map[string]*Secondary // by index name
}

// NewTableIndexes creates the index set for one table.
func NewTableIndexes() *TableIndexes {
	return &TableIndexes{
		Primary:   NewPrimary(),
		secondary: make(map[string]*Secondary),
	}
}

// AddSecondary registers a secondary index under the given name. Returns
// false when the name is taken.
func (t *TableIndexes) AddSecondary(name, column string) (*Secondary, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.secondary[name]; exists {
		return nil, false
	}
	idx := NewSecondary(column)
	t.secondary[name] = idx
	return idx, true
}

// Secondary returns the named secondary index.
func (t *TableIndexes) Secondary(name string) (*Secondary, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.secondary[name]
	return idx, ok
}

// Secondaries returns all secondary indexes for write-time maintenance.
func (t *TableIndexes) Secondaries() []*Secondary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Secondary, 0, len(t.secondary))
	for _, idx := range t.secondary {
		out = append(out, idx)
	}
	return out
}
