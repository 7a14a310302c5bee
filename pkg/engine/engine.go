// Package engine ties the storage layers together behind a single facade:
// WAL-first writes into per-table memtables, snapshot reads over memtables
// and the segmented heap, and background vacuum.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flintdb/flint/pkg/catalog"
	"github.com/flintdb/flint/pkg/common/log"
	"github.com/flintdb/flint/pkg/config"
	"github.com/flintdb/flint/pkg/heap"
	"github.com/flintdb/flint/pkg/heap/compress"
	"github.com/flintdb/flint/pkg/index"
	"github.com/flintdb/flint/pkg/memtable"
	"github.com/flintdb/flint/pkg/mvcc"
	"github.com/flintdb/flint/pkg/stats"
	"github.com/flintdb/flint/pkg/vacuum"
	"github.com/flintdb/flint/pkg/wal"
)

// tableState is the per-table runtime: the write buffer stack, the indexes,
// and the single-writer lock.
type tableState struct {
	meta     *catalog.Table
	slotSize uint32

	// writeMu enforces the single-writer discipline per table.
	writeMu sync.Mutex

	// flushMu serializes flushes of this table, foreground or background.
	flushMu sync.Mutex

	// mu guards active and pending; flushed signals a completed flush to
	// writers held at the backpressure limit.
	mu      sync.RWMutex
	flushed *sync.Cond
	active  *memtable.MemTable
	pending []*memtable.MemTable // immutable, oldest first

	indexes *index.TableIndexes
}

// Engine is the storage engine facade.
type Engine struct {
	cfg    *config.Config
	dbDir  string
	logger log.Logger
	stats  stats.Collector

	catalog  *catalog.Catalog
	wal      *wal.WAL
	heap     *heap.Heap
	registry *mvcc.Registry
	vacuum   *vacuum.Scheduler

	mu     sync.RWMutex
	tables map[string]*tableState

	// flushC hands rotated memtable queues to the background flusher.
	flushC      chan *tableState
	flushCancel context.CancelFunc
	flushGroup  *errgroup.Group

	closed atomic.Bool
}

// Open opens (or creates) a database directory with its persisted manifest,
// falling back to defaults for a fresh directory.
func Open(dbDir string) (*Engine, error) {
	cfg, err := config.LoadConfigFromManifest(dbDir)
	if err != nil {
		if !errors.Is(err, config.ErrManifestNotFound) {
			return nil, err
		}
		cfg = config.NewDefaultConfig(dbDir)
		if err := cfg.SaveManifest(dbDir); err != nil {
			return nil, err
		}
	}
	return OpenWithConfig(dbDir, cfg)
}

// OpenWithConfig opens a database directory with an explicit configuration.
func OpenWithConfig(dbDir string, cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	logger := log.GetDefaultLogger()
	collector := stats.NewCollector()

	cat, err := catalog.LoadCatalog(dbDir)
	if err != nil {
		return nil, err
	}

	codec, err := compress.ParseCodec(cfg.CompressionCodec)
	if err != nil {
		return nil, err
	}
	h, err := heap.Open(cfg.HeapFile, codec, cfg.CompressionHeadroom, logger)
	if err != nil {
		return nil, corruptionWrapped(err)
	}

	e := &Engine{
		cfg:      cfg,
		dbDir:    dbDir,
		logger:   logger,
		stats:    collector,
		catalog:  cat,
		heap:     h,
		registry: mvcc.NewRegistry(),
		tables:   make(map[string]*tableState),
	}

	for _, name := range cat.TableNames() {
		tbl, err := cat.GetTable(name)
		if err != nil {
			h.Close()
			return nil, err
		}
		e.tables[name] = newTableState(tbl)
	}

	if err := e.recover(); err != nil {
		h.Close()
		return nil, err
	}

	e.flushC = make(chan *tableState, 64)
	ctx, cancel := context.WithCancel(context.Background())
	e.flushCancel = cancel
	e.flushGroup, ctx = errgroup.WithContext(ctx)
	e.flushGroup.Go(func() error {
		e.flushLoop(ctx)
		return nil
	})

	e.vacuum = vacuum.NewScheduler(
		h, e.registry, e.latestSeq,
		time.Duration(cfg.VacuumIntervalSecs)*time.Second,
		cfg.VacuumMinFreeFraction,
		logger, collector,
	)
	e.vacuum.Start()

	logger.Info("engine opened at %s: %d tables", dbDir, len(e.tables))
	return e, nil
}

func newTableState(tbl *catalog.Table) *tableState {
	ts := &tableState{
		meta:     tbl,
		slotSize: uint32(heap.TupleHeaderSize + tbl.Schema.RowSize()),
		active:   memtable.NewMemTable(),
		indexes:  index.NewTableIndexes(),
	}
	ts.flushed = sync.NewCond(&ts.mu)
	for _, def := range tbl.Indexes {
		ts.indexes.AddSecondary(def.Name, def.Column)
	}
	return ts
}

// corruptionWrapped maps checksum and framing failures from the storage
// layers onto the engine's corruption sentinel.
func corruptionWrapped(err error) error {
	if errors.Is(err, heap.ErrCorruptSegment) || errors.Is(err, compress.ErrCorruptBlock) {
		return fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	return err
}

// latestSeq is the sequence of the most recent WAL append.
func (e *Engine) latestSeq() uint64 {
	return e.wal.NextSequence() - 1
}

func (e *Engine) table(name string) (*tableState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ts, ok := e.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", catalog.ErrTableNotFound, name)
	}
	return ts, nil
}

// CreateTable registers a new table and persists the catalog.
func (e *Engine) CreateTable(name string, schema catalog.Schema) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	// A tuple version must fit in one page slot.
	if heap.TupleHeaderSize+schema.RowSize() > heap.MaxSlotSize {
		return fmt.Errorf("%w: row size %d exceeds the page slot capacity of %d bytes",
			ErrCapacity, schema.RowSize(), heap.MaxSlotSize-heap.TupleHeaderSize)
	}

	tbl, err := e.catalog.CreateTable(name, schema)
	if err != nil {
		return err
	}
	if err := e.catalog.Save(); err != nil {
		return err
	}

	e.mu.Lock()
	e.tables[name] = newTableState(tbl)
	e.mu.Unlock()

	e.logger.Info("created table %q (id %d)", name, tbl.ID)
	return nil
}

// Tables returns the names of all tables.
func (e *Engine) Tables() []string {
	return e.catalog.TableNames()
}

// Schema returns the schema of the named table.
func (e *Engine) Schema(name string) (*catalog.Schema, error) {
	tbl, err := e.catalog.GetTable(name)
	if err != nil {
		return nil, err
	}
	return &tbl.Schema, nil
}

// Insert adds a new row. The key must not have a currently visible version.
func (e *Engine) Insert(table string, values []interface{}) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	ts, err := e.table(table)
	if err != nil {
		return err
	}

	row, err := ts.meta.Schema.EncodeRow(values)
	if err != nil {
		return err
	}
	key, err := ts.meta.Schema.PrimaryKey(values)
	if err != nil {
		return err
	}

	ts.writeMu.Lock()
	defer ts.writeMu.Unlock()

	if _, found := e.readRow(ts, key, e.latestSeq()); found {
		return fmt.Errorf("%w: table %q key %d", ErrDuplicateKey, table, key)
	}

	seq, err := e.wal.Append(wal.OpTypeInsert, ts.meta.ID, key, row)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDurability, err)
	}

	e.applyInsert(ts, key, row, seq)
	e.stats.TrackOperation(stats.OpInsert)
	e.stats.TrackBytes(true, uint64(len(row)))
	return e.maybeFlush(ts)
}

// Update replaces the row for an existing key with a new version.
func (e *Engine) Update(table string, values []interface{}) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	ts, err := e.table(table)
	if err != nil {
		return err
	}

	row, err := ts.meta.Schema.EncodeRow(values)
	if err != nil {
		return err
	}
	key, err := ts.meta.Schema.PrimaryKey(values)
	if err != nil {
		return err
	}

	ts.writeMu.Lock()
	defer ts.writeMu.Unlock()

	oldRow, found := e.readRow(ts, key, e.latestSeq())
	if !found {
		return fmt.Errorf("%w: table %q key %d", ErrNotFound, table, key)
	}

	seq, err := e.wal.Append(wal.OpTypeUpdate, ts.meta.ID, key, row)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDurability, err)
	}

	// The superseded flushed version dies at this sequence. A superseded
	// buffered version is simply overwritten: latest pending version wins.
	if err := e.markFlushedDead(ts, key, seq); err != nil {
		return err
	}

	e.dropSecondaryEntries(ts, key, oldRow)
	e.applyInsert(ts, key, row, seq)
	e.stats.TrackOperation(stats.OpUpdate)
	e.stats.TrackBytes(true, uint64(len(row)))
	return e.maybeFlush(ts)
}

// Delete removes the row for key, leaving dead versions for older snapshots
// until vacuum reclaims them.
func (e *Engine) Delete(table string, key int64) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	ts, err := e.table(table)
	if err != nil {
		return err
	}
	k := uint64(key)

	ts.writeMu.Lock()
	defer ts.writeMu.Unlock()

	oldRow, found := e.readRow(ts, k, e.latestSeq())
	if !found {
		return fmt.Errorf("%w: table %q key %d", ErrNotFound, table, key)
	}

	seq, err := e.wal.Append(wal.OpTypeDelete, ts.meta.ID, k, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDurability, err)
	}

	if err := e.markFlushedDead(ts, k, seq); err != nil {
		return err
	}

	e.dropSecondaryEntries(ts, k, oldRow)

	ts.mu.RLock()
	ts.active.Delete(k, seq)
	ts.mu.RUnlock()

	e.stats.TrackOperation(stats.OpDelete)
	return e.maybeFlush(ts)
}

// applyInsert buffers a new version and updates the indexes. Shared between
// the write path and WAL replay.
func (e *Engine) applyInsert(ts *tableState, key uint64, row []byte, seq uint64) {
	ts.mu.RLock()
	ts.active.Put(key, row, seq)
	ts.mu.RUnlock()

	// A buffered key points nowhere until its flush assigns a slot; keep an
	// already flushed head in place so older versions stay reachable.
	if _, ok := ts.indexes.Primary.Get(key); !ok {
		ts.indexes.Primary.Put(key, heap.NoLocation)
	}
	e.addSecondaryEntries(ts, key, row)
}

// markFlushedDead stamps xmax on the flushed head version of key, if there
// is one and it is still live.
func (e *Engine) markFlushedDead(ts *tableState, key uint64, xmax uint64) error {
	loc, ok := ts.indexes.Primary.Get(key)
	if !ok || loc == heap.NoLocation {
		return nil
	}
	hdr, _, err := e.heap.ReadVersion(loc)
	if err != nil {
		if errors.Is(err, heap.ErrSlotNotInUse) {
			return nil
		}
		return err
	}
	if hdr.Key != key || hdr.Xmax != 0 {
		return nil
	}
	if err := e.heap.MarkDead(loc, xmax); err != nil {
		return fmt.Errorf("failed to mark version dead: %w", err)
	}
	return nil
}

func (e *Engine) addSecondaryEntries(ts *tableState, key uint64, row []byte) {
	secondaries := ts.indexes.Secondaries()
	if len(secondaries) == 0 {
		return
	}
	values, err := ts.meta.Schema.DecodeRow(row)
	if err != nil {
		return
	}
	for _, sec := range secondaries {
		col := ts.meta.Schema.ColumnIndex(sec.Column)
		if col < 0 {
			continue
		}
		if ik, err := catalog.IndexKey(ts.meta.Schema.Columns[col], values[col]); err == nil {
			sec.Add(ik, key)
		}
	}
}

func (e *Engine) dropSecondaryEntries(ts *tableState, key uint64, row []byte) {
	secondaries := ts.indexes.Secondaries()
	if len(secondaries) == 0 || row == nil {
		return
	}
	values, err := ts.meta.Schema.DecodeRow(row)
	if err != nil {
		return
	}
	for _, sec := range secondaries {
		col := ts.meta.Schema.ColumnIndex(sec.Column)
		if col < 0 {
			continue
		}
		if ik, err := catalog.IndexKey(ts.meta.Schema.Columns[col], values[col]); err == nil {
			sec.Remove(ik, key)
		}
	}
}

// Begin acquires a snapshot at the current sequence. The caller must Release
// it; vacuum cannot reclaim versions the snapshot can still see.
func (e *Engine) Begin() *mvcc.Snapshot {
	return e.registry.Acquire(e.latestSeq)
}

// Get returns the row for key as seen by a fresh snapshot.
func (e *Engine) Get(table string, key int64) ([]interface{}, error) {
	snap := e.Begin()
	defer snap.Release()
	return e.GetAt(table, key, snap)
}

// GetAt returns the row for key as seen by the given snapshot.
func (e *Engine) GetAt(table string, key int64, snap *mvcc.Snapshot) ([]interface{}, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	ts, err := e.table(table)
	if err != nil {
		return nil, err
	}

	e.stats.TrackOperation(stats.OpGet)
	row, found := e.readRow(ts, uint64(key), snap.Sequence())
	if !found {
		return nil, fmt.Errorf("%w: table %q key %d", ErrNotFound, table, key)
	}
	e.stats.TrackBytes(false, uint64(len(row)))
	return ts.meta.Schema.DecodeRow(row)
}

// readRow resolves the version of key visible at seq: memtables newest to
// oldest first, then the heap version chain.
func (e *Engine) readRow(ts *tableState, key uint64, seq uint64) ([]byte, bool) {
	ts.mu.RLock()
	memtables := make([]*memtable.MemTable, 0, len(ts.pending)+1)
	memtables = append(memtables, ts.active)
	for i := len(ts.pending) - 1; i >= 0; i-- {
		memtables = append(memtables, ts.pending[i])
	}
	ts.mu.RUnlock()

	for _, mt := range memtables {
		entry, ok := mt.Get(key)
		if !ok || entry.Seq > seq {
			continue
		}
		if entry.Tombstone {
			return nil, false
		}
		return entry.Row, true
	}

	loc, ok := ts.indexes.Primary.Get(key)
	if !ok {
		return nil, false
	}
	return e.walkChain(ts, key, loc, seq)
}

// walkChain follows the prev-location chain from the newest flushed version
// until it finds one visible at seq. A key mismatch means the slot was
// reclaimed and reused; the chain below it holds nothing visible. A link
// pointing back at its own slot is treated the same way.
func (e *Engine) walkChain(ts *tableState, key uint64, loc heap.Location, seq uint64) ([]byte, bool) {
	for loc != heap.NoLocation {
		hdr, row, err := e.heap.ReadVersion(loc)
		if err != nil || hdr.Key != key {
			return nil, false
		}
		if mvcc.Visible(hdr.Xmin, hdr.Xmax, seq) {
			return row, true
		}
		if hdr.Prev == loc {
			return nil, false
		}
		loc = hdr.Prev
	}
	return nil, false
}

// CreateIndex registers a secondary index and backfills it from the rows
// currently visible.
func (e *Engine) CreateIndex(table, indexName, column string) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	ts, err := e.table(table)
	if err != nil {
		return err
	}

	if _, err := e.catalog.AddIndex(table, indexName, column); err != nil {
		return err
	}
	if err := e.catalog.Save(); err != nil {
		return err
	}

	sec, ok := ts.indexes.AddSecondary(indexName, column)
	if !ok {
		return fmt.Errorf("%w: %q", catalog.ErrIndexExists, indexName)
	}

	// Backfill under the writer lock so no write slips between the scan and
	// the index going live.
	ts.writeMu.Lock()
	defer ts.writeMu.Unlock()

	col := ts.meta.Schema.ColumnIndex(column)
	snap := e.Begin()
	defer snap.Release()

	it, err := e.ScanAt(table, snap)
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Next() {
		values := it.Row()
		key, err := ts.meta.Schema.PrimaryKey(values)
		if err != nil {
			continue
		}
		if ik, err := catalog.IndexKey(ts.meta.Schema.Columns[col], values[col]); err == nil {
			sec.Add(ik, key)
		}
	}
	if err := it.Err(); err != nil {
		return err
	}

	e.logger.Info("created index %q on %s(%s)", indexName, table, column)
	return nil
}

// IndexLookup returns the rows whose indexed column equals value, resolved
// through the primary index (two hops, never a heap scan).
func (e *Engine) IndexLookup(table, indexName string, value interface{}) ([][]interface{}, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	ts, err := e.table(table)
	if err != nil {
		return nil, err
	}

	def := ts.meta.IndexOn(indexName)
	if def == nil {
		return nil, fmt.Errorf("%w: %q", catalog.ErrIndexNotFound, indexName)
	}
	sec, ok := ts.indexes.Secondary(indexName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", catalog.ErrIndexNotFound, indexName)
	}

	col := ts.meta.Schema.ColumnIndex(def.Column)
	ik, err := catalog.IndexKey(ts.meta.Schema.Columns[col], value)
	if err != nil {
		return nil, err
	}

	snap := e.Begin()
	defer snap.Release()

	var rows [][]interface{}
	for _, pk := range sec.Lookup(ik) {
		row, found := e.readRow(ts, pk, snap.Sequence())
		if !found {
			continue
		}
		values, err := ts.meta.Schema.DecodeRow(row)
		if err != nil {
			return nil, err
		}
		rows = append(rows, values)
	}
	return rows, nil
}

// Stats returns a snapshot of engine statistics.
func (e *Engine) Stats() map[string]interface{} {
	s := e.stats.GetStats()
	s["tables"] = len(e.Tables())
	s["heap_segments"] = e.heap.SegmentCount()
	s["active_snapshots"] = e.registry.ActiveCount()
	return s
}

// Close flushes all buffered writes, checkpoints the WAL, and releases every
// resource. The engine is unusable afterwards.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.vacuum.Stop()
	e.stopFlusher()

	if err := e.flushAllTables(); err != nil {
		return err
	}
	if err := e.catalog.Save(); err != nil {
		return err
	}
	if err := e.wal.Close(); err != nil {
		return err
	}
	if err := e.heap.Close(); err != nil {
		return err
	}

	e.logger.Info("engine closed")
	return nil
}
