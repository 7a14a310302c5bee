// Package mvcc implements tuple-level multi-version visibility. Version
// markers are WAL sequence numbers: a snapshot at sequence S sees a version
// when xmin <= S and the version is not yet deleted as of S.
package mvcc

import (
	"sync"
)

// Snapshot is a registered read point. Readers hold one for the duration of
// an operation; vacuum never reclaims a version some snapshot can still see.
type Snapshot struct {
	seq      uint64
	released bool
	reg      *Registry
}

// Sequence returns the snapshot's read point.
func (s *Snapshot) Sequence() uint64 {
	return s.seq
}

// Visible reports whether a version with the given markers is visible to
// this snapshot.
func (s *Snapshot) Visible(xmin, xmax uint64) bool {
	return Visible(xmin, xmax, s.seq)
}

// Release deregisters the snapshot, letting the watermark advance past it.
// Release is idempotent.
func (s *Snapshot) Release() {
	if s.released {
		return
	}
	s.released = true
	s.reg.release(s.seq)
}

// Visible reports whether a version is visible at read point seq.
// A zero xmax means the version is still live.
func Visible(xmin, xmax, seq uint64) bool {
	if xmin > seq {
		return false
	}
	return xmax == 0 || xmax > seq
}

// Reclaimable reports whether a dead version is invisible to every snapshot
// at or below the watermark and can be physically reclaimed.
func Reclaimable(xmax, watermark uint64) bool {
	return xmax != 0 && xmax <= watermark
}

// Registry tracks active snapshots and computes the vacuum watermark.
type Registry struct {
	mu     sync.Mutex
	active map[uint64]int
}

// NewRegistry creates an empty snapshot registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[uint64]int)}
}

// Acquire registers a snapshot at the sequence latest reports. The sequence
// is read and registered under the registry lock: a concurrent watermark
// computation either counts this snapshot or finished before its sequence
// existed, so it can never advance past a snapshot mid-acquire.
func (r *Registry) Acquire(latest func() uint64) *Snapshot {
	r.mu.Lock()
	seq := latest()
	r.active[seq]++
	r.mu.Unlock()
	return &Snapshot{seq: seq, reg: r}
}

func (r *Registry) release(seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.active[seq]; ok {
		if n <= 1 {
			delete(r.active, seq)
		} else {
			r.active[seq] = n - 1
		}
	}
}

// ActiveCount returns the number of registered snapshots.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.active {
		n += c
	}
	return n
}

// Watermark returns the oldest active snapshot sequence, or latest when no
// snapshot is active. Versions with xmax at or below the watermark are
// invisible to every present and future snapshot.
func (r *Registry) Watermark(latest uint64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	min := latest
	for seq := range r.active {
		if seq < min {
			min = seq
		}
	}
	return min
}
