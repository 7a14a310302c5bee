package index

import (
	"testing"

	"github.com/flintdb/flint/pkg/heap"
)

func TestPrimaryPutGetDelete(t *testing.T) {
	p := NewPrimary()

	loc := heap.NewLocation(1, 2, 3)
	p.Put(42, loc)

	got, ok := p.Get(42)
	if !ok || got != loc {
		t.Errorf("Expected %s, got %s (ok=%v)", loc, got, ok)
	}

	// A buffered key points nowhere until its flush.
	p.Put(43, heap.NoLocation)
	got, ok = p.Get(43)
	if !ok || got != heap.NoLocation {
		t.Errorf("Expected buffered sentinel, got %s", got)
	}

	p.Delete(42)
	if _, ok := p.Get(42); ok {
		t.Error("Expected miss after delete")
	}
	if p.Len() != 1 {
		t.Errorf("Expected 1 key, got %d", p.Len())
	}
}

func TestPrimaryRangeOrdered(t *testing.T) {
	p := NewPrimary()
	for _, k := range []uint64{5, 1, 9, 3} {
		p.Put(k, heap.NoLocation)
	}

	var keys []uint64
	p.Range(func(key uint64, _ heap.Location) bool {
		keys = append(keys, key)
		return true
	})
	want := []uint64{1, 3, 5, 9}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("Expected keys %v, got %v", want, keys)
		}
	}
}

func TestSecondaryAddRemoveLookup(t *testing.T) {
	s := NewSecondary("city")

	s.Add(100, 1)
	s.Add(100, 2)
	s.Add(200, 3)

	pks := s.Lookup(100)
	if len(pks) != 2 || pks[0] != 1 || pks[1] != 2 {
		t.Errorf("Unexpected lookup result: %v", pks)
	}

	s.Remove(100, 1)
	pks = s.Lookup(100)
	if len(pks) != 1 || pks[0] != 2 {
		t.Errorf("Unexpected lookup after remove: %v", pks)
	}

	s.Remove(100, 2)
	if pks := s.Lookup(100); len(pks) != 0 {
		t.Errorf("Expected empty result, got %v", pks)
	}

	// Removing from an absent value is a no-op.
	s.Remove(999, 1)
}

func TestTableIndexes(t *testing.T) {
	ti := NewTableIndexes()

	idx, ok := ti.AddSecondary("by_city", "city")
	if !ok || idx == nil {
		t.Fatal("Failed to add secondary index")
	}
	if _, ok := ti.AddSecondary("by_city", "city"); ok {
		t.Error("Expected duplicate index name to be rejected")
	}

	got, ok := ti.Secondary("by_city")
	if !ok || got.Column != "city" {
		t.Errorf("Unexpected secondary index: %+v", got)
	}
	if _, ok := ti.Secondary("missing"); ok {
		t.Error("Expected miss for unknown index")
	}
	if len(ti.Secondaries()) != 1 {
		t.Errorf("Expected 1 secondary index, got %d", len(ti.Secondaries()))
	}
}
