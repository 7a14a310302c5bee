package stats

import (
	"sync"
	"testing"
	"time"
)

func TestCollectorOperationCounts(t *testing.T) {
	c := NewCollector()

	c.TrackOperation(OpInsert)
	c.TrackOperation(OpInsert)
	c.TrackOperation(OpGet)

	stats := c.GetStats()
	if stats["ops_insert"] != uint64(2) {
		t.Errorf("Expected 2 inserts, got %v", stats["ops_insert"])
	}
	if stats["ops_get"] != uint64(1) {
		t.Errorf("Expected 1 get, got %v", stats["ops_get"])
	}
}

func TestCollectorConcurrentAccess(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.TrackOperation(OpGet)
				c.TrackError("latch_contention")
				c.TrackBytes(true, 64)
			}
		}()
	}
	wg.Wait()

	stats := c.GetStats()
	if stats["ops_get"] != uint64(800) {
		t.Errorf("Expected 800 gets, got %v", stats["ops_get"])
	}
	if stats["errors_latch_contention"] != uint64(800) {
		t.Errorf("Expected 800 errors, got %v", stats["errors_latch_contention"])
	}
	if stats["total_bytes_written"] != uint64(800*64) {
		t.Errorf("Expected %d bytes written, got %v", 800*64, stats["total_bytes_written"])
	}
}

func TestCollectorVacuumAndRecovery(t *testing.T) {
	c := NewCollector()

	c.TrackVacuumPass()
	c.TrackSlotsReclaimed(17)
	c.TrackBlockCompressed()

	start := c.StartRecovery()
	time.Sleep(time.Millisecond)
	c.FinishRecovery(start, 42, 1)

	stats := c.GetStats()
	if stats["vacuum_pass_count"] != uint64(1) {
		t.Errorf("Expected 1 vacuum pass, got %v", stats["vacuum_pass_count"])
	}
	if stats["slots_reclaimed"] != uint64(17) {
		t.Errorf("Expected 17 reclaimed slots, got %v", stats["slots_reclaimed"])
	}
	if stats["recovery_entries_replayed"] != uint64(42) {
		t.Errorf("Expected 42 replayed entries, got %v", stats["recovery_entries_replayed"])
	}
	if stats["recovery_duration_ns"].(int64) <= 0 {
		t.Error("Expected a positive recovery duration")
	}
}
