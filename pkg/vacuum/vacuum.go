// Package vacuum runs the background reclaim and compression passes: it
// frees slots of versions no active snapshot can see and compresses blocks
// that have become eligible.
package vacuum

import (
	stdheap "container/heap"
	"context"
	"errors"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flintdb/flint/pkg/common/log"
	"github.com/flintdb/flint/pkg/heap"
	"github.com/flintdb/flint/pkg/heap/compress"
	"github.com/flintdb/flint/pkg/mvcc"
	"github.com/flintdb/flint/pkg/stats"
)

// candidateQueue orders segments by last-write recency, most recent first;
// ties break toward the higher free fraction. Hot segments are vacuumed
// first so their space returns to the allocator while it still matters.
type candidateQueue []heap.SegmentInfo

func (q candidateQueue) Len() int { return len(q) }
func (q candidateQueue) Less(i, j int) bool {
	if q[i].LastWriteUnix != q[j].LastWriteUnix {
		return q[i].LastWriteUnix > q[j].LastWriteUnix
	}
	return q[i].FreeFraction() > q[j].FreeFraction()
}
func (q candidateQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *candidateQueue) Push(x interface{}) { *q = append(*q, x.(heap.SegmentInfo)) }
func (q *candidateQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Scheduler drives vacuum passes over the heap.
type Scheduler struct {
	heap      *heap.Heap
	registry  *mvcc.Registry
	latestSeq func() uint64
	interval  time.Duration
	minFree   float64

	logger log.Logger
	stats  stats.Collector

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewScheduler creates a vacuum scheduler. latestSeq supplies the current
// WAL sequence for the watermark when no snapshot is active.
func NewScheduler(h *heap.Heap, registry *mvcc.Registry, latestSeq func() uint64, interval time.Duration, minFree float64, logger log.Logger, collector stats.Collector) *Scheduler {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &Scheduler{
		heap:      h,
		registry:  registry,
		latestSeq: latestSeq,
		interval:  interval,
		minFree:   minFree,
		logger:    logger,
		stats:     collector,
	}
}

// Start launches the background loop.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.group, ctx = errgroup.WithContext(ctx)

	s.group.Go(func() error {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := s.RunOnce(); err != nil {
					s.logger.Error("vacuum pass failed: %v", err)
				}
			}
		}
	})
}

// Stop shuts the background loop down and waits for it.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	_ = s.group.Wait()
	s.cancel = nil
}

// RunOnce performs a single vacuum pass over the top candidate segment.
// Returns the number of slots reclaimed.
func (s *Scheduler) RunOnce() (int, error) {
	infos := s.heap.SegmentInfos()
	q := make(candidateQueue, 0, len(infos))
	for _, info := range infos {
		if info.UsedSlots == 0 && len(info.EligibleBlocks) == 0 {
			continue
		}
		q = append(q, info)
	}
	if len(q) == 0 {
		return 0, nil
	}
	stdheap.Init(&q)

	top := stdheap.Pop(&q).(heap.SegmentInfo)
	reclaimed, err := s.vacuumSegment(top)
	if err != nil {
		return reclaimed, err
	}

	if s.stats != nil {
		s.stats.TrackVacuumPass()
		if reclaimed > 0 {
			s.stats.TrackSlotsReclaimed(uint64(reclaimed))
		}
	}
	return reclaimed, nil
}

// vacuumSegment reclaims dead slots block by block and compresses eligible
// blocks. Each block is handled atomically with respect to crashes: the slot
// frees and the header update land together or not at all.
func (s *Scheduler) vacuumSegment(info heap.SegmentInfo) (int, error) {
	watermark := s.registry.Watermark(s.latestSeq())
	reclaimed := 0

	for b := uint16(0); b < uint16(info.BlockCount); b++ {
		var dead []uint16
		err := s.heap.ScanBlock(info.SegmentID, b, func(slot uint16, hdr heap.TupleHeader) error {
			if mvcc.Reclaimable(hdr.Xmax, watermark) {
				dead = append(dead, slot)
			}
			return nil
		})
		if err != nil {
			return reclaimed, err
		}

		if len(dead) > 0 {
			err := withRetry(func() error {
				return s.heap.FreeSlots(info.SegmentID, b, dead)
			})
			if err != nil {
				return reclaimed, err
			}
			reclaimed += len(dead)
		}
	}

	// Compress whatever is eligible, including blocks that just had slots
	// reclaimed. Incompressible blocks stay eligible and are retried on a
	// later pass.
	for _, b := range s.eligibleBlocks(info.SegmentID) {
		err := withRetry(func() error {
			err := s.heap.CompressBlock(info.SegmentID, b)
			if errors.Is(err, compress.ErrWontFit) {
				s.logger.Debug("block %d.%d does not compress, staying eligible", info.SegmentID, b)
				return nil
			}
			return err
		})
		if err != nil {
			return reclaimed, err
		}
		if s.stats != nil {
			s.stats.TrackBlockCompressed()
		}
	}

	if reclaimed > 0 {
		s.logger.Info("vacuumed segment %d: %d slots reclaimed", info.SegmentID, reclaimed)
	}
	return reclaimed, nil
}

// eligibleBlocks re-reads the segment summary for a fresh eligible list.
func (s *Scheduler) eligibleBlocks(segmentID uint32) []uint16 {
	for _, info := range s.heap.SegmentInfos() {
		if info.SegmentID == segmentID {
			return info.EligibleBlocks
		}
	}
	return nil
}

// NextTarget picks the flush merge target for a table: the non-full segment
// with the highest free fraction above the configured minimum. ok is false
// when no segment qualifies and the flush should open fresh blocks instead.
func (s *Scheduler) NextTarget(tableID uint32) (uint32, bool) {
	best := heap.NoSegment
	bestFrac := s.minFree
	for _, info := range s.heap.SegmentInfos() {
		if info.TableID != tableID || info.Full {
			continue
		}
		if frac := info.FreeFraction(); frac >= bestFrac {
			best = info.SegmentID
			bestFrac = frac
		}
	}
	return best, best != heap.NoSegment
}

// withRetry retries transient block contention with jittered backoff.
func withRetry(fn func() error) error {
	const attempts = 3
	backoff := 2 * time.Millisecond

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		time.Sleep(backoff + time.Duration(rand.Int63n(int64(backoff))))
		backoff *= 2
	}
	return err
}
