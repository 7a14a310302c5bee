package heap

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/flintdb/flint/pkg/common/log"
	"github.com/flintdb/flint/pkg/heap/compress"
)

var (
	ErrSegmentNotFound = errors.New("segment not found")
	ErrSlotNotInUse    = errors.New("slot not in use")
	ErrBlockNotFound   = errors.New("block not found")
	ErrSlotTooLarge    = errors.New("slot size exceeds page capacity")
)

// NoSegment is the "no preferred segment" sentinel for InsertVersion.
const NoSegment = ^uint32(0)

// Version pairs a tuple header with its fixed-length row payload.
type Version struct {
	Hdr TupleHeader
	Row []byte
}

// SegmentInfo is a point-in-time summary of one segment, consumed by the
// vacuum scheduler to rank candidates.
type SegmentInfo struct {
	SegmentID      uint32
	TableID        uint32
	LastWriteUnix  int64
	Full           bool
	BlockCount     uint32
	UsedSlots      uint64
	FreeSlots      uint64
	EligibleBlocks []uint16
}

// FreeFraction is the share of allocated slots currently free.
func (si SegmentInfo) FreeFraction() float64 {
	total := si.UsedSlots + si.FreeSlots
	if total == 0 {
		return 0
	}
	return float64(si.FreeSlots) / float64(total)
}

// segmentState is the in-memory mirror of one segment: its header, the
// per-block free-slot sets, and the per-block I/O latches.
type segmentState struct {
	// mu guards the header and the free-slot sets.
	mu     sync.RWMutex
	header SegmentHeader
	free   [BlocksPerSegment]*roaring.Bitmap
	// latch serializes data I/O per block, independent of metadata updates.
	latch [BlocksPerSegment]sync.RWMutex
}

// Heap manages the segmented heap file: allocation, tuple version I/O, and
// the bookkeeping the vacuum scheduler reads.
type Heap struct {
	mu       sync.RWMutex
	file     *File
	segments []*segmentState
	byTable  map[uint32][]uint32

	codec    compress.Codec
	headroom int
	logger   log.Logger
}

// Open opens the heap file and loads every segment header. Free-slot sets
// start empty; ScanTable rebuilds them, so the engine must scan every table
// before allocating.
func Open(path string, codec compress.Codec, headroom int, logger log.Logger) (*Heap, error) {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}

	file, err := OpenFile(path)
	if err != nil {
		return nil, err
	}

	h := &Heap{
		file:     file,
		byTable:  make(map[uint32][]uint32),
		codec:    codec,
		headroom: headroom,
		logger:   logger,
	}

	count, err := file.SegmentCount()
	if err != nil {
		file.Close()
		return nil, err
	}

	for id := uint32(0); id < count; id++ {
		hdr, err := file.ReadSegmentHeader(id)
		if err != nil {
			file.Close()
			return nil, err
		}
		st := &segmentState{header: *hdr}
		for b := range st.free {
			st.free[b] = roaring.New()
		}
		h.segments = append(h.segments, st)
		h.byTable[hdr.TableID] = append(h.byTable[hdr.TableID], id)
	}

	logger.Info("heap opened: %d segments", count)
	return h, nil
}

// Close syncs and closes the heap file.
func (h *Heap) Close() error {
	if err := h.file.Sync(); err != nil {
		return err
	}
	return h.file.Close()
}

// Sync flushes the heap file.
func (h *Heap) Sync() error {
	return h.file.Sync()
}

// SegmentCount returns the number of segments in the heap.
func (h *Heap) SegmentCount() uint32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return uint32(len(h.segments))
}

func (h *Heap) segment(id uint32) (*segmentState, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if int(id) >= len(h.segments) {
		return nil, fmt.Errorf("%w: %d", ErrSegmentNotFound, id)
	}
	return h.segments[id], nil
}

// blockRaw returns the 16-page raw bytes of a block, decompressing when the
// block is compressed. The caller must hold the block latch.
func (h *Heap) blockRaw(segmentID uint32, block uint16, meta BlockMeta) ([]byte, error) {
	buf, err := h.file.ReadBlock(segmentID, block)
	if err != nil {
		return nil, err
	}
	if meta.State != compress.StateCompressed {
		return buf, nil
	}
	raw, err := compress.DecodeBlock(buf)
	if err != nil {
		return nil, fmt.Errorf("block %d.%d: %w", segmentID, block, err)
	}
	return raw, nil
}

// ScanTable walks every used slot of every segment owned by tableID in
// physical order, rebuilding the in-memory free-slot sets as it goes. fn
// receives a copy of each stored version.
func (h *Heap) ScanTable(tableID uint32, fn func(loc Location, hdr TupleHeader, row []byte) error) error {
	h.mu.RLock()
	segIDs := append([]uint32(nil), h.byTable[tableID]...)
	h.mu.RUnlock()

	for _, segID := range segIDs {
		st, err := h.segment(segID)
		if err != nil {
			return err
		}

		st.mu.Lock()
		blockCount := st.header.BlockCount
		metas := st.header.Blocks
		st.mu.Unlock()

		for b := uint16(0); b < uint16(blockCount); b++ {
			meta := metas[b]
			if meta.SlotSize == 0 {
				continue
			}
			st.latch[b].RLock()
			raw, err := h.blockRaw(segID, b, meta)
			st.latch[b].RUnlock()
			if err != nil {
				return err
			}

			free := roaring.New()
			spp := slotsPerPage(meta.SlotSize)
			for p := 0; p < PagesPerBlock; p++ {
				page := raw[p*PageSize : (p+1)*PageSize]
				for i := uint16(0); i < spp; i++ {
					slot := uint16(p)*spp + i
					if !pageIsUsed(page, i) {
						free.Add(uint32(slot))
						continue
					}
					hdr, row, err := pageReadSlot(page, i)
					if err != nil {
						return err
					}
					if err := fn(NewLocation(segID, b, slot), hdr, row); err != nil {
						return err
					}
				}
			}

			st.mu.Lock()
			st.free[b] = free
			st.mu.Unlock()
		}
	}
	return nil
}

// ScanBlock reports the header of every used slot in one block. Vacuum uses
// it to find dead versions without copying row payloads.
func (h *Heap) ScanBlock(segmentID uint32, block uint16, fn func(slot uint16, hdr TupleHeader) error) error {
	st, err := h.segment(segmentID)
	if err != nil {
		return err
	}

	st.mu.RLock()
	if uint32(block) >= st.header.BlockCount {
		st.mu.RUnlock()
		return fmt.Errorf("%w: %d.%d", ErrBlockNotFound, segmentID, block)
	}
	meta := st.header.Blocks[block]
	st.mu.RUnlock()

	// A freshly reserved block has no written slots yet; nothing to report.
	if meta.SlotSize == 0 || meta.UsedSlots == 0 {
		return nil
	}

	st.latch[block].RLock()
	raw, err := h.blockRaw(segmentID, block, meta)
	st.latch[block].RUnlock()
	if err != nil {
		return err
	}

	spp := slotsPerPage(meta.SlotSize)
	for p := 0; p < PagesPerBlock; p++ {
		page := raw[p*PageSize : (p+1)*PageSize]
		for i := uint16(0); i < spp; i++ {
			if !pageIsUsed(page, i) {
				continue
			}
			hdr := decodeTupleHeader(page[PageHeaderSize+int(i)*int(meta.SlotSize):])
			if err := fn(uint16(p)*spp+i, hdr); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadVersion returns a copy of the tuple version at loc.
func (h *Heap) ReadVersion(loc Location) (TupleHeader, []byte, error) {
	st, err := h.segment(loc.Segment())
	if err != nil {
		return TupleHeader{}, nil, err
	}

	block := loc.Block()
	st.mu.RLock()
	if uint32(block) >= st.header.BlockCount {
		st.mu.RUnlock()
		return TupleHeader{}, nil, fmt.Errorf("%w: %s", ErrBlockNotFound, loc)
	}
	meta := st.header.Blocks[block]
	inUse := !st.free[block].Contains(uint32(loc.Slot()))
	st.mu.RUnlock()

	if !inUse {
		return TupleHeader{}, nil, fmt.Errorf("%w: %s", ErrSlotNotInUse, loc)
	}

	spp := slotsPerPage(meta.SlotSize)
	pageIdx := int(loc.Slot() / spp)
	slotInPage := loc.Slot() % spp

	st.latch[block].RLock()
	defer st.latch[block].RUnlock()

	if meta.State == compress.StateCompressed {
		raw, err := h.blockRaw(loc.Segment(), block, meta)
		if err != nil {
			return TupleHeader{}, nil, err
		}
		page := raw[pageIdx*PageSize : (pageIdx+1)*PageSize]
		return pageReadSlot(page, slotInPage)
	}

	page, err := h.file.ReadPage(loc.Segment(), block, pageIdx)
	if err != nil {
		return TupleHeader{}, nil, err
	}
	return pageReadSlot(page, slotInPage)
}

// InsertVersion stores a tuple version for tableID, first-fit. A preferred
// segment (from the vacuum scheduler) is tried first; pass NoSegment to skip
// that. New blocks and segments are allocated as needed.
func (h *Heap) InsertVersion(tableID uint32, slotSize uint32, preferred uint32, hdr TupleHeader, row []byte) (Location, error) {
	if slotSize == 0 || slotSize > MaxSlotSize {
		return NoLocation, fmt.Errorf("%w: %d, max %d", ErrSlotTooLarge, slotSize, MaxSlotSize)
	}
	if TupleHeaderSize+len(row) != int(slotSize) {
		return NoLocation, fmt.Errorf("version size %d does not match slot size %d", TupleHeaderSize+len(row), slotSize)
	}

	h.mu.RLock()
	segIDs := append([]uint32(nil), h.byTable[tableID]...)
	h.mu.RUnlock()

	if preferred != NoSegment {
		for i, id := range segIDs {
			if id == preferred {
				segIDs[0], segIDs[i] = segIDs[i], segIDs[0]
				break
			}
		}
	}

	for _, segID := range segIDs {
		loc, ok, err := h.insertIntoSegment(segID, slotSize, hdr, row)
		if err != nil {
			return NoLocation, err
		}
		if ok {
			return loc, nil
		}
	}

	// Every existing segment is full for this slot size; grow the heap.
	segID, err := h.allocateSegment(tableID)
	if err != nil {
		return NoLocation, err
	}
	loc, ok, err := h.insertIntoSegment(segID, slotSize, hdr, row)
	if err != nil {
		return NoLocation, err
	}
	if !ok {
		return NoLocation, fmt.Errorf("fresh segment %d rejected insert", segID)
	}
	return loc, nil
}

// insertIntoSegment tries to place one version in segID. Returns ok=false
// when the segment has no usable space.
func (h *Heap) insertIntoSegment(segID uint32, slotSize uint32, hdr TupleHeader, row []byte) (Location, bool, error) {
	st, err := h.segment(segID)
	if err != nil {
		return NoLocation, false, err
	}

	st.mu.Lock()
	if st.header.Full {
		st.mu.Unlock()
		return NoLocation, false, nil
	}

	// First fit over existing blocks with a matching slot size.
	for b := uint16(0); b < uint16(st.header.BlockCount); b++ {
		meta := &st.header.Blocks[b]
		if meta.SlotSize != slotSize || meta.FreeSlots == 0 || st.free[b].IsEmpty() {
			continue
		}
		slot := uint16(st.free[b].Minimum())
		st.free[b].Remove(uint32(slot))
		st.mu.Unlock()

		if err := h.writeSlot(st, segID, b, slot, hdr, row); err != nil {
			if errors.Is(err, compress.ErrWontFit) {
				// Compressed block budget exhausted; put the slot back and
				// fail over to another block.
				st.mu.Lock()
				st.free[b].Add(uint32(slot))
				st.mu.Unlock()
				return h.insertSkippingBlock(st, segID, b, slotSize, hdr, row)
			}
			st.mu.Lock()
			st.free[b].Add(uint32(slot))
			st.mu.Unlock()
			return NoLocation, false, err
		}
		return NewLocation(segID, b, slot), true, nil
	}

	// No existing block fits; append a new one while capacity remains.
	if st.header.BlockCount < BlocksPerSegment {
		b := uint16(st.header.BlockCount)
		if err := h.appendBlockLocked(st, segID, b, slotSize); err != nil {
			st.mu.Unlock()
			return NoLocation, false, err
		}
		slot := uint16(st.free[b].Minimum())
		st.free[b].Remove(uint32(slot))
		st.mu.Unlock()

		if err := h.writeSlot(st, segID, b, slot, hdr, row); err != nil {
			return NoLocation, false, err
		}
		return NewLocation(segID, b, slot), true, nil
	}

	// Out of blocks and out of slots: exclude from allocation until vacuum
	// reclaims something.
	st.header.Full = true
	err = h.file.WriteSegmentHeader(&st.header)
	st.mu.Unlock()
	if err != nil {
		return NoLocation, false, err
	}
	h.logger.Debug("segment %d marked full", segID)
	return NoLocation, false, nil
}

// insertSkippingBlock retries an insert within a segment while skipping one
// block whose compressed budget is exhausted.
func (h *Heap) insertSkippingBlock(st *segmentState, segID uint32, skip uint16, slotSize uint32, hdr TupleHeader, row []byte) (Location, bool, error) {
	st.mu.Lock()
	for b := uint16(0); b < uint16(st.header.BlockCount); b++ {
		if b == skip {
			continue
		}
		meta := &st.header.Blocks[b]
		if meta.SlotSize != slotSize || meta.FreeSlots == 0 || meta.State == compress.StateCompressed || st.free[b].IsEmpty() {
			continue
		}
		slot := uint16(st.free[b].Minimum())
		st.free[b].Remove(uint32(slot))
		st.mu.Unlock()

		if err := h.writeSlot(st, segID, b, slot, hdr, row); err != nil {
			return NoLocation, false, err
		}
		return NewLocation(segID, b, slot), true, nil
	}

	if st.header.BlockCount < BlocksPerSegment {
		b := uint16(st.header.BlockCount)
		if err := h.appendBlockLocked(st, segID, b, slotSize); err != nil {
			st.mu.Unlock()
			return NoLocation, false, err
		}
		slot := uint16(st.free[b].Minimum())
		st.free[b].Remove(uint32(slot))
		st.mu.Unlock()

		if err := h.writeSlot(st, segID, b, slot, hdr, row); err != nil {
			return NoLocation, false, err
		}
		return NewLocation(segID, b, slot), true, nil
	}

	st.mu.Unlock()
	return NoLocation, false, nil
}

// appendBlockLocked initializes block b of the segment on disk and in the
// header. Caller holds st.mu.
func (h *Heap) appendBlockLocked(st *segmentState, segID uint32, b uint16, slotSize uint32) error {
	buf := make([]byte, BlockSize)
	for p := 0; p < PagesPerBlock; p++ {
		initPage(buf[p*PageSize:(p+1)*PageSize], slotSize)
	}
	if err := h.file.WriteBlock(segID, b, buf); err != nil {
		return err
	}

	capacity := blockCapacity(slotSize)
	st.header.Blocks[b] = BlockMeta{
		State:         compress.StateUncompressed,
		SlotSize:      slotSize,
		FreeSlots:     capacity,
		LastWriteUnix: time.Now().Unix(),
	}
	st.header.BlockCount++
	st.free[b] = roaring.New()
	st.free[b].AddRange(0, uint64(capacity))
	return h.file.WriteSegmentHeader(&st.header)
}

// writeSlot performs the physical slot write and the follow-up metadata
// update. The slot has already been removed from the free set.
func (h *Heap) writeSlot(st *segmentState, segID uint32, b, slot uint16, hdr TupleHeader, row []byte) error {
	st.mu.RLock()
	meta := st.header.Blocks[b]
	st.mu.RUnlock()

	spp := slotsPerPage(meta.SlotSize)
	pageIdx := int(slot / spp)
	slotInPage := slot % spp

	st.latch[b].Lock()
	if meta.State == compress.StateCompressed {
		// Decompress, mutate, recompress: a compressed block is immutable on
		// disk except through a whole-image rewrite.
		raw, err := h.blockRaw(segID, b, meta)
		if err != nil {
			st.latch[b].Unlock()
			return err
		}
		page := raw[pageIdx*PageSize : (pageIdx+1)*PageSize]
		if err := pageWriteSlot(page, slotInPage, hdr, row); err != nil {
			st.latch[b].Unlock()
			return err
		}
		image, err := compress.ReencodeBlock(meta.Codec, raw)
		if err != nil {
			st.latch[b].Unlock()
			return err
		}
		if err := h.file.WriteBlock(segID, b, image); err != nil {
			st.latch[b].Unlock()
			return err
		}
		st.latch[b].Unlock()
		return h.noteSlotWritten(st, b, len(image))
	}

	page, err := h.file.ReadPage(segID, b, pageIdx)
	if err != nil {
		st.latch[b].Unlock()
		return err
	}
	if err := pageWriteSlot(page, slotInPage, hdr, row); err != nil {
		st.latch[b].Unlock()
		return err
	}
	if err := h.file.WritePage(segID, b, pageIdx, page); err != nil {
		st.latch[b].Unlock()
		return err
	}
	st.latch[b].Unlock()
	return h.noteSlotWritten(st, b, 0)
}

// noteSlotWritten updates block and segment metadata after a slot write and
// persists the header.
func (h *Heap) noteSlotWritten(st *segmentState, b uint16, compressedLen int) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	meta := &st.header.Blocks[b]
	meta.UsedSlots++
	meta.FreeSlots--
	meta.LastWriteUnix = time.Now().Unix()
	if compressedLen > 0 {
		meta.PayloadLen = uint32(compressedLen)
	}

	// A write that consumes the last slot of an uncompressed block marks it
	// eligible for compression: the block cannot grow any further.
	if meta.FreeSlots == 0 && meta.State == compress.StateUncompressed {
		if err := compress.Advance(meta.State, compress.StateEligible); err != nil {
			return err
		}
		meta.State = compress.StateEligible
	}

	st.header.LastWriteUnix = meta.LastWriteUnix
	return h.file.WriteSegmentHeader(&st.header)
}

// allocateSegment grows the heap by one segment owned by tableID.
func (h *Heap) allocateSegment(tableID uint32) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	segID := uint32(len(h.segments))
	hdr := &SegmentHeader{
		SegmentID:     segID,
		TableID:       tableID,
		LastWriteUnix: time.Now().Unix(),
	}
	if err := h.file.AllocateSegment(hdr); err != nil {
		return 0, err
	}

	st := &segmentState{header: *hdr}
	for b := range st.free {
		st.free[b] = roaring.New()
	}
	h.segments = append(h.segments, st)
	h.byTable[tableID] = append(h.byTable[tableID], segID)

	h.logger.Info("allocated segment %d for table %d", segID, tableID)
	return segID, nil
}

// MarkDead stamps xmax onto the version at loc. This is the only mutation a
// stored version ever sees.
func (h *Heap) MarkDead(loc Location, xmax uint64) error {
	st, err := h.segment(loc.Segment())
	if err != nil {
		return err
	}

	block := loc.Block()
	st.mu.RLock()
	if uint32(block) >= st.header.BlockCount {
		st.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrBlockNotFound, loc)
	}
	meta := st.header.Blocks[block]
	inUse := !st.free[block].Contains(uint32(loc.Slot()))
	st.mu.RUnlock()

	if !inUse {
		return fmt.Errorf("%w: %s", ErrSlotNotInUse, loc)
	}

	spp := slotsPerPage(meta.SlotSize)
	pageIdx := int(loc.Slot() / spp)
	slotInPage := loc.Slot() % spp

	st.latch[block].Lock()
	defer st.latch[block].Unlock()

	if meta.State == compress.StateCompressed {
		raw, err := h.blockRaw(loc.Segment(), block, meta)
		if err != nil {
			return err
		}
		page := raw[pageIdx*PageSize : (pageIdx+1)*PageSize]
		if err := pageSetXmax(page, slotInPage, xmax); err != nil {
			return err
		}
		image, err := compress.ReencodeBlock(meta.Codec, raw)
		if err != nil {
			return err
		}
		return h.file.WriteBlock(loc.Segment(), block, image)
	}

	page, err := h.file.ReadPage(loc.Segment(), block, pageIdx)
	if err != nil {
		return err
	}
	if err := pageSetXmax(page, slotInPage, xmax); err != nil {
		return err
	}
	return h.file.WritePage(loc.Segment(), block, pageIdx, page)
}

// FreeSlots reclaims a batch of dead slots within one block. Vacuum calls
// this after confirming every slot is invisible to all active snapshots.
func (h *Heap) FreeSlots(segmentID uint32, block uint16, slots []uint16) error {
	if len(slots) == 0 {
		return nil
	}

	st, err := h.segment(segmentID)
	if err != nil {
		return err
	}

	st.mu.RLock()
	if uint32(block) >= st.header.BlockCount {
		st.mu.RUnlock()
		return fmt.Errorf("%w: %d.%d", ErrBlockNotFound, segmentID, block)
	}
	meta := st.header.Blocks[block]
	st.mu.RUnlock()

	spp := slotsPerPage(meta.SlotSize)
	compressedLen := 0

	st.latch[block].Lock()
	if meta.State == compress.StateCompressed {
		raw, err := h.blockRaw(segmentID, block, meta)
		if err != nil {
			st.latch[block].Unlock()
			return err
		}
		for _, slot := range slots {
			page := raw[int(slot/spp)*PageSize : (int(slot/spp)+1)*PageSize]
			if err := pageClearSlot(page, slot%spp); err != nil {
				st.latch[block].Unlock()
				return err
			}
		}
		image, err := compress.ReencodeBlock(meta.Codec, raw)
		if err != nil {
			st.latch[block].Unlock()
			return err
		}
		if err := h.file.WriteBlock(segmentID, block, image); err != nil {
			st.latch[block].Unlock()
			return err
		}
		compressedLen = len(image)
	} else {
		// Group reclaimed slots by page so each page is rewritten once.
		byPage := make(map[int][]uint16)
		for _, slot := range slots {
			byPage[int(slot/spp)] = append(byPage[int(slot/spp)], slot%spp)
		}
		for pageIdx, pageSlots := range byPage {
			page, err := h.file.ReadPage(segmentID, block, pageIdx)
			if err != nil {
				st.latch[block].Unlock()
				return err
			}
			for _, s := range pageSlots {
				if err := pageClearSlot(page, s); err != nil {
					st.latch[block].Unlock()
					return err
				}
			}
			if err := h.file.WritePage(segmentID, block, pageIdx, page); err != nil {
				st.latch[block].Unlock()
				return err
			}
		}
	}
	st.latch[block].Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	m := &st.header.Blocks[block]
	m.UsedSlots -= uint16(len(slots))
	m.FreeSlots += uint16(len(slots))
	m.LastWriteUnix = time.Now().Unix()
	if compressedLen > 0 {
		m.PayloadLen = uint32(compressedLen)
	}
	for _, slot := range slots {
		st.free[block].Add(uint32(slot))
	}
	// Reclaimed space readmits the segment to allocation.
	st.header.Full = false
	st.header.LastWriteUnix = m.LastWriteUnix
	return h.file.WriteSegmentHeader(&st.header)
}

// CompressBlock transitions an eligible block to compressed with the heap's
// configured codec. Returns compress.ErrWontFit when the payload plus the
// configured headroom exceeds the block budget; the block stays eligible.
func (h *Heap) CompressBlock(segmentID uint32, block uint16) error {
	st, err := h.segment(segmentID)
	if err != nil {
		return err
	}

	st.mu.RLock()
	if uint32(block) >= st.header.BlockCount {
		st.mu.RUnlock()
		return fmt.Errorf("%w: %d.%d", ErrBlockNotFound, segmentID, block)
	}
	meta := st.header.Blocks[block]
	st.mu.RUnlock()

	if err := compress.Advance(meta.State, compress.StateCompressed); err != nil {
		return err
	}
	if h.codec == compress.CodecNone {
		return compress.ErrWontFit
	}

	st.latch[block].Lock()
	raw, err := h.file.ReadBlock(segmentID, block)
	if err != nil {
		st.latch[block].Unlock()
		return err
	}
	image, err := compress.EncodeBlock(h.codec, raw, h.headroom)
	if err != nil {
		st.latch[block].Unlock()
		return err
	}
	if err := h.file.WriteBlock(segmentID, block, image); err != nil {
		st.latch[block].Unlock()
		return err
	}
	st.latch[block].Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	m := &st.header.Blocks[block]
	m.State = compress.StateCompressed
	m.Codec = h.codec
	m.PayloadLen = uint32(len(image))
	m.LastWriteUnix = time.Now().Unix()
	return h.file.WriteSegmentHeader(&st.header)
}

// AppendVersions packs versions into freshly appended blocks, written at
// block granularity. This is the flush path for tables with a deep backlog:
// sequential block writes instead of scattered page updates. Blocks filled
// to capacity are marked eligible for compression immediately.
func (h *Heap) AppendVersions(tableID uint32, slotSize uint32, versions []Version) ([]Location, error) {
	if slotSize == 0 || slotSize > MaxSlotSize {
		return nil, fmt.Errorf("%w: %d, max %d", ErrSlotTooLarge, slotSize, MaxSlotSize)
	}
	if len(versions) == 0 {
		return nil, nil
	}

	capacity := blockCapacity(slotSize)
	spp := slotsPerPage(slotSize)
	locs := make([]Location, 0, len(versions))

	for start := 0; start < len(versions); start += int(capacity) {
		end := start + int(capacity)
		if end > len(versions) {
			end = len(versions)
		}
		chunk := versions[start:end]

		segID, b, err := h.reserveAppendBlock(tableID, slotSize)
		if err != nil {
			return nil, err
		}
		st, err := h.segment(segID)
		if err != nil {
			return nil, err
		}

		buf := make([]byte, BlockSize)
		for p := 0; p < PagesPerBlock; p++ {
			initPage(buf[p*PageSize:(p+1)*PageSize], slotSize)
		}
		for i, v := range chunk {
			slot := uint16(i)
			page := buf[int(slot/spp)*PageSize : (int(slot/spp)+1)*PageSize]
			if err := pageWriteSlot(page, slot%spp, v.Hdr, v.Row); err != nil {
				return nil, err
			}
			locs = append(locs, NewLocation(segID, b, slot))
		}

		st.latch[b].Lock()
		err = h.file.WriteBlock(segID, b, buf)
		st.latch[b].Unlock()
		if err != nil {
			return nil, err
		}

		used := uint16(len(chunk))
		state := compress.StateUncompressed
		if used == capacity {
			state = compress.StateEligible
		}

		st.mu.Lock()
		st.header.Blocks[b] = BlockMeta{
			State:         state,
			SlotSize:      slotSize,
			UsedSlots:     used,
			FreeSlots:     capacity - used,
			LastWriteUnix: time.Now().Unix(),
		}
		st.free[b] = roaring.New()
		if used < capacity {
			st.free[b].AddRange(uint64(used), uint64(capacity))
		}
		st.header.LastWriteUnix = st.header.Blocks[b].LastWriteUnix
		err = h.file.WriteSegmentHeader(&st.header)
		st.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	return locs, nil
}

// reserveAppendBlock claims the next unallocated block slot in a segment
// owned by tableID, allocating a new segment when none has room. The block's
// meta is published together with the raised count, so a concurrent scan of
// the new index never sees a zero slot size.
func (h *Heap) reserveAppendBlock(tableID uint32, slotSize uint32) (uint32, uint16, error) {
	h.mu.RLock()
	segIDs := append([]uint32(nil), h.byTable[tableID]...)
	h.mu.RUnlock()

	for _, segID := range segIDs {
		st, err := h.segment(segID)
		if err != nil {
			return 0, 0, err
		}
		st.mu.Lock()
		if st.header.BlockCount < BlocksPerSegment {
			b := uint16(st.header.BlockCount)
			h.reserveBlockLocked(st, b, slotSize)
			st.mu.Unlock()
			return segID, b, nil
		}
		st.mu.Unlock()
	}

	segID, err := h.allocateSegment(tableID)
	if err != nil {
		return 0, 0, err
	}
	st, err := h.segment(segID)
	if err != nil {
		return 0, 0, err
	}
	st.mu.Lock()
	b := uint16(st.header.BlockCount)
	h.reserveBlockLocked(st, b, slotSize)
	st.mu.Unlock()
	return segID, b, nil
}

// reserveBlockLocked raises the block count and installs a placeholder meta
// with the final slot size. Caller holds st.mu.
func (h *Heap) reserveBlockLocked(st *segmentState, b uint16, slotSize uint32) {
	st.header.Blocks[b] = BlockMeta{
		State:         compress.StateUncompressed,
		SlotSize:      slotSize,
		LastWriteUnix: time.Now().Unix(),
	}
	st.free[b] = roaring.New()
	st.header.BlockCount++
}

// SegmentInfos snapshots per-segment summaries for the vacuum scheduler.
func (h *Heap) SegmentInfos() []SegmentInfo {
	h.mu.RLock()
	states := append([]*segmentState(nil), h.segments...)
	h.mu.RUnlock()

	infos := make([]SegmentInfo, 0, len(states))
	for _, st := range states {
		st.mu.RLock()
		info := SegmentInfo{
			SegmentID:     st.header.SegmentID,
			TableID:       st.header.TableID,
			LastWriteUnix: st.header.LastWriteUnix,
			Full:          st.header.Full,
			BlockCount:    st.header.BlockCount,
		}
		for b := uint32(0); b < st.header.BlockCount; b++ {
			meta := st.header.Blocks[b]
			info.UsedSlots += uint64(meta.UsedSlots)
			info.FreeSlots += uint64(meta.FreeSlots)
			if meta.State == compress.StateEligible {
				info.EligibleBlocks = append(info.EligibleBlocks, uint16(b))
			}
		}
		st.mu.RUnlock()
		infos = append(infos, info)
	}
	return infos
}
