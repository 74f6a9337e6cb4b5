/*
 *
 * Copyright 2026 shmbus authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package shm provides the shared memory segment underlying a message
// channel: a named, memory-mapped region holding a segment header and two
// single-producer/single-consumer slot rings, one per message direction,
// plus the futex primitives the rings block on.
package shm

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"
)

// Platform-specific functions (implemented in platform-specific files).
var (
	// unmapMemory unmaps a memory-mapped region.
	unmapMemory func([]byte) error
)

// Memory layout constants.
const (
	// Magic bytes for segment identification.
	SegmentMagic = "SHMBUS\x00\x00"

	// Current layout version.
	SegmentVersion = uint32(1)

	// Segment header size (aligned to 128 bytes).
	SegmentHeaderSize = 128

	// Ring control block size (aligned to 64 bytes).
	RingHeaderSize = 64

	// Segment flag bits.
	FlagVectorMode = uint32(1 << 0)
)

// SegmentHeader is the control structure at the start of every segment.
// It is written by the creator and validated by the attacher; all fields
// that are mutated after creation use atomic access.
type SegmentHeader struct {
	magic        [8]byte  // 0x00: "SHMBUS\0\0"
	version      uint32   // 0x08: layout version
	flags        uint32   // 0x0C: FlagVectorMode etc.
	totalSize    uint64   // 0x10: total segment size
	featOff      uint64   // 0x18: offset to Feature ring control block
	actOff       uint64   // 0x20: offset to Action ring control block
	featSchema   uint32   // 0x28: Feature codec schema version
	actSchema    uint32   // 0x2C: Action codec schema version
	creatorPID   uint32   // 0x30: creating process ID
	attacherPID  uint32   // 0x34: attaching process ID
	creatorReady uint32   // 0x38: creator ready flag (0->1)
	attachReady  uint32   // 0x3C: attacher mapped flag (0->1)
	reserved     [64]byte // 0x40-0x7F: reserved/padding to 128B
}

// Magic returns the magic bytes.
func (h *SegmentHeader) Magic() [8]byte {
	return h.magic
}

// SetMagic sets the magic bytes.
func (h *SegmentHeader) SetMagic(magic [8]byte) {
	h.magic = magic
}

// Version returns the layout version.
func (h *SegmentHeader) Version() uint32 {
	return atomic.LoadUint32(&h.version)
}

// SetVersion sets the layout version.
func (h *SegmentHeader) SetVersion(version uint32) {
	atomic.StoreUint32(&h.version, version)
}

// Flags returns the segment flag bits.
func (h *SegmentHeader) Flags() uint32 {
	return atomic.LoadUint32(&h.flags)
}

// SetFlags sets the segment flag bits.
func (h *SegmentHeader) SetFlags(flags uint32) {
	atomic.StoreUint32(&h.flags, flags)
}

// TotalSize returns the total segment size.
func (h *SegmentHeader) TotalSize() uint64 {
	return atomic.LoadUint64(&h.totalSize)
}

// SetTotalSize sets the total segment size.
func (h *SegmentHeader) SetTotalSize(size uint64) {
	atomic.StoreUint64(&h.totalSize, size)
}

// FeatureOffset returns the offset of the Feature ring control block.
func (h *SegmentHeader) FeatureOffset() uint64 {
	return atomic.LoadUint64(&h.featOff)
}

// SetFeatureOffset sets the offset of the Feature ring control block.
func (h *SegmentHeader) SetFeatureOffset(off uint64) {
	atomic.StoreUint64(&h.featOff, off)
}

// ActionOffset returns the offset of the Action ring control block.
func (h *SegmentHeader) ActionOffset() uint64 {
	return atomic.LoadUint64(&h.actOff)
}

// SetActionOffset sets the offset of the Action ring control block.
func (h *SegmentHeader) SetActionOffset(off uint64) {
	atomic.StoreUint64(&h.actOff, off)
}

// FeatureSchema returns the Feature message schema version.
func (h *SegmentHeader) FeatureSchema() uint32 {
	return atomic.LoadUint32(&h.featSchema)
}

// SetFeatureSchema sets the Feature message schema version.
func (h *SegmentHeader) SetFeatureSchema(v uint32) {
	atomic.StoreUint32(&h.featSchema, v)
}

// ActionSchema returns the Action message schema version.
func (h *SegmentHeader) ActionSchema() uint32 {
	return atomic.LoadUint32(&h.actSchema)
}

// SetActionSchema sets the Action message schema version.
func (h *SegmentHeader) SetActionSchema(v uint32) {
	atomic.StoreUint32(&h.actSchema, v)
}

// CreatorPID returns the creating process ID.
func (h *SegmentHeader) CreatorPID() uint32 {
	return atomic.LoadUint32(&h.creatorPID)
}

// SetCreatorPID sets the creating process ID.
func (h *SegmentHeader) SetCreatorPID(pid uint32) {
	atomic.StoreUint32(&h.creatorPID, pid)
}

// AttacherPID returns the attaching process ID.
func (h *SegmentHeader) AttacherPID() uint32 {
	return atomic.LoadUint32(&h.attacherPID)
}

// SetAttacherPID sets the attaching process ID.
func (h *SegmentHeader) SetAttacherPID(pid uint32) {
	atomic.StoreUint32(&h.attacherPID, pid)
}

// CreatorReady returns the creator ready flag.
func (h *SegmentHeader) CreatorReady() bool {
	return atomic.LoadUint32(&h.creatorReady) != 0
}

// SetCreatorReady sets the creator ready flag.
func (h *SegmentHeader) SetCreatorReady(ready bool) {
	var val uint32
	if ready {
		val = 1
	}
	atomic.StoreUint32(&h.creatorReady, val)
}

// AttacherReady returns the attacher ready flag.
func (h *SegmentHeader) AttacherReady() bool {
	return atomic.LoadUint32(&h.attachReady) != 0
}

// SetAttacherReady sets the attacher ready flag.
func (h *SegmentHeader) SetAttacherReady(ready bool) {
	var val uint32
	if ready {
		val = 1
	}
	atomic.StoreUint32(&h.attachReady, val)
}

// RingHeader is the per-direction control block: a fixed-capacity SPSC slot
// ring. widx/ridx are monotonic 64-bit counters; the ring is full when
// widx-ridx == slots and empty when they are equal, so every slot is usable
// (generation-counter disambiguation, no reserved slot).
type RingHeader struct {
	slots     uint64   // 0x00: capacity in slots (power of two)
	slotSize  uint64   // 0x08: bytes per slot including the slot header
	widx      uint64   // 0x10: monotonic write index (producer)
	ridx      uint64   // 0x18: monotonic read index (consumer)
	dataSeq   uint32   // 0x20: futex word, bumped on publish
	spaceSeq  uint32   // 0x24: futex word, bumped on consume
	finished  uint32   // 0x28: cooperative shutdown flag
	writerAtt uint32   // 0x2C: writer attached flag (SPSC enforcement)
	readerAtt uint32   // 0x30: reader attached flag
	pad       uint32   // 0x34: padding
	reserved  [8]byte  // 0x38-0x3F: reserved/padding to 64B
	// slot area starts at offset 0x40
}

// Slots returns the ring capacity in slots.
func (r *RingHeader) Slots() uint64 {
	return atomic.LoadUint64(&r.slots)
}

// SetSlots sets the ring capacity in slots.
func (r *RingHeader) SetSlots(n uint64) {
	atomic.StoreUint64(&r.slots, n)
}

// SlotSize returns the size of one slot in bytes.
func (r *RingHeader) SlotSize() uint64 {
	return atomic.LoadUint64(&r.slotSize)
}

// SetSlotSize sets the size of one slot in bytes.
func (r *RingHeader) SetSlotSize(n uint64) {
	atomic.StoreUint64(&r.slotSize, n)
}

// WriteIndex returns the monotonic write index (producer).
func (r *RingHeader) WriteIndex() uint64 {
	return atomic.LoadUint64(&r.widx)
}

// SetWriteIndex sets the monotonic write index. The store is the publish
// point for every slot below it; payload and slot header must be fully
// written before this is called.
func (r *RingHeader) SetWriteIndex(idx uint64) {
	atomic.StoreUint64(&r.widx, idx)
}

// ReadIndex returns the monotonic read index (consumer).
func (r *RingHeader) ReadIndex() uint64 {
	return atomic.LoadUint64(&r.ridx)
}

// SetReadIndex sets the monotonic read index.
func (r *RingHeader) SetReadIndex(idx uint64) {
	atomic.StoreUint64(&r.ridx, idx)
}

// DataSeq returns the data sequence number for futex waits.
func (r *RingHeader) DataSeq() uint32 {
	return atomic.LoadUint32(&r.dataSeq)
}

// BumpDataSeq atomically increments the data sequence.
func (r *RingHeader) BumpDataSeq() uint32 {
	return atomic.AddUint32(&r.dataSeq, 1)
}

// DataSeqWord exposes the data sequence futex word.
func (r *RingHeader) DataSeqWord() *uint32 {
	return &r.dataSeq
}

// SpaceSeq returns the space sequence number for futex waits.
func (r *RingHeader) SpaceSeq() uint32 {
	return atomic.LoadUint32(&r.spaceSeq)
}

// BumpSpaceSeq atomically increments the space sequence.
func (r *RingHeader) BumpSpaceSeq() uint32 {
	return atomic.AddUint32(&r.spaceSeq, 1)
}

// SpaceSeqWord exposes the space sequence futex word.
func (r *RingHeader) SpaceSeqWord() *uint32 {
	return &r.spaceSeq
}

// Finished returns the cooperative shutdown flag.
func (r *RingHeader) Finished() bool {
	return atomic.LoadUint32(&r.finished) != 0
}

// SetFinished sets the cooperative shutdown flag. It never clears it;
// MarkFinished is one-way and idempotent.
func (r *RingHeader) SetFinished() {
	atomic.StoreUint32(&r.finished, 1)
}

// AcquireWriter claims the writer side of the ring. It returns false if a
// writer is already attached.
func (r *RingHeader) AcquireWriter() bool {
	return atomic.CompareAndSwapUint32(&r.writerAtt, 0, 1)
}

// ReleaseWriter releases the writer side of the ring.
func (r *RingHeader) ReleaseWriter() {
	atomic.StoreUint32(&r.writerAtt, 0)
}

// AcquireReader claims the reader side of the ring. It returns false if a
// reader is already attached.
func (r *RingHeader) AcquireReader() bool {
	return atomic.CompareAndSwapUint32(&r.readerAtt, 0, 1)
}

// ReleaseReader releases the reader side of the ring.
func (r *RingHeader) ReleaseReader() {
	atomic.StoreUint32(&r.readerAtt, 0)
}

// Used returns the number of slots currently published and unconsumed.
func (r *RingHeader) Used() uint64 {
	w := atomic.LoadUint64(&r.widx)
	rd := atomic.LoadUint64(&r.ridx)
	return w - rd // uint64 arithmetic handles wrap-around
}

// Slot returns the raw bytes of slot idx (masked by capacity), including
// the slot header.
func (r *RingHeader) Slot(idx uint64) []byte {
	slots := atomic.LoadUint64(&r.slots)
	slotSize := atomic.LoadUint64(&r.slotSize)
	pos := idx & (slots - 1)
	base := unsafe.Pointer(uintptr(unsafe.Pointer(r)) + RingHeaderSize + uintptr(pos*slotSize))
	return unsafe.Slice((*byte)(base), slotSize)
}

// IsPowerOfTwo returns true if n is a power of two.
func IsPowerOfTwo(n uint64) bool {
	return n > 0 && (n&(n-1)) == 0
}

// NextPowerOfTwo returns the next power of two >= n.
func NextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	if IsPowerOfTwo(n) {
		return n
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++
	return n
}

// Layout describes where the two rings live inside a segment.
type Layout struct {
	TotalSize     uint64
	FeatureOffset uint64
	ActionOffset  uint64
}

// CalculateLayout computes the segment layout for the given per-direction
// slot counts and slot sizes. Slot counts must be powers of two and slot
// sizes multiples of 64 so that every slot stays cache-line aligned.
func CalculateLayout(featSlots, featSlotSize, actSlots, actSlotSize uint64) (Layout, error) {
	if !IsPowerOfTwo(featSlots) {
		return Layout{}, fmt.Errorf("feature slot count %d is not a power of two", featSlots)
	}
	if !IsPowerOfTwo(actSlots) {
		return Layout{}, fmt.Errorf("action slot count %d is not a power of two", actSlots)
	}
	if featSlotSize == 0 || featSlotSize%64 != 0 {
		return Layout{}, fmt.Errorf("feature slot size %d is not a positive multiple of 64", featSlotSize)
	}
	if actSlotSize == 0 || actSlotSize%64 != 0 {
		return Layout{}, fmt.Errorf("action slot size %d is not a positive multiple of 64", actSlotSize)
	}

	featOff := alignTo64(SegmentHeaderSize)
	actOff := alignTo64(featOff + RingHeaderSize + featSlots*featSlotSize)
	total := alignTo64(actOff + RingHeaderSize + actSlots*actSlotSize)

	return Layout{TotalSize: total, FeatureOffset: featOff, ActionOffset: actOff}, nil
}

// alignTo64 aligns a size to a 64-byte boundary.
func alignTo64(size uint64) uint64 {
	return (size + 63) &^ 63
}

// segmentMagic returns the expected magic as a byte array.
func segmentMagic() [8]byte {
	var m [8]byte
	copy(m[:], SegmentMagic)
	return m
}

// ValidateSegmentHeader checks a mapped header for consistency before any
// ring is touched. A mismatch is a construction-time error, never silent
// reinterpretation of foreign memory.
func ValidateSegmentHeader(h *SegmentHeader, mappedSize uint64) error {
	if h.Magic() != segmentMagic() {
		return fmt.Errorf("%w: bad magic bytes", ErrBadSegment)
	}
	if h.Version() != SegmentVersion {
		return fmt.Errorf("%w: layout version %d, expected %d", ErrBadSegment, h.Version(), SegmentVersion)
	}
	total := h.TotalSize()
	if total > mappedSize {
		return fmt.Errorf("%w: declared size %d exceeds mapped size %d", ErrBadSegment, total, mappedSize)
	}
	featOff := h.FeatureOffset()
	actOff := h.ActionOffset()
	if featOff < SegmentHeaderSize || featOff+RingHeaderSize > total {
		return fmt.Errorf("%w: feature ring offset %d out of range", ErrBadSegment, featOff)
	}
	if actOff <= featOff || actOff+RingHeaderSize > total {
		return fmt.Errorf("%w: action ring offset %d out of range", ErrBadSegment, actOff)
	}
	return nil
}

// ValidateRingHeader checks one ring control block against the segment
// bounds it lives in.
func ValidateRingHeader(r *RingHeader, off, total uint64) error {
	slots := r.Slots()
	slotSize := r.SlotSize()
	if !IsPowerOfTwo(slots) {
		return fmt.Errorf("%w: slot count %d is not a power of two", ErrBadSegment, slots)
	}
	if slotSize == 0 || slotSize%64 != 0 {
		return fmt.Errorf("%w: slot size %d is not a positive multiple of 64", ErrBadSegment, slotSize)
	}
	end := off + RingHeaderSize + slots*slotSize
	if end > total {
		return fmt.Errorf("%w: ring extends to %d beyond segment size %d", ErrBadSegment, end, total)
	}
	return nil
}

// Segment is a mapped shared memory segment. Mem stays valid until Close.
type Segment struct {
	File *os.File // backing file; nil for anonymous (in-memory) segments
	Mem  []byte   // memory-mapped region
	Path string   // backing file path; empty for anonymous segments
}

// Header returns the typed view of the segment header.
func (s *Segment) Header() *SegmentHeader {
	return (*SegmentHeader)(unsafe.Pointer(&s.Mem[0]))
}

// Ring returns the typed view of the ring control block at the given offset.
func (s *Segment) Ring(off uint64) *RingHeader {
	return (*RingHeader)(unsafe.Pointer(uintptr(unsafe.Pointer(&s.Mem[0])) + uintptr(off)))
}

// Anonymous reports whether the segment has no named backing file.
func (s *Segment) Anonymous() bool {
	return s.Path == ""
}

// Close unmaps the memory and closes the backing file. It does not unlink
// the segment name; the authoritative owner does that via Unlink.
func (s *Segment) Close() error {
	var firstErr error

	if s.Mem != nil {
		if err := unmapMemory(s.Mem); err != nil && firstErr == nil {
			firstErr = err
		}
		s.Mem = nil
	}

	if s.File != nil {
		if err := s.File.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.File = nil
	}

	return firstErr
}
