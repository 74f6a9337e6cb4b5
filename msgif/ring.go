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

package msgif

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shmbus/shmbus/internal/shm"
)

// Slot header layout (16 bytes, little-endian):
//
//	uint64 seq     // monotonic index of this publish
//	uint16 ready   // 0 free, 1 published
//	uint16 schema  // codec schema version
//	uint32 length  // payload byte length
const slotHeaderSize = 16

const slotReady = uint16(1)

// pollInterval bounds every futex wait so blocked callers notice context
// cancellation even without a deadline.
const pollInterval = 250 * time.Millisecond

// ring is one direction of a channel: an SPSC slot ring over a shared
// control block. Exactly one goroutine may act as its writer and one as its
// reader at any instant; a process endpoint uses only one of the two halves.
//
// Blocking is event-driven, never spin-forever: the producer waits on the
// spaceSeq futex word when the ring is full, the consumer on dataSeq when it
// is empty, and the peer bumps-and-wakes only on the empty/full boundary
// transitions.
type ring struct {
	hdr        *shm.RingHeader
	slots      uint64
	slotSize   uint64
	schema     uint16
	width      uint32 // default payload length stamped at sendEnd
	payloadCap uint32 // usable payload bytes per slot

	// Local begin/end pairing state for the single side this endpoint
	// drives. A begun slot is an exclusive borrow of its memory; End
	// returns it. inflight doubles as the fast-fail detector for a second
	// concurrent caller.
	inflight atomic.Uint32
	cur      uint64 // monotonic index of the begun slot
	curLen   uint32 // payload length to stamp at sendEnd
}

func newRing(hdr *shm.RingHeader, schema uint16, width uint32) *ring {
	slots := hdr.Slots()
	slotSize := hdr.SlotSize()
	return &ring{
		hdr:        hdr,
		slots:      slots,
		slotSize:   slotSize,
		schema:     schema,
		width:      width,
		payloadCap: uint32(slotSize - slotHeaderSize),
	}
}

// payload returns the payload area of the slot at monotonic index idx.
func (r *ring) payload(idx uint64) []byte {
	return r.hdr.Slot(idx)[slotHeaderSize:]
}

// waitTimeout computes the next futex wait bound from the context deadline
// and the cancellation poll interval.
func waitTimeout(ctx context.Context) (int64, error) {
	timeout := pollInterval
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, context.DeadlineExceeded
		}
		if remaining < timeout {
			timeout = remaining
		}
	}
	return timeout.Nanoseconds(), nil
}

// sendBegin blocks until the next slot is free, then borrows it and returns
// its payload area for in-place filling. It fails with ErrChannelClosed once
// the direction is finished and with ErrConcurrencyViolation when a begin is
// already outstanding (a second active writer).
func (r *ring) sendBegin(ctx context.Context) ([]byte, error) {
	if !r.inflight.CompareAndSwap(0, 1) {
		return nil, fmt.Errorf("%w: send already in progress", ErrConcurrencyViolation)
	}

	for {
		if r.hdr.Finished() {
			r.inflight.Store(0)
			return nil, ErrChannelClosed
		}
		if err := ctx.Err(); err != nil {
			r.inflight.Store(0)
			return nil, err
		}

		// Snapshot the wake sequence before re-checking the indices; if the
		// consumer frees a slot after this point it bumps the sequence and
		// the futex pre-check falls through instead of sleeping.
		seq := r.hdr.SpaceSeq()
		w := r.hdr.WriteIndex()
		rd := r.hdr.ReadIndex()

		if w-rd < r.slots {
			r.cur = w
			r.curLen = r.width
			return r.payload(w)[:r.payloadCap], nil
		}

		// Ring full: backpressure, never data loss.
		timeoutNs, err := waitTimeout(ctx)
		if err != nil {
			r.inflight.Store(0)
			return nil, err
		}
		if err := shm.FutexWaitTimeout(r.hdr.SpaceSeqWord(), seq, timeoutNs); err != nil &&
			!errors.Is(err, shm.ErrWaitTimeout) {
			r.inflight.Store(0)
			return nil, err
		}
	}
}

// setPendingLength overrides the payload length stamped by the next sendEnd.
// Used by vector mode, where the element count varies per cycle.
func (r *ring) setPendingLength(n uint32) {
	r.curLen = n
}

// sendEnd publishes the borrowed slot: stamps the slot header, advances the
// write index, and wakes a blocked reader on the empty boundary. Must be
// called exactly once per sendBegin.
func (r *ring) sendEnd() error {
	if !r.inflight.CompareAndSwap(1, 0) {
		return fmt.Errorf("%w: send end without matching begin", ErrProtocolViolation)
	}

	// A finish raced with the in-flight send; the borrowed slot is
	// discarded. This is the single documented data-loss path.
	if r.hdr.Finished() {
		return ErrChannelClosed
	}

	w := r.cur
	slot := r.hdr.Slot(w)
	binary.LittleEndian.PutUint64(slot[0:8], w)
	binary.LittleEndian.PutUint16(slot[8:10], slotReady)
	binary.LittleEndian.PutUint16(slot[10:12], r.schema)
	binary.LittleEndian.PutUint32(slot[12:16], r.curLen)

	usedBefore := w - r.hdr.ReadIndex()
	r.hdr.SetWriteIndex(w + 1)

	// Wake the reader only on the empty -> non-empty transition; a reader
	// can only be blocked if it observed an empty ring.
	if usedBefore == 0 {
		r.hdr.BumpDataSeq()
		shm.FutexWake(r.hdr.DataSeqWord(), 1)
	}
	return nil
}

// recvBegin blocks until a published slot is available and returns a
// read-only view of its payload. After the direction is finished it drains
// the remaining published slots, then fails with ErrChannelClosed.
func (r *ring) recvBegin(ctx context.Context) ([]byte, error) {
	if !r.inflight.CompareAndSwap(0, 1) {
		return nil, fmt.Errorf("%w: receive already in progress", ErrConcurrencyViolation)
	}

	for {
		seq := r.hdr.DataSeq()
		w := r.hdr.WriteIndex()
		rd := r.hdr.ReadIndex()

		if w-rd > 0 {
			slot := r.hdr.Slot(rd)
			if err := r.checkSlot(slot, rd); err != nil {
				r.inflight.Store(0)
				return nil, err
			}
			length := binary.LittleEndian.Uint32(slot[12:16])
			if length > r.payloadCap {
				r.inflight.Store(0)
				return nil, fmt.Errorf("%w: slot %d declares %d payload bytes, capacity %d",
					ErrProtocolViolation, rd, length, r.payloadCap)
			}
			r.cur = rd
			return slot[slotHeaderSize : slotHeaderSize+uint64(length)], nil
		}

		// Drain before close: the finished flag only terminates the
		// direction once no published data remains.
		if r.hdr.Finished() {
			r.inflight.Store(0)
			return nil, ErrChannelClosed
		}
		if err := ctx.Err(); err != nil {
			r.inflight.Store(0)
			return nil, err
		}

		timeoutNs, err := waitTimeout(ctx)
		if err != nil {
			r.inflight.Store(0)
			return nil, err
		}
		if err := shm.FutexWaitTimeout(r.hdr.DataSeqWord(), seq, timeoutNs); err != nil &&
			!errors.Is(err, shm.ErrWaitTimeout) {
			r.inflight.Store(0)
			return nil, err
		}
	}
}

// checkSlot validates the slot header of a published slot before exposing
// its payload.
func (r *ring) checkSlot(slot []byte, idx uint64) error {
	if got := binary.LittleEndian.Uint16(slot[8:10]); got != slotReady {
		return fmt.Errorf("%w: slot %d published without ready flag", ErrProtocolViolation, idx)
	}
	if got := binary.LittleEndian.Uint64(slot[0:8]); got != idx {
		return fmt.Errorf("%w: slot sequence %d, expected %d", ErrProtocolViolation, got, idx)
	}
	if got := binary.LittleEndian.Uint16(slot[10:12]); got != r.schema {
		return fmt.Errorf("%w: slot written with schema %d, reader expects %d",
			ErrSchemaMismatch, got, r.schema)
	}
	return nil
}

// recvEnd marks the borrowed slot consumed, advances the read index, and
// wakes a blocked writer on the full boundary (backpressure release). Must
// be called exactly once per recvBegin.
func (r *ring) recvEnd() error {
	if !r.inflight.CompareAndSwap(1, 0) {
		return fmt.Errorf("%w: receive end without matching begin", ErrProtocolViolation)
	}

	rd := r.cur
	slot := r.hdr.Slot(rd)
	binary.LittleEndian.PutUint16(slot[8:10], 0) // slot free again

	usedBefore := r.hdr.WriteIndex() - rd
	r.hdr.SetReadIndex(rd + 1)

	// Wake the writer only on the full -> non-full transition; a writer can
	// only be blocked if it observed a full ring.
	if usedBefore == r.slots {
		r.hdr.BumpSpaceSeq()
		shm.FutexWake(r.hdr.SpaceSeqWord(), 1)
	}
	return nil
}
