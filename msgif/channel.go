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

// Package msgif implements a dual-process shared-memory message interface:
// two independently scheduled processes (a simulator and an agent) exchange
// fixed-shape messages through a named shared memory segment holding one
// SPSC slot ring per direction, with blocking begin/end hand-off semantics
// and cooperative shutdown.
//
// The simulator publishes Feature messages and consumes Action messages;
// the agent mirrors it. Messages are delivered in publish order per
// direction, transient contention blocks rather than drops, and the only
// data-loss path is an explicit MarkFinished racing an in-flight operation
// (at most one message per direction).
package msgif

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/shmbus/shmbus/internal/shm"
)

// vecCountSize is the per-slot count header in vector mode: a uint32
// element count plus 4 reserved bytes, keeping elements 8-byte aligned.
const vecCountSize = 8

// segRef shares one mapped segment between the two ends of an in-process
// pair. The mapping is released when the last end closes.
type segRef struct {
	seg  *shm.Segment
	refs atomic.Int32
}

func newSegRef(seg *shm.Segment) *segRef {
	r := &segRef{seg: seg}
	r.refs.Store(1)
	return r
}

func (r *segRef) acquire() *segRef {
	r.refs.Add(1)
	return r
}

func (r *segRef) release() error {
	if r.refs.Add(-1) == 0 {
		return r.seg.Close()
	}
	return nil
}

// core carries the side-independent channel state shared by the typed ends.
type core struct {
	ref     *segRef
	cfg     Config
	feat    *shm.RingHeader
	act     *shm.RingHeader
	created bool // this process initialized the segment

	closeOnce sync.Once
	closeErr  error
}

// SimulatorEnd is the simulator's half of a channel: it sends Feature
// messages and receives Action messages.
type SimulatorEnd[F, A any] struct {
	Feature *Sender[F]
	Action  *Receiver[A]
	c       *core
}

// AgentEnd is the agent's half of a channel: it receives Feature messages
// and sends Action messages.
type AgentEnd[F, A any] struct {
	Feature *Receiver[F]
	Action  *Sender[A]
	c       *core
}

// OpenSimulator opens the simulator end of a channel described by cfg.
// cfg.Side must be SideSimulator.
func OpenSimulator[F, A any](cfg Config, featCodec Codec[F], actCodec Codec[A]) (*SimulatorEnd[F, A], error) {
	if cfg.Side != SideSimulator {
		return nil, fmt.Errorf("msgif: OpenSimulator with side %q", cfg.Side)
	}
	c, err := openCore(cfg, codecInfo(featCodec), codecInfo(actCodec))
	if err != nil {
		return nil, err
	}
	end, err := newSimulatorEnd[F, A](c, cfg, featCodec, actCodec)
	if err != nil {
		c.close()
		return nil, err
	}
	return end, nil
}

// OpenAgent opens the agent end of a channel described by cfg. cfg.Side
// must be SideAgent.
func OpenAgent[F, A any](cfg Config, featCodec Codec[F], actCodec Codec[A]) (*AgentEnd[F, A], error) {
	if cfg.Side != SideAgent {
		return nil, fmt.Errorf("msgif: OpenAgent with side %q", cfg.Side)
	}
	c, err := openCore(cfg, codecInfo(featCodec), codecInfo(actCodec))
	if err != nil {
		return nil, err
	}
	end, err := newAgentEnd[F, A](c, cfg, featCodec, actCodec)
	if err != nil {
		c.close()
		return nil, err
	}
	return end, nil
}

// OpenPair opens both ends of a channel over one segment in a single
// process. With MemoryBacking this is the single-process test and demo
// path; with SharedBacking it creates the named segment like a normal
// creator would.
func OpenPair[F, A any](cfg Config, featCodec Codec[F], actCodec Codec[A]) (*SimulatorEnd[F, A], *AgentEnd[F, A], error) {
	simCfg := cfg
	simCfg.Side = SideSimulator
	simCfg.CreateSegment = true

	c, err := openCore(simCfg, codecInfo(featCodec), codecInfo(actCodec))
	if err != nil {
		return nil, nil, err
	}

	sim, err := newSimulatorEnd[F, A](c, simCfg, featCodec, actCodec)
	if err != nil {
		c.close()
		return nil, nil, err
	}

	agentCfg := simCfg
	agentCfg.Side = SideAgent
	agentCfg.OwnSegment = false
	c2 := &core{
		ref:     c.ref.acquire(),
		cfg:     agentCfg,
		feat:    c.feat,
		act:     c.act,
		created: false,
	}
	agent, err := newAgentEnd[F, A](c2, agentCfg, featCodec, actCodec)
	if err != nil {
		c2.close()
		sim.Close()
		return nil, nil, err
	}

	hdr := c.ref.seg.Header()
	hdr.SetAttacherPID(uint32(os.Getpid()))
	hdr.SetAttacherReady(true)
	return sim, agent, nil
}

func newSimulatorEnd[F, A any](c *core, cfg Config, featCodec Codec[F], actCodec Codec[A]) (*SimulatorEnd[F, A], error) {
	if !c.feat.AcquireWriter() {
		return nil, fmt.Errorf("%w: feature direction already has a writer", ErrConcurrencyViolation)
	}
	if !c.act.AcquireReader() {
		c.feat.ReleaseWriter()
		return nil, fmt.Errorf("%w: action direction already has a reader", ErrConcurrencyViolation)
	}
	tx, err := newSender(c.feat, featCodec, cfg)
	if err != nil {
		return nil, err
	}
	rx, err := newReceiver(c.act, actCodec, cfg)
	if err != nil {
		return nil, err
	}
	return &SimulatorEnd[F, A]{Feature: tx, Action: rx, c: c}, nil
}

func newAgentEnd[F, A any](c *core, cfg Config, featCodec Codec[F], actCodec Codec[A]) (*AgentEnd[F, A], error) {
	if !c.feat.AcquireReader() {
		return nil, fmt.Errorf("%w: feature direction already has a reader", ErrConcurrencyViolation)
	}
	if !c.act.AcquireWriter() {
		c.feat.ReleaseReader()
		return nil, fmt.Errorf("%w: action direction already has a writer", ErrConcurrencyViolation)
	}
	rx, err := newReceiver(c.feat, featCodec, cfg)
	if err != nil {
		return nil, err
	}
	tx, err := newSender(c.act, actCodec, cfg)
	if err != nil {
		return nil, err
	}
	return &AgentEnd[F, A]{Feature: rx, Action: tx, c: c}, nil
}

// wireInfo is the layout-relevant subset of a codec.
type wireInfo struct {
	width   uint32
	version uint16
}

func codecInfo[T any](c Codec[T]) wireInfo {
	return wireInfo{width: uint32(c.Width()), version: c.Version()}
}

// slotSizeFor computes the aligned slot size for a direction.
func slotSizeFor(cfg Config, info wireInfo) uint64 {
	payload := uint64(info.width)
	if cfg.UseVector {
		payload = vecCountSize + uint64(cfg.VectorCap)*uint64(info.width)
	}
	return align64(slotHeaderSize + payload)
}

func align64(n uint64) uint64 {
	return (n + 63) &^ 63
}

// openCore maps (or creates) the segment and returns the validated channel
// core. The creator initializes all headers; the attacher validates that
// capacity, layout, and schema versions match its own configuration before
// touching either ring.
func openCore(cfg Config, feat, act wireInfo) (*core, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	slots := cfg.slots()
	featSlot := slotSizeFor(cfg, feat)
	actSlot := slotSizeFor(cfg, act)

	layout, err := shm.CalculateLayout(slots, featSlot, slots, actSlot)
	if err != nil {
		return nil, err
	}

	initFn := func(s *shm.Segment) error {
		initSegment(s, cfg, layout, slots, featSlot, actSlot, feat, act)
		return nil
	}

	var (
		seg     *shm.Segment
		created bool
	)
	switch {
	case cfg.Backing == MemoryBacking:
		seg, err = shm.Anonymous(layout.TotalSize)
		created = true
	case cfg.LockName != "":
		// The lock covers header initialization, so a peer arbitrated by
		// the same lock cannot attach to a half-initialized segment.
		seg, created, err = shm.CreateOrAttach(cfg.SegmentName, cfg.LockName, layout.TotalSize, initFn)
	case cfg.CreateSegment:
		seg, err = shm.Create(cfg.SegmentName, layout.TotalSize)
		created = true
	default:
		seg, err = shm.Attach(cfg.SegmentName)
	}
	if err != nil {
		return nil, err
	}

	c := &core{ref: newSegRef(seg), cfg: cfg, created: created}

	if created {
		if cfg.LockName == "" || cfg.Backing == MemoryBacking {
			initSegment(seg, cfg, layout, slots, featSlot, actSlot, feat, act)
		}
	} else if err := c.checkSegment(cfg, slots, featSlot, actSlot, feat, act); err != nil {
		c.ref.release()
		return nil, err
	}

	hdr := seg.Header()
	c.feat = seg.Ring(hdr.FeatureOffset())
	c.act = seg.Ring(hdr.ActionOffset())
	return c, nil
}

// initSegment writes the segment and ring headers. The ready flag is the
// last store, so an attacher never observes a half-initialized layout.
func initSegment(seg *shm.Segment, cfg Config, layout shm.Layout, slots, featSlot, actSlot uint64, feat, act wireInfo) {
	hdr := seg.Header()

	var magic [8]byte
	copy(magic[:], shm.SegmentMagic)
	hdr.SetMagic(magic)
	hdr.SetVersion(shm.SegmentVersion)
	var flags uint32
	if cfg.UseVector {
		flags |= shm.FlagVectorMode
	}
	hdr.SetFlags(flags)
	hdr.SetTotalSize(layout.TotalSize)
	hdr.SetFeatureOffset(layout.FeatureOffset)
	hdr.SetActionOffset(layout.ActionOffset)
	hdr.SetFeatureSchema(uint32(feat.version))
	hdr.SetActionSchema(uint32(act.version))
	hdr.SetCreatorPID(uint32(os.Getpid()))

	fr := seg.Ring(layout.FeatureOffset)
	fr.SetSlots(slots)
	fr.SetSlotSize(featSlot)

	ar := seg.Ring(layout.ActionOffset)
	ar.SetSlots(slots)
	ar.SetSlotSize(actSlot)

	hdr.SetCreatorReady(true)
}

// checkSegment validates an attached segment against this process's own
// configuration and codecs. Any mismatch is a construction-time error.
func (c *core) checkSegment(cfg Config, slots, featSlot, actSlot uint64, feat, act wireInfo) error {
	seg := c.ref.seg
	hdr := seg.Header()

	wantFlags := uint32(0)
	if cfg.UseVector {
		wantFlags |= shm.FlagVectorMode
	}
	if hdr.Flags() != wantFlags {
		return fmt.Errorf("%w: segment flags 0x%x, expected 0x%x", shm.ErrBadSegment, hdr.Flags(), wantFlags)
	}
	if hdr.FeatureSchema() != uint32(feat.version) {
		return fmt.Errorf("%w: segment feature schema %d, codec version %d",
			ErrSchemaMismatch, hdr.FeatureSchema(), feat.version)
	}
	if hdr.ActionSchema() != uint32(act.version) {
		return fmt.Errorf("%w: segment action schema %d, codec version %d",
			ErrSchemaMismatch, hdr.ActionSchema(), act.version)
	}

	total := hdr.TotalSize()
	fr := seg.Ring(hdr.FeatureOffset())
	if err := shm.ValidateRingHeader(fr, hdr.FeatureOffset(), total); err != nil {
		return err
	}
	ar := seg.Ring(hdr.ActionOffset())
	if err := shm.ValidateRingHeader(ar, hdr.ActionOffset(), total); err != nil {
		return err
	}

	if fr.Slots() != slots || ar.Slots() != slots {
		return fmt.Errorf("%w: segment capacity %d/%d slots, configured %d",
			shm.ErrBadSegment, fr.Slots(), ar.Slots(), slots)
	}
	if fr.SlotSize() != featSlot {
		return fmt.Errorf("%w: feature slot size %d, codec layout needs %d",
			ErrSchemaMismatch, fr.SlotSize(), featSlot)
	}
	if ar.SlotSize() != actSlot {
		return fmt.Errorf("%w: action slot size %d, codec layout needs %d",
			ErrSchemaMismatch, ar.SlotSize(), actSlot)
	}

	hdr.SetAttacherPID(uint32(os.Getpid()))
	hdr.SetAttacherReady(true)
	return nil
}

// markFinished flags both directions and wakes every blocked caller.
func (c *core) markFinished() {
	for _, h := range []*shm.RingHeader{c.feat, c.act} {
		h.SetFinished()
		// Bumping the sequences makes a waiter caught between its snapshot
		// and futex entry fall through the pre-check instead of sleeping
		// out the poll interval.
		h.BumpDataSeq()
		h.BumpSpaceSeq()
		shm.FutexWakeAll(h.DataSeqWord())
		shm.FutexWakeAll(h.SpaceSeqWord())
	}
}

// finishedAny reports whether either direction has been marked finished.
func (c *core) finishedAny() bool {
	return c.feat.Finished() || c.act.Finished()
}

// close releases this end's SPSC roles and the mapping. The authoritative
// owner also unlinks the segment name; the peer never does.
func (c *core) close() error {
	c.closeOnce.Do(func() {
		var firstErr error
		if c.cfg.OwnSegment && c.cfg.Backing == SharedBacking {
			if err := shm.Unlink(c.cfg.SegmentName); err != nil && !errors.Is(err, shm.ErrNotFound) {
				firstErr = err
			}
			if c.cfg.LockName != "" {
				if err := shm.Unlink(c.cfg.LockName); err != nil && !errors.Is(err, shm.ErrNotFound) && firstErr == nil {
					firstErr = err
				}
			}
		}
		if err := c.ref.release(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.closeErr = firstErr
	})
	return c.closeErr
}

// Simulator end lifecycle.

// MarkFinished cooperatively shuts the channel down: both directions stop
// accepting new sends, receivers drain and then observe ErrChannelClosed,
// and every blocked caller wakes immediately. Idempotent.
func (e *SimulatorEnd[F, A]) MarkFinished() { e.c.markFinished() }

// Finished reports whether either side has marked the channel finished.
func (e *SimulatorEnd[F, A]) Finished() bool { return e.c.finishedAny() }

// Close releases this end's resources. The segment name is unlinked only
// when this end owns the segment (Config.OwnSegment).
func (e *SimulatorEnd[F, A]) Close() error {
	e.c.feat.ReleaseWriter()
	e.c.act.ReleaseReader()
	return e.c.close()
}

// Agent end lifecycle.

// MarkFinished cooperatively shuts the channel down; see
// SimulatorEnd.MarkFinished.
func (e *AgentEnd[F, A]) MarkFinished() { e.c.markFinished() }

// Finished reports whether either side has marked the channel finished.
func (e *AgentEnd[F, A]) Finished() bool { return e.c.finishedAny() }

// Close releases this end's resources.
func (e *AgentEnd[F, A]) Close() error {
	e.c.feat.ReleaseReader()
	e.c.act.ReleaseWriter()
	return e.c.close()
}
