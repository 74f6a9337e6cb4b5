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
	"fmt"

	"github.com/shmbus/shmbus/internal/shm"
)

// Sender is the writing half of one direction. Begin blocks until the next
// slot is free and hands out a typed view of it; End publishes. The pairing
// is strict: every Begin is followed by exactly one End, and skipping End
// leaves the slot borrowed forever. Use Send for scope-safe pairing.
//
// A Sender supports exactly one active writer; concurrent Begin calls fail
// with ErrConcurrencyViolation.
type Sender[T any] struct {
	r      *ring
	codec  Codec[T]
	vector bool
	vcap   uint32

	// per-operation state, valid between Begin and End
	buf     []byte
	vec     *Vector[T]
	scratch T
	staged  bool // scratch must be encoded into buf at End
}

func newSender[T any](hdr *shm.RingHeader, codec Codec[T], cfg Config) (*Sender[T], error) {
	if cfg.UseVector {
		if _, ok := codec.(viewer[T]); !ok {
			return nil, fmt.Errorf("msgif: vector mode requires an in-place codec such as PlainCodec")
		}
	}
	return &Sender[T]{
		r:      newRing(hdr, codec.Version(), uint32(codec.Width())),
		codec:  codec,
		vector: cfg.UseVector,
		vcap:   cfg.VectorCap,
	}, nil
}

// Receiver is the reading half of one direction; the mirror of Sender.
type Receiver[T any] struct {
	r      *ring
	codec  Codec[T]
	vector bool
	vcap   uint32

	vec     *Vector[T]
	scratch T
}

func newReceiver[T any](hdr *shm.RingHeader, codec Codec[T], cfg Config) (*Receiver[T], error) {
	if cfg.UseVector {
		if _, ok := codec.(viewer[T]); !ok {
			return nil, fmt.Errorf("msgif: vector mode requires an in-place codec such as PlainCodec")
		}
	}
	return &Receiver[T]{
		r:      newRing(hdr, codec.Version(), uint32(codec.Width())),
		codec:  codec,
		vector: cfg.UseVector,
		vcap:   cfg.VectorCap,
	}, nil
}

// Begin blocks until a slot is free, borrows it, and returns a typed
// pointer for in-place filling. With a PlainCodec the pointer addresses
// slot memory directly (zero copy); other codecs are staged locally and
// encoded at End.
func (s *Sender[T]) Begin(ctx context.Context) (*T, error) {
	if s.vector {
		return nil, fmt.Errorf("%w: Begin on a vector-mode channel, use BeginVec", ErrProtocolViolation)
	}
	buf, err := s.r.sendBegin(ctx)
	if err != nil {
		return nil, err
	}
	s.buf = buf[:s.codec.Width()]
	if v, ok := s.codec.(viewer[T]); ok {
		s.staged = false
		return v.view(s.buf), nil
	}
	s.staged = true
	s.scratch = *new(T)
	return &s.scratch, nil
}

// End publishes the slot borrowed by the last Begin. It must be called
// exactly once per Begin; anything else fails with ErrProtocolViolation.
func (s *Sender[T]) End() error {
	if s.staged && s.buf != nil {
		if err := s.codec.Encode(s.buf, &s.scratch); err != nil {
			return err
		}
	}
	if s.vec != nil {
		s.r.setPendingLength(vecCountSize + uint32(s.vec.Len())*uint32(s.codec.Width()))
		s.vec.storeLen()
		s.vec = nil
	}
	s.buf = nil
	s.staged = false
	return s.r.sendEnd()
}

// BeginVec is Begin for vector-mode channels: it borrows the next slot and
// returns a Vector view over its element array, initially of length zero.
func (s *Sender[T]) BeginVec(ctx context.Context) (*Vector[T], error) {
	if !s.vector {
		return nil, fmt.Errorf("%w: BeginVec on a struct-mode channel, use Begin", ErrProtocolViolation)
	}
	buf, err := s.r.sendBegin(ctx)
	if err != nil {
		return nil, err
	}
	vec := newVector[T](buf, int(s.vcap), s.codec.Width())
	vec.Resize(0)
	s.vec = vec
	return vec, nil
}

// Begin blocks until a published message is available and returns a typed
// read view of it. After MarkFinished it drains the remaining messages,
// then fails with ErrChannelClosed.
func (r *Receiver[T]) Begin(ctx context.Context) (*T, error) {
	if r.vector {
		return nil, fmt.Errorf("%w: Begin on a vector-mode channel, use BeginVec", ErrProtocolViolation)
	}
	buf, err := r.r.recvBegin(ctx)
	if err != nil {
		return nil, err
	}
	if len(buf) != r.codec.Width() {
		r.r.recvEnd()
		return nil, fmt.Errorf("%w: message length %d, codec width %d",
			ErrSchemaMismatch, len(buf), r.codec.Width())
	}
	if v, ok := r.codec.(viewer[T]); ok {
		return v.view(buf), nil
	}
	if err := r.codec.Decode(buf, &r.scratch); err != nil {
		r.r.recvEnd()
		return nil, err
	}
	return &r.scratch, nil
}

// End marks the message consumed, freeing its slot for the writer. It must
// be called exactly once per Begin.
func (r *Receiver[T]) End() error {
	r.vec = nil
	return r.r.recvEnd()
}

// BeginVec is Begin for vector-mode channels: it returns a read view of the
// published element vector.
func (r *Receiver[T]) BeginVec(ctx context.Context) (*Vector[T], error) {
	if !r.vector {
		return nil, fmt.Errorf("%w: BeginVec on a struct-mode channel, use Begin", ErrProtocolViolation)
	}
	buf, err := r.r.recvBegin(ctx)
	if err != nil {
		return nil, err
	}
	vec, err := loadVector[T](buf, int(r.vcap), r.codec.Width())
	if err != nil {
		r.r.recvEnd()
		return nil, err
	}
	r.vec = vec
	return vec, nil
}
