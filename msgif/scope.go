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

import "context"

// Send runs one full send cycle: Begin, fill via the callback, End. The End
// always runs once Begin succeeded, so a panic or error in fill cannot leak
// the borrowed slot. The fill error, if any, wins over the End error.
func Send[T any](ctx context.Context, s *Sender[T], fill func(*T) error) error {
	v, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	fillErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.End()
				panic(r)
			}
		}()
		return fill(v)
	}()
	endErr := s.End()
	if fillErr != nil {
		return fillErr
	}
	return endErr
}

// Recv runs one full receive cycle: Begin, read via the callback, End.
// Pairing is guaranteed the same way as Send.
func Recv[T any](ctx context.Context, r *Receiver[T], read func(*T) error) error {
	v, err := r.Begin(ctx)
	if err != nil {
		return err
	}
	readErr := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				r.End()
				panic(p)
			}
		}()
		return read(v)
	}()
	endErr := r.End()
	if readErr != nil {
		return readErr
	}
	return endErr
}

// SendVec is Send for vector-mode channels.
func SendVec[T any](ctx context.Context, s *Sender[T], fill func(*Vector[T]) error) error {
	v, err := s.BeginVec(ctx)
	if err != nil {
		return err
	}
	fillErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.End()
				panic(r)
			}
		}()
		return fill(v)
	}()
	endErr := s.End()
	if fillErr != nil {
		return fillErr
	}
	return endErr
}

// RecvVec is Recv for vector-mode channels.
func RecvVec[T any](ctx context.Context, r *Receiver[T], read func(*Vector[T]) error) error {
	v, err := r.BeginVec(ctx)
	if err != nil {
		return err
	}
	readErr := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				r.End()
				panic(p)
			}
		}()
		return read(v)
	}()
	endErr := r.End()
	if readErr != nil {
		return readErr
	}
	return endErr
}
