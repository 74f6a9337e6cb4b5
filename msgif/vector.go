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
	"encoding/binary"
	"fmt"
	"unsafe"
)

// Vector is a typed view over the element array of a vector-mode slot. The
// slot payload starts with an 8-byte count header (uint32 count plus 4
// reserved bytes, keeping elements 8-byte aligned) followed by up to Cap()
// fixed-width elements in place.
//
// A Vector is only valid between the BeginVec and End that produced it.
type Vector[T any] struct {
	buf   []byte // payload including the count header
	width int
	cap   int
	n     int
}

// newVector wraps a writable slot payload. The caller sets the length.
func newVector[T any](buf []byte, capElems, width int) *Vector[T] {
	return &Vector[T]{buf: buf, width: width, cap: capElems}
}

// loadVector wraps a published slot payload, validating the stored count
// against the declared payload length before exposing any element.
func loadVector[T any](buf []byte, capElems, width int) (*Vector[T], error) {
	if len(buf) < vecCountSize {
		return nil, fmt.Errorf("%w: vector payload of %d bytes lacks count header",
			ErrProtocolViolation, len(buf))
	}
	n := int(binary.LittleEndian.Uint32(buf[0:4]))
	if n > capElems {
		return nil, fmt.Errorf("%w: vector count %d exceeds capacity %d",
			ErrProtocolViolation, n, capElems)
	}
	if want := vecCountSize + n*width; len(buf) != want {
		return nil, fmt.Errorf("%w: vector payload %d bytes, count %d implies %d",
			ErrProtocolViolation, len(buf), n, want)
	}
	return &Vector[T]{buf: buf, width: width, cap: capElems, n: n}, nil
}

// Len returns the current element count.
func (v *Vector[T]) Len() int { return v.n }

// Cap returns the maximum element count the slot can carry.
func (v *Vector[T]) Cap() int { return v.cap }

// Resize sets the element count for this cycle. Elements beyond the old
// length are whatever the slot last held; fill them before End.
func (v *Vector[T]) Resize(n int) error {
	if n < 0 || n > v.cap {
		return fmt.Errorf("vector resize to %d outside [0, %d]", n, v.cap)
	}
	v.n = n
	return nil
}

// At returns a pointer to element i, addressing slot memory directly.
func (v *Vector[T]) At(i int) *T {
	if i < 0 || i >= v.n {
		panic(fmt.Sprintf("vector index %d out of range [0, %d)", i, v.n))
	}
	return (*T)(unsafe.Pointer(&v.buf[vecCountSize+i*v.width]))
}

// Slice returns the elements as a []T backed by slot memory.
func (v *Vector[T]) Slice() []T {
	if v.n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&v.buf[vecCountSize])), v.n)
}

// storeLen writes the element count into the slot's count header.
func (v *Vector[T]) storeLen() {
	binary.LittleEndian.PutUint32(v.buf[0:4], uint32(v.n))
	binary.LittleEndian.PutUint32(v.buf[4:8], 0)
}
