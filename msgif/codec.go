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
	"fmt"
	"reflect"
	"unsafe"
)

// Codec defines the fixed-layout transform between a message value and its
// slot bytes. Encodings are pure and deterministic: fixed width, fixed field
// order per schema version, no compression, no variable-length fields.
// Decode(Encode(x)) == x for every valid x.
type Codec[T any] interface {
	// Width returns the fixed encoded width in bytes.
	Width() int

	// Version returns the schema version stamped into every slot header.
	// Bump it whenever the layout changes; decoding a slot written with a
	// different version fails with ErrSchemaMismatch.
	Version() uint16

	// Encode writes v into dst, which is exactly Width() bytes.
	Encode(dst []byte, v *T) error

	// Decode reads dst, which is exactly Width() bytes, into v.
	Decode(src []byte, v *T) error
}

// viewer is implemented by codecs whose encoded form is the in-memory
// representation of T, allowing zero-copy slot access. PlainCodec is the
// canonical implementation.
type viewer[T any] interface {
	view(b []byte) *T
}

// PlainCodec encodes a POD struct as its in-memory representation. Both
// processes must be built from the same schema version of T, which the slot
// header enforces. Because the encoded form is the struct itself, channels
// using a PlainCodec hand out direct pointers into slot memory.
type PlainCodec[T any] struct {
	width   int
	align   int
	version uint16
}

// Plain builds a PlainCodec for T with the given schema version. It fails
// if T is not plain old data: anything containing pointers, strings,
// slices, maps, channels, functions, or interfaces does not have a
// compile-time-fixed width and cannot live in shared memory.
func Plain[T any](version uint16) (*PlainCodec[T], error) {
	var zero T
	t := reflect.TypeOf(zero)
	if err := checkPOD(t, t.String()); err != nil {
		return nil, err
	}
	if t.Size() == 0 {
		return nil, fmt.Errorf("message type %s has zero size", t)
	}
	if t.Align() > 8 {
		return nil, fmt.Errorf("message type %s requires %d-byte alignment, max is 8", t, t.Align())
	}
	return &PlainCodec[T]{
		width:   int(t.Size()),
		align:   t.Align(),
		version: version,
	}, nil
}

// MustPlain is Plain for statically known-good types; it panics on error.
func MustPlain[T any](version uint16) *PlainCodec[T] {
	c, err := Plain[T](version)
	if err != nil {
		panic(err)
	}
	return c
}

// Width returns the fixed encoded width in bytes.
func (c *PlainCodec[T]) Width() int { return c.width }

// Version returns the schema version.
func (c *PlainCodec[T]) Version() uint16 { return c.version }

// Encode copies v into dst.
func (c *PlainCodec[T]) Encode(dst []byte, v *T) error {
	if len(dst) != c.width {
		return fmt.Errorf("encode: need %d bytes, have %d", c.width, len(dst))
	}
	*c.view(dst) = *v
	return nil
}

// Decode copies src into v.
func (c *PlainCodec[T]) Decode(src []byte, v *T) error {
	if len(src) != c.width {
		return fmt.Errorf("decode: need %d bytes, have %d", c.width, len(src))
	}
	*v = *c.view(src)
	return nil
}

// view reinterprets b as a *T. b must be at least Width() bytes and
// suitably aligned; slot payloads always are (slots are 64-byte aligned and
// payloads start at an 8-byte-aligned offset).
func (c *PlainCodec[T]) view(b []byte) *T {
	return (*T)(unsafe.Pointer(&b[0]))
}

// checkPOD rejects any type whose memory representation contains pointers
// or is not fixed-width.
func checkPOD(t reflect.Type, path string) error {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		return nil
	case reflect.Array:
		return checkPOD(t.Elem(), path+"[...]")
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if err := checkPOD(f.Type, path+"."+f.Name); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("message type is not plain old data: %s has kind %s", path, t.Kind())
	}
}
