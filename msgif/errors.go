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
	"errors"

	"github.com/shmbus/shmbus/internal/shm"
)

var (
	// ErrNameCollision is returned when creating a channel whose segment
	// name already exists and attach-or-create was not requested.
	ErrNameCollision = shm.ErrNameCollision

	// ErrNotFound is returned when attaching to a channel whose segment
	// does not exist.
	ErrNotFound = shm.ErrNotFound

	// ErrSchemaMismatch is returned when a slot (or a segment at attach
	// time) was written with an incompatible codec schema version.
	// Mismatched data is never silently reinterpreted.
	ErrSchemaMismatch = errors.New("msgif: schema version mismatch")

	// ErrChannelClosed is the expected terminal condition: the channel has
	// been marked finished and, on the receive side, all published messages
	// have been drained. Callers handle it in their shutdown path.
	ErrChannelClosed = errors.New("msgif: channel closed")

	// ErrProtocolViolation indicates a broken begin/end pairing: End called
	// twice, or without a matching Begin. This is a caller bug; fail fast.
	ErrProtocolViolation = errors.New("msgif: begin/end protocol violation")

	// ErrConcurrencyViolation indicates a second concurrent writer or
	// reader on a direction that supports exactly one of each. This is a
	// caller bug; fail fast.
	ErrConcurrencyViolation = errors.New("msgif: concurrent access violates SPSC contract")
)
