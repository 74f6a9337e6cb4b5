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

package shm

import "errors"

var (
	// ErrNameCollision is returned by Create when a segment with the
	// requested name already exists.
	ErrNameCollision = errors.New("shm: segment name already exists")

	// ErrNotFound is returned by Attach when no segment with the requested
	// name exists.
	ErrNotFound = errors.New("shm: segment not found")

	// ErrBadSegment is returned when an attached segment fails header or
	// ring validation.
	ErrBadSegment = errors.New("shm: invalid segment")

	// ErrWaitTimeout is returned by futexWaitTimeout when the wait times out.
	ErrWaitTimeout = errors.New("shm: wait timed out")

	// ErrUnsupported is returned on platforms without shared-memory support.
	ErrUnsupported = errors.New("shm: not supported on this platform")
)
