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
	"fmt"

	"github.com/shmbus/shmbus/internal/shm"
)

// Side selects which half of the exchange a process implements. The
// simulator side produces Feature messages and consumes Action messages;
// the agent side is the mirror image.
type Side uint8

const (
	SideSimulator Side = iota
	SideAgent
)

// String returns the side name.
func (s Side) String() string {
	switch s {
	case SideSimulator:
		return "simulator"
	case SideAgent:
		return "agent"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// Backing selects the memory behind a channel.
type Backing uint8

const (
	// SharedBacking uses a named shared memory segment reachable from a
	// second process. This is the default.
	SharedBacking Backing = iota

	// MemoryBacking uses an anonymous mapping visible only to the current
	// process. Intended for single-process tests; the synchronization code
	// path is identical.
	MemoryBacking
)

// Config names every OS-level shared resource a channel needs, plus the
// role flags. It is an explicit value object passed at construction; there
// is no ambient global naming.
type Config struct {
	// Side is the half of the exchange this process implements.
	Side Side

	// CreateSegment makes this process create the segment rather than
	// attach to an existing one. Whichever process starts first creates.
	// When LockName is set, creation is attach-or-create: the flag becomes
	// a preference and the lock file arbitrates the race.
	CreateSegment bool

	// OwnSegment marks this process as the authoritative owner of the
	// segment name: it unlinks the segment on Close. The non-owning
	// process never unlinks, regardless of creation order.
	OwnSegment bool

	// Capacity is the number of message slots per direction. It is rounded
	// up to a power of two; zero is invalid.
	Capacity uint32

	// UseVector switches both directions to vector mode, where each
	// exchange cycle carries up to VectorCap fixed-width elements instead
	// of a single struct.
	UseVector bool

	// VectorCap is the maximum element count per cycle in vector mode.
	VectorCap uint32

	// SegmentName names the shared memory segment.
	SegmentName string

	// LockName, when non-empty, names the lock file used to arbitrate
	// attach-or-create between two processes starting at once.
	LockName string

	// Backing selects shared (named, cross-process) or in-memory
	// (anonymous, single-process) storage.
	Backing Backing
}

// validate checks the configuration before any OS resource is touched.
func (c *Config) validate() error {
	if c.Side != SideSimulator && c.Side != SideAgent {
		return fmt.Errorf("config: unknown side %d", c.Side)
	}
	if c.Capacity == 0 {
		return errors.New("config: capacity must be positive")
	}
	if c.UseVector && c.VectorCap == 0 {
		return errors.New("config: vector mode requires a positive VectorCap")
	}
	if c.Backing == SharedBacking && c.SegmentName == "" {
		return errors.New("config: shared backing requires a segment name")
	}
	if c.Backing == MemoryBacking && !c.CreateSegment {
		return errors.New("config: memory backing cannot attach, only create")
	}
	return nil
}

// slots returns the per-direction slot count, rounded to a power of two.
func (c *Config) slots() uint64 {
	return shm.NextPowerOfTwo(uint64(c.Capacity))
}
