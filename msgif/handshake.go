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
	"time"
)

// waitPeer blocks until the other process has mapped the segment and marked
// itself ready. The creator waits for the attacher and vice versa. The ready
// flags flip exactly once, so cheap polling is sufficient here; the hot path
// futexes live in the ring control blocks.
func (c *core) waitPeer(ctx context.Context) error {
	hdr := c.ref.seg.Header()
	peerReady := hdr.AttacherReady
	if !c.created {
		peerReady = hdr.CreatorReady
	}

	ticker := time.NewTicker(1 * time.Millisecond)
	defer ticker.Stop()

	for {
		if peerReady() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitPeer blocks until the agent process has attached and validated the
// segment, or ctx expires.
func (e *SimulatorEnd[F, A]) WaitPeer(ctx context.Context) error {
	return e.c.waitPeer(ctx)
}

// WaitPeer blocks until the simulator process has attached and validated
// the segment, or ctx expires.
func (e *AgentEnd[F, A]) WaitPeer(ctx context.Context) error {
	return e.c.waitPeer(ctx)
}
