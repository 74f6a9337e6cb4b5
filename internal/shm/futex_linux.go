//go:build linux && (amd64 || arm64)

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

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The futex words live inside the shared mapping and are waited on from two
// different processes, so FUTEX_WAIT/FUTEX_WAKE are used without the
// PRIVATE flag.

// Futex operation codes from the Linux ABI (<linux/futex.h>); x/sys/unix
// does not export them.
const (
	futexWaitOp = 0 // FUTEX_WAIT
	futexWakeOp = 1 // FUTEX_WAKE
)

// FutexWait waits for the value at addr to change from val. It returns when
// either the value at addr is no longer equal to val, another process calls
// FutexWake on the same address, or the syscall is interrupted.
//
// Call this only when the logical condition is unmet and *addr == val, and
// always re-check the condition after it returns: spurious wakes happen.
func FutexWait(addr *uint32, val uint32) error {
	// Re-check the value atomically before entering the syscall. This closes
	// the lost-wake race where the peer bumps the sequence and wakes between
	// our snapshot and futex entry.
	if atomic.LoadUint32(addr) != val {
		return nil
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWaitOp),
		uintptr(val),
		0, // timeout: infinite
		0,
		0,
	)

	if errno != 0 {
		// EAGAIN: value no longer matched. EINTR: signal. Both mean the
		// caller should just re-check its condition.
		if errno == unix.EAGAIN || errno == unix.EINTR {
			return nil
		}
		return fmt.Errorf("futex wait failed: %w", errno)
	}
	return nil
}

// FutexWaitTimeout waits on addr until the value changes from val or the
// timeout elapses. timeoutNs <= 0 means wait without a timeout. Returns
// ErrWaitTimeout when the wait times out.
func FutexWaitTimeout(addr *uint32, val uint32, timeoutNs int64) error {
	if timeoutNs <= 0 {
		return FutexWait(addr, val)
	}

	if atomic.LoadUint32(addr) != val {
		return nil
	}

	ts := unix.NsecToTimespec(timeoutNs)

	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWaitOp),
		uintptr(val),
		uintptr(unsafe.Pointer(&ts)),
		0,
		0,
	)

	if errno != 0 {
		if errno == unix.EAGAIN || errno == unix.EINTR {
			return nil
		}
		if errno == unix.ETIMEDOUT {
			return ErrWaitTimeout
		}
		return fmt.Errorf("futex wait failed: %w", errno)
	}
	return nil
}

// FutexWake wakes up to n waiters blocked on addr and returns the number of
// waiters actually woken.
func FutexWake(addr *uint32, n int) (int, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWakeOp),
		uintptr(n),
		0,
		0,
		0,
	)

	if errno != 0 {
		return 0, fmt.Errorf("futex wake failed: %w", errno)
	}
	return int(r1), nil
}

// FutexWakeAll wakes every waiter blocked on addr. Used by MarkFinished,
// which must unblock all pending callers immediately.
func FutexWakeAll(addr *uint32) {
	FutexWake(addr, int(^uint32(0)>>1))
}
