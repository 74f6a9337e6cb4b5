//go:build !linux || !(amd64 || arm64)

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

func init() {
	unmapMemory = func([]byte) error { return nil }
}

// FutexWait is unsupported on this platform.
func FutexWait(addr *uint32, val uint32) error {
	return ErrUnsupported
}

// FutexWaitTimeout is unsupported on this platform.
func FutexWaitTimeout(addr *uint32, val uint32, timeoutNs int64) error {
	return ErrUnsupported
}

// FutexWake is unsupported on this platform.
func FutexWake(addr *uint32, n int) (int, error) {
	return 0, ErrUnsupported
}

// FutexWakeAll is unsupported on this platform.
func FutexWakeAll(addr *uint32) {}

// Create is unsupported on this platform.
func Create(name string, size uint64) (*Segment, error) {
	return nil, ErrUnsupported
}

// Attach is unsupported on this platform.
func Attach(name string) (*Segment, error) {
	return nil, ErrUnsupported
}

// CreateOrAttach is unsupported on this platform.
func CreateOrAttach(name, lockName string, size uint64, init func(*Segment) error) (*Segment, bool, error) {
	return nil, false, ErrUnsupported
}

// Unlink is unsupported on this platform.
func Unlink(name string) error {
	return ErrUnsupported
}

// Exists reports whether a segment with the given name exists.
func Exists(name string) bool {
	return false
}

// Anonymous is unsupported on this platform.
func Anonymous(size uint64) (*Segment, error) {
	return nil, ErrUnsupported
}
