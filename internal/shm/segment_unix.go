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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

func init() {
	unmapMemory = munmapImpl
}

// Create creates a new shared memory segment of the given size. It fails
// with ErrNameCollision if a segment with that name already exists. The
// returned mapping is zero-filled; the caller initializes the headers.
func Create(name string, size uint64) (*Segment, error) {
	path := segmentPath(name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNameCollision, path)
		}
		return nil, fmt.Errorf("create segment file %s: %w", path, err)
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(size)); err != nil {
		cleanup()
		return nil, fmt.Errorf("resize segment file: %w", err)
	}

	mem, err := mmapFile(file, int(size))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("mmap segment: %w", err)
	}

	Debug("segment created", "path", path, "size", size)
	return &Segment{File: file, Mem: mem, Path: path}, nil
}

// Attach opens an existing shared memory segment. It fails with ErrNotFound
// if no segment with that name exists, and validates the header before
// returning.
func Attach(name string) (*Segment, error) {
	path := segmentPath(name)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("open segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat segment file: %w", err)
	}

	size := info.Size()
	if size < SegmentHeaderSize {
		file.Close()
		return nil, fmt.Errorf("%w: file too small (%d bytes)", ErrBadSegment, size)
	}

	mem, err := mmapFile(file, int(size))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("mmap segment: %w", err)
	}

	seg := &Segment{File: file, Mem: mem, Path: path}
	if err := ValidateSegmentHeader(seg.Header(), uint64(size)); err != nil {
		munmapImpl(mem)
		file.Close()
		return nil, err
	}

	Debug("segment attached", "path", path, "size", size)
	return seg, nil
}

// CreateOrAttach creates the segment if it does not exist, otherwise
// attaches to it. The race between two processes starting at once is
// arbitrated by an flock on a lock file named lockName, so exactly one of
// them observes created == true. The init callback runs on the create path
// while the lock is still held, so an attacher arbitrated by the same lock
// never observes a half-initialized segment. size only applies to the
// create path.
func CreateOrAttach(name, lockName string, size uint64, init func(*Segment) error) (seg *Segment, created bool, err error) {
	lockPath := segmentPath(lockName)
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, false, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}
	defer lock.Close()

	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX); err != nil {
		return nil, false, fmt.Errorf("flock %s: %w", lockPath, err)
	}
	defer unix.Flock(int(lock.Fd()), unix.LOCK_UN)

	seg, err = Create(name, size)
	if err == nil {
		if init != nil {
			if err := init(seg); err != nil {
				seg.Close()
				os.Remove(segmentPath(name))
				return nil, false, err
			}
		}
		return seg, true, nil
	}
	if !errors.Is(err, ErrNameCollision) {
		return nil, false, err
	}

	seg, err = Attach(name)
	return seg, false, err
}

// Unlink removes the named segment. Only the authoritative owner (the
// creator) calls this; a second process never unlinks.
func Unlink(name string) error {
	path := segmentPath(name)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return err
	}
	Debug("segment unlinked", "path", path)
	return nil
}

// Exists reports whether a segment with the given name exists.
func Exists(name string) bool {
	_, err := os.Stat(segmentPath(name))
	return err == nil
}

// Anonymous maps a shared anonymous region of the given size for
// single-process use. Futex words inside it still work between goroutines
// (and across fork), so the ring code path is identical to the named case.
func Anonymous(size uint64) (*Segment, error) {
	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap anonymous segment: %w", err)
	}
	return &Segment{Mem: mem}, nil
}

// segmentPath maps a segment name to its backing file path. /dev/shm is
// preferred on Linux; fall back to the temp dir when it is unavailable.
func segmentPath(name string) string {
	if isDevShmAvailable() {
		return filepath.Join("/dev/shm", "shmbus_"+name)
	}
	return filepath.Join(os.TempDir(), "shmbus_"+name)
}

func isDevShmAvailable() bool {
	info, err := os.Stat("/dev/shm")
	if err != nil {
		return false
	}
	return info.IsDir()
}

// mmapFile memory maps a file for shared read/write access.
func mmapFile(file *os.File, size int) ([]byte, error) {
	mem, err := unix.Mmap(int(file.Fd()), 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return mem, nil
}

// munmapImpl unmaps a memory-mapped region.
func munmapImpl(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}
	return nil
}
