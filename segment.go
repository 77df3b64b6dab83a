// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmcoll

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unsafe"
)

// segmentPrefix is prepended to every segment file name.
const segmentPrefix = "shmcoll_"

// Segment is a memory region shared by the processes of one group.
//
// A segment is either backed by a MAP_SHARED mapping of a file (normally
// under /dev/shm) or, for groups whose ranks live in one process, by
// process-local memory published in a registry under its name. Both kinds
// are opened by name, so endpoint code does not distinguish them.
type Segment struct {
	name  string
	path  string
	mem   []byte
	file  *os.File
	owner bool
	local bool
}

// Name returns the segment name peers use to attach.
func (s *Segment) Name() string { return s.name }

// Size returns the mapped size in bytes.
func (s *Segment) Size() int { return len(s.mem) }

// base returns the address of the first byte. The region is cache-line
// aligned.
func (s *Segment) base() unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(s.mem))
}

// CreateSegment creates and maps a new file-backed segment.
//
// The file lives in dir, or in /dev/shm (falling back to the temporary
// directory) when dir is empty. Creation is exclusive: an existing segment
// with the same name is an error.
func CreateSegment(name string, size int, dir string) (*Segment, error) {
	if size <= 0 || name == "" {
		return nil, fmt.Errorf("shmcoll: create segment %q size %d: %w", name, size, ErrInvalidParam)
	}
	path := segmentPath(name, dir)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("shmcoll: create segment file %s: %w", path, err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(size)); err != nil {
		cleanup()
		return nil, fmt.Errorf("shmcoll: resize segment file: %w", err)
	}

	mem, err := mapFile(file, size)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("shmcoll: map segment: %w: %w", ErrNoMemory, err)
	}

	return &Segment{name: name, path: path, mem: mem, file: file, owner: true}, nil
}

// OpenSegment maps an existing segment created by another process.
// Process-local segments registered under name take precedence.
func OpenSegment(name string, dir string) (*Segment, error) {
	if s := openLocalSegment(name); s != nil {
		return s, nil
	}

	path := segmentPath(name, dir)
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shmcoll: open segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shmcoll: stat segment file: %w", err)
	}
	if info.Size() < segmentHeaderSize {
		file.Close()
		return nil, fmt.Errorf("shmcoll: segment file too small (%d bytes): %w", info.Size(), ErrInvalidParam)
	}

	mem, err := mapFile(file, int(info.Size()))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shmcoll: map segment: %w: %w", ErrNoMemory, err)
	}

	return &Segment{name: name, path: path, mem: mem, file: file}, nil
}

// Close unmaps the segment. The creator also removes the backing file or
// registry entry; peers that still have it mapped keep their view.
func (s *Segment) Close() error {
	if s.mem == nil {
		return nil
	}
	if s.local {
		closeLocalSegment(s)
		s.mem = nil
		return nil
	}

	err := unmapFile(s.mem)
	s.mem = nil
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	if s.owner {
		if rerr := os.Remove(s.path); err == nil && !os.IsNotExist(rerr) {
			err = rerr
		}
	}
	return err
}

func segmentPath(name, dir string) string {
	if dir == "" {
		dir = "/dev/shm"
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			dir = os.TempDir()
		}
	}
	return filepath.Join(dir, segmentPrefix+name)
}

// Process-local segments.

type localRegion struct {
	mem  []byte
	refs int
}

var localSegments = struct {
	sync.Mutex
	m map[string]*localRegion
}{m: make(map[string]*localRegion)}

// CreateLocalSegment allocates a cache-line aligned segment visible only to
// this process. Several interfaces of one process attach to it by name,
// which lets a whole group run inside a single test binary.
func CreateLocalSegment(name string, size int) (*Segment, error) {
	if size <= 0 || name == "" {
		return nil, fmt.Errorf("shmcoll: create segment %q size %d: %w", name, size, ErrInvalidParam)
	}

	raw := make([]byte, size+cacheLineSize)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(unsafe.SliceData(raw))) % cacheLineSize); rem != 0 {
		off = cacheLineSize - rem
	}
	mem := raw[off : off+size : off+size]

	localSegments.Lock()
	defer localSegments.Unlock()
	if _, ok := localSegments.m[name]; ok {
		return nil, fmt.Errorf("shmcoll: segment %q exists: %w", name, os.ErrExist)
	}
	localSegments.m[name] = &localRegion{mem: mem, refs: 1}
	return &Segment{name: name, mem: mem, owner: true, local: true}, nil
}

func openLocalSegment(name string) *Segment {
	localSegments.Lock()
	defer localSegments.Unlock()
	r, ok := localSegments.m[name]
	if !ok {
		return nil
	}
	r.refs++
	return &Segment{name: name, mem: r.mem, local: true}
}

func closeLocalSegment(s *Segment) {
	localSegments.Lock()
	defer localSegments.Unlock()
	r, ok := localSegments.m[s.name]
	if !ok || unsafe.SliceData(r.mem) != unsafe.SliceData(s.mem) {
		return
	}
	r.refs--
	if s.owner || r.refs <= 0 {
		delete(localSegments.m, s.name)
	}
}
