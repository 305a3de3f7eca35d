// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dltorrent/engine/core"
	"github.com/dltorrent/engine/lib/torrent/piecemap"

	"github.com/edsrzf/mmap-go"
)

// fileHandle owns the open *os.File and its memory mapping for one backing
// file of a torrent.
type fileHandle struct {
	mu  sync.Mutex
	f   *os.File
	mm  mmap.MMap
}

// FlatStorage implements piece-level reads and writes directly against a
// flat set of memory-mapped files on disk, per spec component C2. Every
// backing file is allocated to its full declared length up front, so a
// piece spanning multiple files always has somewhere to land.
type FlatStorage struct {
	dir     string
	files   []core.FileInfo
	mapping piecemap.Mapping
	handles []*fileHandle
}

// NewFlatStorage opens (creating and truncating as necessary) every file
// named in info under dir, memory-maps each one, and builds the piece-to-
// file mapping used to service reads and writes. Grounded on the reference
// MmapFlatStorage::create / load_files.
func NewFlatStorage(dir string, info *core.TorrentInfo) (*FlatStorage, error) {
	handles := make([]*fileHandle, len(info.Files))
	for i, fi := range info.Files {
		h, err := openFile(dir, fi)
		if err != nil {
			for _, opened := range handles[:i] {
				if opened != nil {
					opened.mm.Unmap()
					opened.f.Close()
				}
			}
			return nil, AllocateError{Path: fi.Path, Err: err}
		}
		handles[i] = h
	}
	return &FlatStorage{
		dir:     dir,
		files:   info.Files,
		mapping: piecemap.Map(info.PieceLength, info.Files),
		handles: handles,
	}, nil
}

func openFile(dir string, fi core.FileInfo) (*fileHandle, error) {
	path := filepath.Join(dir, fi.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("mkdir: %s", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open: %s", err)
	}
	if err := f.Truncate(fi.Length); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate: %s", err)
	}
	if fi.Length == 0 {
		// mmap-go rejects zero-length mappings; nothing to map anyway.
		return &fileHandle{f: f}, nil
	}
	mm, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap: %s", err)
	}
	return &fileHandle{f: f, mm: mm}, nil
}

// ReadPiece copies piece pi's bytes out of the backing files.
func (s *FlatStorage) ReadPiece(pi int) ([]byte, error) {
	if pi < 0 || pi >= len(s.mapping) {
		return nil, fmt.Errorf("invalid piece index %d", pi)
	}
	blocks := s.mapping[pi]
	var size int64
	for _, b := range blocks {
		size += b.Size
	}
	out := make([]byte, size)
	for _, b := range blocks {
		h := s.handles[b.FileIndex]
		h.mu.Lock()
		copy(out[b.PieceOffset:b.PieceOffset+b.Size], h.mm[b.FileOffset:b.FileOffset+b.Size])
		h.mu.Unlock()
	}
	return out, nil
}

// WritePiece copies data into the backing files at the locations piece pi
// maps to. Does not verify checksums; callers (agentstorage.Torrent) are
// responsible for SHA-1 verification per invariant I2 before data becomes
// visible in the bitfield.
func (s *FlatStorage) WritePiece(pi int, data []byte) error {
	if pi < 0 || pi >= len(s.mapping) {
		return fmt.Errorf("invalid piece index %d", pi)
	}
	blocks := s.mapping[pi]
	var size int64
	for _, b := range blocks {
		size += b.Size
	}
	if int64(len(data)) != size {
		return fmt.Errorf("piece %d: expected %d bytes, got %d", pi, size, len(data))
	}
	for _, b := range blocks {
		h := s.handles[b.FileIndex]
		h.mu.Lock()
		copy(h.mm[b.FileOffset:b.FileOffset+b.Size], data[b.PieceOffset:b.PieceOffset+b.Size])
		h.mu.Unlock()
	}
	return nil
}

// Close flushes and unmaps every backing file.
func (s *FlatStorage) Close() error {
	var firstErr error
	for _, h := range s.handles {
		h.mu.Lock()
		if h.mm != nil {
			if err := h.mm.Flush(); err != nil && firstErr == nil {
				firstErr = err
			}
			if err := h.mm.Unmap(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := h.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		h.mu.Unlock()
	}
	return firstErr
}
