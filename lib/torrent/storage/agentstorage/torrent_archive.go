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
package agentstorage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dltorrent/engine/core"
	"github.com/dltorrent/engine/lib/torrent/storage"

	"github.com/uber-go/tally"
)

// TorrentArchive creates and opens torrents backed by a flat, memory-mapped
// file set under a per-info-hash subdirectory of Config.DownloadDir.
type TorrentArchive struct {
	config Config
	stats  tally.Scope

	mu       sync.Mutex
	torrents map[core.InfoHash]*Torrent
}

// NewTorrentArchive creates a new TorrentArchive.
func NewTorrentArchive(config Config, stats tally.Scope) *TorrentArchive {
	config = config.applyDefaults()
	stats = stats.Tagged(map[string]string{"module": "agenttorrentarchive"})
	return &TorrentArchive{
		config:   config,
		stats:    stats,
		torrents: make(map[core.InfoHash]*Torrent),
	}
}

func (a *TorrentArchive) dir(h core.InfoHash) string {
	return filepath.Join(a.config.DownloadDir, h.Hex())
}

// Stat returns a State snapshot for h. Returns storage.ErrNotFound if h is
// not currently open.
func (a *TorrentArchive) Stat(h core.InfoHash) (*storage.State, error) {
	a.mu.Lock()
	t, ok := a.torrents[h]
	a.mu.Unlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t.Stat(), nil
}

// CreateTorrent opens (allocating backing files as needed) a Torrent for
// info, returning the existing instance if one is already open for this
// info hash.
func (a *TorrentArchive) CreateTorrent(info *core.TorrentInfo) (storage.Torrent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if t, ok := a.torrents[info.InfoHash]; ok {
		return t, nil
	}

	dir := a.dir(info.InfoHash)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("mkdir: %s", err)
	}

	t, err := NewTorrent(dir, info)
	if err != nil {
		return nil, fmt.Errorf("initialize torrent: %s", err)
	}
	a.torrents[info.InfoHash] = t
	a.stats.Counter("torrents_created").Inc(1)
	return t, nil
}

// GetTorrent returns the already-open Torrent for h. Returns
// storage.ErrNotFound if it is not open.
func (a *TorrentArchive) GetTorrent(h core.InfoHash) (storage.Torrent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.torrents[h]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t, nil
}

// DeleteTorrent closes (if open) and removes h's backing files from disk.
func (a *TorrentArchive) DeleteTorrent(h core.InfoHash) error {
	a.mu.Lock()
	t, ok := a.torrents[h]
	delete(a.torrents, h)
	a.mu.Unlock()

	if ok {
		if err := t.Close(); err != nil {
			return fmt.Errorf("close: %s", err)
		}
	}
	if err := os.RemoveAll(a.dir(h)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
