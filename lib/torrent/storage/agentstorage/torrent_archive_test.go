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
	"sync"
	"testing"

	"github.com/dltorrent/engine/core"
	"github.com/dltorrent/engine/lib/torrent/storage"
	"github.com/dltorrent/engine/lib/torrent/storage/piecereader"

	"github.com/stretchr/testify/require"
)

func TestTorrentArchiveStatBitfield(t *testing.T) {
	require := require.New(t)

	archive, cleanup := TorrentArchiveFixture()
	defer cleanup()

	info, content := core.TorrentInfoFixture(16, 4)

	tor, err := archive.CreateTorrent(info)
	require.NoError(err)

	require.NoError(tor.WritePiece(piecereader.NewBuffer(content[8:12]), 2))

	state, err := archive.Stat(info.InfoHash)
	require.NoError(err)
	require.True(state.Bitfield.Test(2))
	require.False(state.Bitfield.Test(0))
}

func TestTorrentArchiveStatNotExist(t *testing.T) {
	require := require.New(t)

	archive, cleanup := TorrentArchiveFixture()
	defer cleanup()

	info, _ := core.TorrentInfoFixture(16, 4)

	_, err := archive.Stat(info.InfoHash)
	require.Equal(storage.ErrNotFound, err)
}

func TestTorrentArchiveCreateTorrent(t *testing.T) {
	require := require.New(t)

	archive, cleanup := TorrentArchiveFixture()
	defer cleanup()

	info, _ := core.TorrentInfoFixture(16, 4)

	tor, err := archive.CreateTorrent(info)
	require.NoError(err)
	require.NotNil(tor)

	// Create again returns the already-open instance.
	tor2, err := archive.CreateTorrent(info)
	require.NoError(err)
	require.Same(tor, tor2)
}

func TestTorrentArchiveDeleteTorrent(t *testing.T) {
	require := require.New(t)

	archive, cleanup := TorrentArchiveFixture()
	defer cleanup()

	info, _ := core.TorrentInfoFixture(16, 4)

	_, err := archive.CreateTorrent(info)
	require.NoError(err)

	require.NoError(archive.DeleteTorrent(info.InfoHash))

	_, err = archive.Stat(info.InfoHash)
	require.Equal(storage.ErrNotFound, err)
}

func TestTorrentArchiveConcurrentCreate(t *testing.T) {
	require := require.New(t)

	archive, cleanup := TorrentArchiveFixture()
	defer cleanup()

	info, _ := core.TorrentInfoFixture(16, 4)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tor, err := archive.CreateTorrent(info)
			require.NoError(err)
			require.NotNil(tor)
		}()
	}
	wg.Wait()
}

func TestTorrentArchiveGetTorrent(t *testing.T) {
	require := require.New(t)

	archive, cleanup := TorrentArchiveFixture()
	defer cleanup()

	info, _ := core.TorrentInfoFixture(16, 4)

	// Not yet created, so get should fail.
	_, err := archive.GetTorrent(info.InfoHash)
	require.Error(err)

	_, err = archive.CreateTorrent(info)
	require.NoError(err)

	tor, err := archive.GetTorrent(info.InfoHash)
	require.NoError(err)
	require.NotNil(tor)
}
