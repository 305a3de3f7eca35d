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
	"io/ioutil"
	"math"
	"os"
	"sync"
	"testing"

	"github.com/dltorrent/engine/core"
	"github.com/dltorrent/engine/lib/torrent/storage"
	"github.com/dltorrent/engine/lib/torrent/storage/piecereader"

	"github.com/stretchr/testify/require"
)

func newTestTorrent(t *testing.T, info *core.TorrentInfo) (*Torrent, func()) {
	dir, err := ioutil.TempDir("", "agentstorage")
	require.NoError(t, err)

	tor, err := NewTorrent(dir, info)
	require.NoError(t, err)

	return tor, func() { os.RemoveAll(dir) }
}

func reopenTestTorrent(t *testing.T, dir string, info *core.TorrentInfo) *Torrent {
	tor, err := NewTorrent(dir, info)
	require.NoError(t, err)
	return tor
}

func TestTorrentCreate(t *testing.T) {
	require := require.New(t)

	info, _ := core.TorrentInfoFixture(7, 2)

	tor, cleanup := newTestTorrent(t, info)
	defer cleanup()

	require.Equal(4, tor.NumPieces())
	require.Equal(int64(7), tor.Length())
	require.Equal(int64(2), tor.PieceLength(0))
	require.Equal(int64(1), tor.PieceLength(3))
	require.Equal(info.InfoHash, tor.InfoHash())
	require.False(tor.Complete())
	require.Equal(int64(0), tor.BytesDownloaded())
	require.False(tor.HasPiece(0))
	require.Equal([]int{0, 1, 2, 3}, tor.MissingPieces())
}

func TestTorrentWriteUpdatesBytesDownloadedAndBitfield(t *testing.T) {
	require := require.New(t)

	info, content := core.TorrentInfoFixture(2, 1)

	tor, cleanup := newTestTorrent(t, info)
	defer cleanup()

	require.NoError(tor.WritePiece(piecereader.NewBuffer(content[:1]), 0))
	require.False(tor.Complete())
	require.Equal(int64(1), tor.BytesDownloaded())
	require.True(tor.HasPiece(0))
	require.False(tor.HasPiece(1))
}

func TestTorrentWriteComplete(t *testing.T) {
	require := require.New(t)

	info, content := core.TorrentInfoFixture(1, 1)

	tor, cleanup := newTestTorrent(t, info)
	defer cleanup()

	require.NoError(tor.WritePiece(piecereader.NewBuffer(content), 0))

	r, err := tor.GetPieceReader(0)
	require.NoError(err)
	defer r.Close()
	result, err := ioutil.ReadAll(r)
	require.NoError(err)
	require.Equal(content, result)

	require.True(tor.Complete())
	require.Equal(int64(1), tor.BytesDownloaded())

	// Duplicate write should detect the piece is already complete.
	require.Equal(storage.ErrPieceComplete, tor.WritePiece(piecereader.NewBuffer(content[:1]), 0))
}

func TestTorrentGetPieceReaderUpdatesBytesReadAndPublishes(t *testing.T) {
	require := require.New(t)

	info, content := core.TorrentInfoFixture(1, 1)

	tor, cleanup := newTestTorrent(t, info)
	defer cleanup()

	require.NoError(tor.WritePiece(piecereader.NewBuffer(content), 0))
	require.Zero(tor.Stat().BytesRead)

	sub := tor.Subscribe()

	r, err := tor.GetPieceReader(0)
	require.NoError(err)
	defer r.Close()
	_, err = ioutil.ReadAll(r)
	require.NoError(err)

	require.Equal(uint64(len(content)), tor.Stat().BytesRead)

	select {
	case state := <-sub:
		require.Equal(uint64(len(content)), state.BytesRead)
	default:
		t.Fatal("expected a state snapshot to be published after GetPieceReader")
	}
}

func TestTorrentWriteRejectsBadChecksum(t *testing.T) {
	require := require.New(t)

	info, _ := core.TorrentInfoFixture(1, 1)

	tor, cleanup := newTestTorrent(t, info)
	defer cleanup()

	err := tor.WritePiece(piecereader.NewBuffer([]byte{0xff}), 0)
	require.True(storage.IsVerificationError(err))

	// Failed verification should not mark the piece complete.
	require.False(tor.HasPiece(0))
}

func TestTorrentWriteMultiplePieceConcurrent(t *testing.T) {
	require := require.New(t)

	info, content := core.TorrentInfoFixture(7, 2)

	tor, cleanup := newTestTorrent(t, info)
	defer cleanup()

	var wg sync.WaitGroup
	wg.Add(tor.NumPieces())
	for i := 0; i < tor.NumPieces(); i++ {
		go func(i int) {
			defer wg.Done()
			start := i * int(info.PieceLength)
			end := start + int(tor.PieceLength(i))
			require.NoError(tor.WritePiece(piecereader.NewBuffer(content[start:end]), i))
		}(i)
	}
	wg.Wait()

	require.True(tor.Complete())
	require.Equal(int64(7), tor.BytesDownloaded())
	require.Nil(tor.MissingPieces())
}

func TestTorrentWriteSamePieceConcurrent(t *testing.T) {
	require := require.New(t)

	info, content := core.TorrentInfoFixture(16, 1)

	tor, cleanup := newTestTorrent(t, info)
	defer cleanup()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			pi := int(math.Mod(float64(i), float64(len(content))))

			err := tor.WritePiece(piecereader.NewBuffer([]byte{content[pi]}), pi)
			if err != nil {
				conflict := storage.IsConflictedPieceWriteError(err)
				require.True(conflict || err == storage.ErrPieceComplete)
			}
		}(i)
	}
	wg.Wait()

	require.True(tor.Complete())
}

func TestTorrentRestoreCompletedTorrent(t *testing.T) {
	require := require.New(t)

	info, content := core.TorrentInfoFixture(8, 1)

	dir, err := ioutil.TempDir("", "agentstorage")
	require.NoError(err)
	defer os.RemoveAll(dir)

	tor, err := NewTorrent(dir, info)
	require.NoError(err)

	for i, b := range content {
		require.NoError(tor.WritePiece(piecereader.NewBuffer([]byte{b}), i))
	}
	require.True(tor.Complete())
	require.NoError(tor.Close())

	tor = reopenTestTorrent(t, dir, info)
	require.True(tor.Complete())
}

func TestTorrentRestoreInProgressTorrent(t *testing.T) {
	require := require.New(t)

	info, content := core.TorrentInfoFixture(8, 1)

	dir, err := ioutil.TempDir("", "agentstorage")
	require.NoError(err)
	defer os.RemoveAll(dir)

	tor, err := NewTorrent(dir, info)
	require.NoError(err)

	pi := 4
	require.NoError(tor.WritePiece(piecereader.NewBuffer([]byte{content[pi]}), pi))
	require.Equal(int64(1), tor.BytesDownloaded())
	require.NoError(tor.Close())

	tor = reopenTestTorrent(t, dir, info)

	require.Equal(int64(1), tor.BytesDownloaded())
	require.Equal(
		storage.ErrPieceComplete,
		tor.WritePiece(piecereader.NewBuffer([]byte{content[pi]}), pi))
}
