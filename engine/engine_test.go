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
package engine

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dltorrent/engine/lib/torrent/storage/agentstorage"
	"github.com/dltorrent/engine/utils/log"
)

// findFreePort asks the kernel for an ephemeral port and immediately closes
// the listener, mirroring how a test fixture picks a port for a later
// net.Listen call. core.NewPeerContext rejects a zero port, so Engine tests
// can't rely on ":0" the way a one-off net.Listen caller would.
func findFreePort(t *testing.T) int {
	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	defer l.Close()
	_, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func testConfig(t *testing.T) Config {
	disabled := log.Config{Disable: true}
	return Config{
		IP:         "localhost",
		Port:       findFreePort(t),
		Storage:    agentstorage.Config{DownloadDir: t.TempDir()},
		Log:        disabled,
		TorrentLog: disabled,
	}
}

func newTestEngine(t *testing.T) *Engine {
	e, err := New(testConfig(t))
	require.NoError(t, err)
	return e
}

func TestEngineAddTorrentAndList(t *testing.T) {
	require := require.New(t)

	e := newTestEngine(t)
	defer e.Stop()

	data := singleFileMetainfo(t, "movie.mp4", 16384, 4)

	handle, err := e.AddTorrent(data)
	require.NoError(err)
	require.NotZero(handle.ID)

	views := e.TorrentList()
	require.Len(views, 1)
	require.Equal(handle.ID, views[0].ID)
	require.Equal(int64(16384*4), views[0].Length)

	got, ok := e.TorrentHandshake(handle.InfoHash)
	require.True(ok)
	require.Equal(handle.ID, got.ID)
}

func TestEngineAddTorrentTwiceSameInfoHash(t *testing.T) {
	require := require.New(t)

	e := newTestEngine(t)
	defer e.Stop()

	data := singleFileMetainfo(t, "movie.mp4", 16384, 4)

	h1, err := e.AddTorrent(data)
	require.NoError(err)
	h2, err := e.AddTorrent(data)
	require.NoError(err)

	require.Equal(h1.InfoHash, h2.InfoHash)
	require.NotEqual(h1.ID, h2.ID)
}

func TestEngineTorrentActionStopAndDelete(t *testing.T) {
	require := require.New(t)

	e := newTestEngine(t)
	defer e.Stop()

	data := singleFileMetainfo(t, "movie.mp4", 16384, 4)
	handle, err := e.AddTorrent(data)
	require.NoError(err)

	require.NoError(e.TorrentAction(handle.ID, ActionStop))
	require.NoError(e.TorrentAction(handle.ID, ActionDelete))

	_, ok := e.TorrentHandshake(handle.InfoHash)
	require.False(ok)

	require.Equal(ErrTorrentNotFound, e.TorrentAction(handle.ID, ActionStop))
}

func TestEngineAddTorrentRejectsBadMetainfo(t *testing.T) {
	e := newTestEngine(t)
	defer e.Stop()

	_, err := e.AddTorrent([]byte("not bencode"))
	require.Error(t, err)
}
