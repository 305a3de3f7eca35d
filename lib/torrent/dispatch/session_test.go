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
package dispatch

import (
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dltorrent/engine/core"
	"github.com/dltorrent/engine/lib/torrent/conn"
	"github.com/dltorrent/engine/utils/bandwidth"
)

type noopEvents struct{}

func (noopEvents) ConnClosed(*conn.Conn) {}

func newTestSessionPair(t *testing.T, info *core.TorrentInfo) (*Session, chan Event, *Session, chan Event) {
	nc1, nc2 := net.Pipe()

	bw, err := bandwidth.NewLimiter(bandwidth.Config{})
	require.NoError(t, err)

	logger := zap.NewNop().Sugar()

	c1, err := conn.New(conn.Config{}, clock.New(), bw, noopEvents{}, nc1,
		core.PeerIDFixture(), info.InfoHash, info.PieceLength, false, logger)
	require.NoError(t, err)
	c2, err := conn.New(conn.Config{}, clock.New(), bw, noopEvents{}, nc2,
		core.PeerIDFixture(), info.InfoHash, info.PieceLength, true, logger)
	require.NoError(t, err)

	events1 := make(chan Event, 16)
	events2 := make(chan Event, 16)

	s1 := NewSession(c1, info, events1, logger)
	s2 := NewSession(c2, info, events2, logger)

	s1.Start()
	s2.Start()

	// Drain the PeerConnected event each Session fires on Start.
	require.IsType(t, PeerConnected{}, <-events1)
	require.IsType(t, PeerConnected{}, <-events2)

	return s1, events1, s2, events2
}

func waitEvent(t *testing.T, ch chan Event) Event {
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestSessionUnchokeAndInterested(t *testing.T) {
	require := require.New(t)

	info, _ := core.TorrentInfoFixture(core.BlockSize*4, core.BlockSize*2)
	s1, events1, s2, events2 := newTestSessionPair(t, info)
	defer s1.Close()
	defer s2.Close()

	require.NoError(s1.SendUnchoke())
	e := waitEvent(t, events2)
	require.IsType(PeerUnchoke{}, e)
	require.False(s2.IsChokedByPeer())

	require.NoError(s2.SendInterested())
	e = waitEvent(t, events1)
	require.IsType(PeerInterested{}, e)
	require.True(s1.IsPeerInterested())
}

func TestSessionHaveAndBitfield(t *testing.T) {
	require := require.New(t)

	info, _ := core.TorrentInfoFixture(core.BlockSize*4, core.BlockSize*2)
	s1, events1, s2, _ := newTestSessionPair(t, info)
	defer s1.Close()
	defer s2.Close()

	require.NoError(s2.SendHave(1))
	e := waitEvent(t, events1)
	pp, ok := e.(PeerPiece)
	require.True(ok)
	require.Equal(1, pp.Index)
	require.True(s1.Bitfield().Test(1))
}

func TestSessionPieceReassembly(t *testing.T) {
	require := require.New(t)

	pieceLength := int64(core.BlockSize * 2)
	info, _ := core.TorrentInfoFixture(pieceLength*2, pieceLength)
	s1, events1, s2, _ := newTestSessionPair(t, info)
	defer s1.Close()
	defer s2.Close()

	block0 := make([]byte, core.BlockSize)
	block1 := make([]byte, core.BlockSize)
	for i := range block0 {
		block0[i] = 0xAB
	}
	for i := range block1 {
		block1[i] = 0xCD
	}

	// Send the second block first to exercise out-of-order reassembly.
	require.NoError(s2.SendPiece(0, core.BlockSize, block1))
	require.NoError(s2.SendPiece(0, 0, block0))

	e := waitEvent(t, events1)
	pd, ok := e.(PeerPieceDownloaded)
	require.True(ok)
	require.Equal(0, pd.Index)
	require.Equal(block0, pd.PieceBytes[:core.BlockSize])
	require.Equal(block1, pd.PieceBytes[core.BlockSize:])
}

func TestSessionCancelAndRequest(t *testing.T) {
	require := require.New(t)

	info, _ := core.TorrentInfoFixture(core.BlockSize*4, core.BlockSize*2)
	s1, events1, s2, events2 := newTestSessionPair(t, info)
	defer s1.Close()
	defer s2.Close()

	require.NoError(s1.SendRequest(0, 0, core.BlockSize))
	e := waitEvent(t, events2)
	req, ok := e.(PeerPieceRequest)
	require.True(ok)
	require.Equal(0, req.Index)
	require.Equal(core.BlockSize, req.Length)

	require.NoError(s1.SendCancel(0, 0, core.BlockSize))
	e = waitEvent(t, events2)
	require.IsType(PeerPieceCanceled{}, e)
}
