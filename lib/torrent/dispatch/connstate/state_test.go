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
package connstate

import (
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dltorrent/engine/core"
	"github.com/dltorrent/engine/lib/torrent/conn"
	"github.com/dltorrent/engine/lib/torrent/networkevent"
	"github.com/dltorrent/engine/utils/bandwidth"
)

func testState(config Config, clk clock.Clock) *State {
	return New(
		config, clk, core.InfoHashFixture(), core.PeerIDFixture(),
		networkevent.NewTestProducer(), zap.NewNop().Sugar())
}

type noopEvents struct{}

func (noopEvents) ConnClosed(*conn.Conn) {}

func connFixture(t *testing.T) (*conn.Conn, func()) {
	nc, _ := net.Pipe()

	bw, err := bandwidth.NewLimiter(bandwidth.Config{})
	require.NoError(t, err)

	c, err := conn.New(
		conn.Config{}, clock.New(), bw, noopEvents{}, nc,
		core.PeerIDFixture(), core.InfoHashFixture(), 1<<20, false, zap.NewNop().Sugar())
	require.NoError(t, err)
	c.Start()

	return c, c.Close
}

func TestStateBlacklist(t *testing.T) {
	require := require.New(t)

	config := Config{BlacklistDuration: 30 * time.Second}
	clk := clock.NewMock()
	s := testState(config, clk)

	p := core.PeerIDFixture()

	require.NoError(s.Blacklist(p))
	require.True(s.Blacklisted(p))

	clk.Add(config.BlacklistDuration + 1)

	require.False(s.Blacklisted(p))
	require.NoError(s.Blacklist(p))
}

func TestStateBlacklistSnapshot(t *testing.T) {
	require := require.New(t)

	config := Config{BlacklistDuration: 30 * time.Second}
	clk := clock.NewMock()
	s := testState(config, clk)

	p := core.PeerIDFixture()

	require.NoError(s.Blacklist(p))

	expected := []BlacklistedPeer{{p, config.BlacklistDuration}}
	require.Equal(expected, s.BlacklistSnapshot())
}

func TestStateClearBlacklist(t *testing.T) {
	require := require.New(t)

	s := testState(Config{}, clock.NewMock())

	var peers []core.PeerID
	for i := 0; i < 10; i++ {
		p := core.PeerIDFixture()
		peers = append(peers, p)
		require.NoError(s.Blacklist(p))
		require.True(s.Blacklisted(p))
	}

	s.ClearBlacklist()

	for _, p := range peers {
		require.False(s.Blacklisted(p))
	}
}

func TestStateAddPendingPreventsDuplicates(t *testing.T) {
	require := require.New(t)

	s := testState(Config{}, clock.New())

	p := core.PeerIDFixture()

	require.NoError(s.AddPending(p))
	require.Equal(ErrConnAlreadyPending, s.AddPending(p))
}

func TestStateAddPendingReservesCapacity(t *testing.T) {
	require := require.New(t)

	config := Config{MaxOpenConnections: 10}
	s := testState(config, clock.New())

	for i := 0; i < config.MaxOpenConnections; i++ {
		require.NoError(s.AddPending(core.PeerIDFixture()))
	}
	require.Equal(ErrSaturated, s.AddPending(core.PeerIDFixture()))
}

func TestStateDeletePendingAllowsFutureAddPending(t *testing.T) {
	require := require.New(t)

	s := testState(Config{}, clock.New())

	p := core.PeerIDFixture()

	require.NoError(s.AddPending(p))
	s.DeletePending(p)
	require.NoError(s.AddPending(p))
}

func TestStateDeletePendingFreesCapacity(t *testing.T) {
	require := require.New(t)

	s := testState(Config{MaxOpenConnections: 1}, clock.New())

	p1 := core.PeerIDFixture()
	p2 := core.PeerIDFixture()

	require.NoError(s.AddPending(p1))
	require.Equal(ErrSaturated, s.AddPending(p2))
	s.DeletePending(p1)
	require.NoError(s.AddPending(p2))
}

func TestStateMovePendingToActivePreventsFuturePending(t *testing.T) {
	require := require.New(t)

	s := testState(Config{}, clock.New())

	c, cleanup := connFixture(t)
	defer cleanup()

	require.NoError(s.AddPending(c.PeerID()))
	require.NoError(s.MovePendingToActive(c))
	require.Equal(ErrConnectingToActiveConn, s.AddPending(c.PeerID()))
}

func TestStateMovePendingToActiveRejectsNonPendingConns(t *testing.T) {
	require := require.New(t)

	s := testState(Config{}, clock.New())

	c, cleanup := connFixture(t)
	defer cleanup()

	require.Equal(ErrInvalidActiveConnTransition, s.MovePendingToActive(c))

	require.NoError(s.AddPending(c.PeerID()))
	require.NoError(s.MovePendingToActive(c))
	require.Equal(ErrInvalidActiveConnTransition, s.MovePendingToActive(c))
}

func TestStateMovePendingToActiveRejectsClosedConns(t *testing.T) {
	require := require.New(t)

	s := testState(Config{}, clock.New())

	c, cleanup := connFixture(t)
	defer cleanup()

	require.NoError(s.AddPending(c.PeerID()))
	c.Close()
	require.Equal(ErrConnClosed, s.MovePendingToActive(c))
}

func TestStateDeleteActiveFreesCapacity(t *testing.T) {
	require := require.New(t)

	s := testState(Config{MaxOpenConnections: 1}, clock.New())

	c, cleanup := connFixture(t)
	defer cleanup()

	p2 := core.PeerIDFixture()

	require.NoError(s.AddPending(c.PeerID()))
	require.NoError(s.MovePendingToActive(c))
	require.Equal(ErrSaturated, s.AddPending(p2))
	s.DeleteActive(c)
	require.NoError(s.AddPending(p2))
}

func TestStateDeleteActiveNoopsWhenConnIsNotActive(t *testing.T) {
	require := require.New(t)

	s := testState(Config{MaxOpenConnections: 1}, clock.New())

	c, cleanup := connFixture(t)
	defer cleanup()

	require.NoError(s.AddPending(core.PeerIDFixture()))

	s.DeleteActive(c)

	require.Equal(ErrSaturated, s.AddPending(core.PeerIDFixture()))
}

func TestStateActiveConns(t *testing.T) {
	require := require.New(t)

	s := testState(Config{}, clock.New())

	conns := make(map[core.PeerID]*conn.Conn)
	for i := 0; i < 10; i++ {
		c, cleanup := connFixture(t)
		defer cleanup()

		conns[c.PeerID()] = c

		require.NoError(s.AddPending(c.PeerID()))
		require.NoError(s.MovePendingToActive(c))
	}

	result := s.ActiveConns()
	require.Len(result, len(conns))
	for _, c := range result {
		require.Equal(conns[c.PeerID()], c)
	}

	for _, c := range conns {
		s.DeleteActive(c)
	}

	require.Empty(s.ActiveConns())
}
