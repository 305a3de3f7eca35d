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
package conn

import (
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dltorrent/engine/core"
)

func TestHandshakerDialAndAccept(t *testing.T) {
	require := require.New(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer l.Close()

	infoHash := core.InfoHashFixture()
	remotePeerID := core.PeerIDFixture()
	localPeerID := core.PeerIDFixture()

	remote, err := NewHandshaker(Config{HandshakeTimeout: 2 * time.Second}, clock.New(), remotePeerID, noopEvents{}, zap.NewNop().Sugar())
	require.NoError(err)

	local, err := NewHandshaker(Config{HandshakeTimeout: 2 * time.Second}, clock.New(), localPeerID, noopEvents{}, zap.NewNop().Sugar())
	require.NoError(err)

	serverConns := make(chan *Conn, 1)
	serverErrs := make(chan error, 1)
	go func() {
		nc, err := l.Accept()
		if err != nil {
			serverErrs <- err
			return
		}
		c, err := remote.Accept(nc, infoHash, 1<<20)
		if err != nil {
			serverErrs <- err
			return
		}
		serverConns <- c
	}()

	clientConn, err := local.Dial(remotePeerID, l.Addr().String(), infoHash, 1<<20)
	require.NoError(err)
	defer clientConn.Close()

	select {
	case serverConn := <-serverConns:
		defer serverConn.Close()
		require.Equal(localPeerID, serverConn.PeerID())
		require.Equal(infoHash, serverConn.InfoHash())
	case err := <-serverErrs:
		t.Fatalf("accept side failed: %s", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept side")
	}

	require.Equal(remotePeerID, clientConn.PeerID())
	require.Equal(infoHash, clientConn.InfoHash())
}

func TestHandshakerDialInfoHashMismatch(t *testing.T) {
	require := require.New(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer l.Close()

	remotePeerID := core.PeerIDFixture()
	remote, err := NewHandshaker(Config{HandshakeTimeout: 2 * time.Second}, clock.New(), remotePeerID, noopEvents{}, zap.NewNop().Sugar())
	require.NoError(err)
	local, err := NewHandshaker(Config{HandshakeTimeout: 2 * time.Second}, clock.New(), core.PeerIDFixture(), noopEvents{}, zap.NewNop().Sugar())
	require.NoError(err)

	go func() {
		nc, err := l.Accept()
		if err != nil {
			return
		}
		remote.Accept(nc, core.InfoHashFixture(), 1<<20)
	}()

	_, err = local.Dial(remotePeerID, l.Addr().String(), core.InfoHashFixture(), 1<<20)
	require.Error(err)
}
