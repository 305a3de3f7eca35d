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

	"github.com/dltorrent/engine/core"
	"github.com/dltorrent/engine/lib/torrent/storage"

	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	require := require.New(t)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sent := Handshake{
		InfoHash: core.InfoHashFixture(),
		PeerID:   core.PeerIDFixture(),
	}

	errc := make(chan error, 1)
	go func() { errc <- WriteHandshake(client, sent) }()

	got, err := ReadHandshake(server)
	require.NoError(err)
	require.NoError(<-errc)
	require.Equal(sent, got)
}

func TestCheckInfoHashMismatch(t *testing.T) {
	require := require.New(t)

	a := core.InfoHashFixture()
	b := core.InfoHashFixture()

	err := CheckInfoHash(a, b)
	require.True(storage.IsInfoHashMismatchError(err))
}

func TestCheckInfoHashMatch(t *testing.T) {
	require := require.New(t)

	a := core.InfoHashFixture()
	require.NoError(CheckInfoHash(a, a))
}
