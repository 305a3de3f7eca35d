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
package tracker

import (
	"net/http"
	"testing"

	"github.com/dltorrent/engine/core"
	"github.com/dltorrent/engine/utils/testutil"

	bencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientAnnounceCompactPeers(t *testing.T) {
	require := require.New(t)

	var gotQuery map[string][]string
	addr, stop := testutil.StartServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotQuery = req.URL.Query()
		bencode.Marshal(w, map[string]interface{}{
			"interval": 1800,
			"peers":    string([]byte{10, 0, 0, 1, 0x1A, 0xE1}),
		})
	}))
	defer stop()

	c := NewHTTPClient("http://"+addr+"/announce", HTTPConfig{})
	resp, err := c.Announce(Request{
		InfoHash: core.InfoHashFixture(),
		PeerID:   core.PeerIDFixture(),
		Port:     6881,
		Left:     100,
		Event:    EventStarted,
	})
	require.NoError(err)
	require.Equal(1800*1000000000, int(resp.Interval))
	require.Len(resp.Peers, 1)
	require.Equal("10.0.0.1", resp.Peers[0].IP)
	require.Equal(6881, resp.Peers[0].Port)

	require.Equal([]string{"1"}, gotQuery["compact"])
	require.Equal([]string{"started"}, gotQuery["event"])
	require.Equal([]string{"6881"}, gotQuery["port"])
}

func TestHTTPClientAnnounceDictionaryPeers(t *testing.T) {
	require := require.New(t)

	addr, stop := testutil.StartServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		bencode.Marshal(w, map[string]interface{}{
			"interval": 60,
			"peers": []interface{}{
				map[string]interface{}{"peer id": "01234567890123456789", "ip": "1.2.3.4", "port": 6969},
			},
		})
	}))
	defer stop()

	c := NewHTTPClient("http://"+addr+"/announce", HTTPConfig{})
	resp, err := c.Announce(Request{InfoHash: core.InfoHashFixture(), PeerID: core.PeerIDFixture()})
	require.NoError(err)
	require.Len(resp.Peers, 1)
	require.Equal("1.2.3.4", resp.Peers[0].IP)
	require.Equal(6969, resp.Peers[0].Port)
}

func TestHTTPClientAnnounceFailureReason(t *testing.T) {
	require := require.New(t)

	addr, stop := testutil.StartServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		bencode.Marshal(w, map[string]interface{}{"failure reason": "unregistered torrent"})
	}))
	defer stop()

	c := NewHTTPClient("http://"+addr+"/announce", HTTPConfig{})
	_, err := c.Announce(Request{InfoHash: core.InfoHashFixture(), PeerID: core.PeerIDFixture()})
	require.Error(err)
}
