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

// Package tracker implements the HTTP and UDP tracker announce protocols.
package tracker

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/dltorrent/engine/core"
)

// Event describes the lifecycle stage a torrent is announcing from.
type Event int

// Announce events, per the tracker wire protocol.
const (
	EventEmpty Event = iota
	EventCompleted
	EventStarted
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return "empty"
	}
}

// Request describes one announce call to a tracker.
type Request struct {
	InfoHash   core.InfoHash
	PeerID     core.PeerID
	IP         string
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
}

// Response is what a tracker returns for a successful announce.
type Response struct {
	Interval time.Duration
	Peers    []*core.PeerInfo
}

// Client announces a torrent to a tracker and returns the peer handout.
type Client interface {
	Announce(r Request) (*Response, error)
}

// Config bundles per-scheme client configuration for NewClient.
type Config struct {
	HTTP HTTPConfig `yaml:"http"`
	UDP  UDPConfig  `yaml:"udp"`
}

// NewClient returns the Client appropriate for announceURL's scheme: a
// UDPClient for "udp://" trackers (BEP-15), an HTTPClient for everything
// else.
func NewClient(announceURL string, config Config) (Client, error) {
	if strings.HasPrefix(announceURL, "udp://") {
		return NewUDPClient(announceURL, config.UDP), nil
	}
	if strings.HasPrefix(announceURL, "http://") || strings.HasPrefix(announceURL, "https://") {
		return NewHTTPClient(announceURL, config.HTTP), nil
	}
	return nil, fmt.Errorf("unsupported tracker scheme: %q", announceURL)
}

// compactPeerSize is the wire size of one compact (IPv4-only) peer entry:
// 4 address bytes followed by 2 big-endian port bytes.
const compactPeerSize = 6

// decodeCompactPeers parses the binary compact peer list form shared by
// both the HTTP and UDP tracker wire formats.
func decodeCompactPeers(b []byte) ([]*core.PeerInfo, error) {
	if len(b)%compactPeerSize != 0 {
		return nil, fmt.Errorf("compact peers: length %d not a multiple of %d", len(b), compactPeerSize)
	}
	var peers []*core.PeerInfo
	for i := 0; i+compactPeerSize <= len(b); i += compactPeerSize {
		ip := fmt.Sprintf("%d.%d.%d.%d", b[i], b[i+1], b[i+2], b[i+3])
		port := int(binary.BigEndian.Uint16(b[i+4 : i+6]))
		// Compact peers carry no peer id -- it is only learned once the
		// handshake with that peer completes.
		peers = append(peers, core.NewPeerInfo(core.PeerID{}, ip, port))
	}
	return peers, nil
}
