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
package scheduler

import (
	"github.com/google/uuid"

	"github.com/dltorrent/engine/core"
	"github.com/dltorrent/engine/lib/torrent/conn"
)

// event is the set of occurrences the controller's event loop reacts to.
// Most of a peer's wire-level lifecycle (bitfields, chokes, piece
// requests/delivery) is handled entirely inside dispatch.Dispatcher; the
// controller only needs to know about connection-level transitions.
type event interface {
	isEvent()
}

// announceEvent carries a fresh peer handout from the tracker.
type announceEvent struct {
	peers []*core.PeerInfo
}

// peerAnnouncedEvent fires once per newly seen peer address; the
// controller responds by spawning an outbound dial.
type peerAnnouncedEvent struct {
	id uuid.UUID
}

// peerConnectedEvent fires when an outbound dial for id completes the
// handshake.
type peerConnectedEvent struct {
	id uuid.UUID
	c  *conn.Conn
}

// peerForwardedEvent fires when the engine hands the controller an
// incoming connection whose handshake it has already resolved to this
// torrent. No uuid has been minted for this peer yet.
type peerForwardedEvent struct {
	c *conn.Conn
}

// peerConnectFailedEvent fires when an outbound dial for id fails.
type peerConnectFailedEvent struct {
	id  uuid.UUID
	err error
}

func (announceEvent) isEvent()          {}
func (peerAnnouncedEvent) isEvent()     {}
func (peerConnectedEvent) isEvent()     {}
func (peerForwardedEvent) isEvent()     {}
func (peerConnectFailedEvent) isEvent() {}
