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

// Package dispatch translates a peer's wire messages into the events a
// download controller reacts to, and exposes the outbound commands it can
// issue back to that peer.
package dispatch

import (
	"github.com/willf/bitset"

	"github.com/dltorrent/engine/core"
)

// Event is the set of occurrences a Session reports to its controller.
// Exactly one concrete type below satisfies it.
type Event interface {
	isEvent()
}

// PeerConnected fires once a peer session has completed its handshake and
// begun processing messages.
type PeerConnected struct {
	PeerID core.PeerID
}

// PeerPieces fires when the peer announces its full have-bitfield.
type PeerPieces struct {
	PeerID   core.PeerID
	Bitfield *bitset.BitSet
}

// PeerPiece fires when the peer announces a single new piece via Have.
type PeerPiece struct {
	PeerID core.PeerID
	Index  int
}

// PeerUnchoke fires when the peer unchokes the local peer.
type PeerUnchoke struct {
	PeerID core.PeerID
}

// PeerInterested fires when the peer declares interest in the local peer's
// pieces.
type PeerInterested struct {
	PeerID core.PeerID
}

// PeerPieceDownloaded fires once every block of piece Index has been
// received from the peer and reassembled in order.
type PeerPieceDownloaded struct {
	PeerID     core.PeerID
	Index      int
	PieceBytes []byte
}

// PeerPieceCanceled fires when the peer cancels an in-progress upload.
type PeerPieceCanceled struct {
	PeerID core.PeerID
}

// PeerPieceRequest fires when the peer requests a block of a piece. Whether
// the local peer has that piece is checked by the receiver of the event.
type PeerPieceRequest struct {
	PeerID core.PeerID
	Index  int
	Begin  int
	Length int
}

// PeerDisconnect fires once when the session's connection terminates, for
// any reason.
type PeerDisconnect struct {
	PeerID core.PeerID
}

func (PeerConnected) isEvent()       {}
func (PeerPieces) isEvent()          {}
func (PeerPiece) isEvent()           {}
func (PeerUnchoke) isEvent()         {}
func (PeerInterested) isEvent()      {}
func (PeerPieceDownloaded) isEvent() {}
func (PeerPieceCanceled) isEvent()   {}
func (PeerPieceRequest) isEvent()    {}
func (PeerDisconnect) isEvent()      {}
