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
	"sync"
	"time"

	"github.com/willf/bitset"
	"go.uber.org/zap"

	"github.com/dltorrent/engine/core"
	"github.com/dltorrent/engine/lib/torrent/conn"
)

// Session owns a single peer connection for a single torrent: it decodes
// inbound wire messages into Events for its controller, tracks choke /
// interest / have-bitfield state, and reassembles incoming piece blocks.
type Session struct {
	c      *conn.Conn
	info   *core.TorrentInfo
	peerID core.PeerID
	events chan<- Event
	logger *zap.SugaredLogger

	bitfield *syncBitfield

	mu             sync.Mutex // Protects the following fields:
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	assembly       map[int]*pieceAssembly

	disconnectOnce sync.Once
}

// NewSession wraps an established Conn, whose handshake has already
// completed, into a Session for info. events receives every Event the
// session produces; the caller owns draining it.
func NewSession(c *conn.Conn, info *core.TorrentInfo, events chan<- Event, logger *zap.SugaredLogger) *Session {
	return &Session{
		c:           c,
		info:        info,
		peerID:      c.PeerID(),
		events:      events,
		logger:      logger,
		bitfield:    newSyncBitfield(bitset.New(uint(info.NumPieces()))),
		amChoking:   true,
		peerChoking: true,
		assembly:    make(map[int]*pieceAssembly),
	}
}

// Start begins processing messages off of the underlying connection. Must
// only be called once.
func (s *Session) Start() {
	s.c.Start()
	s.emit(PeerConnected{PeerID: s.peerID})
	go s.run()
}

// PeerID returns the remote peer id.
func (s *Session) PeerID() core.PeerID {
	return s.peerID
}

// Bitfield returns a snapshot of the pieces this peer has announced having.
func (s *Session) Bitfield() *bitset.BitSet {
	return s.bitfield.Copy()
}

// IsChokingPeer reports whether the local peer is currently choking this
// peer's upload requests.
func (s *Session) IsChokingPeer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amChoking
}

// IsChokedByPeer reports whether this peer is currently choking the local
// peer's download requests.
func (s *Session) IsChokedByPeer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerChoking
}

// IsInterested reports whether the local peer has declared interest in
// this peer's pieces.
func (s *Session) IsInterested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amInterested
}

// IsPeerInterested reports whether this peer has declared interest in the
// local peer's pieces.
func (s *Session) IsPeerInterested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerInterested
}

// LastGoodPieceReceived returns the last time a piece block was received
// from this peer, used for stall detection.
func (s *Session) LastGoodPieceReceived() time.Time {
	return s.c.LastGoodPieceReceived()
}

// CreatedAt returns the time the underlying connection was established.
func (s *Session) CreatedAt() time.Time {
	return s.c.CreatedAt()
}

// Close tears down the underlying connection.
func (s *Session) Close() {
	s.c.Close()
}

// SendBitfield announces the local peer's own have-bitfield.
func (s *Session) SendBitfield(packed []byte) error {
	return s.c.Send(conn.NewBitfieldMessage(packed))
}

// SendHave announces a newly verified piece.
func (s *Session) SendHave(piece int) error {
	return s.c.Send(conn.NewHaveMessage(piece))
}

// SendInterested declares interest in this peer's pieces.
func (s *Session) SendInterested() error {
	s.mu.Lock()
	s.amInterested = true
	s.mu.Unlock()
	return s.c.Send(conn.NewInterestedMessage())
}

// SendNotInterested withdraws interest in this peer's pieces.
func (s *Session) SendNotInterested() error {
	s.mu.Lock()
	s.amInterested = false
	s.mu.Unlock()
	return s.c.Send(conn.NewNotInterestedMessage())
}

// SendChoke stops serving this peer's upload requests.
func (s *Session) SendChoke() error {
	s.mu.Lock()
	s.amChoking = true
	s.mu.Unlock()
	return s.c.Send(conn.NewChokeMessage())
}

// SendUnchoke allows this peer to request pieces.
func (s *Session) SendUnchoke() error {
	s.mu.Lock()
	s.amChoking = false
	s.mu.Unlock()
	return s.c.Send(conn.NewUnchokeMessage())
}

// SendRequest requests a block of piece index.
func (s *Session) SendRequest(index, begin, length int) error {
	return s.c.Send(conn.NewRequestMessage(index, begin, length))
}

// SendCancel cancels a previously sent request.
func (s *Session) SendCancel(index, begin, length int) error {
	return s.c.Send(conn.NewCancelMessage(index, begin, length))
}

// SendPiece serves a requested block.
func (s *Session) SendPiece(index, begin int, block []byte) error {
	return s.c.Send(conn.NewPieceMessage(index, begin, block))
}

func (s *Session) run() {
	for msg := range s.c.Receiver() {
		if err := s.handle(msg); err != nil {
			s.logger.Infof("Error handling message from peer %s, closing: %s", s.peerID, err)
			s.c.Close()
			break
		}
	}
	s.disconnectOnce.Do(func() {
		s.emit(PeerDisconnect{PeerID: s.peerID})
	})
}

func (s *Session) handle(msg conn.Message) error {
	if !msg.HasID {
		// KeepAlive: nothing to do.
		return nil
	}
	switch msg.ID {
	case conn.Choke:
		s.mu.Lock()
		s.peerChoking = true
		s.mu.Unlock()
	case conn.Unchoke:
		s.mu.Lock()
		s.peerChoking = false
		s.mu.Unlock()
		s.emit(PeerUnchoke{PeerID: s.peerID})
	case conn.Interested:
		s.mu.Lock()
		s.peerInterested = true
		s.mu.Unlock()
		s.emit(PeerInterested{PeerID: s.peerID})
	case conn.NotInterested:
		s.mu.Lock()
		s.peerInterested = false
		s.mu.Unlock()
	case conn.Have:
		return s.handleHave(msg.Payload)
	case conn.Bitfield:
		s.handleBitfield(msg.Payload)
	case conn.Request:
		return s.handleRequest(msg.Payload)
	case conn.Cancel:
		s.emit(PeerPieceCanceled{PeerID: s.peerID})
	case conn.Piece:
		return s.handlePiece(msg.Payload)
	case conn.Port:
		// DHT listen port advertisement; no controller action defined.
	}
	return nil
}

func (s *Session) handleHave(payload []byte) error {
	i, err := conn.DecodeHave(payload)
	if err != nil {
		return err
	}
	if i < 0 || i >= s.info.NumPieces() {
		return nil
	}
	s.bitfield.Set(uint(i), true)
	s.emit(PeerPiece{PeerID: s.peerID, Index: i})
	return nil
}

func (s *Session) handleBitfield(payload []byte) {
	b := bitset.New(uint(s.info.NumPieces()))
	for i := 0; i < s.info.NumPieces(); i++ {
		if conn.BitfieldHasPiece(payload, i) {
			b.Set(uint(i))
		}
	}
	s.bitfield.Replace(b)
	s.emit(PeerPieces{PeerID: s.peerID, Bitfield: b})
}

func (s *Session) handleRequest(payload []byte) error {
	bh, err := conn.DecodeBlockHeader(payload)
	if err != nil {
		return err
	}
	s.emit(PeerPieceRequest{
		PeerID: s.peerID,
		Index:  bh.Index,
		Begin:  bh.Begin,
		Length: bh.Length,
	})
	return nil
}

func (s *Session) handlePiece(payload []byte) error {
	block, err := conn.DecodePieceBlock(payload)
	if err != nil {
		return err
	}
	if block.Index < 0 || block.Index >= s.info.NumPieces() {
		return nil
	}

	s.mu.Lock()
	a, ok := s.assembly[block.Index]
	if !ok {
		a = newPieceAssembly(s.info.GetPieceLength(block.Index), s.info.BlocksCount(block.Index))
		s.assembly[block.Index] = a
	}
	done, full := a.put(block.Begin, block.Block)
	if done {
		delete(s.assembly, block.Index)
	}
	s.mu.Unlock()

	if done {
		s.emit(PeerPieceDownloaded{PeerID: s.peerID, Index: block.Index, PieceBytes: full})
	}
	return nil
}

func (s *Session) emit(e Event) {
	s.events <- e
}
