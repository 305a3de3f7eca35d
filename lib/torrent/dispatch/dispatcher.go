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
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dltorrent/engine/core"
	"github.com/dltorrent/engine/lib/torrent/conn"
	"github.com/dltorrent/engine/lib/torrent/dispatch/blockrequest"
	"github.com/dltorrent/engine/lib/torrent/networkevent"
	"github.com/dltorrent/engine/lib/torrent/scheduler/torrentlog"
	"github.com/dltorrent/engine/lib/torrent/storage"
	"github.com/dltorrent/engine/lib/torrent/storage/piecereader"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/syncmap"
)

var errPeerAlreadyDispatched = errors.New("peer is already dispatched for the torrent")

// Events defines Dispatcher lifecycle events.
type Events interface {
	DispatcherComplete(*Dispatcher)
	PeerRemoved(core.PeerID, core.InfoHash)

	// PeerInterested fires when a peer declares interest in the local
	// peer's pieces. No choking algorithm lives in the Dispatcher itself;
	// it defers the unchoke decision to the controller's own unchoke
	// policy (see scheduler.Controller.PeerInterested).
	PeerInterested(core.PeerID)
}

// Dispatcher coordinates torrent state with sending / receiving blocks
// between multiple peer Sessions. Dispatcher and a torrent have a
// one-to-one relationship, while Dispatcher and Session have a
// one-to-many relationship.
type Dispatcher struct {
	config      Config
	clk         clock.Clock
	createdAt   time.Time
	localPeerID core.PeerID
	torrent     storage.Torrent

	netevents networkevent.Producer
	torrentlog *torrentlog.Logger

	sessions  syncmap.Map // core.PeerID -> *Session
	peerStats syncmap.Map // core.PeerID -> *peerStats, persists past peer removal.

	mu             sync.Mutex // Protects assignedPieces.
	assignedPieces map[int]core.PeerID

	blocks *blockrequest.Manager

	events chan Event

	pendingDoneOnce sync.Once
	pendingDone     chan struct{}

	completeOnce sync.Once
	dispatcherEvents Events

	logger *zap.SugaredLogger
}

// New creates a new Dispatcher for t, whose torrent access is already
// established. t.Complete() is checked immediately in case the torrent was
// already fully downloaded when the Dispatcher was created.
func New(
	config Config,
	clk clock.Clock,
	netevents networkevent.Producer,
	tlog *torrentlog.Logger,
	dispatcherEvents Events,
	peerID core.PeerID,
	t storage.Torrent,
	logger *zap.SugaredLogger) *Dispatcher {

	config = config.applyDefaults()

	d := &Dispatcher{
		config:           config,
		clk:              clk,
		createdAt:        clk.Now(),
		localPeerID:      peerID,
		torrent:          t,
		netevents:        netevents,
		torrentlog:       tlog,
		assignedPieces:   make(map[int]core.PeerID),
		blocks:           blockrequest.NewManager(clk, config.BlockRequestTimeout, config.PipelineLimit),
		events:           make(chan Event, 256),
		pendingDone:      make(chan struct{}),
		dispatcherEvents: dispatcherEvents,
		logger:           logger,
	}

	go d.run()
	go d.watchPendingBlockRequests()
	go d.watchStalls()

	if t.Complete() {
		d.complete()
	}

	return d
}

// InfoHash returns d's torrent hash.
func (d *Dispatcher) InfoHash() core.InfoHash {
	return d.torrent.InfoHash()
}

// Complete returns true if d's torrent is complete.
func (d *Dispatcher) Complete() bool {
	return d.torrent.Complete()
}

// CreatedAt returns when d was created.
func (d *Dispatcher) CreatedAt() time.Time {
	return d.createdAt
}

// Empty returns true if the Dispatcher has no peers.
func (d *Dispatcher) Empty() bool {
	empty := true
	d.sessions.Range(func(k, v interface{}) bool {
		empty = false
		return false
	})
	return empty
}

// AddPeer wraps an established Conn, for d's torrent, into a Session and
// registers it with the Dispatcher.
func (d *Dispatcher) AddPeer(c *conn.Conn, info *core.TorrentInfo) (*Session, error) {
	pstats := &peerStats{}
	if s, ok := d.peerStats.LoadOrStore(c.PeerID(), pstats); ok {
		pstats = s.(*peerStats)
	}

	s := NewSession(c, info, d.events, d.logger)
	if _, loaded := d.sessions.LoadOrStore(s.PeerID(), s); loaded {
		return nil, errPeerAlreadyDispatched
	}

	s.Start()
	return s, nil
}

// Session returns the Session dispatched for peerID, if any.
func (d *Dispatcher) Session(peerID core.PeerID) (*Session, bool) {
	s, ok := d.sessions.Load(peerID)
	if !ok {
		return nil, false
	}
	return s.(*Session), true
}

// TearDown closes all of the Dispatcher's peer connections.
func (d *Dispatcher) TearDown() {
	d.pendingDoneOnce.Do(func() { close(d.pendingDone) })

	d.sessions.Range(func(k, v interface{}) bool {
		v.(*Session).Close()
		return true
	})

	summaries := make(torrentlog.LeecherSummaries, 0)
	d.peerStats.Range(func(k, v interface{}) bool {
		peerID := k.(core.PeerID)
		pstats := v.(*peerStats)
		summaries = append(summaries, torrentlog.LeecherSummary{
			PeerID:           peerID,
			RequestsReceived: pstats.getBlockRequestsReceived(),
			PiecesSent:       pstats.getBlocksSent(),
		})
		return true
	})
	if d.torrentlog != nil {
		d.torrentlog.LeecherSummaries(d.torrent.InfoHash(), summaries)
	}
}

func (d *Dispatcher) String() string {
	return fmt.Sprintf("Dispatcher(%s)", d.torrent)
}

func (d *Dispatcher) complete() {
	d.completeOnce.Do(func() {
		if d.dispatcherEvents != nil {
			go d.dispatcherEvents.DispatcherComplete(d)
		}
	})
	d.pendingDoneOnce.Do(func() { close(d.pendingDone) })
}

// connectedPeers returns the number of currently registered sessions.
func (d *Dispatcher) connectedPeers() int {
	n := 0
	d.sessions.Range(func(k, v interface{}) bool {
		n++
		return true
	})
	return n
}

// endgame reports whether the torrent should start requesting the same
// blocks from multiple peers: either because few pieces remain, or because
// every still-missing piece is already assigned to some peer yet at least
// one request is in flight (so there is nothing left to newly assign).
func (d *Dispatcher) endgame() bool {
	if d.config.DisableEndgame {
		return false
	}
	remaining := len(d.torrent.MissingPieces())
	if remaining == 0 {
		return false
	}

	threshold := d.config.EndgameThreshold
	if threshold == 0 {
		threshold = d.connectedPeers() / 2
		if threshold < 1 {
			threshold = 1
		}
	}
	if remaining <= threshold {
		return true
	}

	d.mu.Lock()
	assigned := len(d.assignedPieces)
	d.mu.Unlock()

	return assigned >= remaining && assigned > 0
}

// candidateBlocks returns the blocks s should next request from, in
// lowest-piece-index, sequential-offset order: pieces s has and we lack,
// excluding pieces already assigned to a different peer (unless endgame).
func (d *Dispatcher) candidateBlocks(s *Session) []blockrequest.Block {
	peerHas := s.Bitfield()
	weHave := d.torrent.Bitfield()
	endgame := d.endgame()

	var blocks []blockrequest.Block
	for _, i := range d.torrent.MissingPieces() {
		if weHave.Test(uint(i)) || !peerHas.Test(uint(i)) {
			continue
		}

		d.mu.Lock()
		owner, isAssigned := d.assignedPieces[i]
		if !isAssigned {
			d.assignedPieces[i] = s.PeerID()
		}
		d.mu.Unlock()

		if isAssigned && owner != s.PeerID() && !endgame {
			continue
		}

		pieceLength := d.torrent.PieceLength(i)
		for begin := 0; int64(begin) < pieceLength; begin += core.BlockSize {
			length := core.BlockSize
			if int64(begin+length) > pieceLength {
				length = int(pieceLength) - begin
			}
			blocks = append(blocks, blockrequest.Block{Piece: i, Begin: begin, Length: length})
		}
	}
	return blocks
}

// maybeRequestMorePieces declares interest (or lack thereof) in s regardless
// of choke state -- interest is what earns an unchoke in the first place --
// and, once unchoked, reserves + sends as many block requests as s's
// pipeline has room for.
func (d *Dispatcher) maybeRequestMorePieces(s *Session) {
	candidates := d.candidateBlocks(s)
	if len(candidates) == 0 {
		if s.IsInterested() {
			s.SendNotInterested()
		}
		return
	}
	if !s.IsInterested() {
		s.SendInterested()
	}
	if s.IsChokedByPeer() {
		return
	}

	reserved := d.blocks.ReserveBlocks(s.PeerID(), candidates, d.endgame())
	for _, b := range reserved {
		if err := s.SendRequest(b.Piece, b.Begin, b.Length); err != nil {
			d.blocks.MarkUnsent(s.PeerID(), b)
			continue
		}
		if d.netevents != nil {
			d.netevents.Produce(networkevent.RequestPieceEvent(
				d.torrent.InfoHash(), d.localPeerID, s.PeerID(), b.Piece))
		}
		d.statsFor(s.PeerID()).incrementBlockRequestsSent()
	}
}

func (d *Dispatcher) statsFor(peerID core.PeerID) *peerStats {
	pstats := &peerStats{}
	if s, ok := d.peerStats.LoadOrStore(peerID, pstats); ok {
		pstats = s.(*peerStats)
	}
	return pstats
}

func (d *Dispatcher) resendFailedBlockRequests() {
	failed := d.blocks.GetFailedRequests()
	if len(failed) == 0 {
		return
	}
	d.log().Infof("Resending %d failed block requests", len(failed))

	for _, r := range failed {
		d.sessions.Range(func(k, v interface{}) bool {
			s := v.(*Session)
			if r.Status != blockrequest.StatusUnsent && r.PeerID == s.PeerID() {
				// Do not resend to the same peer for expired/invalid requests.
				return true
			}
			if !s.Bitfield().Test(uint(r.Block.Piece)) {
				return true
			}
			d.maybeRequestMorePieces(s)
			return true
		})
	}
}

func (d *Dispatcher) watchPendingBlockRequests() {
	for {
		select {
		case <-d.clk.After(d.config.BlockRequestTimeout / 2):
			d.resendFailedBlockRequests()
		case <-d.pendingDone:
			return
		}
	}
}

// watchStalls drops any peer which has pending block requests but has not
// delivered a good piece within config.StallTimeout.
func (d *Dispatcher) watchStalls() {
	for {
		select {
		case <-d.clk.After(d.config.StallTimeout / 3):
			d.sessions.Range(func(k, v interface{}) bool {
				s := v.(*Session)
				if len(d.blocks.PendingBlocks(s.PeerID())) == 0 {
					return true
				}
				idle := d.clk.Now().Sub(s.LastGoodPieceReceived())
				if s.LastGoodPieceReceived().IsZero() {
					idle = d.clk.Now().Sub(s.CreatedAt())
				}
				if idle >= d.config.StallTimeout {
					d.log("peer", s.PeerID()).Infof("Dropping stalled peer, idle for %s", idle)
					s.Close()
				}
				return true
			})
		case <-d.pendingDone:
			return
		}
	}
}

// run processes Events produced by every Session registered with d.
func (d *Dispatcher) run() {
	for e := range d.events {
		d.handle(e)
	}
}

func (d *Dispatcher) handle(e Event) {
	switch ev := e.(type) {
	case PeerConnected:
		if s, ok := d.sessions.Load(ev.PeerID); ok {
			d.announceBitfield(s.(*Session))
			d.maybeRequestMorePieces(s.(*Session))
		}
	case PeerPieces:
		if s, ok := d.sessions.Load(ev.PeerID); ok {
			d.maybeRequestMorePieces(s.(*Session))
		}
	case PeerPiece:
		if s, ok := d.sessions.Load(ev.PeerID); ok {
			d.maybeRequestMorePieces(s.(*Session))
		}
	case PeerUnchoke:
		if s, ok := d.sessions.Load(ev.PeerID); ok {
			d.maybeRequestMorePieces(s.(*Session))
		}
	case PeerInterested:
		if _, ok := d.sessions.Load(ev.PeerID); ok && d.dispatcherEvents != nil {
			d.dispatcherEvents.PeerInterested(ev.PeerID)
		}
	case PeerPieceRequest:
		d.handleBlockRequest(ev)
	case PeerPieceCanceled:
		// No-op: blocks are served synchronously as soon as a Request is
		// read, so by the time a Cancel arrives the reply has likely
		// already been sent.
	case PeerPieceDownloaded:
		d.handleBlockDownloaded(ev)
	case PeerDisconnect:
		d.handlePeerDisconnect(ev)
	}
}

func (d *Dispatcher) announceBitfield(s *Session) {
	b := d.torrent.Bitfield()
	if b.Count() == 0 {
		return
	}
	packed := conn.PackBitfield(b, d.torrent.NumPieces())
	s.SendBitfield(packed)
}

func (d *Dispatcher) handleBlockRequest(ev PeerPieceRequest) {
	s, ok := d.sessions.Load(ev.PeerID)
	if !ok {
		return
	}
	session := s.(*Session)
	d.statsFor(ev.PeerID).incrementBlockRequestsReceived()

	if !d.torrent.HasPiece(ev.Index) {
		return
	}
	r, err := d.torrent.GetPieceReader(ev.Index)
	if err != nil {
		d.log("peer", ev.PeerID, "piece", ev.Index).Errorf("Error opening requested piece: %s", err)
		return
	}
	defer r.Close()

	if ev.Begin < 0 || ev.Length < 0 || ev.Begin+ev.Length > r.Length() {
		d.log("peer", ev.PeerID, "piece", ev.Index).Error("Rejecting out-of-bounds block request")
		return
	}

	full, err := io.ReadAll(r)
	if err != nil {
		d.log("peer", ev.PeerID, "piece", ev.Index).Errorf("Error reading requested piece: %s", err)
		return
	}

	if err := session.SendPiece(ev.Index, ev.Begin, full[ev.Begin:ev.Begin+ev.Length]); err != nil {
		return
	}
	d.statsFor(ev.PeerID).incrementBlocksSent()
}

func (d *Dispatcher) handleBlockDownloaded(ev PeerPieceDownloaded) {
	d.blocks.ClearPiece(ev.Index)

	err := d.torrent.WritePiece(piecereader.NewBuffer(ev.PieceBytes), ev.Index)

	d.mu.Lock()
	delete(d.assignedPieces, ev.Index)
	d.mu.Unlock()

	if err != nil {
		if err == storage.ErrPieceComplete {
			d.statsFor(ev.PeerID).incrementDuplicatePiecesReceived()
			return
		}
		d.log("peer", ev.PeerID, "piece", ev.Index).Errorf("Piece verification failed: %s", err)
		return
	}

	if d.netevents != nil {
		d.netevents.Produce(networkevent.ReceivePieceEvent(
			d.torrent.InfoHash(), d.localPeerID, ev.PeerID, ev.Index))
	}
	d.statsFor(ev.PeerID).incrementGoodPiecesReceived()

	if d.torrent.Complete() {
		d.complete()
	}

	d.sessions.Range(func(k, v interface{}) bool {
		s := v.(*Session)
		if !s.Bitfield().Test(uint(ev.Index)) {
			s.SendHave(ev.Index)
		}
		return true
	})

	// In endgame, this piece may also be in flight from other peers:
	// cancel those now-redundant requests.
	pieceLength := d.torrent.PieceLength(ev.Index)
	d.sessions.Range(func(k, v interface{}) bool {
		peerID := k.(core.PeerID)
		if peerID == ev.PeerID {
			return true
		}
		s := v.(*Session)
		for begin := 0; int64(begin) < pieceLength; begin += core.BlockSize {
			length := core.BlockSize
			if int64(begin+length) > pieceLength {
				length = int(pieceLength) - begin
			}
			s.SendCancel(ev.Index, begin, length)
		}
		return true
	})

	if s, ok := d.sessions.Load(ev.PeerID); ok {
		d.maybeRequestMorePieces(s.(*Session))
	}
}

func (d *Dispatcher) handlePeerDisconnect(ev PeerDisconnect) {
	d.sessions.Delete(ev.PeerID)
	d.blocks.ClearPeer(ev.PeerID)

	d.mu.Lock()
	for index, owner := range d.assignedPieces {
		if owner == ev.PeerID {
			delete(d.assignedPieces, index)
		}
	}
	d.mu.Unlock()

	if d.dispatcherEvents != nil {
		d.dispatcherEvents.PeerRemoved(ev.PeerID, d.torrent.InfoHash())
	}
}

func (d *Dispatcher) log(args ...interface{}) *zap.SugaredLogger {
	args = append(args, "torrent", d.torrent.InfoHash())
	return d.logger.With(args...)
}
