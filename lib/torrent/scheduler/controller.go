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
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dltorrent/engine/core"
	"github.com/dltorrent/engine/lib/torrent/conn"
	"github.com/dltorrent/engine/lib/torrent/dispatch"
	"github.com/dltorrent/engine/lib/torrent/dispatch/connstate"
	"github.com/dltorrent/engine/lib/torrent/networkevent"
	"github.com/dltorrent/engine/lib/torrent/scheduler/torrentlog"
	"github.com/dltorrent/engine/lib/torrent/storage"
	"github.com/dltorrent/engine/tracker"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type peerStatus int

const (
	idle peerStatus = iota
	connecting
	connectedStatus
)

// peerEntry is a controller's view of one swarm member, keyed by a
// locally-minted uuid (see spec's `peers: map[peer_id (UUID)] -> PeerState`)
// until (and if) its real BitTorrent wire identity is learned via handshake.
type peerEntry struct {
	id          uuid.UUID
	ip          string
	port        int
	status      peerStatus
	peerID      core.PeerID
	conn        *conn.Conn
	connectedAt time.Time
}

// Controller is the single-torrent download actor (C8): it reacts to
// tracker announces, drives outbound connection attempts, and hands
// completed handshakes off to a dispatch.Dispatcher. One Controller exists
// per torrent for the lifetime of that torrent's download/seed.
type Controller struct {
	config       Config
	clk          clock.Clock
	infoHash     core.InfoHash
	localPeerID  core.PeerID
	announceURLs []string

	trackerClient tracker.Client
	handshaker    *conn.Handshaker
	torrent       storage.Torrent
	torrentInfo   *core.TorrentInfo
	dispatcher    *dispatch.Dispatcher
	connState     *connstate.State
	netevents     networkevent.Producer
	tlog          *torrentlog.Logger
	logger        *zap.SugaredLogger

	mu       sync.Mutex
	peers    map[uuid.UUID]*peerEntry
	byPeerID map[core.PeerID]uuid.UUID

	events chan event

	ctx     context.Context
	cancel  context.CancelFunc
	eg      *errgroup.Group
	started bool

	createdAt time.Time
}

// NewController creates a Controller for infoHash. handshaker is shared
// across every torrent the engine is managing, since it in turn owns a
// single bandwidth.Limiter; trackerClient and the storage.Torrent handle
// are specific to this torrent.
func NewController(
	config Config,
	clk clock.Clock,
	infoHash core.InfoHash,
	localPeerID core.PeerID,
	announceURLs []string,
	trackerClient tracker.Client,
	handshaker *conn.Handshaker,
	t storage.Torrent,
	torrentInfo *core.TorrentInfo,
	netevents networkevent.Producer,
	tlog *torrentlog.Logger,
	logger *zap.SugaredLogger) *Controller {

	config = config.applyDefaults()

	c := &Controller{
		config:        config,
		clk:           clk,
		infoHash:      infoHash,
		localPeerID:   localPeerID,
		announceURLs:  announceURLs,
		trackerClient: trackerClient,
		handshaker:    handshaker,
		torrent:       t,
		torrentInfo:   torrentInfo,
		netevents:     netevents,
		tlog:          tlog,
		logger:        logger,
		peers:         make(map[uuid.UUID]*peerEntry),
		byPeerID:      make(map[core.PeerID]uuid.UUID),
		events:        make(chan event, config.EventBufferSize),
		createdAt:     clk.Now(),
	}
	c.connState = connstate.New(config.ConnState, clk, infoHash, localPeerID, netevents, logger)
	c.dispatcher = dispatch.New(config.Dispatch, clk, netevents, tlog, c, localPeerID, t, logger)
	return c
}

// InfoHash returns the torrent this controller manages.
func (c *Controller) InfoHash() core.InfoHash {
	return c.infoHash
}

// Torrent returns the storage handle this controller manages.
func (c *Controller) Torrent() storage.Torrent {
	return c.torrent
}

// CreatedAt returns when the controller was created.
func (c *Controller) CreatedAt() time.Time {
	return c.createdAt
}

// Start spawns the controller's paired announce loop and event loop. The
// two share an AbortHandle-equivalent context: if either exits, the other
// is canceled so the torrent always terminates cleanly.
func (c *Controller) Start() {
	if c.started {
		return
	}
	c.started = true

	ctx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(ctx)
	c.ctx = egCtx
	c.cancel = cancel
	c.eg = eg

	eg.Go(func() error {
		c.announceLoop(egCtx)
		return nil
	})
	eg.Go(func() error {
		c.eventLoop(egCtx)
		return nil
	})
}

// Stop aborts the announce loop and event loop and waits for both to
// return, then tears down every open peer connection.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.eg != nil {
		c.eg.Wait()
	}
	c.dispatcher.TearDown()
}

// Done returns a channel that closes once the controller's loops have
// exited, whether from an explicit Stop or a self-initiated seed timeout.
// The engine (C9) uses this to reap a torrent from its own table.
func (c *Controller) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Forward hands the controller an incoming connection that the engine has
// already resolved to this torrent by info hash, but whose handshake has
// not yet been answered.
func (c *Controller) Forward(pc *conn.PendingConn) {
	go c.forwardAsync(pc)
}

func (c *Controller) forwardAsync(pc *conn.PendingConn) {
	nc, err := c.handshaker.EstablishPending(pc, c.torrent.MaxPieceLength())
	if err != nil {
		c.logger.Infof("Rejecting forwarded connection for %s: %s", c.infoHash, err)
		pc.Close()
		return
	}
	c.sendEvent(peerForwardedEvent{c: nc})
}

func (c *Controller) sendEvent(e event) {
	select {
	case c.events <- e:
	case <-c.ctx.Done():
	}
}

// announceLoop periodically announces to the torrent's trackers and
// forwards the peer handout to the event loop, using an adjustable
// interval driven by each response (or the configured default / max on
// failure or an unset interval).
func (c *Controller) announceLoop(ctx context.Context) {
	interval := c.announce()
	for {
		select {
		case <-c.clk.After(interval):
			interval = c.announce()
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) announce() time.Duration {
	if c.trackerClient == nil || len(c.announceURLs) == 0 {
		return c.config.DefaultAnnounceInterval
	}

	stat := c.torrent.Stat()
	req := tracker.Request{
		InfoHash:   c.infoHash,
		PeerID:     c.localPeerID,
		Downloaded: int64(stat.BytesWrite),
		Uploaded:   int64(stat.BytesRead),
		Left:       c.torrent.Length() - c.torrent.BytesDownloaded(),
		Event:      tracker.EventEmpty,
	}

	resp, err := c.trackerClient.Announce(req)
	if err != nil {
		c.logger.Infof("Announce failed for %s: %s", c.infoHash, err)
		return c.config.DefaultAnnounceInterval
	}

	c.sendEvent(announceEvent{peers: resp.Peers})

	interval := resp.Interval
	if interval == 0 {
		interval = c.config.DefaultAnnounceInterval
	}
	if interval > c.config.MaxAnnounceInterval {
		interval = c.config.MaxAnnounceInterval
	}
	return interval
}

// eventLoop is the controller's single-threaded state machine for
// announce and connection events. c.peers is also changed from other
// goroutines (PeerRemoved runs on the dispatcher's goroutine), so every
// access to it takes c.mu.
func (c *Controller) eventLoop(ctx context.Context) {
	unchokeAt := c.clk.After(c.config.UnchokeRoundInterval)

	for {
		select {
		case e := <-c.events:
			c.handle(e)
		case <-unchokeAt:
			c.runUnchokeRound()
			unchokeAt = c.clk.After(c.config.UnchokeRoundInterval)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) handle(e event) {
	switch ev := e.(type) {
	case announceEvent:
		c.handleAnnounce(ev)
	case peerAnnouncedEvent:
		c.handlePeerAnnounced(ev)
	case peerConnectedEvent:
		c.handlePeerConnected(ev)
	case peerForwardedEvent:
		if ev.c != nil {
			c.handlePeerForwarded(ev)
		}
	case peerConnectFailedEvent:
		c.handlePeerConnectFailed(ev)
	}
}

func (c *Controller) handleAnnounce(ev announceEvent) {
	c.mu.Lock()
	var fresh []*peerEntry
	for _, p := range ev.peers {
		known := false
		for _, e := range c.peers {
			if e.ip == p.IP && e.port == p.Port {
				known = true
				break
			}
		}
		if known {
			continue
		}
		entry := &peerEntry{id: uuid.New(), ip: p.IP, port: p.Port, status: idle}
		c.peers[entry.id] = entry
		fresh = append(fresh, entry)
	}
	c.mu.Unlock()

	for _, entry := range fresh {
		c.sendEvent(peerAnnouncedEvent{id: entry.id})
	}
}

func (c *Controller) handlePeerAnnounced(ev peerAnnouncedEvent) {
	c.mu.Lock()
	entry, ok := c.peers[ev.id]
	if !ok || entry.status != idle {
		c.mu.Unlock()
		return
	}
	active := 0
	for _, e := range c.peers {
		if e.status != idle {
			active++
		}
	}
	if active >= c.config.ConnState.MaxOpenConnections {
		delete(c.peers, ev.id)
		c.mu.Unlock()
		return
	}
	entry.status = connecting
	addr := fmt.Sprintf("%s:%d", entry.ip, entry.port)
	c.mu.Unlock()

	go c.dial(ev.id, addr)
}

func (c *Controller) dial(id uuid.UUID, addr string) {
	dialCtx, cancel := context.WithTimeout(context.Background(), c.config.ConnectTimeout)
	defer cancel()

	type result struct {
		c   *conn.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		nc, err := c.handshaker.Dial(core.PeerID{}, addr, c.infoHash, c.torrent.MaxPieceLength())
		ch <- result{nc, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			c.sendEvent(peerConnectFailedEvent{id: id, err: r.err})
			return
		}
		c.sendEvent(peerConnectedEvent{id: id, c: r.c})
	case <-dialCtx.Done():
		c.sendEvent(peerConnectFailedEvent{id: id, err: dialCtx.Err()})
	}
}

func (c *Controller) admit(id uuid.UUID, nc *conn.Conn) bool {
	if err := c.connState.AddPending(nc.PeerID()); err != nil {
		c.logger.Infof("Rejecting connection from %s for %s: %s", nc.PeerID(), c.infoHash, err)
		nc.Close()
		return false
	}
	if err := c.connState.MovePendingToActive(nc); err != nil {
		c.logger.Infof("Failed to activate connection from %s for %s: %s", nc.PeerID(), c.infoHash, err)
		nc.Close()
		return false
	}
	if _, err := c.dispatcher.AddPeer(nc, c.torrentInfo); err != nil {
		c.logger.Infof("Failed to dispatch connection from %s for %s: %s", nc.PeerID(), c.infoHash, err)
		c.connState.DeleteActive(nc)
		nc.Close()
		return false
	}

	c.mu.Lock()
	entry, ok := c.peers[id]
	if !ok {
		entry = &peerEntry{id: id}
		c.peers[id] = entry
	}
	entry.status = connectedStatus
	entry.peerID = nc.PeerID()
	entry.conn = nc
	entry.connectedAt = c.clk.Now()
	c.byPeerID[nc.PeerID()] = id
	c.mu.Unlock()

	return true
}

func (c *Controller) handlePeerConnected(ev peerConnectedEvent) {
	if !c.admit(ev.id, ev.c) {
		c.mu.Lock()
		delete(c.peers, ev.id)
		c.mu.Unlock()
	}
}

func (c *Controller) handlePeerForwarded(ev peerForwardedEvent) {
	id := uuid.New()
	c.mu.Lock()
	c.peers[id] = &peerEntry{id: id, status: connecting}
	c.mu.Unlock()

	c.admit(id, ev.c)
}

func (c *Controller) handlePeerConnectFailed(ev peerConnectFailedEvent) {
	c.mu.Lock()
	delete(c.peers, ev.id)
	c.mu.Unlock()
}

// PeerRemoved implements dispatch.Events. It fires once a dispatched
// peer's session tears down, for any reason, and is the sole place
// c.peers entries for connected peers are removed.
func (c *Controller) PeerRemoved(peerID core.PeerID, infoHash core.InfoHash) {
	c.mu.Lock()
	id, ok := c.byPeerID[peerID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.byPeerID, peerID)
	delete(c.peers, id)
	c.mu.Unlock()
}

// PeerInterested implements dispatch.Events. It unchokes peerID immediately
// if there is an open unchoke slot; otherwise it is left choked until the
// next unchoke round reconsiders every active peer.
func (c *Controller) PeerInterested(peerID core.PeerID) {
	s, ok := c.dispatcher.Session(peerID)
	if !ok {
		return
	}
	if len(c.connState.ActiveConns()) <= c.config.UnchokeSlots {
		s.SendUnchoke()
	}
}

// DispatcherComplete implements dispatch.Events. It arms a one-shot
// seed-timeout watch: if the torrent is still without a single peer
// config.SeedTimeout after completing, the controller tears itself down.
// The peer count is checked only once, when the timeout fires; if any peer
// is known at that moment the watch ends without tearing down.
// DispatcherComplete itself only ever fires once per Dispatcher.
func (c *Controller) DispatcherComplete(d *dispatch.Dispatcher) {
	c.logger.Infof("Torrent complete: %s", c.infoHash)
	go c.watchSeedTimeout()
}

func (c *Controller) watchSeedTimeout() {
	select {
	case <-c.clk.After(c.config.SeedTimeout):
	case <-c.ctx.Done():
		return
	}
	if c.NumPeers() > 0 {
		return
	}
	c.tlog.SeedTimeout(c.infoHash)
	c.Stop()
}

// ConnClosed implements conn.Events. Unlike PeerRemoved (which tracks the
// spec-level peers map), this updates connstate bookkeeping directly from
// the raw Conn, and blacklists peers that disconnect implausibly soon
// after connecting.
func (c *Controller) ConnClosed(nc *conn.Conn) {
	if nc.InfoHash() != c.infoHash {
		return
	}
	c.connState.DeleteActive(nc)

	c.mu.Lock()
	id, ok := c.byPeerID[nc.PeerID()]
	var connectedAt time.Time
	if ok {
		if e, ok := c.peers[id]; ok {
			connectedAt = e.connectedAt
		}
	}
	c.mu.Unlock()

	if !connectedAt.IsZero() && c.clk.Now().Sub(connectedAt) < quickDisconnectThreshold {
		c.connState.Blacklist(nc.PeerID())
	}
}

// quickDisconnectThreshold is how soon after connecting a peer must
// disconnect to be treated as misbehaving rather than merely uninterested.
const quickDisconnectThreshold = 2 * time.Second

// runUnchokeRound keeps unchoked the config.UnchokeSlots peers that most
// recently delivered a piece block (by LastGoodPieceReceived), choking
// everyone else. Download rate itself is not measured, and no optimistic
// unchoke rotation is implemented.
func (c *Controller) runUnchokeRound() {
	conns := c.connState.ActiveConns()
	if len(conns) == 0 {
		return
	}

	sort.Slice(conns, func(i, j int) bool {
		return conns[i].LastGoodPieceReceived().After(conns[j].LastGoodPieceReceived())
	})

	for i, nc := range conns {
		s, ok := c.dispatcher.Session(nc.PeerID())
		if !ok {
			continue
		}
		if i < c.config.UnchokeSlots {
			s.SendUnchoke()
		} else {
			s.SendChoke()
		}
	}
}

// NumPeers returns the number of peers the controller currently knows
// about, in any state.
func (c *Controller) NumPeers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}
