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

// Package connstate tracks the lifecycle of a single torrent's peer
// connections, from the moment a connection is opened (but not yet
// handshaked) through to an established Conn, plus a blacklist of peers
// that recently misbehaved.
package connstate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/dltorrent/engine/core"
	"github.com/dltorrent/engine/lib/torrent/conn"
	"github.com/dltorrent/engine/lib/torrent/networkevent"

	"go.uber.org/zap"
)

var (
	// ErrSaturated is returned when the torrent's connections are saturated
	// with max connections.
	ErrSaturated = errors.New("torrent is saturated with max connections")

	// ErrConnectingToActiveConn is returned when trying to open a connection
	// to a peer that the torrent is already actively connected to.
	ErrConnectingToActiveConn = errors.New("already connected to peer")

	// ErrConnectingToBlacklistedConn is returned when trying to open a
	// connection to a peer that is blacklisted.
	ErrConnectingToBlacklistedConn = errors.New("peer is blacklisted")

	// ErrInvalidActiveConnTransition is returned when moving a peer to active
	// status without a pending entry to move from.
	ErrInvalidActiveConnTransition = errors.New("must be pending to transition to active conn")

	// ErrConnAlreadyPending is returned when adding a pending peer that is
	// already pending.
	ErrConnAlreadyPending = errors.New("peer is already pending a connection")

	// ErrConnClosed is returned when moving an already-closed Conn to active
	// status.
	ErrConnClosed = errors.New("conn is closed")
)

type status int

const (
	_uninit status = iota
	_pending
	_active
)

type entry struct {
	status status
	conn   *conn.Conn
}

type blacklistEntry struct {
	expiration time.Time
}

func (e *blacklistEntry) Blacklisted(now time.Time) bool {
	return now.Before(e.expiration)
}

func (e *blacklistEntry) Remaining(now time.Time) time.Duration {
	return e.expiration.Sub(now)
}

// State tracks the status of the connections for a single torrent, and
// blacklists peers who have behaved poorly.
type State struct {
	sync.Mutex

	config      Config
	clk         clock.Clock
	infoHash    core.InfoHash
	localPeerID core.PeerID
	netevents   networkevent.Producer
	logger      *zap.SugaredLogger

	conns      map[core.PeerID]entry
	blacklist  map[core.PeerID]*blacklistEntry
}

// New creates a new State for infoHash.
func New(
	config Config,
	clk clock.Clock,
	infoHash core.InfoHash,
	localPeerID core.PeerID,
	netevents networkevent.Producer,
	logger *zap.SugaredLogger) *State {

	return &State{
		config:      config.applyDefaults(),
		clk:         clk,
		infoHash:    infoHash,
		localPeerID: localPeerID,
		netevents:   netevents,
		logger:      logger,
		conns:       make(map[core.PeerID]entry),
		blacklist:   make(map[core.PeerID]*blacklistEntry),
	}
}

// ActiveConns returns the established Conns being managed by s.
func (s *State) ActiveConns() []*conn.Conn {
	s.Lock()
	defer s.Unlock()

	var conns []*conn.Conn
	for _, e := range s.conns {
		if e.status == _active {
			conns = append(conns, e.conn)
		}
	}
	return conns
}

// Saturated returns whether the torrent has reached its max allowed
// connections.
func (s *State) Saturated() bool {
	s.Lock()
	defer s.Unlock()

	return len(s.conns) >= s.config.MaxOpenConnections
}

// Blacklist marks peerID as blacklisted, rejecting any future connection
// attempts to/from it until the blacklist expires.
func (s *State) Blacklist(peerID core.PeerID) error {
	s.Lock()
	defer s.Unlock()

	if s.config.DisableBlacklist {
		return nil
	}
	if e, ok := s.conns[peerID]; ok && e.status != _uninit {
		return fmt.Errorf("peer %s has non-uninit connection", peerID)
	}
	dur := s.config.BlacklistDuration
	s.blacklist[peerID] = &blacklistEntry{s.clk.Now().Add(dur)}
	if s.netevents != nil {
		s.netevents.Produce(
			networkevent.BlacklistConnEvent(s.infoHash, s.localPeerID, peerID, dur))
	}
	return nil
}

// Blacklisted returns whether peerID is currently blacklisted.
func (s *State) Blacklisted(peerID core.PeerID) bool {
	s.Lock()
	defer s.Unlock()

	return s.blacklisted(peerID)
}

func (s *State) blacklisted(peerID core.PeerID) bool {
	if s.config.DisableBlacklist {
		return false
	}
	e, ok := s.blacklist[peerID]
	if !ok {
		return false
	}
	if !e.Blacklisted(s.clk.Now()) {
		delete(s.blacklist, peerID)
		return false
	}
	return true
}

// ClearBlacklist empties the blacklist.
func (s *State) ClearBlacklist() {
	s.Lock()
	defer s.Unlock()

	s.blacklist = make(map[core.PeerID]*blacklistEntry)
}

// AddPending attempts to reserve a pending connection slot for peerID, e.g.
// before dialing or before handshaking an incoming connection.
func (s *State) AddPending(peerID core.PeerID) error {
	s.Lock()
	defer s.Unlock()

	if s.blacklisted(peerID) {
		return ErrConnectingToBlacklistedConn
	}
	if len(s.conns) >= s.config.MaxOpenConnections {
		return ErrSaturated
	}
	if e, ok := s.conns[peerID]; ok {
		if e.status == _active {
			return ErrConnectingToActiveConn
		}
		return ErrConnAlreadyPending
	}
	s.conns[peerID] = entry{status: _pending}
	return nil
}

// DeletePending deletes a pending connection for peerID, e.g. when a dial or
// handshake attempt fails.
func (s *State) DeletePending(peerID core.PeerID) {
	s.Lock()
	defer s.Unlock()

	if e, ok := s.conns[peerID]; ok && e.status == _pending {
		delete(s.conns, peerID)
	}
}

// MovePendingToActive moves a pending connection for c's remote peer to an
// active connection, once c has been fully established.
func (s *State) MovePendingToActive(c *conn.Conn) error {
	s.Lock()
	defer s.Unlock()

	peerID := c.PeerID()
	e, ok := s.conns[peerID]
	if !ok || e.status != _pending {
		return ErrInvalidActiveConnTransition
	}
	if c.IsClosed() {
		delete(s.conns, peerID)
		return ErrConnClosed
	}
	s.conns[peerID] = entry{status: _active, conn: c}
	if s.netevents != nil {
		s.netevents.Produce(networkevent.AddActiveConnEvent(s.infoHash, s.localPeerID, peerID))
	}
	return nil
}

// DeleteActive deletes an active connection for c's remote peer, e.g. when c
// closes.
func (s *State) DeleteActive(c *conn.Conn) {
	s.Lock()
	defer s.Unlock()

	peerID := c.PeerID()
	if e, ok := s.conns[peerID]; ok && e.status == _active && e.conn == c {
		delete(s.conns, peerID)
		if s.netevents != nil {
			s.netevents.Produce(networkevent.DropActiveConnEvent(s.infoHash, s.localPeerID, peerID))
		}
	}
}

// BlacklistedPeer describes a blacklisted peer and how much longer it
// remains blacklisted.
type BlacklistedPeer struct {
	PeerID    core.PeerID
	Remaining time.Duration
}

// BlacklistSnapshot returns a snapshot of the current blacklist.
func (s *State) BlacklistSnapshot() []BlacklistedPeer {
	s.Lock()
	defer s.Unlock()

	now := s.clk.Now()
	var peers []BlacklistedPeer
	for peerID, e := range s.blacklist {
		if e.Blacklisted(now) {
			peers = append(peers, BlacklistedPeer{PeerID: peerID, Remaining: e.Remaining(now)})
		}
	}
	return peers
}
