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
	"errors"
	"fmt"
	"net"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/dltorrent/engine/core"
	"github.com/dltorrent/engine/utils/bandwidth"
)

// Handshaker establishes Conns to other peers, performing the BitTorrent
// handshake on both the dialing and accepting sides.
type Handshaker struct {
	config    Config
	clk       clock.Clock
	bandwidth *bandwidth.Limiter
	peerID    core.PeerID
	events    Events
	logger    *zap.SugaredLogger
}

// NewHandshaker creates a new Handshaker. All Conns it establishes share a
// single bandwidth.Limiter.
func NewHandshaker(
	config Config,
	clk clock.Clock,
	peerID core.PeerID,
	events Events,
	logger *zap.SugaredLogger) (*Handshaker, error) {

	config = config.applyDefaults()

	bl, err := bandwidth.NewLimiter(config.Bandwidth, bandwidth.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("bandwidth: %s", err)
	}

	return &Handshaker{
		config:    config,
		clk:       clk,
		bandwidth: bl,
		peerID:    peerID,
		events:    events,
		logger:    logger,
	}, nil
}

// Accept upgrades a raw network connection opened by a remote peer into an
// established Conn for infoHash, rejecting the connection if the remote's
// handshake names a different info hash.
func (h *Handshaker) Accept(nc net.Conn, infoHash core.InfoHash, maxPieceLength int64) (*Conn, error) {
	hs, err := ReadHandshakeWithTimeout(nc, h.config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	if err := CheckInfoHash(infoHash, hs.InfoHash); err != nil {
		return nil, err
	}
	reply := Handshake{InfoHash: infoHash, PeerID: h.peerID}
	if err := WriteHandshakeWithTimeout(nc, reply, h.config.HandshakeTimeout); err != nil {
		return nil, fmt.Errorf("send handshake: %s", err)
	}
	return New(h.config, h.clk, h.bandwidth, h.events, nc, hs.PeerID, infoHash, maxPieceLength, true, h.logger)
}

// PendingConn represents a half-opened connection from a remote peer whose
// handshake has been read but not yet answered. It lets a single listener
// demux incoming connections across many torrents by info hash before
// committing to one.
type PendingConn struct {
	nc net.Conn
	hs Handshake
}

// PeerID returns the remote peer id named in the handshake.
func (pc *PendingConn) PeerID() core.PeerID {
	return pc.hs.PeerID
}

// InfoHash returns the info hash of the torrent the remote peer wants to open.
func (pc *PendingConn) InfoHash() core.InfoHash {
	return pc.hs.InfoHash
}

// Close closes the underlying connection without completing the handshake.
func (pc *PendingConn) Close() error {
	return pc.nc.Close()
}

// AcceptPending reads a handshake off of nc without yet knowing which
// torrent the remote peer intends to open. The caller must resolve
// pc.InfoHash() to a torrent and call EstablishPending (or Close, if no such
// torrent exists) to finish the handshake.
func (h *Handshaker) AcceptPending(nc net.Conn) (*PendingConn, error) {
	hs, err := ReadHandshakeWithTimeout(nc, h.config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	return &PendingConn{nc: nc, hs: hs}, nil
}

// EstablishPending completes the handshake for a PendingConn whose info hash
// has been resolved to a locally known torrent, upgrading it into an
// established Conn.
func (h *Handshaker) EstablishPending(pc *PendingConn, maxPieceLength int64) (*Conn, error) {
	reply := Handshake{InfoHash: pc.hs.InfoHash, PeerID: h.peerID}
	if err := WriteHandshakeWithTimeout(pc.nc, reply, h.config.HandshakeTimeout); err != nil {
		return nil, fmt.Errorf("send handshake: %s", err)
	}
	return New(h.config, h.clk, h.bandwidth, h.events, pc.nc, pc.hs.PeerID, pc.hs.InfoHash, maxPieceLength, true, h.logger)
}

// Dial opens a new connection to addr and performs the handshake for
// infoHash. If peerID is the zero value, the remote's handshake is
// accepted regardless of which peer id it names -- trackers that hand out
// compact peer lists (the common case) never tell callers the remote's
// peer id in advance, so it can only be learned from the handshake itself.
// If peerID is non-zero, the remote must identify itself as exactly that
// peer id.
func (h *Handshaker) Dial(
	peerID core.PeerID, addr string, infoHash core.InfoHash, maxPieceLength int64) (*Conn, error) {

	nc, err := net.DialTimeout("tcp", addr, h.config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial: %s", err)
	}
	c, err := h.establish(nc, peerID, infoHash, maxPieceLength)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

func (h *Handshaker) establish(
	nc net.Conn, peerID core.PeerID, infoHash core.InfoHash, maxPieceLength int64) (*Conn, error) {

	req := Handshake{InfoHash: infoHash, PeerID: h.peerID}
	if err := WriteHandshakeWithTimeout(nc, req, h.config.HandshakeTimeout); err != nil {
		return nil, fmt.Errorf("send handshake: %s", err)
	}
	hs, err := ReadHandshakeWithTimeout(nc, h.config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	if err := CheckInfoHash(infoHash, hs.InfoHash); err != nil {
		return nil, err
	}
	if peerID != (core.PeerID{}) && hs.PeerID != peerID {
		return nil, errors.New("unexpected peer id in handshake")
	}
	return New(h.config, h.clk, h.bandwidth, h.events, nc, hs.PeerID, infoHash, maxPieceLength, false, h.logger)
}
