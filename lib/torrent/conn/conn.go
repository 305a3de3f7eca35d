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
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/dltorrent/engine/core"
	"github.com/dltorrent/engine/utils/bandwidth"
	"github.com/dltorrent/engine/utils/memsize"
)

// Config is the configuration for individual live connections.
type Config struct {

	// HandshakeTimeout is the timeout for dialing, writing, and reading
	// connections during handshake.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// SenderBufferSize is the size of the sender channel for a connection.
	// Prevents writers to the connection from being blocked if there are
	// many writers trying to send messages at the same time.
	SenderBufferSize int `yaml:"sender_buffer_size"`

	// ReceiverBufferSize is the size of the receiver channel for a
	// connection. Prevents the connection reader from being blocked if a
	// receiver consumer is taking a long time to process a message.
	ReceiverBufferSize int `yaml:"receiver_buffer_size"`

	Bandwidth bandwidth.Config `yaml:"bandwidth"`
}

func (c Config) applyDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.SenderBufferSize == 0 {
		c.SenderBufferSize = 10000
	}
	if c.ReceiverBufferSize == 0 {
		c.ReceiverBufferSize = 10000
	}
	if c.Bandwidth.EgressBitsPerSec == 0 {
		c.Bandwidth.EgressBitsPerSec = 200 * 8 * memsize.Mbit
	}
	if c.Bandwidth.IngressBitsPerSec == 0 {
		c.Bandwidth.IngressBitsPerSec = 300 * 8 * memsize.Mbit
	}
	return c
}

// Events defines Conn lifecycle events.
type Events interface {
	ConnClosed(*Conn)
}

// Conn manages wire-level communication with a single remote peer for a
// single torrent: one Conn exists per (torrent, peer) pair, unlike a
// multi-torrent-multiplexed connection.
type Conn struct {
	peerID    core.PeerID
	infoHash  core.InfoHash
	createdAt time.Time
	bandwidth *bandwidth.Limiter
	clk       clock.Clock

	events Events

	mu                    sync.Mutex // Protects the following fields:
	lastGoodPieceReceived time.Time
	lastPieceSent         time.Time

	nc             net.Conn
	config         Config
	maxPieceLength int64

	// Marks whether the connection was opened by the remote peer, or the
	// local peer.
	openedByRemote bool

	startOnce sync.Once

	sender   chan Message
	receiver chan Message

	// The following fields orchestrate the closing of the connection:
	closed *atomic.Bool
	done   chan struct{}  // Signals to readLoop / writeLoop to exit.
	wg     sync.WaitGroup // Waits for readLoop / writeLoop to exit.

	logger *zap.SugaredLogger
}

// New wraps an already-handshaked net.Conn as a Conn. maxPieceLength bounds
// the largest Piece payload readMessage will accept, per the torrent's
// piece length.
func New(
	config Config,
	clk clock.Clock,
	bw *bandwidth.Limiter,
	events Events,
	nc net.Conn,
	peerID core.PeerID,
	infoHash core.InfoHash,
	maxPieceLength int64,
	openedByRemote bool,
	logger *zap.SugaredLogger) (*Conn, error) {

	config = config.applyDefaults()

	// Clear all deadlines set during handshake. Once a Conn is created, we
	// rely on our own idle-connection management via stall detection.
	if err := nc.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}

	return &Conn{
		peerID:         peerID,
		infoHash:       infoHash,
		createdAt:      clk.Now(),
		bandwidth:      bw,
		clk:            clk,
		events:         events,
		nc:             nc,
		config:         config,
		maxPieceLength: maxPieceLength,
		openedByRemote: openedByRemote,
		sender:         make(chan Message, config.SenderBufferSize),
		receiver:       make(chan Message, config.ReceiverBufferSize),
		closed:         atomic.NewBool(false),
		done:           make(chan struct{}),
		logger:         logger,
	}, nil
}

// Start starts message processing on c. Once started, c may close itself if
// it encounters an error reading/writing the underlying socket.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(2)
		go c.readLoop()
		go c.writeLoop()
	})
}

// PeerID returns the remote peer id.
func (c *Conn) PeerID() core.PeerID {
	return c.peerID
}

// InfoHash returns the info hash for the torrent being transmitted over
// this connection.
func (c *Conn) InfoHash() core.InfoHash {
	return c.infoHash
}

// CreatedAt returns the time at which the Conn was created.
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// OpenedByRemote reports whether the remote peer dialed this connection.
func (c *Conn) OpenedByRemote() bool {
	return c.openedByRemote
}

func (c *Conn) String() string {
	return fmt.Sprintf("Conn(peer=%s, hash=%s, opened_by_remote=%t)",
		c.peerID, c.infoHash, c.openedByRemote)
}

// LastGoodPieceReceived returns the last time a Piece message (one block)
// was received from this peer. Blocks are counted before any verification.
func (c *Conn) LastGoodPieceReceived() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastGoodPieceReceived
}

// TouchLastGoodPieceReceived records that a Piece message was just
// received from this peer.
func (c *Conn) TouchLastGoodPieceReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastGoodPieceReceived = time.Now()
}

// LastPieceSent returns the last time a piece block was sent to this peer.
func (c *Conn) LastPieceSent() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPieceSent
}

func (c *Conn) touchLastPieceSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPieceSent = time.Now()
}

// Send queues msg for writing to the underlying connection. Returns an
// error immediately if the send buffer is full or the connection is
// closed, rather than blocking the caller.
func (c *Conn) Send(msg Message) error {
	select {
	case <-c.done:
		return errors.New("conn closed")
	case c.sender <- msg:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// Receiver returns a read-only channel of messages decoded off the
// connection.
func (c *Conn) Receiver() <-chan Message {
	return c.receiver
}

// Close starts the shutdown sequence for c. Safe to call multiple times or
// concurrently; only the first call has an effect.
func (c *Conn) Close() {
	if !c.closed.CAS(false, true) {
		return
	}
	go func() {
		close(c.done)
		c.nc.Close()
		c.wg.Wait()
		if c.events != nil {
			c.events.ConnClosed(c)
		}
	}()
}

// IsClosed reports whether c has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

func (c *Conn) readMessage() (Message, error) {
	msg, err := readMessage(c.nc, c.maxPieceLength)
	if err != nil {
		return Message{}, err
	}
	if msg.HasID && msg.ID == Piece {
		block, err := DecodePieceBlock(msg.Payload)
		if err != nil {
			return Message{}, fmt.Errorf("decode piece block: %s", err)
		}
		if err := c.bandwidth.ReserveIngress(int64(len(block.Block))); err != nil {
			c.log().Errorf("Error reserving ingress bandwidth for piece payload: %s", err)
			return Message{}, fmt.Errorf("ingress bandwidth: %s", err)
		}
		c.TouchLastGoodPieceReceived()
	}
	return msg, nil
}

// readLoop reads messages off of the underlying connection and sends them
// to the receiver channel.
func (c *Conn) readLoop() {
	defer func() {
		close(c.receiver)
		c.wg.Done()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
			msg, err := c.readMessage()
			if err != nil {
				c.log().Infof("Error reading message from socket, exiting read loop: %s", err)
				return
			}
			select {
			case c.receiver <- msg:
			case <-c.done:
				return
			}
		}
	}
}

func (c *Conn) sendMessage(msg Message) error {
	if msg.HasID && msg.ID == Piece {
		block, err := DecodePieceBlock(msg.Payload)
		if err != nil {
			return fmt.Errorf("decode piece block: %s", err)
		}
		if err := c.bandwidth.ReserveEgress(int64(len(block.Block))); err != nil {
			c.log().Errorf("Error reserving egress bandwidth for piece payload: %s", err)
			return fmt.Errorf("egress bandwidth: %s", err)
		}
		c.touchLastPieceSent()
	}
	return sendMessage(c.nc, msg)
}

// writeLoop writes messages to the underlying connection by pulling
// messages off of the sender channel, emitting KeepAlives when idle beyond
// keepAliveInterval.
func (c *Conn) writeLoop() {
	defer func() {
		c.wg.Done()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sender:
			if err := c.sendMessage(msg); err != nil {
				c.log().Infof("Error writing message to socket, exiting write loop: %s", err)
				return
			}
		case <-c.clk.After(keepAliveInterval):
			if err := c.sendMessage(KeepAliveMessage()); err != nil {
				c.log().Infof("Error writing keepalive to socket, exiting write loop: %s", err)
				return
			}
		}
	}
}

// keepAliveInterval is the conventional BitTorrent idle threshold beyond
// which a KeepAlive is emitted to hold the connection open.
const keepAliveInterval = 2 * time.Minute

func (c *Conn) log(keysAndValues ...interface{}) *zap.SugaredLogger {
	keysAndValues = append(keysAndValues, "remote_peer", c.peerID, "hash", c.infoHash)
	return c.logger.With(keysAndValues...)
}
