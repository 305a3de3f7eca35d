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
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

// udpProtocolID is the BEP-15 magic constant identifying the connect
// request as belonging to the BitTorrent tracker protocol.
const udpProtocolID = 0x41727101980

const (
	udpActionConnect  uint32 = 0
	udpActionAnnounce uint32 = 1
	udpActionError    uint32 = 3
)

// defaultRetryInterval is returned whenever a UDP announce fails outright,
// so that callers have a sane re-announce delay instead of busy-looping.
const defaultRetryInterval = 5 * time.Second

// UDPConfig configures a UDPClient.
type UDPConfig struct {
	// LocalAddr is the local UDP endpoint the client binds to, e.g. ":6881".
	LocalAddr string `yaml:"local_addr"`

	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	AnnounceTimeout time.Duration `yaml:"announce_timeout"`

	MaxRetries int `yaml:"max_retries"`
}

func (c UDPConfig) applyDefaults() UDPConfig {
	if c.LocalAddr == "" {
		c.LocalAddr = ":0"
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.AnnounceTimeout == 0 {
		// Per the wire protocol, the announce step is given a tight 200ms
		// budget -- it rides on a connection id that was just established,
		// so a slow tracker there is treated as a failure rather than
		// something worth waiting out.
		c.AnnounceTimeout = 200 * time.Millisecond
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 8
	}
	return c
}

// UDPClient announces torrents to a BEP-15 UDP tracker.
type UDPClient struct {
	announceAddr string
	config       UDPConfig
}

// NewUDPClient returns a Client which announces to the UDP tracker at
// announceAddr (a "host:port" address; a leading "udp://" scheme is
// stripped here).
func NewUDPClient(announceAddr string, config UDPConfig) *UDPClient {
	return &UDPClient{
		announceAddr: strings.TrimPrefix(announceAddr, "udp://"),
		config:       config.applyDefaults(),
	}
}

// Announce performs a two-step (connect, then announce) BEP-15 exchange,
// retrying the connect step with capped exponential backoff. Any failure
// along the way returns the error together with a Response carrying the
// default retry interval, so that a caller's announce loop can keep ticking.
func (c *UDPClient) Announce(r Request) (*Response, error) {
	addr, err := net.ResolveUDPAddr("udp", c.announceAddr)
	if err != nil {
		return &Response{Interval: defaultRetryInterval}, fmt.Errorf("resolve addr: %s", err)
	}

	var local *net.UDPAddr
	if c.config.LocalAddr != "" {
		local, err = net.ResolveUDPAddr("udp", c.config.LocalAddr)
		if err != nil {
			return &Response{Interval: defaultRetryInterval}, fmt.Errorf("resolve local addr: %s", err)
		}
	}

	conn, err := net.DialUDP("udp", local, addr)
	if err != nil {
		return &Response{Interval: defaultRetryInterval}, fmt.Errorf("dial: %s", err)
	}
	defer conn.Close()

	connID, err := c.connectWithRetry(conn)
	if err != nil {
		return &Response{Interval: defaultRetryInterval}, err
	}

	resp, err := c.announce(conn, connID, r)
	if err != nil {
		return &Response{Interval: defaultRetryInterval}, err
	}
	return resp, nil
}

// udpRetryBackoff implements backoff.BackOff with the spec's `15 * 2^n`
// schedule, capped at MaxRetries retries after the first attempt.
type udpRetryBackoff struct {
	attempt    int
	maxRetries int
}

func (b *udpRetryBackoff) NextBackOff() time.Duration {
	if b.attempt >= b.maxRetries {
		return backoff.Stop
	}
	d := time.Duration(15*(1<<uint(b.attempt))) * time.Second
	b.attempt++
	return d
}

func (b *udpRetryBackoff) Reset() {
	b.attempt = 0
}

func (c *UDPClient) connectWithRetry(conn *net.UDPConn) (uint64, error) {
	var connID uint64
	op := func() error {
		id, err := c.connect(conn)
		if err != nil {
			return err
		}
		connID = id
		return nil
	}
	b := &udpRetryBackoff{maxRetries: c.config.MaxRetries}
	if err := backoff.Retry(op, b); err != nil {
		return 0, fmt.Errorf("connect: %s", err)
	}
	return connID, nil
}

func (c *UDPClient) connect(conn *net.UDPConn) (uint64, error) {
	txID := rand.Uint32()

	var req [16]byte
	binary.BigEndian.PutUint64(req[0:8], udpProtocolID)
	binary.BigEndian.PutUint32(req[8:12], udpActionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	if err := conn.SetDeadline(time.Now().Add(c.config.ConnectTimeout)); err != nil {
		return 0, fmt.Errorf("set deadline: %s", err)
	}
	if _, err := conn.Write(req[:]); err != nil {
		return 0, fmt.Errorf("write connect: %s", err)
	}

	var resp [16]byte
	n, err := conn.Read(resp[:])
	if err != nil {
		return 0, fmt.Errorf("read connect response: %s", err)
	}
	if n < 16 {
		return 0, fmt.Errorf("connect response too short: %d bytes", n)
	}
	if action := binary.BigEndian.Uint32(resp[0:4]); action != udpActionConnect {
		return 0, fmt.Errorf("connect response: unexpected action %d", action)
	}
	if binary.BigEndian.Uint32(resp[4:8]) != txID {
		return 0, fmt.Errorf("connect response: transaction id mismatch")
	}
	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func (c *UDPClient) announce(conn *net.UDPConn, connID uint64, r Request) (*Response, error) {
	txID := rand.Uint32()

	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], txID)
	copy(req[16:36], r.InfoHash.Bytes())
	copy(req[36:56], r.PeerID[:])
	binary.BigEndian.PutUint64(req[56:64], uint64(r.Downloaded))
	binary.BigEndian.PutUint64(req[64:72], uint64(r.Left))
	binary.BigEndian.PutUint64(req[72:80], uint64(r.Uploaded))
	binary.BigEndian.PutUint32(req[80:84], uint32(r.Event))
	// req[84:88] ("ip") left zero: defer to the tracker's view of the
	// source address.
	binary.BigEndian.PutUint32(req[88:92], rand.Uint32()) // key
	binary.BigEndian.PutUint32(req[92:96], uint32(int32(-1)))
	binary.BigEndian.PutUint16(req[96:98], uint16(r.Port))

	if err := conn.SetDeadline(time.Now().Add(c.config.AnnounceTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("write announce: %s", err)
	}

	resp := make([]byte, 2048)
	n, err := conn.Read(resp)
	if err != nil {
		return nil, fmt.Errorf("read announce response: %s", err)
	}
	if n < 20 {
		return nil, fmt.Errorf("announce response too short: %d bytes", n)
	}
	resp = resp[:n]

	action := binary.BigEndian.Uint32(resp[0:4])
	if action == udpActionError {
		return nil, fmt.Errorf("tracker error: %s", string(resp[8:]))
	}
	if action != udpActionAnnounce {
		return nil, fmt.Errorf("announce response: unexpected action %d", action)
	}
	if binary.BigEndian.Uint32(resp[4:8]) != txID {
		return nil, fmt.Errorf("announce response: transaction id mismatch")
	}

	interval := binary.BigEndian.Uint32(resp[8:12])
	peers, err := decodeCompactPeers(resp[20:])
	if err != nil {
		return nil, fmt.Errorf("decode peers: %s", err)
	}

	return &Response{
		Interval: time.Duration(interval) * time.Second,
		Peers:    peers,
	}, nil
}
