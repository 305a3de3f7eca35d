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
	"fmt"
	"io"
	"net"
	"time"

	"github.com/dltorrent/engine/core"
	"github.com/dltorrent/engine/lib/torrent/storage"
)

const protocolName = "BitTorrent protocol"

// handshakeLen is the fixed wire size of a Handshake: 1 + 19 + 8 + 20 + 20.
const handshakeLen = 68

// Handshake is the fixed 68-byte greeting that opens every peer connection.
type Handshake struct {
	InfoHash core.InfoHash
	PeerID   core.PeerID
}

// WriteHandshake serializes hs onto nc.
func WriteHandshake(nc net.Conn, hs Handshake) error {
	var buf [handshakeLen]byte
	buf[0] = byte(len(protocolName))
	copy(buf[1:20], protocolName)
	// buf[20:28] is the reserved bytes, left zeroed.
	copy(buf[28:48], hs.InfoHash.Bytes())
	copy(buf[48:68], hs.PeerID[:])
	_, err := nc.Write(buf[:])
	return err
}

// ReadHandshake reads and validates a Handshake off of nc. Does not compare
// against an expected info hash -- callers opening a connection should do
// that themselves via storage.InfoHashMismatchError.
func ReadHandshake(nc net.Conn) (Handshake, error) {
	var buf [handshakeLen]byte
	if _, err := io.ReadFull(nc, buf[:]); err != nil {
		return Handshake{}, fmt.Errorf("read handshake: %s", err)
	}
	if buf[0] != byte(len(protocolName)) {
		return Handshake{}, fmt.Errorf("invalid protocol name length: %d", buf[0])
	}
	if string(buf[1:20]) != protocolName {
		return Handshake{}, fmt.Errorf("invalid protocol name: %q", buf[1:20])
	}
	var hs Handshake
	copy(hs.InfoHash[:], buf[28:48])
	copy(hs.PeerID[:], buf[48:68])
	return hs, nil
}

// WriteHandshakeWithTimeout writes hs onto nc, aborting if the write does not
// complete within timeout.
func WriteHandshakeWithTimeout(nc net.Conn, hs Handshake, timeout time.Duration) error {
	if err := nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %s", err)
	}
	return WriteHandshake(nc, hs)
}

// ReadHandshakeWithTimeout reads a Handshake off of nc, aborting if it does
// not arrive within timeout.
func ReadHandshakeWithTimeout(nc net.Conn, timeout time.Duration) (Handshake, error) {
	if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Handshake{}, fmt.Errorf("set read deadline: %s", err)
	}
	return ReadHandshake(nc)
}

// CheckInfoHash returns a storage.InfoHashMismatchError if actual does not
// match expected. Per invariant, a mismatched info hash causes the session
// to be dropped.
func CheckInfoHash(expected, actual core.InfoHash) error {
	if expected != actual {
		return storage.InfoHashMismatchError{Expected: expected, Actual: actual}
	}
	return nil
}
