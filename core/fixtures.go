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
package core

import (
	"crypto/sha1"
	"fmt"
	"math/rand"
)

// PeerIDFixture returns a randomly generated PeerID.
func PeerIDFixture() PeerID {
	p, err := RandomPeerID()
	if err != nil {
		panic(err)
	}
	return p
}

// fixtureIP returns a random loopback-range IP string for tests.
func fixtureIP() string {
	return fmt.Sprintf("127.0.0.%d", 1+rand.Intn(254))
}

// fixturePort returns a random non-privileged port for tests.
func fixturePort() int {
	return 1024 + rand.Intn(60000)
}

// PeerInfoFixture returns a randomly generated PeerInfo.
func PeerInfoFixture() *PeerInfo {
	return NewPeerInfo(PeerIDFixture(), fixtureIP(), fixturePort())
}

// PeerContextFixture returns a randomly generated PeerContext.
func PeerContextFixture() PeerContext {
	pctx, err := NewPeerContext(RandomPeerIDFactory, fixtureIP(), fixturePort())
	if err != nil {
		panic(err)
	}
	return pctx
}

// InfoHashFixture returns a randomly generated InfoHash.
func InfoHashFixture() InfoHash {
	var b [20]byte
	rand.Read(b[:])
	return NewInfoHashFromBytes(b[:])
}

// TorrentInfoFixture returns a randomly generated single-file TorrentInfo
// of the given length and piece length, along with the exact bytes backing
// it so callers can exercise piece verification end to end.
func TorrentInfoFixture(length, pieceLength int64) (*TorrentInfo, []byte) {
	content := make([]byte, length)
	rand.Read(content)

	var pieces [][SHA1Size]byte
	for off := int64(0); off < length; off += pieceLength {
		end := off + pieceLength
		if end > length {
			end = length
		}
		pieces = append(pieces, sha1.Sum(content[off:end]))
	}
	if len(pieces) == 0 {
		pieces = [][SHA1Size]byte{sha1.Sum(nil)}
	}

	files := []FileInfo{{Path: "fixture.bin", Length: length}}
	ti, err := NewTorrentInfo(InfoHashFixture(), pieceLength, pieces, files)
	if err != nil {
		panic(err)
	}
	return ti, content
}
