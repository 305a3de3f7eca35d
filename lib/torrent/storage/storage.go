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
package storage

import (
	"errors"
	"io"

	"github.com/dltorrent/engine/core"

	"github.com/willf/bitset"
)

// ErrNotFound occurs when a TorrentArchive cannot find a torrent.
var ErrNotFound = errors.New("torrent not found")

// ErrPieceComplete occurs when a Torrent cannot write a piece because it is
// already complete.
var ErrPieceComplete = errors.New("piece is already complete")

// PieceReader defines operations for lazy piece reading.
type PieceReader interface {
	io.ReadCloser
	Length() int
}

// Torrent is the capability set a download controller needs from a storage
// backend: enumerate the files it backs, and read/write whole pieces by
// index. Today this is implemented on top of a flat, memory-mapped file set
// (see flatstorage.go); a buffered file-I/O or network-backed implementation
// could satisfy the same interface without the rest of the engine noticing.
type Torrent interface {
	InfoHash() core.InfoHash
	Stat() *State
	Subscribe() StateSubscriber
	NumPieces() int
	Length() int64
	PieceLength(piece int) int64
	MaxPieceLength() int64
	Complete() bool
	BytesDownloaded() int64
	Bitfield() *bitset.BitSet
	Files() []core.FileInfo
	String() string

	HasPiece(piece int) bool
	MissingPieces() []int

	// WritePiece verifies src against the torrent's recorded SHA-1 for
	// piece, and only on success commits it to the backing files. Per
	// invariant I2, the downloaded bitfield only ever reflects pieces whose
	// content has been verified this way.
	WritePiece(src PieceReader, piece int) error

	// GetPieceReader returns a reader over piece. Returns an error if the
	// piece has not yet been verified and written.
	GetPieceReader(piece int) (PieceReader, error)
}

// TorrentArchive creates and opens torrents keyed by info hash.
type TorrentArchive interface {
	Stat(h core.InfoHash) (*State, error)
	CreateTorrent(info *core.TorrentInfo) (Torrent, error)
	GetTorrent(h core.InfoHash) (Torrent, error)
	DeleteTorrent(h core.InfoHash) error
}
