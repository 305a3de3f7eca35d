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
	"errors"
	"fmt"
)

// BlockSize is the unit of network request: every Request/Piece message
// carries at most this many bytes.
const BlockSize = 16384

// SHA1Size is the length in bytes of a piece digest.
const SHA1Size = 20

// FileInfo describes one file within a (possibly multi-file) torrent, in
// the order it was declared in the metadata.
type FileInfo struct {
	Path   string
	Length int64
}

// TorrentInfo is the parsed, immutable metadata for a torrent. Bencode
// decoding of the on-disk .torrent file is out of scope here -- callers
// construct a TorrentInfo from an already-decoded representation.
type TorrentInfo struct {
	InfoHash    InfoHash
	PieceLength int64
	Pieces      [][SHA1Size]byte
	Files       []FileInfo
	length      int64
}

// NewTorrentInfo validates and constructs a TorrentInfo. length is derived
// from the sum of all file lengths, per spec's `length = sum file.length`.
func NewTorrentInfo(
	infoHash InfoHash, pieceLength int64, pieces [][SHA1Size]byte, files []FileInfo) (*TorrentInfo, error) {

	if pieceLength <= 0 {
		return nil, errors.New("piece length must be positive")
	}
	if len(files) == 0 {
		return nil, errors.New("torrent must declare at least one file")
	}
	var length int64
	for _, f := range files {
		if f.Length < 0 {
			return nil, fmt.Errorf("file %q has negative length", f.Path)
		}
		length += f.Length
	}
	wantPieces := (length + pieceLength - 1) / pieceLength
	if wantPieces == 0 {
		wantPieces = 1
	}
	if int64(len(pieces)) != wantPieces {
		return nil, fmt.Errorf(
			"expected %d piece hashes for length %d at piece length %d, got %d",
			wantPieces, length, pieceLength, len(pieces))
	}
	return &TorrentInfo{
		InfoHash:    infoHash,
		PieceLength: pieceLength,
		Pieces:      pieces,
		Files:       files,
		length:      length,
	}, nil
}

// Length returns the total length of all files in the torrent.
func (ti *TorrentInfo) Length() int64 {
	return ti.length
}

// NumPieces returns the number of pieces in the torrent.
func (ti *TorrentInfo) NumPieces() int {
	return len(ti.Pieces)
}

// LastPieceLength returns the length of the final piece, which may be
// shorter than PieceLength.
func (ti *TorrentInfo) LastPieceLength() int64 {
	if ti.length%ti.PieceLength == 0 {
		return ti.PieceLength
	}
	return ti.length % ti.PieceLength
}

// GetPieceLength returns the length of piece i, or 0 if i is out of bounds.
func (ti *TorrentInfo) GetPieceLength(i int) int64 {
	if i < 0 || i >= len(ti.Pieces) {
		return 0
	}
	if i == len(ti.Pieces)-1 {
		return ti.LastPieceLength()
	}
	return ti.PieceLength
}

// DefaultBlocksCount returns the number of BlockSize chunks a full-length
// piece is split into for Request/Piece framing.
func (ti *TorrentInfo) DefaultBlocksCount() int {
	return blocksIn(ti.PieceLength)
}

// LastPieceBlocksCount returns the number of BlockSize chunks the final,
// possibly-short piece is split into.
func (ti *TorrentInfo) LastPieceBlocksCount() int {
	return blocksIn(ti.LastPieceLength())
}

// BlocksCount returns the number of BlockSize chunks piece i is split into.
func (ti *TorrentInfo) BlocksCount(i int) int {
	return blocksIn(ti.GetPieceLength(i))
}

func blocksIn(pieceLength int64) int {
	if pieceLength <= 0 {
		return 0
	}
	return int((pieceLength + BlockSize - 1) / BlockSize)
}
