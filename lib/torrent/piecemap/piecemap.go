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

// Package piecemap provides the pure, deterministic mapping from a linear
// piece index to the ordered sequence of file regions it covers.
package piecemap

import (
	"github.com/dltorrent/engine/core"
)

// FileBlock is one contiguous slice of a single backing file that
// contributes bytes to a piece.
type FileBlock struct {
	// PieceOffset is the offset within the piece's own byte buffer at
	// which this block begins.
	PieceOffset int64

	// FileIndex is the index into the torrent's Files list.
	FileIndex int

	// FileOffset is the offset within that file at which this block begins.
	FileOffset int64

	// Size is the number of bytes this block covers.
	Size int64
}

// PieceBlocks is the ordered list of FileBlocks tiling a single piece.
type PieceBlocks []FileBlock

// Mapping is the piece-to-file mapping for an entire torrent: Mapping[i]
// gives the FileBlocks for piece i.
type Mapping []PieceBlocks

// Map walks files in declaration order and produces, for every piece index,
// the ordered list of FileBlocks that tile it.
//
// Algorithm (ported from the reference flat-storage-mmap implementation):
// maintain the number of bytes still free in the piece currently being
// built (currentPieceLeft, initialized to pieceSize) and an in-progress
// PieceBlocks. For each file, while the file has more remaining bytes than
// fit in the current piece, emit a FileBlock for exactly currentPieceLeft
// bytes, close the piece, and start a fresh one. Once the file's remainder
// fits in the current piece, emit one final FileBlock for it and carry the
// updated currentPieceLeft/offset into the next file. The last in-progress
// piece, if non-empty, is appended once all files are consumed.
func Map(pieceSize int64, files []core.FileInfo) Mapping {
	if pieceSize <= 0 || len(files) == 0 {
		return nil
	}

	var mapping Mapping
	currentPieceLeft := pieceSize
	var current PieceBlocks
	var pieceOffset int64

	for fileIndex, f := range files {
		fileRemaining := f.Length
		var fileOffset int64

		for currentPieceLeft < fileRemaining {
			current = append(current, FileBlock{
				PieceOffset: pieceOffset,
				FileIndex:   fileIndex,
				FileOffset:  fileOffset,
				Size:        currentPieceLeft,
			})
			fileRemaining -= currentPieceLeft
			fileOffset += currentPieceLeft
			currentPieceLeft = pieceSize
			pieceOffset = 0

			mapping = append(mapping, current)
			current = nil
		}

		current = append(current, FileBlock{
			PieceOffset: pieceOffset,
			FileIndex:   fileIndex,
			FileOffset:  fileOffset,
			Size:        fileRemaining,
		})
		currentPieceLeft -= fileRemaining
		pieceOffset += fileRemaining
	}

	if len(current) > 0 {
		mapping = append(mapping, current)
	}

	return mapping
}
