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
package piecemap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dltorrent/engine/core"
)

func TestMapSingleFileEvenlyDivisible(t *testing.T) {
	require := require.New(t)

	m := Map(100, []core.FileInfo{{Path: "test", Length: 1000}})
	require.Len(m, 10)
}

func TestMapSingleFileExactPieceSize(t *testing.T) {
	require := require.New(t)

	m := Map(1000, []core.FileInfo{{Path: "test", Length: 1000}})
	require.Equal(Mapping{
		{{PieceOffset: 0, FileIndex: 0, FileOffset: 0, Size: 1000}},
	}, m)
}

func TestMapSingleFileShorterThanPiece(t *testing.T) {
	require := require.New(t)

	m := Map(1000, []core.FileInfo{{Path: "test", Length: 800}})
	require.Equal(Mapping{
		{{PieceOffset: 0, FileIndex: 0, FileOffset: 0, Size: 800}},
	}, m)
}

// TestMapSingleFileUnevenSplit maps a single 1000-byte file onto 333-byte
// pieces, giving pieces of [333, 333, 333, 1] bytes.
func TestMapSingleFileUnevenSplit(t *testing.T) {
	require := require.New(t)

	m := Map(333, []core.FileInfo{{Path: "test", Length: 1000}})
	require.Equal(Mapping{
		{{PieceOffset: 0, FileIndex: 0, FileOffset: 0, Size: 333}},
		{{PieceOffset: 0, FileIndex: 0, FileOffset: 333, Size: 333}},
		{{PieceOffset: 0, FileIndex: 0, FileOffset: 666, Size: 333}},
		{{PieceOffset: 0, FileIndex: 0, FileOffset: 999, Size: 1}},
	}, m)
}

// TestMapCrossFileSplit is scenario S2 from the specification.
func TestMapCrossFileSplit(t *testing.T) {
	require := require.New(t)

	m := Map(500, []core.FileInfo{
		{Path: "x", Length: 300},
		{Path: "y", Length: 400},
		{Path: "z", Length: 500},
	})
	require.Equal(Mapping{
		{
			{PieceOffset: 0, FileIndex: 0, FileOffset: 0, Size: 300},
			{PieceOffset: 300, FileIndex: 1, FileOffset: 0, Size: 200},
		},
		{
			{PieceOffset: 0, FileIndex: 1, FileOffset: 200, Size: 200},
			{PieceOffset: 200, FileIndex: 2, FileOffset: 0, Size: 300},
		},
		{
			{PieceOffset: 0, FileIndex: 2, FileOffset: 300, Size: 200},
		},
	}, m)
}

// TestMapProperties is property P1: for a range of piece sizes and file
// layouts, grouping all FileBlocks by piece index must produce
// ceil(sum(len)/piece_size) pieces, each summing to piece_size except
// possibly the last.
func TestMapProperties(t *testing.T) {
	require := require.New(t)

	cases := []struct {
		pieceSize int64
		files     []core.FileInfo
	}{
		{100, []core.FileInfo{{Path: "a", Length: 250}}},
		{7, []core.FileInfo{{Path: "a", Length: 1}}},
		{512, []core.FileInfo{{Path: "a", Length: 10}, {Path: "b", Length: 5000}}},
		{1 << 18, []core.FileInfo{{Path: "a", Length: 1 << 20}}},
	}

	for _, c := range cases {
		var total int64
		for _, f := range c.files {
			total += f.Length
		}
		wantPieces := (total + c.pieceSize - 1) / c.pieceSize

		m := Map(c.pieceSize, c.files)
		require.Len(m, int(wantPieces))

		for i, blocks := range m {
			var sum int64
			for _, b := range blocks {
				sum += b.Size
			}
			if i < len(m)-1 {
				require.Equal(c.pieceSize, sum)
			} else {
				last := total % c.pieceSize
				if last == 0 {
					last = c.pieceSize
				}
				require.Equal(last, sum)
			}
		}
	}
}
