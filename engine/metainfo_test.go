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
package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dltorrent/engine/core"
	"github.com/dltorrent/engine/lib/torrent/bencode"
)

func singleFileMetainfo(t *testing.T, name string, pieceLength int64, pieces int) []byte {
	raw := rawMetainfo{
		Announce: "http://tracker.example.com/announce",
		Info: rawInfo{
			Name:        name,
			PieceLength: pieceLength,
			Pieces:      string(make([]byte, pieces*core.SHA1Size)),
			Length:      pieceLength * int64(pieces),
		},
	}
	data, err := bencode.Marshal(raw)
	require.NoError(t, err)
	return data
}

func TestParseMetainfoSingleFile(t *testing.T) {
	require := require.New(t)

	data := singleFileMetainfo(t, "movie.mp4", 16384, 4)

	meta, err := parseMetainfo(data)
	require.NoError(err)
	require.Equal([]string{"http://tracker.example.com/announce"}, meta.announceURLs)
	require.Equal(int64(16384*4), meta.info.Length())
	require.Equal(4, meta.info.NumPieces())
	require.Equal([]core.FileInfo{{Path: "movie.mp4", Length: 16384 * 4}}, meta.info.Files)
}

func TestParseMetainfoMultiFile(t *testing.T) {
	require := require.New(t)

	raw := rawMetainfo{
		AnnounceList: [][]string{{"udp://tracker-a.example.com:80"}, {"http://tracker-b.example.com/announce"}},
		Info: rawInfo{
			Name:        "album",
			PieceLength: 16384,
			Pieces:      string(make([]byte, core.SHA1Size)),
			Files: []rawFile{
				{Length: 8192, Path: []string{"disc1", "track1.flac"}},
				{Length: 8192, Path: []string{"disc1", "track2.flac"}},
			},
		},
	}
	data, err := bencode.Marshal(raw)
	require.NoError(err)

	meta, err := parseMetainfo(data)
	require.NoError(err)
	require.Equal([]string{"udp://tracker-a.example.com:80", "http://tracker-b.example.com/announce"}, meta.announceURLs)
	require.Len(meta.info.Files, 2)
	require.Equal("album/disc1/track1.flac", meta.info.Files[0].Path)
}

func TestParseMetainfoIsDeterministic(t *testing.T) {
	require := require.New(t)

	data := singleFileMetainfo(t, "a.bin", 16384, 2)

	m1, err := parseMetainfo(data)
	require.NoError(err)
	m2, err := parseMetainfo(data)
	require.NoError(err)

	require.Equal(m1.info.InfoHash, m2.info.InfoHash)
}

func TestParseMetainfoRejectsMismatchedPieceCount(t *testing.T) {
	raw := rawMetainfo{
		Announce: "http://tracker.example.com/announce",
		Info: rawInfo{
			Name:        "bad.bin",
			PieceLength: 16384,
			Pieces:      string(make([]byte, core.SHA1Size)), // only 1 piece hash
			Length:      16384 * 3,                           // but this implies 3 pieces
		},
	}
	data, err := bencode.Marshal(raw)
	require.NoError(t, err)

	_, err = parseMetainfo(data)
	require.Error(t, err)
}
