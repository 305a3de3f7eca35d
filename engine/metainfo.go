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
	"fmt"
	"path/filepath"

	"github.com/dltorrent/engine/core"
	"github.com/dltorrent/engine/lib/torrent/bencode"
)

// rawFile mirrors one entry of a multi-file torrent's "info.files" list.
type rawFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// rawInfo mirrors a .torrent file's "info" dict -- the piece of the
// metadata whose exact encoded bytes are SHA-1'd to produce the info hash.
type rawInfo struct {
	Name        string    `bencode:"name"`
	PieceLength int64     `bencode:"piece length"`
	Pieces      string    `bencode:"pieces"`
	Length      int64     `bencode:"length,omitempty"`
	Files       []rawFile `bencode:"files,omitempty"`
}

// rawMetainfo mirrors the top-level dict of a .torrent file.
type rawMetainfo struct {
	Announce     string     `bencode:"announce,omitempty"`
	AnnounceList [][]string `bencode:"announce-list,omitempty"`
	Info         rawInfo    `bencode:"info"`
}

// parsedMetainfo is a decoded .torrent file: the announce URLs and the
// core.TorrentInfo an engine controller needs to spawn a torrent.
type parsedMetainfo struct {
	announceURLs []string
	info         *core.TorrentInfo
}

// parseMetainfo decodes a raw .torrent file, computing its info hash as
// the SHA-1 of the bencode-canonical re-encoding of just the "info" dict
// (the standard BitTorrent info-hash definition -- RFC has no canonical
// spec, but every client computes it this way).
func parseMetainfo(data []byte) (*parsedMetainfo, error) {
	var raw rawMetainfo
	if err := bencode.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode metainfo: %s", err)
	}

	infoBytes, err := bencode.Marshal(raw.Info)
	if err != nil {
		return nil, fmt.Errorf("re-encode info dict: %s", err)
	}
	infoHash := core.NewInfoHashFromBytes(infoBytes)

	if len(raw.Info.Pieces)%core.SHA1Size != 0 {
		return nil, fmt.Errorf("info.pieces length %d is not a multiple of %d", len(raw.Info.Pieces), core.SHA1Size)
	}
	numPieces := len(raw.Info.Pieces) / core.SHA1Size
	pieces := make([][core.SHA1Size]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(pieces[i][:], raw.Info.Pieces[i*core.SHA1Size:(i+1)*core.SHA1Size])
	}

	files, err := metainfoFiles(raw.Info)
	if err != nil {
		return nil, err
	}

	info, err := core.NewTorrentInfo(infoHash, raw.Info.PieceLength, pieces, files)
	if err != nil {
		return nil, fmt.Errorf("build torrent info: %s", err)
	}

	var announceURLs []string
	for _, tier := range raw.AnnounceList {
		announceURLs = append(announceURLs, tier...)
	}
	if len(announceURLs) == 0 && raw.Announce != "" {
		announceURLs = []string{raw.Announce}
	}

	return &parsedMetainfo{announceURLs: announceURLs, info: info}, nil
}

// metainfoFiles derives the single- or multi-file layout from info, using
// info.Name as either the lone file's path (single-file mode) or the
// directory every declared file path is rooted under (multi-file mode).
func metainfoFiles(info rawInfo) ([]core.FileInfo, error) {
	if len(info.Files) == 0 {
		if info.Name == "" {
			return nil, fmt.Errorf("info dict declares neither a name nor a files list")
		}
		return []core.FileInfo{{Path: info.Name, Length: info.Length}}, nil
	}
	files := make([]core.FileInfo, len(info.Files))
	for i, f := range info.Files {
		parts := append([]string{info.Name}, f.Path...)
		files[i] = core.FileInfo{Path: filepath.Join(parts...), Length: f.Length}
	}
	return files, nil
}
