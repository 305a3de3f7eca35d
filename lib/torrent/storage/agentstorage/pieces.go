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
package agentstorage

import (
	"os"
	"sync"

	"github.com/dltorrent/engine/utils/log"
)

// pieceStatusSuffix names the sidecar file a torrent's piece completion
// bitmap is persisted to, alongside its data files.
const pieceStatusSuffix = ".pieces"

type pieceStatus int

const (
	_empty pieceStatus = iota
	_complete
	_dirty
)

type piece struct {
	sync.RWMutex
	status pieceStatus
}

func (p *piece) complete() bool {
	p.RLock()
	defer p.RUnlock()
	return p.status == _complete
}

func (p *piece) dirty() bool {
	p.RLock()
	defer p.RUnlock()
	return p.status == _dirty
}

// tryMarkDirty transitions an empty piece to dirty, reporting whether some
// other writer got there first (dirty) or the piece is already verified
// (complete).
func (p *piece) tryMarkDirty() (dirty, complete bool) {
	p.Lock()
	defer p.Unlock()

	switch p.status {
	case _empty:
		p.status = _dirty
	case _dirty:
		dirty = true
	case _complete:
		complete = true
	default:
		log.Fatalf("unknown piece status: %d", p.status)
	}
	return
}

func (p *piece) markEmpty() {
	p.Lock()
	defer p.Unlock()
	p.status = _empty
}

func (p *piece) markComplete() {
	p.Lock()
	defer p.Unlock()
	p.status = _complete
}

// serializePieceStatuses flattens pieces into one status byte per piece, for
// writing to the sidecar file.
func serializePieceStatuses(pieces []*piece) []byte {
	b := make([]byte, len(pieces))
	for i, p := range pieces {
		p.RLock()
		b[i] = byte(p.status)
		p.RUnlock()
	}
	return b
}

// restorePieces reads the piece completion sidecar at statusPath, if it
// exists, and initializes the in-memory piece statuses from it. A naive
// solution would re-hash the whole file on every restart to figure out
// what's already downloaded, but that is exactly the expensive work the
// sidecar exists to avoid: the torrent records piece completion as it
// downloads, so a restart just replays that bitmap.
func restorePieces(statusPath string, numPieces int) (pieces []*piece, numComplete int, err error) {
	pieces = make([]*piece, numPieces)
	for i := range pieces {
		pieces[i] = &piece{status: _empty}
	}

	b, err := os.ReadFile(statusPath)
	if os.IsNotExist(err) {
		return pieces, 0, nil
	} else if err != nil {
		return nil, 0, err
	}

	for i := 0; i < len(b) && i < numPieces; i++ {
		status := pieceStatus(b[i])
		if status != _empty && status != _complete {
			log.Errorf("unexpected status in piece sidecar %s: %d", statusPath, status)
			status = _empty
		}
		pieces[i].status = status
		if status == _complete {
			numComplete++
		}
	}
	return pieces, numComplete, nil
}

// persistPieceStatuses overwrites the sidecar file at statusPath with the
// current status of every piece.
func persistPieceStatuses(statusPath string, pieces []*piece) error {
	return os.WriteFile(statusPath, serializePieceStatuses(pieces), 0644)
}
