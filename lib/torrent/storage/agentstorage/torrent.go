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
	"crypto/sha1"
	"fmt"
	"io"
	"path/filepath"

	"github.com/dltorrent/engine/core"
	"github.com/dltorrent/engine/lib/torrent/storage"
	"github.com/dltorrent/engine/lib/torrent/storage/piecereader"
	"github.com/dltorrent/engine/utils/log"

	"github.com/willf/bitset"
	"go.uber.org/atomic"
)

// Torrent implements storage.Torrent on top of a flat, memory-mapped file
// set. It allows concurrent writes on distinct pieces and concurrent reads
// on all pieces. Behavior is undefined if multiple Torrent instances are
// backed by the same directory and info hash.
type Torrent struct {
	info        *core.TorrentInfo
	flat        *storage.FlatStorage
	statusPath  string
	pieces      []*piece
	numComplete *atomic.Int32
	bytesRead   *atomic.Int64
	publisher   *storage.StatePublisher
}

// NewTorrent opens (or creates, if absent) the backing files for info under
// dir and restores whatever piece-completion state was previously persisted
// alongside them.
func NewTorrent(dir string, info *core.TorrentInfo) (*Torrent, error) {
	flat, err := storage.NewFlatStorage(dir, info)
	if err != nil {
		return nil, fmt.Errorf("open flat storage: %s", err)
	}

	statusPath := filepath.Join(dir, info.InfoHash.Hex()+pieceStatusSuffix)
	pieces, numComplete, err := restorePieces(statusPath, info.NumPieces())
	if err != nil {
		flat.Close()
		return nil, fmt.Errorf("restore pieces: %s", err)
	}

	return &Torrent{
		info:        info,
		flat:        flat,
		statusPath:  statusPath,
		pieces:      pieces,
		numComplete: atomic.NewInt32(int32(numComplete)),
		bytesRead:   atomic.NewInt64(0),
		publisher:   storage.NewStatePublisher(),
	}, nil
}

// InfoHash returns the torrent's info hash.
func (t *Torrent) InfoHash() core.InfoHash {
	return t.info.InfoHash
}

// Stat returns a snapshot of t's download progress.
func (t *Torrent) Stat() *storage.State {
	return &storage.State{
		Bitfield:   t.Bitfield(),
		PiecesLeft: uint64(t.NumPieces() - int(t.numComplete.Load())),
		BytesRead:  uint64(t.bytesRead.Load()),
		BytesWrite: uint64(t.BytesDownloaded()),
	}
}

// Subscribe registers a new subscriber to t's state changes.
func (t *Torrent) Subscribe() storage.StateSubscriber {
	return t.publisher.Subscribe()
}

// NumPieces returns the number of pieces in the torrent.
func (t *Torrent) NumPieces() int {
	return len(t.pieces)
}

// Length returns the total length of the torrent's content.
func (t *Torrent) Length() int64 {
	return t.info.Length()
}

// PieceLength returns the length of piece pi.
func (t *Torrent) PieceLength(pi int) int64 {
	return t.info.GetPieceLength(pi)
}

// MaxPieceLength returns the length of the torrent's largest (non-final)
// piece.
func (t *Torrent) MaxPieceLength() int64 {
	return t.PieceLength(0)
}

// Complete reports whether every piece has been verified and written.
func (t *Torrent) Complete() bool {
	return int(t.numComplete.Load()) == len(t.pieces)
}

// BytesDownloaded returns an estimate of the number of bytes downloaded,
// computed from the number of complete pieces.
func (t *Torrent) BytesDownloaded() int64 {
	n := int64(t.numComplete.Load())
	if n == int64(len(t.pieces)) {
		return t.info.Length()
	}
	return min64(n*t.info.PieceLength, t.info.Length())
}

// Bitfield returns a snapshot of which pieces are complete.
func (t *Torrent) Bitfield() *bitset.BitSet {
	b := bitset.New(uint(len(t.pieces)))
	for i, p := range t.pieces {
		if p.complete() {
			b.Set(uint(i))
		}
	}
	return b
}

// Files returns the torrent's file list.
func (t *Torrent) Files() []core.FileInfo {
	return t.info.Files
}

func (t *Torrent) String() string {
	downloaded := 0
	if t.info.Length() > 0 {
		downloaded = int(float64(t.BytesDownloaded()) / float64(t.info.Length()) * 100)
	}
	return fmt.Sprintf("torrent(hash=%s, downloaded=%d%%)", t.InfoHash().Hex(), downloaded)
}

func (t *Torrent) getPiece(pi int) (*piece, error) {
	if pi < 0 || pi >= len(t.pieces) {
		return nil, fmt.Errorf("invalid piece index %d: num pieces = %d", pi, len(t.pieces))
	}
	return t.pieces[pi], nil
}

// markPieceComplete must only be called once per piece.
func (t *Torrent) markPieceComplete(pi int) error {
	t.pieces[pi].markComplete()
	if err := persistPieceStatuses(t.statusPath, t.pieces); err != nil {
		log.Errorf("Failed to persist piece statuses for %s: %s", t.InfoHash().Hex(), err)
	}
	t.numComplete.Inc()
	t.publisher.Publish(t.Stat())
	return nil
}

// WritePiece verifies src's SHA-1 against the torrent's recorded digest for
// piece pi, and only commits the write to the backing files on success, per
// invariant I2.
func (t *Torrent) WritePiece(src storage.PieceReader, pi int) error {
	p, err := t.getPiece(pi)
	if err != nil {
		return err
	}
	if int64(src.Length()) != t.PieceLength(pi) {
		return fmt.Errorf("invalid piece length: expected %d, got %d", t.PieceLength(pi), src.Length())
	}

	if p.complete() {
		return storage.ErrPieceComplete
	}
	if p.dirty() {
		return storage.ConflictedPieceWriteError{InfoHash: t.InfoHash(), Piece: pi}
	}

	dirty, complete := p.tryMarkDirty()
	if dirty {
		return storage.ConflictedPieceWriteError{InfoHash: t.InfoHash(), Piece: pi}
	} else if complete {
		return storage.ErrPieceComplete
	}

	// At this point we've determined the piece is writable and we are the
	// only writer for it. Other threads may still check HasPiece/complete.

	if err := t.writeAndVerify(src, pi); err != nil {
		p.markEmpty()
		return err
	}

	return t.markPieceComplete(pi)
}

func (t *Torrent) writeAndVerify(src storage.PieceReader, pi int) error {
	h := sha1.New()
	r := io.TeeReader(src, h)

	buf, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read piece: %s", err)
	}

	var sum [core.SHA1Size]byte
	copy(sum[:], h.Sum(nil))
	if sum != t.info.Pieces[pi] {
		return storage.VerificationError{Piece: pi}
	}

	if err := t.flat.WritePiece(pi, buf); err != nil {
		return fmt.Errorf("write piece: %s", err)
	}
	return nil
}

// GetPieceReader returns a reader over piece pi's verified bytes.
func (t *Torrent) GetPieceReader(pi int) (storage.PieceReader, error) {
	p, err := t.getPiece(pi)
	if err != nil {
		return nil, err
	}
	if !p.complete() {
		return nil, fmt.Errorf("piece %d not complete", pi)
	}
	b, err := t.flat.ReadPiece(pi)
	if err != nil {
		return nil, err
	}
	t.bytesRead.Add(int64(len(b)))
	t.publisher.Publish(t.Stat())
	return piecereader.NewBuffer(b), nil
}

// HasPiece returns whether piece pi is complete.
func (t *Torrent) HasPiece(pi int) bool {
	p, err := t.getPiece(pi)
	if err != nil {
		return false
	}
	return p.complete()
}

// MissingPieces returns the indices of all incomplete pieces.
func (t *Torrent) MissingPieces() []int {
	var missing []int
	for i, p := range t.pieces {
		if !p.complete() {
			missing = append(missing, i)
		}
	}
	return missing
}

// Close releases the backing file mappings.
func (t *Torrent) Close() error {
	return t.flat.Close()
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
