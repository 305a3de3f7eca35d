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
	"fmt"

	"github.com/dltorrent/engine/core"
)

// InfoHashMismatchError implements error and contains the expected and
// actual core.InfoHash of a handshake (see spec invariant around dropping
// connections on mismatch).
type InfoHashMismatchError struct {
	Expected core.InfoHash
	Actual   core.InfoHash
}

func (e InfoHashMismatchError) Error() string {
	return fmt.Sprintf("info hash mismatch: expected %s, actual %s", e.Expected.Hex(), e.Actual.Hex())
}

// IsInfoHashMismatchError returns true if err is an InfoHashMismatchError.
func IsInfoHashMismatchError(err error) bool {
	_, ok := err.(InfoHashMismatchError)
	return ok
}

// ConflictedPieceWriteError occurs when two writers race to write the same
// piece.
type ConflictedPieceWriteError struct {
	InfoHash core.InfoHash
	Piece    int
}

func (e ConflictedPieceWriteError) Error() string {
	return fmt.Sprintf("another writer is already writing piece %d for torrent %s", e.Piece, e.InfoHash.Hex())
}

// IsConflictedPieceWriteError returns true if err is a ConflictedPieceWriteError.
func IsConflictedPieceWriteError(err error) bool {
	_, ok := err.(ConflictedPieceWriteError)
	return ok
}

// VerificationError occurs when a delivered piece's SHA-1 does not match the
// expected digest from the torrent's metadata (spec invariant I2).
type VerificationError struct {
	Piece int
}

func (e VerificationError) Error() string {
	return fmt.Sprintf("piece %d failed sha1 verification", e.Piece)
}

// IsVerificationError returns true if err is a VerificationError.
func IsVerificationError(err error) bool {
	_, ok := err.(VerificationError)
	return ok
}

// AllocateError occurs when a backing file cannot be opened, created, or
// truncated to its declared length. Fatal for the torrent it belongs to.
type AllocateError struct {
	Path string
	Err  error
}

func (e AllocateError) Error() string {
	return fmt.Sprintf("allocate file %q: %s", e.Path, e.Err)
}
