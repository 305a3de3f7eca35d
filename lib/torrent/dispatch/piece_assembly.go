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
package dispatch

import "github.com/dltorrent/engine/core"

// pieceAssembly reassembles the blocks of a single in-flight piece into
// their correct order, regardless of the order the underlying Piece
// messages actually arrive in.
type pieceAssembly struct {
	buf       []byte
	received  []bool
	remaining int
}

func newPieceAssembly(pieceLength int64, numBlocks int) *pieceAssembly {
	return &pieceAssembly{
		buf:       make([]byte, pieceLength),
		received:  make([]bool, numBlocks),
		remaining: numBlocks,
	}
}

// put records a block received at byte offset begin. Returns done=true and
// the fully assembled piece once every block has been received.
func (a *pieceAssembly) put(begin int, block []byte) (done bool, full []byte) {
	idx := begin / core.BlockSize
	if idx < 0 || idx >= len(a.received) || begin+len(block) > len(a.buf) {
		return false, nil
	}
	if !a.received[idx] {
		copy(a.buf[begin:], block)
		a.received[idx] = true
		a.remaining--
	}
	if a.remaining == 0 {
		return true, a.buf
	}
	return false, nil
}
