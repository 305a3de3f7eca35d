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
	"sync"

	"github.com/willf/bitset"
)

// State is an observable snapshot of a torrent's download progress: the
// downloaded-pieces bitfield plus byte counters, per spec's
// TorrentStorageState.
type State struct {
	Bitfield   *bitset.BitSet
	PiecesLeft uint64
	BytesRead  uint64
	BytesWrite uint64
}

// percentDownloaded returns the fraction of pieces downloaded, as an integer
// between 0 and 100. Useful for logging.
func (s *State) percentDownloaded() int {
	total := s.Bitfield.Len()
	if total == 0 {
		return 0
	}
	return int(float64(s.Bitfield.Count()) / float64(total) * 100)
}

// StateSubscriber receives State snapshots published by a Torrent.
type StateSubscriber chan *State

// StatePublisher implements a last-value-wins broadcast of State snapshots:
// every Publish replaces the previous snapshot, and subscribers that aren't
// actively draining the channel simply see the newest value next time they
// read, rather than queuing every intermediate update.
type StatePublisher struct {
	mu   sync.Mutex
	subs []StateSubscriber
}

// NewStatePublisher creates an empty StatePublisher.
func NewStatePublisher() *StatePublisher {
	return &StatePublisher{}
}

// Subscribe registers a new subscriber and returns the channel it should
// read State snapshots from.
func (p *StatePublisher) Subscribe() StateSubscriber {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub := make(StateSubscriber, 1)
	p.subs = append(p.subs, sub)
	return sub
}

// Publish broadcasts s to every subscriber, dropping the subscriber's
// previously buffered (and now stale) snapshot if it has not been consumed.
func (p *StatePublisher) Publish(s *State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sub := range p.subs {
		select {
		case <-sub:
		default:
		}
		sub <- s
	}
}
