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

import "sync"

// peerStats wraps stats collected for a given peer across the lifetime of a
// Dispatcher, persisted past peer removal so TearDown can still summarize
// them.
type peerStats struct {
	mu sync.Mutex

	blockRequestsSent     int // Blocks we requested from the peer.
	blockRequestsReceived int // Blocks the peer requested from us.
	blocksSent            int // Blocks we sent to the peer.

	// Pieces fully reassembled from the peer that we didn't already have.
	goodPiecesReceived int
	// Pieces fully reassembled from the peer that we already had.
	duplicatePiecesReceived int
}

func (s *peerStats) incrementBlockRequestsSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockRequestsSent++
}

func (s *peerStats) getBlockRequestsSent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blockRequestsSent
}

func (s *peerStats) incrementBlockRequestsReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockRequestsReceived++
}

func (s *peerStats) getBlockRequestsReceived() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blockRequestsReceived
}

func (s *peerStats) incrementBlocksSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocksSent++
}

func (s *peerStats) getBlocksSent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocksSent
}

func (s *peerStats) incrementGoodPiecesReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.goodPiecesReceived++
}

func (s *peerStats) getGoodPiecesReceived() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.goodPiecesReceived
}

func (s *peerStats) incrementDuplicatePiecesReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duplicatePiecesReceived++
}

func (s *peerStats) getDuplicatePiecesReceived() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duplicatePiecesReceived
}
