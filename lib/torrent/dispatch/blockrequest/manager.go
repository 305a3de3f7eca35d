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

// Package blockrequest provides thread-safe bookkeeping of in-flight block
// requests, at the granularity of individual (piece, begin) blocks rather
// than whole pieces. It is not responsible for sending nor receiving blocks
// in any way -- callers decide which blocks to offer as candidates and send
// the requests themselves.
package blockrequest

import (
	"sort"
	"sync"
	"time"

	"github.com/dltorrent/engine/core"

	"github.com/andres-erbsen/clock"
)

// Status enumerates possible statuses of a Request.
type Status int

const (
	// StatusPending denotes a valid request which is still in-flight.
	StatusPending Status = iota

	// StatusExpired denotes an in-flight request which has timed out on our end.
	StatusExpired

	// StatusUnsent denotes an unsent request that is safe to retry to the same peer.
	StatusUnsent

	// StatusInvalid denotes a completed request that resulted in an invalid payload.
	StatusInvalid
)

// Block identifies a single block of a piece.
type Block struct {
	Piece  int
	Begin  int
	Length int
}

// Request represents a block request to a peer.
type Request struct {
	Block  Block
	PeerID core.PeerID
	Status Status

	sentAt time.Time
}

// Manager encapsulates thread-safe block request bookkeeping.
type Manager struct {
	sync.RWMutex

	// requests and requestsByPeer hold the same data, indexed differently.
	requests       map[Block][]*Request
	requestsByPeer map[core.PeerID]map[Block]*Request

	clk           clock.Clock
	timeout       time.Duration
	pipelineLimit int
}

// NewManager creates a new Manager.
func NewManager(clk clock.Clock, timeout time.Duration, pipelineLimit int) *Manager {
	return &Manager{
		requests:       make(map[Block][]*Request),
		requestsByPeer: make(map[core.PeerID]map[Block]*Request),
		clk:            clk,
		timeout:        timeout,
		pipelineLimit:  pipelineLimit,
	}
}

// ReserveBlocks selects a prefix of candidates (in the order given by the
// caller) to reserve for peerID, up to peerID's remaining pipeline quota. If
// allowDuplicates is set, blocks already reserved under other peers may be
// selected too (used during endgame).
func (m *Manager) ReserveBlocks(
	peerID core.PeerID, candidates []Block, allowDuplicates bool) []Block {

	m.Lock()
	defer m.Unlock()

	quota := m.requestQuota(peerID)
	if quota <= 0 {
		return nil
	}

	var reserved []Block
	for _, b := range candidates {
		if len(reserved) >= quota {
			break
		}
		if !m.validRequest(peerID, b, allowDuplicates) {
			continue
		}
		reserved = append(reserved, b)
	}

	for _, b := range reserved {
		r := &Request{
			Block:  b,
			PeerID: peerID,
			Status: StatusPending,
			sentAt: m.clk.Now(),
		}
		m.requests[b] = append(m.requests[b], r)
		pm, ok := m.requestsByPeer[peerID]
		if !ok {
			pm = make(map[Block]*Request)
			m.requestsByPeer[peerID] = pm
		}
		pm[b] = r
	}

	return reserved
}

// MarkUnsent marks the request for block b to peerID as unsent.
func (m *Manager) MarkUnsent(peerID core.PeerID, b Block) {
	m.markStatus(peerID, b, StatusUnsent)
}

// MarkInvalid marks the request for block b to peerID as invalid.
func (m *Manager) MarkInvalid(peerID core.PeerID, b Block) {
	m.markStatus(peerID, b, StatusInvalid)
}

// ClearPiece deletes all block requests belonging to piece. Should be called
// once a piece is fully verified and written.
func (m *Manager) ClearPiece(piece int) {
	m.Lock()
	defer m.Unlock()

	for b := range m.requests {
		if b.Piece != piece {
			continue
		}
		delete(m.requests, b)
		for peerID, pm := range m.requestsByPeer {
			delete(pm, b)
			if len(pm) == 0 {
				delete(m.requestsByPeer, peerID)
			}
		}
	}
}

// ClearPeer deletes all block requests for peerID.
func (m *Manager) ClearPeer(peerID core.PeerID) {
	m.Lock()
	defer m.Unlock()

	delete(m.requestsByPeer, peerID)

	for b, rs := range m.requests {
		for i, r := range rs {
			if r.PeerID == peerID {
				rs[i] = rs[len(rs)-1]
				m.requests[b] = rs[:len(rs)-1]
				break
			}
		}
	}
}

// PendingBlocks returns the blocks for all pending requests to peerID, sorted
// by (piece, begin). Intended primarily for testing.
func (m *Manager) PendingBlocks(peerID core.PeerID) []Block {
	m.RLock()
	defer m.RUnlock()

	var blocks []Block
	for b, r := range m.requestsByPeer[peerID] {
		if r.Status == StatusPending {
			blocks = append(blocks, b)
		}
	}
	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].Piece != blocks[j].Piece {
			return blocks[i].Piece < blocks[j].Piece
		}
		return blocks[i].Begin < blocks[j].Begin
	})
	return blocks
}

// GetFailedRequests returns a copy of all failed block requests.
func (m *Manager) GetFailedRequests() []Request {
	m.RLock()
	defer m.RUnlock()

	var failed []Request
	for _, rs := range m.requests {
		for _, r := range rs {
			status := r.Status
			if status == StatusPending && m.expired(r) {
				status = StatusExpired
			}
			if status != StatusPending {
				failed = append(failed, Request{
					Block:  r.Block,
					PeerID: r.PeerID,
					Status: status,
				})
			}
		}
	}
	return failed
}

func (m *Manager) validRequest(peerID core.PeerID, b Block, allowDuplicates bool) bool {
	for _, r := range m.requests[b] {
		if r.Status == StatusPending && !m.expired(r) {
			if r.PeerID == peerID {
				return false
			}
			if !allowDuplicates {
				return false
			}
		}
	}
	return true
}

func (m *Manager) requestQuota(peerID core.PeerID) int {
	quota := m.pipelineLimit
	pm, ok := m.requestsByPeer[peerID]
	if !ok {
		return quota
	}
	for _, r := range pm {
		if (r.Status == StatusPending && !m.expired(r)) || r.Status == StatusInvalid {
			quota--
			if quota == 0 {
				break
			}
		}
	}
	return quota
}

func (m *Manager) expired(r *Request) bool {
	expiresAt := r.sentAt.Add(m.timeout)
	return m.clk.Now().After(expiresAt)
}

func (m *Manager) markStatus(peerID core.PeerID, b Block, s Status) {
	m.Lock()
	defer m.Unlock()

	for _, r := range m.requests[b] {
		if r.PeerID == peerID {
			r.Status = s
		}
	}
}
