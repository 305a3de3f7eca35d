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

import (
	"sync"

	"github.com/willf/bitset"
)

// syncBitfield is a concurrency-safe wrapper around a bitset.BitSet,
// used to track which pieces a remote peer has announced.
type syncBitfield struct {
	sync.RWMutex
	b *bitset.BitSet
}

func newSyncBitfield(b *bitset.BitSet) *syncBitfield {
	return &syncBitfield{b: b.Clone()}
}

// Copy returns a snapshot of the underlying bitset.
func (s *syncBitfield) Copy() *bitset.BitSet {
	s.RLock()
	defer s.RUnlock()

	b := &bitset.BitSet{}
	s.b.Copy(b)
	return b
}

// Has reports whether bit i is set.
func (s *syncBitfield) Has(i uint) bool {
	s.RLock()
	defer s.RUnlock()

	return s.b.Test(i)
}

// Set sets bit i to v.
func (s *syncBitfield) Set(i uint, v bool) {
	s.Lock()
	defer s.Unlock()

	s.b.SetTo(i, v)
}

// Replace swaps the entire underlying bitset for b.
func (s *syncBitfield) Replace(b *bitset.BitSet) {
	s.Lock()
	defer s.Unlock()

	s.b = b.Clone()
}
