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

// Package stringset provides a minimal set of strings.
package stringset

// Set is a set of strings, implemented as a map so len(s) and range work
// as expected.
type Set map[string]bool

// New creates a Set from the given strings.
func New(strs ...string) Set {
	s := make(Set)
	for _, str := range strs {
		s.Add(str)
	}
	return s
}

// Add adds str to s.
func (s Set) Add(str string) {
	s[str] = true
}

// Remove removes str from s.
func (s Set) Remove(str string) {
	delete(s, str)
}

// Has returns whether str is in s.
func (s Set) Has(str string) bool {
	return s[str]
}
