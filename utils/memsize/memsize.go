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

// Package memsize provides named byte/bit size constants and human-readable
// formatting for them.
package memsize

import "fmt"

// Byte size constants.
const (
	B  uint64 = 1
	KB        = B * 1024
	MB        = KB * 1024
	GB        = MB * 1024
	TB        = GB * 1024
)

// Bit size constants.
const (
	bit  uint64 = 1
	Kbit        = bit * 1024
	Mbit        = Kbit * 1024
	Gbit        = Mbit * 1024
	Tbit        = Gbit * 1024
)

// Format renders bytes as a human-readable string with the largest unit
// that keeps the value >= 1.
func Format(bytes uint64) string {
	return format(bytes, "B", "KB", "MB", "GB", "TB")
}

// BitFormat renders bits as a human-readable string with the largest unit
// that keeps the value >= 1.
func BitFormat(bits uint64) string {
	return format(bits, "bit", "Kbit", "Mbit", "Gbit", "Tbit")
}

func format(n uint64, units ...string) string {
	if n == 0 {
		return "0" + units[0]
	}
	v := float64(n)
	unit := units[0]
	for _, u := range units[1:] {
		if v < 1024 {
			break
		}
		v /= 1024
		unit = u
	}
	return fmt.Sprintf("%.2f%s", v, unit)
}
