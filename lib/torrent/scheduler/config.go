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

// Package scheduler implements the per-torrent download controller: it
// reacts to tracker announces and dispatch/connection lifecycle events by
// driving new outbound connections, handing established ones off to a
// dispatch.Dispatcher, and tearing the torrent down on completion or
// cancellation.
package scheduler

import (
	"time"

	"github.com/dltorrent/engine/lib/torrent/conn"
	"github.com/dltorrent/engine/lib/torrent/dispatch"
	"github.com/dltorrent/engine/lib/torrent/dispatch/connstate"
	"github.com/dltorrent/engine/tracker"
	"github.com/dltorrent/engine/utils/log"
)

// Config defines Controller configuration.
type Config struct {
	Conn      conn.Config      `yaml:"conn"`
	Dispatch  dispatch.Config  `yaml:"dispatch"`
	ConnState connstate.Config `yaml:"conn_state"`
	Tracker   tracker.Config   `yaml:"tracker"`
	Log       log.Config       `yaml:"log"`

	// DefaultAnnounceInterval is used when a torrent has not yet announced,
	// or when the tracker's response omits an interval.
	DefaultAnnounceInterval time.Duration `yaml:"default_announce_interval"`

	// MaxAnnounceInterval caps the interval a tracker may ask the
	// controller to wait between announces.
	MaxAnnounceInterval time.Duration `yaml:"max_announce_interval"`

	// ConnectTimeout bounds how long a single outbound dial-and-handshake
	// attempt is given before it is considered failed.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// UnchokeSlots is the number of peers the controller keeps unchoked at
	// once, chosen by how recently each delivered a piece block. No
	// optimistic-unchoke rotation is implemented: the top UnchokeSlots
	// peers by that recency are kept unchoked, full stop.
	UnchokeSlots int `yaml:"unchoke_slots"`

	// UnchokeRoundInterval is how often the controller recomputes which
	// peers are unchoked.
	UnchokeRoundInterval time.Duration `yaml:"unchoke_round_interval"`

	// EventBufferSize bounds the controller's inbound event channel.
	EventBufferSize int `yaml:"event_buffer_size"`

	// SeedTimeout tears down a completed (seeding) torrent whose controller
	// knows no peers this long after completion.
	SeedTimeout time.Duration `yaml:"seed_timeout"`
}

// defaultChannelBuffer matches the buffer size used throughout the engine
// for inter-component event channels (see dispatch.New's events channel).
const defaultChannelBuffer = 256

func (c Config) applyDefaults() Config {
	if c.DefaultAnnounceInterval == 0 {
		c.DefaultAnnounceInterval = 5 * time.Minute
	}
	if c.MaxAnnounceInterval == 0 {
		c.MaxAnnounceInterval = 30 * time.Minute
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ConnState.MaxOpenConnections == 0 {
		// Mirrors connstate.Config's own default: the controller checks this
		// same figure when deciding whether to spawn a new outbound dial,
		// before a peer's wire id (and thus a connstate entry) exists.
		c.ConnState.MaxOpenConnections = 50
	}
	if c.UnchokeSlots == 0 {
		c.UnchokeSlots = 4
	}
	if c.UnchokeRoundInterval == 0 {
		c.UnchokeRoundInterval = 10 * time.Second
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = defaultChannelBuffer
	}
	if c.SeedTimeout == 0 {
		c.SeedTimeout = 10 * time.Minute
	}
	return c
}
