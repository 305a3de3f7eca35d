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

// Package engine implements the process-wide actor (C9): it owns the
// torrent_id -> controller table, accepts AddTorrent/TorrentList/
// TorrentAction commands, and demultiplexes incoming handshakes across
// every torrent it manages by info hash.
package engine

import (
	"github.com/dltorrent/engine/core"
	"github.com/dltorrent/engine/lib/torrent/conn"
	"github.com/dltorrent/engine/lib/torrent/networkevent"
	"github.com/dltorrent/engine/lib/torrent/scheduler"
	"github.com/dltorrent/engine/lib/torrent/storage/agentstorage"
	"github.com/dltorrent/engine/utils/log"
)

// Config defines Engine configuration.
type Config struct {
	IP            string             `yaml:"ip"`
	Port          int                `yaml:"port"`
	PeerIDFactory core.PeerIDFactory `yaml:"peer_id_factory"`

	Conn         conn.Config         `yaml:"conn"`
	Controller   scheduler.Config    `yaml:"controller"`
	Storage      agentstorage.Config `yaml:"storage"`
	NetworkEvent networkevent.Config `yaml:"network_event"`
	Log          log.Config          `yaml:"log"`
	TorrentLog   log.Config          `yaml:"torrent_log"`
}

func (c Config) applyDefaults() Config {
	if c.PeerIDFactory == "" {
		c.PeerIDFactory = core.RandomPeerIDFactory
	}
	if c.Port == 0 {
		c.Port = 16881
	}
	return c
}
