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
package connstate

import "time"

// Config defines State configuration.
type Config struct {

	// MaxOpenConnections is the maximum number of connections the controller
	// will maintain at once for its torrent.
	MaxOpenConnections int `yaml:"max_open_conn"`

	// DisableBlacklist disables the blacklisting of peers. Should only be
	// used for testing purposes.
	DisableBlacklist bool `yaml:"disable_blacklist"`

	// BlacklistDuration is the duration a peer will remain blacklisted once
	// State.Blacklist is called for it.
	BlacklistDuration time.Duration `yaml:"blacklist_duration"`
}

func (c Config) applyDefaults() Config {
	if c.MaxOpenConnections == 0 {
		c.MaxOpenConnections = 50
	}
	if c.BlacklistDuration == 0 {
		c.BlacklistDuration = 30 * time.Second
	}
	return c
}
