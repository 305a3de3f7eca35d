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

import "time"

// Config defines the configuration for block dispatch.
type Config struct {

	// BlockRequestTimeout bounds how long a single in-flight block request is
	// given before it is considered failed and eligible for resend. Unlike
	// whole-piece requests, blocks are fixed size (core.BlockSize), so a
	// single timeout suffices without scaling by payload size.
	BlockRequestTimeout time.Duration `yaml:"block_request_timeout"`

	// PipelineLimit limits the number of outstanding block requests that can
	// be in flight to a single peer at once.
	PipelineLimit int `yaml:"pipeline_limit"`

	// EndgameThreshold is the number of missing pieces at or below which the
	// torrent enters "endgame" and starts requesting the same blocks from
	// multiple peers. If zero, the threshold is derived from the number of
	// connected peers (see Dispatcher.endgame).
	EndgameThreshold int `yaml:"endgame_threshold"`

	DisableEndgame bool `yaml:"disable_endgame"`

	// StallTimeout is how long a peer is allowed to go without delivering a
	// good piece while it has pending block requests before it is dropped.
	StallTimeout time.Duration `yaml:"stall_timeout"`
}

func (c Config) applyDefaults() Config {
	if c.BlockRequestTimeout == 0 {
		c.BlockRequestTimeout = 10 * time.Second
	}
	if c.PipelineLimit == 0 {
		c.PipelineLimit = 10
	}
	if c.StallTimeout == 0 {
		c.StallTimeout = 30 * time.Second
	}
	return c
}
