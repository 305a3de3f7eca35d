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
package tracker

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dltorrent/engine/core"

	bencode "github.com/jackpal/bencode-go"
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

func (c HTTPConfig) applyDefaults() HTTPConfig {
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// bencodeResponse is the raw decoded shape of a tracker's bencoded
// response. Peers is left untyped because trackers reply with either a
// compact byte string or a dictionary-form peer list.
type bencodeResponse struct {
	FailureReason string      `bencode:"failure reason"`
	Interval      int         `bencode:"interval"`
	Peers         interface{} `bencode:"peers"`
}

type bencodePeerDict struct {
	PeerID string `bencode:"peer id"`
	IP     string `bencode:"ip"`
	Port   int    `bencode:"port"`
}

// HTTPClient announces torrents to an HTTP tracker.
type HTTPClient struct {
	announceURL string
	config      HTTPConfig
	httpClient  *http.Client
}

// NewHTTPClient returns a Client which announces to announceURL.
func NewHTTPClient(announceURL string, config HTTPConfig) *HTTPClient {
	config = config.applyDefaults()
	return &HTTPClient{
		announceURL: announceURL,
		config:      config,
		httpClient:  &http.Client{Timeout: config.Timeout},
	}
}

// Announce performs a single HTTP tracker announce.
func (c *HTTPClient) Announce(r Request) (*Response, error) {
	u, err := url.Parse(c.announceURL)
	if err != nil {
		return nil, fmt.Errorf("parse announce url: %s", err)
	}

	q := url.Values{}
	q.Set("info_hash", string(r.InfoHash.Bytes()))
	q.Set("peer_id", string(r.PeerID[:]))
	q.Set("port", strconv.Itoa(r.Port))
	q.Set("uploaded", strconv.FormatInt(r.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(r.Downloaded, 10))
	q.Set("left", strconv.FormatInt(r.Left, 10))
	q.Set("compact", "1")
	if r.Event != EventEmpty {
		q.Set("event", r.Event.String())
	}
	u.RawQuery = q.Encode()

	resp, err := c.httpClient.Get(u.String())
	if err != nil {
		return nil, fmt.Errorf("get: %s", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker returned status %d", resp.StatusCode)
	}

	var br bencodeResponse
	if err := bencode.Unmarshal(resp.Body, &br); err != nil {
		return nil, fmt.Errorf("decode bencoded response: %s", err)
	}
	if br.FailureReason != "" {
		return nil, fmt.Errorf("tracker failure: %s", br.FailureReason)
	}

	peers, err := decodePeers(br.Peers)
	if err != nil {
		return nil, fmt.Errorf("decode peers: %s", err)
	}

	return &Response{
		Interval: time.Duration(br.Interval) * time.Second,
		Peers:    peers,
	}, nil
}

// decodePeers accepts either the compact (binary string) or dictionary
// (list of peer dicts) bencoded peer list forms, since real trackers in
// the wild emit either.
func decodePeers(raw interface{}) ([]*core.PeerInfo, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return decodeCompactPeers([]byte(v))
	case []byte:
		return decodeCompactPeers(v)
	case []interface{}:
		var peers []*core.PeerInfo
		for _, e := range v {
			d, ok := e.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("peer entry: expected dict, got %T", e)
			}
			ip, _ := d["ip"].(string)
			port, _ := d["port"].(int64)
			peerIDStr, _ := d["peer id"].(string)
			var peerID core.PeerID
			copy(peerID[:], peerIDStr)
			peers = append(peers, core.NewPeerInfo(peerID, ip, int(port)))
		}
		return peers, nil
	default:
		return nil, fmt.Errorf("unrecognized peers field type %T", raw)
	}
}
