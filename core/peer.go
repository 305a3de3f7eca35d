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
package core

import "errors"

// PeerContext defines the identity a local peer announces itself under:
// the address dialed/listened on and the peer id used in handshakes and
// tracker announces.
type PeerContext struct {
	IP     string `json:"ip"`
	Port   int    `json:"port"`
	PeerID PeerID `json:"peer_id"`
}

// NewPeerContext creates a new PeerContext, generating a PeerID per f.
func NewPeerContext(f PeerIDFactory, ip string, port int) (PeerContext, error) {
	if ip == "" {
		return PeerContext{}, errors.New("no ip supplied")
	}
	if port == 0 {
		return PeerContext{}, errors.New("no port supplied")
	}
	peerID, err := f.GeneratePeerID(ip, port)
	if err != nil {
		return PeerContext{}, err
	}
	return PeerContext{IP: ip, Port: port, PeerID: peerID}, nil
}

// PeerInfo is what a tracker announce response reports about one remote
// peer sharing a torrent's swarm.
type PeerInfo struct {
	PeerID PeerID `json:"peer_id"`
	IP     string `json:"ip"`
	Port   int    `json:"port"`
}

// NewPeerInfo creates a new PeerInfo.
func NewPeerInfo(peerID PeerID, ip string, port int) *PeerInfo {
	return &PeerInfo{PeerID: peerID, IP: ip, Port: port}
}
