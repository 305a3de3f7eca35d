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
package conn

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func sendAndReceive(t *testing.T, m Message) Message {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errc := make(chan error, 1)
	go func() { errc <- sendMessage(client, m) }()

	got, err := readMessage(server, 1<<20)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	return got
}

func TestKeepAliveRoundTrip(t *testing.T) {
	require := require.New(t)

	got := sendAndReceive(t, KeepAliveMessage())
	require.False(got.HasID)
}

func TestChokeUnchokeInterestedNotInterestedRoundTrip(t *testing.T) {
	require := require.New(t)

	for _, m := range []Message{
		NewChokeMessage(), NewUnchokeMessage(), NewInterestedMessage(), NewNotInterestedMessage(),
	} {
		got := sendAndReceive(t, m)
		require.Equal(m, got)
	}
}

func TestHaveRoundTrip(t *testing.T) {
	require := require.New(t)

	got := sendAndReceive(t, NewHaveMessage(42))
	require.Equal(Have, got.ID)
	piece, err := DecodeHave(got.Payload)
	require.NoError(err)
	require.Equal(42, piece)
}

func TestBitfieldRoundTripAndMSBFirstBitOrder(t *testing.T) {
	require := require.New(t)

	// bit 0 and bit 9 set.
	b := []byte{0x80, 0x40}
	got := sendAndReceive(t, NewBitfieldMessage(b))
	require.Equal(Bitfield, got.ID)
	require.True(BitfieldHasPiece(got.Payload, 0))
	require.False(BitfieldHasPiece(got.Payload, 1))
	require.True(BitfieldHasPiece(got.Payload, 9))
	require.False(BitfieldHasPiece(got.Payload, 100))
}

func TestRequestRoundTrip(t *testing.T) {
	require := require.New(t)

	got := sendAndReceive(t, NewRequestMessage(1, 16384, 16384))
	require.Equal(Request, got.ID)
	bh, err := DecodeBlockHeader(got.Payload)
	require.NoError(err)
	require.Equal(BlockHeader{Index: 1, Begin: 16384, Length: 16384}, bh)
}

func TestCancelRoundTrip(t *testing.T) {
	require := require.New(t)

	got := sendAndReceive(t, NewCancelMessage(2, 0, 16384))
	require.Equal(Cancel, got.ID)
	bh, err := DecodeBlockHeader(got.Payload)
	require.NoError(err)
	require.Equal(BlockHeader{Index: 2, Begin: 0, Length: 16384}, bh)
}

func TestPieceRoundTrip(t *testing.T) {
	require := require.New(t)

	block := []byte{1, 2, 3, 4, 5}
	got := sendAndReceive(t, NewPieceMessage(3, 128, block))
	require.Equal(Piece, got.ID)
	pb, err := DecodePieceBlock(got.Payload)
	require.NoError(err)
	require.Equal(3, pb.Index)
	require.Equal(128, pb.Begin)
	require.Equal(block, pb.Block)
}

func TestPortRoundTrip(t *testing.T) {
	require := require.New(t)

	got := sendAndReceive(t, NewPortMessage(6881))
	require.Equal(Port, got.ID)
	port, err := DecodePort(got.Payload)
	require.NoError(err)
	require.Equal(uint16(6881), port)
}

func TestReadMessageRejectsOversizedPayload(t *testing.T) {
	require := require.New(t)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	big := make([]byte, 1024)
	errc := make(chan error, 1)
	go func() { errc <- sendMessage(client, Message{HasID: true, ID: Piece, Payload: big}) }()

	_, err := readMessage(server, 4)
	require.Error(err)
	// Unblock the sender, which is still writing the rejected frame.
	server.Close()
	<-errc
}

func TestIndexInBitarray(t *testing.T) {
	require := require.New(t)

	byteIdx, mask := indexInBitarray(0)
	require.Equal(0, byteIdx)
	require.Equal(byte(0x80), mask)

	byteIdx, mask = indexInBitarray(9)
	require.Equal(1, byteIdx)
	require.Equal(byte(0x40), mask)
}
