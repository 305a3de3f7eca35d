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
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/dltorrent/engine/utils/log"

	"github.com/willf/bitset"
)

// MessageID identifies the type of a peer message. KeepAlive has no id of
// its own -- it is signaled by a zero-length message instead.
type MessageID uint8

// Message ids, per the wire codec.
const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
)

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Message is a decoded peer wire message. A zero-value Message with
// HasID false represents a KeepAlive.
type Message struct {
	HasID   bool
	ID      MessageID
	Payload []byte
}

// KeepAliveMessage returns a Message representing a KeepAlive frame.
func KeepAliveMessage() Message {
	return Message{}
}

// NewChokeMessage returns a Choke message.
func NewChokeMessage() Message { return Message{HasID: true, ID: Choke} }

// NewUnchokeMessage returns an Unchoke message.
func NewUnchokeMessage() Message { return Message{HasID: true, ID: Unchoke} }

// NewInterestedMessage returns an Interested message.
func NewInterestedMessage() Message { return Message{HasID: true, ID: Interested} }

// NewNotInterestedMessage returns a NotInterested message.
func NewNotInterestedMessage() Message { return Message{HasID: true, ID: NotInterested} }

// NewHaveMessage returns a Have message announcing piece.
func NewHaveMessage(piece int) Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, uint32(piece))
	return Message{HasID: true, ID: Have, Payload: p}
}

// NewBitfieldMessage returns a Bitfield message carrying the MSB-first
// packed bits b.
func NewBitfieldMessage(b []byte) Message {
	return Message{HasID: true, ID: Bitfield, Payload: b}
}

// NewRequestMessage returns a Request message for the block [begin, begin+length)
// of piece index.
func NewRequestMessage(index, begin, length int) Message {
	return Message{HasID: true, ID: Request, Payload: encodeBlockHeader(index, begin, length)}
}

// NewCancelMessage returns a Cancel message for the block [begin, begin+length)
// of piece index.
func NewCancelMessage(index, begin, length int) Message {
	return Message{HasID: true, ID: Cancel, Payload: encodeBlockHeader(index, begin, length)}
}

// NewPieceMessage returns a Piece message delivering block at (index, begin).
func NewPieceMessage(index, begin int, block []byte) Message {
	p := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(p[0:4], uint32(index))
	binary.BigEndian.PutUint32(p[4:8], uint32(begin))
	copy(p[8:], block)
	return Message{HasID: true, ID: Piece, Payload: p}
}

// NewPortMessage returns a Port message advertising a DHT listen port.
func NewPortMessage(port uint16) Message {
	p := make([]byte, 2)
	binary.BigEndian.PutUint16(p, port)
	return Message{HasID: true, ID: Port, Payload: p}
}

func encodeBlockHeader(index, begin, length int) []byte {
	p := make([]byte, 12)
	binary.BigEndian.PutUint32(p[0:4], uint32(index))
	binary.BigEndian.PutUint32(p[4:8], uint32(begin))
	binary.BigEndian.PutUint32(p[8:12], uint32(length))
	return p
}

// BlockHeader is the decoded (index, begin, length) triple shared by
// Request and Cancel messages.
type BlockHeader struct {
	Index  int
	Begin  int
	Length int
}

// DecodeBlockHeader decodes a Request or Cancel payload.
func DecodeBlockHeader(payload []byte) (BlockHeader, error) {
	if len(payload) != 12 {
		return BlockHeader{}, fmt.Errorf("block header: expected 12 bytes, got %d", len(payload))
	}
	return BlockHeader{
		Index:  int(binary.BigEndian.Uint32(payload[0:4])),
		Begin:  int(binary.BigEndian.Uint32(payload[4:8])),
		Length: int(binary.BigEndian.Uint32(payload[8:12])),
	}, nil
}

// PieceBlock is the decoded index/begin/block of a Piece message.
type PieceBlock struct {
	Index int
	Begin int
	Block []byte
}

// DecodePieceBlock decodes a Piece message payload.
func DecodePieceBlock(payload []byte) (PieceBlock, error) {
	if len(payload) < 8 {
		return PieceBlock{}, fmt.Errorf("piece payload: expected at least 8 bytes, got %d", len(payload))
	}
	return PieceBlock{
		Index: int(binary.BigEndian.Uint32(payload[0:4])),
		Begin: int(binary.BigEndian.Uint32(payload[4:8])),
		Block: payload[8:],
	}, nil
}

// DecodeHave decodes a Have message payload into a piece index.
func DecodeHave(payload []byte) (int, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("have payload: expected 4 bytes, got %d", len(payload))
	}
	return int(binary.BigEndian.Uint32(payload)), nil
}

// DecodePort decodes a Port message payload.
func DecodePort(payload []byte) (uint16, error) {
	if len(payload) != 2 {
		return 0, fmt.Errorf("port payload: expected 2 bytes, got %d", len(payload))
	}
	return binary.BigEndian.Uint16(payload), nil
}

// indexInBitarray returns the byte offset and MSB-first bitmask for bit i.
func indexInBitarray(i int) (int, byte) {
	return i / 8, 0x80 >> uint(i%8)
}

// bitByIndex returns true iff bit i is present and set within data.
func bitByIndex(i int, data []byte) bool {
	byteIdx, mask := indexInBitarray(i)
	if byteIdx >= len(data) {
		return false
	}
	return data[byteIdx]&mask != 0
}

// BitfieldHasPiece returns whether piece i is set within a Bitfield
// message's payload, per the MSB-first bit convention.
func BitfieldHasPiece(payload []byte, i int) bool {
	return bitByIndex(i, payload)
}

// PackBitfield packs b, which must hold only indices in [0, numPieces), into
// the MSB-first byte representation a Bitfield message carries.
func PackBitfield(b *bitset.BitSet, numPieces int) []byte {
	packed := make([]byte, (numPieces+7)/8)
	for i, e := b.NextSet(0); e; i, e = b.NextSet(i + 1) {
		if int(i) >= numPieces {
			break
		}
		byteIdx, mask := indexInBitarray(int(i))
		packed[byteIdx] |= mask
	}
	return packed
}

// maxPayloadSize bounds the accepted message size for a torrent whose
// largest piece is maxPieceLength bytes: a Piece message carries the full
// piece plus its 8-byte index/begin header, and all other message types
// are far smaller.
func maxPayloadSize(maxPieceLength int64) uint32 {
	return uint32(maxPieceLength) + 8 + 256
}

func sendMessage(nc net.Conn, m Message) error {
	var length uint32
	if m.HasID {
		length = uint32(1 + len(m.Payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], length)
	if _, err := nc.Write(header[:]); err != nil {
		return fmt.Errorf("write length prefix: %s", err)
	}
	if !m.HasID {
		return nil
	}
	if _, err := nc.Write([]byte{byte(m.ID)}); err != nil {
		return fmt.Errorf("write message id: %s", err)
	}
	for len(m.Payload) > 0 {
		n, err := nc.Write(m.Payload)
		if err != nil {
			return fmt.Errorf("write payload: %s", err)
		}
		m.Payload = m.Payload[n:]
	}
	return nil
}

func sendMessageWithTimeout(nc net.Conn, m Message, timeout time.Duration) error {
	if err := nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %s", err)
	}
	return sendMessage(nc, m)
}

// readMessage reads a single length-prefixed frame off of nc. Unknown
// message ids are not treated as a read error: such a frame is dropped
// here with a warning and the next frame is read in its place.
func readMessage(nc net.Conn, maxPieceLength int64) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(nc, lenBuf[:]); err != nil {
		return Message{}, fmt.Errorf("read length prefix: %s", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return KeepAliveMessage(), nil
	}
	if limit := maxPayloadSize(maxPieceLength); length-1 > limit {
		return Message{}, fmt.Errorf("message payload exceeds max size: %d > %d", length-1, limit)
	}
	var idBuf [1]byte
	if _, err := io.ReadFull(nc, idBuf[:]); err != nil {
		return Message{}, fmt.Errorf("read message id: %s", err)
	}
	payload := make([]byte, length-1)
	if _, err := io.ReadFull(nc, payload); err != nil {
		return Message{}, fmt.Errorf("read payload: %s", err)
	}
	id := MessageID(idBuf[0])
	if id > Port {
		log.Warnf("dropping peer message with unknown id %d", idBuf[0])
		return readMessage(nc, maxPieceLength)
	}
	return Message{HasID: true, ID: id, Payload: payload}, nil
}

func readMessageWithTimeout(nc net.Conn, maxPieceLength int64, timeout time.Duration) (Message, error) {
	if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Message{}, fmt.Errorf("set read deadline: %s", err)
	}
	return readMessage(nc, maxPieceLength)
}
