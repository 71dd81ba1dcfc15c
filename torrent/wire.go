package torrent

import (
	"encoding/binary"
	"fmt"
	"io"
)

// pstr is the fixed BitTorrent protocol identifier string.
const pstr = "BitTorrent protocol"

// handshakeLen is the total byte length of a handshake message.
const handshakeLen = 49 + len(pstr)

// MessageID identifies the kind of a framed peer wire message.
type MessageID uint8

// Message ids recognized by the wire codec.
const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
)

// Message is a decoded framed peer wire message. Payload is nil for a
// keep-alive (a zero-length frame); KeepAlive distinguishes that
// case from a zero-length body on a real id.
type Message struct {
	ID        MessageID
	Payload   []byte
	KeepAlive bool
}

// Serialize encodes m into its on-wire framed form:
// <4:length><1:id><body>, or <4:length=0> for a keep-alive.
func (m *Message) Serialize() []byte {
	if m == nil || m.KeepAlive {
		return make([]byte, 4)
	}

	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)

	return buf
}

// ReadMessage reads one framed message from r, blocking until the
// full length-prefixed frame has arrived. A short read before the
// frame is satisfied (connection closed mid-frame) surfaces as an
// error.
func ReadMessage(r io.Reader) (*Message, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, fmt.Errorf("reading message length: %w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return &Message{KeepAlive: true}, nil
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("reading message body: %w", err)
	}

	return &Message{ID: MessageID(body[0]), Payload: body[1:]}, nil
}

// EncodeRequest builds the payload for a REQUEST(index, begin,
// length) message.
func EncodeRequest(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: MsgRequest, Payload: payload}
}

// DecodeRequest parses a REQUEST/CANCEL-shaped payload back into its
// (index, begin, length) triple.
func DecodeRequest(payload []byte) (index, begin, length int, err error) {
	if len(payload) != 12 {
		return 0, 0, 0, fmt.Errorf("request payload length %d, want 12", len(payload))
	}
	index = int(binary.BigEndian.Uint32(payload[0:4]))
	begin = int(binary.BigEndian.Uint32(payload[4:8]))
	length = int(binary.BigEndian.Uint32(payload[8:12]))
	return index, begin, length, nil
}

// DecodeHave parses a HAVE payload into the piece index it announces.
func DecodeHave(payload []byte) (int, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("have payload length %d, want 4", len(payload))
	}
	return int(binary.BigEndian.Uint32(payload)), nil
}

// DecodePiece splits a PIECE payload into its index, begin offset and
// block bytes.
func DecodePiece(payload []byte) (index, begin int, block []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, fmt.Errorf("piece payload length %d, want >= 8", len(payload))
	}
	index = int(binary.BigEndian.Uint32(payload[0:4]))
	begin = int(binary.BigEndian.Uint32(payload[4:8]))
	return index, begin, payload[8:], nil
}

// Handshake encodes and decodes the fixed 68-byte opening exchange.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Serialize encodes h as
// <1:19><19:"BitTorrent protocol"><8:zero><20:info_hash><20:peer_id>.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, handshakeLen)
	buf[0] = byte(len(pstr))
	cursor := 1
	cursor += copy(buf[cursor:], pstr)
	cursor += 8 // reserved, left zero
	cursor += copy(buf[cursor:], h.InfoHash[:])
	copy(buf[cursor:], h.PeerID[:])
	return buf
}

// ReadHandshake reads exactly handshakeLen bytes from r and decodes
// them into a Handshake. It rejects a handshake whose protocol name
// is not "BitTorrent protocol"; it does not check the info_hash,
// which callers compare against what they expect.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	buf := make([]byte, handshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("reading handshake: %w", err)
	}

	pstrlen := int(buf[0])
	if 1+pstrlen+8+20+20 != handshakeLen || pstrlen != len(pstr) {
		return nil, fmt.Errorf("unexpected protocol name length %d", pstrlen)
	}
	if string(buf[1:1+pstrlen]) != pstr {
		return nil, fmt.Errorf("unexpected protocol name %q", buf[1:1+pstrlen])
	}

	var hs Handshake
	copy(hs.InfoHash[:], buf[28:48])
	copy(hs.PeerID[:], buf[48:68])
	return &hs, nil
}
