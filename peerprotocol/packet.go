// Package peerprotocol implements the wire codec shared by every peer in
// the swarm: a fixed 12-byte header followed by a type-dependent payload.
// All multi-byte header fields are big-endian.
package peerprotocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type identifies the six control- and data-plane message kinds.
type Type uint8

const (
	WhoHas Type = 0
	IHave  Type = 1
	Get    Type = 2
	Data   Type = 3
	Ack    Type = 4
	Denied Type = 5
)

func (t Type) String() string {
	switch t {
	case WhoHas:
		return "WHOHAS"
	case IHave:
		return "IHAVE"
	case Get:
		return "GET"
	case Data:
		return "DATA"
	case Ack:
		return "ACK"
	case Denied:
		return "DENIED"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

const (
	// HeaderLen is the fixed size of every packet's header.
	HeaderLen = 12
	// MaxPacketLen is the largest datagram this codec will produce or accept.
	MaxPacketLen = 1400
	// DigestLen is the length in bytes of a SHA-1 digest.
	DigestLen = 20
	// MaxDataPayload is the largest number of chunk bytes a single DATA packet carries.
	MaxDataPayload = 1024
)

// Digest is a raw 20-byte SHA-1 chunk identifier.
type Digest [DigestLen]byte

// Packet is a decoded datagram: the header fields plus its payload.
type Packet struct {
	Type    Type
	Seq     uint32 // DATA only
	Ack     uint32 // ACK only
	Payload []byte
}

// Encode serializes p into a single datagram. It returns an error if the
// encoded size would exceed MaxPacketLen.
func Encode(p Packet) ([]byte, error) {
	total := HeaderLen + len(p.Payload)
	if total > MaxPacketLen {
		return nil, fmt.Errorf("peerprotocol: encoded packet of %d bytes exceeds max %d", total, MaxPacketLen)
	}
	buf := make([]byte, total)
	buf[0] = byte(p.Type)
	buf[1] = HeaderLen
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	binary.BigEndian.PutUint32(buf[4:8], p.Seq)
	binary.BigEndian.PutUint32(buf[8:12], p.Ack)
	copy(buf[HeaderLen:], p.Payload)
	return buf, nil
}

// ErrMalformed is returned (wrapped) for any datagram that fails validation
// and must be silently dropped by the caller.
var ErrMalformed = errors.New("peerprotocol: malformed packet")

// Decode parses a raw datagram. Any inbound packet with an unrecognized
// type, a header-len other than 12, or inconsistent pkt-len is rejected
// with ErrMalformed — callers must drop such packets silently, never
// propagate the error up as a fatal condition.
func Decode(b []byte) (Packet, error) {
	if len(b) < HeaderLen {
		return Packet{}, fmt.Errorf("%w: short header (%d bytes)", ErrMalformed, len(b))
	}
	t := Type(b[0])
	switch t {
	case WhoHas, IHave, Get, Data, Ack, Denied:
	default:
		return Packet{}, fmt.Errorf("%w: unrecognized type %d", ErrMalformed, b[0])
	}
	if b[1] != HeaderLen {
		return Packet{}, fmt.Errorf("%w: header-len %d != %d", ErrMalformed, b[1], HeaderLen)
	}
	pktLen := binary.BigEndian.Uint16(b[2:4])
	if int(pktLen) != len(b) {
		return Packet{}, fmt.Errorf("%w: pkt-len %d != actual %d", ErrMalformed, pktLen, len(b))
	}
	p := Packet{
		Type: t,
		Seq:  binary.BigEndian.Uint32(b[4:8]),
		Ack:  binary.BigEndian.Uint32(b[8:12]),
	}
	if len(b) > HeaderLen {
		p.Payload = append([]byte(nil), b[HeaderLen:]...)
	}
	return p, nil
}

// DigestsFromPayload splits a WHOHAS/IHAVE payload into its constituent
// 20-byte digests. A payload whose length isn't a multiple of DigestLen is
// malformed.
func DigestsFromPayload(payload []byte) ([]Digest, error) {
	if len(payload)%DigestLen != 0 {
		return nil, fmt.Errorf("%w: payload length %d not a multiple of %d", ErrMalformed, len(payload), DigestLen)
	}
	n := len(payload) / DigestLen
	out := make([]Digest, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], payload[i*DigestLen:(i+1)*DigestLen])
	}
	return out, nil
}

// DigestsToPayload concatenates digests into a WHOHAS/IHAVE payload.
func DigestsToPayload(digests []Digest) []byte {
	out := make([]byte, 0, len(digests)*DigestLen)
	for _, d := range digests {
		out = append(out, d[:]...)
	}
	return out
}

// NewWhoHas builds a WHOHAS packet requesting the given digests.
func NewWhoHas(digests []Digest) Packet {
	return Packet{Type: WhoHas, Payload: DigestsToPayload(digests)}
}

// NewIHave builds an IHAVE reply advertising the given digests.
func NewIHave(digests []Digest) Packet {
	return Packet{Type: IHave, Payload: DigestsToPayload(digests)}
}

// NewGet builds a GET requesting a single digest.
func NewGet(d Digest) Packet {
	return Packet{Type: Get, Payload: d[:]}
}

// NewData builds a DATA packet for the given sequence number.
func NewData(seq uint32, payload []byte) Packet {
	return Packet{Type: Data, Seq: seq, Payload: payload}
}

// NewAck builds a cumulative ACK for the given sequence.
func NewAck(ack uint32) Packet {
	return Packet{Type: Ack, Ack: ack}
}

// NewDenied builds a DENIED packet (admission refusal, no payload).
func NewDenied() Packet {
	return Packet{Type: Denied}
}

// GetDigest extracts the single digest carried by a GET packet's payload.
func GetDigest(p Packet) (Digest, error) {
	var d Digest
	if p.Type != Get {
		return d, fmt.Errorf("peerprotocol: GetDigest called on %v packet", p.Type)
	}
	if len(p.Payload) != DigestLen {
		return d, fmt.Errorf("%w: GET payload length %d != %d", ErrMalformed, len(p.Payload), DigestLen)
	}
	copy(d[:], p.Payload)
	return d, nil
}

// String renders a digest as lowercase hex, the canonical key used
// everywhere outside the wire format.
func (d Digest) String() string {
	const hexdigits = "0123456789abcdef"
	buf := make([]byte, 2*DigestLen)
	for i, b := range d {
		buf[2*i] = hexdigits[b>>4]
		buf[2*i+1] = hexdigits[b&0xf]
	}
	return string(buf)
}

// ParseDigestHex parses a lowercase (or mixed-case) hex SHA-1 digest string.
func ParseDigestHex(s string) (Digest, error) {
	var d Digest
	if len(s) != 2*DigestLen {
		return d, fmt.Errorf("peerprotocol: digest hex length %d != %d", len(s), 2*DigestLen)
	}
	for i := 0; i < DigestLen; i++ {
		hi, ok1 := hexVal(s[2*i])
		lo, ok2 := hexVal(s[2*i+1])
		if !ok1 || !ok2 {
			return d, fmt.Errorf("peerprotocol: invalid hex digest %q", s)
		}
		d[i] = hi<<4 | lo
	}
	return d, nil
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}
