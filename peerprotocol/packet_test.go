package peerprotocol

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Packet{
		NewWhoHas([]Digest{{1}, {2, 3}}),
		NewIHave([]Digest{{9}}),
		NewGet(Digest{0xaa}),
		NewData(42, []byte("hello chunk bytes")),
		NewAck(7),
		NewDenied(),
	}
	for _, want := range cases {
		buf, err := Encode(want)
		require.NoError(t, err)
		got, err := Decode(buf)
		require.NoError(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestEncodeRejectsOversizePacket(t *testing.T) {
	_, err := Encode(NewData(1, make([]byte, MaxPacketLen)))
	assert.Error(t, err)
}

func TestDecodeRejectsShortHeader(t *testing.T) {
	_, err := Decode([]byte{0, 1, 2})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	buf, err := Encode(NewAck(1))
	require.NoError(t, err)
	buf[0] = 0xff
	_, err = Decode(buf)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsBadHeaderLen(t *testing.T) {
	buf, err := Encode(NewAck(1))
	require.NoError(t, err)
	buf[1] = 13
	_, err = Decode(buf)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsInconsistentLength(t *testing.T) {
	buf, err := Encode(NewData(1, []byte("abc")))
	require.NoError(t, err)
	truncated := buf[:len(buf)-1]
	_, err = Decode(truncated)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDigestHexRoundTrip(t *testing.T) {
	d := Digest{0x3b, 0x68, 0x11, 0x08}
	s := d.String()
	assert.Len(t, s, 2*DigestLen)
	got, err := ParseDigestHex(s)
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestGetDigest(t *testing.T) {
	d := Digest{1, 2, 3, 4, 5}
	p := NewGet(d)
	got, err := GetDigest(p)
	require.NoError(t, err)
	assert.Equal(t, d, got)

	_, err = GetDigest(NewAck(1))
	assert.Error(t, err)
}
