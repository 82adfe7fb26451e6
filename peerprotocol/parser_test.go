package peerprotocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParserFullHandshakeSequence(t *testing.T) {
	p := NewParser(nil)
	var h Handshake
	h.FastExtension = true
	b, err := h.MarshalBinary()
	require.NoError(t, err)
	b = append(b, Message{ID: Interested}.MustMarshalBinary()...)

	events := p.Feed(b)
	// Feed pauses after the handshake prefix; an empty Feed resumes it.
	events = append(events, p.Feed(nil)...)
	require.Len(t, events, 3)
	require.Equal(t, EventHandshakePrefix, events[0].Kind)
	require.True(t, events[0].FastExtension)
	require.Equal(t, EventHandshakePeerID, events[1].Kind)
	require.Equal(t, EventMessage, events[2].Kind)
	require.Equal(t, Interested, events[2].Message.ID)
}

func TestParserFeedsIncrementally(t *testing.T) {
	p := NewParser(nil)
	var h Handshake
	full, _ := h.MarshalBinary()
	full = append(full, Message{ID: Choke}.MustMarshalBinary()...)

	var events []Event
	for i := 0; i < len(full); i++ {
		events = append(events, p.Feed(full[i:i+1])...)
	}
	require.Len(t, events, 3)
	require.Equal(t, EventMessage, events[2].Kind)
	require.Equal(t, Choke, events[2].Message.ID)
}

func TestParserRejectsFastExtWhenDisabled(t *testing.T) {
	var h Handshake // FastExtension = false
	raw, _ := h.MarshalBinary()
	raw = append(raw, Message{ID: AllowedFast, Index: 3}.MustMarshalBinary()...)

	p := NewParser(nil)
	prefixLen := 1 + len(HandshakeProtocolString) + 8 + InfoHashLen
	first := p.Feed(raw[:prefixLen])
	require.Len(t, first, 1)
	p.SetCapabilities(false, false)
	rest := p.Feed(raw[prefixLen:])
	require.NotEmpty(t, rest)
	last := rest[len(rest)-1]
	require.Equal(t, EventError, last.Kind)
	require.ErrorIs(t, last.Err, ErrUnsupportedByCapabilities)
}

func TestParserRejectsBitfieldAfterFirstMessage(t *testing.T) {
	p := NewParser(nil)
	var h Handshake
	prefixBytes, _ := h.MarshalBinary()
	prefixLen := 1 + len(HandshakeProtocolString) + 8 + InfoHashLen
	p.Feed(prefixBytes[:prefixLen])
	p.SetCapabilities(false, false)
	p.Feed(prefixBytes[prefixLen:])

	p.Feed(Message{ID: Interested}.MustMarshalBinary())
	events := p.Feed(Message{ID: Bitfield, Bitfield: []byte{0xFF}}.MustMarshalBinary())
	require.Len(t, events, 1)
	require.Equal(t, EventError, events[0].Kind)
	require.ErrorIs(t, events[0].Err, ErrBitfieldNotFirst)
}

func TestParserAllowsBitfieldFirst(t *testing.T) {
	p := NewParser(nil)
	var h Handshake
	prefixBytes, _ := h.MarshalBinary()
	prefixLen := 1 + len(HandshakeProtocolString) + 8 + InfoHashLen
	p.Feed(prefixBytes[:prefixLen])
	p.SetCapabilities(false, false)
	p.Feed(prefixBytes[prefixLen:])
	p.SetNumPieces(8)

	events := p.Feed(Message{ID: Bitfield, Bitfield: []byte{0xFF}}.MustMarshalBinary())
	require.Len(t, events, 1)
	require.Equal(t, EventMessage, events[0].Kind)
}

func TestParserRejectsOverlongMessage(t *testing.T) {
	p := NewParser(nil)
	var h Handshake
	prefixBytes, _ := h.MarshalBinary()
	prefixLen := 1 + len(HandshakeProtocolString) + 8 + InfoHashLen
	p.Feed(prefixBytes[:prefixLen])
	p.SetCapabilities(false, false)
	p.Feed(prefixBytes[prefixLen:])

	var oversized [4]byte
	oversized[0] = 0xFF
	events := p.Feed(oversized[:])
	require.Len(t, events, 1)
	require.Equal(t, EventError, events[0].Kind)
	require.ErrorIs(t, events[0].Err, ErrMessageTooLong)
}

func TestParserStopsAfterError(t *testing.T) {
	p := NewParser(nil)
	var h Handshake
	prefixBytes, _ := h.MarshalBinary()
	prefixLen := 1 + len(HandshakeProtocolString) + 8 + InfoHashLen
	p.Feed(prefixBytes[:prefixLen])
	p.SetCapabilities(false, false)
	p.Feed(prefixBytes[prefixLen:])

	var oversized [4]byte
	oversized[0] = 0xFF
	p.Feed(oversized[:])
	more := p.Feed(Message{ID: Choke}.MustMarshalBinary())
	require.Empty(t, more)
}
