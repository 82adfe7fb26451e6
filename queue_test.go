package peerwire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pp "github.com/mattferrum/peerwire/peerprotocol"
)

// drain flushes q and splits the raw frames back into (id, payload)
// pairs without imposing the wire parser's bitfield-class-must-be-first
// rule, which a synthetic test sequence deliberately violates in order
// to exercise every priority class at once.
func drain(t *testing.T, q *OutboundQueue) []pp.MessageID {
	t.Helper()
	var buf bytes.Buffer
	_, err := q.sendData(&buf)
	require.NoError(t, err)

	var ids []pp.MessageID
	b := buf.Bytes()
	for len(b) > 0 {
		require.True(t, len(b) >= 4)
		length := binary.BigEndian.Uint32(b[:4])
		b = b[4:]
		if length == 0 {
			continue // keepalive
		}
		ids = append(ids, pp.MessageID(b[0]))
		b = b[length:]
	}
	return ids
}

func TestQueueDrainPriorityOrder(t *testing.T) {
	q := NewOutboundQueue(true, log.Default)
	q.sendExtensionMessage(5, []byte("x"))
	q.sendRequestMessages([]BlockDescriptor{{PieceIndex: 1, Offset: 0, Length: 16384}})
	q.sendRejectRequestMessage([]BlockDescriptor{{PieceIndex: 2, Offset: 0, Length: 16384}})
	q.sendAllowedFast(3)
	q.sendBitfield(pp.Message{ID: pp.Bitfield, Bitfield: []byte{0xff}})
	q.sendHave(4)
	q.sendInterested(true)
	q.sendChoke(false)

	ids := drain(t, q)
	assert.Equal(t, []pp.MessageID{
		pp.Unchoke, pp.Interested, pp.Have, pp.Bitfield, pp.AllowedFast,
		pp.RejectRequest, pp.Request, pp.Extended,
	}, ids)
}

func TestSendCancelCollapsesUnsentRequest(t *testing.T) {
	q := NewOutboundQueue(false, log.Default)
	desc := BlockDescriptor{PieceIndex: 0, Offset: 0, Length: 16384}
	q.sendRequestMessages([]BlockDescriptor{desc})
	q.sendCancelMessage(desc, false)

	msgs := drain(t, q)
	assert.Empty(t, msgs, "an unsent request cancelled before drain must never reach the wire")
	assert.False(t, q.hasOutstandingRequests())
}

func TestSendCancelAfterSendEmitsCancelFrame(t *testing.T) {
	q := NewOutboundQueue(false, log.Default)
	desc := BlockDescriptor{PieceIndex: 0, Offset: 0, Length: 16384}
	q.sendRequestMessages([]BlockDescriptor{desc})

	var buf bytes.Buffer
	_, err := q.sendData(&buf)
	require.NoError(t, err)
	buf.Reset()

	q.sendCancelMessage(desc, false)
	_, err = q.sendData(&buf)
	require.NoError(t, err)

	parser := pp.NewParser(nil)
	hs, _ := pp.Handshake{}.MarshalBinary()
	parser.Feed(hs)  // stops after the handshake-prefix event
	parser.Feed(nil) // consumes the buffered peer id
	parser.SetCapabilities(true, true)
	events := parser.Feed(buf.Bytes())
	require.Len(t, events, 1)
	assert.Equal(t, pp.Cancel, events[0].Message.ID)
}

func TestChokeDropsQueuedPieceSends(t *testing.T) {
	q := NewOutboundQueue(true, log.Default)
	d1 := BlockDescriptor{PieceIndex: 0, Offset: 0, Length: 16384}
	d2 := BlockDescriptor{PieceIndex: 0, Offset: 16384, Length: 16384}
	q.sendPieceMessage(d1, pp.Message{ID: pp.Piece, Index: d1.PieceIndex, Begin: d1.Offset, Piece: make([]byte, 16384)})
	q.sendPieceMessage(d2, pp.Message{ID: pp.Piece, Index: d2.PieceIndex, Begin: d2.Offset, Piece: make([]byte, 16384)})

	dropped := q.sendChoke(true)
	assert.ElementsMatch(t, []BlockDescriptor{d1, d2}, dropped)
	assert.Equal(t, 0, q.getUnsentPieceCount())
}

func TestRequestReceivedClearsOutstanding(t *testing.T) {
	q := NewOutboundQueue(false, log.Default)
	desc := BlockDescriptor{PieceIndex: 7, Offset: 0, Length: 16384}
	q.sendRequestMessages([]BlockDescriptor{desc})
	assert.True(t, q.hasOutstandingRequests())
	assert.True(t, q.requestReceived(desc))
	assert.False(t, q.hasOutstandingRequests())
	assert.False(t, q.requestReceived(desc), "resolving twice must report false the second time")
}

func TestGetRequestsNeededClampsAtZero(t *testing.T) {
	q := NewOutboundQueue(false, log.Default)
	for i := uint32(0); i < 5; i++ {
		q.sendRequestMessages([]BlockDescriptor{{PieceIndex: i, Offset: 0, Length: 16384}})
	}
	assert.Equal(t, 0, q.getRequestsNeeded(3))
	assert.Equal(t, 5, q.getRequestsNeeded(10))
}

func TestPluggedRequestsStayQueued(t *testing.T) {
	q := NewOutboundQueue(false, log.Default)
	q.setRequestsPlugged(true)
	q.sendRequestMessages([]BlockDescriptor{{PieceIndex: 0, Offset: 0, Length: 16384}})

	var buf bytes.Buffer
	_, err := q.sendData(&buf)
	require.NoError(t, err)
	assert.Equal(t, 0, buf.Len())

	q.setRequestsPlugged(false)
	_, err = q.sendData(&buf)
	require.NoError(t, err)
	assert.Greater(t, buf.Len(), 0)
}
