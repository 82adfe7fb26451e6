package peerwire

import (
	"io"
	"sort"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/log"
	"github.com/anacrolix/multiless"

	pp "github.com/mattferrum/peerwire/peerprotocol"
)

// drainClass indexes the priority-ordered buckets sendData drains in
// order: control messages first, bulk payload last.
type drainClass int

const (
	classChokeUnchoke drainClass = iota
	classInterested
	classHave
	classBitfield
	classAllowedFast
	classReject
	classCancel
	classRequest
	classPiece
	classExtension
	classKeepalive
	numDrainClasses
)

type queuedItem struct {
	msg  pp.Message
	desc BlockDescriptor // meaningful for classRequest/classPiece/classCancel/classReject
}

// OutboundQueue is a buffered, prioritized, lazily-encoded emission
// queue with cancel/reject arbitration and request bookkeeping.
//
// Built around a buffer-flip style write loop, generalized from a single
// coalesced byte buffer into the full multi-class arbitration surface
// described below. It drains synchronously from Engine.ConnectionReady
// rather than from a dedicated writer goroutine: the engine has no
// internal concurrency of its own.
type OutboundQueue struct {
	classes [numDrainClasses][]queuedItem

	// outstandingRequests is every BlockDescriptor we've told the queue
	// about via sendRequestMessages that hasn't yet been resolved by
	// requestReceived/rejectReceived or dropped by sendCancelMessage.
	outstandingRequests map[BlockDescriptor]struct{}
	// sentRequests is the subset of outstandingRequests already drained
	// onto the wire (as opposed to still sitting unsent in classRequest).
	sentRequests map[BlockDescriptor]struct{}

	// localAllowedFast is the set of pieces this side has chosen to
	// serve to the peer without requiring unchoke.
	localAllowedFast roaring.Bitmap

	plugged bool

	fastExtension bool

	logger log.Logger
}

// NewOutboundQueue constructs an empty queue. fastExtension controls
// whether rejectPieceMessages synthesizes reject-request messages;
// sendChoke only returns the pieces it dropped and queues no rejects.
func NewOutboundQueue(fastExtension bool, logger log.Logger) *OutboundQueue {
	return &OutboundQueue{
		outstandingRequests: make(map[BlockDescriptor]struct{}),
		sentRequests:        make(map[BlockDescriptor]struct{}),
		fastExtension:       fastExtension,
		logger:              logger,
	}
}

func (q *OutboundQueue) push(c drainClass, item queuedItem) {
	q.classes[c] = append(q.classes[c], item)
}

// sendChoke enqueues a choke or unchoke message and atomically drops
// every queued, unsent piece-send for this peer, returning the affected
// descriptors so the caller can emit matching reject-requests under
// fast-ext.
func (q *OutboundQueue) sendChoke(weChoking bool) []BlockDescriptor {
	id := pp.Unchoke
	if weChoking {
		id = pp.Choke
	}
	q.push(classChokeUnchoke, queuedItem{msg: pp.Message{ID: id}})

	dropped := make([]BlockDescriptor, 0, len(q.classes[classPiece]))
	for _, it := range q.classes[classPiece] {
		dropped = append(dropped, it.desc)
	}
	q.classes[classPiece] = nil
	return dropped
}

// sendInterested enqueues interested/not-interested, collapsing against
// an opposite-polarity message still queued unsent so the net change is
// zero.
func (q *OutboundQueue) sendInterested(flag bool) {
	wantID := pp.NotInterested
	oppositeID := pp.Interested
	if flag {
		wantID, oppositeID = pp.Interested, pp.NotInterested
	}
	items := q.classes[classInterested]
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].msg.ID == oppositeID {
			q.classes[classInterested] = append(items[:i], items[i+1:]...)
			return
		}
	}
	q.push(classInterested, queuedItem{msg: pp.Message{ID: wantID}})
}

// sendHave enqueues a have message.
func (q *OutboundQueue) sendHave(piece uint32) {
	q.push(classHave, queuedItem{msg: pp.Message{ID: pp.Have, Index: piece}})
}

// sendBitfield enqueues a bitfield-class message (bitfield, have-all,
// have-none or elastic-bitfield), which must be the first such message
// on the connection.
func (q *OutboundQueue) sendBitfield(msg pp.Message) {
	q.push(classBitfield, queuedItem{msg: msg})
}

// sendAllowedFast enqueues one allowed-fast advertisement.
func (q *OutboundQueue) sendAllowedFast(piece uint32) {
	q.localAllowedFast.Add(piece)
	q.push(classAllowedFast, queuedItem{msg: pp.Message{ID: pp.AllowedFast, Index: piece}})
}

// sendRequestMessages enqueues outbound block requests and tracks them
// as outstanding.
func (q *OutboundQueue) sendRequestMessages(list []BlockDescriptor) {
	for _, d := range list {
		q.outstandingRequests[d] = struct{}{}
		q.push(classRequest, queuedItem{
			msg:  pp.MakeRequestMessage(d.PieceIndex, d.Offset, d.Length),
			desc: d,
		})
	}
}

// sendCancelMessage arbitrates a cancel: if a
// queued, unsent request for desc exists, it is removed and nothing is
// sent; otherwise an actual cancel frame is enqueued. keepTracking (set
// under fast-ext) keeps desc in the outstanding set awaiting a piece or
// reject; otherwise the descriptor is dropped from tracking immediately.
func (q *OutboundQueue) sendCancelMessage(desc BlockDescriptor, keepTracking bool) {
	items := q.classes[classRequest]
	for i, it := range items {
		if it.desc == desc {
			q.classes[classRequest] = append(items[:i:i], items[i+1:]...)
			if !keepTracking {
				delete(q.outstandingRequests, desc)
				delete(q.sentRequests, desc)
			}
			return
		}
	}
	// Already on the wire (or never queued through this queue): emit an
	// explicit cancel.
	q.push(classCancel, queuedItem{msg: pp.MakeCancelMessage(desc.PieceIndex, desc.Offset, desc.Length), desc: desc})
	if !keepTracking {
		delete(q.outstandingRequests, desc)
		delete(q.sentRequests, desc)
	}
}

// sendPieceMessage enqueues an already-encoded piece/merkle-piece/
// elastic-piece message (the engine builds the payload per content mode
// from data the coordinator supplies; the queue only arbitrates
// emission order and cancellation).
func (q *OutboundQueue) sendPieceMessage(desc BlockDescriptor, msg pp.Message) {
	q.push(classPiece, queuedItem{msg: msg, desc: desc})
}

// discardPieceMessage removes a not-yet-sent outbound piece for desc,
// reporting whether one was found.
func (q *OutboundQueue) discardPieceMessage(desc BlockDescriptor) bool {
	items := q.classes[classPiece]
	for i, it := range items {
		if it.desc == desc {
			q.classes[classPiece] = append(items[:i:i], items[i+1:]...)
			return true
		}
	}
	return false
}

// rejectPieceMessages removes all queued outbound piece messages for
// pieceIndex, emitting a reject-request for each under fast-ext.
func (q *OutboundQueue) rejectPieceMessages(pieceIndex uint32) {
	items := q.classes[classPiece]
	kept := items[:0:0]
	for _, it := range items {
		if it.desc.PieceIndex == pieceIndex {
			if q.fastExtension {
				q.push(classReject, queuedItem{
					msg:  pp.MakeRejectMessage(it.desc.PieceIndex, it.desc.Offset, it.desc.Length),
					desc: it.desc,
				})
			}
			continue
		}
		kept = append(kept, it)
	}
	q.classes[classPiece] = kept
}

// sendRejectRequestMessage enqueues explicit rejects for each descriptor.
func (q *OutboundQueue) sendRejectRequestMessage(descs []BlockDescriptor) {
	for _, d := range descs {
		q.push(classReject, queuedItem{msg: pp.MakeRejectMessage(d.PieceIndex, d.Offset, d.Length), desc: d})
	}
}

// sendExtensionMessage enqueues a BEP 10 extension message.
func (q *OutboundQueue) sendExtensionMessage(id byte, payload []byte) {
	q.push(classExtension, queuedItem{msg: pp.Message{ID: pp.Extended, ExtendedID: id, ExtendedPayload: payload}})
}

// enqueueKeepalive enqueues a keepalive frame; the engine decides when
// this is appropriate per its idle-interval policy.
func (q *OutboundQueue) enqueueKeepalive() {
	q.push(classKeepalive, queuedItem{msg: pp.Message{Keepalive: true}})
}

// setRequestsPlugged controls whether classRequest is drained onto the
// wire; while plugged, requests remain queued.
func (q *OutboundQueue) setRequestsPlugged(plugged bool) {
	q.plugged = plugged
}

// requeueAllRequestMessages moves every currently-outstanding,
// already-sent request back to the front of the request queue for
// retransmission — used when the peer chokes us without fast-ext, which
// implicitly cancels every in-flight request.
//
// The outstanding set is unordered; multiless.New() orders the
// retransmission batch by (pieceIndex, offset) so requests for one
// piece stay contiguous on the wire, matching the ordering a fresh
// getRequests() call from the coordinator would naturally produce.
func (q *OutboundQueue) requeueAllRequestMessages() {
	if len(q.sentRequests) == 0 {
		return
	}
	pending := make([]BlockDescriptor, 0, len(q.sentRequests))
	for d := range q.sentRequests {
		pending = append(pending, d)
	}
	sort.Slice(pending, func(i, j int) bool {
		return multiless.New().
			Uint32(pending[i].PieceIndex, pending[j].PieceIndex).
			Uint32(pending[i].Offset, pending[j].Offset).
			Less()
	})
	front := make([]queuedItem, 0, len(pending))
	for _, d := range pending {
		front = append(front, queuedItem{msg: pp.MakeRequestMessage(d.PieceIndex, d.Offset, d.Length), desc: d})
		delete(q.sentRequests, d)
	}
	q.classes[classRequest] = append(front, q.classes[classRequest]...)
}

// requestReceived marks an outstanding request satisfied by an arriving
// piece, reporting whether such a request was outstanding.
func (q *OutboundQueue) requestReceived(desc BlockDescriptor) bool {
	if _, ok := q.outstandingRequests[desc]; !ok {
		return false
	}
	delete(q.outstandingRequests, desc)
	delete(q.sentRequests, desc)
	return true
}

// rejectReceived removes a matching outstanding request, reporting false
// if none existed.
func (q *OutboundQueue) rejectReceived(desc BlockDescriptor) bool {
	return q.requestReceived(desc)
}

func (q *OutboundQueue) clearAllowedFastPieces() {
	q.localAllowedFast.Clear()
}

func (q *OutboundQueue) setRequestAllowedFast(piece uint32) {
	q.localAllowedFast.Add(piece)
}

func (q *OutboundQueue) isPieceAllowedFast(piece uint32) bool {
	return q.localAllowedFast.Contains(piece)
}

// getRequestsNeeded reports how many new requests the queue can accept
// given targetDepth, the desired pipelined outstanding-request count.
func (q *OutboundQueue) getRequestsNeeded(targetDepth int) int {
	need := targetDepth - len(q.outstandingRequests)
	if need < 0 {
		return 0
	}
	return need
}

func (q *OutboundQueue) hasOutstandingRequests() bool {
	return len(q.outstandingRequests) > 0
}

func (q *OutboundQueue) getUnsentPieceCount() int {
	return len(q.classes[classPiece])
}

// sendData drains queued messages in priority order, writing each
// encoded frame to w in turn, and returns the number of
// bytes written. It stops and returns the write error (if any)
// immediately, leaving undrained messages queued for a later call.
func (q *OutboundQueue) sendData(w io.Writer) (int64, error) {
	var written int64
	for {
		c, ok := q.nextNonEmptyClass()
		if !ok {
			return written, nil
		}
		item := q.classes[c][0]
		q.classes[c] = q.classes[c][1:]
		if c == classRequest {
			q.sentRequests[item.desc] = struct{}{}
		}
		b, err := item.msg.MarshalBinary()
		if err != nil {
			return written, err
		}
		n, err := w.Write(b)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
}

func (q *OutboundQueue) nextNonEmptyClass() (drainClass, bool) {
	for c := drainClass(0); c < numDrainClasses; c++ {
		if c == classRequest && q.plugged {
			continue
		}
		if len(q.classes[c]) > 0 {
			return c, true
		}
	}
	return 0, false
}
