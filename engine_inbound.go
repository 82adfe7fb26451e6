package peerwire

import (
	"github.com/pkg/errors"

	"github.com/mattferrum/peerwire/version"

	pp "github.com/mattferrum/peerwire/peerprotocol"
)

var (
	errWrongInfoHash          = errors.New("peerwire: handshake info hash does not match")
	errSelfConnection         = errors.New("peerwire: connected to self")
	errUnregisteredMessage    = errors.New("peerwire: message received before coordinator registration")
	errRequestForMissingPiece = errors.New("peerwire: request for a piece we don't have, without fast extension")
	errUnsignedElasticChain   = errors.New("peerwire: elastic piece chain references an unsigned view length")
	errRejectNotOutstanding   = errors.New("peerwire: reject for a request that was not outstanding")
	errUnsolicitedPiece       = errors.New("peerwire: unrequested piece data under fast extension")
	errElasticRequiresBothExtensions = errors.New("peerwire: elastic content mode requires both fast extension and extension protocol")
	errElasticChainVerificationFailed = errors.New("peerwire: elastic piece hash chain does not fold to the signed view root")
)

// Lock and Unlock expose the engine's own coordinatorToken so a
// Coordinator can safely invoke ManageablePeer methods from outside the
// call stack of one of this engine's own handlers (e.g. its periodic
// choke algorithm tick). Coordinator code must never call Lock from
// within a callback this engine is already running under — schedule
// such re-entrant work with token.Defer instead (see deferAdjustChoking
// below for the pattern this package uses internally).
func (e *Engine) Lock()   { e.token.Lock() }
func (e *Engine) Unlock() { e.token.Unlock() }

func (e *Engine) handshakeBasicExtensions(ev pp.Event) error {
	if ev.InfoHash != e.infoHash {
		return &ProtocolError{Peer: e.state.addr, Err: errWrongInfoHash}
	}
	e.state.fastExtension = ev.FastExtension && !e.cfg.DisableFastExtension
	e.state.extProtocol = ev.ExtensionProtocol && !e.cfg.DisableExtensionProtocol
	if e.state.mode == pp.Elastic && !(e.state.fastExtension && e.state.extProtocol) {
		return &ProtocolError{Peer: e.state.addr, Err: errElasticRequiresBothExtensions}
	}
	e.parser.SetCapabilities(e.state.fastExtension, e.state.extProtocol)
	e.queue.fastExtension = e.state.fastExtension
	storage := e.coord.Storage()
	e.parser.SetNumPieces(int(storage.NumPieces()))
	return nil
}

func (e *Engine) handshakePeerID(ev pp.Event) error {
	if ev.PeerID == e.coord.LocalPeerID() {
		return &ProtocolError{Peer: e.state.addr, Err: errSelfConnection}
	}
	e.state.peerID = ev.PeerID
	e.state.hasPeerID = true
	e.handshakeDone = true

	if !e.coord.PeerConnected(e) {
		return &ProtocolError{Peer: e.state.addr, Err: errors.New("peerwire: coordinator refused connection")}
	}
	e.state.registered = true
	e.sendInitialAvailability()

	if e.state.mode == pp.Elastic {
		e.sendLocalElasticView()
	}
	if e.state.extProtocol {
		e.sendExtensionHandshakeLocked()
	}
	return nil
}

// sendLocalElasticView announces this side's current signed view to a
// newly registered elastic peer, when the local view has already grown
// past whatever the peer can infer from nothing: a view signature, and
// the piece membership bitfield for it if any local pieces exist.
// Allowed-fast generation for a classic/merkle peer happens later, once
// the remote's own bitfield/have-all/have-none tells us its cardinality
// (see maybeGenerateAllowedFastSet).
func (e *Engine) sendLocalElasticView() {
	sig, ok := e.coord.LocalViewSignature()
	if !ok {
		return
	}
	e.SendViewSignature(sig)
	if local := e.coord.LocalBitField(); local != nil && local.Count() > 0 {
		e.queue.sendBitfield(pp.Message{ID: pp.ElasticBitfield, Bitfield: local.Bytes()})
	}
}

// maybeGenerateAllowedFastSet sends BEP 6's allowed-fast set once the
// remote's piece cardinality is known: fast extension must be on, the
// connection must be non-elastic (elastic availability isn't expressed
// through the classic numPieces bitfield allowed-fast applies to), and
// the remote must report fewer pieces than AllowedFastThreshold — a
// peer already holding everything (or close to it) is effectively a
// seed and gets no special generosity.
func (e *Engine) maybeGenerateAllowedFastSet(remoteCardinality uint64) {
	if !e.state.fastExtension || e.state.mode == pp.Elastic {
		return
	}
	if remoteCardinality >= uint64(e.cfg.AllowedFastThreshold) {
		return
	}
	storage := e.coord.Storage()
	fastSet := GenerateAllowedFastSet(e.state.addr.IP, e.infoHash, storage.NumPieces(), e.cfg.AllowedFastThreshold)
	fastSet.Iterate(func(piece uint32) bool {
		e.queue.sendAllowedFast(piece)
		return true
	})
}

// sendInitialAvailability enqueues this side's first bitfield-class
// message, chosen per content mode and piece possession: elastic mode
// always opens with have-none (availability follows via elastic
// signatures/bitfields once the view is known); fast-ext non-elastic
// peers get have-none/have-all when it saves bytes over a literal
// bitfield; everyone else gets a plain bitfield, omitted entirely if
// empty and fast-ext is unavailable to say so cheaply.
func (e *Engine) sendInitialAvailability() {
	if e.state.mode == pp.Elastic {
		e.queue.sendBitfield(pp.Message{ID: pp.HaveNone})
		return
	}
	local := e.coord.LocalBitField()
	var have uint64
	var length uint32
	if local != nil {
		have = local.Count()
		length = local.Len()
	}
	switch {
	case e.state.fastExtension && have == 0:
		e.queue.sendBitfield(pp.Message{ID: pp.HaveNone})
	case e.state.fastExtension && length > 0 && have == uint64(length):
		e.queue.sendBitfield(pp.Message{ID: pp.HaveAll})
	case have > 0:
		e.queue.sendBitfield(pp.Message{ID: pp.Bitfield, Bitfield: local.Bytes()})
	}
}

func (e *Engine) sendExtensionHandshakeLocked() {
	offered := e.coord.OfferExtensionsToPeer(e)
	e.state.localExtensions = offered
	payload, err := encodeExtensionHandshake(offered, version.DefaultExtendedHandshakeClientVersion, e.cfg.RequestQueueTarget)
	if err != nil {
		e.logger.Printf("peerwire: encoding extension handshake: %v", err)
		return
	}
	e.queue.sendExtensionMessage(extendedHandshakeID, payload)
}

func (e *Engine) handleMessage(msg pp.Message) error {
	if msg.Keepalive {
		return nil
	}
	if !e.state.registered {
		return &ProtocolError{Peer: e.state.addr, Err: errUnregisteredMessage}
	}
	switch msg.ID {
	case pp.Choke:
		e.inboundChoke()
	case pp.Unchoke:
		e.inboundUnchoke()
	case pp.Interested:
		e.state.theyInterested = true
		e.deferAdjustChoking()
	case pp.NotInterested:
		e.state.theyInterested = false
		e.deferAdjustChoking()
	case pp.Have:
		if msg.Index >= e.coord.Storage().NumPieces() {
			return &ProtocolError{Peer: e.state.addr, Err: ErrInvalidPieceIndex}
		}
		if e.state.remoteBitField == nil {
			e.state.remoteBitField = NewBitField(e.coord.Storage().NumPieces())
		}
		wasBelowThreshold := e.state.remoteBitField.Count() < uint64(e.cfg.AllowedFastThreshold)
		e.state.remoteBitField.Set(msg.Index)
		if wasBelowThreshold && e.state.remoteBitField.Count() >= uint64(e.cfg.AllowedFastThreshold) {
			e.queue.clearAllowedFastPieces()
		}
		e.coord.AddAvailablePiece(e, msg.Index)
	case pp.Bitfield:
		e.inboundBitfield(msg.Bitfield)
	case pp.ElasticBitfield:
		if e.state.mode != pp.Elastic {
			return &ProtocolError{Peer: e.state.addr, Err: errors.New("peerwire: elastic bitfield outside elastic mode")}
		}
		e.inboundElasticBitfield(msg.Bitfield)
	case pp.HaveAll:
		e.inboundHaveAll()
	case pp.HaveNone:
		e.inboundHaveNone()
	case pp.SuggestPiece:
		if e.remoteHasPiece(msg.Index) {
			e.coord.SetPieceSuggested(e, msg.Index)
		}
	case pp.AllowedFast:
		if e.remoteHasPiece(msg.Index) {
			e.state.peerAllowedFast.Add(msg.Index)
			e.coord.SetPieceAllowedFast(e, msg.Index)
		}
	case pp.Request:
		return e.inboundRequest(msg)
	case pp.Cancel:
		e.queue.discardPieceMessage(BlockDescriptor{PieceIndex: msg.Index, Offset: msg.Begin, Length: msg.Length})
	case pp.RejectRequest:
		return e.inboundReject(msg)
	case pp.Piece:
		return e.inboundPiece(msg, nil, false)
	case pp.MerklePiece:
		return e.inboundPiece(msg, msg.HashChain, true)
	case pp.ElasticPiece:
		return e.inboundElasticPiece(msg)
	case pp.ElasticSig:
		if e.state.mode != pp.Elastic {
			return &ProtocolError{Peer: e.state.addr, Err: errors.New("peerwire: elastic signature outside elastic mode")}
		}
		return e.inboundElasticSig(msg)
	case pp.Extended:
		return e.inboundExtended(msg)
	default:
		e.logger.Printf("peerwire: unknown message id %v from %v", msg.ID, e.state.addr)
	}
	return nil
}

// inboundChoke plugs the request queue when the peer chokes us without
// fast-ext, since nothing requested from a choked classic peer will ever
// be answered; under fast-ext requests can still target allowed-fast
// pieces while choked, so the queue stays unplugged and GetRequests is
// trusted to only hand back allowed-fast descriptors in that state.
func (e *Engine) inboundChoke() {
	if e.state.theyChoking {
		return
	}
	e.state.theyChoking = true
	if !e.state.fastExtension {
		e.queue.setRequestsPlugged(true)
		e.queue.requeueAllRequestMessages()
	}
}

func (e *Engine) inboundUnchoke() {
	if !e.state.theyChoking {
		return
	}
	e.state.theyChoking = false
	e.queue.setRequestsPlugged(false)
	e.deferAdjustChoking()
}

func (e *Engine) inboundBitfield(raw []byte) {
	storage := e.coord.Storage()
	bf := NewBitFieldFromBytes(raw, storage.NumPieces())
	e.state.remoteBitField = bf
	e.coord.AddAvailablePieces(e, bf)
	e.maybeGenerateAllowedFastSet(bf.Count())
}

func (e *Engine) inboundElasticBitfield(raw []byte) {
	// An elastic bitfield may describe a view longer than the classic
	// numPieces universe already known; it is decoded by bit count
	// rather than piece count, then delegated to the same classic
	// bookkeeping path since pieces are still addressed by index.
	bf := NewBitFieldFromBytes(raw, uint32(len(raw))*8)
	e.state.remoteBitField = bf
	e.coord.AddAvailablePieces(e, bf)
}

func (e *Engine) inboundHaveAll() {
	storage := e.coord.Storage()
	bf := NewBitField(storage.NumPieces())
	bf.SetAll()
	e.state.remoteBitField = bf
	e.coord.AddAvailablePieces(e, bf)
	e.maybeGenerateAllowedFastSet(bf.Count())
}

func (e *Engine) inboundHaveNone() {
	storage := e.coord.Storage()
	e.state.remoteBitField = NewBitField(storage.NumPieces())
	e.maybeGenerateAllowedFastSet(0)
}

func (e *Engine) inboundRequest(msg pp.Message) error {
	desc := BlockDescriptor{PieceIndex: msg.Index, Offset: msg.Begin, Length: msg.Length}
	storage := e.coord.Storage()
	if err := ValidateBlockDescriptor(desc, storage, e.cfg.MaxBlockLength); err != nil {
		return &ProtocolError{Peer: e.state.addr, Err: err}
	}
	if !e.coord.HasPiece(desc.PieceIndex) {
		if !e.state.fastExtension {
			return &ProtocolError{Peer: e.state.addr, Err: errRequestForMissingPiece}
		}
		e.queue.sendRejectRequestMessage([]BlockDescriptor{desc})
		return nil
	}
	if e.state.weChoking && (!e.state.fastExtension || !e.queue.isPieceAllowedFast(desc.PieceIndex)) {
		if e.state.fastExtension {
			e.queue.sendRejectRequestMessage([]BlockDescriptor{desc})
		}
		return nil
	}
	e.coord.HandleRequest(e, desc)
	return nil
}

// remoteHasPiece reports whether the remote's last known bitfield claims
// piece, treating an unknown bitfield (handshake not yet followed by any
// availability message) as claiming nothing.
func (e *Engine) remoteHasPiece(piece uint32) bool {
	return e.state.remoteBitField != nil && e.state.remoteBitField.Get(piece)
}

func (e *Engine) inboundReject(msg pp.Message) error {
	desc := BlockDescriptor{PieceIndex: msg.Index, Offset: msg.Begin, Length: msg.Length}
	if !e.queue.rejectReceived(desc) {
		return &ProtocolError{Peer: e.state.addr, Err: errRejectNotOutstanding}
	}
	return nil
}

func (e *Engine) inboundPiece(msg pp.Message, chain [][]byte, merkle bool) error {
	desc := BlockDescriptor{PieceIndex: msg.Index, Offset: msg.Begin, Length: uint32(len(msg.Piece))}
	if !e.queue.requestReceived(desc) {
		if e.state.fastExtension {
			return &ProtocolError{Peer: e.state.addr, Err: errUnsolicitedPiece}
		}
		return nil // classic mode cannot distinguish a cancelled request's late arrival
	}
	e.stats.BlockBytesIn.Add(int64(len(msg.Piece)))
	mode := pp.Classic
	if merkle {
		mode = pp.Merkle
	}
	return e.coord.HandleBlock(e, desc, msg.Piece, mode, chain)
}

func (e *Engine) inboundElasticPiece(msg pp.Message) error {
	desc := BlockDescriptor{PieceIndex: msg.Index, Offset: msg.Begin, Length: uint32(len(msg.Piece))}
	if msg.ChainPresent {
		sig, ok := e.state.remotePeerSignatures.Get(msg.ViewLength)
		if !ok {
			return &ProtocolError{Peer: e.state.addr, Err: errUnsignedElasticChain}
		}
		if !HashChain(msg.HashChain).Verify(sig.RootHash, blockHash(msg.Piece)) {
			return &ProtocolError{Peer: e.state.addr, Err: errElasticChainVerificationFailed}
		}
	}
	if !e.queue.requestReceived(desc) {
		if e.state.fastExtension {
			return &ProtocolError{Peer: e.state.addr, Err: errUnsolicitedPiece}
		}
		return nil
	}
	e.stats.BlockBytesIn.Add(int64(len(msg.Piece)))
	return e.coord.HandleBlock(e, desc, msg.Piece, pp.Elastic, msg.HashChain)
}

func (e *Engine) inboundElasticSig(msg pp.Message) error {
	sig := ViewSignature{ViewLength: msg.ViewLength, RootHash: msg.ViewRootHash, SignatureBytes: msg.ViewSignature}
	if err := e.coord.HandleViewSignature(e, sig); err != nil {
		return &ProtocolError{Peer: e.state.addr, Err: err}
	}
	if err := e.state.remotePeerSignatures.Insert(sig); err != nil {
		return nil // stale or duplicate relative to what's retained: ignored, not fatal
	}
	e.state.remoteViewLength = sig.ViewLength
	e.state.remoteRootHash = sig.RootHash
	e.growRemoteBitFieldForView(sig.ViewLength)
	return nil
}

// growRemoteBitFieldForView extends remoteBitField so its length covers
// at least ceil(viewLength/pieceSize) pieces, per an elastic torrent's
// signed view only ever growing.
func (e *Engine) growRemoteBitFieldForView(viewLength uint64) {
	pieceSize := e.coord.Storage().PieceSize
	if pieceSize == 0 {
		return
	}
	need := uint32((viewLength + uint64(pieceSize) - 1) / uint64(pieceSize))
	if e.state.remoteBitField == nil {
		e.state.remoteBitField = NewBitField(need)
		return
	}
	if need > e.state.remoteBitField.Len() {
		e.state.remoteBitField.Extend(need)
	}
}

func (e *Engine) inboundExtended(msg pp.Message) error {
	if msg.ExtendedID == extendedHandshakeID {
		offered, err := decodeExtensionHandshake(msg.ExtendedPayload)
		if err != nil {
			return &ProtocolError{Peer: e.state.addr, Err: err}
		}
		e.state.remoteExtensions = offered
		e.coord.EnableDisablePeerExtensions(e, offered)
		return nil
	}
	return e.coord.ProcessExtensionMessage(e, msg.ExtendedID, msg.ExtendedPayload)
}

// deferAdjustChoking schedules the coordinator's choke-algorithm
// revisit to run once ConnectionReady's critical section ends, so a
// coordinator that reacts by calling straight back into this engine's
// ManageablePeer methods (e.g. unchoking this same peer) never
// re-enters the token it is still holding.
func (e *Engine) deferAdjustChoking() {
	e.token.Defer(e.coord.AdjustChoking)
}
