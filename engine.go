package peerwire

import (
	"io"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/pkg/errors"

	pp "github.com/mattferrum/peerwire/peerprotocol"
)

// EngineConfig bounds and tunes the protocol behavior of one Engine.
// Zero-valued fields are replaced with the defaults documented below
// when passed to NewEngine.
type EngineConfig struct {
	// MaxBlockLength caps how large a single requested block may be;
	// requests exceeding it are a protocol error. Defaults to
	// pp.MaxBlockLength (16 KiB).
	MaxBlockLength uint32

	// MaxMessageLength defaults to pp.MaxMessageLength. The parser does
	// not read this field: it always rejects frames longer than the
	// pp.MaxMessageLength constant, whatever value is set here.
	MaxMessageLength uint32

	// IdleInterval is how long a connection may go without inbound
	// traffic before SendKeepaliveOrClose reports it should be closed.
	// Defaults to two minutes, matching the conventional client timeout.
	IdleInterval time.Duration

	// AllowedFastThreshold is the number of pieces GenerateAllowedFastSet
	// computes for a newly connected fast-ext peer. Defaults to 10,
	// BEP 6's suggested value.
	AllowedFastThreshold int

	// RequestQueueTarget is the pipelined outstanding-request depth
	// getRequestsNeeded aims to keep filled. Defaults to 128.
	RequestQueueTarget int

	// DisableFastExtension and DisableExtensionProtocol force the
	// corresponding capability off regardless of what the remote offers,
	// useful for interoperability testing against minimal peers.
	DisableFastExtension     bool
	DisableExtensionProtocol bool
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.MaxBlockLength == 0 {
		c.MaxBlockLength = pp.MaxBlockLength
	}
	if c.MaxMessageLength == 0 {
		c.MaxMessageLength = pp.MaxMessageLength
	}
	if c.IdleInterval == 0 {
		c.IdleInterval = 2 * time.Minute
	}
	if c.AllowedFastThreshold == 0 {
		c.AllowedFastThreshold = 10
	}
	if c.RequestQueueTarget == 0 {
		c.RequestQueueTarget = 128
	}
	return c
}

// Engine drives one peer connection's protocol state machine. It owns a
// coordinatorToken guarding every field below; ConnectionReady is the
// only entry point callers other than the Coordinator are expected to
// use, and it is safe to call from any goroutine, serialized by the
// token.
type Engine struct {
	token coordinatorToken

	cfg     EngineConfig
	coord   Coordinator
	logger  log.Logger
	state   *PeerState
	queue   *OutboundQueue
	stats   ConnStats
	parser  *pp.Parser
	infoHash [20]byte

	handshakeSent   bool
	handshakeDone   bool
	closed          chansync.SetOnce
	outbound        bool // true if this side dialed
}

// hashSizer adapts the Engine's content mode to peerprotocol's
// HashSizer, so the parser knows how many bytes each hash-chain entry
// occupies for merkle-piece (SHA-1) vs elastic-piece (BLAKE3) messages.
type hashSizer struct{ mode pp.ContentMode }

func (h hashSizer) HashSize() int {
	if h.mode == pp.Elastic {
		return 32
	}
	return 20
}

// NewEngine constructs an Engine for a freshly accepted or dialed
// connection. outbound indicates which side initiated the TCP
// connection; it is recorded on the Engine and nothing else reads it.
func NewEngine(coord Coordinator, addr PeerAddr, mode pp.ContentMode, cfg EngineConfig, logger log.Logger, outbound bool) *Engine {
	cfg = cfg.withDefaults()
	state := newPeerState(addr)
	state.mode = mode
	e := &Engine{
		cfg:      cfg,
		coord:    coord,
		logger:   logger,
		state:    state,
		queue:    NewOutboundQueue(!cfg.DisableFastExtension, logger),
		stats:    NewConnStats(nil),
		parser:   pp.NewParser(hashSizer{mode: mode}),
		infoHash: coord.InfoHash(),
		outbound: outbound,
	}
	e.parser.SetCapabilities(!cfg.DisableFastExtension, !cfg.DisableExtensionProtocol)
	return e
}

// Close marks the engine torn down and notifies the coordinator exactly
// once, regardless of how many times Close is called or from how many
// goroutines. Callers should call Close after ConnectionReady returns a
// fatal error, and also on ordinary connection loss.
func (e *Engine) Close() {
	if !e.closed.Set() {
		return
	}
	e.coord.PeerDisconnected(e)
}

// Closed reports whether Close has been called.
func (e *Engine) Closed() bool { return e.closed.IsSet() }

// SendHandshake writes this side's handshake to w. It must be called
// exactly once, before the first call to ConnectionReady.
func (e *Engine) SendHandshake(w io.Writer) error {
	e.token.Lock()
	defer e.token.Unlock()
	if e.handshakeSent {
		return errors.New("peerwire: handshake already sent")
	}
	hs := pp.Handshake{
		ExtensionProtocol: !e.cfg.DisableExtensionProtocol,
		FastExtension:     !e.cfg.DisableFastExtension,
		InfoHash:          e.infoHash,
		PeerID:            e.coord.LocalPeerID(),
	}
	if err := hs.WriteTo(w); err != nil {
		return errors.Wrap(err, "peerwire: writing handshake")
	}
	e.handshakeSent = true
	return nil
}

// ConnectionReady is the engine's single synchronous driving point: feed
// it bytes freshly read from the connection (possibly empty, to just
// flush queued output) and a writer to drain onto. It returns the
// number of bytes written to w. A returned error is a *ProtocolError, a
// wrapped I/O error, or an error returned unchanged by the Coordinator's
// HandleBlock or ProcessExtensionMessage; callers should close the
// connection in every case.
func (e *Engine) ConnectionReady(inbound []byte, w io.Writer) (int64, error) {
	e.token.Lock()
	defer e.token.Unlock()

	if len(inbound) > 0 {
		e.state.lastDataReceivedAt = time.Now()
		if err := e.processEvents(e.parser.Feed(inbound)); err != nil {
			return 0, err
		}
	}
	e.fillRequestQueue()

	n, err := e.queue.sendData(w)
	e.stats.ProtocolBytesOut.Add(n)
	if err != nil {
		return n, errors.Wrap(err, "peerwire: writing to connection")
	}
	return n, nil
}

// processEvents dispatches a batch of parser events, re-entering the
// parser after a handshake-prefix event so capability negotiation is
// visible to any already-buffered bytes the parser paused on. Every
// event, including malformed ones that end the connection, credits its
// BytesConsumed to ProtocolBytesIn before the handler runs.
func (e *Engine) processEvents(evs []pp.Event) error {
	for _, ev := range evs {
		e.stats.ProtocolBytesIn.Add(ev.BytesConsumed)
		if err := e.handleEvent(ev); err != nil {
			return err
		}
		if ev.Kind == pp.EventHandshakePrefix {
			if err := e.processEvents(e.parser.Feed(nil)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) handleEvent(ev pp.Event) error {
	switch ev.Kind {
	case pp.EventHandshakePrefix:
		return e.handshakeBasicExtensions(ev)
	case pp.EventHandshakePeerID:
		return e.handshakePeerID(ev)
	case pp.EventMessage:
		return e.handleMessage(ev.Message)
	case pp.EventError:
		return &ProtocolError{Peer: e.state.addr, Err: ev.Err}
	}
	return nil
}

// fillRequestQueue tops up the pipelined request depth from the
// coordinator's scheduling policy, when this peer is in a position to
// usefully request anything: we must be interested, and the peer must
// either be unchoking us or have granted fast access to what's needed
// (GetRequests itself is expected to only return allowed-fast pieces
// while choked).
func (e *Engine) fillRequestQueue() {
	if !e.state.registered || !e.state.weInterested {
		return
	}
	if e.state.theyChoking && !e.state.fastExtension {
		return
	}
	need := e.queue.getRequestsNeeded(e.cfg.RequestQueueTarget)
	if need <= 0 || e.queue.plugged {
		return
	}
	descs := e.coord.GetRequests(e, need)
	if len(descs) == 0 {
		return
	}
	e.queue.sendRequestMessages(descs)
}

// --- ManageablePeer ---

func (e *Engine) SetWeAreChoking(choking bool) {
	if e.state.weChoking == choking {
		return
	}
	e.state.weChoking = choking
	dropped := e.queue.sendChoke(choking)
	if choking && e.state.fastExtension && len(dropped) > 0 {
		e.queue.sendRejectRequestMessage(dropped)
	}
}

func (e *Engine) SetWeAreInterested(interested bool) {
	if e.state.weInterested == interested {
		return
	}
	e.state.weInterested = interested
	e.queue.sendInterested(interested)
}

func (e *Engine) CancelRequests(descs []BlockDescriptor) {
	for _, d := range descs {
		e.queue.sendCancelMessage(d, e.state.fastExtension)
	}
}

func (e *Engine) RejectPiece(piece uint32) {
	e.queue.rejectPieceMessages(piece)
}

func (e *Engine) SendHavePiece(piece uint32) {
	e.queue.sendHave(piece)
}

// SetRequestsPlugged pauses or resumes draining outbound requests onto
// the wire without discarding them, used by a coordinator that wants to
// hold back new requests during a transient condition (e.g. storage
// backpressure) without tearing down the pipeline.
func (e *Engine) SetRequestsPlugged(plugged bool) {
	e.queue.setRequestsPlugged(plugged)
}

func (e *Engine) SendKeepaliveOrClose() bool {
	if !e.state.lastDataReceivedAt.IsZero() && time.Since(e.state.lastDataReceivedAt) > e.cfg.IdleInterval {
		return true
	}
	e.queue.enqueueKeepalive()
	return false
}

func (e *Engine) SendViewSignature(sig ViewSignature) {
	e.queue.push(classHave, queuedItem{msg: pp.Message{
		ID:            pp.ElasticSig,
		ViewLength:    sig.ViewLength,
		ViewRootHash:  sig.RootHash,
		ViewSignature: sig.SignatureBytes,
	}})
}

func (e *Engine) SendExtensionHandshake() {
	e.sendExtensionHandshakeLocked()
}

func (e *Engine) SendExtensionMessage(peerExtendedID byte, payload []byte) error {
	e.queue.sendExtensionMessage(peerExtendedID, payload)
	return nil
}

// SendPieceMessage enqueues a served block for transmission, chosen by
// mode: Classic emits a plain piece message, Merkle a merkle-piece with
// its SHA-1 sibling chain, Elastic an elastic-piece with its BLAKE3
// chain and the view length the data was served against.
func (e *Engine) SendPieceMessage(desc BlockDescriptor, mode pp.ContentMode, data []byte, hashChain [][]byte, viewLength uint64) {
	msg := pp.Message{Index: desc.PieceIndex, Begin: desc.Offset, Piece: data}
	switch mode {
	case pp.Merkle:
		msg.ID = pp.MerklePiece
		msg.HashChain = hashChain
	case pp.Elastic:
		msg.ID = pp.ElasticPiece
		msg.ViewLength = viewLength
		if len(hashChain) > 0 {
			msg.ChainPresent = true
			msg.HashChain = hashChain
		}
	default:
		msg.ID = pp.Piece
	}
	e.queue.sendPieceMessage(desc, msg)
	e.stats.BlockBytesOut.Add(int64(len(data)))
}

func (e *Engine) RemoteBitField() *BitField { return e.state.remoteBitField }
func (e *Engine) Stats() *ConnStats         { return &e.stats }
func (e *Engine) Addr() PeerAddr            { return e.state.addr }
