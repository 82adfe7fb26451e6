package peerwire

import pp "github.com/mattferrum/peerwire/peerprotocol"

// Coordinator is the torrent-level collaborator an Engine calls out to
// for everything that spans multiple peers: the piece database, request
// scheduling policy, extension routing and choke-algorithm decisions.
// An Engine never reaches into another peer's state directly; it always
// goes through this interface, which is implemented by whatever owns
// the torrent (piece store, tracker client, other connections).
type Coordinator interface {
	// LocalPeerID returns this client's 20-byte peer id, sent in the
	// handshake and usable to detect self-connections.
	LocalPeerID() [20]byte

	// InfoHash returns the info-hash this engine is serving, so an
	// inbound handshake can be checked against it.
	InfoHash() [20]byte

	// Storage describes the piece layout backing this torrent.
	Storage() StorageDescriptor

	// HasPiece reports whether the local piece database already holds
	// piece in full, used to decide between rejecting (fast-ext) and
	// a fatal protocol error (no fast-ext) for a request we cannot serve.
	HasPiece(piece uint32) bool

	// LocalBitField returns this client's current piece possession for
	// the torrent, used right after the handshake completes to choose
	// between sending have-none, have-all or a plain bitfield.
	LocalBitField() *BitField

	// LocalViewSignature returns this client's latest signed Elastic
	// view, if the torrent is in Elastic mode and the local view has
	// grown past the static prefix. It is announced to a newly
	// registered Elastic peer right after the handshake completes, so
	// the peer learns our view without waiting for a periodic re-send.
	LocalViewSignature() (ViewSignature, bool)

	// PeerConnected is called once a connection's handshake completes
	// and the engine is ready to participate; it returns false to
	// refuse the connection (duplicate peer id, too many connections).
	PeerConnected(peer ManageablePeer) bool

	// PeerDisconnected is called exactly once when an engine's
	// connection is torn down, win or lose.
	PeerDisconnected(peer ManageablePeer)

	// GetRequests asks the coordinator for up to n block requests this
	// peer should issue next, given the pieces it has and wants.
	GetRequests(peer ManageablePeer, n int) []BlockDescriptor

	// AddAvailablePiece records that the peer announced possession of
	// one piece via a have message.
	AddAvailablePiece(peer ManageablePeer, piece uint32)

	// AddAvailablePieces records a bitfield/have-all announcement in
	// bulk, more efficient than repeated AddAvailablePiece calls.
	AddAvailablePieces(peer ManageablePeer, bits *BitField)

	// SetPieceSuggested records a suggest-piece hint from the peer.
	SetPieceSuggested(peer ManageablePeer, piece uint32)

	// SetPieceAllowedFast records that the peer has granted piece to
	// the allowed-fast set via an explicit allowed-fast message for a
	// piece it has announced.
	SetPieceAllowedFast(peer ManageablePeer, piece uint32)

	// HandleRequest delivers an inbound, already-validated block request
	// to the coordinator, which looks the data up in the piece database
	// and, if it decides to serve it, calls back peer.SendPieceMessage.
	// It is a no-op from the engine's perspective if the coordinator
	// declines (missing piece, rate limiting): no reject is implied,
	// since the engine already rejects requests it can reject on its
	// own (choked and not allowed-fast).
	HandleRequest(peer ManageablePeer, desc BlockDescriptor)

	// HandleBlock delivers one inbound block payload for storage.
	// mode identifies which content mode produced it and hashChain
	// carries Merkle/Elastic sibling hashes when present.
	HandleBlock(peer ManageablePeer, desc BlockDescriptor, data []byte, mode pp.ContentMode, hashChain [][]byte) error

	// HandleViewSignature delivers a signed Elastic view-length
	// attestation for cryptographic verification and, if valid,
	// recording as the torrent's new known-valid prefix.
	HandleViewSignature(peer ManageablePeer, sig ViewSignature) error

	// OfferExtensionsToPeer returns the extension name to local message
	// id table this engine should advertise in its handshake.
	OfferExtensionsToPeer(peer ManageablePeer) map[pp.ExtensionName]byte

	// EnableDisablePeerExtensions is called once the peer's extension
	// handshake has been parsed, reporting the extension name to
	// peer-chosen message id table the peer advertised.
	EnableDisablePeerExtensions(peer ManageablePeer, enabled map[pp.ExtensionName]byte)

	// ProcessExtensionMessage delivers one post-handshake extension
	// message, keyed by the locally-assigned extended id this engine
	// offered for the extension that owns it.
	ProcessExtensionMessage(peer ManageablePeer, localExtendedID byte, payload []byte) error

	// AdjustChoking is invoked whenever a change to this peer's state
	// might warrant revisiting the torrent's global choke algorithm
	// (new interest, new data, periodic tick).
	AdjustChoking()

	// Lock and Unlock guard coordinator-wide state. An Engine never
	// calls them: it serializes its own work with its per-engine
	// coordinatorToken (see Engine.Lock), so calls an Engine makes into
	// the Coordinator are not made under this lock.
	Lock()
	Unlock()
}

// ManageablePeer is the engine-side surface a Coordinator uses to drive
// one connection: send control messages, cancel work, and read the
// connection's observable state. Engine implements this interface.
type ManageablePeer interface {
	// SetWeAreChoking updates the local choking decision towards this
	// peer and enqueues the resulting choke/unchoke message.
	SetWeAreChoking(choking bool)

	// SetWeAreInterested updates the local interest decision towards
	// this peer and enqueues the resulting interested/not-interested
	// message.
	SetWeAreInterested(interested bool)

	// CancelRequests cancels the listed outstanding requests towards
	// this peer, e.g. because another peer satisfied them first.
	CancelRequests(descs []BlockDescriptor)

	// RejectPiece discards this peer's queued but unsent response for
	// piece, used when the coordinator invalidates a piece mid-flight.
	RejectPiece(piece uint32)

	// SendHavePiece announces that the local peer now has piece.
	SendHavePiece(piece uint32)

	// SendPieceMessage enqueues a served block in response to a prior
	// HandleRequest callback. mode selects which wire encoding (piece,
	// merkle-piece or elastic-piece) carries data and hashChain;
	// viewLength is only meaningful for elastic-piece and records which
	// signed view the coordinator served this block against.
	SendPieceMessage(desc BlockDescriptor, mode pp.ContentMode, data []byte, hashChain [][]byte, viewLength uint64)

	// SendKeepaliveOrClose enqueues a keepalive, or reports that the
	// connection has been idle past its deadline and should be closed.
	SendKeepaliveOrClose() (shouldClose bool)

	// SendViewSignature announces a newly-verified Elastic view
	// signature to this peer.
	SendViewSignature(sig ViewSignature)

	// SendExtensionHandshake re-sends the extension handshake, used
	// when the set of locally offered extensions changes.
	SendExtensionHandshake()

	// SendExtensionMessage sends one extension message keyed by the
	// message id this peer assigned to the extension in its handshake.
	SendExtensionMessage(peerExtendedID byte, payload []byte) error

	// RemoteBitField returns the peer's last known piece possession.
	RemoteBitField() *BitField

	// Stats returns the connection's byte/chunk counters.
	Stats() *ConnStats

	// Addr returns the remote address, used for allowed-fast-set
	// derivation and logging.
	Addr() PeerAddr
}
