package peerwire

import (
	"fmt"
	"net"
	"time"

	"github.com/RoaringBitmap/roaring"

	pp "github.com/mattferrum/peerwire/peerprotocol"
)

// PeerAddr is the dialable remote address an Engine was constructed
// for, kept distinct from net.Addr so allowed-fast-set derivation only
// ever needs the IP.
type PeerAddr struct {
	IP   net.IP
	Port int
}

func (a PeerAddr) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// ProtocolError reports a wire-level violation detected while decoding
// or sequencing messages from a peer: a malformed frame, a message sent
// out of the capabilities both sides negotiated, or a bitfield-class
// message arriving after the first non-bitfield message.
type ProtocolError struct {
	Peer PeerAddr
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("peerwire: protocol error from %s: %v", e.Peer, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// PeerState is the per-connection data an Engine owns: identity,
// negotiated capabilities, the two-sided choke/interest machine, and
// the remote's announced content. It holds no behavior of its own; an
// Engine mutates it under its coordinatorToken and exposes it to the
// Coordinator through the ManageablePeer interface.
type PeerState struct {
	addr     PeerAddr
	peerID   [20]byte
	hasPeerID bool

	mode          pp.ContentMode
	fastExtension bool
	extProtocol   bool

	// Two-sided choke/interest machine. BEP 3 mandates weChoking and
	// theyChoking start true, weInterested and theyInterested start
	// false, until a message says otherwise.
	weChoking      bool
	weInterested   bool
	theyChoking    bool
	theyInterested bool

	remoteBitField       *BitField
	remoteViewLength     uint64 // Elastic mode only: highest signed view length seen
	remoteRootHash       []byte // Elastic mode only: root hash of remoteViewLength's signature
	remotePeerSignatures SignatureSet
	remoteExtensions     map[pp.ExtensionName]byte // extension name -> remote's chosen message id
	localExtensions      map[pp.ExtensionName]byte // extension name -> local message id offered

	peerAllowedFast roaring.Bitmap // pieces the remote granted us fast access to

	lastDataReceivedAt time.Time
	registered         bool // true once Coordinator.PeerConnected accepted this peer
}

// newPeerState constructs a PeerState in its pre-handshake default:
// both sides choking, neither interested, capabilities undetermined
// until the handshake completes.
func newPeerState(addr PeerAddr) *PeerState {
	return &PeerState{
		addr:             addr,
		weChoking:        true,
		theyChoking:      true,
		remoteExtensions: make(map[pp.ExtensionName]byte),
		localExtensions:  make(map[pp.ExtensionName]byte),
	}
}
