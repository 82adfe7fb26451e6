// Package peerprotocol implements the wire codec and incremental framing
// parser for the BitTorrent peer wire protocol, including the fast
// extension (BEP 6), the generic extension protocol (BEP 10), Merkle
// piece hashing (BEP 30) and the project's Elastic content mode.
package peerprotocol

import "errors"

// MessageID identifies the kind of a framed peer message.
type MessageID byte

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8

	SuggestPiece   MessageID = 13
	HaveAll        MessageID = 14
	HaveNone       MessageID = 15
	RejectRequest  MessageID = 16
	AllowedFast    MessageID = 17
	Extended       MessageID = 20
	MerklePiece    MessageID = 21
	ElasticSig     MessageID = 22
	ElasticPiece   MessageID = 23
	ElasticBitfield MessageID = 24
)

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case SuggestPiece:
		return "suggest piece"
	case HaveAll:
		return "have all"
	case HaveNone:
		return "have none"
	case RejectRequest:
		return "reject request"
	case AllowedFast:
		return "allowed fast"
	case Extended:
		return "extended"
	case MerklePiece:
		return "merkle piece"
	case ElasticSig:
		return "elastic signature"
	case ElasticPiece:
		return "elastic piece"
	case ElasticBitfield:
		return "elastic bitfield"
	default:
		return "unknown"
	}
}

// ContentMode selects the torrent's hashing scheme, negotiated via the
// extension handshake.
type ContentMode int

const (
	Classic ContentMode = iota
	Merkle
	Elastic
)

func (m ContentMode) String() string {
	switch m {
	case Classic:
		return "classic"
	case Merkle:
		return "merkle"
	case Elastic:
		return "elastic"
	default:
		return "unknown"
	}
}

// ExtensionName is a BEP 10 extension identifier, e.g. "ut_metadata".
type ExtensionName string

const (
	ExtensionElastic ExtensionName = "lt_elastic"
	ExtensionMerkle  ExtensionName = "lt_merkle"
)

const (
	// MaxBlockLength is the default largest block (chunk) a peer will
	// accept inside a single piece/request message.
	MaxBlockLength = 1 << 14 // 16384
	// MaxMessageLength bounds the length prefix of any framed message to
	// guard against a malicious or buggy peer exhausting memory.
	MaxMessageLength = 1 << 20 // 1MiB is generous for a 16KiB block plus a hash chain
	// HandshakeProtocolString is the fixed ASCII protocol name in the
	// handshake frame.
	HandshakeProtocolString = "BitTorrent protocol"
	// PeerIDLen and InfoHashLen are the fixed sizes of the two 20-byte
	// identifiers carried in a handshake.
	PeerIDLen   = 20
	InfoHashLen = 20
)

// Reserved-byte bit positions, big-endian over the 8 reserved bytes,
// numbered as in BEP 10/6: reserved[5] bit 4 signals extension protocol
// support, reserved[7] bit 2 signals fast-extension support.
const (
	reservedExtensionByte = 5
	reservedExtensionBit  = 0x10
	reservedFastByte      = 7
	reservedFastBit       = 0x04
)

var (
	// ErrMessageTooLong is returned by the parser when a length prefix
	// exceeds MaxMessageLength.
	ErrMessageTooLong = errors.New("peerprotocol: message length exceeds maximum")
	// ErrUnsupportedByCapabilities is returned when a message id requires
	// a capability (fast extension, extension protocol) the connection
	// has not negotiated.
	ErrUnsupportedByCapabilities = errors.New("peerprotocol: message requires an unnegotiated capability")
	// ErrBitfieldNotFirst is returned when a bitfield-class message
	// arrives after the stream's first non-keepalive message.
	ErrBitfieldNotFirst = errors.New("peerprotocol: bitfield-class message must be first")
	// ErrMalformedPayload is returned when a fixed-size message's payload
	// length does not match its id.
	ErrMalformedPayload = errors.New("peerprotocol: malformed message payload")
	// ErrUnknownMessageID names the unknown-id condition. Nothing in
	// this package returns it: the parser decodes an unknown id into a
	// Message carrying only its ID, which callers may ignore.
	ErrUnknownMessageID = errors.New("peerprotocol: unknown message id")
)
