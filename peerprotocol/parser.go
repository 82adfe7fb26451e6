package peerprotocol

import (
	"encoding/binary"
)

// phase is the incremental parser's position in the stream.
type phase int

const (
	phaseHandshakePrefix phase = iota // pstrlen, pstr, reserved, infohash
	phaseHandshakePeerID              // 20-byte peer id
	phaseFraming                      // 4-byte length prefix then payload
	phaseDone                         // terminal error state; no further events
)

// EventKind discriminates the typed events the parser emits.
type EventKind int

const (
	EventHandshakePrefix EventKind = iota // pstr/reserved/infohash parsed; capabilities + info hash available
	EventHandshakePeerID                  // peer id parsed
	EventMessage
	EventError
)

// Event is a single parser output. Exactly one of the typed payload
// fields is meaningful, selected by Kind.
type Event struct {
	Kind EventKind

	FastExtension     bool
	ExtensionProtocol bool
	InfoHash          [InfoHashLen]byte
	PeerID            [PeerIDLen]byte

	Message Message

	// BytesConsumed is reported for every event, including error events,
	// so statistic counters can credit bytes even for malformed frames.
	BytesConsumed int64

	Err error
}

// HashSizer answers the sibling-hash width for the negotiated content
// mode, used to decode hash chains in merkle/elastic piece messages.
type HashSizer interface {
	HashSize() int
}

// Parser incrementally decodes a byte stream into typed Events. It is not
// safe for concurrent use; the engine owns it exclusively.
type Parser struct {
	phase phase

	fastExtension     bool
	extensionProtocol bool
	capabilitiesSet   bool

	// numPieces, when set (>=0), enables payload-length validation of
	// fixed-length bitfield messages. Elastic bitfields are exempt.
	numPieces int

	hashSizer HashSizer

	buf          []byte
	sawFirstMsg  bool
	infoHashSeen [InfoHashLen]byte
}

// NewParser constructs a parser positioned at the start of the
// handshake. Its piece count starts unknown (-1), so bitfield length is
// unchecked until SetNumPieces is called.
func NewParser(hashSizer HashSizer) *Parser {
	return &Parser{numPieces: -1, hashSizer: hashSizer}
}

// SetCapabilities must be called by the engine once it has computed the
// negotiated fast/extension capabilities from local preference AND
// remote reserved bits (handshakeBasicExtensions), before framing
// begins.
func (p *Parser) SetCapabilities(fast, ext bool) {
	p.fastExtension = fast
	p.extensionProtocol = ext
	p.capabilitiesSet = true
}

// SetNumPieces records the expected classic bitfield length in pieces.
func (p *Parser) SetNumPieces(n int) {
	p.numPieces = n
}

// Feed appends newly-arrived bytes and returns every event that can now
// be extracted. Once an EventError has been returned, every subsequent
// call to Feed returns no events (the stream is dead).
//
// Feed pauses immediately after an EventHandshakePrefix, so the caller
// can call SetCapabilities with the negotiated (not just locally
// preferred) values before any buffered message bytes are decoded —
// otherwise a handshake and a pipelined first message arriving in the
// same read would be decoded against stale capabilities.
func (p *Parser) Feed(chunk []byte) []Event {
	if p.phase == phaseDone {
		return nil
	}
	p.buf = append(p.buf, chunk...)
	var events []Event
	for {
		ev, ok, fatal := p.step()
		if !ok {
			break
		}
		events = append(events, ev)
		if fatal {
			p.phase = phaseDone
			break
		}
		if ev.Kind == EventHandshakePrefix {
			break
		}
	}
	return events
}

// step attempts to extract exactly one event from the current buffer.
// ok is false when more bytes are needed.
func (p *Parser) step() (ev Event, ok bool, fatal bool) {
	switch p.phase {
	case phaseHandshakePrefix:
		return p.stepHandshakePrefix()
	case phaseHandshakePeerID:
		return p.stepHandshakePeerID()
	case phaseFraming:
		return p.stepFraming()
	default:
		return Event{}, false, false
	}
}

func (p *Parser) stepHandshakePrefix() (Event, bool, bool) {
	// pstrlen(1) + pstr(19) + reserved(8) + infohash(20)
	need := 1 + len(HandshakeProtocolString) + 8 + InfoHashLen
	if len(p.buf) < need {
		return Event{}, false, false
	}
	consumed := int64(need)
	b := p.buf[:need]
	p.buf = p.buf[need:]
	if int(b[0]) != len(HandshakeProtocolString) || string(b[1:1+len(HandshakeProtocolString)]) != HandshakeProtocolString {
		return Event{Kind: EventError, Err: errBadProtocolString, BytesConsumed: consumed}, true, true
	}
	reserved := b[1+len(HandshakeProtocolString) : 1+len(HandshakeProtocolString)+8]
	fast := reserved[reservedFastByte]&reservedFastBit != 0
	ext := reserved[reservedExtensionByte]&reservedExtensionBit != 0
	var infoHash [InfoHashLen]byte
	copy(infoHash[:], b[1+len(HandshakeProtocolString)+8:])
	p.infoHashSeen = infoHash
	p.phase = phaseHandshakePeerID
	return Event{
		Kind:              EventHandshakePrefix,
		FastExtension:     fast,
		ExtensionProtocol: ext,
		InfoHash:          infoHash,
		BytesConsumed:     consumed,
	}, true, false
}

func (p *Parser) stepHandshakePeerID() (Event, bool, bool) {
	if len(p.buf) < PeerIDLen {
		return Event{}, false, false
	}
	var id [PeerIDLen]byte
	copy(id[:], p.buf[:PeerIDLen])
	p.buf = p.buf[PeerIDLen:]
	p.phase = phaseFraming
	return Event{Kind: EventHandshakePeerID, PeerID: id, BytesConsumed: PeerIDLen}, true, false
}

func (p *Parser) stepFraming() (Event, bool, bool) {
	if len(p.buf) < 4 {
		return Event{}, false, false
	}
	length := binary.BigEndian.Uint32(p.buf[:4])
	if length == 0 {
		p.buf = p.buf[4:]
		return Event{Kind: EventMessage, Message: Message{Keepalive: true}, BytesConsumed: 4}, true, false
	}
	if length > MaxMessageLength {
		p.buf = p.buf[4:]
		return Event{Kind: EventError, Err: ErrMessageTooLong, BytesConsumed: 4}, true, true
	}
	total := 4 + int(length)
	if len(p.buf) < total {
		return Event{}, false, false
	}
	frame := p.buf[:total]
	p.buf = p.buf[total:]
	id := MessageID(frame[4])
	payload := frame[5:total]
	consumed := int64(total)

	if err := p.checkCapabilities(id); err != nil {
		return Event{Kind: EventError, Err: err, BytesConsumed: consumed}, true, true
	}
	if err := p.checkFirstOnly(id); err != nil {
		return Event{Kind: EventError, Err: err, BytesConsumed: consumed}, true, true
	}

	msg, err := p.decode(id, payload)
	if err != nil {
		return Event{Kind: EventError, Err: err, BytesConsumed: consumed}, true, true
	}
	p.sawFirstMsg = true
	return Event{Kind: EventMessage, Message: msg, BytesConsumed: consumed}, true, false
}

// checkCapabilities rejects ids the connection disabled by negotiation.
func (p *Parser) checkCapabilities(id MessageID) error {
	fastOnly := func() bool {
		switch id {
		case SuggestPiece, HaveAll, HaveNone, RejectRequest, AllowedFast:
			return true
		}
		return false
	}()
	if fastOnly && !p.fastExtension {
		return ErrUnsupportedByCapabilities
	}
	if id == Extended && !p.extensionProtocol {
		return ErrUnsupportedByCapabilities
	}
	return nil
}

// checkFirstOnly enforces that bitfield-class messages may only be the
// first non-keepalive message on the stream.
func (p *Parser) checkFirstOnly(id MessageID) error {
	isBitfieldClass := id == Bitfield || id == HaveAll || id == HaveNone || id == ElasticBitfield
	if isBitfieldClass && p.sawFirstMsg {
		return ErrBitfieldNotFirst
	}
	return nil
}

func (p *Parser) decode(id MessageID, payload []byte) (Message, error) {
	m := Message{ID: id}
	switch id {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
		if len(payload) != 0 {
			return m, ErrMalformedPayload
		}
	case Have, SuggestPiece, AllowedFast:
		if len(payload) != 4 {
			return m, ErrMalformedPayload
		}
		m.Index = binary.BigEndian.Uint32(payload)
	case Bitfield:
		if p.numPieces >= 0 {
			expected := (p.numPieces + 7) / 8
			if len(payload) != expected {
				return m, ErrMalformedPayload
			}
		}
		m.Bitfield = append([]byte(nil), payload...)
	case ElasticBitfield:
		// Elastic bitfields may exceed the static numPieces length; only
		// reject a length shorter than the minimum byte width of zero
		// pieces (i.e. never, beyond basic framing already enforced).
		m.Bitfield = append([]byte(nil), payload...)
	case Request, Cancel, RejectRequest:
		if len(payload) != 12 {
			return m, ErrMalformedPayload
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Length = binary.BigEndian.Uint32(payload[8:12])
	case Piece:
		if len(payload) < 8 {
			return m, ErrMalformedPayload
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Piece = append([]byte(nil), payload[8:]...)
	case MerklePiece:
		if len(payload) < 12 {
			return m, ErrMalformedPayload
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		chainLen := binary.BigEndian.Uint32(payload[8:12])
		if uint32(len(payload)-12) < chainLen {
			return m, ErrMalformedPayload
		}
		chainBytes := payload[12 : 12+chainLen]
		block := payload[12+chainLen:]
		hashSize := 20
		if p.hashSizer != nil {
			hashSize = p.hashSizer.HashSize()
		}
		chain, err := decodeHashChain(chainBytes, hashSize)
		if err != nil {
			return m, err
		}
		m.HashChain = chain
		m.Piece = append([]byte(nil), block...)
	case ElasticSig:
		if len(payload) < 12 {
			return m, ErrMalformedPayload
		}
		m.ViewLength = binary.BigEndian.Uint64(payload[0:8])
		rootLen := binary.BigEndian.Uint32(payload[8:12])
		if uint32(len(payload)-12) < rootLen {
			return m, ErrMalformedPayload
		}
		m.ViewRootHash = append([]byte(nil), payload[12:12+rootLen]...)
		m.ViewSignature = append([]byte(nil), payload[12+rootLen:]...)
	case ElasticPiece:
		if len(payload) < 17 {
			return m, ErrMalformedPayload
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.ViewLength = binary.BigEndian.Uint64(payload[8:16])
		chainPresent := payload[16]
		rest := payload[17:]
		if chainPresent == 1 {
			if len(rest) < 4 {
				return m, ErrMalformedPayload
			}
			chainLen := binary.BigEndian.Uint32(rest[0:4])
			rest = rest[4:]
			if uint32(len(rest)) < chainLen {
				return m, ErrMalformedPayload
			}
			hashSize := 32
			if p.hashSizer != nil {
				hashSize = p.hashSizer.HashSize()
			}
			chain, err := decodeHashChain(rest[:chainLen], hashSize)
			if err != nil {
				return m, err
			}
			m.HashChain = chain
			m.ChainPresent = true
			rest = rest[chainLen:]
		} else if chainPresent != 0 {
			return m, ErrMalformedPayload
		}
		m.Piece = append([]byte(nil), rest...)
	case Extended:
		if len(payload) < 1 {
			return m, ErrMalformedPayload
		}
		m.ExtendedID = payload[0]
		m.ExtendedPayload = append([]byte(nil), payload[1:]...)
	default:
		// Unknown ids are recoverable: the caller decides to
		// ignore them. We still return the raw id/payload-less message
		// so the engine can log and drop it.
		return m, nil
	}
	return m, nil
}
