package peerprotocol

import (
	"errors"
	"io"
)

// Handshake is the fixed-size frame preceding the id-prefixed message
// stream: pstrlen, pstr, 8 reserved bytes, InfoHash, PeerID.
type Handshake struct {
	ExtensionProtocol bool
	FastExtension     bool
	InfoHash          [InfoHashLen]byte
	PeerID            [PeerIDLen]byte
}

// HandshakeLen is the total byte length of a handshake frame.
const HandshakeLen = 1 + len(HandshakeProtocolString) + 8 + InfoHashLen + PeerIDLen

var errBadProtocolString = errors.New("peerprotocol: unrecognised handshake protocol string")

func (h Handshake) reservedBytes() [8]byte {
	var r [8]byte
	if h.ExtensionProtocol {
		r[reservedExtensionByte] |= reservedExtensionBit
	}
	if h.FastExtension {
		r[reservedFastByte] |= reservedFastBit
	}
	return r
}

// MarshalBinary encodes the handshake frame byte-exactly.
func (h Handshake) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, HandshakeLen)
	b = append(b, byte(len(HandshakeProtocolString)))
	b = append(b, HandshakeProtocolString...)
	reserved := h.reservedBytes()
	b = append(b, reserved[:]...)
	b = append(b, h.InfoHash[:]...)
	b = append(b, h.PeerID[:]...)
	return b, nil
}

// WriteTo writes the encoded handshake to w.
func (h Handshake) WriteTo(w io.Writer) error {
	b, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadHandshake reads and decodes a full handshake frame from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		return h, err
	}
	pstr := make([]byte, lenByte[0])
	if _, err := io.ReadFull(r, pstr); err != nil {
		return h, err
	}
	if string(pstr) != HandshakeProtocolString {
		return h, errBadProtocolString
	}
	var reserved [8]byte
	if _, err := io.ReadFull(r, reserved[:]); err != nil {
		return h, err
	}
	h.ExtensionProtocol = reserved[reservedExtensionByte]&reservedExtensionBit != 0
	h.FastExtension = reserved[reservedFastByte]&reservedFastBit != 0
	if _, err := io.ReadFull(r, h.InfoHash[:]); err != nil {
		return h, err
	}
	if _, err := io.ReadFull(r, h.PeerID[:]); err != nil {
		return h, err
	}
	return h, nil
}
