package peerwire

import (
	"errors"

	"golang.org/x/crypto/nacl/sign"
)

// maxRetainedSignatures caps remotePeerSignatures at two retained entries,
// kept as a policy constant rather than made configurable.
const maxRetainedSignatures = 2

// ViewSignature is a signed attestation of an Elastic torrent's current
// valid prefix length and root hash.
type ViewSignature struct {
	ViewLength    uint64
	RootHash      []byte
	SignatureBytes []byte
}

// SignatureVerifier is implemented by the coordinator to cryptographically
// verify a ViewSignature
// against the torrent's known signing key.
type SignatureVerifier interface {
	Verify(sig ViewSignature) bool
}

// NaclSignatureVerifier is a concrete SignatureVerifier for integration
// tests and small deployments, grounded in golang.org/x/crypto/nacl/sign
// rather than hand-rolled crypto. SignatureBytes is
// expected to be the NaCl-signed message with RootHash as the signed
// payload, 64 bytes of overhead plus len(RootHash).
type NaclSignatureVerifier struct {
	PublicKey [32]byte
}

func (v NaclSignatureVerifier) Verify(sig ViewSignature) bool {
	if len(sig.SignatureBytes) < sign.Overhead {
		return false
	}
	opened, ok := sign.Open(nil, sig.SignatureBytes, &v.PublicKey)
	if !ok {
		return false
	}
	return bytesEqual(opened, sig.RootHash)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var errSignatureSetFull = errors.New("peerwire: signature set invariant violated")

// SignatureSet holds remotePeerSignatures: an ordered
// mapping of viewLength to ViewSignature, keeping at most
// maxRetainedSignatures entries with strictly increasing keys
// (invariant 5).
type SignatureSet struct {
	entries []ViewSignature // kept sorted ascending by ViewLength
}

// Insert adds sig, evicting the oldest (smallest ViewLength) entry if
// the set would otherwise exceed maxRetainedSignatures. Insert requires
// sig.ViewLength to be strictly greater than every currently retained
// entry, matching the only use an elastic signature update requires (it only
// ever grows the view).
func (s *SignatureSet) Insert(sig ViewSignature) error {
	if len(s.entries) > 0 && sig.ViewLength <= s.entries[len(s.entries)-1].ViewLength {
		return errSignatureSetFull
	}
	s.entries = append(s.entries, sig)
	for len(s.entries) > maxRetainedSignatures {
		s.entries = s.entries[1:]
	}
	return nil
}

// Get returns the signature stored for viewLength, if any.
func (s *SignatureSet) Get(viewLength uint64) (ViewSignature, bool) {
	for _, e := range s.entries {
		if e.ViewLength == viewLength {
			return e, true
		}
	}
	return ViewSignature{}, false
}

// Len reports the current number of retained signatures (0, 1 or 2).
func (s *SignatureSet) Len() int { return len(s.entries) }

// Latest returns the most recently inserted (largest ViewLength) entry.
func (s *SignatureSet) Latest() (ViewSignature, bool) {
	if len(s.entries) == 0 {
		return ViewSignature{}, false
	}
	return s.entries[len(s.entries)-1], true
}
