package peerwire

import (
	"crypto/sha1"
	"encoding/binary"
	"net"

	"github.com/RoaringBitmap/roaring"
)

// GenerateAllowedFastSet computes the deterministic,
// address-derived allowed-fast set (BEP 6), matching the reference
// algorithm byte-for-byte: zero the low-order byte of the remote IPv4
// address, seed h0 = SHA1(address || infoHash), chain h(i) = SHA1(h(i-1)),
// and from each 20-byte digest take five big-endian u32 words, each
// contributing floor(word mod numPieces) as a candidate piece index,
// until min(threshold, numPieces) distinct indices have been collected.
//
// IPv6 peers never receive an allowed-fast set.
//
// Generalized from another deterministic, address-derived peer-priority
// algorithm to BEP 6's specific SHA-1 chaining construction; crypto/sha1
// (stdlib) is used
// because BEP 6 mandates byte-exact SHA-1 and no third-party
// implementation in the pack improves on the standard library for a
// fixed external algorithm.
func GenerateAllowedFastSet(ip net.IP, infoHash [20]byte, numPieces uint32, threshold int) *roaring.Bitmap {
	result := roaring.New()
	if numPieces == 0 {
		return result
	}
	v4 := ip.To4()
	if v4 == nil {
		return result // IPv6: no allowed-fast set
	}

	want := threshold
	if int(numPieces) < want {
		want = int(numPieces)
	}

	var addr [4]byte
	copy(addr[:], v4)
	addr[3] = 0 // zero the low-order byte

	seed := append(append([]byte{}, addr[:]...), infoHash[:]...)
	h := sha1.Sum(seed)

	for result.GetCardinality() < uint64(want) {
		for w := 0; w < 5 && result.GetCardinality() < uint64(want); w++ {
			word := binary.BigEndian.Uint32(h[w*4 : w*4+4])
			idx := word % numPieces
			result.Add(idx)
		}
		next := sha1.Sum(h[:])
		h = next
	}
	return result
}
