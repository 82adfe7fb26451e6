package peerwire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestGenerateAllowedFastSetReferenceVector checks the well-known BEP 6
// worked example: IP 80.4.4.200, info-hash of 20 0xAA bytes, a 1313-piece
// torrent, threshold 7, expecting exactly the set {1059, 431, 808, 1217,
// 287, 376, 1188}.
func TestGenerateAllowedFastSetReferenceVector(t *testing.T) {
	var infoHash [20]byte
	for i := range infoHash {
		infoHash[i] = 0xAA
	}
	want := []uint32{1059, 431, 808, 1217, 287, 376, 1188}

	set := GenerateAllowedFastSet(net.ParseIP("80.4.4.200"), infoHash, 1313, 7)

	assert.EqualValues(t, len(want), set.GetCardinality())
	for _, p := range want {
		assert.Truef(t, set.Contains(p), "expected piece %d in allowed-fast set", p)
	}
}

func TestGenerateAllowedFastSetIPv6IsEmpty(t *testing.T) {
	var infoHash [20]byte
	set := GenerateAllowedFastSet(net.ParseIP("2001:db8::1"), infoHash, 1313, 10)
	assert.True(t, set.IsEmpty())
}

func TestGenerateAllowedFastSetIsDeterministic(t *testing.T) {
	var infoHash [20]byte
	for i := range infoHash {
		infoHash[i] = 0xAA
	}
	ip := net.ParseIP("80.4.4.200")

	first := GenerateAllowedFastSet(ip, infoHash, 1313, 10)
	for i := 0; i < 5; i++ {
		again := GenerateAllowedFastSet(ip, infoHash, 1313, 10)
		assert.True(t, first.Equals(again))
	}
}

func TestGenerateAllowedFastSetCappedByNumPieces(t *testing.T) {
	var infoHash [20]byte
	set := GenerateAllowedFastSet(net.ParseIP("80.4.4.200"), infoHash, 3, 10)
	assert.EqualValues(t, 3, set.GetCardinality())
}

func TestGenerateAllowedFastSetZeroPiecesIsEmpty(t *testing.T) {
	var infoHash [20]byte
	set := GenerateAllowedFastSet(net.ParseIP("80.4.4.200"), infoHash, 0, 10)
	assert.True(t, set.IsEmpty())
}
