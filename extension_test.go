package peerwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pp "github.com/mattferrum/peerwire/peerprotocol"
)

func TestExtensionHandshakeRoundTrip(t *testing.T) {
	offered := map[pp.ExtensionName]byte{
		pp.ExtensionElastic: 1,
		pp.ExtensionMerkle:  2,
	}

	payload, err := encodeExtensionHandshake(offered, "peerwire/1.0", 250)
	require.NoError(t, err)

	decoded, err := decodeExtensionHandshake(payload)
	require.NoError(t, err)
	assert.Equal(t, offered, decoded)
}

func TestDecodeExtensionHandshakeMissingMBecomesEmptyMap(t *testing.T) {
	payload, err := encodeExtensionHandshake(nil, "", 0)
	require.NoError(t, err)

	decoded, err := decodeExtensionHandshake(payload)
	require.NoError(t, err)
	assert.NotNil(t, decoded)
	assert.Empty(t, decoded)
}

func TestDecodeExtensionHandshakeMalformedPayload(t *testing.T) {
	_, err := decodeExtensionHandshake([]byte("not bencode"))
	assert.Error(t, err)
}

func TestEncodeExtensionHandshakeOmitsEmptyOptionalFields(t *testing.T) {
	payload, err := encodeExtensionHandshake(map[pp.ExtensionName]byte{pp.ExtensionElastic: 3}, "", 0)
	require.NoError(t, err)

	// "v" and "reqq" are marked omitempty; a zero-valued client string and
	// reqq should not appear in the encoded dictionary at all.
	assert.NotContains(t, string(payload), "1:v")
	assert.NotContains(t, string(payload), "4:reqq")
}
