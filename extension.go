package peerwire

import (
	"bytes"

	g "github.com/anacrolix/generics"
	"github.com/zeebo/bencode"

	pp "github.com/mattferrum/peerwire/peerprotocol"
)

// extendedHandshakeID is the reserved local message id (0) for the
// extension handshake dictionary itself, per BEP 10.
const extendedHandshakeID byte = 0

// extensionHandshakeDict is the bencoded dictionary carried as the
// payload of the id-0 extended message: "m" maps extension names to the
// sender's chosen message ids, "v" is a free-form client string and
// "reqq" advertises the sender's preferred outstanding-request depth.
type extensionHandshakeDict struct {
	M    map[pp.ExtensionName]byte `bencode:"m"`
	V    string                    `bencode:"v,omitempty"`
	ReqQ int                       `bencode:"reqq,omitempty"`
}

func encodeExtensionHandshake(offered map[pp.ExtensionName]byte, clientVersion string, reqQ int) ([]byte, error) {
	var buf bytes.Buffer
	err := bencode.NewEncoder(&buf).Encode(extensionHandshakeDict{
		M:    offered,
		V:    clientVersion,
		ReqQ: reqQ,
	})
	return buf.Bytes(), err
}

func decodeExtensionHandshake(payload []byte) (map[pp.ExtensionName]byte, error) {
	var dict extensionHandshakeDict
	if err := bencode.NewDecoder(bytes.NewReader(payload)).Decode(&dict); err != nil {
		return nil, err
	}
	g.MakeMapIfNil(&dict.M)
	return dict.M, nil
}
