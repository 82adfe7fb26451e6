package peerwire

import (
	pp "github.com/mattferrum/peerwire/peerprotocol"
)

// handledBlock records one HandleBlock callback for assertion.
type handledBlock struct {
	desc      BlockDescriptor
	data      []byte
	mode      pp.ContentMode
	hashChain [][]byte
}

// extMessage records one ProcessExtensionMessage callback.
type extMessage struct {
	localID byte
	payload []byte
}

// fakeCoordinator is a minimal, single-torrent Coordinator used to drive
// an Engine under test without a real piece database or scheduler. It
// records every callback it receives so tests can assert on call order
// and arguments, and returns canned answers configured by the test.
type fakeCoordinator struct {
	peerID   [20]byte
	infoHash [20]byte
	storage  StorageDescriptor

	localPieces  map[uint32]bool
	refuseConnect bool

	localViewSignature    ViewSignature
	hasLocalViewSignature bool

	requestsToReturn []BlockDescriptor

	connected    []ManageablePeer
	disconnected []ManageablePeer

	availablePiece   []uint32
	availableBitfield []*BitField
	autoInterested   bool // if true, AddAvailablePiece(s) calls SetWeAreInterested(true)

	suggested   []uint32
	allowedFast []uint32

	requestsHandled []BlockDescriptor

	blocksHandled    []handledBlock
	handleBlockErr   error

	signaturesVerified []ViewSignature
	signatureVerifyErr error

	offered          map[pp.ExtensionName]byte
	enabledPerPeer   []map[pp.ExtensionName]byte
	extensionMessages []extMessage

	adjustChokingCalls int
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{
		peerID:      [20]byte{1, 2, 3},
		infoHash:    [20]byte{0xAA},
		localPieces: make(map[uint32]bool),
	}
}

func (c *fakeCoordinator) LocalPeerID() [20]byte { return c.peerID }
func (c *fakeCoordinator) InfoHash() [20]byte    { return c.infoHash }
func (c *fakeCoordinator) Storage() StorageDescriptor { return c.storage }

func (c *fakeCoordinator) HasPiece(piece uint32) bool { return c.localPieces[piece] }

func (c *fakeCoordinator) LocalBitField() *BitField {
	n := c.storage.NumPieces()
	if n == 0 {
		return nil
	}
	bf := NewBitField(n)
	for p, has := range c.localPieces {
		if has {
			bf.Set(p)
		}
	}
	return bf
}

func (c *fakeCoordinator) LocalViewSignature() (ViewSignature, bool) {
	return c.localViewSignature, c.hasLocalViewSignature
}

func (c *fakeCoordinator) PeerConnected(peer ManageablePeer) bool {
	if c.refuseConnect {
		return false
	}
	c.connected = append(c.connected, peer)
	return true
}

func (c *fakeCoordinator) PeerDisconnected(peer ManageablePeer) {
	c.disconnected = append(c.disconnected, peer)
}

func (c *fakeCoordinator) GetRequests(peer ManageablePeer, n int) []BlockDescriptor {
	out := c.requestsToReturn
	c.requestsToReturn = nil
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func (c *fakeCoordinator) AddAvailablePiece(peer ManageablePeer, piece uint32) {
	c.availablePiece = append(c.availablePiece, piece)
	if c.autoInterested {
		peer.SetWeAreInterested(true)
	}
}

func (c *fakeCoordinator) AddAvailablePieces(peer ManageablePeer, bits *BitField) {
	c.availableBitfield = append(c.availableBitfield, bits)
	if c.autoInterested && bits.Count() > 0 {
		peer.SetWeAreInterested(true)
	}
}

func (c *fakeCoordinator) SetPieceSuggested(peer ManageablePeer, piece uint32) {
	c.suggested = append(c.suggested, piece)
}

func (c *fakeCoordinator) SetPieceAllowedFast(peer ManageablePeer, piece uint32) {
	c.allowedFast = append(c.allowedFast, piece)
}

func (c *fakeCoordinator) HandleRequest(peer ManageablePeer, desc BlockDescriptor) {
	c.requestsHandled = append(c.requestsHandled, desc)
}

func (c *fakeCoordinator) HandleBlock(peer ManageablePeer, desc BlockDescriptor, data []byte, mode pp.ContentMode, hashChain [][]byte) error {
	if c.handleBlockErr != nil {
		return c.handleBlockErr
	}
	c.blocksHandled = append(c.blocksHandled, handledBlock{desc: desc, data: data, mode: mode, hashChain: hashChain})
	return nil
}

func (c *fakeCoordinator) HandleViewSignature(peer ManageablePeer, sig ViewSignature) error {
	if c.signatureVerifyErr != nil {
		return c.signatureVerifyErr
	}
	c.signaturesVerified = append(c.signaturesVerified, sig)
	return nil
}

func (c *fakeCoordinator) OfferExtensionsToPeer(peer ManageablePeer) map[pp.ExtensionName]byte {
	return c.offered
}

func (c *fakeCoordinator) EnableDisablePeerExtensions(peer ManageablePeer, enabled map[pp.ExtensionName]byte) {
	c.enabledPerPeer = append(c.enabledPerPeer, enabled)
}

func (c *fakeCoordinator) ProcessExtensionMessage(peer ManageablePeer, localExtendedID byte, payload []byte) error {
	c.extensionMessages = append(c.extensionMessages, extMessage{localID: localExtendedID, payload: payload})
	return nil
}

func (c *fakeCoordinator) AdjustChoking() { c.adjustChokingCalls++ }

func (c *fakeCoordinator) Lock()   {}
func (c *fakeCoordinator) Unlock() {}
