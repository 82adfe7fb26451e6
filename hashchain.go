package peerwire

import "lukechampine.com/blake3"

// HashChain is an ordered, leaf-to-root sequence of sibling hashes an
// elastic-piece message carries alongside its block, letting the
// receiver fold the block's own hash up to the view's claimed root
// without holding the whole tree.
//
// Classic merkle-piece chains stay SHA-1 (crypto/sha1, matching BEP 30
// byte-for-byte) and are verified by the coordinator against its own
// stored tree; HashChain is specific to Elastic mode, whose growing,
// signed view is this module's own concern.
type HashChain [][]byte

// Verify folds blockHash up through the chain one sibling at a time and
// reports whether the result equals root. An empty chain is only valid
// when blockHash already equals root (a block sitting at the root
// itself).
func (c HashChain) Verify(root, blockHash []byte) bool {
	cur := blockHash
	for _, sibling := range c {
		h := blake3.New(32, nil)
		h.Write(cur)
		h.Write(sibling)
		cur = h.Sum(nil)
	}
	return bytesEqual(cur, root)
}

// blockHash hashes one block's payload with BLAKE3, the leaf input to
// HashChain.Verify.
func blockHash(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}
