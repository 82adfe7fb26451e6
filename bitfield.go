package peerwire

import (
	"errors"

	"github.com/RoaringBitmap/roaring"
)

// ErrBitfieldShrink is returned by Extend when asked to shrink a
// BitField, which is forbidden for every content
// mode.
var ErrBitfieldShrink = errors.New("peerwire: bitfield length must not shrink")

// BitField is the ordered, known-length bit sequence backing
// PeerState.remoteBitField. Classic/merkle mode fixes its
// length at construction; elastic mode may grow it via Extend as the
// remote's signed view advances (invariant 7).
//
// Built on roaring.Bitmap for piece-membership sets, generalized with an
// explicit length so cardinality/Not have a well-defined universe.
type BitField struct {
	bits   roaring.Bitmap
	length uint32
}

// NewBitField returns a zero-valued BitField of the given length.
func NewBitField(length uint32) *BitField {
	return &BitField{length: length}
}

// NewBitFieldFromBytes decodes an MSB-first packed bitfield of the wire
// format used by the bitfield and elastic-bitfield messages, with
// exactly numPieces significant bits.
func NewBitFieldFromBytes(b []byte, numPieces uint32) *BitField {
	bf := NewBitField(numPieces)
	for i := uint32(0); i < numPieces; i++ {
		byteIdx := i / 8
		if int(byteIdx) >= len(b) {
			break
		}
		bit := b[byteIdx] & (0x80 >> (i % 8))
		if bit != 0 {
			bf.bits.Add(i)
		}
	}
	return bf
}

// Bytes encodes the bitfield to its MSB-first packed wire form.
func (bf *BitField) Bytes() []byte {
	out := make([]byte, (bf.length+7)/8)
	bf.bits.Iterate(func(x uint32) bool {
		if x < bf.length {
			out[x/8] |= 0x80 >> (x % 8)
		}
		return true
	})
	return out
}

func (bf *BitField) Len() uint32 { return bf.length }

func (bf *BitField) Get(i uint32) bool {
	return i < bf.length && bf.bits.Contains(i)
}

func (bf *BitField) Set(i uint32) {
	if i < bf.length {
		bf.bits.Add(i)
	}
}

func (bf *BitField) Clear(i uint32) {
	bf.bits.Remove(i)
}

// Count returns the cardinality (number of set bits).
func (bf *BitField) Count() uint64 {
	return bf.bits.GetCardinality()
}

// Not returns the bitwise complement over [0, length).
func (bf *BitField) Not() *BitField {
	out := NewBitField(bf.length)
	for i := uint32(0); i < bf.length; i++ {
		if !bf.Get(i) {
			out.bits.Add(i)
		}
	}
	return out
}

// SetAll marks every index in [0, length) present, used for have-all.
func (bf *BitField) SetAll() {
	if bf.length > 0 {
		bf.bits.AddRange(0, uint64(bf.length))
	}
}

// Extend grows the bitfield to newLength, which must be ≥ the current
// length, which must not be smaller than the current one. Newly
// added bits are unset.
func (bf *BitField) Extend(newLength uint32) error {
	if newLength < bf.length {
		return ErrBitfieldShrink
	}
	bf.length = newLength
	return nil
}

// Clone returns an independent copy.
func (bf *BitField) Clone() *BitField {
	return &BitField{bits: *bf.bits.Clone(), length: bf.length}
}

// Iterate calls f for every set bit in ascending order, stopping early
// if f returns false.
func (bf *BitField) Iterate(f func(i uint32) bool) {
	bf.bits.Iterate(func(x uint32) bool {
		if x >= bf.length {
			return false
		}
		return f(x)
	})
}
