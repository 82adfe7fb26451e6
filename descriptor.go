package peerwire

import (
	"errors"

	pp "github.com/mattferrum/peerwire/peerprotocol"
)

// BlockDescriptor identifies one sub-region of a piece, the unit of wire
// transfer.
type BlockDescriptor struct {
	PieceIndex uint32
	Offset     uint32
	Length     uint32
}

func (d BlockDescriptor) String() string {
	return "(" + itoa(d.PieceIndex) + "," + itoa(d.Offset) + "," + itoa(d.Length) + ")"
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// StorageDescriptor carries the piece-size/total-length pair needed to
// compute numPieces and per-piece lengths.
type StorageDescriptor struct {
	PieceSize   uint32
	TotalLength uint64
}

// NumPieces returns ceil(totalLength/pieceSize).
func (s StorageDescriptor) NumPieces() uint32 {
	if s.PieceSize == 0 {
		return 0
	}
	return uint32((s.TotalLength + uint64(s.PieceSize) - 1) / uint64(s.PieceSize))
}

// PieceLength returns the length of the piece at index i, which is
// PieceSize for every piece but the last, which may be short.
func (s StorageDescriptor) PieceLength(i uint32) uint64 {
	n := s.NumPieces()
	if i >= n {
		return 0
	}
	if i == n-1 {
		last := s.TotalLength - uint64(i)*uint64(s.PieceSize)
		return last
	}
	return uint64(s.PieceSize)
}

var (
	// ErrInvalidPieceIndex means pieceIndex was out of [0, numPieces).
	ErrInvalidPieceIndex = errors.New("peerwire: piece index out of range")
	// ErrInvalidBlockDescriptor means a descriptor failed validation
	// against ValidateBlockDescriptor's predicate.
	ErrInvalidBlockDescriptor = errors.New("peerwire: invalid block descriptor")
)

// ValidateBlockDescriptor checks a descriptor against the predicate:
//
//	pieceIndex ∈ [0, numPieces) AND
//	offset ≥ 0 AND
//	0 < length ≤ MAX_BLOCK_LENGTH AND
//	offset+length ≤ pieceLength(pieceIndex)
//
// Note: an earlier draft of this check had a misplaced parenthesis that
// conflated the offset and length bounds. This implementation uses the
// predicate as stated above; see DESIGN.md's "open question decisions"
// for the record of that choice.
func ValidateBlockDescriptor(d BlockDescriptor, storage StorageDescriptor, maxBlockLength uint32) error {
	if maxBlockLength == 0 {
		maxBlockLength = pp.MaxBlockLength
	}
	numPieces := storage.NumPieces()
	if d.PieceIndex >= numPieces {
		return ErrInvalidPieceIndex
	}
	if d.Length == 0 || d.Length > maxBlockLength {
		return ErrInvalidBlockDescriptor
	}
	pieceLen := storage.PieceLength(d.PieceIndex)
	end := uint64(d.Offset) + uint64(d.Length)
	if end > pieceLen {
		return ErrInvalidBlockDescriptor
	}
	return nil
}
