package peerwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageDescriptorNumPiecesExact(t *testing.T) {
	s := StorageDescriptor{PieceSize: 16384, TotalLength: 16384 * 4}
	assert.EqualValues(t, 4, s.NumPieces())
}

func TestStorageDescriptorNumPiecesRoundsUp(t *testing.T) {
	s := StorageDescriptor{PieceSize: 16384, TotalLength: 16384*4 + 1}
	assert.EqualValues(t, 5, s.NumPieces())
}

func TestStorageDescriptorNumPiecesZeroPieceSize(t *testing.T) {
	s := StorageDescriptor{PieceSize: 0, TotalLength: 100}
	assert.EqualValues(t, 0, s.NumPieces())
}

func TestStorageDescriptorPieceLengthLastPieceIsShort(t *testing.T) {
	s := StorageDescriptor{PieceSize: 16384, TotalLength: 16384*3 + 100}
	assert.EqualValues(t, 16384, s.PieceLength(0))
	assert.EqualValues(t, 16384, s.PieceLength(2))
	assert.EqualValues(t, 100, s.PieceLength(3))
}

func TestStorageDescriptorPieceLengthOutOfRangeIsZero(t *testing.T) {
	s := StorageDescriptor{PieceSize: 16384, TotalLength: 16384 * 4}
	assert.EqualValues(t, 0, s.PieceLength(4))
	assert.EqualValues(t, 0, s.PieceLength(100))
}

func TestValidateBlockDescriptorAccepts(t *testing.T) {
	s := StorageDescriptor{PieceSize: 16384, TotalLength: 16384 * 4}
	err := ValidateBlockDescriptor(BlockDescriptor{PieceIndex: 1, Offset: 0, Length: 16384}, s, 0)
	require.NoError(t, err)
}

func TestValidateBlockDescriptorRejectsOutOfRangePieceIndex(t *testing.T) {
	s := StorageDescriptor{PieceSize: 16384, TotalLength: 16384 * 4}
	err := ValidateBlockDescriptor(BlockDescriptor{PieceIndex: 4, Offset: 0, Length: 1}, s, 0)
	assert.ErrorIs(t, err, ErrInvalidPieceIndex)
}

func TestValidateBlockDescriptorRejectsZeroLength(t *testing.T) {
	s := StorageDescriptor{PieceSize: 16384, TotalLength: 16384 * 4}
	err := ValidateBlockDescriptor(BlockDescriptor{PieceIndex: 0, Offset: 0, Length: 0}, s, 0)
	assert.ErrorIs(t, err, ErrInvalidBlockDescriptor)
}

func TestValidateBlockDescriptorRejectsOverMax(t *testing.T) {
	s := StorageDescriptor{PieceSize: 16384, TotalLength: 16384 * 4}
	err := ValidateBlockDescriptor(BlockDescriptor{PieceIndex: 0, Offset: 0, Length: 16385}, s, 16384)
	assert.ErrorIs(t, err, ErrInvalidBlockDescriptor)
}

func TestValidateBlockDescriptorRejectsOffsetPastPieceEnd(t *testing.T) {
	s := StorageDescriptor{PieceSize: 16384, TotalLength: 16384*3 + 100}
	err := ValidateBlockDescriptor(BlockDescriptor{PieceIndex: 3, Offset: 50, Length: 100}, s, 0)
	assert.ErrorIs(t, err, ErrInvalidBlockDescriptor)
}

func TestValidateBlockDescriptorAcceptsExactPieceEnd(t *testing.T) {
	s := StorageDescriptor{PieceSize: 16384, TotalLength: 16384*3 + 100}
	err := ValidateBlockDescriptor(BlockDescriptor{PieceIndex: 3, Offset: 0, Length: 100}, s, 0)
	require.NoError(t, err)
}

func TestBlockDescriptorString(t *testing.T) {
	d := BlockDescriptor{PieceIndex: 12, Offset: 0, Length: 16384}
	assert.Equal(t, "(12,0,16384)", d.String())
}
