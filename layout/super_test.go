package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSuperBlockGeometry(t *testing.T) {
	sb, err := NewSuperBlock(10240, 10, "vol")
	require.NoError(t, err)
	assert.Equal(t, uint32(10), sb.AGCount)
	assert.Equal(t, uint32(1), sb.BlocksPerAG)
	assert.Equal(t, uint64(1024), sb.BitsPerGroup())
	assert.Equal(t, uint64(10), sb.NumBitmapBlocks())
	assert.Equal(t, uint64(BitmapStart+10), sb.ReservedBlocks())
	assert.Equal(t, uint64(BitmapStart), sb.GroupBitmapStart(0))
	assert.Equal(t, uint64(BitmapStart+3), sb.GroupBitmapStart(3))
	assert.NotEqual(t, sb.VolumeID.String(), "00000000-0000-0000-0000-000000000000")
}

func TestNewSuperBlockShortLastGroup(t *testing.T) {
	sb, err := NewSuperBlock(1500, 10, "")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), sb.AGCount)
	assert.Equal(t, uint64(1024), sb.GroupBits(0))
	assert.Equal(t, uint64(476), sb.GroupBits(1))
}

func TestNewSuperBlockLargeGroups(t *testing.T) {
	// 1<<16 bits per group needs two bitmap blocks
	sb, err := NewSuperBlock(1<<20, 16, "big")
	require.NoError(t, err)
	assert.Equal(t, uint32(16), sb.AGCount)
	assert.Equal(t, uint32(2), sb.BlocksPerAG)
	assert.Equal(t, uint64(32), sb.NumBitmapBlocks())
	assert.Equal(t, uint64(BitmapStart+2), sb.GroupBitmapStart(1))
}

func TestNewSuperBlockRejectsBadArgs(t *testing.T) {
	_, err := NewSuperBlock(10240, 9, "vol")
	assert.ErrorIs(t, err, ErrBadGeometry)
	_, err = NewSuperBlock(10240, 17, "vol")
	assert.ErrorIs(t, err, ErrBadGeometry)
	_, err = NewSuperBlock(515, 10, "vol")
	assert.ErrorIs(t, err, ErrTooSmall)
	_, err = NewSuperBlock(10240, 10, "a very long label that nobody could possibly want")
	assert.Error(t, err)
}

func TestRunToBlock(t *testing.T) {
	sb, err := NewSuperBlock(10240, 10, "vol")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), sb.RunToBlock(Run{}))
	assert.Equal(t, uint64(1024+5), sb.RunToBlock(Run{Group: 1, Start: 5, Len: 3}))
	assert.Equal(t, uint64(9*1024+100), sb.RunToBlock(Run{Group: 9, Start: 100, Len: 1}))
}

func TestSuperBlockRoundTrip(t *testing.T) {
	sb, err := NewSuperBlock(10240, 10, "my volume")
	require.NoError(t, err)
	sb.UsedBlocks = 1234

	got, err := DecodeSuperBlock(sb.Encode())
	require.NoError(t, err)
	assert.Equal(t, sb, got)
}

func TestDecodeSuperBlockRejectsGarbage(t *testing.T) {
	_, err := DecodeSuperBlock(make([]byte, BlockSize))
	assert.ErrorIs(t, err, ErrBadSuperBlock)

	sb, err := NewSuperBlock(10240, 10, "vol")
	require.NoError(t, err)

	blk := sb.Encode()
	blk[0] ^= 0xff
	_, err = DecodeSuperBlock(blk)
	assert.ErrorIs(t, err, ErrBadSuperBlock)
}

func TestDecodeSuperBlockRejectsBadGeometry(t *testing.T) {
	sb, err := NewSuperBlock(10240, 10, "vol")
	require.NoError(t, err)

	sb.AGCount = 11
	_, err = DecodeSuperBlock(sb.Encode())
	assert.ErrorIs(t, err, ErrBadGeometry)

	sb.AGCount = 10
	sb.BlocksPerAG = 2
	_, err = DecodeSuperBlock(sb.Encode())
	assert.ErrorIs(t, err, ErrBadGeometry)
}
