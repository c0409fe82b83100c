package balloc

import (
	"bytes"
	"testing"

	"github.com/mit-pdos/go-journal/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobfs/gobfs/device"
	"github.com/gobfs/gobfs/layout"
	"github.com/gobfs/gobfs/vol"
)

// newTestAllocator formats a fresh in-memory volume and returns its
// allocator. Small allocation groups (1<<10 blocks) keep the volumes tiny.
func newTestAllocator(t *testing.T, numBlocks uint64) (*BlockAllocator, *device.MemDevice) {
	t.Helper()
	d := device.NewMemDevice(numBlocks)
	sb, err := layout.NewSuperBlock(numBlocks, 10, "test")
	require.NoError(t, err)
	v := vol.New(d, txn.Init(d), sb)
	ba := New(v)

	tx := v.Begin()
	require.NoError(t, ba.InitializeAndClearBitmap(tx))
	v.FlushSuper(tx)
	require.True(t, tx.Commit())
	return ba, d
}

func (ba *BlockAllocator) mustAllocate(t *testing.T, group int32, start uint32,
	max, min uint16) layout.Run {
	t.Helper()
	tx := ba.v.Begin()
	run, err := ba.AllocateBlocks(tx, group, start, max, min)
	require.NoError(t, err)
	require.True(t, tx.Commit())
	return run
}

func (ba *BlockAllocator) mustFree(t *testing.T, run layout.Run) {
	t.Helper()
	tx := ba.v.Begin()
	require.NoError(t, ba.Free(tx, run))
	require.True(t, tx.Commit())
}

// A 600 block volume has one group: 515 reserved blocks, 85 free.
const (
	smallVolume   = 600
	smallReserved = 515
	smallFree     = smallVolume - smallReserved
)

func TestFormatReservesPrefix(t *testing.T) {
	ba, _ := newTestAllocator(t, smallVolume)

	assert.Equal(t, uint64(smallReserved), ba.v.UsedBlocks())
	assert.Equal(t, uint64(smallReserved), ba.v.ReservedBlocks())
	assert.NoError(t, ba.CheckBlocks(0, smallReserved, true))
	assert.NoError(t, ba.CheckBlocks(smallReserved, smallFree, false))

	// and the two checks really are each other's complement
	assert.ErrorIs(t, ba.CheckBlocks(0, smallReserved, false), ErrBadData)
	assert.ErrorIs(t, ba.CheckBlocks(smallReserved, smallFree, true), ErrBadData)
}

func TestAllocateBlocksFirstFit(t *testing.T) {
	ba, _ := newTestAllocator(t, smallVolume)

	run := ba.mustAllocate(t, 0, 0, 10, 1)
	assert.Equal(t, layout.Run{Group: 0, Start: smallReserved, Len: 10}, run)
	assert.Equal(t, uint64(smallReserved+10), ba.v.UsedBlocks())
	assert.NoError(t, ba.CheckBlockRun(run, true))

	// the next allocation continues where the first ended
	run = ba.mustAllocate(t, 0, 0, 5, 1)
	assert.Equal(t, layout.Run{Group: 0, Start: smallReserved + 10, Len: 5}, run)
}

func TestAllocateBlocksClampsToAvailable(t *testing.T) {
	ba, _ := newTestAllocator(t, smallVolume)

	// ask for more than the group has left
	run := ba.mustAllocate(t, 0, 0, 200, 1)
	assert.Equal(t, uint16(smallFree), run.Len)
	assert.NoError(t, ba.CheckBlocks(smallReserved, smallFree, true))

	tx := ba.v.Begin()
	defer tx.Abort()
	_, err := ba.AllocateBlocks(tx, 0, 0, 1, 1)
	assert.ErrorIs(t, err, ErrNoSpace)
}

func TestAllocateBlocksFindsHole(t *testing.T) {
	ba, _ := newTestAllocator(t, smallVolume)

	all := ba.mustAllocate(t, 0, 0, smallFree, 1)
	require.Equal(t, uint16(smallFree), all.Len)
	ba.mustFree(t, layout.Run{Group: 0, Start: 530, Len: 10})

	run := ba.mustAllocate(t, 0, 0, 20, 1)
	assert.Equal(t, layout.Run{Group: 0, Start: 530, Len: 10}, run)
}

func TestAllocateBlocksMinimumRounding(t *testing.T) {
	ba, _ := newTestAllocator(t, smallVolume)

	ba.mustAllocate(t, 0, 0, smallFree, 1)
	ba.mustFree(t, layout.Run{Group: 0, Start: 530, Len: 10})

	// a 10 block hole rounds down to the largest multiple of 4
	run := ba.mustAllocate(t, 0, 0, 16, 4)
	assert.Equal(t, layout.Run{Group: 0, Start: 530, Len: 8}, run)

	ba.mustFree(t, run)

	// with a minimum above the hole size there is nothing to hand out
	tx := ba.v.Begin()
	defer tx.Abort()
	_, err := ba.AllocateBlocks(tx, 0, 0, 16, 16)
	assert.ErrorIs(t, err, ErrNoSpace)
}

func TestAllocateBlocksRejectsZeroMaximum(t *testing.T) {
	ba, _ := newTestAllocator(t, smallVolume)
	tx := ba.v.Begin()
	defer tx.Abort()
	_, err := ba.AllocateBlocks(tx, 0, 0, 0, 0)
	assert.ErrorIs(t, err, ErrBadValue)
}

func TestAllocateBlocksWrapsAroundGroups(t *testing.T) {
	ba, _ := newTestAllocator(t, 10240)

	run := ba.mustAllocate(t, 9, 900, 100, 100)
	assert.Equal(t, layout.Run{Group: 9, Start: 900, Len: 100}, run)

	// group 9 has no 100 block run left, so the search wraps to group 0
	run = ba.mustAllocate(t, 9, 900, 100, 100)
	assert.Equal(t, int32(0), run.Group)
}

func TestFreeAndReallocate(t *testing.T) {
	ba, _ := newTestAllocator(t, smallVolume)

	run := ba.mustAllocate(t, 0, 0, 10, 1)
	ba.mustFree(t, run)
	assert.Equal(t, uint64(smallReserved), ba.v.UsedBlocks())
	assert.NoError(t, ba.CheckBlockRun(run, false))

	again := ba.mustAllocate(t, 0, 0, 10, 1)
	assert.Equal(t, run, again)
}

func TestFreeRejectsReservedBlocks(t *testing.T) {
	ba, _ := newTestAllocator(t, smallVolume)

	var violations []string
	ba.OnViolation = func(msg string) { violations = append(violations, msg) }

	tx := ba.v.Begin()
	defer tx.Abort()
	err := ba.Free(tx, layout.Run{Group: 0, Start: 100, Len: 5})
	assert.ErrorIs(t, err, ErrBadValue)
	assert.Len(t, violations, 1)

	// the bitmap was not touched
	assert.NoError(t, ba.CheckBlocks(100, 5, true))
	assert.Equal(t, uint64(smallReserved), ba.v.UsedBlocks())
}

func TestFreeRejectsInvalidRuns(t *testing.T) {
	ba, _ := newTestAllocator(t, smallVolume)

	violations := 0
	ba.OnViolation = func(string) { violations++ }

	for _, run := range []layout.Run{
		{Group: 0, Start: 520, Len: 0},         // empty
		{Group: 7, Start: 0, Len: 1},           // no such group
		{Group: -1, Start: 0, Len: 1},          // negative group
		{Group: 0, Start: 590, Len: 20},        // past the end of the group
		{Group: 0, Start: 65000, Len: 1},       // start out of range
	} {
		tx := ba.v.Begin()
		err := ba.Free(tx, run)
		tx.Abort()
		assert.ErrorIs(t, err, ErrBadValue, "run %v", run)
	}
	assert.Equal(t, 5, violations)
}

func TestCheckBlockRunAndValidity(t *testing.T) {
	ba, _ := newTestAllocator(t, smallVolume)

	assert.True(t, ba.IsValidBlockRun(layout.Run{Group: 0, Start: 515, Len: 85}))
	assert.False(t, ba.IsValidBlockRun(layout.Run{Group: 0, Start: 515, Len: 86}))
	assert.False(t, ba.IsValidBlockRun(layout.Run{Group: 1, Start: 0, Len: 1}))
	assert.False(t, ba.IsValidBlockRun(layout.Run{Group: 0, Start: 0, Len: 0}))

	err := ba.CheckBlockRun(layout.Run{Group: 0, Start: 0, Len: 0}, true)
	assert.ErrorIs(t, err, ErrBadValue)
	assert.NoError(t, ba.CheckBlockRun(layout.Run{Group: 0, Start: 0, Len: 515}, true))
}

func TestCheckBlocksRejectsBadRange(t *testing.T) {
	ba, _ := newTestAllocator(t, smallVolume)
	assert.ErrorIs(t, ba.CheckBlocks(0, smallVolume+1, true), ErrBadValue)
}

func TestVerifyGroupDetectsSummaryMismatch(t *testing.T) {
	ba, _ := newTestAllocator(t, smallVolume)
	require.NoError(t, ba.VerifyGroup(0))

	ba.groups[0].freeBits--
	assert.ErrorIs(t, ba.VerifyGroup(0), ErrBadData)
	ba.groups[0].freeBits++

	ba.groups[0].firstFree = smallReserved + 1
	assert.ErrorIs(t, ba.VerifyGroup(0), ErrBadData)
	ba.groups[0].firstFree = smallReserved

	ba.groups[0].largestValid = true
	ba.groups[0].largestStart = smallReserved
	ba.groups[0].largestLength = smallFree - 1
	assert.ErrorIs(t, ba.VerifyGroup(0), ErrBadData)
	ba.groups[0].largestLength = smallFree
	assert.NoError(t, ba.VerifyGroup(0))

	assert.ErrorIs(t, ba.VerifyGroup(-1), ErrBadValue)
	assert.ErrorIs(t, ba.VerifyGroup(1), ErrBadValue)
}

func TestAllocateForInodePlacement(t *testing.T) {
	ba, _ := newTestAllocator(t, 10240)
	parent := layout.Run{Group: 0, Start: 524, Len: 1}

	tx := ba.v.Begin()

	// plain directories land eight groups after their parent
	run, err := ba.AllocateForInode(tx, parent, ModeDirectory)
	require.NoError(t, err)
	assert.Equal(t, int32(8), run.Group)
	assert.Equal(t, uint16(1), run.Len)

	// files stay in the parent's group
	run, err = ba.AllocateForInode(tx, parent, ModeFile)
	require.NoError(t, err)
	assert.Equal(t, int32(0), run.Group)

	// index and attribute directories do too
	run, err = ba.AllocateForInode(tx, parent, ModeDirectory|ModeIndex)
	require.NoError(t, err)
	assert.Equal(t, int32(0), run.Group)

	require.True(t, tx.Commit())
}

type stubInode struct {
	run       layout.Run
	size      uint64
	container bool
	symlink   bool
	last      layout.Run
	hasLast   bool
}

func (s stubInode) Run() layout.Run                  { return s.run }
func (s stubInode) Size() uint64                     { return s.size }
func (s stubInode) IsContainer() bool                { return s.container }
func (s stubInode) IsSymLink() bool                  { return s.symlink }
func (s stubInode) LastDirectRun() (layout.Run, bool) { return s.last, s.hasLast }

func TestAllocateGrowsStreamContiguously(t *testing.T) {
	ba, _ := newTestAllocator(t, 10240)

	first := ba.mustAllocate(t, 2, 0, 5, 1)
	require.Equal(t, layout.Run{Group: 2, Start: 0, Len: 5}, first)

	inode := stubInode{
		run:     layout.Run{Group: 2, Start: 100, Len: 1},
		size:    5 * layout.BlockSize,
		last:    first,
		hasLast: true,
	}
	tx := ba.v.Begin()
	run, err := ba.Allocate(tx, inode, 5, 1)
	require.NoError(t, err)
	require.True(t, tx.Commit())
	assert.Equal(t, layout.Run{Group: 2, Start: 5, Len: 5}, run)
}

func TestAllocateIndirectStreamMovesOn(t *testing.T) {
	ba, _ := newTestAllocator(t, 10240)

	inode := stubInode{
		run:  layout.Run{Group: 2, Start: 100, Len: 1},
		size: 1 << 30,
		// no last direct run: the stream lives in indirect ranges
	}
	tx := ba.v.Begin()
	run, err := ba.Allocate(tx, inode, 5, 1)
	require.NoError(t, err)
	require.True(t, tx.Commit())
	assert.Equal(t, int32(3), run.Group)
}

func TestAllocateIgnoresZeroLastRun(t *testing.T) {
	ba, _ := newTestAllocator(t, 10240)

	// an inode reporting a zero run has no usable direct run to continue
	inode := stubInode{
		run:     layout.Run{Group: 2, Start: 100, Len: 1},
		size:    layout.BlockSize,
		hasLast: true,
	}
	tx := ba.v.Begin()
	run, err := ba.Allocate(tx, inode, 5, 1)
	require.NoError(t, err)
	require.True(t, tx.Commit())
	assert.Equal(t, int32(3), run.Group)
}

func TestAllocateDirectoryDataNextToInode(t *testing.T) {
	ba, _ := newTestAllocator(t, 10240)

	inode := stubInode{
		run:       layout.Run{Group: 4, Start: 7, Len: 1},
		container: true,
	}
	tx := ba.v.Begin()
	run, err := ba.Allocate(tx, inode, 2, 1)
	require.NoError(t, err)
	require.True(t, tx.Commit())
	assert.Equal(t, layout.Run{Group: 4, Start: 7, Len: 2}, run)
}

func TestAllocateFreshFileDataInNextGroup(t *testing.T) {
	ba, _ := newTestAllocator(t, 10240)

	inode := stubInode{run: layout.Run{Group: 5, Start: 3, Len: 1}}
	tx := ba.v.Begin()
	run, err := ba.Allocate(tx, inode, 8, 1)
	require.NoError(t, err)
	require.True(t, tx.Commit())
	assert.Equal(t, layout.Run{Group: 6, Start: 0, Len: 8}, run)
}

func TestAllocateCapsAtGroupSize(t *testing.T) {
	ba, _ := newTestAllocator(t, 10240)

	inode := stubInode{run: layout.Run{Group: 0, Start: 524, Len: 1}}
	tx := ba.v.Begin()
	run, err := ba.Allocate(tx, inode, 5000, 1)
	require.NoError(t, err)
	require.True(t, tx.Commit())
	// one run never exceeds a group
	assert.Equal(t, layout.Run{Group: 1, Start: 0, Len: 1024}, run)
}

func TestAllocateRejectsZeroBlocks(t *testing.T) {
	ba, _ := newTestAllocator(t, smallVolume)
	tx := ba.v.Begin()
	defer tx.Abort()
	_, err := ba.Allocate(tx, stubInode{}, 0, 1)
	assert.ErrorIs(t, err, ErrBadValue)
}

func TestDumpShowsGroups(t *testing.T) {
	ba, _ := newTestAllocator(t, smallVolume)
	var buf bytes.Buffer
	ba.Dump(&buf)
	assert.Contains(t, buf.String(), "allocation groups: 1")
}
