package balloc

import (
	"github.com/pkg/errors"

	"github.com/gobfs/gobfs/layout"
	"github.com/gobfs/gobfs/vol"
)

// CheckBlocks verifies that the blocks [start, start+length) are all in
// the given allocation state. Returns ErrBadData with the first offending
// block on a mismatch.
func (ba *BlockAllocator) CheckBlocks(start, length uint64, allocated bool) error {
	if start+length > ba.v.NumBlocks() || start+length < start {
		return errors.Wrapf(ErrBadValue, "check [%d, %d)", start, start+length)
	}

	ba.mu.Lock()
	defer ba.mu.Unlock()

	t := ba.v.Begin()
	defer t.Abort()
	return ba.checkBlocks(t, start, length, allocated)
}

// checkBlocks walks the bitmap through the given transaction. Mutating
// operations reuse their own transaction here; a second one would deadlock
// on the blocks they have already locked.
func (ba *BlockAllocator) checkBlocks(t *vol.Txn, start, length uint64,
	allocated bool) error {
	sb := ba.v.Super()
	group := int32(start >> sb.AGShift)
	bitInGroup := start - uint64(group)<<sb.AGShift
	groupBlock := uint32(bitInGroup / bitsPerBitmapBlock)
	blockOffset := uint32(bitInGroup % bitsPerBitmapBlock)

	block := start
	var cached allocBlock
	for length > 0 {
		g := &ba.groups[group]
		cached.setTo(t, g, groupBlock)

		for ; blockOffset < cached.numBits && length > 0; blockOffset++ {
			if cached.isUsed(blockOffset) != allocated {
				return errors.Wrapf(ErrBadData,
					"block %d is %s", block, usedString(!allocated))
			}
			length--
			block++
		}
		blockOffset = 0

		groupBlock++
		if groupBlock >= g.numBitmapBlocks {
			groupBlock = 0
			group++
		}
	}
	return nil
}

func usedString(used bool) string {
	if used {
		return "in use"
	}
	return "free"
}

// CheckBlockRun validates a run and verifies its allocation state.
func (ba *BlockAllocator) CheckBlockRun(run layout.Run, allocated bool) error {
	if err := ba.validRun(run); err != nil {
		return err
	}
	return ba.CheckBlocks(ba.v.RunToBlock(run), uint64(run.Len), allocated)
}

// IsValidBlockRun reports whether a run lies within the volume. The last
// group may be shorter than the others, which this accounts for.
func (ba *BlockAllocator) IsValidBlockRun(run layout.Run) bool {
	return ba.validRun(run) == nil
}

func (ba *BlockAllocator) validRun(run layout.Run) error {
	if run.Group < 0 || run.Group >= ba.numGroups ||
		uint32(run.Start) > ba.groups[run.Group].numBits ||
		uint32(run.Start)+uint32(run.Len) > ba.groups[run.Group].numBits ||
		run.Len == 0 {
		return errors.Wrapf(ErrBadValue, "invalid run %v", run)
	}
	return nil
}

// VerifyGroup rescans one group's bitmap and compares it with the cached
// summary. Used by fsck and, with CheckGroups set, after every mutation.
func (ba *BlockAllocator) VerifyGroup(index int32) error {
	if index < 0 || index >= ba.numGroups {
		return errors.Wrapf(ErrBadValue, "group %d", index)
	}

	ba.mu.Lock()
	defer ba.mu.Unlock()

	t := ba.v.Begin()
	defer t.Abort()
	return ba.checkGroup(t, index)
}

// maybeCheckGroup runs checkGroup when CheckGroups debugging is on,
// reporting mismatches through the violation hook.
func (ba *BlockAllocator) maybeCheckGroup(t *vol.Txn, index int32) {
	if !ba.CheckGroups {
		return
	}
	if err := ba.checkGroup(t, index); err != nil {
		ba.violation("group %d summary mismatch: %v", index, err)
	}
}

// checkGroup compares a group's cached summary against the bitmap: the
// free count must match exactly, no free bit may lie below the first-free
// hint, and a valid largest-run cache must name the actual largest run.
func (ba *BlockAllocator) checkGroup(t *vol.Txn, index int32) error {
	g := &ba.groups[index]

	var currentStart, currentLength int64
	firstFree := int64(-1)
	largestStart := int64(-1)
	largestLength := int64(0)
	freeBits := int64(0)
	currentBit := int64(0)

	var cached allocBlock
	for block := uint32(0); block < g.numBitmapBlocks; block++ {
		cached.setTo(t, g, block)

		for bit := uint32(0); bit < cached.numBits; bit++ {
			if !cached.isUsed(bit) {
				if firstFree < 0 {
					firstFree = currentBit
				}
				if currentLength == 0 {
					currentStart = currentBit
				}
				currentLength++
				freeBits++
			} else if currentLength > 0 {
				if currentLength > largestLength {
					largestStart = currentStart
					largestLength = currentLength
				}
				currentLength = 0
			}
			currentBit++
		}
	}
	if currentLength > largestLength {
		largestStart = currentStart
		largestLength = currentLength
	}

	if freeBits != g.freeBits {
		return errors.Wrapf(ErrBadData,
			"group %d has %d free blocks, summary says %d",
			index, freeBits, g.freeBits)
	}
	if firstFree >= 0 && firstFree < g.firstFree {
		return errors.Wrapf(ErrBadData,
			"group %d has a free block at %d, before the first-free hint %d",
			index, firstFree, g.firstFree)
	}
	if g.largestValid &&
		(largestStart != g.largestStart || largestLength != g.largestLength) {
		return errors.Wrapf(ErrBadData,
			"group %d largest run is %d at %d, summary says %d at %d",
			index, largestLength, largestStart, g.largestLength, g.largestStart)
	}
	return nil
}
