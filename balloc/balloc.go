// Package balloc implements the journaled block allocator. The on-disk
// state is a plain bitmap split into allocation groups; everything else
// (free counts, first-free hints, largest-run caches) is derived in memory
// and rebuilt by scanning the bitmap at mount time.
package balloc

import (
	"fmt"
	"io"
	"sync"

	"github.com/mit-pdos/go-journal/util"
	"github.com/pkg/errors"

	"github.com/gobfs/gobfs/layout"
	"github.com/gobfs/gobfs/vol"
)

const bitsPerBitmapBlock = layout.BlockBits

// Mode classifies what an allocation is for, so placement policies can
// treat directories, indices, and attribute storage differently.
type Mode uint32

const (
	ModeFile Mode = 1 << iota
	ModeDirectory
	ModeSymLink
	ModeIndex
	ModeAttribute
)

// Inode is the slice of inode state the placement policies in Allocate
// need. LastDirectRun reports the last populated direct run of the data
// stream, and false once the stream has grown into indirect ranges.
type Inode interface {
	Run() layout.Run
	Size() uint64
	IsContainer() bool
	IsSymLink() bool
	LastDirectRun() (layout.Run, bool)
}

// BlockAllocator hands out and takes back runs of blocks. All bitmap
// updates go through the transaction passed in by the caller, so an
// allocation becomes durable together with whatever metadata update needed
// it.
//
// A single lock serializes operations. Initialize holds it while the
// background bitmap scan runs, so the first allocation after mounting
// blocks until the in-memory state is ready.
type BlockAllocator struct {
	v  *vol.Volume
	mu sync.Mutex

	groups    []allocGroup
	numGroups int32

	// CheckGroups makes every mutating operation verify the touched
	// group's summary against the bitmap. Expensive; meant for tests and
	// debugging.
	CheckGroups bool

	// OnViolation, when set, observes consistency violations (bad Free
	// arguments, summary mismatches) instead of only logging them.
	OnViolation func(msg string)
}

func New(v *vol.Volume) *BlockAllocator {
	return &BlockAllocator{v: v}
}

// Initialize sets up the in-memory group array. With full set, the on-disk
// bitmap is scanned in the background while the mount proceeds; the lock
// is held until the scan finishes. Without it the caller is expected to
// finish initialization itself (see InitializeAndClearBitmap), and keeps
// the lock.
func (ba *BlockAllocator) Initialize(full bool) {
	ba.mu.Lock()
	ba.initGroups()
	if !full {
		return
	}
	go func() {
		defer ba.mu.Unlock()
		ba.initialize()
	}()
}

// InitializeAndClearBitmap formats the bitmap: every bit cleared except
// the reserved prefix covering the log, the superblock, and the bitmap
// itself. The reservation goes through the caller's transaction.
func (ba *BlockAllocator) InitializeAndClearBitmap(t *vol.Txn) error {
	ba.Initialize(false)
	defer ba.mu.Unlock()

	v := ba.v
	sb := v.Super()

	// The bitmap is cleared outside the journal: a fresh volume has
	// nothing to preserve and the bitmap can be far larger than the log.
	zero := make([]byte, layout.BlockSize)
	for b := uint64(0); b < sb.NumBitmapBlocks(); b++ {
		v.Disk().Write(layout.BitmapStart+b, zero)
	}

	for i := range ba.groups {
		g := &ba.groups[i]
		g.firstFree = 0
		g.freeBits = int64(g.numBits)
		g.largestStart = 0
		g.largestLength = int64(g.numBits)
		g.largestValid = true
	}

	reserved := v.ReservedBlocks()
	ba.reserve(t, reserved)
	v.SetUsedBlocks(reserved)

	util.DPrintf(1, "balloc: cleared bitmap, %d of %d blocks reserved\n",
		reserved, v.NumBlocks())
	return nil
}

// Uninitialize waits out a background bitmap scan still in flight.
func (ba *BlockAllocator) Uninitialize() {
	ba.mu.Lock()
	defer ba.mu.Unlock()
}

func (ba *BlockAllocator) NumGroups() int32 {
	return ba.numGroups
}

func (ba *BlockAllocator) initGroups() {
	sb := ba.v.Super()
	ba.numGroups = int32(sb.AGCount)
	ba.groups = make([]allocGroup, ba.numGroups)
	for i := range ba.groups {
		g := &ba.groups[i]
		g.start = sb.GroupBitmapStart(uint32(i))
		g.numBits = uint32(sb.GroupBits(uint32(i)))
		g.numBitmapBlocks = uint32((uint64(g.numBits) + bitsPerBitmapBlock - 1) /
			bitsPerBitmapBlock)
		g.firstFree = -1
	}
}

// reserve allocates the first numBlocks blocks of the volume, spanning
// group boundaries as needed. Only valid while those bits are known to be
// clear.
func (ba *BlockAllocator) reserve(t *vol.Txn, numBlocks uint64) {
	remaining := int64(numBlocks)
	for i := int32(0); i < ba.numGroups && remaining > 0; i++ {
		g := &ba.groups[i]
		n := remaining
		if n > int64(g.numBits) {
			n = int64(g.numBits)
		}
		g.allocate(t, 0, n)
		remaining -= n
	}
}

// scanGroup rebuilds one group's summary from the bitmap.
func (ba *BlockAllocator) scanGroup(t *vol.Txn, g *allocGroup) {
	g.firstFree = -1
	g.freeBits = 0
	g.largestValid = false

	var cached allocBlock
	var start, run int64
	bit := int64(0)
	for block := uint32(0); block < g.numBitmapBlocks; block++ {
		cached.setTo(t, g, block)
		for j := uint32(0); j < cached.numBits; j++ {
			if cached.isUsed(j) {
				if run > 0 {
					g.addFreeRange(start, run)
					run = 0
				}
			} else {
				if run == 0 {
					start = bit
				}
				run++
			}
			bit++
		}
	}
	if run > 0 {
		g.addFreeRange(start, run)
	}
	if g.firstFree == -1 {
		g.firstFree = int64(g.numBits)
	}
}

// initialize is the mount-time bitmap scan. It rebuilds every group
// summary, repairs a reserved region that lost its marks, and reconciles
// the superblock's used-block counter with what the bitmap says.
func (ba *BlockAllocator) initialize() {
	v := ba.v
	t := v.Begin()
	committed := false

	for i := range ba.groups {
		ba.scanGroup(t, &ba.groups[i])
	}

	reserved := v.ReservedBlocks()
	if err := ba.checkBlocks(t, 0, reserved, true); err != nil {
		if v.IsReadOnly() {
			util.DPrintf(0, "balloc: reserved region is not fully allocated (%v); volume is read-only\n", err)
		} else {
			util.DPrintf(0, "balloc: reserved region is not fully allocated (%v); repairing\n", err)
			ba.repairReserved(t, reserved)
			if !t.Commit() {
				util.DPrintf(0, "balloc: could not log bitmap repair\n")
			}
			committed = true
		}
	}

	var freeBlocks int64
	for i := range ba.groups {
		freeBlocks += ba.groups[i].freeBits
	}

	used := int64(v.NumBlocks()) - freeBlocks
	if int64(v.UsedBlocks()) != used {
		// normal after a crash; the bitmap is authoritative
		util.DPrintf(0, "balloc: superblock reports %d used blocks, bitmap says %d\n",
			v.UsedBlocks(), used)
		v.SetUsedBlocks(uint64(used))
	}
	if !committed {
		t.Abort()
	}
	util.DPrintf(1, "balloc: scanned %d groups, %d of %d blocks free\n",
		ba.numGroups, freeBlocks, v.NumBlocks())
}

// repairReserved force-sets every bit of the reserved prefix and rebuilds
// the summaries of the groups it touched.
func (ba *BlockAllocator) repairReserved(t *vol.Txn, reserved uint64) {
	remaining := int64(reserved)
	for i := int32(0); i < ba.numGroups && remaining > 0; i++ {
		g := &ba.groups[i]
		n := remaining
		if n > int64(g.numBits) {
			n = int64(g.numBits)
		}

		var cached allocBlockW
		left := n
		for block := uint32(0); left > 0; block++ {
			cached.setToWritable(t, g, block)
			c := left
			if c > int64(cached.numBits) {
				c = int64(cached.numBits)
			}
			cached.forceAllocate(0, uint32(c))
			cached.flush()
			left -= c
		}

		ba.scanGroup(t, g)
		remaining -= n
	}
}

// AllocateBlocks finds a run of free blocks and marks it allocated. The
// search starts at (groupIndex, start) and walks the groups once around,
// preferring the first run of maximum blocks and falling back to the
// longest run seen, as long as it has at least minimum blocks. The group
// summaries steer the search: full groups are skipped outright and a valid
// largest-run cache answers for a group without touching its bitmap.
func (ba *BlockAllocator) AllocateBlocks(t *vol.Txn, groupIndex int32,
	start uint32, maximum uint16, minimum uint16) (layout.Run, error) {
	if maximum == 0 {
		return layout.Run{}, errors.Wrap(ErrBadValue, "allocation of zero blocks")
	}
	if groupIndex < 0 {
		groupIndex = 0
	}

	ba.mu.Lock()
	defer ba.mu.Unlock()

	util.DPrintf(2, "balloc: allocate group %d, start %d, max %d, min %d\n",
		groupIndex, start, maximum, minimum)

	bestGroup := int32(-1)
	bestStart := int64(-1)
	bestLength := int64(-1)

	for i := int32(0); i < ba.numGroups+1; i++ {
		if i > 0 {
			groupIndex++
			start = 0
		}
		groupIndex %= ba.numGroups
		g := &ba.groups[groupIndex]

		ba.maybeCheckGroup(t, groupIndex)

		if int64(start) >= int64(g.numBits) || g.isFull() {
			continue
		}

		if int64(start) < g.firstFree {
			start = uint32(g.firstFree)
		}

		if g.largestValid {
			if g.largestLength < bestLength {
				continue
			}
			if g.largestStart >= int64(start) {
				if g.largestLength >= bestLength {
					bestGroup = groupIndex
					bestStart = g.largestStart
					bestLength = g.largestLength
					if bestLength >= int64(maximum) {
						break
					}
				}
				// the cache already told us everything about this group
				continue
			}
		}

		// Scan the group's bitmap for the best run. One allocation never
		// crosses a group boundary.
		block := start / uint32(bitsPerBitmapBlock)
		var currentStart, currentLength int64
		groupLargestStart := int64(-1)
		groupLargestLength := int64(-1)
		currentBit := int64(start)
		canFindGroupLargest := start == 0

		var cached allocBlock
		for ; block < g.numBitmapBlocks; block++ {
			cached.setTo(t, g, block)

			for bit := start % uint32(bitsPerBitmapBlock); bit < cached.numBits; bit++ {
				if !cached.isUsed(bit) {
					if currentLength == 0 {
						currentStart = currentBit
					}
					currentLength++
					if currentLength >= int64(maximum) {
						bestGroup = groupIndex
						bestStart = currentStart
						bestLength = currentLength
						break
					}
				} else {
					if currentLength > 0 {
						// a free range ended
						if currentLength > bestLength {
							bestGroup = groupIndex
							bestStart = currentStart
							bestLength = currentLength
						}
						if currentLength > groupLargestLength {
							groupLargestStart = currentStart
							groupLargestLength = currentLength
						}
						currentLength = 0
					}
					if int64(g.numBits)-currentBit <= groupLargestLength {
						// nothing bigger can fit in the rest of this group
						block = g.numBitmapBlocks
						break
					}
				}
				currentBit++
			}

			if bestLength >= int64(maximum) {
				canFindGroupLargest = false
				break
			}
			start = 0
		}

		if currentBit == int64(g.numBits) {
			if currentLength > bestLength {
				bestGroup = groupIndex
				bestStart = currentStart
				bestLength = currentLength
			}
			if canFindGroupLargest && currentLength > groupLargestLength {
				groupLargestStart = currentStart
				groupLargestLength = currentLength
			}
		}

		// A scan that covered the whole group saw its largest run; remember
		// it for the next search.
		if canFindGroupLargest && !g.largestValid && groupLargestLength >= 0 {
			g.largestStart = groupLargestStart
			g.largestLength = groupLargestLength
			g.largestValid = true
		}

		if bestLength >= int64(maximum) {
			break
		}
	}

	if bestLength < int64(minimum) {
		return layout.Run{}, ErrNoSpace
	}

	if bestLength > int64(maximum) {
		bestLength = int64(maximum)
	} else if minimum > 1 {
		// only hand out multiples of minimum
		bestLength -= bestLength % int64(minimum)
	}

	ba.groups[bestGroup].allocate(t, uint32(bestStart), bestLength)
	ba.maybeCheckGroup(t, bestGroup)

	run := layout.Run{
		Group: bestGroup,
		Start: uint16(bestStart),
		Len:   uint16(bestLength),
	}
	ba.v.SetUsedBlocks(ba.v.UsedBlocks() + uint64(bestLength))

	// anything cached for the previous life of these blocks is now stale
	ba.v.DiscardCached(ba.v.RunToBlock(run), uint64(bestLength))

	util.DPrintf(2, "balloc: allocated %v\n", run)
	return run, nil
}

// AllocateForInode places a new inode relative to its parent directory:
// plain directories go eight groups further to spread the tree out, while
// files, indices, and attribute directories stay in the parent's group.
func (ba *BlockAllocator) AllocateForInode(t *vol.Txn, parent layout.Run,
	mode Mode) (layout.Run, error) {
	group := parent.Group
	if mode&(ModeDirectory|ModeIndex|ModeAttribute) == ModeDirectory {
		group += 8
	}
	return ba.AllocateBlocks(t, group, 0, 1, 1)
}

// Allocate grows an inode's data stream by up to numBlocks blocks.
// Growing streams continue right after their last direct run, directory
// and symlink data stays next to the inode, and fresh file data starts in
// the group after the inode's.
func (ba *BlockAllocator) Allocate(t *vol.Txn, inode Inode, numBlocks uint64,
	minimum uint16) (layout.Run, error) {
	if numBlocks == 0 {
		return layout.Run{}, errors.Wrap(ErrBadValue, "allocation of zero blocks")
	}

	// one run can never span more than a group, nor exceed its 16 bit
	// length field
	if numBlocks > uint64(ba.groups[0].numBits) {
		numBlocks = uint64(ba.groups[0].numBits)
	}
	if numBlocks > layout.MaxRunLength {
		numBlocks = layout.MaxRunLength
	}

	group := inode.Run().Group
	start := uint32(0)

	if inode.Size() > 0 {
		if last, ok := inode.LastDirectRun(); ok && !last.IsZero() {
			group = last.Group
			start = uint32(last.Start) + uint32(last.Len)
		} else {
			// the stream has grown past its direct runs; treat it like
			// fresh file data
			group = inode.Run().Group + 1
		}
	} else if inode.IsContainer() || inode.IsSymLink() {
		start = uint32(inode.Run().Start)
	} else {
		group = inode.Run().Group + 1
	}

	return ba.AllocateBlocks(t, group, start, uint16(numBlocks), minimum)
}

// Free gives a run of blocks back. Runs that are malformed or reach into
// the reserved prefix are rejected without touching the bitmap, since
// accepting them would corrupt the volume.
func (ba *BlockAllocator) Free(t *vol.Txn, run layout.Run) error {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	util.DPrintf(2, "balloc: free %v\n", run)

	group := run.Group
	start := uint32(run.Start)
	length := int64(run.Len)

	if group < 0 || group >= ba.numGroups ||
		int64(start) > int64(ba.groups[group].numBits) ||
		int64(start)+length > int64(ba.groups[group].numBits) ||
		length == 0 {
		ba.violation("tried to free invalid run %v", run)
		return errors.Wrapf(ErrBadValue, "free %v", run)
	}

	if ba.v.RunToBlock(run) < ba.v.ReservedBlocks() {
		ba.violation("tried to free reserved blocks at %v", run)
		return errors.Wrapf(ErrBadValue, "free %v covers reserved blocks", run)
	}

	ba.maybeCheckGroup(t, group)
	ba.groups[group].free(t, start, length)
	ba.maybeCheckGroup(t, group)

	ba.v.SetUsedBlocks(ba.v.UsedBlocks() - uint64(length))
	return nil
}

// violation reports a consistency problem without taking the volume down.
func (ba *BlockAllocator) violation(format string, args ...interface{}) {
	util.DPrintf(0, "balloc: "+format+"\n", args...)
	if ba.OnViolation != nil {
		ba.OnViolation(fmt.Sprintf(format, args...))
	}
}

// Dump writes the group summaries, for debugging.
func (ba *BlockAllocator) Dump(w io.Writer) {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	fmt.Fprintf(w, "allocation groups: %d (%d free of %d blocks)\n",
		ba.numGroups, ba.v.NumBlocks()-ba.v.UsedBlocks(), ba.v.NumBlocks())
	for i := range ba.groups {
		g := &ba.groups[i]
		fmt.Fprintf(w, "[%3d] %d bits, %d free (first at %d), largest %d at %d (valid %t)\n",
			i, g.numBits, g.freeBits, g.firstFree,
			g.largestLength, g.largestStart, g.largestValid)
	}
}
