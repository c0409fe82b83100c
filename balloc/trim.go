package balloc

import (
	"github.com/mit-pdos/go-journal/util"
	"github.com/pkg/errors"

	"github.com/gobfs/gobfs/device"
	"github.com/gobfs/gobfs/layout"
)

// trimBatchRanges is how many free ranges are handed to the device per
// discard request.
const trimBatchRanges = 128

// maxTrimRangeBlocks keeps a single range's byte size well away from
// uint64 overflow; longer free runs are split.
const maxTrimRangeBlocks = uint64(1) << 32

// Trim tells the device which blocks are free so it can discard them.
// Only whole-volume requests are supported: offset must be zero and size
// must cover all blocks, though it may extend past them when the backing
// partition is larger than the volume. Returns the number of bytes the
// device reported trimmed.
//
// The allocator lock is held for the whole walk, so the set of free blocks
// cannot change underneath the device.
func (ba *BlockAllocator) Trim(offset, size uint64) (uint64, error) {
	v := ba.v
	if offset != 0 || size < v.NumBlocks()*layout.BlockSize {
		return 0, errors.Wrap(ErrNotSupported,
			"trimming less than the whole volume")
	}
	trimmer := v.Trimmer()
	if trimmer == nil {
		return 0, errors.Wrap(ErrNotSupported, "device cannot discard blocks")
	}

	ba.mu.Lock()
	defer ba.mu.Unlock()

	t := v.Begin()
	defer t.Abort()

	ranges := make([]device.TrimRange, 0, trimBatchRanges)
	var trimmed uint64

	flush := func() error {
		if len(ranges) == 0 {
			return nil
		}
		n, err := trimmer.Trim(ranges)
		trimmed += n
		ranges = ranges[:0]
		return err
	}
	addRange := func(firstBlock, numBlocks uint64) error {
		for numBlocks > 0 {
			n := numBlocks
			if n > maxTrimRangeBlocks {
				n = maxTrimRangeBlocks
			}
			ranges = append(ranges, device.TrimRange{
				Offset: firstBlock * layout.BlockSize,
				Size:   n * layout.BlockSize,
			})
			firstBlock += n
			numBlocks -= n
			if len(ranges) == trimBatchRanges {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return nil
	}

	// Walk the bitmap and batch up the free ranges. Group bits tile the
	// volume, so a single running block counter is enough.
	firstFree := int64(-1)
	block := int64(0)
	var cached allocBlock
	for gi := int32(0); gi < ba.numGroups; gi++ {
		g := &ba.groups[gi]
		for bi := uint32(0); bi < g.numBitmapBlocks; bi++ {
			cached.setTo(t, g, bi)
			for i := uint32(0); i < cached.numBits; i++ {
				if cached.isUsed(i) {
					if firstFree >= 0 {
						if err := addRange(uint64(firstFree), uint64(block-firstFree)); err != nil {
							return trimmed, err
						}
						firstFree = -1
					}
				} else if firstFree < 0 {
					firstFree = block
				}
				block++
			}
		}
	}
	if firstFree >= 0 {
		if err := addRange(uint64(firstFree), uint64(block-firstFree)); err != nil {
			return trimmed, err
		}
	}
	if err := flush(); err != nil {
		return trimmed, err
	}

	util.DPrintf(1, "balloc: trimmed %d bytes\n", trimmed)
	return trimmed, nil
}
