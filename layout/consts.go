package layout

import (
	"github.com/tchajed/goose/machine/disk"
)

const (
	// BlockSize is fixed by the journal's block device.
	BlockSize = disk.BlockSize
	// BlockShift is log2(BlockSize).
	BlockShift = 12
	// BlockBits is the number of bitmap bits held by one on-disk block.
	BlockBits = BlockSize * 8

	// LogBlocks is the size of the write-ahead log area owned by the
	// journal; it always occupies the first blocks of the device.
	LogBlocks = 513
	// SuperBlockNum is the first block after the log.
	SuperBlockNum = LogBlocks
	// BitmapStart is where the block bitmap begins.
	BitmapStart = SuperBlockNum + 1

	// Magic spells "gobfs.v1".
	Magic uint64 = 0x676f6266732e7631
	// Version of the on-disk format.
	Version uint32 = 1

	// DefaultAGShift gives every allocation group exactly one full bitmap
	// block (32768 bits, so 128 MiB of data at 4 KiB blocks).
	DefaultAGShift uint32 = 15
	MinAGShift     uint32 = 10
	MaxAGShift     uint32 = 16

	// MaxRunLength is the largest span a single Run can describe, since
	// its length is stored in 16 bits.
	MaxRunLength = 1<<16 - 1

	// MaxLabelLen bounds the volume name stored in the superblock.
	MaxLabelLen = 32
)
