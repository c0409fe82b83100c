package layout

import (
	"encoding/binary"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"github.com/tchajed/marshal"
)

// SuperBlock is the in-memory form of the volume header stored at
// SuperBlockNum. It carries the allocation-group geometry the block
// allocator is built around, plus the persisted used-block counter.
//
// The layout of the volume is
//
//	[0, LogBlocks)        write-ahead log, owned by the journal
//	[LogBlocks, +1)       superblock
//	[BitmapStart, +N)     block bitmap, one bit per volume block
//	rest                  data
//
// The bitmap covers the whole volume including the log, superblock, and
// the bitmap itself; those bits are set once at format time and the region
// below ReservedBlocks() is never handed out or accepted back.
type SuperBlock struct {
	NumBlocks   uint64
	UsedBlocks  uint64
	AGShift     uint32 // bits per allocation group == 1 << AGShift
	AGCount     uint32
	BlocksPerAG uint32 // bitmap blocks per allocation group
	VolumeID    uuid.UUID
	Label       string
}

// NewSuperBlock computes the geometry for a fresh volume of numBlocks
// blocks and stamps a new volume ID.
func NewSuperBlock(numBlocks uint64, agShift uint32, label string) (*SuperBlock, error) {
	if agShift < MinAGShift || agShift > MaxAGShift {
		return nil, errors.Wrapf(ErrBadGeometry, "allocation group shift %d", agShift)
	}
	if len(label) > MaxLabelLen {
		return nil, errors.Errorf("label %q is longer than %d bytes", label, MaxLabelLen)
	}
	bitsPerGroup := uint64(1) << agShift
	agCount := (numBlocks + bitsPerGroup - 1) / bitsPerGroup
	blocksPerAG := uint32((bitsPerGroup + BlockBits - 1) / BlockBits)

	sb := &SuperBlock{
		NumBlocks:   numBlocks,
		AGShift:     agShift,
		AGCount:     uint32(agCount),
		BlocksPerAG: blocksPerAG,
		VolumeID:    uuid.NewV4(),
		Label:       label,
	}
	if numBlocks <= sb.ReservedBlocks() {
		return nil, errors.Wrapf(ErrTooSmall,
			"%d blocks leave no space after the %d reserved ones",
			numBlocks, sb.ReservedBlocks())
	}
	return sb, nil
}

// BitsPerGroup is the number of volume blocks covered by one full group.
func (sb *SuperBlock) BitsPerGroup() uint64 {
	return uint64(1) << sb.AGShift
}

// NumBitmapBlocks is the total size of the on-disk bitmap in blocks.
func (sb *SuperBlock) NumBitmapBlocks() uint64 {
	return uint64(sb.AGCount) * uint64(sb.BlocksPerAG)
}

// ReservedBlocks is the size of the reserved prefix: log, superblock, and
// bitmap. Bits below it are set at format time and stay set forever.
func (sb *SuperBlock) ReservedBlocks() uint64 {
	return BitmapStart + sb.NumBitmapBlocks()
}

// GroupBitmapStart is the first on-disk block of group i's bitmap portion.
func (sb *SuperBlock) GroupBitmapStart(i uint32) uint64 {
	return BitmapStart + uint64(i)*uint64(sb.BlocksPerAG)
}

// GroupBits is the number of bits group i covers; the last group may be
// short.
func (sb *SuperBlock) GroupBits(i uint32) uint64 {
	covered := uint64(i) * sb.BitsPerGroup()
	if sb.NumBlocks-covered < sb.BitsPerGroup() {
		return sb.NumBlocks - covered
	}
	return sb.BitsPerGroup()
}

// RunToBlock maps a run to its first volume block number.
func (sb *SuperBlock) RunToBlock(r Run) uint64 {
	return uint64(r.Group)<<sb.AGShift + uint64(r.Start)
}

// ByteOrder is the word order of the on-disk bitmap chunks for this format
// version.
func (sb *SuperBlock) ByteOrder() binary.ByteOrder {
	return binary.LittleEndian
}

// Encode packs the superblock into one block.
func (sb *SuperBlock) Encode() []byte {
	enc := marshal.NewEnc(BlockSize)
	enc.PutInt(Magic)
	enc.PutInt32(Version)
	enc.PutInt32(BlockShift)
	enc.PutInt(sb.NumBlocks)
	enc.PutInt(sb.UsedBlocks)
	enc.PutInt32(sb.AGShift)
	enc.PutInt32(sb.AGCount)
	enc.PutInt32(sb.BlocksPerAG)
	enc.PutBytes(sb.VolumeID.Bytes())
	enc.PutInt32(uint32(len(sb.Label)))
	enc.PutBytes([]byte(sb.Label))
	return enc.Finish()
}

// DecodeSuperBlock unpacks and validates a superblock read from disk.
func DecodeSuperBlock(blk []byte) (*SuperBlock, error) {
	dec := marshal.NewDec(blk)
	if dec.GetInt() != Magic {
		return nil, ErrBadSuperBlock
	}
	if v := dec.GetInt32(); v != Version {
		return nil, errors.Wrapf(ErrBadSuperBlock, "unknown version %d", v)
	}
	if shift := dec.GetInt32(); shift != BlockShift {
		return nil, errors.Wrapf(ErrBadSuperBlock, "unexpected block shift %d", shift)
	}
	sb := &SuperBlock{
		NumBlocks:   dec.GetInt(),
		UsedBlocks:  dec.GetInt(),
		AGShift:     dec.GetInt32(),
		AGCount:     dec.GetInt32(),
		BlocksPerAG: dec.GetInt32(),
	}
	sb.VolumeID = uuid.FromBytesOrNil(dec.GetBytes(16))
	labelLen := dec.GetInt32()
	if labelLen > MaxLabelLen {
		return nil, errors.Wrapf(ErrBadSuperBlock, "label length %d", labelLen)
	}
	sb.Label = string(dec.GetBytes(uint64(labelLen)))

	if sb.AGShift < MinAGShift || sb.AGShift > MaxAGShift {
		return nil, errors.Wrapf(ErrBadGeometry, "allocation group shift %d", sb.AGShift)
	}
	bitsPerGroup := sb.BitsPerGroup()
	if wantGroups := (sb.NumBlocks + bitsPerGroup - 1) / bitsPerGroup; wantGroups != uint64(sb.AGCount) {
		return nil, errors.Wrapf(ErrBadGeometry,
			"%d groups cover a %d block volume, superblock says %d",
			wantGroups, sb.NumBlocks, sb.AGCount)
	}
	if wantPerAG := uint32((bitsPerGroup + BlockBits - 1) / BlockBits); wantPerAG != sb.BlocksPerAG {
		return nil, errors.Wrapf(ErrBadGeometry, "%d bitmap blocks per group, superblock says %d",
			wantPerAG, sb.BlocksPerAG)
	}
	if sb.NumBlocks <= sb.ReservedBlocks() {
		return nil, errors.Wrapf(ErrBadGeometry, "volume smaller than its reserved area")
	}
	return sb, nil
}
