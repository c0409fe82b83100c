// Package vol ties a block device, its superblock, and the journal
// together into a mounted volume.
package vol

import (
	"encoding/binary"

	"github.com/mit-pdos/go-journal/txn"
	"github.com/mit-pdos/go-journal/util"
	"github.com/pkg/errors"
	"github.com/tchajed/goose/machine/disk"

	"github.com/gobfs/gobfs/device"
	"github.com/gobfs/gobfs/layout"
)

// BlockDiscarder is notified when freshly allocated blocks must not be
// served from any cache of their previous contents. A nil discarder means
// there is no such cache.
type BlockDiscarder interface {
	Discard(blkno uint64, numBlocks uint64)
}

type Volume struct {
	d        disk.Disk
	log      *txn.Log
	sb       *layout.SuperBlock
	readOnly bool

	trimmer device.Trimmer
	discard BlockDiscarder
}

// New wraps an already formatted device whose superblock is known, without
// reading anything. Used by the format path.
func New(d disk.Disk, log *txn.Log, sb *layout.SuperBlock) *Volume {
	v := &Volume{d: d, log: log, sb: sb}
	v.trimmer, _ = d.(device.Trimmer)
	return v
}

// Mount recovers the journal and reads the superblock.
func Mount(d disk.Disk, readOnly bool) (*Volume, error) {
	if d.Size() <= layout.BitmapStart {
		return nil, errors.Wrapf(layout.ErrTooSmall, "device has %d blocks", d.Size())
	}
	v := &Volume{d: d, log: txn.Init(d), readOnly: readOnly}

	t := v.Begin()
	blk := t.ReadBlock(layout.SuperBlockNum)
	sb, err := layout.DecodeSuperBlock(blk)
	t.Abort()
	if err != nil {
		return nil, err
	}
	if sb.NumBlocks > d.Size() {
		return nil, errors.Wrapf(layout.ErrBadGeometry,
			"superblock describes %d blocks but the device has %d",
			sb.NumBlocks, d.Size())
	}
	v.sb = sb
	v.trimmer, _ = d.(device.Trimmer)
	util.DPrintf(1, "vol: mounted %q (%v), %d blocks, %d groups\n",
		sb.Label, sb.VolumeID, sb.NumBlocks, sb.AGCount)
	return v, nil
}

// maxBlkno bounds transaction I/O; before the superblock is read the
// device size is the only limit available.
func (v *Volume) maxBlkno() uint64 {
	if v.sb != nil {
		return v.sb.NumBlocks
	}
	return v.d.Size()
}

func (v *Volume) Disk() disk.Disk               { return v.d }
func (v *Volume) Super() *layout.SuperBlock     { return v.sb }
func (v *Volume) IsReadOnly() bool              { return v.readOnly }
func (v *Volume) NumBlocks() uint64             { return v.sb.NumBlocks }
func (v *Volume) ReservedBlocks() uint64        { return v.sb.ReservedBlocks() }
func (v *Volume) RunToBlock(r layout.Run) uint64 { return v.sb.RunToBlock(r) }
func (v *Volume) ByteOrder() binary.ByteOrder   { return v.sb.ByteOrder() }
func (v *Volume) Trimmer() device.Trimmer       { return v.trimmer }

// UsedBlocks and SetUsedBlocks access the in-memory used-block counter.
// The block allocator is the only writer and guards them with its own lock;
// the value reaches disk when the superblock is next flushed.
func (v *Volume) UsedBlocks() uint64  { return v.sb.UsedBlocks }
func (v *Volume) SetUsedBlocks(n uint64) { v.sb.UsedBlocks = n }

func (v *Volume) SetDiscarder(d BlockDiscarder) { v.discard = d }

// DiscardCached forwards a reuse notification to the discarder, if any.
func (v *Volume) DiscardCached(blkno, numBlocks uint64) {
	if v.discard != nil {
		v.discard.Discard(blkno, numBlocks)
	}
}

// FlushSuper stages the superblock into the given transaction.
func (v *Volume) FlushSuper(t *Txn) {
	t.WriteBlock(layout.SuperBlockNum, v.sb.Encode())
}
