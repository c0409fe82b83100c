// Package fs assembles a volume and its block allocator into a mountable
// filesystem.
package fs

import (
	"github.com/mit-pdos/go-journal/txn"
	"github.com/mit-pdos/go-journal/util"
	"github.com/pkg/errors"
	"github.com/tchajed/goose/machine/disk"

	"github.com/gobfs/gobfs/balloc"
	"github.com/gobfs/gobfs/layout"
	"github.com/gobfs/gobfs/vol"
)

type FS struct {
	Vol   *vol.Volume
	Alloc *balloc.BlockAllocator
}

type FormatOpts struct {
	// AGShift sets the allocation group size (1<<AGShift blocks per
	// group); zero means layout.DefaultAGShift.
	AGShift uint32
	Label   string
}

// Format writes a fresh filesystem onto the device: empty log, new
// superblock, and a bitmap with only the reserved prefix allocated.
func Format(d disk.Disk, opts FormatOpts) (*FS, error) {
	agShift := opts.AGShift
	if agShift == 0 {
		agShift = layout.DefaultAGShift
	}
	sb, err := layout.NewSuperBlock(d.Size(), agShift, opts.Label)
	if err != nil {
		return nil, err
	}

	// wipe the log and superblock area so journal recovery finds nothing
	zero := make([]byte, layout.BlockSize)
	for b := uint64(0); b < layout.BitmapStart; b++ {
		d.Write(b, zero)
	}

	log := txn.Init(d)
	v := vol.New(d, log, sb)
	alloc := balloc.New(v)

	t := v.Begin()
	if err := alloc.InitializeAndClearBitmap(t); err != nil {
		t.Abort()
		return nil, err
	}
	v.FlushSuper(t)
	if !t.Commit() {
		return nil, errors.New("could not log the new superblock and bitmap")
	}
	d.Barrier()

	util.DPrintf(1, "fs: formatted %q, %d blocks in %d groups\n",
		sb.Label, sb.NumBlocks, sb.AGCount)
	return &FS{Vol: v, Alloc: alloc}, nil
}

// Mount recovers the journal, reads the superblock, and kicks off the
// background bitmap scan. The first allocator operation blocks until the
// scan has finished.
func Mount(d disk.Disk, readOnly bool) (*FS, error) {
	v, err := vol.Mount(d, readOnly)
	if err != nil {
		return nil, err
	}
	alloc := balloc.New(v)
	alloc.Initialize(true)
	return &FS{Vol: v, Alloc: alloc}, nil
}

// Unmount waits for the bitmap scan, persists the superblock (with the
// current used-block counter), and flushes the device.
func (f *FS) Unmount() error {
	f.Alloc.Uninitialize()
	if !f.Vol.IsReadOnly() {
		t := f.Vol.Begin()
		f.Vol.FlushSuper(t)
		if !t.Commit() {
			return errors.New("could not log the superblock")
		}
	}
	f.Vol.Disk().Barrier()
	return nil
}
