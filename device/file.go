package device

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/tchajed/goose/machine/disk"
)

// FileDevice is a file-backed disk. Unlike the journal's own FileDisk it
// keeps the descriptor accessible, which the trim path needs for punching
// holes.
//
// disk.Disk has no error returns, so hard I/O failures panic; that mirrors
// how the rest of the stack treats a dying device.
type FileDevice struct {
	f         *os.File
	numBlocks uint64
}

// OpenFileDevice opens (creating if needed) a disk image of numBlocks
// blocks. Passing numBlocks == 0 sizes the device from the existing file.
func OpenFileDevice(path string, numBlocks uint64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open disk image")
	}
	if numBlocks == 0 {
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, errors.Wrap(err, "stat disk image")
		}
		numBlocks = uint64(st.Size()) / disk.BlockSize
		if numBlocks == 0 {
			f.Close()
			return nil, errors.Errorf("disk image %s is empty", path)
		}
	} else if err := f.Truncate(int64(numBlocks * disk.BlockSize)); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "size disk image")
	}
	return &FileDevice{f: f, numBlocks: numBlocks}, nil
}

func (d *FileDevice) Read(bn uint64) disk.Block {
	b := make([]byte, disk.BlockSize)
	d.ReadTo(bn, b)
	return b
}

func (d *FileDevice) ReadTo(bn uint64, b disk.Block) {
	if bn >= d.numBlocks {
		panic(fmt.Sprintf("FileDevice.Read(%d): out of bounds (size %d)", bn, d.numBlocks))
	}
	if _, err := d.f.ReadAt(b, int64(bn*disk.BlockSize)); err != nil {
		panic(fmt.Sprintf("FileDevice.Read(%d): %v", bn, err))
	}
}

func (d *FileDevice) Write(bn uint64, b disk.Block) {
	if bn >= d.numBlocks {
		panic(fmt.Sprintf("FileDevice.Write(%d): out of bounds (size %d)", bn, d.numBlocks))
	}
	if uint64(len(b)) != disk.BlockSize {
		panic(fmt.Sprintf("FileDevice.Write(%d): bad block length %d", bn, len(b)))
	}
	if _, err := d.f.WriteAt(b, int64(bn*disk.BlockSize)); err != nil {
		panic(fmt.Sprintf("FileDevice.Write(%d): %v", bn, err))
	}
}

func (d *FileDevice) Size() uint64 {
	return d.numBlocks
}

func (d *FileDevice) Barrier() {
	if err := d.f.Sync(); err != nil {
		panic(fmt.Sprintf("FileDevice.Barrier: %v", err))
	}
}

func (d *FileDevice) Close() {
	if err := d.f.Close(); err != nil {
		panic(fmt.Sprintf("FileDevice.Close: %v", err))
	}
}
