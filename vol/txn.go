package vol

import (
	"fmt"

	"github.com/mit-pdos/go-journal/addr"
	"github.com/mit-pdos/go-journal/txn"

	"github.com/gobfs/gobfs/layout"
)

// Txn is one journaled transaction against a volume. Every block read or
// written through it is locked until Commit or Abort, so all the changes of
// one high-level operation become durable together or not at all.
type Txn struct {
	tx *txn.Txn
	v  *Volume
}

// Begin opens a new transaction.
func (v *Volume) Begin() *Txn {
	return &Txn{tx: txn.Begin(v.log), v: v}
}

func (t *Txn) GetVolume() *Volume {
	return t.v
}

// ReadBlock returns the current contents of a block. The slice is the
// transaction's own buffer: mutating it has no effect unless the block is
// written back with WriteBlock.
func (t *Txn) ReadBlock(blkno uint64) []byte {
	if blkno < layout.LogBlocks || blkno >= t.v.maxBlkno() {
		panic(fmt.Sprintf("ReadBlock(%d): outside the volume", blkno))
	}
	return t.tx.ReadBuf(addr.Addr{Blkno: blkno, Off: 0}, layout.BlockBits)
}

// WriteBlock stages a full block write.
func (t *Txn) WriteBlock(blkno uint64, data []byte) {
	if blkno < layout.LogBlocks || blkno >= t.v.maxBlkno() {
		panic(fmt.Sprintf("WriteBlock(%d): outside the volume", blkno))
	}
	t.tx.OverWrite(addr.Addr{Blkno: blkno, Off: 0}, layout.BlockBits, data)
}

// Commit makes the transaction's writes durable; reports false if the
// journal could not log them.
func (t *Txn) Commit() bool {
	return t.tx.Commit()
}

// Abort drops the transaction and releases its locks.
func (t *Txn) Abort() {
	t.tx.ReleaseAll()
}

// NDirty is the number of blocks this transaction would log.
func (t *Txn) NDirty() uint64 {
	return t.tx.NDirty()
}
