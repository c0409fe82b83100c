package balloc

import (
	"encoding/binary"
	"fmt"

	"github.com/gobfs/gobfs/layout"
	"github.com/gobfs/gobfs/vol"
)

// allocBlock is a read-only view of one on-disk bitmap block of an
// allocation group. The bitmap is addressed in 32-bit chunks whose byte
// order is a property of the volume, not of the host.
type allocBlock struct {
	data    []byte
	numBits uint32
	order   binary.ByteOrder
}

// allocBlockW is the writable variant, bound to a transaction. Only this
// type can mutate bits, so write access is visible in the types instead of
// being a runtime flag.
type allocBlockW struct {
	allocBlock
	t     *vol.Txn
	blkno uint64
}

// groupBlockBits is how many bits of group g live in bitmap block `block`;
// the group's last block may hold fewer than a full block's worth.
func groupBlockBits(g *allocGroup, block uint32) uint32 {
	bits := uint32(layout.BlockBits)
	if (block+1)*bits > g.numBits {
		bits = g.numBits % bits
	}
	return bits
}

func (ab *allocBlock) setTo(t *vol.Txn, g *allocGroup, block uint32) {
	ab.numBits = groupBlockBits(g, block)
	ab.order = t.GetVolume().ByteOrder()
	ab.data = t.ReadBlock(g.start + uint64(block))
}

func (ab *allocBlock) chunk(i uint32) uint32 {
	return ab.order.Uint32(ab.data[i*4:])
}

// isUsed reports whether the given bit is allocated; bits outside the view
// read as allocated, so range bugs fail towards "no space" rather than
// double allocation.
func (ab *allocBlock) isUsed(bit uint32) bool {
	if bit >= ab.numBits {
		return true
	}
	return ab.chunk(bit>>5)&(1<<(bit%32)) != 0
}

func (ab *allocBlockW) setToWritable(t *vol.Txn, g *allocGroup, block uint32) {
	ab.numBits = groupBlockBits(g, block)
	ab.order = t.GetVolume().ByteOrder()
	ab.t = t
	ab.blkno = g.start + uint64(block)
	ab.data = t.ReadBlock(ab.blkno)
}

func (ab *allocBlockW) setChunk(i uint32, v uint32) {
	ab.order.PutUint32(ab.data[i*4:], v)
}

// allocate sets a run of bits that must currently be clear; finding any of
// them set means the bitmap or its caller is corrupt, which is fatal.
func (ab *allocBlockW) allocate(start, count uint32) {
	if start+count > ab.numBits {
		panic(fmt.Sprintf("allocBlock.allocate: %d+%d exceeds %d bits",
			start, count, ab.numBits))
	}
	chunk := start >> 5
	for count > 0 {
		var mask uint32
		for i := start % 32; i < 32 && count > 0; i++ {
			mask |= 1 << i
			count--
		}
		if ab.chunk(chunk)&mask != 0 {
			panic(fmt.Sprintf(
				"allocBlock.allocate: blocks already allocated (block %d chunk %d mask %#08x)",
				ab.blkno, chunk, mask))
		}
		ab.setChunk(chunk, ab.chunk(chunk)|mask)
		chunk++
		start = 0
	}
}

// forceAllocate sets a run of bits regardless of their current state. Used
// to repair a bitmap whose reserved region lost its marks; the caller must
// rebuild the group summary afterwards.
func (ab *allocBlockW) forceAllocate(start, count uint32) {
	if start+count > ab.numBits {
		panic(fmt.Sprintf("allocBlock.forceAllocate: %d+%d exceeds %d bits",
			start, count, ab.numBits))
	}
	chunk := start >> 5
	for count > 0 {
		var mask uint32
		for i := start % 32; i < 32 && count > 0; i++ {
			mask |= 1 << i
			count--
		}
		ab.setChunk(chunk, ab.chunk(chunk)|mask)
		chunk++
		start = 0
	}
}

// free clears a run of bits. Whether they were set is deliberately not
// checked here; Free validation happens at the allocator level.
func (ab *allocBlockW) free(start, count uint32) {
	if start+count > ab.numBits {
		panic(fmt.Sprintf("allocBlock.free: %d+%d exceeds %d bits",
			start, count, ab.numBits))
	}
	chunk := start >> 5
	for count > 0 {
		var mask uint32
		for i := start % 32; i < 32 && count > 0; i++ {
			mask |= 1 << i
			count--
		}
		ab.setChunk(chunk, ab.chunk(chunk)&^mask)
		chunk++
		start = 0
	}
}

// flush stages the mutated block into the transaction; until then the
// changes only exist in the transaction's private buffer.
func (ab *allocBlockW) flush() {
	ab.t.WriteBlock(ab.blkno, ab.data)
}
