package balloc

import (
	"fmt"

	"github.com/gobfs/gobfs/vol"
)

// allocGroup caches what the allocator knows about one allocation group:
// how many bits are free, where the first of them might be, and the
// largest free run found so far.
//
// firstFree is a hint, not a promise: allocations move it forward but
// nothing guarantees the bit it names is still free. largestStart and
// largestLength are only meaningful while largestValid is set, and they
// are invalidated conservatively whenever an operation could have changed
// which run is the largest.
type allocGroup struct {
	start           uint64 // first on-disk block of this group's bitmap
	numBits         uint32
	numBitmapBlocks uint32

	firstFree int64
	freeBits  int64

	largestStart  int64
	largestLength int64
	largestValid  bool
}

func (g *allocGroup) isFull() bool {
	return g.freeBits == 0
}

// addFreeRange feeds one free run found during the bitmap scan into the
// group's summary.
func (g *allocGroup) addFreeRange(start, blocks int64) {
	if g.firstFree == -1 {
		g.firstFree = start
	}
	if !g.largestValid || g.largestLength < blocks {
		g.largestStart = start
		g.largestLength = blocks
		g.largestValid = true
	}
	g.freeBits += blocks
}

// allocate marks [start, start+length) of this group as used and updates
// the cached summary. The caller has already decided the run is free;
// finding otherwise panics in allocBlockW.allocate.
func (g *allocGroup) allocate(t *vol.Txn, start uint32, length int64) {
	if int64(start)+length > int64(g.numBits) {
		panic(fmt.Sprintf("allocGroup.allocate: run %d+%d exceeds %d bits",
			start, length, g.numBits))
	}

	// The hint may now point at a used bit, which is fine.
	if int64(start) == g.firstFree {
		g.firstFree = int64(start) + length
	}
	g.freeBits -= length

	if g.largestValid {
		cut := false
		if g.largestStart == int64(start) {
			// cut from the start
			g.largestStart += length
			g.largestLength -= length
			cut = true
		} else if int64(start) > g.largestStart &&
			int64(start) < g.largestStart+g.largestLength {
			// cut from the end
			g.largestLength = int64(start) - g.largestStart
			cut = true
		}
		if cut && (g.largestLength < g.largestStart ||
			g.largestLength < int64(g.numBits)-(g.largestStart+g.largestLength)) {
			// a larger run could hide in the parts we are not tracking
			g.largestValid = false
		}
	}

	block := start / uint32(bitsPerBitmapBlock)
	start %= uint32(bitsPerBitmapBlock)

	var cached allocBlockW
	for length > 0 {
		cached.setToWritable(t, g, block)

		n := length
		if int64(start)+n > int64(cached.numBits) {
			n = int64(cached.numBits) - int64(start)
		}
		cached.allocate(start, uint32(n))
		cached.flush()

		length -= n
		start = 0
		block++
	}
}

// free marks [start, start+length) of this group as unused and updates the
// cached summary. Validation against double frees happens in the
// allocator before this is called.
func (g *allocGroup) free(t *vol.Txn, start uint32, length int64) {
	if int64(start)+length > int64(g.numBits) {
		panic(fmt.Sprintf("allocGroup.free: run %d+%d exceeds %d bits",
			start, length, g.numBits))
	}

	if g.firstFree > int64(start) {
		g.firstFree = int64(start)
	}
	g.freeBits += length

	// The freed run may have merged with its neighbors into something
	// larger than the cached largest run, or larger than an untracked part
	// of the group. When in doubt, drop the cache.
	if g.largestValid &&
		(int64(start)+length == g.largestStart ||
			g.largestStart+g.largestLength == int64(start) ||
			(int64(start) < g.largestStart && g.largestStart > g.largestLength) ||
			(int64(start) > g.largestStart &&
				int64(g.numBits)-(g.largestStart+g.largestLength) > g.largestLength)) {
		g.largestValid = false
	}

	block := start / uint32(bitsPerBitmapBlock)
	start %= uint32(bitsPerBitmapBlock)

	var cached allocBlockW
	for length > 0 {
		cached.setToWritable(t, g, block)

		n := length
		if int64(start)+n > int64(cached.numBits) {
			n = int64(cached.numBits) - int64(start)
		}
		cached.free(start, uint32(n))
		cached.flush()

		length -= n
		start = 0
		block++
	}
}
