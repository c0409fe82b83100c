package device

import (
	"sync"

	"github.com/tchajed/goose/machine/disk"
)

// MemDevice is an in-memory disk that records the discard requests it
// receives, so tests can observe trim behavior.
type MemDevice struct {
	disk.MemDisk

	mu      sync.Mutex
	ranges  []TrimRange
	trimmed uint64
}

func NewMemDevice(numBlocks uint64) *MemDevice {
	return &MemDevice{MemDisk: disk.NewMemDisk(numBlocks)}
}

func (d *MemDevice) Trim(ranges []TrimRange) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n uint64
	for _, r := range ranges {
		if r.Size == 0 {
			continue
		}
		d.ranges = append(d.ranges, r)
		n += r.Size
	}
	d.trimmed += n
	return n, nil
}

// Trimmed is the total number of bytes discarded so far.
func (d *MemDevice) Trimmed() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.trimmed
}

// TrimRanges returns a copy of every range discarded so far.
func (d *MemDevice) TrimRanges() []TrimRange {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]TrimRange, len(d.ranges))
	copy(out, d.ranges)
	return out
}
