// Package device provides the block devices a volume can live on: an
// in-memory disk for tests and a file-backed disk. Both satisfy the
// journal's disk.Disk interface; devices that can reclaim unused space
// additionally implement Trimmer.
package device

import (
	"github.com/pkg/errors"
)

// TrimRange is one byte range of a discard request.
type TrimRange struct {
	Offset uint64
	Size   uint64
}

// Trimmer accepts batched discard hints and reports how many bytes the
// device actually reclaimed.
type Trimmer interface {
	Trim(ranges []TrimRange) (uint64, error)
}

var ErrTrimUnsupported = errors.New("device does not support trim")
