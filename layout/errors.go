package layout

import (
	"github.com/pkg/errors"
)

var (
	ErrBadSuperBlock = errors.New("not a valid gobfs superblock")
	ErrBadGeometry   = errors.New("superblock geometry is inconsistent")
	ErrTooSmall      = errors.New("volume is too small")
)
