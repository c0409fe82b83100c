package balloc

import (
	"github.com/pkg/errors"
)

var (
	// ErrNoSpace is the ordinary "volume full" outcome; nothing is wrong
	// with the filesystem when it is returned.
	ErrNoSpace = errors.New("no space left on volume")

	// ErrBadValue rejects requests that are malformed or, worse, reference
	// reserved or out-of-range blocks.
	ErrBadValue = errors.New("invalid argument")

	// ErrBadData reports a mismatch between the bitmap and the state a
	// consistency check expected.
	ErrBadData = errors.New("block bitmap is inconsistent")

	// ErrNotSupported is returned for trim requests covering less than the
	// whole volume, and for devices without discard support.
	ErrNotSupported = errors.New("operation not supported")
)
