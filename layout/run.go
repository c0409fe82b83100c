package layout

import "fmt"

// Run names a contiguous span of blocks as (allocation group, start bit
// within the group, length in bits). It is the unit handed out by the block
// allocator and stored in inode data streams.
type Run struct {
	Group int32
	Start uint16
	Len   uint16
}

func (r Run) IsZero() bool {
	return r.Group == 0 && r.Start == 0 && r.Len == 0
}

func (r Run) String() string {
	return fmt.Sprintf("(%d.%d.%d)", r.Group, r.Start, r.Len)
}
