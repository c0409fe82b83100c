//go:build !linux
// +build !linux

package device

func (d *FileDevice) Trim(ranges []TrimRange) (uint64, error) {
	return 0, ErrTrimUnsupported
}
