//go:build !linux

package workers

import "errors"

// FreeMemory is not implemented on this platform; the monitor skips the
// memory check when it returns an error.
func FreeMemory() (uint64, error) {
	return 0, errors.ErrUnsupported
}
