//go:build linux

package workers

import "golang.org/x/sys/unix"

// FreeMemory reports free RAM from sysinfo(2).
func FreeMemory() (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	return uint64(info.Freeram) * uint64(info.Unit), nil
}
