//go:build !windows

package monitor

import "golang.org/x/sys/unix"

// freeBytes reports the space available to unprivileged writers on the
// volume hosting path.
func freeBytes(path string) (uint64, error) {
	var fs unix.Statfs_t
	if err := unix.Statfs(path, &fs); err != nil {
		return 0, err
	}
	return fs.Bavail * uint64(fs.Bsize), nil
}
