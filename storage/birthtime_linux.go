//go:build linux

package storage

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// fileCreationTime returns the birth time of a file when the filesystem records it,
// falling back to the modification time.
func fileCreationTime(path string, info os.FileInfo) time.Time {
	var stx unix.Statx_t
	err := unix.Statx(unix.AT_FDCWD, path, 0, unix.STATX_BTIME, &stx)
	if err != nil || stx.Mask&unix.STATX_BTIME == 0 {
		return info.ModTime()
	}
	return time.Unix(stx.Btime.Sec, int64(stx.Btime.Nsec))
}
