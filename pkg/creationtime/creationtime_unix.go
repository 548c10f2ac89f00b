//go:build !windows

package creationtime

import (
	"time"

	"golang.org/x/sys/unix"
)

// setCreationTime has no portable meaning on POSIX filesystems (most don't
// expose a settable birth time through a syscall at all); as a best-effort
// stand-in we set atime/mtime to the source's timestamp via UtimesNanoAt.
func setCreationTime(path string, created time.Time) error {
	ts := unix.NsecToTimespec(created.UnixNano())
	times := []unix.Timespec{ts, ts}
	return unix.UtimesNanoAt(unix.AT_FDCWD, path, times, 0)
}
