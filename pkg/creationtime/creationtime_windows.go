//go:build windows

package creationtime

import (
	"time"

	"golang.org/x/sys/windows"
)

// setCreationTime sets the NTFS creation time via SetFileTime, the one
// platform where the underlying filesystem actually stores this field
// separately from modification time.
func setCreationTime(path string, created time.Time) error {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return err
	}

	handle, err := windows.CreateFile(
		pathPtr,
		windows.FILE_WRITE_ATTRIBUTES,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS,
		0,
	)
	if err != nil {
		return err
	}
	defer windows.CloseHandle(handle)

	ft := windows.NsecToFiletime(created.UnixNano())
	return windows.SetFileTime(handle, &ft, nil, nil)
}
