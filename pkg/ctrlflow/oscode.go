package ctrlflow

import (
	"errors"
	"os"
	"syscall"
)

// OSCode classifies err into the stable OS-error-code vocabulary the retry
// kernel and the error surface share, falling back to errors.Is against the
// portable os.ErrNotExist/os.ErrPermission/os.ErrExist sentinels when no
// errno is present in the chain.
func OSCode(err error) string {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ENOSPC:
			return "ENOSPC"
		case syscall.EACCES:
			return "EACCES"
		case syscall.ENOENT:
			return "ENOENT"
		case syscall.EEXIST:
			return "EEXIST"
		case syscall.EBUSY:
			return "EBUSY"
		case syscall.EMFILE:
			return "EMFILE"
		case syscall.ENFILE:
			return "ENFILE"
		case syscall.EIO:
			return "EIO"
		case syscall.EAGAIN:
			return "EAGAIN"
		case syscall.ETIMEDOUT:
			return "ETIMEDOUT"
		case syscall.ENOTCONN:
			return "ENOTCONN"
		case syscall.EROFS:
			return "EROFS"
		}
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "ENOENT"
	case errors.Is(err, os.ErrPermission):
		return "EACCES"
	case errors.Is(err, os.ErrExist):
		return "EEXIST"
	}
	return "UNKNOWN"
}

// HintFor returns a short human-readable hint for a classified OS error
// code, for inclusion in user-visible error messages. Unknown codes return
// an empty string.
func HintFor(code string) string {
	switch code {
	case "ENOSPC":
		return "No space left on destination device."
	case "EACCES":
		return "Permission denied."
	case "ENOENT":
		return "File or directory not found."
	case "EEXIST":
		return "File already exists."
	case "EBUSY":
		return "Resource is busy; another process may hold it open."
	case "EMFILE", "ENFILE":
		return "Too many open files."
	case "EIO":
		return "Low-level I/O failure; check the disk."
	case "EAGAIN":
		return "Resource temporarily unavailable."
	case "ETIMEDOUT":
		return "Operation timed out."
	case "ENOTCONN":
		return "Network volume is not connected."
	case "EROFS":
		return "Destination filesystem is read-only."
	default:
		return ""
	}
}
