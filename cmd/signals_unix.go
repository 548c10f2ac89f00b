//go:build !windows

package cmd

import (
	"os"
	"syscall"
)

// pauseSignal is the OS signal that toggles pause on platforms that support
// it: SIGUSR1 on Unix. The Windows counterpart lives in signals_windows.go,
// selected by build tag.
func pauseSignal() os.Signal { return syscall.SIGUSR1 }
