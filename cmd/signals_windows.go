//go:build windows

package cmd

import "os"

// pauseSignal reports that no external pause signal is wired on Windows;
// pause is still reachable through the control surface's TogglePause, just
// not via signal.Notify here.
func pauseSignal() os.Signal { return nil }
