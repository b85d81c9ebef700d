//go:build windows

package cmd

import "os"

// busySignals is a no-op: Windows has no user signals.
func busySignals() (<-chan os.Signal, func()) {
	return nil, func() {}
}

func busyFromSignal(os.Signal) bool {
	return false
}
