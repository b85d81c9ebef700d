//go:build !windows

package cmd

import (
	"os"
	"os/signal"
	"syscall"
)

// busySignals delivers SIGUSR1 (enter busy) and SIGUSR2 (leave busy) so
// build scripts can pause polling around long running jobs.
func busySignals() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2)
	return ch, func() { signal.Stop(ch) }
}

func busyFromSignal(sig os.Signal) bool {
	return sig == syscall.SIGUSR1
}
