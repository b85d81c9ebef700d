// Package logging provides structured logging for the lfslock engine.
//
// This package wraps Go's log/slog to write JSON-formatted entries that can be
// filtered after the fact. Each engine component gets a child logger tagged
// with its name, so a single log file interleaves the poller, the reconciler
// and the lock enforcer without losing attribution.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger("/path/to/state", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	poller := logger.WithComponent("poller")
//	poller.Warn("command timed out", "cmd", "ls-files", "timeout_ms", 500)
//
// Output:
//
//	{"time":"...","level":"WARN","msg":"command timed out","component":"poller","cmd":"ls-files","timeout_ms":500}
//
// # Testing
//
// Use [NopLogger] to discard output, or [NewWriterLogger] with a buffer to
// assert on emitted entries.
package logging
