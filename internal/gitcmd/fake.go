package gitcmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/lfslock/internal/errors"
)

// Response scripts the outcome of one fake invocation.
type Response struct {
	Stdout   []string
	Stderr   []string
	ExitCode int
	// Err is returned as-is when set. A non-zero ExitCode without Err
	// produces a *errors.GitError like CLIRunner does.
	Err error
	// Delay blocks the call; if ctx ends first the call times out.
	Delay time.Duration
}

// FakeRunner is a scripted Runner for tests. Responses are keyed by the
// joined argument string ("lfs locks", "lfs lock -- Assets/a.psd").
// Unscripted commands succeed with empty output.
type FakeRunner struct {
	mu        sync.Mutex
	responses map[string][]Response
	funcs     map[string]func(args []string) Response
	calls     []string
}

// NewFakeRunner creates an empty FakeRunner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		responses: make(map[string][]Response),
		funcs:     make(map[string]func([]string) Response),
	}
}

// On sets the response for command, replacing any queued ones.
func (f *FakeRunner) On(command string, resp Response) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[command] = []Response{resp}
	return f
}

// OnSequence queues responses for command. Each call consumes one; the last
// response repeats once the queue is exhausted.
func (f *FakeRunner) OnSequence(command string, resps ...Response) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[command] = append([]Response(nil), resps...)
	return f
}

// OnPrefix routes every command starting with prefix to fn.
func (f *FakeRunner) OnPrefix(prefix string, fn func(args []string) Response) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funcs[prefix] = fn
	return f
}

// Calls returns the commands executed so far, in order.
func (f *FakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount returns how many times command was executed.
func (f *FakeRunner) CallCount(command string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == command {
			n++
		}
	}
	return n
}

// Reset clears recorded calls.
func (f *FakeRunner) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// Run implements Runner.
func (f *FakeRunner) Run(ctx context.Context, args ...string) (*Result, error) {
	command := CommandString(args)
	resp := f.next(command, args)

	res := &Result{
		Args:     args,
		Stdout:   append([]string(nil), resp.Stdout...),
		Stderr:   append([]string(nil), resp.Stderr...),
		ExitCode: resp.ExitCode,
	}

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return res, errors.NewTimeoutError(command, resp.Delay)
			}
			return res, errors.NewGitError("command canceled", errors.ErrCanceled).WithCommand(command)
		}
	}
	res.Duration = resp.Delay

	if resp.Err != nil {
		return res, resp.Err
	}
	if resp.ExitCode != 0 {
		return res, errors.NewGitError("git exited with error", fmt.Errorf("exit status %d", resp.ExitCode)).
			WithCommand(command).
			WithGitOutput(res.ErrorOutput())
	}
	return res, nil
}

// Stream implements Runner by replaying the scripted response through the
// callbacks, stdout first.
func (f *FakeRunner) Stream(ctx context.Context, args []string, onLine LineFunc, onErrorLine ErrorLineFunc) (bool, error) {
	res, err := f.Run(ctx, args...)
	fatal := false
	for _, line := range res.Stdout {
		if onLine != nil {
			onLine(line)
		}
	}
	for _, line := range res.Stderr {
		if onErrorLine != nil && onErrorLine(line) {
			fatal = true
		}
	}
	return fatal || err != nil, err
}

func (f *FakeRunner) next(command string, args []string) Response {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, command)

	if queue, ok := f.responses[command]; ok && len(queue) > 0 {
		resp := queue[0]
		if len(queue) > 1 {
			f.responses[command] = queue[1:]
		}
		return resp
	}

	// Longest prefix wins so "lfs lock" does not shadow "lfs locks".
	prefixes := make([]string, 0, len(f.funcs))
	for p := range f.funcs {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	for _, p := range prefixes {
		if strings.HasPrefix(command, p) {
			return f.funcs[p](args)
		}
	}
	return Response{}
}
