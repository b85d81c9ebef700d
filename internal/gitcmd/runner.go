// Package gitcmd runs git subcommands and returns their output line by line.
//
// A [Runner] executes one invocation and returns a structured [Result]
// holding stdout lines, stderr lines and the exit status. Cancellation and
// per-call deadlines are carried by the context: when it expires the process
// is killed and the call fails with a retryable timeout error.
//
// [CLIRunner] is the production implementation. [FakeRunner] is a scripted
// implementation for tests that never spawns a process.
package gitcmd

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/lfslock/internal/errors"
)

// Result is the outcome of one git invocation.
type Result struct {
	Args     []string
	Stdout   []string
	Stderr   []string
	ExitCode int
	Duration time.Duration
}

// Command returns the subcommand string, e.g. "lfs locks".
func (r *Result) Command() string {
	return CommandString(r.Args)
}

// Output returns stdout joined with newlines.
func (r *Result) Output() string {
	return strings.Join(r.Stdout, "\n")
}

// ErrorOutput returns stderr joined with newlines.
func (r *Result) ErrorOutput() string {
	return strings.Join(r.Stderr, "\n")
}

// Runner abstracts git execution so the engine can be driven without a
// real repository.
type Runner interface {
	// Run executes git with args and waits for it to exit or for ctx to end.
	// A non-zero exit status is reported as a *errors.GitError alongside the
	// populated Result.
	Run(ctx context.Context, args ...string) (*Result, error)
	// Stream executes git with args, handing output to the callbacks line
	// by line. hadError is true if any stderr line was reported fatal or
	// the process failed.
	Stream(ctx context.Context, args []string, onLine LineFunc, onErrorLine ErrorLineFunc) (hadError bool, err error)
}

// LineFunc receives one stdout line.
type LineFunc func(line string)

// ErrorLineFunc receives one stderr line and reports whether it is fatal.
type ErrorLineFunc func(line string) (fatal bool)

// CommandString joins args into the subcommand form used for logging,
// metrics labels and fake scripting.
func CommandString(args []string) string {
	return strings.Join(args, " ")
}

// CLIRunner executes the git binary with os/exec.
type CLIRunner struct {
	dir    string
	binary string
}

// NewCLIRunner creates a runner executing git inside dir.
func NewCLIRunner(dir string) *CLIRunner {
	return &CLIRunner{dir: dir, binary: "git"}
}

// WithBinary overrides the git executable path.
func (r *CLIRunner) WithBinary(binary string) *CLIRunner {
	r.binary = binary
	return r
}

// Dir returns the working directory commands run in.
func (r *CLIRunner) Dir() string {
	return r.dir
}

// Run implements Runner.
func (r *CLIRunner) Run(ctx context.Context, args ...string) (*Result, error) {
	res := &Result{Args: args}
	_, err := r.stream(ctx, res, args,
		func(line string) { res.Stdout = append(res.Stdout, line) },
		func(line string) bool {
			res.Stderr = append(res.Stderr, line)
			return false
		},
	)
	return res, err
}

// Stream implements Runner. Lines are delivered as git writes them and the
// callbacks are never invoked concurrently.
func (r *CLIRunner) Stream(ctx context.Context, args []string, onLine LineFunc, onErrorLine ErrorLineFunc) (hadError bool, err error) {
	res := &Result{Args: args}
	return r.stream(ctx, res, args, onLine, onErrorLine)
}

func (r *CLIRunner) stream(ctx context.Context, res *Result, args []string, onLine LineFunc, onErrorLine ErrorLineFunc) (bool, error) {
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	var (
		cbMu  sync.Mutex
		fatal bool
	)
	stdout := newLineWriter(func(line string) {
		cbMu.Lock()
		defer cbMu.Unlock()
		if onLine != nil {
			onLine(line)
		}
	})
	stderr := newLineWriter(func(line string) {
		cbMu.Lock()
		defer cbMu.Unlock()
		if onErrorLine != nil && onErrorLine(line) {
			fatal = true
		}
	})

	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = r.dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// git-lfs forks helpers that may keep the pipes open after git is killed.
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		return true, errors.NewGitError("failed to start git", err).
			WithCommand(CommandString(args)).
			WithRepository(r.dir)
	}

	waitErr := cmd.Wait()
	stdout.Flush()
	stderr.Flush()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return true, errors.NewTimeoutError(CommandString(args), time.Since(start).Round(time.Millisecond))
		}
		return true, errors.NewGitError("command canceled", errors.ErrCanceled).WithCommand(CommandString(args))
	}
	if waitErr != nil {
		return true, errors.NewGitError("git exited with error", waitErr).
			WithCommand(CommandString(args)).
			WithRepository(r.dir).
			WithGitOutput(res.ErrorOutput())
	}
	return fatal, nil
}

const waitDelay = time.Second

// lineWriter is an io.Writer that splits its input into lines, trimming the
// trailing carriage return git for Windows emits.
type lineWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
	fn  func(string)
}

func newLineWriter(fn func(string)) *lineWriter {
	return &lineWriter{fn: fn}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(w.buf.Next(i + 1))
		w.fn(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush emits a final unterminated line, if any.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() > 0 {
		w.fn(strings.TrimRight(w.buf.String(), "\r\n"))
		w.buf.Reset()
	}
}
