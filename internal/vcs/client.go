// Package vcs wraps the git and git-lfs subcommands the lock engine depends on.
//
// Each method issues exactly one subcommand through a [gitcmd.Runner] with its
// own deadline, parses the output, and reports malformed lines individually
// instead of failing the whole call. Paths are returned repo-relative with
// forward slashes.
package vcs

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/lfslock/internal/errors"
	"github.com/Iron-Ham/lfslock/internal/gitcmd"
	"github.com/Iron-Ham/lfslock/internal/logging"
)

// Timeouts bounds each class of git invocation.
type Timeouts struct {
	Status    time.Duration // rev-parse, lfs locks, diff, ls-tree, branch
	Untracked time.Duration // ls-files --others
	Track     time.Duration // lfs track, version
	Checkout  time.Duration // checkout --
	Lock      time.Duration // lfs lock / lfs unlock
}

// DefaultTimeouts returns the per-command deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Status:    5 * time.Second,
		Untracked: 500 * time.Millisecond,
		Track:     2 * time.Second,
		Checkout:  2 * time.Second,
		Lock:      30 * time.Second,
	}
}

// Observer is notified after every git invocation. It is used to feed
// command metrics.
type Observer interface {
	ObserveCommand(command string, d time.Duration, err error)
}

// Client runs git subcommands for one working tree.
type Client struct {
	runner   gitcmd.Runner
	fs       afero.Fs
	timeouts Timeouts
	logger   *logging.Logger
	observer Observer
}

// Option configures a Client.
type Option func(*Client)

// WithTimeouts overrides the default per-command deadlines.
func WithTimeouts(t Timeouts) Option {
	return func(c *Client) { c.timeouts = t }
}

// WithLogger sets the logger used for skipped lines and benign failures.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l.WithComponent("vcs") }
}

// WithObserver registers a command observer.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// NewClient creates a Client. fs is the working tree, rooted at the
// repository top level; it is used to drop reported paths that no longer
// exist on disk.
func NewClient(runner gitcmd.Runner, fs afero.Fs, opts ...Option) *Client {
	c := &Client{
		runner:   runner,
		fs:       fs,
		timeouts: DefaultTimeouts(),
		logger:   logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Timeouts returns the deadlines in effect.
func (c *Client) Timeouts() Timeouts {
	return c.timeouts
}

func (c *Client) run(ctx context.Context, timeout time.Duration, args ...string) (*gitcmd.Result, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := c.runner.Run(cctx, args...)
	if c.observer != nil {
		c.observer.ObserveCommand(gitcmd.CommandString(args), time.Since(start), err)
	}
	if errors.Is(err, errors.ErrTimeout) {
		// Report the configured deadline rather than the elapsed time.
		err = errors.NewTimeoutError(gitcmd.CommandString(args), timeout)
	}
	if res == nil {
		res = &gitcmd.Result{Args: args}
	}
	return res, err
}

// fileExists reports whether path names a regular file in the working tree.
func (c *Client) fileExists(path string) bool {
	info, err := c.fs.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

// Toplevel returns the absolute path of the working tree root.
func (c *Client) Toplevel(ctx context.Context) (string, error) {
	res, err := c.run(ctx, c.timeouts.Status, "rev-parse", "--show-toplevel")
	for _, line := range res.Stderr {
		if strings.Contains(line, "fatal") {
			return "", errors.NewGitError("no git repository", errors.ErrNotGitRepository).
				WithCommand(res.Command()).
				WithGitOutput(res.ErrorOutput())
		}
	}
	if err != nil {
		return "", err
	}
	if len(res.Stdout) == 0 || strings.TrimSpace(res.Stdout[0]) == "" {
		return "", errors.NewGitError("empty toplevel", errors.ErrNotGitRepository).WithCommand(res.Command())
	}
	return strings.TrimSpace(res.Stdout[0]), nil
}

// Locks lists the server's LFS locks, parsing lines as git-lfs streams them.
// Malformed lines are logged and skipped. Any stderr output fails the call.
// Duplicate paths keep the last entry.
func (c *Client) Locks(ctx context.Context) ([]Lock, error) {
	args := []string{"lfs", "locks"}
	cctx, cancel := context.WithTimeout(ctx, c.timeouts.Status)
	defer cancel()

	var (
		stderr []string
		locks  []Lock
	)
	index := make(map[string]int)
	onLine := func(line string) {
		if strings.TrimSpace(line) == "" {
			return
		}
		l, perr := ParseLockLine(line)
		if perr != nil {
			c.logger.Warn("skipping lock line", "error", perr.Error())
			return
		}
		if i, dup := index[l.Path]; dup {
			locks[i] = l
			return
		}
		index[l.Path] = len(locks)
		locks = append(locks, l)
	}
	onErrorLine := func(line string) bool {
		stderr = append(stderr, line)
		return true
	}

	start := time.Now()
	hadError, err := c.runner.Stream(cctx, args, onLine, onErrorLine)
	command := gitcmd.CommandString(args)
	if c.observer != nil {
		c.observer.ObserveCommand(command, time.Since(start), err)
	}
	switch {
	case errors.Is(err, errors.ErrTimeout):
		return nil, errors.NewTimeoutError(command, c.timeouts.Status)
	case err != nil:
		return nil, err
	case hadError:
		return nil, errors.NewGitError("lfs locks reported errors", errors.ErrCommandFailed).
			WithCommand(command).
			WithGitOutput(strings.Join(stderr, "\n")).
			WithRetryable(true)
	}
	if locks == nil {
		locks = []Lock{}
	}
	return locks, nil
}

// Lock runs `lfs lock -- <paths>` and returns the raw result for the caller
// to interpret.
func (c *Client) Lock(ctx context.Context, paths []string) (*gitcmd.Result, error) {
	args := append([]string{"lfs", "lock", "--"}, paths...)
	return c.run(ctx, c.timeouts.Lock, args...)
}

// Unlock runs `lfs unlock -- <paths>` and returns the raw result.
func (c *Client) Unlock(ctx context.Context, paths []string) (*gitcmd.Result, error) {
	args := append([]string{"lfs", "unlock", "--"}, paths...)
	return c.run(ctx, c.timeouts.Lock, args...)
}

// TrackPatterns returns the patterns from `lfs track`, lower-cased.
func (c *Client) TrackPatterns(ctx context.Context) ([]string, error) {
	res, err := c.run(ctx, c.timeouts.Track, "lfs", "track")
	if err != nil {
		return nil, err
	}
	var patterns []string
	for _, line := range res.Stdout {
		if p, ok := ParseTrackLine(line); ok {
			patterns = append(patterns, p)
		}
	}
	return patterns, nil
}

// benignStderr reports whether a stderr line is a warning git prints on
// otherwise successful status commands.
func benignStderr(line string) bool {
	return strings.Contains(line, "warning") || strings.Contains(line, "line endings")
}

// collectFiles normalizes stdout paths and keeps only existing files. A
// non-benign stderr line marks the call failed but the collected paths are
// still returned.
func (c *Client) collectFiles(res *gitcmd.Result, err error) ([]string, error) {
	var files []string
	for _, line := range res.Stdout {
		p := NormalizePath(line)
		if p != "" && c.fileExists(p) {
			files = append(files, p)
		}
	}
	if err != nil {
		return files, err
	}
	for _, line := range res.Stderr {
		if !benignStderr(line) {
			return files, errors.NewGitError("git reported errors", errors.ErrCommandFailed).
				WithCommand(res.Command()).
				WithGitOutput(res.ErrorOutput()).
				WithRetryable(true)
		}
	}
	return files, nil
}

// ChangedFiles returns tracked files with unstaged changes (`diff --name-only`).
func (c *Client) ChangedFiles(ctx context.Context) ([]string, error) {
	res, err := c.run(ctx, c.timeouts.Status, "diff", "--name-only")
	return c.collectFiles(res, err)
}

// UntrackedFiles returns files not ignored and not tracked.
func (c *Client) UntrackedFiles(ctx context.Context) ([]string, error) {
	res, err := c.run(ctx, c.timeouts.Untracked, "ls-files", "--others", "--exclude-standard")
	return c.collectFiles(res, err)
}

// TrackedFiles returns every file tracked on branch.
func (c *Client) TrackedFiles(ctx context.Context, branch string) ([]string, error) {
	if branch == "" {
		return nil, errors.NewGitError("no current branch", errors.ErrInvalidInput)
	}
	res, err := c.run(ctx, c.timeouts.Status, "ls-tree", "-r", branch, "--name-only")
	return c.collectFiles(res, err)
}

// CurrentBranch returns the checked-out branch name, or "" when detached
// without a marker line.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	res, err := c.run(ctx, c.timeouts.Status, "branch")
	if err != nil {
		return "", err
	}
	for _, line := range res.Stdout {
		if name, ok := ParseBranchLine(line); ok {
			return name, nil
		}
	}
	return "", nil
}

// Checkout restores paths from the index (`checkout -- <paths>`).
func (c *Client) Checkout(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"checkout", "--"}, paths...)
	res, err := c.run(ctx, c.timeouts.Checkout, args...)
	if err != nil {
		return err
	}
	for _, line := range res.Stderr {
		// git >= 2.22 reports "Updated N paths from the index" on stderr.
		if benignStderr(line) || strings.HasPrefix(line, "Updated ") {
			continue
		}
		return errors.NewGitError("checkout reported errors", errors.ErrCommandFailed).
			WithCommand(res.Command()).
			WithPaths(paths).
			WithGitOutput(res.ErrorOutput())
	}
	return nil
}

// Version runs `git version`.
func (c *Client) Version(ctx context.Context) (Version, error) {
	res, err := c.run(ctx, c.timeouts.Track, "version")
	if err != nil {
		return Version{}, err
	}
	if len(res.Stdout) == 0 {
		return Version{}, errors.NewParseError("", "empty version output")
	}
	return ParseVersion(res.Stdout[0])
}

// RemoveFile deletes an untracked file from the working tree.
func (c *Client) RemoveFile(path string) error {
	if err := c.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// FileExists reports whether path is a regular file in the working tree.
func (c *Client) FileExists(path string) bool {
	return c.fileExists(path)
}

// IsDir reports whether path is a directory in the working tree.
func (c *Client) IsDir(path string) bool {
	ok, err := afero.IsDir(c.fs, path)
	return err == nil && ok
}

// GitDir returns the absolute path of the repository's git directory.
func (c *Client) GitDir(ctx context.Context) (string, error) {
	res, err := c.run(ctx, c.timeouts.Status, "rev-parse", "--absolute-git-dir")
	if err != nil {
		return "", err
	}
	if len(res.Stdout) == 0 || strings.TrimSpace(res.Stdout[0]) == "" {
		return "", errors.NewGitError("empty git dir", errors.ErrNotGitRepository).WithCommand(res.Command())
	}
	return strings.TrimSpace(res.Stdout[0]), nil
}
