package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/lfslock/internal/errors"
	"github.com/Iron-Ham/lfslock/internal/lfs"
)

var lockCmd = &cobra.Command{
	Use:   "lock <path>...",
	Short: "Lock files on the LFS server",
	Long: `Lock one or more files on the LFS server as the configured user.

Paths are relative to the current directory. If git-lfs does not confirm
the lock, the lock list is refreshed from the server so that it shows
what the server actually holds.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLock,
}

var unlockCmd = &cobra.Command{
	Use:   "unlock <path>...",
	Short: "Release locks held by you",
	Long: `Release one or more locks held by the configured user.

git-lfs refuses to unlock a file with uncommitted changes. Commit or
revert the file first.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runUnlock,
}

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "List the locks held on the LFS server",
	Args:  cobra.NoArgs,
	RunE:  runLocks,
}

var (
	locksJSON bool
	locksMine bool
)

func init() {
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(locksCmd)

	locksCmd.Flags().BoolVar(&locksJSON, "json", false, "print locks as JSON")
	locksCmd.Flags().BoolVar(&locksMine, "mine", false, "only show locks held by you")
}

// withApp builds an app, runs fn and always closes the app.
func withApp(cmd *cobra.Command, opts appOptions, fn func(ctx context.Context, a *app, p *printer) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a, newPrinter(cmd.OutOrStdout()))
	if err := a.close(context.WithoutCancel(ctx)); err != nil {
		a.logger.Warn("shutdown failed", "error", err.Error())
	}
	return runErr
}

func runLock(cmd *cobra.Command, args []string) error {
	return withApp(cmd, appOptions{}, func(ctx context.Context, a *app, p *printer) error {
		paths, err := repoPaths(a.root, args)
		if err != nil {
			return err
		}

		if err := a.engine.RefreshLockableTypes(ctx); err == nil {
			var gerr *errors.GitError
			if err := a.engine.CheckLockable(paths); errors.As(err, &gerr) {
				for _, path := range gerr.Paths {
					p.warn("%s does not match any lockable pattern", path)
				}
			}
		}

		if err := a.engine.Lock(ctx, paths); err != nil {
			p.fail("could not lock %d path(s)", len(paths))
			p.gitDetail(err)
			return err
		}
		for _, path := range paths {
			p.ok("locked %s", path)
		}
		return nil
	})
}

func runUnlock(cmd *cobra.Command, args []string) error {
	return withApp(cmd, appOptions{}, func(ctx context.Context, a *app, p *printer) error {
		paths, err := repoPaths(a.root, args)
		if err != nil {
			return err
		}

		err = a.engine.Unlock(ctx, paths)
		switch {
		case errors.Is(err, errors.ErrUncommittedChanges):
			p.fail("cannot unlock: commit or revert your changes first")
			p.gitDetail(err)
			return err
		case err != nil:
			p.fail("could not unlock %d path(s)", len(paths))
			p.gitDetail(err)
			return err
		}
		for _, path := range paths {
			p.ok("unlocked %s", path)
		}
		return nil
	})
}

// lockJSON is the --json representation of one lock.
type lockJSON struct {
	Path  string `json:"path"`
	Owner string `json:"owner"`
	Mine  bool   `json:"mine"`
}

func runLocks(cmd *cobra.Command, args []string) error {
	return withApp(cmd, appOptions{}, func(ctx context.Context, a *app, p *printer) error {
		if err := a.engine.RefreshLocks(ctx); err != nil {
			return fmt.Errorf("failed to list locks: %w", err)
		}

		locks := filterLocks(a.engine.Locks(), locksMine)
		if locksJSON {
			out := make([]lockJSON, 0, len(locks))
			for _, l := range locks {
				out = append(out, lockJSON{Path: l.Path, Owner: l.Owner, Mine: l.Local})
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		if len(locks) == 0 {
			p.dim("No locks.")
			return nil
		}
		p.heading(fmt.Sprintf("Locks (%d)", len(locks)))
		for _, l := range locks {
			p.line("  %s", p.lockLine(l))
		}
		return nil
	})
}

func filterLocks(locks []lfs.LockInfo, mineOnly bool) []lfs.LockInfo {
	if !mineOnly {
		return locks
	}
	var out []lfs.LockInfo
	for _, l := range locks {
		if l.Local {
			out = append(out, l)
		}
	}
	return out
}
