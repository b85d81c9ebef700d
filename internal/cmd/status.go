package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show modified files and their lock state",
	Long: `Show the current branch, every file with local changes, and who holds
a lock on each of them. Files you modified while another user holds the
lock are flagged, since your changes cannot be pushed.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var revertCmd = &cobra.Command{
	Use:   "revert <path>...",
	Short: "Discard local changes to files or directories",
	Long: `Discard local changes. Tracked files are restored from the index and
untracked files are deleted. A directory stands for every modified file
below it.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRevert,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(revertCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(cmd, appOptions{}, func(ctx context.Context, a *app, p *printer) error {
		if branch, err := a.engine.CurrentBranch(ctx); err == nil {
			p.line("On branch %s", p.render(p.title, branch))
		}

		modErr := a.engine.UpdateModifiedPaths(ctx)
		if modErr != nil {
			p.warn("modified list may be incomplete: %v", modErr)
		}
		if err := a.engine.RefreshLocks(ctx); err != nil {
			p.warn("could not read locks: %v", err)
		}

		var files []string
		for _, path := range a.engine.ModifiedPaths() {
			if !a.git.IsDir(path) {
				files = append(files, path)
			}
		}

		p.line("")
		if len(files) == 0 {
			p.dim("No local changes.")
		} else {
			p.heading(fmt.Sprintf("Modified (%d)", len(files)))
			for _, path := range files {
				owner, locked := a.engine.Owner(path)
				switch {
				case !locked:
					p.line("  %s", path)
				case a.engine.IsLockedByLocalUser(path):
					p.line("  %s  %s", path, p.render(p.success, "locked by you"))
				default:
					p.line("  %s  %s", path, p.render(p.failure, "locked by "+owner))
				}
			}
		}

		var mine int
		for _, l := range a.engine.Locks() {
			if l.Local {
				mine++
			}
		}
		p.line("")
		p.dim("%d lock(s) held, %d by you", len(a.engine.Locks()), mine)
		return nil
	})
}

func runRevert(cmd *cobra.Command, args []string) error {
	return withApp(cmd, appOptions{}, func(ctx context.Context, a *app, p *printer) error {
		paths, err := repoPaths(a.root, args)
		if err != nil {
			return err
		}
		// Directory arguments expand against the modified set.
		if err := a.engine.UpdateModifiedPaths(ctx); err != nil {
			p.warn("modified list may be incomplete: %v", err)
		}

		res, err := a.engine.Revert(ctx, paths)
		if err != nil {
			p.fail("revert did not complete")
			return err
		}
		for _, path := range res.Restored {
			p.ok("restored %s", path)
		}
		for _, path := range res.Removed {
			p.ok("removed %s", path)
		}
		for _, path := range res.Skipped {
			p.dim("skipped %s (no unstaged changes)", path)
		}
		if len(res.Restored)+len(res.Removed) == 0 {
			p.dim("Nothing to revert.")
		}
		return nil
	})
}
