package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/lfslock/internal/errors"
	"github.com/Iron-Ham/lfslock/internal/store"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Re-read lockable patterns and the lock list from the server",
	Args:  cobra.NoArgs,
	RunE:  runRefresh,
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that git, git-lfs and lfslock are set up correctly",
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

func init() {
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(doctorCmd)
}

func runRefresh(cmd *cobra.Command, args []string) error {
	return withApp(cmd, appOptions{}, func(ctx context.Context, a *app, p *printer) error {
		if err := a.engine.RefreshAll(ctx); err != nil {
			return err
		}
		snap := a.engine.Snapshot()
		p.ok("%d lockable pattern(s), %d lock(s)", len(snap.LockablePatterns), len(snap.Locks))
		return nil
	})
}

// doctorKey is written and removed to check the lock cache backend. The
// file backend only accepts JSON values.
const (
	doctorKey   = "doctor"
	doctorValue = `"ok"`
)

func runDoctor(cmd *cobra.Command, args []string) error {
	return withApp(cmd, appOptions{}, func(ctx context.Context, a *app, p *printer) error {
		failed := 0

		p.heading("lfslock doctor")
		p.dim("repository: %s", a.root)
		if used := viper.ConfigFileUsed(); used != "" {
			p.dim("config file: %s", used)
		} else {
			p.dim("config file: (none - using defaults)")
		}
		p.line("")

		v, err := a.engine.CheckVersion(ctx)
		switch {
		case errors.Is(err, errors.ErrGitUnsupported):
			p.fail("git %s is too old for lfs locking", v.Raw)
			failed++
		case err != nil:
			p.fail("git version: %v", err)
			failed++
		default:
			p.ok("git %s", v.Raw)
		}

		if strings.TrimSpace(a.cfg.User.Name) == "" {
			p.fail("user.name is not set; locks cannot be attributed to you")
			failed++
		} else {
			p.ok("user %s", a.cfg.User.Name)
		}

		if err := a.engine.RefreshLockableTypes(ctx); err != nil {
			p.fail("git lfs track: %v", err)
			failed++
		} else if patterns := a.engine.LockablePatterns(); len(patterns) == 0 {
			p.warn("no lockable patterns; mark types with 'git lfs track --lockable'")
		} else {
			p.ok("%d lockable pattern(s): %s", len(patterns), strings.Join(patterns, " "))
		}

		if err := a.engine.RefreshLocks(ctx); err != nil {
			p.fail("lock server: %v", err)
			failed++
		} else {
			p.ok("lock server reachable, %d lock(s)", len(a.engine.Locks()))
		}

		if err := checkStore(ctx, a.store); err != nil {
			p.fail("%s store: %v", a.cfg.Store.Backend, err)
			failed++
		} else if a.storeDir != "" {
			p.ok("file store at %s", a.storeDir)
		} else {
			p.ok("%s store", a.cfg.Store.Backend)
		}

		if failed > 0 {
			return fmt.Errorf("%d check(s) failed", failed)
		}
		return nil
	})
}

func checkStore(ctx context.Context, s store.Store) error {
	if err := s.Set(ctx, doctorKey, []byte(doctorValue)); err != nil {
		return err
	}
	data, ok, err := s.Get(ctx, doctorKey)
	if err != nil {
		return err
	}
	if !ok || string(data) != doctorValue {
		return errors.New("value written was not read back")
	}
	return s.Delete(ctx, doctorKey)
}
