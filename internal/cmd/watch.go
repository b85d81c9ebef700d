package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/lfslock/internal/event"
	"github.com/Iron-Ham/lfslock/internal/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep locks and modified files in sync until interrupted",
	Long: `Watch the working tree and keep the lock list and modified file list
in sync with git and the LFS server.

While watching, files locked by other users are held open with an
exclusive OS lock (locks.prevent_edits_on_remote_lock) so local tools
cannot overwrite them. With auto_lock enabled, saving a file that matches
an auto-lock pattern requests a lock for it.

Send SIGUSR1 to pause polling (for example during a build) and SIGUSR2
to resume.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var (
	watchTick    time.Duration
	watchVerbose bool
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().DurationVar(&watchTick, "tick", 50*time.Millisecond, "how often queued results are applied")
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "also print discarded poll results")
	watchCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9464")
	watchCmd.Flags().Bool("auto-lock", false, "lock matching files when they are saved")
	_ = viper.BindPFlag("metrics.addr", watchCmd.Flags().Lookup("metrics-addr"))
	_ = viper.BindPFlag("auto_lock.enabled", watchCmd.Flags().Lookup("auto-lock"))
}

func runWatch(cmd *cobra.Command, args []string) error {
	if watchTick <= 0 {
		return fmt.Errorf("--tick must be positive")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{enforce: true})
	if err != nil {
		return err
	}
	shutdown := func() error {
		return a.close(context.WithoutCancel(ctx))
	}

	// Events are published from Tick and from the synchronous calls made
	// during Start; the mutex keeps lines from interleaving.
	p := newPrinter(cmd.OutOrStdout())
	var printMu sync.Mutex
	bus := a.engine.Bus()
	sub := bus.SubscribeAll(func(e event.Event) {
		printMu.Lock()
		defer printMu.Unlock()
		p.event(e, watchVerbose)
	})
	defer bus.Unsubscribe(sub)

	if a.cfg.User.Name == "" {
		p.warn("user.name is not set; every lock is treated as someone else's")
	}

	if err := a.engine.Start(ctx); err != nil {
		_ = shutdown()
		return err
	}

	w, err := watch.New(a.root, a.engine, watchOptions(a)...)
	if err != nil {
		_ = shutdown()
		return err
	}
	if err := w.Start(); err != nil {
		_ = shutdown()
		return err
	}

	var servers conc.WaitGroup
	if addr := a.cfg.Metrics.Addr; addr != "" {
		servers.Go(func() {
			if err := a.metrics.Serve(ctx, addr); err != nil {
				a.logger.Error("metrics server failed", "addr", addr, "error", err.Error())
			}
		})
		p.dim("metrics on http://%s/metrics", addr)
	}

	busyCh, stopBusy := busySignals()
	defer stopBusy()

	printMu.Lock()
	p.ok("watching %s", a.root)
	printMu.Unlock()

	ticker := time.NewTicker(watchTick)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case sig := <-busyCh:
			busy := busyFromSignal(sig)
			a.engine.SetBusy(busy)
			a.logger.Info("busy state changed", "busy", busy)
		case <-ticker.C:
			if _, err := a.engine.Tick(); err != nil {
				a.logger.Warn("queued action failed", "error", err.Error())
			}
		}
	}

	printMu.Lock()
	p.dim("stopping")
	printMu.Unlock()

	w.Stop()
	err = shutdown()
	servers.Wait()
	return err
}

// watchOptions builds the watcher options for a. The file store is
// ignored when it lives inside the working tree.
func watchOptions(a *app) []watch.Option {
	opts := []watch.Option{watch.WithLogger(a.logger)}
	if a.storeDir != "" {
		if rel, err := filepath.Rel(a.root, a.storeDir); err == nil && !strings.HasPrefix(rel, "..") {
			first := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
			opts = append(opts, watch.WithIgnore(first))
		}
	}
	if a.cfg.AutoLock.Enabled {
		opts = append(opts, watch.WithAutoLock(a.cfg.AutoLock.Patterns))
	}
	return opts
}
