package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/lfslock/internal/config"
	"github.com/Iron-Ham/lfslock/internal/enforce"
	"github.com/Iron-Ham/lfslock/internal/errors"
	"github.com/Iron-Ham/lfslock/internal/event"
	"github.com/Iron-Ham/lfslock/internal/gitcmd"
	"github.com/Iron-Ham/lfslock/internal/lfs"
	"github.com/Iron-Ham/lfslock/internal/lockcache"
	"github.com/Iron-Ham/lfslock/internal/logging"
	"github.com/Iron-Ham/lfslock/internal/metrics"
	"github.com/Iron-Ham/lfslock/internal/store"
	"github.com/Iron-Ham/lfslock/internal/syncq"
	"github.com/Iron-Ham/lfslock/internal/vcs"
)

// app is everything one command invocation needs, wired from the
// configuration for the repository containing the working directory.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	root     string
	gitDir   string
	store    store.Store
	storeDir string // empty unless the file backend is in use
	metrics  *metrics.Metrics
	enforcer *enforce.Enforcer
	git      *vcs.Client
	engine   *lfs.Engine
}

type appOptions struct {
	// enforce honors locks.prevent_edits_on_remote_lock. One-shot commands
	// exit immediately, so holding OS locks would only slow them down.
	enforce bool
}

func vcsTimeouts(cfg *config.Config) vcs.Timeouts {
	return vcs.Timeouts{
		Status:    cfg.Timeouts.Status(),
		Untracked: cfg.Timeouts.Untracked(),
		Track:     cfg.Timeouts.Track(),
		Checkout:  cfg.Timeouts.Checkout(),
		Lock:      cfg.Timeouts.Lock(),
	}
}

// newApp loads the configuration, locates the repository and builds the
// engine with its collaborators. Callers must call close.
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	cwd, err := os.Getwd()
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}

	timeouts := vcsTimeouts(cfg)
	locator := vcs.NewClient(gitcmd.NewCLIRunner(cwd), afero.NewOsFs(),
		vcs.WithTimeouts(timeouts), vcs.WithLogger(logger))
	root, err := locator.Toplevel(ctx)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	gitDir, err := locator.GitDir(ctx)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		root:    root,
		gitDir:  gitDir,
		metrics: metrics.New(),
	}

	a.store, a.storeDir, err = openStore(ctx, cfg, root, gitDir)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	a.git = vcs.NewClient(
		gitcmd.NewCLIRunner(root),
		afero.NewBasePathFs(afero.NewOsFs(), root),
		vcs.WithTimeouts(timeouts),
		vcs.WithLogger(logger),
		vcs.WithObserver(a.metrics),
	)
	a.enforcer = enforce.New(root,
		enforce.WithLogger(logger),
		enforce.WithObserver(a.metrics),
	)
	queue := syncq.New(
		syncq.WithLogger(logger),
		syncq.WithObserver(a.metrics),
	)

	a.engine = lfs.New(lfs.Config{
		User:                     strings.TrimSpace(cfg.User.Name),
		PreventEditsOnRemoteLock: opts.enforce && cfg.Locks.PreventEditsOnRemoteLock,
		PollInterval:             cfg.Poll.Interval(),
		BusyBackoff:              cfg.Poll.BusyBackoff(),
		AncestorFloor:            cfg.Modified.AncestorFloor,
		ShutdownTimeout:          cfg.ShutdownTimeout(),
	}, lfs.Deps{
		Git:      a.git,
		Enforcer: a.enforcer,
		Cache:    lockcache.New(a.store, os.Getpid(), logger),
		Queue:    queue,
		Bus:      event.NewBus(logger),
		Metrics:  a.metrics,
		Logger:   logger,
	})
	return a, nil
}

// openStore opens the configured lock cache backend. The returned dir is
// the state directory of the file backend.
func openStore(ctx context.Context, cfg *config.Config, root, gitDir string) (store.Store, string, error) {
	switch cfg.Store.Backend {
	case "redis":
		s, err := store.DialRedis(ctx, cfg.Store.RedisAddr, cfg.Store.RedisDB,
			store.WithPrefix(redisPrefix(root)))
		if err != nil {
			return nil, "", fmt.Errorf("failed to connect to redis at %s: %w", cfg.Store.RedisAddr, err)
		}
		return s, "", nil
	case "memory":
		return store.NewMemoryStore(), "", nil
	default:
		dir := cfg.Store.ResolveDir(gitDir, root)
		s, err := store.NewFileStore(dir)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open state directory: %w", err)
		}
		return s, dir, nil
	}
}

// redisPrefix namespaces the cache of one working tree.
func redisPrefix(root string) string {
	return "lfslock:" + filepath.ToSlash(root) + ":"
}

// close stops the engine, which persists the lock set and releases OS
// locks, then closes the store and the log file.
func (a *app) close(ctx context.Context) error {
	err := a.engine.Stop(ctx)
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := a.logger.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// repoPaths converts command line arguments, relative to the working
// directory, into slash-separated paths relative to the repository root.
func repoPaths(root string, args []string) ([]string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	return resolvePaths(root, cwd, args)
}

func resolvePaths(root, cwd string, args []string) ([]string, error) {
	paths := make([]string, 0, len(args))
	for _, arg := range args {
		abs := arg
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(cwd, arg)
		}
		rel, err := filepath.Rel(root, filepath.Clean(abs))
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("%w: %s is outside the repository", errors.ErrInvalidInput, arg)
		}
		if rel == "." {
			return nil, fmt.Errorf("%w: the repository root is not a path", errors.ErrInvalidInput)
		}
		paths = append(paths, filepath.ToSlash(rel))
	}
	return paths, nil
}
