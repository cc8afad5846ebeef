package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/bashhack/gitbakd/internal/agent"
	"github.com/bashhack/gitbakd/internal/config"
	"github.com/bashhack/gitbakd/internal/control"
	"github.com/bashhack/gitbakd/internal/credential"
	gitbakdErrors "github.com/bashhack/gitbakd/internal/errors"
	"github.com/bashhack/gitbakd/internal/git"
	"github.com/bashhack/gitbakd/internal/history"
	"github.com/bashhack/gitbakd/internal/lock"
	"github.com/bashhack/gitbakd/internal/logger"
	"github.com/bashhack/gitbakd/internal/notify"
	"github.com/bashhack/gitbakd/internal/observability"
	"github.com/bashhack/gitbakd/internal/pipeline"
	"github.com/bashhack/gitbakd/internal/strategy"
)

// historyInMemory as history_db keeps history for the session only.
const historyInMemory = "memory"

// stopTimeout bounds how long shutdown waits for an in-flight commit.
const stopTimeout = 30 * time.Second

// Locker manages file locking
type Locker interface {
	Acquire() error
	Release() error
}

// AppOptions contains app configuration and dependencies.
// This struct allows injection of both required and optional dependencies,
// enabling flexible configuration and easier testing.
type AppOptions struct {
	// Config holds the application configuration settings (required).
	// The application will panic if this field is nil.
	Config *config.Config

	// Logger provides logging functionality (optional, a default will be created if nil).
	Logger logger.Logger

	// Locker keeps one agent per working tree (optional, a default will be created if nil).
	Locker Locker

	// Stdout and Stderr default to the process streams.
	Stdout io.Writer
	Stderr io.Writer

	// Exit terminates the process (optional, defaults to os.Exit).
	Exit func(int)

	// ExecLookPath is used to find executables in PATH (optional, defaults to exec.LookPath).
	ExecLookPath func(file string) (string, error)

	// IsRepository checks if a path is a valid Git repository (optional, defaults to git.IsRepository).
	IsRepository func(string) (bool, error)
}

// App runs the agent and everything around it: notification sinks, history,
// credentials, the control API, tracing, the lock and the logger.
type App struct {
	Config *config.Config
	Logger logger.Logger
	Locker Locker

	Stdout io.Writer
	Stderr io.Writer

	exit         func(int)
	execLookPath func(file string) (string, error)
	isRepository func(string) (bool, error)

	Agent   *agent.Agent
	bus     *notify.Bus
	history history.Store
	creds   *credential.Manager
	server  *control.Server

	shutdownTracing observability.ShutdownFunc

	closeOnce sync.Once
	closeErr  error
}

// NewApp creates an App with custom dependencies specified in opts.
// It panics if opts.Config is nil.
func NewApp(opts AppOptions) *App {
	if opts.Config == nil {
		panic("Config is required in AppOptions")
	}

	app := &App{
		Config:       opts.Config,
		Logger:       opts.Logger,
		Locker:       opts.Locker,
		Stdout:       opts.Stdout,
		Stderr:       opts.Stderr,
		exit:         opts.Exit,
		execLookPath: opts.ExecLookPath,
		isRepository: opts.IsRepository,
	}

	if app.Stdout == nil {
		app.Stdout = os.Stdout
	}
	if app.Stderr == nil {
		app.Stderr = os.Stderr
	}
	if app.exit == nil {
		app.exit = os.Exit
	}
	if app.execLookPath == nil {
		app.execLookPath = exec.LookPath
	}
	if app.isRepository == nil {
		app.isRepository = git.IsRepository
	}
	return app
}

// Initialize sets up the logger and lock if they were not injected.
func (a *App) Initialize() error {
	if a.Logger == nil {
		a.Logger = logger.NewWithOutput(logger.Options{
			Enabled: a.Config.Debug,
			File:    a.Config.LogFile,
			Verbose: a.Config.Verbose,
			Format:  a.Config.LogFormat,
		}, a.Stdout, a.Stderr)
	}

	if a.Locker == nil {
		locker, err := lock.New(a.Config.RepoPath, "")
		if err != nil {
			return gitbakdErrors.Wrap(err, "failed to initialize lock")
		}
		a.Locker = locker
	}
	return nil
}

// Run verifies prerequisites, takes the lock, starts the agent and blocks
// until ctx is cancelled. Cancellation is the normal shutdown path.
func (a *App) Run(ctx context.Context) error {
	if err := a.Initialize(); err != nil {
		return err
	}

	if err := a.checkRequiredCommands(); err != nil {
		return err
	}

	isRepo, err := a.isRepository(a.Config.RepoPath)
	if err != nil {
		a.Logger.Warning("Failed to check if path is a git repository: %v", err)
		return gitbakdErrors.Wrap(gitbakdErrors.ErrGitOperationFailed, err.Error())
	}
	if !isRepo {
		return gitbakdErrors.Errorf("%w: %s", gitbakdErrors.ErrNotGitRepository, a.Config.RepoPath)
	}
	a.Logger.Info("Git repository verified")

	if err := a.Locker.Acquire(); err != nil {
		if gitbakdErrors.Is(err, gitbakdErrors.ErrAlreadyRunning) {
			return err
		}
		return gitbakdErrors.Wrap(gitbakdErrors.ErrLockAcquisitionFailure, err.Error())
	}

	if err := a.build(); err != nil {
		return gitbakdErrors.Join(err, a.shutdown())
	}

	if err := a.Agent.Start(ctx); err != nil {
		return gitbakdErrors.Join(err, a.shutdown())
	}

	if err := a.server.Listen(a.Config.SocketPath()); err != nil {
		a.Logger.WarningToUser("Control API unavailable: %v", err)
	} else {
		go func() {
			if err := a.server.Serve(); err != nil {
				a.Logger.Error("Control API stopped: %v", err)
			}
		}()
	}

	<-ctx.Done()
	return a.shutdown()
}

// build wires the components the agent depends on.
func (a *App) build() error {
	cfg := a.Config

	shutdown, err := observability.InitTracing("gitbakd", cfg.Tracing, cfg.VersionInfo.Version, a.Stderr)
	if err != nil {
		return err
	}
	a.shutdownTracing = shutdown

	a.bus = notify.NewBus(notify.Options{HistorySize: cfg.Notifications.HistorySize, Logger: a.Logger})
	if cfg.Notifications.LogFile != "" {
		sink, err := notify.NewJSONLSink(cfg.Notifications.LogFile)
		if err != nil {
			a.Logger.WarningToUser("Notification log disabled: %v", err)
		} else {
			a.bus.AddSink(sink, notify.DefaultQueueSize)
		}
	}
	if len(cfg.Notifications.Webhooks) > 0 {
		hooks := make([]notify.Hook, 0, len(cfg.Notifications.Webhooks))
		for _, w := range cfg.Notifications.Webhooks {
			hooks = append(hooks, notify.Hook{URL: w.URL, Secret: w.Secret, Events: w.Events})
		}
		a.bus.AddSink(notify.NewWebhookSink(hooks), notify.DefaultQueueSize)
	}

	a.history = a.openHistory()

	gitSvc := git.NewService(cfg.RepoPath, a.Logger, git.Timeouts{Push: cfg.PushTimeout, Probe: cfg.ProbeTimeout})
	opLock := &sync.Mutex{}

	a.creds, err = credential.NewManager(credential.Options{
		Dir:         cfg.CredentialDir,
		MaxFailures: cfg.MaxAuthFailures,
		Interval:    cfg.ValidationInterval,
		Remote:      cfg.Remote,
		Prober:      gitSvc,
		Publisher:   a.bus,
		Logger:      a.Logger,
		OpLock:      opLock,
	})
	if err != nil {
		return err
	}

	var preflight *pipeline.Preflight
	if cfg.Preflight.Enabled {
		preflight = pipeline.NewPreflight(cfg.RepoPath, cfg.PreflightCommands(), cfg.Preflight.Timeout)
		for _, c := range preflight.Checks() {
			a.Logger.Info("Pre-flight check: %s", c.Name)
		}
	}

	p := pipeline.New(pipeline.Options{
		Git:       gitSvc,
		Limiter:   pipeline.NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		Guard:     pipeline.NewBranchGuard(cfg.ProtectedBranches),
		Preflight: preflight,
		Remote:    cfg.Remote,
		Logger:    a.Logger,
	})

	a.Agent, err = agent.New(agent.Config{
		RepoPath:       cfg.RepoPath,
		Debounce:       cfg.Debounce(),
		IgnorePatterns: cfg.IgnorePatterns,
		IgnoreDirs:     []string{cfg.DataDir},
		SkipHooks:      cfg.SkipHooks,
		ForceProtected: cfg.ForceProtected,
		AutoPush:       cfg.AutoPush,
		Remote:         cfg.Remote,
		MaxRetries:     cfg.MaxRetries,
	}, agent.Deps{
		Git:         gitSvc,
		Pipeline:    p,
		Strategy:    strategy.NewEngine(strategy.Options{UrgentPatterns: cfg.UrgentPatterns, MinChanges: cfg.MinChanges}),
		Credentials: a.creds,
		Bus:         a.bus,
		History:     a.history,
		Logger:      a.Logger,
		OpLock:      opLock,
	})
	if err != nil {
		return err
	}

	a.server = control.NewServer(control.Options{
		Agent:       a.Agent,
		Bus:         a.bus,
		Credentials: a.creds,
		Logger:      a.Logger,
	})
	return nil
}

// openHistory falls back to an in-memory store when the database cannot be opened.
func (a *App) openHistory() history.Store {
	if a.Config.HistoryDB == historyInMemory {
		return history.NewMemoryStore(0)
	}
	store, err := history.OpenSQLite(a.Config.HistoryDB)
	if err != nil {
		a.Logger.WarningToUser("History database unavailable, keeping history in memory: %v", err)
		return history.NewMemoryStore(0)
	}
	return store
}

// shutdown stops the agent first so an in-flight commit finishes, then the
// control API, the sinks, history and tracing.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	var errs []error
	if a.Agent != nil {
		if err := a.Agent.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return gitbakdErrors.Join(errs...)
}

// ShowVersion displays version information
func (a *App) ShowVersion() {
	_, _ = fmt.Fprintf(a.Stdout, "gitbakd %s (%s) built on %s\n",
		a.Config.VersionInfo.Version,
		a.Config.VersionInfo.Commit,
		a.Config.VersionInfo.Date)
}

// PrintSummary prints the session summary if the agent ran.
func (a *App) PrintSummary() {
	if a.Agent != nil {
		a.Agent.PrintSummary()
	}
}

// checkRequiredCommands verifies git is available in PATH
func (a *App) checkRequiredCommands() error {
	if _, err := a.execLookPath("git"); err != nil {
		return gitbakdErrors.New("git is not found in PATH. Please install it and try again")
	}
	return nil
}

// Close releases the lock and the logger. It is safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error

		if a.Locker != nil {
			if err := a.Locker.Release(); err != nil {
				if a.Logger != nil {
					a.Logger.Error("Failed to release lock during cleanup: %v", err)
				} else {
					_, _ = fmt.Fprintf(a.Stderr, "❌ Failed to release lock during cleanup: %v\n", err)
				}
				errs = append(errs, err)
			}
		}

		if a.Logger != nil {
			if err := a.Logger.Close(); err != nil {
				_, _ = fmt.Fprintf(a.Stderr, "❌ Failed to close logger: %v\n", err)
				errs = append(errs, err)
			}
		}

		a.closeErr = gitbakdErrors.Join(errs...)
	})
	return a.closeErr
}

// CleanupOnSignal releases the lock and shows the summary when graceful
// shutdown did not complete in time.
func (a *App) CleanupOnSignal() {
	if err := a.Close(); err != nil {
		_, _ = fmt.Fprintf(a.Stderr, "❌ Error during cleanup: %v\n", err)
	}
	a.PrintSummary()
}
