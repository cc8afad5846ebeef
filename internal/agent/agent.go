package agent

import (
	"context"
	"sync"
	"time"

	"github.com/bashhack/gitbakd/internal/credential"
	gitbakdErrors "github.com/bashhack/gitbakd/internal/errors"
	"github.com/bashhack/gitbakd/internal/git"
	"github.com/bashhack/gitbakd/internal/history"
	"github.com/bashhack/gitbakd/internal/logger"
	"github.com/bashhack/gitbakd/internal/notify"
	"github.com/bashhack/gitbakd/internal/pipeline"
	"github.com/bashhack/gitbakd/internal/strategy"
	"github.com/bashhack/gitbakd/internal/watcher"
)

// Status is the lifecycle state of the agent.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopping Status = "stopping"
)

// DefaultActor is the rate-limit identity of automatic commits.
const DefaultActor = "agent"

// Config holds the agent's settings.
type Config struct {
	RepoPath       string
	Debounce       time.Duration
	IgnorePatterns []string

	// IgnoreDirs are absolute directories the watcher never reports.
	IgnoreDirs []string

	SkipHooks      bool
	ForceProtected bool
	AutoPush       bool
	Remote         string

	// MaxRetries is how many identical consecutive cycle errors are tolerated
	// before a critical notification. 0 disables the notification.
	MaxRetries int

	Actor string
}

// Deps are the collaborators an agent drives. Credentials and History are optional.
type Deps struct {
	Git         *git.Service
	Pipeline    *pipeline.Pipeline
	Strategy    *strategy.Engine
	Credentials *credential.Manager
	Bus         *notify.Bus
	History     history.Store
	Logger      logger.Logger

	// OpLock serializes git writes. Pass the same lock to the credential
	// manager so probes never run during a commit. Defaults to a new mutex.
	OpLock sync.Locker
}

// CommitResult describes one commit attempt. It is never modified after creation.
type CommitResult struct {
	ID          string    `json:"id"`
	Success     bool      `json:"success"`
	Message     string    `json:"message"`
	Hash        string    `json:"hash,omitempty"`
	Branch      string    `json:"branch,omitempty"`
	ChangeCount int       `json:"changeCount"`
	Timestamp   time.Time `json:"timestamp"`
	Error       string    `json:"error,omitempty"`
	Pushed      bool      `json:"pushed"`
	Forced      bool      `json:"forced"`
	Strategy    string    `json:"strategy,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
}

// Metrics are counters for the current session.
type Metrics struct {
	StartedAt        time.Time     `json:"startedAt"`
	Uptime           time.Duration `json:"uptime"`
	Cycles           int           `json:"cycles"`
	CommitsTotal     int           `json:"commitsTotal"`
	CommitsFailed    int           `json:"commitsFailed"`
	ChangesCommitted int           `json:"changesCommitted"`
	PushesTotal      int           `json:"pushesTotal"`
	PushesFailed     int           `json:"pushesFailed"`
	PushesSkipped    int           `json:"pushesSkipped"`
	AuthFailures     int           `json:"authFailures"`
	RateLimited      int           `json:"rateLimited"`
	ProtectedBlocked int           `json:"protectedBlocked"`
	SecretsBlocked   int           `json:"secretsBlocked"`
	Panics           int           `json:"panics"`
	LastCommitAt     *time.Time    `json:"lastCommitAt,omitempty"`
}

// State is a snapshot of the agent.
type State struct {
	Status         Status        `json:"status"`
	IsRunning      bool          `json:"isRunning"`
	IsPaused       bool          `json:"isPaused"`
	RepoPath       string        `json:"repoPath"`
	Branch         string        `json:"branch"`
	PendingChanges int           `json:"pendingChanges"`
	Pending        []string      `json:"pending,omitempty"`
	Strategies     string        `json:"strategies"`
	Credential     string        `json:"credential,omitempty"`
	Metrics        Metrics       `json:"metrics"`
	LastResult     *CommitResult `json:"lastResult,omitempty"`
}

// Agent watches a working tree and commits its changes through the pipeline.
type Agent struct {
	cfg      Config
	git      *git.Service
	pipeline *pipeline.Pipeline
	strategy *strategy.Engine
	creds    *credential.Manager
	bus      *notify.Bus
	history  history.Store
	logger   logger.Logger

	mu          sync.Mutex
	status      Status
	watcher     *watcher.Watcher
	runCtx      context.Context
	pending     watcher.Set
	metrics     Metrics
	lastResult  *CommitResult
	branch      string
	pushEnabled bool

	// opMu serializes commit cycles, forced commits, undo, stash and pushes.
	// The credential probe takes it too.
	opMu     sync.Locker
	errState errorState

	trigger chan struct{}
	cancel  context.CancelFunc
	// stopWork ends the worker and the credential loop but not the watcher.
	stopWork context.CancelFunc
	wg       sync.WaitGroup
}

type errorState struct {
	consecutiveErrors int
	lastErrorMsg      string
}

// New creates a stopped agent.
func New(cfg Config, deps Deps) (*Agent, error) {
	if cfg.RepoPath == "" {
		return nil, gitbakdErrors.NewConfigError("repo_path", cfg.RepoPath, gitbakdErrors.ErrInvalidConfiguration)
	}
	if deps.Git == nil || deps.Pipeline == nil {
		return nil, gitbakdErrors.Errorf("%w: git service and pipeline are required", gitbakdErrors.ErrInvalidConfiguration)
	}
	if deps.Strategy == nil {
		deps.Strategy = strategy.NewEngine(strategy.Options{})
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewDiscard()
	}
	if deps.Bus == nil {
		deps.Bus = notify.NewBus(notify.Options{Logger: deps.Logger})
	}
	if deps.OpLock == nil {
		deps.OpLock = &sync.Mutex{}
	}
	if cfg.Remote == "" {
		cfg.Remote = "origin"
	}
	if cfg.Actor == "" {
		cfg.Actor = DefaultActor
	}

	return &Agent{
		cfg:      cfg,
		git:      deps.Git,
		pipeline: deps.Pipeline,
		strategy: deps.Strategy,
		creds:    deps.Credentials,
		bus:      deps.Bus,
		history:  deps.History,
		logger:   deps.Logger,
		opMu:     deps.OpLock,
		status:   StatusStopped,
		pending:  make(watcher.Set),
		trigger:  make(chan struct{}, 1),
	}, nil
}

// OpLock is the lock shared by commits, pushes and credential probes.
func (a *Agent) OpLock() sync.Locker {
	return a.opMu
}

// Bus returns the agent's notification bus.
func (a *Agent) Bus() *notify.Bus {
	return a.bus
}

// Start verifies the working tree, starts the watcher, the commit worker and
// the credential loop. It returns once the watcher is ready.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.status != StatusStopped {
		a.mu.Unlock()
		return gitbakdErrors.Errorf("%w: agent is %s", gitbakdErrors.ErrAlreadyRunning, a.status)
	}
	a.status = StatusStarting
	a.mu.Unlock()

	if err := a.start(ctx); err != nil {
		a.setStatus(StatusStopped)
		return err
	}

	a.setStatus(StatusRunning)
	a.logger.Success("Watching %s on branch %s", a.cfg.RepoPath, a.currentBranch())
	a.bus.Publish(notify.TypeInfo, notify.SeverityLow, "Agent started", map[string]any{
		"repo":   a.cfg.RepoPath,
		"branch": a.currentBranch(),
	})
	return nil
}

func (a *Agent) start(ctx context.Context) error {
	isRepo, err := a.git.IsRepository(ctx)
	if err != nil {
		return err
	}
	if !isRepo {
		return gitbakdErrors.Errorf("%w: %s", gitbakdErrors.ErrNotGitRepository, a.cfg.RepoPath)
	}

	pushEnabled := a.cfg.AutoPush
	if hasRemote, err := a.git.HasRemote(ctx, a.cfg.Remote); err != nil || !hasRemote {
		if a.cfg.AutoPush {
			a.logger.WarningToUser("No remote %q configured; commits will stay local", a.cfg.Remote)
			a.bus.Publish(notify.TypeWarning, notify.SeverityMedium,
				"No remote configured; pushes disabled", map[string]any{"remote": a.cfg.Remote})
		}
		pushEnabled = false
	}

	branch, err := a.git.CurrentBranch(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	a.mu.Lock()
	a.branch = branch
	a.pushEnabled = pushEnabled
	a.metrics = Metrics{StartedAt: now}
	a.errState = errorState{}
	a.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)

	w := a.newWatcher()
	if err := w.Start(runCtx); err != nil {
		cancel()
		return err
	}
	a.mu.Lock()
	a.watcher = w
	a.runCtx = runCtx
	a.mu.Unlock()
	a.cancel = cancel

	workCtx, stopWork := context.WithCancel(runCtx)
	a.stopWork = stopWork

	a.wg.Add(1)
	go a.worker(workCtx)

	if a.creds != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.creds.Run(workCtx)
		}()
	}
	return nil
}

// Stop lets any in-flight commit finish, then stops the worker, the
// credential loop and the watcher. The watcher keeps collecting until the
// worker is done; whatever it has not flushed moves to pending. ctx bounds
// how long Stop waits.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.status == StatusStopped || a.status == StatusStopping {
		a.mu.Unlock()
		return nil
	}
	a.status = StatusStopping
	a.mu.Unlock()

	w := a.currentWatcher()
	if w != nil {
		w.Pause()
	}
	if a.stopWork != nil {
		a.stopWork()
	}
	err := a.waitForWorkers(ctx)

	if w != nil {
		_ = w.Close()
		if b := w.PendingChanges(); len(b) > 0 {
			w.ClearPendingChanges()
			a.mu.Lock()
			a.pending.AddBatch(b)
			a.mu.Unlock()
		}
	}
	if a.cancel != nil {
		a.cancel()
	}

	a.setStatus(StatusStopped)
	a.bus.Publish(notify.TypeInfo, notify.SeverityLow, "Agent stopped", nil)
	a.logger.Info("Agent stopped")
	return err
}

func (a *Agent) waitForWorkers(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return gitbakdErrors.Wrap(gitbakdErrors.ErrTimeout, "agent did not stop in time")
	}
}

// Pause stops committing. Changes keep accumulating.
func (a *Agent) Pause() error {
	a.mu.Lock()
	if a.status != StatusRunning {
		status := a.status
		a.mu.Unlock()
		return gitbakdErrors.Errorf("%w: cannot pause an agent that is %s", gitbakdErrors.ErrValidation, status)
	}
	a.status = StatusPaused
	a.mu.Unlock()

	if w := a.currentWatcher(); w != nil {
		w.Pause()
	}
	a.bus.Publish(notify.TypeInfo, notify.SeverityLow, "Agent paused", nil)
	return nil
}

// Resume re-enables committing and processes anything collected meanwhile.
func (a *Agent) Resume() error {
	a.mu.Lock()
	if a.status != StatusPaused {
		status := a.status
		a.mu.Unlock()
		return gitbakdErrors.Errorf("%w: cannot resume an agent that is %s", gitbakdErrors.ErrValidation, status)
	}
	a.status = StatusRunning
	pending := len(a.pending)
	a.mu.Unlock()

	if w := a.currentWatcher(); w != nil {
		w.Resume()
	}
	if pending > 0 {
		a.signal()
	}
	a.bus.Publish(notify.TypeInfo, notify.SeverityLow, "Agent resumed", map[string]any{"pending": pending})
	return nil
}

// State returns a snapshot copy.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := State{
		Status:         a.status,
		IsRunning:      a.status == StatusRunning || a.status == StatusPaused,
		IsPaused:       a.status == StatusPaused,
		RepoPath:       a.cfg.RepoPath,
		Branch:         a.branch,
		PendingChanges: len(a.pending),
		Pending:        a.pending.Batch().Paths(),
		Strategies:     a.strategy.Describe(),
		Metrics:        a.metricsLocked(),
	}
	if a.creds != nil {
		s.Credential = string(a.creds.State())
	}
	if a.lastResult != nil {
		r := *a.lastResult
		s.LastResult = &r
	}
	return s
}

// Metrics returns a snapshot of the session counters.
func (a *Agent) Metrics() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metricsLocked()
}

func (a *Agent) metricsLocked() Metrics {
	m := a.metrics
	if !m.StartedAt.IsZero() {
		m.Uptime = time.Since(m.StartedAt).Round(time.Second)
	}
	if m.LastCommitAt != nil {
		t := *m.LastCommitAt
		m.LastCommitAt = &t
	}
	return m
}

// Notifications returns up to limit recent notifications, oldest first.
func (a *Agent) Notifications(limit int) []notify.Event {
	return a.bus.History(limit)
}

func (a *Agent) setStatus(s Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = s
}

func (a *Agent) currentBranch() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.branch
}

func (a *Agent) signal() {
	select {
	case a.trigger <- struct{}{}:
	default:
	}
}

func (a *Agent) onBatch(b watcher.Batch) {
	a.mu.Lock()
	a.pending.AddBatch(b)
	a.mu.Unlock()
	a.signal()
}

func (a *Agent) onWatchError(err error) {
	a.bus.Publish(notify.TypeWarning, notify.SeverityMedium, "File watcher error", map[string]any{"error": err.Error()})
	if gitbakdErrors.Is(err, watcher.ErrWatcherClosed) {
		go a.restartWatcher()
	}
}

func (a *Agent) newWatcher() *watcher.Watcher {
	ignoreDirs := append([]string{}, a.cfg.IgnoreDirs...)
	if a.creds != nil {
		ignoreDirs = append(ignoreDirs, a.creds.Dir())
	}
	return watcher.New(watcher.Options{
		Root:           a.cfg.RepoPath,
		Debounce:       a.cfg.Debounce,
		IgnorePatterns: a.cfg.IgnorePatterns,
		IgnoreDirs:     ignoreDirs,
		UrgentFunc:     a.strategy.IsUrgent,
		OnBatch:        a.onBatch,
		OnError:        a.onWatchError,
		Logger:         a.logger,
	})
}

func (a *Agent) currentWatcher() *watcher.Watcher {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.watcher
}

// restartWatcher replaces a watcher whose event stream ended. Changes the old
// watcher was still debouncing move to pending.
func (a *Agent) restartWatcher() {
	a.mu.Lock()
	if a.status != StatusRunning && a.status != StatusPaused {
		a.mu.Unlock()
		return
	}
	ctx, old, paused := a.runCtx, a.watcher, a.status == StatusPaused
	a.mu.Unlock()

	w := a.newWatcher()
	if err := w.Start(ctx); err != nil {
		a.logger.Error("Failed to restart file watcher: %v", err)
		a.bus.Publish(notify.TypeError, notify.SeverityHigh, "File watcher could not be restarted",
			map[string]any{"error": err.Error()})
		return
	}
	if paused {
		w.Pause()
	}

	a.mu.Lock()
	if a.status != StatusRunning && a.status != StatusPaused {
		a.mu.Unlock()
		_ = w.Close()
		return
	}
	a.watcher = w
	a.mu.Unlock()

	if old != nil {
		_ = old.Close()
		if b := old.PendingChanges(); len(b) > 0 {
			a.onBatch(b)
		}
	}
	a.logger.Warning("File watcher restarted")
	a.bus.Publish(notify.TypeInfo, notify.SeverityLow, "File watcher restarted", nil)
}
