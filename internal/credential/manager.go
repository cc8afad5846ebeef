// Package credential manages the SSH key gitbakd pushes with: storage with
// owner-only permissions, bounded backups, failure accounting and periodic
// self-validation against the remote.
package credential

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	gitbakdErrors "github.com/bashhack/gitbakd/internal/errors"
	"github.com/bashhack/gitbakd/internal/git"
	"github.com/bashhack/gitbakd/internal/logger"
	"github.com/bashhack/gitbakd/internal/notify"
	"github.com/bashhack/gitbakd/internal/observability"
)

const (
	// DefaultMaxFailures is how many consecutive authentication failures
	// invalidate the credential.
	DefaultMaxFailures = 3

	// DefaultValidationInterval is the period of Run.
	DefaultValidationInterval = 30 * time.Minute
)

// State is the lifecycle state of the stored credential.
type State string

const (
	StateAbsent      State = "absent"
	StateUnvalidated State = "unvalidated"
	StateValidating  State = "validating"
	StateValid       State = "valid"
	StateInvalid     State = "invalid"
)

// Prober checks that the remote accepts a transport. git.Service implements it.
type Prober interface {
	RemoteReachable(ctx context.Context, remote, transport string) error
}

// Publisher receives lifecycle notifications. notify.Bus implements it.
type Publisher interface {
	Publish(t notify.Type, severity notify.Severity, message string, details map[string]any) notify.Event
}

// Options configures a Manager.
type Options struct {
	Dir         string
	MaxFailures int
	Interval    time.Duration
	Remote      string
	Prober      Prober
	Publisher   Publisher
	Logger      logger.Logger

	// OpLock, when set, is held for the duration of each probe so probes
	// never overlap a push.
	OpLock sync.Locker
}

// Status is a snapshot for display.
type Status struct {
	State   State   `json:"state"`
	Record  *Record `json:"record,omitempty"`
	Backups int     `json:"backups"`
}

// Manager owns the credential directory.
type Manager struct {
	dir         string
	maxFailures int
	interval    time.Duration
	remote      string
	prober      Prober
	publisher   Publisher
	logger      logger.Logger
	opLock      sync.Locker
	now         func() time.Time

	mu     sync.Mutex
	record *Record
	state  State
}

type noopPublisher struct{}

func (noopPublisher) Publish(t notify.Type, s notify.Severity, msg string, d map[string]any) notify.Event {
	return notify.Event{}
}

// NewManager loads any credential already stored in opts.Dir.
func NewManager(opts Options) (*Manager, error) {
	if opts.Dir == "" {
		return nil, gitbakdErrors.Errorf("%w: credential directory is required", gitbakdErrors.ErrInvalidConfiguration)
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultMaxFailures
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultValidationInterval
	}
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	if opts.Publisher == nil {
		opts.Publisher = noopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewDiscard()
	}

	m := &Manager{
		dir:         opts.Dir,
		maxFailures: opts.MaxFailures,
		interval:    opts.Interval,
		remote:      opts.Remote,
		prober:      opts.Prober,
		publisher:   opts.Publisher,
		logger:      opts.Logger,
		opLock:      opts.OpLock,
		now:         time.Now,
		state:       StateAbsent,
	}

	rec, err := loadRecord(opts.Dir)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		m.record = rec
		m.state = StateUnvalidated
		if !rec.IsValid {
			m.state = StateInvalid
		}
	}
	return m, nil
}

// Dir returns the credential directory.
func (m *Manager) Dir() string {
	return m.dir
}

// KeyPath returns where the key is (or would be) stored.
func (m *Manager) KeyPath() string {
	return filepath.Join(m.dir, KeyFileName)
}

// Store replaces the stored key with material, backing up the previous one.
func (m *Manager) Store(material []byte) (Record, error) {
	if err := ValidateMaterial(material); err != nil {
		return Record{}, err
	}
	if len(material) > 0 && material[len(material)-1] != '\n' {
		material = append(append([]byte{}, material...), '\n')
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ensureDir(m.dir); err != nil {
		return Record{}, err
	}
	now := m.now().UTC()
	backup, err := backupKey(m.dir, now)
	if err != nil {
		return Record{}, err
	}
	if err := writeFileAtomic(m.KeyPath(), material, 0o600); err != nil {
		return Record{}, err
	}

	rec := &Record{
		Type:        credType,
		StoragePath: m.KeyPath(),
		Fingerprint: Fingerprint(material),
		CreatedAt:   now,
		IsValid:     true,
	}
	if err := saveRecord(m.dir, rec); err != nil {
		return Record{}, err
	}
	m.record = rec

	details := map[string]any{"fingerprint": rec.Fingerprint}
	if backup != "" {
		details["backup"] = backup
	}
	m.transitionLocked(StateUnvalidated, notify.TypeInfo, notify.SeverityLow, "Credential stored", details)
	return *rec, nil
}

// Remove deletes the key and its metadata. Backups are kept.
func (m *Manager) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.record == nil {
		return gitbakdErrors.ErrNoCredential
	}
	for _, name := range []string{KeyFileName, MetaFileName} {
		if err := os.Remove(filepath.Join(m.dir, name)); err != nil && !os.IsNotExist(err) {
			return gitbakdErrors.Wrapf(err, "failed to remove %s", name)
		}
	}
	fingerprint := m.record.Fingerprint
	m.record = nil
	m.transitionLocked(StateAbsent, notify.TypeInfo, notify.SeverityLow, "Credential removed",
		map[string]any{"fingerprint": fingerprint})
	return nil
}

// TransportOverride returns a GIT_SSH_COMMAND value that pins the stored key,
// or "" when no key is stored or the stored key has been invalidated.
func (m *Manager) TransportOverride() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.record == nil || !m.record.IsValid {
		return ""
	}
	return m.transportLocked()
}

// transportLocked pins the stored key whatever its validity, so Validate can
// retry an invalidated key.
func (m *Manager) transportLocked() string {
	if m.record == nil {
		return ""
	}
	return strings.Join([]string{
		"ssh", "-i", shellQuote(m.record.StoragePath),
		"-o", "IdentitiesOnly=yes",
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=accept-new",
	}, " ")
}

// MarkFailure counts an authentication failure. Reaching the threshold
// invalidates the credential and publishes a high-severity auth-failure.
func (m *Manager) MarkFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markFailureLocked(nil)
}

func (m *Manager) markFailureLocked(cause error) {
	if m.record == nil {
		return
	}
	m.record.ConsecutiveFailures++
	failures := m.record.ConsecutiveFailures

	if failures >= m.maxFailures && m.record.IsValid {
		m.record.IsValid = false
		m.persistLocked()
		details := map[string]any{"consecutiveFailures": failures, "fingerprint": m.record.Fingerprint}
		if cause != nil {
			details["error"] = cause.Error()
		}
		m.transitionLocked(StateInvalid, notify.TypeAuthFailure, notify.SeverityHigh,
			fmt.Sprintf("Credential invalidated after %d consecutive authentication failures", failures), details)
		return
	}
	m.persistLocked()
}

// MarkSuccess resets the failure count and marks the credential valid.
func (m *Manager) MarkSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markSuccessLocked()
}

func (m *Manager) markSuccessLocked() {
	if m.record == nil {
		return
	}
	now := m.now().UTC()
	m.record.ConsecutiveFailures = 0
	m.record.IsValid = true
	m.record.LastValidatedAt = &now
	m.persistLocked()
	if m.state != StateValid {
		m.transitionLocked(StateValid, notify.TypeInfo, notify.SeverityLow, "Credential valid",
			map[string]any{"fingerprint": m.record.Fingerprint})
	}
}

// Validate probes the remote with the stored key. Authentication failures
// count towards the threshold; other probe failures (timeouts, network) do not.
func (m *Manager) Validate(ctx context.Context) (err error) {
	ctx, span := observability.StartSpan(ctx, "credential.validate", attribute.String("remote", m.remote))
	defer func() { observability.EndSpan(span, err) }()

	m.mu.Lock()
	if m.record == nil {
		m.mu.Unlock()
		return gitbakdErrors.ErrNoCredential
	}
	if m.prober == nil {
		m.mu.Unlock()
		return gitbakdErrors.Errorf("%w: no prober configured", gitbakdErrors.ErrInvalidConfiguration)
	}
	previous := m.state
	transport := m.transportLocked()
	m.transitionLocked(StateValidating, notify.TypeInfo, notify.SeverityLow, "Validating credential", nil)
	m.mu.Unlock()

	if m.opLock != nil {
		m.opLock.Lock()
	}
	err = m.prober.RemoteReachable(ctx, m.remote, transport)
	if m.opLock != nil {
		m.opLock.Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.record == nil {
		// removed while probing
		return gitbakdErrors.ErrNoCredential
	}

	switch {
	case err == nil:
		m.markSuccessLocked()
		return nil

	case gitbakdErrors.Is(err, gitbakdErrors.ErrAuthenticationFailed) || git.IsAuthFailure(err):
		wasValid := m.record.IsValid
		m.markFailureLocked(err)
		if wasValid && m.record.IsValid {
			m.transitionLocked(StateInvalid, notify.TypeWarning, notify.SeverityMedium,
				fmt.Sprintf("Credential rejected by %s (%d/%d)", m.remote, m.record.ConsecutiveFailures, m.maxFailures),
				map[string]any{"error": err.Error()})
		} else if !wasValid {
			m.transitionLocked(StateInvalid, notify.TypeAuthFailure, notify.SeverityHigh,
				"Credential still rejected", map[string]any{"error": err.Error()})
		}
		return gitbakdErrors.Wrap(err, "credential validation failed")

	default:
		next := previous
		if next == StateValidating || next == StateAbsent {
			next = StateUnvalidated
		}
		m.transitionLocked(next, notify.TypeWarning, notify.SeverityMedium,
			fmt.Sprintf("Could not validate credential: %v", err), nil)
		return gitbakdErrors.Wrap(err, "credential probe failed")
	}
}

// Run validates immediately and then every interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if m.HasCredential() {
			if err := m.Validate(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warning("Credential validation: %v", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Backups lists stored backups, newest first.
func (m *Manager) Backups() ([]Backup, error) {
	return listBackups(m.dir)
}

// Restore makes the named backup the active key. The current key is backed up first.
func (m *Manager) Restore(name string) (Record, error) {
	if _, ok := backupEpoch(name); !ok || filepath.Base(name) != name {
		return Record{}, gitbakdErrors.Errorf("%w: %q is not a credential backup", gitbakdErrors.ErrValidation, name)
	}
	material, err := os.ReadFile(filepath.Join(m.dir, name))
	if err != nil {
		return Record{}, gitbakdErrors.Wrapf(err, "failed to read backup %s", name)
	}
	rec, err := m.Store(material)
	if err != nil {
		return Record{}, err
	}
	m.logger.Info("Restored credential from %s", name)
	return rec, nil
}

// Record returns a copy of the current record.
func (m *Manager) Record() (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.record == nil {
		return Record{}, false
	}
	return *m.record, true
}

// HasCredential reports whether a key is stored.
func (m *Manager) HasCredential() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record != nil
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a display snapshot.
func (m *Manager) Status() Status {
	backups, _ := listBackups(m.dir)

	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{State: m.state, Backups: len(backups)}
	if m.record != nil {
		rec := *m.record
		s.Record = &rec
	}
	return s
}

// PushAllowed is false only when a stored credential has been invalidated.
// Without a stored key pushes use the user's own SSH setup.
func (m *Manager) PushAllowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record == nil || m.record.IsValid
}

func (m *Manager) persistLocked() {
	if err := saveRecord(m.dir, m.record); err != nil {
		m.logger.Error("Failed to persist credential metadata: %v", err)
	}
}

// transitionLocked moves to next and publishes exactly one notification.
func (m *Manager) transitionLocked(next State, t notify.Type, severity notify.Severity, message string, details map[string]any) {
	prev := m.state
	m.state = next
	if details == nil {
		details = map[string]any{}
	}
	details["from"] = string(prev)
	details["to"] = string(next)
	m.logger.Info("Credential %s -> %s: %s", prev, next, message)
	m.publisher.Publish(t, severity, message, details)
}
