package credential

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrUnavailable means every recovery path is exhausted: the stored
// credential is unusable, refresh failed, and re-acquisition failed.
// Handlers surface it as an upstream-auth failure, never a stale or empty
// credential.
var ErrUnavailable = errors.New("credential unavailable")

// DefaultRefreshBuffer is the call-time freshness margin: a credential
// expiring sooner than this is refreshed before use.
const DefaultRefreshBuffer = 2 * time.Minute

// Exchanger is the acquisition surface the manager drives.
type Exchanger interface {
	Acquire(ctx context.Context) (Credential, error)
	Refresh(ctx context.Context, refreshToken string) (Credential, error)
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithRefreshBuffer overrides the freshness margin.
func WithRefreshBuffer(buffer time.Duration) ManagerOption {
	return func(m *Manager) {
		if buffer > 0 {
			m.buffer = buffer
		}
	}
}

// WithManagerLogger sets the manager logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager decides between reuse, refresh, and re-acquisition. It is safe
// for concurrent use: at most one acquisition or refresh is in flight at a
// time, and concurrent callers during a renewal block and share its result.
type Manager struct {
	store    *Store
	exchange Exchanger
	buffer   time.Duration
	group    singleflight.Group
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a lifecycle manager over the given store and acquirer.
func NewManager(store *Store, exchange Exchanger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    store,
		exchange: exchange,
		buffer:   DefaultRefreshBuffer,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire returns a credential valid for at least the refresh buffer.
func (m *Manager) Acquire(ctx context.Context) (Credential, error) {
	if cred, ok := m.store.Get(); ok && cred.FreshFor(m.now(), m.buffer) {
		return cred, nil
	}

	// Collapse concurrent renewals into a single network exchange; the
	// upstream rejects bursts of concurrent authentication attempts.
	v, err, _ := m.group.Do("renew", func() (any, error) {
		return m.renew(ctx, m.buffer)
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

// renew re-checks freshness under the flight with the caller's margin, then
// refreshes or falls back to full acquisition. Check-then-mutate is
// serialized by the single-flight group: only one renew runs at a time.
func (m *Manager) renew(ctx context.Context, buffer time.Duration) (Credential, error) {
	if cred, ok := m.store.Get(); ok && cred.FreshFor(m.now(), buffer) {
		return cred, nil
	}

	if cred, ok := m.store.Get(); ok && cred.RefreshToken != "" {
		refreshed, err := m.exchange.Refresh(ctx, cred.RefreshToken)
		if err == nil {
			if refreshed.RefreshToken != cred.RefreshToken {
				m.logger.Info("refresh credential rotated")
			}
			m.store.Replace(refreshed)
			return refreshed, nil
		}
		m.logger.Warn("credential refresh failed, falling back to acquisition",
			slog.String("error", err.Error()))
	}

	acquired, err := m.exchange.Acquire(ctx)
	if err != nil {
		m.logger.Error("credential acquisition failed", slog.String("error", err.Error()))
		return Credential{}, errors.Join(ErrUnavailable, err)
	}
	m.store.Replace(acquired)
	return acquired, nil
}

// RefreshNow renews any credential expiring within the given margin. The
// background proactive refresher uses it with a wider buffer than call-time
// checks, so the margin must reach the re-check inside the flight too.
func (m *Manager) RefreshNow(ctx context.Context, buffer time.Duration) error {
	if cred, ok := m.store.Get(); ok && cred.FreshFor(m.now(), buffer) {
		return nil
	}
	_, err, _ := m.group.Do("renew", func() (any, error) {
		return m.renew(ctx, buffer)
	})
	return err
}
