// Package usage tracks upstream quota consumption so the bridge can report
// it and back off before the upstream starts rejecting requests.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tjfontaine/warpgate/internal/credential"
	"github.com/tjfontaine/warpgate/internal/upstream"
)

// Kind names a quota dimension. The upstream currently meters requests
// only.
type Kind string

// KindRequest is the per-window request quota.
const KindRequest Kind = "request"

const (
	// DefaultStaleness bounds how old a cached snapshot may be before a
	// refresh is attempted.
	DefaultStaleness = 5 * time.Minute
	// DefaultThrottleThreshold is the used/limit ratio past which new
	// requests are throttled.
	DefaultThrottleThreshold = 0.95
)

// Snapshot is a point-in-time view of quota consumption. Stale means the
// last refresh failed and this data is older than the staleness bound.
type Snapshot struct {
	Limit     int
	Used      int
	ResetsAt  time.Time
	Unlimited bool
	FetchedAt time.Time
	Stale     bool
}

// TokenSource supplies the access token quota queries authenticate with.
type TokenSource interface {
	Acquire(ctx context.Context) (credential.Credential, error)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithStaleness overrides the snapshot staleness bound.
func WithStaleness(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.staleness = d
		}
	}
}

// WithThrottleThreshold overrides the used/limit throttle ratio.
func WithThrottleThreshold(ratio float64) Option {
	return func(t *Tracker) {
		if ratio > 0 && ratio <= 1 {
			t.threshold = ratio
		}
	}
}

// WithTrackerLogger sets the tracker logger.
func WithTrackerLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithTrackerClock overrides the time source, for tests.
func WithTrackerClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// Tracker caches quota snapshots and answers throttle decisions. Safe for
// concurrent use; at most one refresh runs at a time.
type Tracker struct {
	fetcher   upstream.QuotaFetcher
	tokens    TokenSource
	staleness time.Duration
	threshold float64
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	last *Snapshot
}

// NewTracker creates a tracker over the given quota source.
func NewTracker(fetcher upstream.QuotaFetcher, tokens TokenSource, opts ...Option) *Tracker {
	t := &Tracker{
		fetcher:   fetcher,
		tokens:    tokens,
		staleness: DefaultStaleness,
		threshold: DefaultThrottleThreshold,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Snapshot returns the current quota view, refreshing it when the cached
// one has aged past the staleness bound. A failed refresh is non-fatal
// while an older snapshot exists: that snapshot is returned with Stale set.
func (t *Tracker) Snapshot(ctx context.Context) (Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.last != nil && t.now().Sub(t.last.FetchedAt) < t.staleness {
		return *t.last, nil
	}

	info, err := t.fetch(ctx)
	if err != nil {
		if t.last != nil {
			t.logger.Warn("quota refresh failed, serving stale snapshot",
				slog.String("error", err.Error()))
			stale := *t.last
			stale.Stale = true
			return stale, nil
		}
		return Snapshot{}, fmt.Errorf("quota unavailable: %w", err)
	}

	snap := Snapshot{
		Limit:     info.RequestLimit,
		Used:      info.RequestsUsed,
		ResetsAt:  info.ResetsAt,
		Unlimited: info.Unlimited,
		FetchedAt: t.now(),
	}
	t.last = &snap
	return snap, nil
}

func (t *Tracker) fetch(ctx context.Context) (*upstream.QuotaInfo, error) {
	cred, err := t.tokens.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return t.fetcher.FetchQuota(ctx, cred.AccessToken)
}

// ShouldThrottle reports whether new work of the given kind should be
// rejected. No snapshot has ever been obtained, or the account is
// unlimited: never throttle.
func (t *Tracker) ShouldThrottle(ctx context.Context, kind Kind) bool {
	if kind != KindRequest {
		return false
	}
	snap, err := t.Snapshot(ctx)
	if err != nil {
		return false
	}
	if snap.Unlimited || snap.Limit <= 0 {
		return false
	}
	return float64(snap.Used)/float64(snap.Limit) >= t.threshold
}

// Observe installs quota data learned opportunistically, outside the
// refresh path.
func (t *Tracker) Observe(info *upstream.QuotaInfo) {
	if info == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = &Snapshot{
		Limit:     info.RequestLimit,
		Used:      info.RequestsUsed,
		ResetsAt:  info.ResetsAt,
		Unlimited: info.Unlimited,
		FetchedAt: t.now(),
	}
}

// RecordUse bumps the cached used count after a successful request, so
// throttle decisions stay current between refreshes.
func (t *Tracker) RecordUse() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last != nil && !t.last.Unlimited {
		t.last.Used++
	}
}
