package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tjfontaine/warpgate/internal/credential"
	"github.com/tjfontaine/warpgate/internal/upstream"
)

type fakeQuota struct {
	info  *upstream.QuotaInfo
	err   error
	calls int
}

func (f *fakeQuota) FetchQuota(ctx context.Context, accessToken string) (*upstream.QuotaInfo, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.info, nil
}

type staticTokens struct{}

func (staticTokens) Acquire(ctx context.Context) (credential.Credential, error) {
	return credential.Credential{AccessToken: "token"}, nil
}

func TestSnapshot_CachesWithinStalenessBound(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	fetcher := &fakeQuota{info: &upstream.QuotaInfo{RequestLimit: 100, RequestsUsed: 10}}
	tr := NewTracker(fetcher, staticTokens{}, WithTrackerClock(clock))

	for i := 0; i < 3; i++ {
		if _, err := tr.Snapshot(context.Background()); err != nil {
			t.Fatalf("snapshot %d: %v", i, err)
		}
	}
	if fetcher.calls != 1 {
		t.Errorf("fetch calls = %d, want 1 (cached)", fetcher.calls)
	}

	// Move past the staleness bound: the next snapshot refreshes.
	now = now.Add(DefaultStaleness + time.Second)
	if _, err := tr.Snapshot(context.Background()); err != nil {
		t.Fatalf("snapshot after staleness: %v", err)
	}
	if fetcher.calls != 2 {
		t.Errorf("fetch calls = %d, want 2", fetcher.calls)
	}
}

func TestSnapshot_ServesStaleOnRefreshFailure(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	fetcher := &fakeQuota{info: &upstream.QuotaInfo{RequestLimit: 100, RequestsUsed: 10}}
	tr := NewTracker(fetcher, staticTokens{}, WithTrackerClock(clock))

	if _, err := tr.Snapshot(context.Background()); err != nil {
		t.Fatalf("initial snapshot: %v", err)
	}

	now = now.Add(DefaultStaleness + time.Second)
	fetcher.err = errors.New("quota endpoint down")

	snap, err := tr.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("expected stale snapshot, got error: %v", err)
	}
	if !snap.Stale {
		t.Error("snapshot not marked stale")
	}
	if snap.Used != 10 {
		t.Errorf("Used = %d, want the last known value", snap.Used)
	}
}

func TestSnapshot_ErrorWhenNeverObtained(t *testing.T) {
	fetcher := &fakeQuota{err: errors.New("down")}
	tr := NewTracker(fetcher, staticTokens{})

	if _, err := tr.Snapshot(context.Background()); err == nil {
		t.Fatal("expected error with no prior snapshot")
	}
}

func TestShouldThrottle(t *testing.T) {
	cases := []struct {
		name string
		info upstream.QuotaInfo
		want bool
	}{
		{"under threshold", upstream.QuotaInfo{RequestLimit: 100, RequestsUsed: 50}, false},
		{"at threshold", upstream.QuotaInfo{RequestLimit: 100, RequestsUsed: 95}, true},
		{"exhausted", upstream.QuotaInfo{RequestLimit: 100, RequestsUsed: 100}, true},
		{"unlimited account", upstream.QuotaInfo{RequestLimit: 100, RequestsUsed: 100, Unlimited: true}, false},
		{"zero limit", upstream.QuotaInfo{RequestLimit: 0, RequestsUsed: 0}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			info := tc.info
			tr := NewTracker(&fakeQuota{info: &info}, staticTokens{})
			if got := tr.ShouldThrottle(context.Background(), KindRequest); got != tc.want {
				t.Errorf("ShouldThrottle = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestShouldThrottle_NeverObtainedMeansNoThrottle(t *testing.T) {
	tr := NewTracker(&fakeQuota{err: errors.New("down")}, staticTokens{})
	if tr.ShouldThrottle(context.Background(), KindRequest) {
		t.Error("throttled with no quota data")
	}
}

func TestRecordUse(t *testing.T) {
	tr := NewTracker(&fakeQuota{info: &upstream.QuotaInfo{RequestLimit: 100, RequestsUsed: 94}}, staticTokens{})
	if tr.ShouldThrottle(context.Background(), KindRequest) {
		t.Fatal("throttled at 94/100")
	}

	tr.RecordUse()
	if !tr.ShouldThrottle(context.Background(), KindRequest) {
		t.Error("not throttled at 95/100 after a recorded use")
	}
}

func TestObserve(t *testing.T) {
	fetcher := &fakeQuota{err: errors.New("down")}
	tr := NewTracker(fetcher, staticTokens{})

	tr.Observe(&upstream.QuotaInfo{RequestLimit: 50, RequestsUsed: 49})

	snap, err := tr.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot after observe: %v", err)
	}
	if snap.Limit != 50 || snap.Used != 49 {
		t.Errorf("snapshot = %+v", snap)
	}
	if fetcher.calls != 0 {
		t.Errorf("fetch calls = %d, want 0", fetcher.calls)
	}
}
