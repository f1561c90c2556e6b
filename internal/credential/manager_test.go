package credential

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeExchanger struct {
	mu           sync.Mutex
	acquires     atomic.Int32
	refreshes    atomic.Int32
	acquireErr   error
	refreshErr   error
	delay        time.Duration
	issued       Credential
	refreshIssue Credential
}

func (f *fakeExchanger) Acquire(ctx context.Context) (Credential, error) {
	f.acquires.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.acquireErr != nil {
		return Credential{}, f.acquireErr
	}
	return f.issued, nil
}

func (f *fakeExchanger) Refresh(ctx context.Context, refreshToken string) (Credential, error) {
	f.refreshes.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.refreshErr != nil {
		return Credential{}, f.refreshErr
	}
	return f.refreshIssue, nil
}

func futureCred(token, refresh string, ttl time.Duration) Credential {
	now := time.Now()
	return Credential{
		AccessToken:  token,
		RefreshToken: refresh,
		IssuedAt:     now,
		ExpiresAt:    now.Add(ttl),
	}
}

func TestManager_ReturnsFreshCredentialWithoutNetwork(t *testing.T) {
	ex := &fakeExchanger{}
	store := NewStore()
	store.Replace(futureCred("access-1", "refresh-1", time.Hour))

	m := NewManager(store, ex)
	cred, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.AccessToken != "access-1" {
		t.Errorf("AccessToken = %q", cred.AccessToken)
	}
	if n := ex.acquires.Load() + ex.refreshes.Load(); n != 0 {
		t.Errorf("expected no network exchanges, got %d", n)
	}
}

func TestManager_RefreshBufferBoundary(t *testing.T) {
	t.Run("90s remaining with 120s buffer refreshes", func(t *testing.T) {
		ex := &fakeExchanger{refreshIssue: futureCred("access-2", "refresh-1", time.Hour)}
		store := NewStore()
		store.Replace(futureCred("access-1", "refresh-1", 90*time.Second))

		m := NewManager(store, ex, WithRefreshBuffer(120*time.Second))
		if _, err := m.Acquire(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n := ex.refreshes.Load(); n != 1 {
			t.Errorf("refreshes = %d, want 1", n)
		}
	})

	t.Run("90s remaining with 30s buffer reuses", func(t *testing.T) {
		ex := &fakeExchanger{}
		store := NewStore()
		store.Replace(futureCred("access-1", "refresh-1", 90*time.Second))

		m := NewManager(store, ex, WithRefreshBuffer(30*time.Second))
		if _, err := m.Acquire(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n := ex.refreshes.Load() + ex.acquires.Load(); n != 0 {
			t.Errorf("network exchanges = %d, want 0", n)
		}
	})
}

func TestManager_SingleFlight(t *testing.T) {
	ex := &fakeExchanger{
		delay:        50 * time.Millisecond,
		refreshIssue: futureCred("access-2", "refresh-2", time.Hour),
	}
	store := NewStore()
	store.Replace(futureCred("access-1", "refresh-1", time.Second))

	m := NewManager(store, ex, WithRefreshBuffer(2*time.Minute))

	const callers = 16
	var wg sync.WaitGroup
	creds := make([]Credential, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			creds[i], errs[i] = m.Acquire(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if creds[i].AccessToken != "access-2" {
			t.Errorf("caller %d got %q, want the shared renewal result", i, creds[i].AccessToken)
		}
	}
	if n := ex.refreshes.Load() + ex.acquires.Load(); n != 1 {
		t.Errorf("network exchanges = %d, want exactly 1 (single-flight)", n)
	}
}

func TestManager_RefreshNowHonorsWideBuffer(t *testing.T) {
	t.Run("inside wide margin refreshes", func(t *testing.T) {
		ex := &fakeExchanger{refreshIssue: futureCred("access-2", "refresh-1", time.Hour)}
		store := NewStore()
		// Fresh for the 2m call-time buffer, but inside a 30m proactive one.
		store.Replace(futureCred("access-1", "refresh-1", 10*time.Minute))

		m := NewManager(store, ex)
		if err := m.RefreshNow(context.Background(), 30*time.Minute); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n := ex.refreshes.Load(); n != 1 {
			t.Errorf("refreshes = %d, want 1", n)
		}
		stored, _ := store.Get()
		if stored.AccessToken != "access-2" {
			t.Errorf("AccessToken = %q, want the renewed credential", stored.AccessToken)
		}
	})

	t.Run("outside margin is a no-op", func(t *testing.T) {
		ex := &fakeExchanger{}
		store := NewStore()
		store.Replace(futureCred("access-1", "refresh-1", time.Hour))

		m := NewManager(store, ex)
		if err := m.RefreshNow(context.Background(), 30*time.Minute); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n := ex.refreshes.Load() + ex.acquires.Load(); n != 0 {
			t.Errorf("network exchanges = %d, want 0", n)
		}
	})
}

func TestManager_DetectsRotation(t *testing.T) {
	ex := &fakeExchanger{refreshIssue: futureCred("access-2", "refresh-ROTATED", time.Hour)}
	store := NewStore()
	store.Replace(futureCred("access-1", "refresh-1", time.Second))

	m := NewManager(store, ex)
	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored, ok := store.Get()
	if !ok || stored.RefreshToken != "refresh-ROTATED" {
		t.Errorf("rotated refresh token not persisted: %+v", stored)
	}
}

func TestManager_RefreshFailureFallsBackToAcquire(t *testing.T) {
	ex := &fakeExchanger{
		refreshErr: &PhaseError{Phase: PhaseGrant, Status: 400, Message: "invalid_grant"},
		issued:     futureCred("access-3", "refresh-3", time.Hour),
	}
	store := NewStore()
	store.Replace(futureCred("access-1", "refresh-1", time.Second))

	m := NewManager(store, ex)
	cred, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.AccessToken != "access-3" {
		t.Errorf("AccessToken = %q, want fallback acquisition result", cred.AccessToken)
	}
	if ex.refreshes.Load() != 1 || ex.acquires.Load() != 1 {
		t.Errorf("refreshes=%d acquires=%d, want 1 and 1", ex.refreshes.Load(), ex.acquires.Load())
	}
}

func TestManager_AllRecoveryExhaustedIsUnavailable(t *testing.T) {
	ex := &fakeExchanger{
		refreshErr: &PhaseError{Phase: PhaseGrant, Status: 400, Message: "invalid_grant"},
		acquireErr: &PhaseError{Phase: PhaseAcquire, Status: 503, Message: "down"},
	}
	store := NewStore()
	store.Replace(futureCred("access-1", "refresh-1", time.Second))

	m := NewManager(store, ex)
	_, err := m.Acquire(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	// The underlying phase error stays reachable for diagnostics.
	var pe *PhaseError
	if !errors.As(err, &pe) {
		t.Errorf("expected wrapped PhaseError, got %v", err)
	}
}

func TestManager_AcquiresWhenStoreEmpty(t *testing.T) {
	ex := &fakeExchanger{issued: futureCred("access-1", "refresh-1", time.Hour)}
	m := NewManager(NewStore(), ex)

	cred, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.AccessToken != "access-1" {
		t.Errorf("AccessToken = %q", cred.AccessToken)
	}
	if ex.refreshes.Load() != 0 {
		t.Errorf("refreshes = %d, want 0 for an empty store", ex.refreshes.Load())
	}
}
