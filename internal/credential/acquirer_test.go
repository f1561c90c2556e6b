package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestExchange(t *testing.T, grantHandler http.HandlerFunc) (*httptest.Server, *Acquirer) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/signup", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"idToken":"assertion-1"}`)
	})
	mux.HandleFunc("/exchange", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"refreshToken":"refresh-1"}`)
	})
	mux.HandleFunc("/grant", grantHandler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	acq := NewAcquirer(
		srv.URL+"/signup",
		srv.URL+"/exchange",
		srv.URL+"/grant",
		"client-key",
		WithMaxAttempts(1),
	)
	return srv, acq
}

func TestAcquirer_FullExchange(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	_, acq := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("unparseable grant form: %v", err)
		}
		if got := r.PostFormValue("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostFormValue("refresh_token"); got != "refresh-1" {
			t.Errorf("refresh_token = %q", got)
		}
		fmt.Fprintf(w, `{"access_token":%q,"refresh_token":"refresh-2"}`, testToken(exp))
	})

	cred, err := acq.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.RefreshToken != "refresh-2" {
		t.Errorf("RefreshToken = %q, want rotated refresh-2", cred.RefreshToken)
	}
	if cred.ExpiresAt.Unix() != exp {
		t.Errorf("ExpiresAt = %d, want %d (from token claim)", cred.ExpiresAt.Unix(), exp)
	}
}

func TestAcquirer_GrantRateLimitCarriesRetryAfter(t *testing.T) {
	_, acq := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"rate_limit_exceeded"}`)
	})

	_, err := acq.Acquire(context.Background())
	var pe *PhaseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PhaseError, got %v", err)
	}
	if pe.Phase != PhaseGrant {
		t.Errorf("Phase = %q, want grant", pe.Phase)
	}
	if pe.RetryAfter != 17*time.Second {
		t.Errorf("RetryAfter = %v, want 17s", pe.RetryAfter)
	}
}

func TestAcquirer_RetryAfterFromBody(t *testing.T) {
	_, acq := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"rate_limit_exceeded","retry_after":2.5}`)
	})

	_, err := acq.Acquire(context.Background())
	var pe *PhaseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PhaseError, got %v", err)
	}
	if pe.RetryAfter != 2500*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 2.5s", pe.RetryAfter)
	}
}

func TestAcquirer_SignupFailureIsAcquirePhase(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/signup", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"blocked"}}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	acq := NewAcquirer(srv.URL+"/signup", srv.URL+"/exchange", srv.URL+"/grant", "k", WithMaxAttempts(1))
	_, err := acq.Acquire(context.Background())

	var pe *PhaseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PhaseError, got %v", err)
	}
	if pe.Phase != PhaseAcquire {
		t.Errorf("Phase = %q, want acquire", pe.Phase)
	}
}

func TestAcquirer_InvalidAssertionIsExchangePhase(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/signup", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"idToken":"expired-assertion"}`)
	})
	mux.HandleFunc("/exchange", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"INVALID_CUSTOM_TOKEN"}}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	acq := NewAcquirer(srv.URL+"/signup", srv.URL+"/exchange", srv.URL+"/grant", "k", WithMaxAttempts(1))
	_, err := acq.Acquire(context.Background())

	var pe *PhaseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PhaseError, got %v", err)
	}
	if pe.Phase != PhaseExchange {
		t.Errorf("Phase = %q, want exchange", pe.Phase)
	}
}

func TestAcquirer_RetriesServerErrors(t *testing.T) {
	var grants int
	exp := time.Now().Add(time.Hour).Unix()
	_, acq := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		grants++
		if grants == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprintf(w, `{"access_token":%q}`, testToken(exp))
	})
	acq.policy.maxAttempts = 2
	acq.policy.schedule = constantSchedule(time.Millisecond)

	cred, err := acq.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if grants != 2 {
		t.Errorf("grant attempts = %d, want 2", grants)
	}
	// No rotation in the grant response: the input refresh token is kept.
	if cred.RefreshToken != "refresh-1" {
		t.Errorf("RefreshToken = %q, want refresh-1", cred.RefreshToken)
	}
}

type constantSchedule time.Duration

func (c constantSchedule) NextBackOff() time.Duration { return time.Duration(c) }
func (c constantSchedule) Reset()                     {}
