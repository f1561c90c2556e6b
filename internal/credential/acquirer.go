package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Phase names the acquisition exchange that failed.
type Phase string

const (
	// PhaseAcquire creates the anonymous principal.
	PhaseAcquire Phase = "acquire"
	// PhaseExchange trades the identity assertion for a refresh credential.
	PhaseExchange Phase = "exchange"
	// PhaseGrant trades the refresh credential for an access credential.
	PhaseGrant Phase = "grant"
)

// PhaseError reports a failure in one acquisition phase. RetryAfter carries
// the upstream's rate-limit hint when present; callers honor it before
// retrying the phase.
type PhaseError struct {
	Phase      Phase
	Status     int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *PhaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential %s failed: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("credential %s failed (status %d): %s", e.Phase, e.Status, e.Message)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// retryPolicy is applied uniformly at the phase boundary: a bounded number
// of attempts over an exponential schedule, with the rate-limit hint taking
// precedence over the schedule when the upstream provides one.
type retryPolicy struct {
	maxAttempts int
	schedule    backoff.BackOff
	retryable   func(error) bool
}

func (p retryPolicy) do(ctx context.Context, op func() error) error {
	p.schedule.Reset()
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if attempt >= p.maxAttempts || !p.retryable(err) {
			return err
		}

		wait := p.schedule.NextBackOff()
		var pe *PhaseError
		if errors.As(err, &pe) && pe.RetryAfter > 0 {
			wait = pe.RetryAfter
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func defaultRetryable(err error) bool {
	var pe *PhaseError
	if errors.As(err, &pe) {
		if pe.Status == http.StatusTooManyRequests {
			return true
		}
		return pe.Status >= 500
	}
	// Transport-level failures are retryable.
	return true
}

// AcquirerOption configures the acquirer.
type AcquirerOption func(*Acquirer)

// WithAcquirerHTTPClient sets a custom HTTP client.
func WithAcquirerHTTPClient(httpClient *http.Client) AcquirerOption {
	return func(a *Acquirer) {
		a.httpClient = httpClient
	}
}

// WithMaxAttempts bounds per-phase retry attempts.
func WithMaxAttempts(n int) AcquirerOption {
	return func(a *Acquirer) {
		if n > 0 {
			a.policy.maxAttempts = n
		}
	}
}

// WithAcquirerLogger sets the acquirer logger.
func WithAcquirerLogger(logger *slog.Logger) AcquirerOption {
	return func(a *Acquirer) {
		a.logger = logger
	}
}

// Acquirer produces a fresh Credential from no prior state through three
// sequential exchanges, each depending on the previous result. It never
// mutates the Store; the lifecycle Manager installs what it returns.
type Acquirer struct {
	signupURL   string
	exchangeURL string
	grantURL    string
	clientKey   string
	httpClient  *http.Client
	policy      retryPolicy
	logger      *slog.Logger
	now         func() time.Time
}

// NewAcquirer creates an acquirer for the given identity endpoints.
func NewAcquirer(signupURL, exchangeURL, grantURL, clientKey string, opts ...AcquirerOption) *Acquirer {
	a := &Acquirer{
		signupURL:   signupURL,
		exchangeURL: exchangeURL,
		grantURL:    grantURL,
		clientKey:   clientKey,
		httpClient:  http.DefaultClient,
		policy: retryPolicy{
			maxAttempts: 3,
			schedule:    backoff.NewExponentialBackOff(),
			retryable:   defaultRetryable,
		},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Acquire runs the full three-phase exchange and returns a new credential.
func (a *Acquirer) Acquire(ctx context.Context) (Credential, error) {
	var assertion string
	err := a.policy.do(ctx, func() error {
		var err error
		assertion, err = a.createAnonymousPrincipal(ctx)
		return err
	})
	if err != nil {
		return Credential{}, err
	}
	a.logger.Debug("anonymous principal created")

	var refreshToken string
	err = a.policy.do(ctx, func() error {
		var err error
		refreshToken, err = a.exchangeAssertion(ctx, assertion)
		return err
	})
	if err != nil {
		return Credential{}, err
	}
	a.logger.Debug("identity assertion exchanged")

	return a.Refresh(ctx, refreshToken)
}

// Refresh runs the grant phase alone, exchanging a refresh token for a new
// access credential. The upstream may rotate the refresh token as a side
// effect; the returned credential carries whichever token is now valid.
func (a *Acquirer) Refresh(ctx context.Context, refreshToken string) (Credential, error) {
	var cred Credential
	err := a.policy.do(ctx, func() error {
		var err error
		cred, err = a.grantAccess(ctx, refreshToken)
		return err
	})
	if err != nil {
		return Credential{}, err
	}
	a.logger.Debug("access credential granted",
		slog.Time("expires_at", cred.ExpiresAt),
		slog.Bool("refresh_rotated", cred.RefreshToken != refreshToken))
	return cred, nil
}

func (a *Acquirer) createAnonymousPrincipal(ctx context.Context) (string, error) {
	body, status, err := a.postJSON(ctx, a.signupURL, map[string]any{})
	if err != nil {
		return "", &PhaseError{Phase: PhaseAcquire, Err: err}
	}
	if status != http.StatusOK {
		return "", phaseErrorFromResponse(PhaseAcquire, status, body, nil)
	}

	var resp struct {
		IDToken string `json:"id_token"`
		Token   string `json:"idToken"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &PhaseError{Phase: PhaseAcquire, Err: fmt.Errorf("unparseable response: %w", err)}
	}
	assertion := resp.IDToken
	if assertion == "" {
		assertion = resp.Token
	}
	if assertion == "" {
		return "", &PhaseError{Phase: PhaseAcquire, Status: status, Message: "response carried no identity assertion"}
	}
	return assertion, nil
}

func (a *Acquirer) exchangeAssertion(ctx context.Context, assertion string) (string, error) {
	endpoint := a.exchangeURL + "?key=" + url.QueryEscape(a.clientKey)
	body, status, err := a.postJSON(ctx, endpoint, map[string]any{
		"token":             assertion,
		"returnSecureToken": true,
	})
	if err != nil {
		return "", &PhaseError{Phase: PhaseExchange, Err: err}
	}
	if status != http.StatusOK {
		return "", phaseErrorFromResponse(PhaseExchange, status, body, nil)
	}

	var resp struct {
		RefreshToken    string `json:"refreshToken"`
		RefreshTokenAlt string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &PhaseError{Phase: PhaseExchange, Err: fmt.Errorf("unparseable response: %w", err)}
	}
	token := resp.RefreshToken
	if token == "" {
		token = resp.RefreshTokenAlt
	}
	if token == "" {
		return "", &PhaseError{Phase: PhaseExchange, Status: status, Message: "response carried no refresh credential"}
	}
	return token, nil
}

func (a *Acquirer) grantAccess(ctx context.Context, refreshToken string) (Credential, error) {
	form := url.Values{
		"grant_type":    []string{"refresh_token"},
		"refresh_token": []string{refreshToken},
	}
	endpoint := a.grantURL + "?key=" + url.QueryEscape(a.clientKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Credential{}, &PhaseError{Phase: PhaseGrant, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Credential{}, &PhaseError{Phase: PhaseGrant, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Credential{}, &PhaseError{Phase: PhaseGrant, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return Credential{}, phaseErrorFromResponse(PhaseGrant, resp.StatusCode, body, resp.Header)
	}

	var grant struct {
		AccessToken     string `json:"access_token"`
		AccessTokenAlt  string `json:"accessToken"`
		RefreshToken    string `json:"refresh_token"`
		RefreshTokenAlt string `json:"refreshToken"`
	}
	if err := json.Unmarshal(body, &grant); err != nil {
		return Credential{}, &PhaseError{Phase: PhaseGrant, Err: fmt.Errorf("unparseable response: %w", err)}
	}

	access := grant.AccessToken
	if access == "" {
		access = grant.AccessTokenAlt
	}
	rotated := grant.RefreshToken
	if rotated == "" {
		rotated = grant.RefreshTokenAlt
	}
	if rotated == "" {
		rotated = refreshToken
	}
	if access == "" {
		return Credential{}, &PhaseError{Phase: PhaseGrant, Status: resp.StatusCode, Message: "response carried no access credential"}
	}

	cred, err := New(access, rotated, a.now())
	if err != nil {
		return Credential{}, &PhaseError{Phase: PhaseGrant, Err: err}
	}
	return cred, nil
}

func (a *Acquirer) postJSON(ctx context.Context, endpoint string, payload any) ([]byte, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return respBody, resp.StatusCode, nil
}

func phaseErrorFromResponse(phase Phase, status int, body []byte, header http.Header) *PhaseError {
	pe := &PhaseError{Phase: phase, Status: status, Message: strings.TrimSpace(string(body))}
	if status == http.StatusTooManyRequests {
		pe.RetryAfter = parseRetryAfter(header, body)
	}
	return pe
}

// parseRetryAfter reads the rate-limit hint from the Retry-After header or,
// failing that, a retry_after field in the error body.
func parseRetryAfter(header http.Header, body []byte) time.Duration {
	if header != nil {
		if v := header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	var resp struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &resp); err == nil && resp.RetryAfter > 0 {
		return time.Duration(resp.RetryAfter * float64(time.Second))
	}
	return 0
}
