package credential

import (
	"encoding/base64"
	"fmt"
	"testing"
	"time"
)

// testToken builds a JWT-shaped token whose payload carries the given exp.
func testToken(exp int64) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(`{"exp":%d,"sub":"anon"}`, exp)))
	return header + "." + payload + ".sig"
}

func TestNew_DerivesExpiryFromToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	cred, err := New(testToken(exp), "refresh-1", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cred.ExpiresAt.Unix(); got != exp {
		t.Errorf("ExpiresAt = %d, want %d", got, exp)
	}
}

func TestNew_ToleratesPaddedPayload(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	payload := base64.URLEncoding.EncodeToString([]byte(fmt.Sprintf(`{"exp":%d}`, exp)))
	token := header + "." + payload + ".sig"

	cred, err := New(token, "refresh-1", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cred.ExpiresAt.Unix(); got != exp {
		t.Errorf("ExpiresAt = %d, want %d", got, exp)
	}
}

func TestNew_RejectsMalformedTokens(t *testing.T) {
	cases := []struct {
		name  string
		token string
	}{
		{"not a jwt", "opaque-token"},
		{"missing exp", func() string {
			header := base64.RawURLEncoding.EncodeToString([]byte(`{}`))
			payload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"anon"}`))
			return header + "." + payload + ".sig"
		}()},
		{"garbage payload", "a.!!!.c"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.token, "r", time.Now()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestFreshFor(t *testing.T) {
	now := time.Now()
	cred := Credential{AccessToken: "t", ExpiresAt: now.Add(90 * time.Second)}

	if cred.FreshFor(now, 120*time.Second) {
		t.Error("credential expiring in 90s should not be fresh for a 120s buffer")
	}
	if !cred.FreshFor(now, 30*time.Second) {
		t.Error("credential expiring in 90s should be fresh for a 30s buffer")
	}
}
