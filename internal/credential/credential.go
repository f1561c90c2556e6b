// Package credential manages the bearer credentials used against the
// upstream: a store with atomic get/replace, a multi-phase acquirer, and a
// single-flight lifecycle manager deciding between reuse, refresh, and
// re-acquisition.
package credential

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Credential is an access/refresh token pair. ExpiresAt is always derived
// from the exp claim inside AccessToken, never trusted from caller input.
type Credential struct {
	AccessToken  string
	RefreshToken string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// New builds a Credential, decoding the expiry out of the access token.
func New(accessToken, refreshToken string, issuedAt time.Time) (Credential, error) {
	expiresAt, err := decodeExpiry(accessToken)
	if err != nil {
		return Credential{}, fmt.Errorf("failed to decode token expiry: %w", err)
	}
	return Credential{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		IssuedAt:     issuedAt,
		ExpiresAt:    expiresAt,
	}, nil
}

// FreshFor reports whether the credential remains valid for at least the
// given buffer past now.
func (c Credential) FreshFor(now time.Time, buffer time.Duration) bool {
	return c.AccessToken != "" && c.ExpiresAt.Sub(now) > buffer
}

// decodeExpiry extracts the exp claim from a JWT-shaped token. Payload
// segments arrive with or without base64 padding; both are accepted.
func decodeExpiry(token string) (time.Time, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("token is not a three-segment JWT")
	}

	payload, err := decodeSegment(parts[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("undecodable payload segment: %w", err)
	}

	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return time.Time{}, fmt.Errorf("unparseable claims: %w", err)
	}
	if claims.Exp == 0 {
		return time.Time{}, fmt.Errorf("missing exp claim")
	}
	return time.Unix(claims.Exp, 0), nil
}

func decodeSegment(seg string) ([]byte, error) {
	seg = strings.TrimRight(seg, "=")
	if raw, err := base64.RawURLEncoding.DecodeString(seg); err == nil {
		return raw, nil
	}
	return base64.RawStdEncoding.DecodeString(seg)
}
