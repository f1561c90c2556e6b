package sqlite

import (
	"testing"
	"time"

	"github.com/tjfontaine/warpgate/internal/credential"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// In-memory SQLite with shared cache keeps the schema alive across
	// connections within the test.
	store, err := New("file:" + t.Name() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCredentialRoundTrip(t *testing.T) {
	store := newTestStore(t)

	loaded, err := store.LoadCredential()
	if err != nil {
		t.Fatalf("LoadCredential() error = %v", err)
	}
	if loaded != nil {
		t.Fatalf("empty store returned %+v", loaded)
	}

	now := time.Now().UTC().Truncate(time.Second)
	cred := credential.Credential{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Hour),
	}
	if err := store.SaveCredential(cred); err != nil {
		t.Fatalf("SaveCredential() error = %v", err)
	}

	loaded, err = store.LoadCredential()
	if err != nil {
		t.Fatalf("LoadCredential() error = %v", err)
	}
	if loaded == nil || loaded.AccessToken != "access-1" || loaded.RefreshToken != "refresh-1" {
		t.Errorf("loaded = %+v", loaded)
	}
	if !loaded.ExpiresAt.Equal(cred.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", loaded.ExpiresAt, cred.ExpiresAt)
	}
}

func TestCredentialUpsert(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	for _, token := range []string{"access-1", "access-2"} {
		if err := store.SaveCredential(credential.Credential{
			AccessToken:  token,
			RefreshToken: "refresh",
			IssuedAt:     now,
			ExpiresAt:    now.Add(time.Hour),
		}); err != nil {
			t.Fatalf("SaveCredential(%s) error = %v", token, err)
		}
	}

	loaded, err := store.LoadCredential()
	if err != nil {
		t.Fatalf("LoadCredential() error = %v", err)
	}
	if loaded.AccessToken != "access-2" {
		t.Errorf("AccessToken = %q, want the replacement", loaded.AccessToken)
	}
}

func TestUsageRoundTrip(t *testing.T) {
	store := newTestStore(t)

	loaded, err := store.LoadUsage()
	if err != nil {
		t.Fatalf("LoadUsage() error = %v", err)
	}
	if loaded != nil {
		t.Fatalf("empty store returned %+v", loaded)
	}

	now := time.Now().UTC().Truncate(time.Second)
	rec := UsageRecord{
		RequestLimit: 150,
		RequestsUsed: 42,
		ResetsAt:     now.Add(24 * time.Hour),
		FetchedAt:    now,
	}
	if err := store.SaveUsage(rec); err != nil {
		t.Fatalf("SaveUsage() error = %v", err)
	}

	loaded, err = store.LoadUsage()
	if err != nil {
		t.Fatalf("LoadUsage() error = %v", err)
	}
	if loaded.RequestLimit != 150 || loaded.RequestsUsed != 42 {
		t.Errorf("loaded = %+v", loaded)
	}
}
