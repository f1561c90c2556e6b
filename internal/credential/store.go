package credential

import (
	"log/slog"
	"sync"
)

// Cache persists credentials across restarts. Persistence is an
// optimization only; load and save failures are never fatal.
type Cache interface {
	SaveCredential(cred Credential) error
	LoadCredential() (*Credential, error)
}

// Store holds the current credential with atomic get/replace. All mutation
// flows through the lifecycle Manager; the store itself only guards access.
type Store struct {
	mu      sync.RWMutex
	current *Credential
	cache   Cache
	logger  *slog.Logger
}

// StoreOption configures the store.
type StoreOption func(*Store)

// WithCache attaches a durable credential cache.
func WithCache(cache Cache) StoreOption {
	return func(s *Store) {
		s.cache = cache
	}
}

// WithStoreLogger sets the store logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a store, warming it from the durable cache when one is
// attached.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	if s.cache != nil {
		cred, err := s.cache.LoadCredential()
		if err != nil {
			s.logger.Warn("credential cache load failed", slog.String("error", err.Error()))
		} else if cred != nil {
			s.current = cred
		}
	}
	return s
}

// Get returns the current credential, if any.
func (s *Store) Get() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Credential{}, false
	}
	return *s.current, true
}

// Replace installs a new credential and writes through to the cache.
func (s *Store) Replace(cred Credential) {
	s.mu.Lock()
	s.current = &cred
	cache := s.cache
	s.mu.Unlock()

	if cache != nil {
		if err := cache.SaveCredential(cred); err != nil {
			s.logger.Warn("credential cache save failed", slog.String("error", err.Error()))
		}
	}
}
