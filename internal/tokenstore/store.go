package tokenstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// RefreshMargin is how far ahead of the real deadline a credential is
// considered expired. One margin serves both IsExpired and NeedsRefresh so
// expiry checks and the proactive renewal timer can never disagree about
// whether a token is still usable.
const RefreshMargin = 5 * time.Minute

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithMargin overrides the default RefreshMargin.
func WithMargin(margin time.Duration) StoreOption {
	return func(s *Store) {
		s.margin = margin
	}
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// Store owns the single credential record. All reads and writes go through
// one mutex, so no partial-write state is ever observable by a concurrent
// reader. The in-memory copy is authoritative within the process; the backend
// provides durability across restarts.
type Store struct {
	backend Backend
	margin  time.Duration
	now     func() time.Time

	mu     sync.Mutex
	cached *Credential
	loaded bool
}

// New creates a Store on top of the given backend.
func New(backend Backend, opts ...StoreOption) *Store {
	s := &Store{
		backend: backend,
		margin:  RefreshMargin,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save replaces the current credential. ExpiresAt is computed here as
// now + expiresIn. A backend write failure is logged and swallowed: callers
// still observe the new values in memory, and persistence loss only costs a
// re-login after the next restart.
func (s *Store) Save(ctx context.Context, accessToken, refreshToken string, expiresIn time.Duration) {
	cred := &Credential{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    s.now().Add(expiresIn),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cached = cred
	s.loaded = true

	data, err := json.Marshal(cred)
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode credential", "error", err)
		return
	}
	if err := s.backend.Write(ctx, data); err != nil {
		slog.ErrorContext(ctx, "failed to persist credential", "error", err)
	}
}

// Get returns a copy of the current credential, or nil if none exists.
// Never fails: a missing or corrupt record is treated as absent.
func (s *Store) Get(ctx context.Context) *Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx)
}

func (s *Store) getLocked(ctx context.Context) *Credential {
	if !s.loaded {
		s.loaded = true
		s.cached = s.load(ctx)
	}
	if s.cached == nil {
		return nil
	}
	cred := *s.cached
	return &cred
}

// load reads and decodes the backend record. Corruption is logged and
// treated as "logged out".
func (s *Store) load(ctx context.Context) *Credential {
	data, err := s.backend.Read(ctx)
	if err != nil {
		return nil
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		slog.WarnContext(ctx, "discarding corrupt credential record", "error", err)
		return nil
	}
	if cred.AccessToken == "" && cred.RefreshToken == "" {
		return nil
	}
	return &cred
}

// AccessToken returns the stored access token, or "" if none.
func (s *Store) AccessToken(ctx context.Context) string {
	if cred := s.Get(ctx); cred != nil {
		return cred.AccessToken
	}
	return ""
}

// RefreshToken returns the stored refresh token, or "" if none.
func (s *Store) RefreshToken(ctx context.Context) string {
	if cred := s.Get(ctx); cred != nil {
		return cred.RefreshToken
	}
	return ""
}

// IsExpired reports whether the credential is absent or within the refresh
// margin of its deadline.
func (s *Store) IsExpired(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred := s.getLocked(ctx)
	if cred == nil {
		return true
	}
	return !cred.ExpiresAt.After(s.now().Add(s.margin))
}

// NeedsRefresh reports whether a proactive refresh should run. Identical to
// IsExpired on purpose: a single margin constant decides both.
func (s *Store) NeedsRefresh(ctx context.Context) bool {
	return s.IsExpired(ctx)
}

// Clear deletes the credential. Idempotent; a backend failure is logged and
// swallowed, the in-memory record is gone either way.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cached = nil
	s.loaded = true

	if err := s.backend.Clear(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to clear persisted credential", "error", err)
	}
}
