// Package session binds backend-issued MCP session ids to the credential of
// the caller that opened them, so follow-up requests carrying only the
// session id are attributed to the same caller.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/w3z4y4/mcp-gateway/internal/kv"
)

// KeyPrefix namespaces session bindings in the TTL store.
const KeyPrefix = "session:auth:"

// DefaultTTL is applied when Bind or ExtendTTL receive a zero ttl.
const DefaultTTL = 2 * time.Hour

// RemainingTTL sentinels, in seconds.
const (
	NeverExpires int64 = -1
	Absent       int64 = -2
)

// ErrInvalidInput is returned by write operations given an empty session id
// or credential, or a negative ttl.
var ErrInvalidInput = errors.New("session: invalid input")

// Store is the session affinity store. Expiry is enforced by the TTL store.
type Store struct {
	kv         kv.Store
	defaultTTL time.Duration
	logger     *slog.Logger
}

// NewStore creates a session store. A zero defaultTTL means DefaultTTL.
func NewStore(store kv.Store, defaultTTL time.Duration, logger *slog.Logger) *Store {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: store, defaultTTL: defaultTTL, logger: logger}
}

// DefaultTTL reports the ttl used when callers pass zero.
func (s *Store) DefaultTTL() time.Duration {
	return s.defaultTTL
}

func (s *Store) ttl(ttl time.Duration) (time.Duration, error) {
	if ttl < 0 {
		return 0, fmt.Errorf("%w: negative ttl %s", ErrInvalidInput, ttl)
	}
	if ttl == 0 {
		return s.defaultTTL, nil
	}
	return ttl, nil
}

// Bind associates sessionID with authKey, overwriting any prior binding.
func (s *Store) Bind(ctx context.Context, sessionID, authKey string, ttl time.Duration) error {
	if sessionID == "" || authKey == "" {
		return fmt.Errorf("%w: session id and auth key are required", ErrInvalidInput)
	}
	d, err := s.ttl(ttl)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, KeyPrefix+sessionID, authKey, d); err != nil {
		return fmt.Errorf("bind session: %w", err)
	}
	s.logger.Debug("session bound", "session_id", sessionID, "ttl", d)
	return nil
}

// Lookup returns the credential bound to sessionID. ok is false when the
// session is unknown, expired, or sessionID is empty.
func (s *Store) Lookup(ctx context.Context, sessionID string) (authKey string, ok bool, err error) {
	if sessionID == "" {
		return "", false, nil
	}
	v, err := s.kv.Get(ctx, KeyPrefix+sessionID)
	if errors.Is(err, kv.ErrNil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup session: %w", err)
	}
	return v, true, nil
}

// Unbind removes a binding. Removing an unknown session is not an error.
func (s *Store) Unbind(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	if _, err := s.kv.Delete(ctx, KeyPrefix+sessionID); err != nil {
		return fmt.Errorf("unbind session: %w", err)
	}
	return nil
}

// ExtendTTL resets the lifetime of an existing binding. It reports false when
// the session does not exist.
func (s *Store) ExtendTTL(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	if sessionID == "" {
		return false, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	d, err := s.ttl(ttl)
	if err != nil {
		return false, err
	}
	ok, err := s.kv.Expire(ctx, KeyPrefix+sessionID, d)
	if err != nil {
		return false, fmt.Errorf("extend session ttl: %w", err)
	}
	return ok, nil
}

// Exists reports whether sessionID is bound.
func (s *Store) Exists(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, nil
	}
	ok, err := s.kv.Exists(ctx, KeyPrefix+sessionID)
	if err != nil {
		return false, fmt.Errorf("session exists: %w", err)
	}
	return ok, nil
}

// RemainingTTL returns the remaining lifetime in seconds, NeverExpires or
// Absent.
func (s *Store) RemainingTTL(ctx context.Context, sessionID string) (int64, error) {
	if sessionID == "" {
		return Absent, nil
	}
	d, err := s.kv.TTL(ctx, KeyPrefix+sessionID)
	if err != nil {
		return Absent, fmt.Errorf("session ttl: %w", err)
	}
	switch d {
	case kv.NoExpiry:
		return NeverExpires, nil
	case kv.Missing:
		return Absent, nil
	}
	return int64(d.Round(time.Second) / time.Second), nil
}

// CleanExpired exists for operational symmetry: the TTL store expires
// bindings on its own. It returns the number of live bindings.
func (s *Store) CleanExpired(ctx context.Context) (int, error) {
	keys, err := s.kv.Keys(ctx, KeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	s.logger.Debug("session sweep", "live", len(keys))
	return len(keys), nil
}
