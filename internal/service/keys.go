package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/w3z4y4/mcp-gateway/internal/config"
	"github.com/w3z4y4/mcp-gateway/internal/model"
)

// RawKeyPrefix starts every generated auth key.
const RawKeyPrefix = "mcpgw_"

// displayPrefixLen covers RawKeyPrefix plus 8 hex chars.
const displayPrefixLen = len(RawKeyPrefix) + 8

// CacheInvalidator drops cached auth decisions for a key hash.
type CacheInvalidator interface {
	Forget(ctx context.Context, hash string) error
}

// KeyService creates and revokes gateway auth keys. Every change is followed
// by a cache invalidation so a revoked key stops working before its positive
// cache entry would expire.
type KeyService struct {
	store  *config.Store
	cache  CacheInvalidator
	logger *slog.Logger
}

func NewKeyService(store *config.Store, cache CacheInvalidator, logger *slog.Logger) *KeyService {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyService{store: store, cache: cache, logger: logger}
}

// IssueKeyRequest describes a key to create.
type IssueKeyRequest struct {
	UserID    string
	ServiceID string // empty grants every service
	Label     string
	TTL       time.Duration // zero means no expiry
	// Replace deactivates the user's existing keys for ServiceID first.
	Replace bool
}

// IssuedKey is a freshly created key. RawKey is returned only here and is
// never stored.
type IssuedKey struct {
	Key    *model.AuthKey
	RawKey string
}

// GenerateKey returns a random raw key: RawKeyPrefix followed by 64 hex chars.
func GenerateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return RawKeyPrefix + hex.EncodeToString(b), nil
}

// Issue creates a new active key.
func (s *KeyService) Issue(ctx context.Context, req IssueKeyRequest) (*IssuedKey, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, errors.New("user id is required")
	}
	if req.ServiceID != "" {
		if _, err := s.store.FindServiceByID(ctx, req.ServiceID); err != nil {
			if errors.Is(err, config.ErrNotFound) {
				return nil, fmt.Errorf("service %q: %w", req.ServiceID, config.ErrNotFound)
			}
			return nil, err
		}
	}

	if req.Replace {
		if err := s.replace(ctx, req.UserID, req.ServiceID); err != nil {
			return nil, err
		}
	}

	raw, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	key := &model.AuthKey{
		KeyHash:   config.HashAPIKey(raw),
		KeyPrefix: raw[:displayPrefixLen],
		UserID:    req.UserID,
		ServiceID: req.ServiceID,
		Label:     req.Label,
		IsActive:  true,
	}
	if req.TTL > 0 {
		exp := time.Now().Add(req.TTL).UTC()
		key.ExpiresAt = &exp
	}
	if err := s.store.CreateAuthKey(ctx, key); err != nil {
		return nil, err
	}
	s.forget(ctx, key.KeyHash)
	s.logger.Info("auth key issued", "key_id", key.ID, "user_id", key.UserID, "service_id", key.ServiceID)
	return &IssuedKey{Key: key, RawKey: raw}, nil
}

func (s *KeyService) replace(ctx context.Context, userID, serviceID string) error {
	existing, err := s.store.ListAuthKeys(ctx, config.KeyFilter{UserID: userID, ServiceID: serviceID, ActiveOnly: true})
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return nil
	}
	if _, err := s.store.DeactivateUserServiceKeys(ctx, userID, serviceID); err != nil {
		return err
	}
	for _, k := range existing {
		s.forget(ctx, k.KeyHash)
	}
	s.logger.Info("auth keys replaced", "user_id", userID, "service_id", serviceID, "count", len(existing))
	return nil
}

// Revoke deactivates a key by id, or by display prefix when ref starts with
// RawKeyPrefix.
func (s *KeyService) Revoke(ctx context.Context, ref string) (*model.AuthKey, error) {
	var (
		key *model.AuthKey
		err error
	)
	if strings.HasPrefix(ref, RawKeyPrefix) {
		key, err = s.findByPrefix(ctx, ref)
	} else {
		key, err = s.store.FindAuthKeyByID(ctx, ref)
	}
	if err != nil {
		return nil, err
	}
	if err := s.store.RevokeAuthKey(ctx, key.ID); err != nil {
		return nil, err
	}
	key.IsActive = false
	s.forget(ctx, key.KeyHash)
	s.logger.Info("auth key revoked", "key_id", key.ID, "user_id", key.UserID)
	return key, nil
}

func (s *KeyService) findByPrefix(ctx context.Context, prefix string) (*model.AuthKey, error) {
	keys, err := s.store.ListAuthKeys(ctx, config.KeyFilter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	for i := range keys {
		if keys[i].KeyPrefix == prefix {
			return &keys[i], nil
		}
	}
	return nil, config.ErrNotFound
}

// List returns keys matching f.
func (s *KeyService) List(ctx context.Context, f config.KeyFilter) ([]model.AuthKey, error) {
	return s.store.ListAuthKeys(ctx, f)
}

func (s *KeyService) forget(ctx context.Context, hash string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Forget(ctx, hash); err != nil {
		s.logger.Warn("auth cache invalidation failed", "error", err)
	}
}
