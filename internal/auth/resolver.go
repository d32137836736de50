// Package auth decides whether a gateway request may proceed. Requests are
// evaluated in a fixed order: path whitelist, IP whitelist, then a presented
// key or a session id bound to one. Keys are checked against a static list or
// against the persisted store behind negative and positive caches.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/w3z4y4/mcp-gateway/internal/config"
	"github.com/w3z4y4/mcp-gateway/internal/kv"
	"github.com/w3z4y4/mcp-gateway/internal/model"
	"github.com/w3z4y4/mcp-gateway/internal/telemetry"
)

// Cache key prefixes. Both are keyed by the key fingerprint so raw keys never
// reach the TTL store.
const (
	PositiveCachePrefix = "auth:key:"
	NegativeCachePrefix = "auth:status:"
)

// Validation modes.
const (
	ModePersisted = "db"
	ModeStatic    = "static"
)

const (
	DefaultCacheTTL       = 30 * time.Minute
	DefaultNegativeTTL    = 5 * time.Minute
	DefaultResolveTimeout = 3 * time.Second
)

// KeyStore is the authoritative source of auth keys.
type KeyStore interface {
	FindKeyByHash(ctx context.Context, hash string) (*model.AuthKey, error)
	UpdateLastUsed(ctx context.Context, id string, at time.Time) error
}

// SessionLookup resolves a session id to the key fingerprint bound to it.
type SessionLookup interface {
	Lookup(ctx context.Context, sessionID string) (string, bool, error)
}

// Options configures a Resolver.
type Options struct {
	Enabled         bool
	Mode            string
	StaticKeys      []string
	Whitelist       []string
	IPWhitelist     bool
	AllowedIPs      []string
	TrustedProxies  []string // peers whose forwarding headers are believed; empty trusts none
	CacheTTL        time.Duration
	NegativeTTL     time.Duration
	ResolveTimeout  time.Duration
	EnforceKeyScope bool
	Prefix          string // gateway route prefix, default "/gateway"

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Auditor *Auditor
	Now     func() time.Time
}

// Resolver turns an inbound request into a Decision.
type Resolver struct {
	enabled     bool
	mode        string
	static      map[string]struct{}
	whitelist   Whitelist
	ipCheck     bool
	allowed     IPSet
	trusted     IPSet
	cacheTTL    time.Duration
	negativeTTL time.Duration
	timeout     time.Duration
	scoped      bool
	prefix      string

	keys     KeyStore
	sessions SessionLookup
	cache    kv.Store

	logger  *slog.Logger
	metrics *telemetry.Metrics
	auditor *Auditor
	now     func() time.Time

	bg sync.WaitGroup
}

// cachedKey is the positive cache payload.
type cachedKey struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	ServiceID string     `json:"service_id"`
	IsActive  bool       `json:"is_active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (c cachedKey) authKey(hash string) *model.AuthKey {
	return &model.AuthKey{
		ID:        c.ID,
		KeyHash:   hash,
		UserID:    c.UserID,
		ServiceID: c.ServiceID,
		IsActive:  c.IsActive,
		ExpiresAt: c.ExpiresAt,
	}
}

// New creates a Resolver. keys and cache may be nil in static mode; sessions
// may be nil to disable session-based authentication.
func New(keys KeyStore, sessions SessionLookup, cache kv.Store, opts Options) (*Resolver, error) {
	mode := strings.ToLower(strings.TrimSpace(opts.Mode))
	switch mode {
	case "", "db", "database", "persisted":
		mode = ModePersisted
	case ModeStatic:
	default:
		return nil, fmt.Errorf("auth: unknown mode %q", opts.Mode)
	}
	if mode == ModePersisted && opts.Enabled && (keys == nil || cache == nil) {
		return nil, errors.New("auth: persisted mode requires a key store and a cache")
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = DefaultNegativeTTL
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = DefaultResolveTimeout
	}
	if opts.Prefix == "" {
		opts.Prefix = model.DefaultGatewayPrefix
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Resolver{
		enabled:     opts.Enabled,
		mode:        mode,
		static:      make(map[string]struct{}, len(opts.StaticKeys)),
		whitelist:   Whitelist(opts.Whitelist),
		ipCheck:     opts.IPWhitelist,
		cacheTTL:    opts.CacheTTL,
		negativeTTL: opts.NegativeTTL,
		timeout:     opts.ResolveTimeout,
		scoped:      opts.EnforceKeyScope,
		prefix:      opts.Prefix,
		keys:        keys,
		sessions:    sessions,
		cache:       cache,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		auditor:     opts.Auditor,
		now:         opts.Now,
	}
	for _, k := range opts.StaticKeys {
		if k = strings.TrimSpace(k); k != "" {
			r.static[Fingerprint(k)] = struct{}{}
		}
	}
	var err error
	if r.allowed, err = ParseIPSet(opts.AllowedIPs); err != nil {
		return nil, fmt.Errorf("auth: allowed_ips: %w", err)
	}
	if r.trusted, err = ParseIPSet(opts.TrustedProxies); err != nil {
		return nil, fmt.Errorf("auth: trusted_proxies: %w", err)
	}
	return r, nil
}

// Fingerprint returns the SHA-256 hex digest under which a raw key is stored
// and cached.
func Fingerprint(rawKey string) string {
	return config.HashAPIKey(rawKey)
}

// Mode reports the active validation mode.
func (r *Resolver) Mode() string { return r.mode }

// Enabled reports whether authentication is enforced.
func (r *Resolver) Enabled() bool { return r.enabled }

// Resolve evaluates req and records the decision in the audit trail.
func (r *Resolver) Resolve(req *http.Request) Decision {
	d := r.decide(req)
	d.ClientIP = r.ClientIP(req)
	r.record(req, d)
	return d
}

func (r *Resolver) decide(req *http.Request) Decision {
	if r.whitelist.Match(req.URL.Path) {
		return allow(MethodWhitelist)
	}
	if !r.enabled {
		return allow(MethodDisabled)
	}
	if r.ipCheck && !r.allowed.Contains(r.ClientIP(req)) {
		return deny(MethodNone, CodeIPDenied, "")
	}

	serviceID, _, _ := model.SplitGatewayURL(r.prefix, req.URL)

	ctx, cancel := context.WithTimeout(req.Context(), r.timeout)
	defer cancel()

	if raw := ExtractKey(req); raw != "" {
		d := r.validate(ctx, Fingerprint(raw), serviceID, r.keyMethod())
		d.ServiceID = serviceID
		return d
	}

	sid := ExtractSessionID(req)
	if sid == "" {
		return deny(MethodNone, CodeNoCredential, "")
	}
	if r.sessions == nil {
		d := deny(MethodSession, CodeInvalidSession, ReasonSessionNotFound)
		d.SessionID = sid
		return d
	}
	hash, ok, err := r.sessions.Lookup(ctx, sid)
	if err != nil {
		d := r.storeFailure(ctx, MethodSession, err)
		d.SessionID = sid
		return d
	}
	if !ok || hash == "" {
		d := deny(MethodSession, CodeInvalidSession, ReasonSessionNotFound)
		d.SessionID = sid
		d.ServiceID = serviceID
		return d
	}
	d := r.validate(ctx, hash, serviceID, MethodSession)
	d.SessionID = sid
	d.ServiceID = serviceID
	return d
}

func (r *Resolver) keyMethod() Method {
	if r.mode == ModeStatic {
		return MethodStatic
	}
	return MethodKey
}

// Validate checks a raw key outside of an HTTP request, for example from the
// admin API. It is not audited.
func (r *Resolver) Validate(ctx context.Context, rawKey, serviceID string) Decision {
	if strings.TrimSpace(rawKey) == "" {
		return deny(MethodNone, CodeNoCredential, "")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	d := r.validate(ctx, Fingerprint(rawKey), serviceID, r.keyMethod())
	d.ServiceID = serviceID
	return d
}

func (r *Resolver) validate(ctx context.Context, hash, serviceID string, m Method) Decision {
	if r.mode == ModeStatic {
		if _, ok := r.static[hash]; !ok {
			d := deny(m, CodeInvalidCredential, ReasonKeyNotFound)
			d.Fingerprint = hash
			return d
		}
		d := allow(m)
		d.Fingerprint = hash
		return d
	}
	d := r.validatePersisted(ctx, hash, serviceID, m)
	d.Fingerprint = hash
	return d
}

func (r *Resolver) validatePersisted(ctx context.Context, hash, serviceID string, m Method) Decision {
	// Known-bad keys never reach the store.
	if ok, err := r.cache.Exists(ctx, NegativeCachePrefix+hash); err == nil && ok {
		r.metrics.AuthCache("negative", true)
		return deny(m, CodeInvalidCredential, ReasonNegativeCache)
	} else if err != nil {
		r.logger.Warn("negative cache lookup failed", "error", err)
	}
	r.metrics.AuthCache("negative", false)

	if key, ok := r.cached(ctx, hash); ok {
		r.metrics.AuthCache("positive", true)
		now := r.now()
		if !key.Usable(now) {
			// The cached copy outlived the key; evict and remember the denial.
			_, _ = r.cache.Delete(ctx, PositiveCachePrefix+hash)
			r.markInvalid(ctx, hash)
			return deny(m, CodeInvalidCredential, unusableReason(key))
		}
		return r.accept(key, serviceID, m, false)
	}
	r.metrics.AuthCache("positive", false)

	key, err := r.keys.FindKeyByHash(ctx, hash)
	if errors.Is(err, config.ErrNotFound) {
		r.markInvalid(ctx, hash)
		return deny(m, CodeInvalidCredential, ReasonKeyNotFound)
	}
	if err != nil {
		return r.storeFailure(ctx, m, err)
	}
	if !key.Usable(r.now()) {
		r.markInvalid(ctx, hash)
		return deny(m, CodeInvalidCredential, unusableReason(key))
	}
	key.KeyHash = hash
	return r.accept(key, serviceID, m, true)
}

// accept finishes validation of a usable key: scope is checked, then the
// positive cache and last-used time are updated off the request path.
func (r *Resolver) accept(key *model.AuthKey, serviceID string, m Method, populate bool) Decision {
	if r.scoped && !key.AllowsService(serviceID) {
		d := deny(m, CodeInvalidCredential, ReasonKeyScope)
		d.UserID = key.UserID
		d.KeyID = key.ID
		return d
	}
	d := allow(m)
	d.UserID = key.UserID
	d.KeyID = key.ID

	k := *key
	now := r.now()
	r.background(func(ctx context.Context) {
		if populate {
			r.cachePositive(ctx, &k, now)
		}
		if err := r.keys.UpdateLastUsed(ctx, k.ID, now); err != nil {
			r.logger.Warn("update key last-used failed", "key_id", k.ID, "error", err)
		}
	})
	return d
}

func (r *Resolver) storeFailure(ctx context.Context, m Method, err error) Decision {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r.logger.Warn("auth resolution timed out", "timeout", r.timeout)
		return deny(m, CodeTimeout, "")
	}
	r.logger.Error("auth store unavailable", "error", err)
	return deny(m, CodeUnavailable, "")
}

func unusableReason(k *model.AuthKey) string {
	if k != nil && k.IsActive {
		return ReasonKeyExpired
	}
	return ReasonKeyInactive
}

func (r *Resolver) cached(ctx context.Context, hash string) (*model.AuthKey, bool) {
	raw, err := r.cache.Get(ctx, PositiveCachePrefix+hash)
	if err != nil {
		if !errors.Is(err, kv.ErrNil) {
			r.logger.Warn("positive cache lookup failed", "error", err)
		}
		return nil, false
	}
	var c cachedKey
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		r.logger.Warn("dropping corrupt auth cache entry", "error", err)
		_, _ = r.cache.Delete(ctx, PositiveCachePrefix+hash)
		return nil, false
	}
	return c.authKey(hash), true
}

func (r *Resolver) cachePositive(ctx context.Context, key *model.AuthKey, now time.Time) {
	ttl := r.cacheTTL
	if key.ExpiresAt != nil {
		if left := key.ExpiresAt.Sub(now); left < ttl {
			ttl = left
		}
	}
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(cachedKey{
		ID:        key.ID,
		UserID:    key.UserID,
		ServiceID: key.ServiceID,
		IsActive:  key.IsActive,
		ExpiresAt: key.ExpiresAt,
	})
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, PositiveCachePrefix+key.KeyHash, string(data), ttl); err != nil {
		r.logger.Warn("populate auth cache failed", "error", err)
	}
}

// markInvalid writes the negative cache entry synchronously so the very next
// request is already short-circuited.
func (r *Resolver) markInvalid(ctx context.Context, hash string) {
	if err := r.cache.Set(ctx, NegativeCachePrefix+hash, "invalid", r.negativeTTL); err != nil {
		r.logger.Warn("populate negative auth cache failed", "error", err)
	}
}

// Forget removes both cache entries for a key fingerprint, for use after a
// key is created, revoked or reactivated.
func (r *Resolver) Forget(ctx context.Context, hash string) error {
	if r.cache == nil {
		return nil
	}
	_, err := r.cache.Delete(ctx, PositiveCachePrefix+hash, NegativeCachePrefix+hash)
	return err
}

func (r *Resolver) background(fn func(ctx context.Context)) {
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		fn(ctx)
	}()
}

// Wait blocks until background cache and last-used writes have finished.
func (r *Resolver) Wait() {
	r.bg.Wait()
}

// ClientIP returns the caller address, believing forwarding headers only
// from trusted proxies.
func (r *Resolver) ClientIP(req *http.Request) string {
	return ClientIPVia(req, r.trusted)
}

func (r *Resolver) record(req *http.Request, d Decision) {
	outcome := "deny"
	reason := d.Reason
	if d.Allowed {
		outcome = "allow"
		reason = string(d.Method)
	}
	r.metrics.AuthDecision(outcome, reason)
	if !d.Allowed {
		r.logger.Debug("request denied",
			"path", req.URL.Path, "ip", d.ClientIP, "code", d.Code, "reason", d.Reason)
	}
	ev := AuditEvent{
		Decision:  d,
		Path:      req.URL.Path,
		Method:    req.Method,
		UserAgent: req.UserAgent(),
		At:        r.now(),
	}
	if raw := ExtractKey(req); raw != "" {
		ev.KeyMask = MaskKey(raw)
	}
	r.auditor.Record(ev)
}
