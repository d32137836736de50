// Package registry resolves logical MCP service ids to backend descriptors
// through a cache-aside layer over the authoritative store.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/w3z4y4/mcp-gateway/internal/config"
	"github.com/w3z4y4/mcp-gateway/internal/kv"
	"github.com/w3z4y4/mcp-gateway/internal/model"
	"github.com/w3z4y4/mcp-gateway/internal/telemetry"
)

// Cache key layout.
const (
	CacheKeyPrefix = "service:cache:"
	ActiveSetKey   = "service:active:set"
	stagingPrefix  = "service:active:set:staging:"
)

// DefaultCacheTTL applies when Options.CacheTTL is zero.
const DefaultCacheTTL = 30 * time.Minute

// lookupTimeout bounds a shared store lookup. The flight outlives any single
// caller, so it cannot run under a caller's context.
const lookupTimeout = 5 * time.Second

// ErrNotFound is returned when a service id does not resolve to an ACTIVE
// descriptor.
var ErrNotFound = errors.New("service not found")

// Source is the authoritative store of service descriptors.
type Source interface {
	FindServiceByID(ctx context.Context, serviceID string) (*model.ServiceDescriptor, error)
	ListServicesByStatus(ctx context.Context, status model.ServiceStatus) ([]model.ServiceDescriptor, error)
}

// Options configures a Registry.
type Options struct {
	CacheTTL time.Duration
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
}

// Registry is the service registry cache.
type Registry struct {
	kv      kv.Store
	src     Source
	ttl     time.Duration
	logger  *slog.Logger
	metrics *telemetry.Metrics

	group singleflight.Group
}

// New creates a registry over the given TTL store and authoritative source.
func New(store kv.Store, src Source, opts Options) *Registry {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		kv:      store,
		src:     src,
		ttl:     opts.CacheTTL,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Resolve returns the ACTIVE descriptor for serviceID. Cache misses and
// cached entries that are not ACTIVE fall through to the authoritative store;
// a hit there repopulates the cache in the background. Store errors degrade
// to ErrNotFound. A caller whose context ends stops waiting on a shared lookup
// and gets its context error; the lookup itself carries on for the others.
func (r *Registry) Resolve(ctx context.Context, serviceID string) (*model.ServiceDescriptor, error) {
	if serviceID == "" {
		return nil, ErrNotFound
	}

	if desc, ok := r.cached(ctx, serviceID); ok && desc.IsActive() {
		return desc, nil
	}

	ch := r.group.DoChan(serviceID, func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		desc, err := r.src.FindServiceByID(lctx, serviceID)
		if err != nil {
			if !errors.Is(err, config.ErrNotFound) {
				r.logger.Warn("registry store lookup failed", "service_id", serviceID, "error", err)
			}
			return nil, ErrNotFound
		}
		if !desc.IsActive() {
			return nil, ErrNotFound
		}
		go r.populate(context.WithoutCancel(ctx), *desc)
		return desc, nil
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	v := res.Val
	// Callers sharing a flight must not alias one descriptor.
	desc := *v.(*model.ServiceDescriptor)
	return &desc, nil
}

// cached reads a descriptor from the cache. Undecodable entries are removed.
func (r *Registry) cached(ctx context.Context, serviceID string) (*model.ServiceDescriptor, bool) {
	raw, err := r.kv.Get(ctx, CacheKeyPrefix+serviceID)
	if err != nil {
		if !errors.Is(err, kv.ErrNil) {
			r.logger.Warn("registry cache read failed", "service_id", serviceID, "error", err)
		}
		return nil, false
	}
	var desc model.ServiceDescriptor
	if err := json.Unmarshal([]byte(raw), &desc); err != nil {
		r.logger.Warn("dropping corrupt registry cache entry", "service_id", serviceID, "error", err)
		_, _ = r.kv.Delete(ctx, CacheKeyPrefix+serviceID)
		return nil, false
	}
	return &desc, true
}

func (r *Registry) populate(ctx context.Context, desc model.ServiceDescriptor) {
	if err := r.Put(ctx, &desc); err != nil {
		r.logger.Warn("registry cache repopulation failed", "service_id", desc.ServiceID, "error", err)
	}
}

// Put writes a descriptor into the cache. ACTIVE descriptors join the active
// set; any other status removes the service from the fast path.
func (r *Registry) Put(ctx context.Context, desc *model.ServiceDescriptor) error {
	if !desc.IsActive() {
		return r.Invalidate(ctx, desc.ServiceID)
	}
	if err := r.writeDescriptor(ctx, desc); err != nil {
		return err
	}
	if err := r.kv.SAdd(ctx, ActiveSetKey, desc.ServiceID); err != nil {
		return fmt.Errorf("add %s to active set: %w", desc.ServiceID, err)
	}
	return nil
}

func (r *Registry) writeDescriptor(ctx context.Context, desc *model.ServiceDescriptor) error {
	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("encode descriptor %s: %w", desc.ServiceID, err)
	}
	if err := r.kv.Set(ctx, CacheKeyPrefix+desc.ServiceID, string(data), r.ttl); err != nil {
		return fmt.Errorf("cache descriptor %s: %w", desc.ServiceID, err)
	}
	return nil
}

// Invalidate removes a service from the cache and the active set.
func (r *Registry) Invalidate(ctx context.Context, serviceID string) error {
	if _, err := r.kv.Delete(ctx, CacheKeyPrefix+serviceID); err != nil {
		return fmt.Errorf("invalidate %s: %w", serviceID, err)
	}
	if err := r.kv.SRem(ctx, ActiveSetKey, serviceID); err != nil {
		return fmt.Errorf("remove %s from active set: %w", serviceID, err)
	}
	return nil
}

// Refresh reloads every ACTIVE descriptor from the authoritative store and
// swaps the active set in one step. On any failure the previous set is left
// untouched. It returns the size of the new active set.
func (r *Registry) Refresh(ctx context.Context) (n int, err error) {
	defer func() { r.metrics.RegistryRefreshed(err, n) }()

	active, err := r.src.ListServicesByStatus(ctx, model.StatusActive)
	if err != nil {
		r.logger.Error("registry refresh: store fetch failed, keeping previous set", "error", err)
		return 0, fmt.Errorf("fetch active services: %w", err)
	}

	previous, err := r.kv.SMembers(ctx, ActiveSetKey)
	if err != nil {
		return 0, fmt.Errorf("read active set: %w", err)
	}

	ids := make([]string, 0, len(active))
	for i := range active {
		if err := r.writeDescriptor(ctx, &active[i]); err != nil {
			return 0, err
		}
		ids = append(ids, active[i].ServiceID)
	}

	if len(ids) == 0 {
		if _, err := r.kv.Delete(ctx, ActiveSetKey); err != nil {
			return 0, fmt.Errorf("clear active set: %w", err)
		}
	} else {
		staging := stagingPrefix + uuid.NewString()
		if err := r.kv.SAdd(ctx, staging, ids...); err != nil {
			_, _ = r.kv.Delete(ctx, staging)
			return 0, fmt.Errorf("build staging set: %w", err)
		}
		if err := r.kv.Rename(ctx, staging, ActiveSetKey); err != nil {
			_, _ = r.kv.Delete(ctx, staging)
			return 0, fmt.Errorf("swap active set: %w", err)
		}
	}

	current := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		current[id] = struct{}{}
	}
	var stale []string
	for _, id := range previous {
		if _, ok := current[id]; !ok {
			stale = append(stale, CacheKeyPrefix+id)
		}
	}
	if len(stale) > 0 {
		if _, err := r.kv.Delete(ctx, stale...); err != nil {
			r.logger.Warn("registry refresh: stale descriptor cleanup failed", "error", err)
		}
	}

	r.logger.Info("registry refreshed", "active", len(ids), "removed", len(stale))
	return len(ids), nil
}

// ListActive returns the cached ACTIVE descriptors, sorted by service id.
// It never consults the authoritative store.
func (r *Registry) ListActive(ctx context.Context) ([]model.ServiceDescriptor, error) {
	ids, err := r.kv.SMembers(ctx, ActiveSetKey)
	if err != nil {
		return nil, fmt.Errorf("read active set: %w", err)
	}
	out := make([]model.ServiceDescriptor, 0, len(ids))
	for _, id := range ids {
		desc, ok := r.cached(ctx, id)
		if !ok || !desc.IsActive() {
			continue
		}
		out = append(out, *desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out, nil
}

// IsCached reports whether a descriptor for serviceID is in the cache.
func (r *Registry) IsCached(ctx context.Context, serviceID string) bool {
	ok, err := r.kv.Exists(ctx, CacheKeyPrefix+serviceID)
	return err == nil && ok
}

// CachedCount returns the size of the active set.
func (r *Registry) CachedCount(ctx context.Context) (int64, error) {
	return r.kv.SCard(ctx, ActiveSetKey)
}

// CacheTTL returns the remaining cache lifetime of a descriptor, or
// kv.Missing when it is not cached.
func (r *Registry) CacheTTL(ctx context.Context, serviceID string) (time.Duration, error) {
	return r.kv.TTL(ctx, CacheKeyPrefix+serviceID)
}

// Run refreshes once immediately and then every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	_, _ = r.Refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = r.Refresh(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}
