// Package stats keeps per-(service, day) call counters in the TTL store and
// periodically merges them into the durable service_statistics table.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/w3z4y4/mcp-gateway/internal/config"
	"github.com/w3z4y4/mcp-gateway/internal/kv"
	"github.com/w3z4y4/mcp-gateway/internal/model"
	"github.com/w3z4y4/mcp-gateway/internal/pipe"
	"github.com/w3z4y4/mcp-gateway/internal/telemetry"
)

// Key layout in the TTL store.
const (
	CountersPrefix  = "stats:service:"
	UsersPrefix     = "stats:users:"
	WatermarkPrefix = "stats:flushed:"
	FlushLockKey    = "stats:flush:lock"
)

// Hash fields of a counters key.
const (
	fieldTotal   = "total_calls"
	fieldSuccess = "success_calls"
	fieldFailed  = "failed_calls"
	fieldTotalRT = "total_response_time"
	fieldMaxRT   = "max_response_time"
	fieldUsers   = "unique_users" // watermark only
)

const (
	// LiveTTL bounds how long a day's counters survive without a flush.
	LiveTTL = 25 * time.Hour
	// WatermarkTTL outlives LiveTTL so a late flush never re-merges a day.
	WatermarkTTL = 26 * time.Hour
	// DateLayout formats the day component of every key.
	DateLayout = "2006-01-02"
)

// Call is one completed gateway request.
type Call struct {
	ServiceID string
	CallerID  string
	Status    int
	Duration  time.Duration
	At        time.Time
}

// Success reports whether the call counts as successful.
func (c Call) Success() bool {
	return c.Status >= 200 && c.Status < 300
}

// Sink is the durable side of the aggregator.
type Sink interface {
	InsertOrMergeDailyStats(ctx context.Context, delta model.DailyStats) error
	FindDailyStats(ctx context.Context, serviceID, date string) (*model.DailyStats, error)
	ListRecentDailyStats(ctx context.Context, serviceID string, limit int) ([]model.DailyStats, error)
	DeleteStatsBefore(ctx context.Context, date string) (int64, error)
}

// Options configures an Aggregator.
type Options struct {
	Buffer   int // pending calls held in memory, default 4096
	Location *time.Location
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	Now      func() time.Time
}

// Aggregator is the statistics aggregator.
type Aggregator struct {
	kv      kv.Store
	sink    Sink
	pipe    *pipe.Pipe[Call]
	loc     *time.Location
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// New creates an aggregator. Call Start before recording.
func New(store kv.Store, sink Sink, opts Options) *Aggregator {
	if opts.Buffer <= 0 {
		opts.Buffer = 4096
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &Aggregator{
		kv:      store,
		sink:    sink,
		loc:     opts.Location,
		logger:  opts.Logger.With("component", "stats"),
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	a.pipe = pipe.New(pipe.Options{
		Name:    "stats",
		Buffer:  opts.Buffer,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	}, a.apply)
	return a
}

// Start launches the counter writer.
func (a *Aggregator) Start(ctx context.Context) {
	a.pipe.Start(ctx)
}

// Close drains pending calls into the TTL store until ctx expires.
func (a *Aggregator) Close(ctx context.Context) error {
	return a.pipe.Close(ctx)
}

// PipeStats reports the pending-call queue counters.
func (a *Aggregator) PipeStats() pipe.Stats {
	return a.pipe.Stats()
}

// Record queues a call without blocking. Calls without a service id are
// ignored, and a full queue drops the call.
func (a *Aggregator) Record(c Call) {
	if a == nil || c.ServiceID == "" {
		return
	}
	if c.At.IsZero() {
		c.At = a.now()
	}
	if c.CallerID == "" {
		c.CallerID = "anonymous"
	}
	a.pipe.Publish(c)
}

func (a *Aggregator) day(t time.Time) string {
	return t.In(a.loc).Format(DateLayout)
}

// Today returns the current day key.
func (a *Aggregator) Today() string {
	return a.day(a.now())
}

func countersKey(serviceID, date string) string {
	return CountersPrefix + serviceID + ":" + date
}

func usersKey(serviceID, date string) string {
	return UsersPrefix + serviceID + ":" + date
}

func watermarkKey(serviceID, date string) string {
	return WatermarkPrefix + serviceID + ":" + date
}

// apply writes one call into the day's counters. Failures are logged; the
// request that produced the call has already been answered.
func (a *Aggregator) apply(ctx context.Context, c Call) {
	if err := a.Apply(ctx, c); err != nil {
		a.logger.Warn("record call failed", "service_id", c.ServiceID, "error", err)
	}
}

// Apply writes one call synchronously. Each field is incremented atomically,
// so concurrent writers and a running flush never lose an increment.
func (a *Aggregator) Apply(ctx context.Context, c Call) error {
	date := a.day(c.At)
	hk := countersKey(c.ServiceID, date)
	uk := usersKey(c.ServiceID, date)
	ms := c.Duration.Milliseconds()
	if ms < 0 {
		ms = 0
	}

	outcome := fieldFailed
	if c.Success() {
		outcome = fieldSuccess
	}
	for _, f := range []struct {
		field string
		n     int64
	}{
		{fieldTotal, 1},
		{outcome, 1},
		{fieldTotalRT, ms},
	} {
		if _, err := a.kv.HIncrBy(ctx, hk, f.field, f.n); err != nil {
			return fmt.Errorf("increment %s: %w", f.field, err)
		}
	}
	if err := a.kv.HSetMax(ctx, hk, fieldMaxRT, ms); err != nil {
		return fmt.Errorf("update max response time: %w", err)
	}
	if err := a.kv.SAdd(ctx, uk, c.CallerID); err != nil {
		return fmt.Errorf("add caller: %w", err)
	}
	if _, err := a.kv.Expire(ctx, hk, LiveTTL); err != nil {
		return fmt.Errorf("expire counters: %w", err)
	}
	if _, err := a.kv.Expire(ctx, uk, LiveTTL); err != nil {
		return fmt.Errorf("expire callers: %w", err)
	}
	return nil
}

// Realtime returns today's live counters for serviceID.
func (a *Aggregator) Realtime(ctx context.Context, serviceID string) (model.Counters, error) {
	return a.counters(ctx, serviceID, a.Today())
}

func (a *Aggregator) counters(ctx context.Context, serviceID, date string) (model.Counters, error) {
	c := model.Counters{ServiceID: serviceID, Date: date}
	h, err := a.kv.HGetAll(ctx, countersKey(serviceID, date))
	if err != nil {
		return c, fmt.Errorf("read counters: %w", err)
	}
	c.TotalCalls = intField(h, fieldTotal)
	c.SuccessCalls = intField(h, fieldSuccess)
	c.FailedCalls = intField(h, fieldFailed)
	c.TotalResponseTime = intField(h, fieldTotalRT)
	c.MaxResponseTime = intField(h, fieldMaxRT)
	c.UniqueUsers, err = a.kv.SCard(ctx, usersKey(serviceID, date))
	if err != nil {
		return c, fmt.Errorf("count callers: %w", err)
	}
	return c, nil
}

func intField(h map[string]string, field string) int64 {
	n, _ := strconv.ParseInt(h[field], 10, 64)
	return n
}

// Persisted returns the durable row for serviceID on date, or today when
// date is empty. config.ErrNotFound means nothing has been flushed yet.
func (a *Aggregator) Persisted(ctx context.Context, serviceID, date string) (*model.DailyStats, error) {
	if date == "" {
		date = a.Today()
	}
	return a.sink.FindDailyStats(ctx, serviceID, date)
}

// Recent returns up to limit durable rows for serviceID, newest first.
func (a *Aggregator) Recent(ctx context.Context, serviceID string, limit int) ([]model.DailyStats, error) {
	if limit <= 0 {
		limit = 7
	}
	return a.sink.ListRecentDailyStats(ctx, serviceID, limit)
}

// LiveServices lists the services with counters for date, or today when
// date is empty.
func (a *Aggregator) LiveServices(ctx context.Context, date string) ([]string, error) {
	if date == "" {
		date = a.Today()
	}
	keys, err := a.kv.Keys(ctx, CountersPrefix)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		svc, d, ok := splitKey(CountersPrefix, k)
		if ok && d == date {
			out = append(out, svc)
		}
	}
	return out, nil
}

// splitKey parses "<prefix><serviceID>:<date>". Service ids may contain
// colons; the date never does.
func splitKey(prefix, key string) (serviceID, date string, ok bool) {
	rest, found := strings.CutPrefix(key, prefix)
	if !found {
		return "", "", false
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	serviceID, date = rest[:i], rest[i+1:]
	if _, err := time.Parse(DateLayout, date); err != nil {
		return "", "", false
	}
	return serviceID, date, true
}

// Clear drops every live counter, caller set and watermark. Durable rows are
// untouched. It returns the number of keys removed.
func (a *Aggregator) Clear(ctx context.Context) (int64, error) {
	var all []string
	for _, p := range []string{CountersPrefix, UsersPrefix, WatermarkPrefix} {
		keys, err := a.kv.Keys(ctx, p)
		if err != nil {
			return 0, fmt.Errorf("list %s keys: %w", p, err)
		}
		all = append(all, keys...)
	}
	if len(all) == 0 {
		return 0, nil
	}
	n, err := a.kv.Delete(ctx, all...)
	if err != nil {
		return 0, fmt.Errorf("clear counters: %w", err)
	}
	a.logger.Info("live statistics cleared", "keys", n)
	return n, nil
}

// Prune soft-deletes durable rows older than retentionDays.
func (a *Aggregator) Prune(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := a.now().In(a.loc).AddDate(0, 0, -retentionDays).Format(DateLayout)
	n, err := a.sink.DeleteStatsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.logger.Info("pruned statistics", "before", cutoff, "rows", n)
	}
	return n, nil
}

// IsNotFound reports whether err means no durable row exists.
func IsNotFound(err error) bool {
	return errors.Is(err, config.ErrNotFound)
}
