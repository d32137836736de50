package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/w3z4y4/mcp-gateway/internal/model"
)

// ErrFlushInProgress is returned when another flush holds the lock.
var ErrFlushInProgress = errors.New("stats flush already in progress")

const flushLockTTL = 2 * time.Minute

// FlushResult summarizes one flush.
type FlushResult struct {
	Days    int   `json:"days"`    // (service, day) pairs examined
	Merged  int   `json:"merged"`  // pairs with a non-empty delta
	Calls   int64 `json:"calls"`   // calls merged in total
	Skipped int   `json:"skipped"` // pairs that failed and will be retried
}

// Flush merges every day's unflushed counters into the durable store. Only
// the part not yet covered by the day's watermark is merged, so a flush with
// no new calls leaves durable totals unchanged. Live counters keep advancing
// during a flush; increments after the snapshot are picked up next time.
func (a *Aggregator) Flush(ctx context.Context) (res FlushResult, err error) {
	start := a.now()
	defer func() {
		if !errors.Is(err, ErrFlushInProgress) {
			a.metrics.StatsFlushed(err, time.Since(start))
		}
	}()

	token := uuid.NewString()
	ok, err := a.kv.SetNX(ctx, FlushLockKey, token, flushLockTTL)
	if err != nil {
		return res, fmt.Errorf("acquire flush lock: %w", err)
	}
	if !ok {
		return res, ErrFlushInProgress
	}
	defer a.unlock(context.WithoutCancel(ctx), token)

	keys, err := a.kv.Keys(ctx, CountersPrefix)
	if err != nil {
		return res, fmt.Errorf("list counters: %w", err)
	}

	var firstErr error
	for _, k := range keys {
		serviceID, date, ok := splitKey(CountersPrefix, k)
		if !ok {
			continue
		}
		res.Days++
		n, err := a.flushDay(ctx, serviceID, date)
		if err != nil {
			res.Skipped++
			a.logger.Error("flush failed", "service_id", serviceID, "date", date, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if n > 0 {
			res.Merged++
			res.Calls += n
		}
	}
	if res.Merged > 0 {
		a.logger.Info("statistics flushed", "days", res.Days, "merged", res.Merged, "calls", res.Calls)
	}
	return res, firstErr
}

// flushDay merges one (service, day) delta and advances its watermark. The
// durable write happens first, so a crash between the two steps can merge a
// delta twice but never loses one.
func (a *Aggregator) flushDay(ctx context.Context, serviceID, date string) (int64, error) {
	live, err := a.counters(ctx, serviceID, date)
	if err != nil {
		return 0, err
	}
	wk := watermarkKey(serviceID, date)
	wm, err := a.kv.HGetAll(ctx, wk)
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}

	delta := model.DailyStats{
		ServiceID:           serviceID,
		DateKey:             date,
		TotalCalls:          live.TotalCalls - intField(wm, fieldTotal),
		SuccessCalls:        live.SuccessCalls - intField(wm, fieldSuccess),
		FailedCalls:         live.FailedCalls - intField(wm, fieldFailed),
		TotalResponseTimeMs: live.TotalResponseTime - intField(wm, fieldTotalRT),
		MaxResponseTimeMs:   live.MaxResponseTime,
		UniqueUsers:         live.UniqueUsers,
	}
	usersChanged := live.UniqueUsers != intField(wm, fieldUsers)
	if delta.TotalCalls <= 0 && delta.SuccessCalls <= 0 && delta.FailedCalls <= 0 && !usersChanged {
		return 0, nil
	}
	// Counters that were cleared and restarted fall below the watermark.
	if delta.TotalCalls < 0 || delta.SuccessCalls < 0 || delta.FailedCalls < 0 || delta.TotalResponseTimeMs < 0 {
		return 0, fmt.Errorf("live counters below watermark for %s/%s", serviceID, date)
	}

	if err := a.sink.InsertOrMergeDailyStats(ctx, delta); err != nil {
		return 0, err
	}

	for _, f := range []struct {
		field string
		n     int64
	}{
		{fieldTotal, delta.TotalCalls},
		{fieldSuccess, delta.SuccessCalls},
		{fieldFailed, delta.FailedCalls},
		{fieldTotalRT, delta.TotalResponseTimeMs},
	} {
		if f.n == 0 {
			continue
		}
		if _, err := a.kv.HIncrBy(ctx, wk, f.field, f.n); err != nil {
			return 0, fmt.Errorf("advance watermark: %w", err)
		}
	}
	if err := a.kv.HSetMax(ctx, wk, fieldUsers, live.UniqueUsers); err != nil {
		return 0, fmt.Errorf("advance watermark: %w", err)
	}
	if _, err := a.kv.Expire(ctx, wk, WatermarkTTL); err != nil {
		return 0, fmt.Errorf("expire watermark: %w", err)
	}
	return delta.TotalCalls, nil
}

func (a *Aggregator) unlock(ctx context.Context, token string) {
	v, err := a.kv.Get(ctx, FlushLockKey)
	if err != nil || v != token {
		return
	}
	if _, err := a.kv.Delete(ctx, FlushLockKey); err != nil {
		a.logger.Warn("release flush lock failed", "error", err)
	}
}

// Schedule configures Run.
type Schedule struct {
	FlushInterval  time.Duration // default 5m
	HourlyInterval time.Duration // default 1h
	RetentionDays  int           // rows older than this are pruned hourly; 0 keeps everything
}

// Run flushes on the short interval, and flushes and prunes on the hourly
// interval, until ctx is done. A final flush runs on the way out.
func (a *Aggregator) Run(ctx context.Context, s Schedule) error {
	if s.FlushInterval <= 0 {
		s.FlushInterval = 5 * time.Minute
	}
	if s.HourlyInterval <= 0 {
		s.HourlyInterval = time.Hour
	}

	flush := time.NewTicker(s.FlushInterval)
	defer flush.Stop()
	hourly := time.NewTicker(s.HourlyInterval)
	defer hourly.Stop()

	for {
		select {
		case <-flush.C:
			a.scheduledFlush(ctx)
		case <-hourly.C:
			a.scheduledFlush(ctx)
			if _, err := a.Prune(ctx, s.RetentionDays); err != nil {
				a.logger.Error("statistics retention failed", "error", err)
			}
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			// Give queued calls a chance to land before the last flush.
			if err := a.Close(final); err != nil {
				a.logger.Warn("stats queue not drained", "error", err)
			}
			a.scheduledFlush(final)
			return nil
		}
	}
}

func (a *Aggregator) scheduledFlush(ctx context.Context) {
	if _, err := a.Flush(ctx); err != nil && !errors.Is(err, ErrFlushInProgress) {
		a.logger.Error("scheduled statistics flush failed", "error", err)
	}
}
