package telemetry

import (
	"context"
	"sync"
	"time"
)

// Snapshot holds gauge values gathered on each sampling tick.
type Snapshot struct {
	ActiveServices int
	LiveSessions   int
}

// SampleFunc is called each tick to gather current state.
type SampleFunc func(ctx context.Context) Snapshot

// Sampler periodically refreshes gauges that are expensive to keep current on
// every request, such as the number of live session bindings.
type Sampler struct {
	metrics  *Metrics
	fn       SampleFunc
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSampler returns nil when metrics are disabled.
func NewSampler(m *Metrics, interval time.Duration, fn SampleFunc) *Sampler {
	if m == nil || fn == nil {
		return nil
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sampler{metrics: m, fn: fn, interval: interval}
}

// Start begins the background sampling loop. It samples once immediately and
// then repeats every interval. Non-blocking.
func (s *Sampler) Start() {
	if s == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.sample(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.sample(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the background loop.
func (s *Sampler) Shutdown() {
	if s == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sampler) sample(ctx context.Context) {
	snap := s.fn(ctx)
	s.metrics.ActiveServices.Set(float64(snap.ActiveServices))
	s.metrics.LiveSessions.Set(float64(snap.LiveSessions))
}
