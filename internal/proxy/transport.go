package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker/v2"

	"github.com/w3z4y4/mcp-gateway/internal/telemetry"
)

// statusError marks a backend response that should count as a failure for
// retry and breaker purposes while still carrying the response itself.
type statusError struct {
	resp *http.Response
}

func (e *statusError) Error() string {
	return fmt.Sprintf("backend returned %d", e.resp.StatusCode)
}

func retryableStatus(code int) bool {
	return code == http.StatusBadGateway || code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout
}

// isTransient reports whether err is a transport failure worth retrying.
// Caller cancellation and breaker rejections never are.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || isBreakerOpen(err) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// retryTransport retries transient failures with exponential backoff. Only
// requests whose body can be replayed are retried.
type retryTransport struct {
	next       http.RoundTripper
	maxRetries int
	initial    time.Duration
	maxReplay  int64
	logger     *slog.Logger
	metrics    *telemetry.Metrics
}

// replayable buffers a small request body so it can be sent more than once.
// It reports false for bodies that must be streamed exactly once.
func (t *retryTransport) replayable(req *http.Request) ([]byte, bool, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, true, nil
	}
	if req.ContentLength < 0 || req.ContentLength > t.maxReplay {
		return nil, false, nil
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, t.maxReplay+1))
	_ = req.Body.Close()
	if err != nil {
		return nil, false, fmt.Errorf("buffer request body: %w", err)
	}
	return body, true, nil
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	body, ok, err := t.replayable(req)
	if err != nil {
		return nil, err
	}
	if !ok || t.maxRetries <= 0 {
		resp, err := t.next.RoundTrip(req)
		return unwrapStatus(resp, err)
	}

	rt := routeFrom(req.Context())
	tries := uint(t.maxRetries + 1)
	attempt := uint(0)

	operation := func() (*http.Response, error) {
		attempt++
		out := req
		if req.Body != nil && req.Body != http.NoBody {
			out = req.Clone(req.Context())
			out.Body = io.NopCloser(bytes.NewReader(body))
			out.ContentLength = int64(len(body))
		}
		resp, err := t.next.RoundTrip(out)
		if err == nil {
			return resp, nil
		}
		var se *statusError
		if errors.As(err, &se) {
			if attempt >= tries {
				return se.resp, nil
			}
			drain(se.resp)
			return nil, err
		}
		if !isTransient(err) || req.Context().Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.initial
	b.MaxInterval = 10 * t.initial
	b.Reset()

	return backoff.Retry(req.Context(), operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, d time.Duration) {
			t.metrics.Retry(rt.serviceID)
			t.logger.Warn("retrying backend call",
				"service_id", rt.serviceID, "attempt", attempt, "delay", d, "error", err)
		}),
	)
}

func unwrapStatus(resp *http.Response, err error) (*http.Response, error) {
	var se *statusError
	if errors.As(err, &se) {
		return se.resp, nil
	}
	return resp, err
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// BreakerSettings configures the per-service circuit breaker.
type BreakerSettings struct {
	Enabled          bool
	FailureThreshold uint32        // consecutive failures that open the circuit, default 5
	OpenTimeout      time.Duration // how long the circuit stays open, default 30s
}

// breakerTransport sends each attempt through the service's breaker. Backend
// 502/503/504 responses come back as *statusError so that they count as
// failures.
type breakerTransport struct {
	next     http.RoundTripper
	settings BreakerSettings
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
}

func newBreakerTransport(next http.RoundTripper, s BreakerSettings, logger *slog.Logger, m *telemetry.Metrics) *breakerTransport {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	return &breakerTransport{
		next:     next,
		settings: s,
		logger:   logger,
		metrics:  m,
		breakers: make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
	}
}

func (t *breakerTransport) breaker(serviceID string) *gobreaker.CircuitBreaker[*http.Response] {
	t.mu.RLock()
	cb, ok := t.breakers[serviceID]
	t.mu.RUnlock()
	if ok {
		return cb
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if cb, ok = t.breakers[serviceID]; ok {
		return cb
	}
	threshold := t.settings.FailureThreshold
	cb = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        serviceID,
		MaxRequests: 1,
		Timeout:     t.settings.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about backend health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.logger.Warn("circuit breaker state change", "service_id", name, "from", from.String(), "to", to.String())
			t.metrics.BreakerState(name, breakerStateInt(to))
		},
	})
	t.breakers[serviceID] = cb
	return cb
}

func breakerStateInt(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// State reports the breaker state for serviceID, or "closed" when none exists.
func (t *breakerTransport) State(serviceID string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if cb, ok := t.breakers[serviceID]; ok {
		return cb.State().String()
	}
	return gobreaker.StateClosed.String()
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt := routeFrom(req.Context())
	if !t.settings.Enabled || rt.serviceID == "" {
		return t.classify(t.next.RoundTrip(req))
	}
	return t.breaker(rt.serviceID).Execute(func() (*http.Response, error) {
		return t.classify(t.next.RoundTrip(req))
	})
}

func (t *breakerTransport) classify(resp *http.Response, err error) (*http.Response, error) {
	if err != nil {
		return nil, err
	}
	if retryableStatus(resp.StatusCode) {
		return nil, &statusError{resp: resp}
	}
	return resp, nil
}
