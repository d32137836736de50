// Package pipe provides a bounded, non-blocking hand-off from request paths
// to a background consumer. Publishers never wait: when the buffer is full
// the event is dropped and counted. A consumer that panics is restarted.
package pipe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/w3z4y4/mcp-gateway/internal/telemetry"
)

// Handler consumes one item. It runs on the pipe's single consumer goroutine.
type Handler[T any] func(ctx context.Context, item T)

// Options configures a Pipe.
type Options struct {
	Name         string
	Buffer       int           // default 1000
	RestartDelay time.Duration // pause before restarting a panicked consumer, default 100ms
	Logger       *slog.Logger
	Metrics      *telemetry.Metrics
}

// Pipe is a bounded queue with one supervised consumer.
type Pipe[T any] struct {
	name    string
	ch      chan T
	handler Handler[T]
	delay   time.Duration
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu      sync.RWMutex
	closed  bool
	started atomic.Bool
	done    chan struct{}

	published atomic.Int64
	dropped   atomic.Int64
	restarts  atomic.Int64
}

// New creates a pipe. Call Start to begin consuming.
func New[T any](opts Options, h Handler[T]) *Pipe[T] {
	if opts.Buffer <= 0 {
		opts.Buffer = 1000
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "pipe"
	}
	return &Pipe[T]{
		name:    opts.Name,
		ch:      make(chan T, opts.Buffer),
		handler: h,
		delay:   opts.RestartDelay,
		logger:  opts.Logger.With("pipe", opts.Name),
		metrics: opts.Metrics,
		done:    make(chan struct{}),
	}
}

// Start launches the supervised consumer. Handlers receive a context that
// keeps ctx's values but is never cancelled, so items still queued at
// shutdown are drained by Close.
func (p *Pipe[T]) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.supervise(context.WithoutCancel(ctx))
}

// Publish enqueues item without blocking. It returns false when the item was
// dropped because the pipe is full or closed.
func (p *Pipe[T]) Publish(item T) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.drop()
		return false
	}
	select {
	case p.ch <- item:
		p.published.Add(1)
		return true
	default:
		p.drop()
		return false
	}
}

func (p *Pipe[T]) drop() {
	n := p.dropped.Add(1)
	p.metrics.PipeDropped(p.name)
	// Log the first drop and then every 1000th to avoid flooding.
	if n == 1 || n%1000 == 0 {
		p.logger.Warn("pipe full, dropping events", "dropped_total", n)
	}
}

// Close stops accepting items and waits until queued items are consumed or
// ctx expires.
func (p *Pipe[T]) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	p.mu.Unlock()

	if !p.started.Load() {
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain %s pipe: %w", p.name, ctx.Err())
	}
}

// Stats reports pipe counters.
func (p *Pipe[T]) Stats() Stats {
	return Stats{
		Name:      p.name,
		Queued:    len(p.ch),
		Capacity:  cap(p.ch),
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Restarts:  p.restarts.Load(),
	}
}

// Stats is a point-in-time view of a pipe.
type Stats struct {
	Name      string `json:"name"`
	Queued    int    `json:"queued"`
	Capacity  int    `json:"capacity"`
	Published int64  `json:"published"`
	Dropped   int64  `json:"dropped"`
	Restarts  int64  `json:"restarts"`
}

func (p *Pipe[T]) supervise(ctx context.Context) {
	defer close(p.done)
	for {
		if p.consume(ctx) {
			return
		}
		p.restarts.Add(1)
		p.metrics.PipeRestarted(p.name)
		time.Sleep(p.delay)
	}
}

// consume drains the channel until it is closed. It reports false when the
// handler panicked and the consumer must be restarted.
func (p *Pipe[T]) consume(ctx context.Context) (finished bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipe consumer panicked, restarting", "panic", r)
			finished = false
		}
	}()
	for item := range p.ch {
		p.handler(ctx, item)
	}
	return true
}
