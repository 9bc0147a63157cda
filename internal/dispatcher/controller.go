// Package dispatcher bounds and paces page fetches. It is the single place
// where the in-flight limit and the inter-request and inter-batch delays are
// enforced; it never interprets fetch outcomes.
package dispatcher

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/jobmarket-crawler/internal/clock/system"
	"github.com/JakeFAU/jobmarket-crawler/internal/metrics"
)

// Range is a jittered interval; delays are sampled uniformly from [Min, Max].
type Range struct {
	Min time.Duration
	Max time.Duration
}

func (r Range) validate(name string) error {
	if r.Min < 0 || r.Max < 0 {
		return fmt.Errorf("%s must not be negative", name)
	}
	if r.Max < r.Min {
		return fmt.Errorf("%s max (%s) is below min (%s)", name, r.Max, r.Min)
	}
	return nil
}

// Config controls the Controller.
type Config struct {
	// MaxConcurrent bounds outstanding fetches.
	MaxConcurrent int
	// BatchSize is the number of pages evaluated together by the driver.
	BatchSize int
	// RequestDelay is the minimum spacing between two dispatches.
	RequestDelay Range
	// BatchDelay is the pause between batches.
	BatchDelay Range
}

// Pauser sleeps for a duration unless ctx ends first.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration) error
}

// Limiter is an optional hard rate ceiling.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Option customises a Controller.
type Option func(*Controller)

// WithPauser replaces the timer-based pauser.
func WithPauser(p Pauser) Option {
	return func(c *Controller) { c.pauser = p }
}

// WithLimiter adds a rate ceiling consulted on every dispatch.
func WithLimiter(l Limiter) Option {
	return func(c *Controller) { c.limiter = l }
}

// WithJitter replaces the random source used to sample delays. fn returns a
// value in [0, n).
func WithJitter(fn func(n int64) int64) Option {
	return func(c *Controller) { c.jitter = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// Controller gates fetch dispatch.
type Controller struct {
	cfg     Config
	sem     *semaphore.Weighted
	pauser  Pauser
	limiter Limiter
	jitter  func(n int64) int64
	logger  *zap.Logger

	gate         sync.Mutex
	lastDispatch time.Time

	inFlight atomic.Int64
	peak     atomic.Int64
}

// New validates cfg and builds a Controller.
func New(cfg Config, opts ...Option) (*Controller, error) {
	if cfg.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent fetches must be > 0")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be > 0")
	}
	if err := cfg.RequestDelay.validate("request delay"); err != nil {
		return nil, err
	}
	if err := cfg.BatchDelay.validate("batch delay"); err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		pauser: system.New(),
		jitter: rand.Int64N,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BatchSize reports the configured batch size.
func (c *Controller) BatchSize() int {
	return c.cfg.BatchSize
}

// InFlight reports fetches currently holding a slot.
func (c *Controller) InFlight() int {
	return int(c.inFlight.Load())
}

// Peak reports the highest in-flight count observed.
func (c *Controller) Peak() int {
	return int(c.peak.Load())
}

// Batch dispatches n tasks in index order. Each dispatch waits for a free
// slot and for pacing, then runs task in its own goroutine; the slot is
// released when task returns. Batch returns once every dispatched task has
// finished. On cancellation the remaining tasks are not dispatched and the
// context error is returned.
func (c *Controller) Batch(ctx context.Context, n int, task func(ctx context.Context, i int)) error {
	var wg sync.WaitGroup
	var dispatchErr error
	for i := 0; i < n; i++ {
		if err := c.acquire(ctx); err != nil {
			dispatchErr = err
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer c.release()
			task(ctx, i)
		}(i)
	}
	wg.Wait()
	return dispatchErr
}

// Rest applies the jittered inter-batch delay.
func (c *Controller) Rest(ctx context.Context) error {
	delay := c.sample(c.cfg.BatchDelay)
	if delay <= 0 {
		return nil
	}
	c.logger.Debug("inter-batch delay", zap.Duration("delay", delay))
	metrics.ObservePacingDelay("batch", delay)
	if err := c.pauser.Pause(ctx, delay); err != nil {
		return fmt.Errorf("batch delay: %w", err)
	}
	return nil
}

func (c *Controller) acquire(ctx context.Context) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire fetch slot: %w", err)
	}
	if err := ctx.Err(); err != nil {
		c.sem.Release(1)
		return fmt.Errorf("acquire fetch slot: %w", err)
	}
	if err := c.pace(ctx); err != nil {
		c.sem.Release(1)
		return err
	}
	current := c.inFlight.Add(1)
	for {
		peak := c.peak.Load()
		if current <= peak || c.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	metrics.IncInflight()
	return nil
}

func (c *Controller) release() {
	c.inFlight.Add(-1)
	metrics.DecInflight()
	c.sem.Release(1)
}

// pace serialises dispatches so consecutive ones are at least a sampled
// request delay apart.
func (c *Controller) pace(ctx context.Context) error {
	c.gate.Lock()
	defer c.gate.Unlock()

	if !c.lastDispatch.IsZero() {
		wait := c.sample(c.cfg.RequestDelay) - time.Since(c.lastDispatch)
		if wait > 0 {
			metrics.ObservePacingDelay("request", wait)
			if err := c.pauser.Pause(ctx, wait); err != nil {
				return fmt.Errorf("request delay: %w", err)
			}
		}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	c.lastDispatch = time.Now()
	return nil
}

func (c *Controller) sample(r Range) time.Duration {
	span := int64(r.Max - r.Min)
	if span <= 0 {
		return r.Min
	}
	return r.Min + time.Duration(c.jitter(span+1))
}
