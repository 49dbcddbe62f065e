package peer

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// ErrMaxAttempts is returned once the reconnection budget is spent.
var ErrMaxAttempts = errors.New("maximum reconnection attempts reached")

// ReconnectConfig contains configuration for reconnection behavior.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int // 0 means unlimited
	Jitter       float64
}

// DefaultReconnectConfig returns sensible defaults for reconnection.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  0,
		Jitter:       0.2,
	}
}

// Reconnector paces the client's reconnection attempts with exponential
// backoff. The caller drives it:
//
//	for {
//	    if err := r.Wait(ctx); err != nil {
//	        return err
//	    }
//	    if conn, err := dial(ctx); err == nil {
//	        r.Reset()
//	        ...
//	    }
//	}
type Reconnector struct {
	cfg     ReconnectConfig
	backoff *BackoffCalculator

	mu       sync.Mutex
	attempts int

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewReconnector creates a new reconnector.
func NewReconnector(cfg ReconnectConfig) *Reconnector {
	return &Reconnector{
		cfg:     cfg,
		backoff: NewBackoffCalculator(cfg),
		sleep:   sleepContext,
	}
}

// Wait blocks for the delay of the next attempt and counts it. It returns
// ErrMaxAttempts when the budget is spent and ctx.Err() when cancelled.
func (r *Reconnector) Wait(ctx context.Context) error {
	r.mu.Lock()
	if r.cfg.MaxAttempts > 0 && r.attempts >= r.cfg.MaxAttempts {
		r.mu.Unlock()
		return ErrMaxAttempts
	}
	delay := r.addJitter(r.backoff.CalculateDelay(r.attempts))
	r.attempts++
	r.mu.Unlock()

	return r.sleep(ctx, delay)
}

// Reset clears the attempt count after a successful connection.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	r.attempts = 0
	r.mu.Unlock()
}

// Attempts returns the number of attempts since the last Reset.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// addJitter spreads d uniformly over ±Jitter.
func (r *Reconnector) addJitter(d time.Duration) time.Duration {
	if r.cfg.Jitter <= 0 {
		return d
	}

	jitterRange := float64(d) * r.cfg.Jitter
	jitter := (rand.Float64()*2 - 1) * jitterRange

	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		result = d
	}
	return result
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BackoffCalculator calculates backoff delays.
type BackoffCalculator struct {
	cfg ReconnectConfig
}

// NewBackoffCalculator creates a new backoff calculator.
func NewBackoffCalculator(cfg ReconnectConfig) *BackoffCalculator {
	return &BackoffCalculator{cfg: cfg}
}

// CalculateDelay calculates the delay for the given attempt number (0-indexed).
func (b *BackoffCalculator) CalculateDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return b.cfg.InitialDelay
	}

	delay := float64(b.cfg.InitialDelay) * math.Pow(b.cfg.Multiplier, float64(attempt))
	if delay > float64(b.cfg.MaxDelay) {
		delay = float64(b.cfg.MaxDelay)
	}

	return time.Duration(delay)
}
