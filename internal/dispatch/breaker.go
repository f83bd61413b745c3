package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"triggerhub/internal/config"
	"triggerhub/pkg/circuitbreaker"
)

// CircuitBreakerWindow guards a remote window so an unavailable store fails
// fast instead of stalling every dispatch.
type CircuitBreakerWindow struct {
	window Window
	cb     *circuitbreaker.Wrapper
}

func NewCircuitBreakerWindow(window Window, cfg config.CircuitBreakerConfig) *CircuitBreakerWindow {
	if !cfg.Enabled {
		return &CircuitBreakerWindow{
			window: window,
			cb:     nil,
		}
	}

	cbConfig := BreakerConfig("redis-dedup", cfg)
	return &CircuitBreakerWindow{
		window: window,
		cb:     circuitbreaker.NewWrapper(cbConfig),
	}
}

// BreakerConfig applies the configured thresholds on top of the defaults.
func BreakerConfig(name string, cfg config.CircuitBreakerConfig) circuitbreaker.Config {
	cbConfig := circuitbreaker.DefaultConfig(name)
	if cfg.MaxRequests > 0 {
		cbConfig.MaxRequests = cfg.MaxRequests
	}
	if cfg.Interval > 0 {
		cbConfig.Interval = cfg.Interval
	}
	if cfg.Timeout > 0 {
		cbConfig.Timeout = cfg.Timeout
	}
	if cfg.FailureRatio > 0 && cfg.MinRequests > 0 {
		cbConfig.ReadyToTrip = func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		}
	}
	return cbConfig
}

func (w *CircuitBreakerWindow) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if w.cb == nil {
		return w.window.Claim(ctx, key, ttl)
	}

	result, err := w.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return w.window.Claim(ctx, key, ttl)
	})
	if err != nil {
		if w.cb.IsOpen() {
			return false, fmt.Errorf("circuit breaker is open for redis-dedup: %w", err)
		}
		return false, err
	}

	claimed, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("window returned invalid result type")
	}
	return claimed, nil
}

func (w *CircuitBreakerWindow) Release(ctx context.Context, key string) error {
	if w.cb == nil {
		return w.window.Release(ctx, key)
	}
	_, err := w.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return nil, w.window.Release(ctx, key)
	})
	return err
}

func (w *CircuitBreakerWindow) Size(ctx context.Context) (int, error) {
	if w.cb == nil {
		return w.window.Size(ctx)
	}

	result, err := w.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return w.window.Size(ctx)
	})
	if err != nil {
		if w.cb.IsOpen() {
			return 0, fmt.Errorf("circuit breaker is open for redis-dedup: %w", err)
		}
		return 0, err
	}

	size, ok := result.(int)
	if !ok {
		return 0, fmt.Errorf("window returned invalid result type")
	}
	return size, nil
}

func (w *CircuitBreakerWindow) State() string {
	if w.cb == nil {
		return "disabled"
	}
	return w.cb.State().String()
}

func (w *CircuitBreakerWindow) IsOpen() bool {
	if w.cb == nil {
		return false
	}
	return w.cb.IsOpen()
}
