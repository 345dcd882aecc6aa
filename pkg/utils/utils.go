// Package utils provides utility functions for the strategy engine.
package utils

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// FormatSymbol normalizes a trading symbol to BASE/QUOTE.
func FormatSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	symbol = strings.ReplaceAll(symbol, "-", "/")
	symbol = strings.ReplaceAll(symbol, "_", "/")

	if !strings.Contains(symbol, "/") {
		quotes := []string{"USDT", "USDC", "FDUSD", "USD", "BTC", "ETH", "BNB"}
		for _, quote := range quotes {
			if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
				base := strings.TrimSuffix(symbol, quote)
				return base + "/" + quote
			}
		}
	}

	return symbol
}

// ExchangeSymbol returns the separator-free form exchanges expect (BTCUSDT).
func ExchangeSymbol(symbol string) string {
	return strings.ReplaceAll(FormatSymbol(symbol), "/", "")
}

// RetryConfig contains retry configuration.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // fraction of the delay, 0..1
}

// DefaultRetryConfig returns default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Delay returns the wait before the given attempt (1-based).
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	initial := c.InitialDelay
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	maxDelay := c.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	mult := c.Multiplier
	if mult <= 1 {
		mult = 2.0
	}

	wait := initial
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * mult)
		if next >= maxDelay {
			wait = maxDelay
			break
		}
		wait = next
	}

	if c.Jitter <= 0 {
		return wait
	}
	jitter := c.Jitter
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

// Retry retries a function with exponential backoff until it succeeds,
// attempts run out or ctx is done.
func Retry[T any](ctx context.Context, config RetryConfig, fn func() (T, error)) (T, error) {
	var result T
	var err error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result, err = fn()
		if err == nil {
			return result, nil
		}

		if attempt == config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(config.Delay(attempt)):
		}
	}

	return result, fmt.Errorf("after %d attempts: %w", config.MaxAttempts, err)
}
