package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors
var (
	ErrNoData           = errors.New("no data for requested range")
	ErrStrategyNotFound = errors.New("strategy not found")
	ErrStrategyExists   = errors.New("strategy already registered")
	ErrRegistryClosed   = errors.New("registry is closed")
	ErrHubClosed        = errors.New("feed hub is closed")
)

// ConfigValidationError rejects a strategy config at registration time
type ConfigValidationError struct {
	Strategy string
	Field    string
	Reason   string
}

func (e *ConfigValidationError) Error() string {
	if e.Strategy == "" {
		return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid config for %s: %s: %s", e.Strategy, e.Field, e.Reason)
}

// DataGapError marks a tick evaluated without enough warm-up data
type DataGapError struct {
	Timeframe Timeframe
	Have      int
	Need      int
}

func (e *DataGapError) Error() string {
	return fmt.Sprintf("data gap on %s: have %d candles, need %d", e.Timeframe, e.Have, e.Need)
}

// UpstreamFeedError wraps a disconnect or read failure on the market feed
type UpstreamFeedError struct {
	Timeframe Timeframe
	Attempt   int
	Err       error
}

func (e *UpstreamFeedError) Error() string {
	return fmt.Sprintf("upstream feed %s (attempt %d): %v", e.Timeframe, e.Attempt, e.Err)
}

func (e *UpstreamFeedError) Unwrap() error { return e.Err }

// PersistenceError wraps a failed persistence job
type PersistenceError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// BacktestDataMissingError is returned when a replay has nothing to replay
type BacktestDataMissingError struct {
	Symbol    string
	Timeframe Timeframe
	Start     time.Time
	End       time.Time
	Err       error
}

func (e *BacktestDataMissingError) Error() string {
	return fmt.Sprintf("backtest data missing for %s %s [%s, %s]: %v",
		e.Symbol, e.Timeframe, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339), e.Err)
}

func (e *BacktestDataMissingError) Unwrap() error { return e.Err }

// RangeCoverageError reports candles that stop short of one end of the
// requested range. It wraps ErrNoData.
type RangeCoverageError struct {
	Timeframe Timeframe
	Start     time.Time
	End       time.Time
	First     time.Time
	Last      time.Time
}

func (e *RangeCoverageError) Error() string {
	return fmt.Sprintf("%s candles cover [%s, %s] of requested [%s, %s]", e.Timeframe,
		e.First.Format(time.RFC3339), e.Last.Format(time.RFC3339),
		e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

func (e *RangeCoverageError) Unwrap() error { return ErrNoData }
