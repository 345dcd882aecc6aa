// Package strategy runs user-defined rule sets against the live feed.
//
// Every (name, timeframe) pair owns one runtime. Runtimes sharing a
// timeframe are driven by a single lane goroutine that applies ticks and
// control commands strictly one after the other.
package strategy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/condition"
	"github.com/atlas-desktop/strategy-engine/internal/position"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Config is a declarative strategy as accepted by the admin surface.
type Config struct {
	Name                string          `json:"name"`
	Symbol              string          `json:"symbol,omitempty"`
	Timeframe           types.Timeframe `json:"timeframe"`
	Enabled             bool            `json:"enabled"`
	LongEntry           condition.Tree  `json:"longEntry"`
	ShortEntry          condition.Tree  `json:"shortEntry"`
	LongExit            condition.Tree  `json:"longExit"`
	ShortExit           condition.Tree  `json:"shortExit"`
	ProfitTargetPercent decimal.Decimal `json:"profitTargetPercent"`
	StopLossPercent     decimal.Decimal `json:"stopLossPercent"`
	MaxPositionTimeMs   int64           `json:"maxPositionTimeMs"`
	PositionSize        decimal.Decimal `json:"positionSize"`
	CooldownMs          int64           `json:"cooldownMs"`
}

// Key identifies a runtime
type Key struct {
	Name      string          `json:"name"`
	Timeframe types.Timeframe `json:"timeframe"`
}

func (k Key) String() string { return k.Name + "@" + string(k.Timeframe) }

// Key returns the registry key of the config
func (c Config) Key() Key {
	return Key{Name: c.Name, Timeframe: c.Timeframe}
}

// ParseConfig decodes a config from its JSON form
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, &types.ConfigValidationError{Field: "config", Reason: err.Error()}
	}
	cfg.Name = strings.TrimSpace(cfg.Name)
	return cfg, nil
}

// Validate checks ranges and condition trees. known reports whether an
// indicator name can appear in a snapshot; nil skips the name check.
func (c Config) Validate(known func(string) bool) error {
	fail := func(field, reason string) error {
		return &types.ConfigValidationError{Strategy: c.Name, Field: field, Reason: reason}
	}

	if strings.TrimSpace(c.Name) == "" {
		return fail("name", "must not be empty")
	}
	if !c.Timeframe.Valid() {
		return fail("timeframe", fmt.Sprintf("unsupported timeframe %q", c.Timeframe))
	}
	if !c.PositionSize.IsPositive() {
		return fail("positionSize", "must be greater than zero")
	}
	if c.ProfitTargetPercent.IsNegative() {
		return fail("profitTargetPercent", "must not be negative")
	}
	if c.StopLossPercent.IsNegative() {
		return fail("stopLossPercent", "must not be negative")
	}
	if c.StopLossPercent.GreaterThanOrEqual(hundred) {
		return fail("stopLossPercent", "must be below 100")
	}
	if c.MaxPositionTimeMs < 0 {
		return fail("maxPositionTimeMs", "must not be negative")
	}
	if c.CooldownMs < 0 {
		return fail("cooldownMs", "must not be negative")
	}
	if c.LongEntry.Empty() && c.ShortEntry.Empty() {
		return fail("longEntry", "at least one entry condition is required")
	}

	trees := []struct {
		field string
		tree  condition.Tree
	}{
		{"longEntry", c.LongEntry},
		{"shortEntry", c.ShortEntry},
		{"longExit", c.LongExit},
		{"shortExit", c.ShortExit},
	}
	for _, t := range trees {
		if err := condition.Validate(t.tree.Root, known); err != nil {
			return fail(t.field, err.Error())
		}
	}
	return nil
}

// Rules converts the config into state machine inputs
func (c Config) Rules() position.Rules {
	return position.Rules{
		LongEntry:           c.LongEntry,
		ShortEntry:          c.ShortEntry,
		LongExit:            c.LongExit,
		ShortExit:           c.ShortExit,
		ProfitTargetPercent: c.ProfitTargetPercent,
		StopLossPercent:     c.StopLossPercent,
		MaxPositionTime:     time.Duration(c.MaxPositionTimeMs) * time.Millisecond,
		PositionSize:        c.PositionSize,
		Cooldown:            time.Duration(c.CooldownMs) * time.Millisecond,
	}
}

// JSON returns the persisted form of the config
func (c Config) JSON() json.RawMessage {
	data, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	return data
}
