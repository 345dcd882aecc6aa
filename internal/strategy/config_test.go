package strategy_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/condition"
	"github.com/atlas-desktop/strategy-engine/internal/indicator"
	"github.com/atlas-desktop/strategy-engine/internal/strategy"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const wireConfig = `{
	"name": "rsi-dip",
	"symbol": "BTC/USDT",
	"timeframe": "5m",
	"enabled": true,
	"longEntry": {
		"operator": "AND",
		"conditions": [
			{"indicator": "rsi", "operator": "<", "value": 30},
			{"indicator": "isBullishTrend", "operator": "==", "value": true}
		]
	},
	"longExit": {"indicator": "rsi", "operator": ">", "value": "70"},
	"shortEntry": null,
	"profitTargetPercent": 1.7,
	"stopLossPercent": "0.8",
	"maxPositionTimeMs": 3600000,
	"positionSize": 0.05,
	"cooldownMs": 300000
}`

func TestParseConfigWireShape(t *testing.T) {
	cfg, err := strategy.ParseConfig([]byte(wireConfig))
	require.NoError(t, err)

	assert.Equal(t, "rsi-dip", cfg.Name)
	assert.Equal(t, types.Timeframe5m, cfg.Timeframe)
	assert.True(t, cfg.ShortEntry.Empty())
	assert.True(t, cfg.StopLossPercent.Equal(decimal.RequireFromString("0.8")))

	known := indicator.Known(indicator.NewTalibEngine(indicator.DefaultSettings()))
	require.NoError(t, cfg.Validate(known))

	rules := cfg.Rules()
	assert.Equal(t, time.Hour, rules.MaxPositionTime)
	assert.Equal(t, 5*time.Minute, rules.Cooldown)
	assert.True(t, rules.PositionSize.Equal(decimal.RequireFromString("0.05")))

	snap := indicator.Snapshot{
		indicator.NameRSI:          indicator.Number(25),
		indicator.NameBullishTrend: indicator.Bool(true),
	}
	assert.True(t, rules.LongEntry.Evaluate(snap))
}

func TestParseConfigRejectsGarbage(t *testing.T) {
	_, err := strategy.ParseConfig([]byte(`{"name": 12}`))
	var cve *types.ConfigValidationError
	assert.ErrorAs(t, err, &cve)
}

func TestConfigValidate(t *testing.T) {
	entry := condition.NewTree(condition.Compare(indicator.NameRSI, condition.OpLT, 30))
	valid := func() strategy.Config {
		return strategy.Config{
			Name:         "ok",
			Timeframe:    types.Timeframe1h,
			LongEntry:    entry,
			PositionSize: decimal.NewFromInt(1),
		}
	}
	known := indicator.Known(indicator.NewTalibEngine(indicator.DefaultSettings()))
	require.NoError(t, valid().Validate(known))

	tests := []struct {
		name   string
		mutate func(*strategy.Config)
		field  string
	}{
		{"empty name", func(c *strategy.Config) { c.Name = " " }, "name"},
		{"bad timeframe", func(c *strategy.Config) { c.Timeframe = "7m" }, "timeframe"},
		{"zero size", func(c *strategy.Config) { c.PositionSize = decimal.Zero }, "positionSize"},
		{"negative target", func(c *strategy.Config) { c.ProfitTargetPercent = decimal.NewFromInt(-1) }, "profitTargetPercent"},
		{"negative stop", func(c *strategy.Config) { c.StopLossPercent = decimal.NewFromInt(-1) }, "stopLossPercent"},
		{"stop at 100", func(c *strategy.Config) { c.StopLossPercent = decimal.NewFromInt(100) }, "stopLossPercent"},
		{"negative hold time", func(c *strategy.Config) { c.MaxPositionTimeMs = -1 }, "maxPositionTimeMs"},
		{"negative cooldown", func(c *strategy.Config) { c.CooldownMs = -5 }, "cooldownMs"},
		{"no entries", func(c *strategy.Config) { c.LongEntry = condition.Tree{} }, "longEntry"},
		{"unknown exit indicator", func(c *strategy.Config) {
			c.ShortExit = condition.NewTree(condition.Is("moonPhase", true))
		}, "shortExit"},
		{"bad operator", func(c *strategy.Config) {
			c.ShortEntry = condition.NewTree(condition.Compare(indicator.NameRSI, "ABOUT", 3))
		}, "shortEntry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate(known)
			var cve *types.ConfigValidationError
			require.ErrorAs(t, err, &cve)
			assert.Equal(t, tt.field, cve.Field)
		})
	}
}

func TestConfigJSONRoundTrip(t *testing.T) {
	cfg, err := strategy.ParseConfig([]byte(wireConfig))
	require.NoError(t, err)

	again, err := strategy.ParseConfig(cfg.JSON())
	require.NoError(t, err)
	assert.Equal(t, cfg.LongEntry.String(), again.LongEntry.String())
	assert.Equal(t, cfg.LongExit.String(), again.LongExit.String())
	assert.True(t, again.ProfitTargetPercent.Equal(cfg.ProfitTargetPercent))
}

func TestTemplatesAreValid(t *testing.T) {
	templates := strategy.NewTemplates(zap.NewNop())
	known := indicator.Known(indicator.NewTalibEngine(indicator.DefaultSettings()))

	list := templates.List()
	require.NotEmpty(t, list)
	for _, info := range list {
		cfg, ok := templates.Create(info.Name, "from-"+info.Name, types.Timeframe15m)
		require.True(t, ok)
		assert.Equal(t, "from-"+info.Name, cfg.Name)
		assert.Equal(t, types.Timeframe15m, cfg.Timeframe)
		assert.NoError(t, cfg.Validate(known), info.Name)
	}

	_, ok := templates.Create("unknown", "x", types.Timeframe1m)
	assert.False(t, ok)
}
