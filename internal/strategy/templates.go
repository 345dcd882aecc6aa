package strategy

import (
	"sort"
	"sync"

	"github.com/atlas-desktop/strategy-engine/internal/condition"
	"github.com/atlas-desktop/strategy-engine/internal/indicator"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TemplateInfo describes a preset
type TemplateInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type template struct {
	info  TemplateInfo
	build func() Config
}

// Templates holds named strategy presets that the admin surface can
// instantiate and then edit.
type Templates struct {
	logger    *zap.Logger
	templates map[string]template
	mu        sync.RWMutex
}

// NewTemplates creates the preset catalogue with the built-in presets.
func NewTemplates(logger *zap.Logger) *Templates {
	t := &Templates{
		logger:    logger,
		templates: make(map[string]template),
	}

	t.Register("momentum", "Long on MACD bullish cross with rising volume, short on the mirror image", momentumTemplate)
	t.Register("mean_reversion", "Fade RSI extremes back towards the middle Bollinger band", meanReversionTemplate)
	t.Register("breakout", "Trade closes outside the Bollinger bands in the direction of the trend", breakoutTemplate)
	t.Register("trend_following", "Follow the EMA trend while price holds above the long SMA", trendFollowingTemplate)

	return t
}

// Register adds or replaces a preset
func (t *Templates) Register(name, description string, build func() Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.templates[name] = template{info: TemplateInfo{Name: name, Description: description}, build: build}
}

// Create builds a config from a preset, named instance on timeframe tf.
func (t *Templates) Create(preset, instance string, tf types.Timeframe) (Config, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tpl, ok := t.templates[preset]
	if !ok {
		return Config{}, false
	}
	cfg := tpl.build()
	cfg.Name = instance
	cfg.Timeframe = tf
	return cfg, true
}

// List returns all presets ordered by name
func (t *Templates) List() []TemplateInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]TemplateInfo, 0, len(t.templates))
	for _, tpl := range t.templates {
		out = append(out, tpl.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func baseTemplate() Config {
	return Config{
		Enabled:             true,
		ProfitTargetPercent: decimal.NewFromInt(3),
		StopLossPercent:     decimal.NewFromFloat(1.5),
		MaxPositionTimeMs:   24 * 60 * 60 * 1000,
		PositionSize:        decimal.NewFromFloat(0.01),
		CooldownMs:          5 * 60 * 1000,
	}
}

func momentumTemplate() Config {
	cfg := baseTemplate()
	cfg.LongEntry = condition.NewTree(condition.All(
		condition.Is(indicator.NameMACDBullish, true),
		condition.Compare(indicator.NameMACDHist, condition.OpGT, 0),
		condition.Is(indicator.NameVolumeSpike, true),
	))
	cfg.ShortEntry = condition.NewTree(condition.All(
		condition.Is(indicator.NameMACDBullish, false),
		condition.Compare(indicator.NameMACDHist, condition.OpLT, 0),
		condition.Is(indicator.NameVolumeSpike, true),
	))
	cfg.LongExit = condition.NewTree(condition.Compare(indicator.NameMACDHist, condition.OpLT, 0))
	cfg.ShortExit = condition.NewTree(condition.Compare(indicator.NameMACDHist, condition.OpGT, 0))
	return cfg
}

func meanReversionTemplate() Config {
	cfg := baseTemplate()
	cfg.ProfitTargetPercent = decimal.NewFromInt(2)
	cfg.LongEntry = condition.NewTree(condition.All(
		condition.Compare(indicator.NameRSI, condition.OpLT, 30),
		condition.CompareRef(indicator.NamePrice, condition.OpLTE, indicator.NameBBLower),
	))
	cfg.ShortEntry = condition.NewTree(condition.All(
		condition.Compare(indicator.NameRSI, condition.OpGT, 70),
		condition.CompareRef(indicator.NamePrice, condition.OpGTE, indicator.NameBBUpper),
	))
	cfg.LongExit = condition.NewTree(condition.CompareRef(indicator.NamePrice, condition.OpGTE, indicator.NameBBMiddle))
	cfg.ShortExit = condition.NewTree(condition.CompareRef(indicator.NamePrice, condition.OpLTE, indicator.NameBBMiddle))
	return cfg
}

func breakoutTemplate() Config {
	cfg := baseTemplate()
	cfg.LongEntry = condition.NewTree(condition.All(
		condition.CompareRef(indicator.NamePrice, condition.OpGT, indicator.NameBBUpper),
		condition.Is(indicator.NameBullishTrend, true),
		condition.Is(indicator.NameVolumeSpike, true),
	))
	cfg.ShortEntry = condition.NewTree(condition.All(
		condition.CompareRef(indicator.NamePrice, condition.OpLT, indicator.NameBBLower),
		condition.Is(indicator.NameBearishTrend, true),
		condition.Is(indicator.NameVolumeSpike, true),
	))
	cfg.LongExit = condition.NewTree(condition.CompareRef(indicator.NamePrice, condition.OpLT, indicator.NameBBMiddle))
	cfg.ShortExit = condition.NewTree(condition.CompareRef(indicator.NamePrice, condition.OpGT, indicator.NameBBMiddle))
	return cfg
}

func trendFollowingTemplate() Config {
	cfg := baseTemplate()
	cfg.StopLossPercent = decimal.NewFromInt(2)
	cfg.ProfitTargetPercent = decimal.NewFromInt(5)
	cfg.LongEntry = condition.NewTree(condition.All(
		condition.Is(indicator.NameBullishTrend, true),
		condition.CompareRef(indicator.NamePrice, condition.OpGT, indicator.NameSMALong),
		condition.Any(
			condition.Is(indicator.NameMACDBullish, true),
			condition.Compare(indicator.NameRSI, condition.OpGT, 55),
		),
	))
	cfg.ShortEntry = condition.NewTree(condition.All(
		condition.Is(indicator.NameBearishTrend, true),
		condition.CompareRef(indicator.NamePrice, condition.OpLT, indicator.NameSMALong),
		condition.Any(
			condition.Is(indicator.NameMACDBullish, false),
			condition.Compare(indicator.NameRSI, condition.OpLT, 45),
		),
	))
	cfg.LongExit = condition.NewTree(condition.Is(indicator.NameBearishTrend, true))
	cfg.ShortExit = condition.NewTree(condition.Is(indicator.NameBullishTrend, true))
	return cfg
}
