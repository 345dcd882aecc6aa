package indicator

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/markcheno/go-talib"
)

// Engine turns a trailing candle window into a snapshot. Implementations
// must be pure: the same window always yields the same snapshot.
type Engine interface {
	Compute(window []types.Candle) Snapshot
	Names() []string
	WarmUp() int
}

// Settings describes indicator periods
type Settings struct {
	RSIPeriod    int     `mapstructure:"rsi_period" json:"rsiPeriod"`
	EMAFast      int     `mapstructure:"ema_fast" json:"emaFast"`
	EMASlow      int     `mapstructure:"ema_slow" json:"emaSlow"`
	SMAPeriod    int     `mapstructure:"sma_period" json:"smaPeriod"`
	SMALong      int     `mapstructure:"sma_long" json:"smaLong"`
	MACDFast     int     `mapstructure:"macd_fast" json:"macdFast"`
	MACDSlow     int     `mapstructure:"macd_slow" json:"macdSlow"`
	MACDSignal   int     `mapstructure:"macd_signal" json:"macdSignal"`
	BBPeriod     int     `mapstructure:"bb_period" json:"bbPeriod"`
	BBDeviation  float64 `mapstructure:"bb_deviation" json:"bbDeviation"`
	ATRPeriod    int     `mapstructure:"atr_period" json:"atrPeriod"`
	VolumePeriod int     `mapstructure:"volume_period" json:"volumePeriod"`
	// Lookback caps the window handed to talib so live buffers and
	// historical replays see the same input.
	Lookback int `mapstructure:"lookback" json:"lookback"`
}

// DefaultSettings returns common periods
func DefaultSettings() Settings {
	return Settings{
		RSIPeriod:    14,
		EMAFast:      12,
		EMASlow:      26,
		SMAPeriod:    20,
		SMALong:      50,
		MACDFast:     12,
		MACDSlow:     26,
		MACDSignal:   9,
		BBPeriod:     20,
		BBDeviation:  2,
		ATRPeriod:    14,
		VolumePeriod: 20,
		Lookback:     300,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.RSIPeriod <= 1 {
		s.RSIPeriod = d.RSIPeriod
	}
	if s.EMAFast <= 1 {
		s.EMAFast = d.EMAFast
	}
	if s.EMASlow <= 1 {
		s.EMASlow = d.EMASlow
	}
	if s.SMAPeriod <= 1 {
		s.SMAPeriod = d.SMAPeriod
	}
	if s.SMALong <= 1 {
		s.SMALong = d.SMALong
	}
	if s.MACDFast <= 1 {
		s.MACDFast = d.MACDFast
	}
	if s.MACDSlow <= 1 {
		s.MACDSlow = d.MACDSlow
	}
	if s.MACDSignal <= 1 {
		s.MACDSignal = d.MACDSignal
	}
	if s.BBPeriod <= 1 {
		s.BBPeriod = d.BBPeriod
	}
	if s.BBDeviation <= 0 {
		s.BBDeviation = d.BBDeviation
	}
	if s.ATRPeriod <= 1 {
		s.ATRPeriod = d.ATRPeriod
	}
	if s.VolumePeriod <= 1 {
		s.VolumePeriod = d.VolumePeriod
	}
	if s.Lookback <= 0 {
		s.Lookback = d.Lookback
	}
	return s
}

// Indicator names produced by TalibEngine
const (
	NamePrice         = "price"
	NameOpen          = "open"
	NameHigh          = "high"
	NameLow           = "low"
	NameClose         = "close"
	NameVolume        = "volume"
	NameChangePercent = "changePercent"
	NameRSI           = "rsi"
	NameEMAFast       = "emaFast"
	NameEMASlow       = "emaSlow"
	NameSMA           = "sma"
	NameSMALong       = "smaLong"
	NameMACD          = "macd"
	NameMACDSignal    = "macdSignal"
	NameMACDHist      = "macdHistogram"
	NameBBUpper       = "bbUpper"
	NameBBMiddle      = "bbMiddle"
	NameBBLower       = "bbLower"
	NameATR           = "atr"
	NameVolumeSMA     = "volumeSma"
	NameBullishTrend  = "isBullishTrend"
	NameBearishTrend  = "isBearishTrend"
	NamePriceAboveSMA = "priceAboveSma"
	NameMACDBullish   = "isMacdBullish"
	NameVolumeSpike   = "isVolumeSpike"
	NameOversold      = "isOversold"
	NameOverbought    = "isOverbought"
	NameBullishCandle = "isBullishCandle"
)

var allNames = []string{
	NamePrice, NameOpen, NameHigh, NameLow, NameClose, NameVolume, NameChangePercent,
	NameRSI, NameEMAFast, NameEMASlow, NameSMA, NameSMALong,
	NameMACD, NameMACDSignal, NameMACDHist,
	NameBBUpper, NameBBMiddle, NameBBLower, NameATR, NameVolumeSMA,
	NameBullishTrend, NameBearishTrend, NamePriceAboveSMA, NameMACDBullish,
	NameVolumeSpike, NameOversold, NameOverbought, NameBullishCandle,
}

// TalibEngine computes indicators with go-talib
type TalibEngine struct {
	settings Settings
}

// NewTalibEngine creates an engine with the given settings
func NewTalibEngine(settings Settings) *TalibEngine {
	return &TalibEngine{settings: settings.withDefaults()}
}

// Names returns every indicator name the engine can produce
func (e *TalibEngine) Names() []string {
	out := make([]string, len(allNames))
	copy(out, allNames)
	return out
}

// WarmUp returns the candles needed before every indicator is populated
func (e *TalibEngine) WarmUp() int {
	s := e.settings
	need := s.MACDSlow + s.MACDSignal - 1
	for _, p := range []int{s.RSIPeriod + 1, s.EMASlow, s.SMALong, s.BBPeriod, s.ATRPeriod + 1, s.VolumePeriod} {
		if p > need {
			need = p
		}
	}
	return need
}

// Settings returns the effective settings
func (e *TalibEngine) Settings() Settings {
	return e.settings
}

// Compute returns the snapshot for the last candle of window. Indicators
// without enough history are left out of the snapshot.
func (e *TalibEngine) Compute(window []types.Candle) Snapshot {
	snap := make(Snapshot, len(allNames))
	if len(window) == 0 {
		return snap
	}
	if len(window) > e.settings.Lookback {
		window = window[len(window)-e.settings.Lookback:]
	}

	n := len(window)
	opens := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	volumes := make([]float64, n)
	for i, c := range window {
		opens[i] = c.Open.InexactFloat64()
		highs[i] = c.High.InexactFloat64()
		lows[i] = c.Low.InexactFloat64()
		closes[i] = c.Close.InexactFloat64()
		volumes[i] = c.Volume.InexactFloat64()
	}
	last := n - 1
	s := e.settings

	snap[NamePrice] = Number(closes[last])
	snap[NameClose] = Number(closes[last])
	snap[NameOpen] = Number(opens[last])
	snap[NameHigh] = Number(highs[last])
	snap[NameLow] = Number(lows[last])
	snap[NameVolume] = Number(volumes[last])
	snap[NameBullishCandle] = Bool(closes[last] > opens[last])

	if n >= 2 && closes[last-1] != 0 {
		snap[NameChangePercent] = Number((closes[last] - closes[last-1]) / closes[last-1] * 100)
	}

	if n > s.RSIPeriod {
		rsi := latest(talib.Rsi(closes, s.RSIPeriod))
		setNumber(snap, NameRSI, rsi)
		if !math.IsNaN(rsi) {
			snap[NameOversold] = Bool(rsi < 30)
			snap[NameOverbought] = Bool(rsi > 70)
		}
	}

	emaFast, emaSlow := math.NaN(), math.NaN()
	if n >= s.EMAFast {
		emaFast = latest(talib.Ema(closes, s.EMAFast))
		setNumber(snap, NameEMAFast, emaFast)
	}
	if n >= s.EMASlow {
		emaSlow = latest(talib.Ema(closes, s.EMASlow))
		setNumber(snap, NameEMASlow, emaSlow)
	}
	if !math.IsNaN(emaFast) && !math.IsNaN(emaSlow) {
		snap[NameBullishTrend] = Bool(emaFast > emaSlow)
		snap[NameBearishTrend] = Bool(emaFast < emaSlow)
	}

	if n >= s.SMAPeriod {
		sma := latest(talib.Sma(closes, s.SMAPeriod))
		setNumber(snap, NameSMA, sma)
		if !math.IsNaN(sma) {
			snap[NamePriceAboveSMA] = Bool(closes[last] > sma)
		}
	}
	if n >= s.SMALong {
		setNumber(snap, NameSMALong, latest(talib.Sma(closes, s.SMALong)))
	}

	if n >= s.MACDSlow+s.MACDSignal-1 {
		macd, signal, hist := talib.Macd(closes, s.MACDFast, s.MACDSlow, s.MACDSignal)
		setNumber(snap, NameMACD, latest(macd))
		setNumber(snap, NameMACDSignal, latest(signal))
		h := latest(hist)
		setNumber(snap, NameMACDHist, h)
		if !math.IsNaN(h) {
			snap[NameMACDBullish] = Bool(h > 0)
		}
	}

	if n >= s.BBPeriod {
		upper, middle, lower := talib.BBands(closes, s.BBPeriod, s.BBDeviation, s.BBDeviation, talib.SMA)
		setNumber(snap, NameBBUpper, latest(upper))
		setNumber(snap, NameBBMiddle, latest(middle))
		setNumber(snap, NameBBLower, latest(lower))
	}

	if n > s.ATRPeriod {
		setNumber(snap, NameATR, latest(talib.Atr(highs, lows, closes, s.ATRPeriod)))
	}

	if n >= s.VolumePeriod {
		volSMA := latest(talib.Sma(volumes, s.VolumePeriod))
		setNumber(snap, NameVolumeSMA, volSMA)
		if !math.IsNaN(volSMA) && volSMA > 0 {
			snap[NameVolumeSpike] = Bool(volumes[last] > volSMA*1.5)
		}
	}

	return snap
}

// Known returns a lookup over the engine's indicator names
func Known(e Engine) func(string) bool {
	names := make(map[string]struct{})
	for _, name := range e.Names() {
		names[name] = struct{}{}
	}
	return func(name string) bool {
		_, ok := names[name]
		return ok
	}
}

// String describes the engine for logs
func (e *TalibEngine) String() string {
	return fmt.Sprintf("talib(lookback=%d, warmup=%d)", e.settings.Lookback, e.WarmUp())
}

func latest(series []float64) float64 {
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}

func setNumber(snap Snapshot, name string, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	snap[name] = Number(v)
}
