package data

import (
	"fmt"
	"math"
	"time"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// Issue types reported by the quality validator
const (
	IssueGap          = "GAP_DETECTED"
	IssueDuplicate    = "DUPLICATE_TIMESTAMP"
	IssueOutOfOrder   = "OUT_OF_ORDER"
	IssueBadPrice     = "NON_POSITIVE_PRICE"
	IssueInconsistent = "OHLC_INCONSISTENT"
	IssueGapMove      = "GAP_MOVE"
)

// DataIssue represents a data quality problem
type DataIssue struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"` // "critical", "high", "medium", "low"
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	BarIndex  int       `json:"barIndex"`
}

// QualityReport summarizes a candle series
type QualityReport struct {
	Symbol       string          `json:"symbol"`
	Timeframe    types.Timeframe `json:"timeframe"`
	TotalBars    int             `json:"totalBars"`
	MissingBars  int             `json:"missingBars"`
	Issues       []DataIssue     `json:"issues"`
	QualityScore int             `json:"qualityScore"` // 0-100
	IsUsable     bool            `json:"isUsable"`
}

// QualityValidator checks a series before it is cached or replayed
type QualityValidator struct {
	// MaxGapMove is the largest close-to-open move between bars, as a fraction
	MaxGapMove float64
	MinScore   int
}

// NewQualityValidator returns crypto defaults
func NewQualityValidator() *QualityValidator {
	return &QualityValidator{MaxGapMove: 0.20, MinScore: 70}
}

// Validate runs every check on candles
func (v *QualityValidator) Validate(candles []types.Candle, symbol string, tf types.Timeframe) *QualityReport {
	report := &QualityReport{Symbol: symbol, Timeframe: tf, TotalBars: len(candles)}
	if len(candles) == 0 {
		report.Issues = []DataIssue{{Type: "NO_DATA", Severity: "critical", Message: "No data provided"}}
		return report
	}

	step := tf.Duration()
	maxMove := decimal.NewFromFloat(v.MaxGapMove)
	for i, c := range candles {
		if !c.Open.IsPositive() || !c.High.IsPositive() || !c.Low.IsPositive() || !c.Close.IsPositive() {
			report.add(IssueBadPrice, "critical", c, i, "price is zero or negative")
		}
		if c.High.LessThan(decimal.Max(c.Open, c.Close, c.Low)) || c.Low.GreaterThan(decimal.Min(c.Open, c.Close, c.High)) {
			report.add(IssueInconsistent, "critical", c, i,
				fmt.Sprintf("O:%s H:%s L:%s C:%s", c.Open, c.High, c.Low, c.Close))
		}
		if i == 0 {
			continue
		}

		prev := candles[i-1]
		switch {
		case c.Time.Equal(prev.Time):
			report.add(IssueDuplicate, "high", c, i, "duplicate timestamp")
		case c.Time.Before(prev.Time):
			report.add(IssueOutOfOrder, "critical", c, i, "bar is out of chronological order")
		case step > 0 && c.Time.Sub(prev.Time) > step:
			missing := int(c.Time.Sub(prev.Time)/step) - 1
			report.MissingBars += missing
			report.add(IssueGap, "medium", c, i, fmt.Sprintf("%d bars missing", missing))
		}

		if prev.Close.IsPositive() && c.Open.Sub(prev.Close).Abs().Div(prev.Close).GreaterThan(maxMove) {
			report.add(IssueGapMove, "low", c, i, fmt.Sprintf("open %s after close %s", c.Open, prev.Close))
		}
	}

	report.QualityScore = score(len(candles), report.Issues)
	report.IsUsable = report.QualityScore >= v.MinScore && !report.hasCritical()
	return report
}

func (r *QualityReport) add(kind, severity string, c types.Candle, i int, msg string) {
	r.Issues = append(r.Issues, DataIssue{Type: kind, Severity: severity, Timestamp: c.Time, Message: msg, BarIndex: i})
}

func (r *QualityReport) hasCritical() bool {
	for _, issue := range r.Issues {
		if issue.Severity == "critical" {
			return true
		}
	}
	return false
}

// score weights issues by severity, normalized per hundred bars
func score(totalBars int, issues []DataIssue) int {
	penalty := 0.0
	for _, issue := range issues {
		switch issue.Severity {
		case "critical":
			penalty += 10.0
		case "high":
			penalty += 5.0
		case "medium":
			penalty += 2.0
		case "low":
			penalty += 0.5
		}
	}

	normalized := penalty / math.Max(1, float64(totalBars)/100) * 10
	return int(math.Max(0, 100.0-math.Min(normalized, 100)))
}
