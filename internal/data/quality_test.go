package data_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/data"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issueTypes(r *data.QualityReport) []string {
	out := make([]string, 0, len(r.Issues))
	for _, issue := range r.Issues {
		out = append(out, issue.Type)
	}
	return out
}

func TestQualityCleanSeries(t *testing.T) {
	report := data.NewQualityValidator().Validate(hourly(0, 200, 100), "BTC/USDT", types.Timeframe1h)
	assert.Empty(t, report.Issues)
	assert.Equal(t, 100, report.QualityScore)
	assert.True(t, report.IsUsable)
}

func TestQualityFindsProblems(t *testing.T) {
	candles := hourly(0, 5, 100)
	candles = append(candles, hourly(8, 2, 100)...) // bars 5..7 missing
	candles[2].High = decimal.NewFromInt(1)         // below open and close
	candles = append(candles, candles[len(candles)-1])

	report := data.NewQualityValidator().Validate(candles, "BTC/USDT", types.Timeframe1h)
	assert.ElementsMatch(t, []string{data.IssueInconsistent, data.IssueGap, data.IssueDuplicate}, issueTypes(report))
	assert.Equal(t, 3, report.MissingBars)
	assert.False(t, report.IsUsable, "critical issues make a series unusable")
}

func TestQualityGapMoveAndEmpty(t *testing.T) {
	candles := hourly(0, 3, 100)
	jump := decimal.NewFromInt(200)
	candles[2].Open, candles[2].High, candles[2].Low, candles[2].Close = jump, jump, jump, jump

	report := data.NewQualityValidator().Validate(candles, "BTC/USDT", types.Timeframe1h)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, data.IssueGapMove, report.Issues[0].Type)
	assert.Equal(t, base.Add(2*time.Hour), report.Issues[0].Timestamp)
	assert.True(t, report.IsUsable)

	empty := data.NewQualityValidator().Validate(nil, "BTC/USDT", types.Timeframe1h)
	assert.False(t, empty.IsUsable)
	assert.Zero(t, empty.QualityScore)
}
