// Package store persists strategy configs, positions, performance and the
// trade ledger in SQLite through gorm.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// StrategyRecord is a persisted strategy together with the state needed to
// resume it after a restart.
type StrategyRecord struct {
	Name        string
	Timeframe   types.Timeframe
	Enabled     bool
	Config      json.RawMessage
	Position    *types.Position
	Performance *types.StrategyPerformance
	UpdatedAt   time.Time
}

// Repository implements strategy storage using gorm + SQLite.
type Repository struct {
	db *gorm.DB
}

// Open opens (and migrates) the database at path. ":memory:" is accepted.
func Open(path string) (*Repository, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("store: database path is empty")
	}
	if path != ":memory:" {
		if err := ensureDir(path); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&strategyModel{}, &tradeModel{}, &performanceModel{}, &positionModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Repository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// LoadStrategies returns every stored strategy with its last position and
// performance, ordered by creation.
func (r *Repository) LoadStrategies(ctx context.Context) ([]StrategyRecord, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}
	var rows []strategyModel
	if err := r.db.WithContext(ctx).Order("created_at asc, id asc").Find(&rows).Error; err != nil {
		return nil, err
	}

	var perfRows []performanceModel
	if err := r.db.WithContext(ctx).Find(&perfRows).Error; err != nil {
		return nil, err
	}
	perfs := make(map[string]performanceModel, len(perfRows))
	for _, p := range perfRows {
		perfs[key(p.Strategy, p.Timeframe)] = p
	}

	var posRows []positionModel
	if err := r.db.WithContext(ctx).Find(&posRows).Error; err != nil {
		return nil, err
	}
	positions := make(map[string]positionModel, len(posRows))
	for _, p := range posRows {
		positions[key(p.Strategy, p.Timeframe)] = p
	}

	out := make([]StrategyRecord, 0, len(rows))
	for _, row := range rows {
		rec := StrategyRecord{
			Name:      row.Name,
			Timeframe: types.Timeframe(row.Timeframe),
			Enabled:   row.Enabled,
			Config:    json.RawMessage(row.Config),
			UpdatedAt: time.UnixMilli(row.UpdatedAt).UTC(),
		}
		k := key(row.Name, row.Timeframe)
		if p, ok := perfs[k]; ok {
			perf := p.toPerformance()
			rec.Performance = &perf
		}
		if p, ok := positions[k]; ok {
			var pos types.Position
			if err := json.Unmarshal(p.State, &pos); err != nil {
				return nil, fmt.Errorf("decode position %s: %w", k, err)
			}
			rec.Position = &pos
		}
		out = append(out, rec)
	}
	return out, nil
}

// SaveStrategy inserts or replaces the config of (name, timeframe).
func (r *Repository) SaveStrategy(ctx context.Context, name string, tf types.Timeframe, enabled bool, config json.RawMessage) error {
	if r == nil || r.db == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	model := strategyModel{
		Name:      name,
		Timeframe: string(tf),
		Enabled:   enabled,
		Config:    datatypes.JSON(config),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}, {Name: "timeframe"}},
			DoUpdates: clause.AssignmentColumns([]string{"enabled", "config", "updated_at"}),
		}).
		Create(&model).Error
}

// DeleteStrategy removes the config, position and performance of
// (name, timeframe). The trade ledger is kept.
func (r *Repository) DeleteStrategy(ctx context.Context, name string, tf types.Timeframe) error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		where := "name = ? AND timeframe = ?"
		if err := tx.Where(where, name, string(tf)).Delete(&strategyModel{}).Error; err != nil {
			return err
		}
		where = "strategy = ? AND timeframe = ?"
		if err := tx.Where(where, name, string(tf)).Delete(&positionModel{}).Error; err != nil {
			return err
		}
		return tx.Where(where, name, string(tf)).Delete(&performanceModel{}).Error
	})
}

// AppendTrade adds a completed trade to the ledger.
func (r *Repository) AppendTrade(ctx context.Context, trade types.CompletedTrade) error {
	if r == nil || r.db == nil {
		return nil
	}
	model := newTradeModel(trade)
	return r.db.WithContext(ctx).Create(&model).Error
}

// UpsertPerformance stores the latest aggregates for (name, timeframe).
func (r *Repository) UpsertPerformance(ctx context.Context, name string, tf types.Timeframe, perf types.StrategyPerformance) error {
	if r == nil || r.db == nil {
		return nil
	}
	model := performanceModel{
		Strategy:       name,
		Timeframe:      string(tf),
		TotalPnL:       perf.TotalPnL.String(),
		TotalTrades:    perf.TotalTrades,
		WinningTrades:  perf.WinningTrades,
		InitialCapital: perf.InitialCapital.String(),
		CurrentCapital: perf.CurrentCapital.String(),
		UnrealizedPnL:  perf.UnrealizedPnL.String(),
		TotalFees:      perf.TotalFees.String(),
		UpdatedAt:      time.Now().UnixMilli(),
	}
	if !perf.LastCloseAt.IsZero() {
		model.LastCloseAt = perf.LastCloseAt.UnixMilli()
	}
	cols := []string{"total_pnl", "total_trades", "winning_trades", "initial_capital", "current_capital",
		"unrealized_pnl", "total_fees", "last_close_at", "updated_at"}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "strategy"}, {Name: "timeframe"}},
			DoUpdates: clause.AssignmentColumns(cols),
		}).
		Create(&model).Error
}

// UpsertPosition stores an open position, or removes the row once flat.
func (r *Repository) UpsertPosition(ctx context.Context, name string, tf types.Timeframe, pos types.Position) error {
	if r == nil || r.db == nil {
		return nil
	}
	if !pos.IsOpen() {
		return r.db.WithContext(ctx).
			Where("strategy = ? AND timeframe = ?", name, string(tf)).
			Delete(&positionModel{}).Error
	}
	state, err := json.Marshal(pos)
	if err != nil {
		return err
	}
	model := positionModel{
		Strategy:  name,
		Timeframe: string(tf),
		State:     datatypes.JSON(state),
		UpdatedAt: time.Now().UnixMilli(),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "strategy"}, {Name: "timeframe"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "updated_at"}),
		}).
		Create(&model).Error
}

// ResetTrades drops the ledger and aggregates of (name, timeframe).
func (r *Repository) ResetTrades(ctx context.Context, name string, tf types.Timeframe) error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		where := "strategy = ? AND timeframe = ?"
		if err := tx.Where(where, name, string(tf)).Delete(&tradeModel{}).Error; err != nil {
			return err
		}
		return tx.Where(where, name, string(tf)).Delete(&performanceModel{}).Error
	})
}

// ListTrades returns the newest trades of (name, timeframe) first. limit <= 0
// returns all of them.
func (r *Repository) ListTrades(ctx context.Context, name string, tf types.Timeframe, limit int) ([]types.CompletedTrade, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}
	q := r.db.WithContext(ctx).
		Where("strategy = ? AND timeframe = ?", name, string(tf)).
		Order("exit_time desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []tradeModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.CompletedTrade, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toTrade())
	}
	return out, nil
}

func newTradeModel(t types.CompletedTrade) tradeModel {
	return tradeModel{
		Strategy:   t.Strategy,
		Timeframe:  string(t.Timeframe),
		Side:       string(t.Type),
		EntryPrice: t.EntryPrice.String(),
		EntryTime:  t.EntryTime.UnixMilli(),
		ExitPrice:  t.ExitPrice.String(),
		ExitTime:   t.ExitTime.UnixMilli(),
		Quantity:   t.Quantity.String(),
		PnL:        t.PnL.String(),
		PnLPercent: t.PnLPercent.String(),
		Fees:       t.Fees.String(),
		DurationMs: t.Duration.Milliseconds(),
		ExitReason: string(t.ExitReason),
		IsWin:      t.IsWin,
	}
}

func (m tradeModel) toTrade() types.CompletedTrade {
	return types.CompletedTrade{
		Strategy:   m.Strategy,
		Timeframe:  types.Timeframe(m.Timeframe),
		Type:       types.PositionType(m.Side),
		EntryPrice: parseDecimal(m.EntryPrice),
		EntryTime:  time.UnixMilli(m.EntryTime).UTC(),
		ExitPrice:  parseDecimal(m.ExitPrice),
		ExitTime:   time.UnixMilli(m.ExitTime).UTC(),
		Quantity:   parseDecimal(m.Quantity),
		PnL:        parseDecimal(m.PnL),
		PnLPercent: parseDecimal(m.PnLPercent),
		Fees:       parseDecimal(m.Fees),
		Duration:   time.Duration(m.DurationMs) * time.Millisecond,
		ExitReason: types.ExitReason(m.ExitReason),
		IsWin:      m.IsWin,
	}
}

func (m performanceModel) toPerformance() types.StrategyPerformance {
	perf := types.StrategyPerformance{
		TotalPnL:       parseDecimal(m.TotalPnL),
		TotalTrades:    m.TotalTrades,
		WinningTrades:  m.WinningTrades,
		InitialCapital: parseDecimal(m.InitialCapital),
		CurrentCapital: parseDecimal(m.CurrentCapital),
		UnrealizedPnL:  parseDecimal(m.UnrealizedPnL),
		TotalFees:      parseDecimal(m.TotalFees),
	}
	if m.LastCloseAt > 0 {
		perf.LastCloseAt = time.UnixMilli(m.LastCloseAt).UTC()
	}
	return perf
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func key(name, tf string) string { return name + "|" + tf }

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
