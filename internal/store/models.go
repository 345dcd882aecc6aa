package store

import "gorm.io/datatypes"

// Decimal amounts are stored as their exact string form.

type strategyModel struct {
	ID        int64          `gorm:"column:id;primaryKey"`
	Name      string         `gorm:"column:name;uniqueIndex:idx_strategy_key"`
	Timeframe string         `gorm:"column:timeframe;uniqueIndex:idx_strategy_key"`
	Enabled   bool           `gorm:"column:enabled"`
	Config    datatypes.JSON `gorm:"column:config"`
	CreatedAt int64          `gorm:"column:created_at"`
	UpdatedAt int64          `gorm:"column:updated_at"`
}

func (strategyModel) TableName() string { return "strategies" }

type tradeModel struct {
	ID         int64  `gorm:"column:id;primaryKey"`
	Strategy   string `gorm:"column:strategy;index:idx_trade_key"`
	Timeframe  string `gorm:"column:timeframe;index:idx_trade_key"`
	Side       string `gorm:"column:side"`
	EntryPrice string `gorm:"column:entry_price"`
	EntryTime  int64  `gorm:"column:entry_time"`
	ExitPrice  string `gorm:"column:exit_price"`
	ExitTime   int64  `gorm:"column:exit_time;index"`
	Quantity   string `gorm:"column:quantity"`
	PnL        string `gorm:"column:pnl"`
	PnLPercent string `gorm:"column:pnl_percent"`
	Fees       string `gorm:"column:fees"`
	DurationMs int64  `gorm:"column:duration_ms"`
	ExitReason string `gorm:"column:exit_reason"`
	IsWin      bool   `gorm:"column:is_win"`
}

func (tradeModel) TableName() string { return "trades" }

type performanceModel struct {
	ID             int64  `gorm:"column:id;primaryKey"`
	Strategy       string `gorm:"column:strategy;uniqueIndex:idx_performance_key"`
	Timeframe      string `gorm:"column:timeframe;uniqueIndex:idx_performance_key"`
	TotalPnL       string `gorm:"column:total_pnl"`
	TotalTrades    int    `gorm:"column:total_trades"`
	WinningTrades  int    `gorm:"column:winning_trades"`
	InitialCapital string `gorm:"column:initial_capital"`
	CurrentCapital string `gorm:"column:current_capital"`
	UnrealizedPnL  string `gorm:"column:unrealized_pnl"`
	TotalFees      string `gorm:"column:total_fees"`
	LastCloseAt    int64  `gorm:"column:last_close_at"`
	UpdatedAt      int64  `gorm:"column:updated_at"`
}

func (performanceModel) TableName() string { return "strategy_performance" }

type positionModel struct {
	ID        int64          `gorm:"column:id;primaryKey"`
	Strategy  string         `gorm:"column:strategy;uniqueIndex:idx_position_key"`
	Timeframe string         `gorm:"column:timeframe;uniqueIndex:idx_position_key"`
	State     datatypes.JSON `gorm:"column:state"`
	UpdatedAt int64          `gorm:"column:updated_at"`
}

func (positionModel) TableName() string { return "positions" }
