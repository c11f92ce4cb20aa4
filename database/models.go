// Package database provides embedded SQLite persistence for the Binance
// CVD data pipeline.
//
// This package includes:
//   - Connection management using GORM with the SQLite driver
//   - Ordered, numbered schema migrations recorded in schema_migrations
//   - A serialized write path (single-writer mutex + immediate transactions)
//   - Bulk idempotent writes for streamed and polled market data
//   - The durable alert queue consumed by the alert dispatcher
//   - Per-asset stores for historical aggregated trades
//
// Key Concepts:
//   - WAL journaling with busy_timeout so several process roles can share
//     the one store file
//   - Monotone trade_data rowids used as the CVD worker cursor
//   - INSERT OR IGNORE / OR REPLACE / ON CONFLICT upserts on every bulk path
package database

import "time"

// Symbol is one instrument on one venue. Never deleted, only deactivated.
type Symbol struct {
	Symbol       string   `gorm:"column:symbol;primaryKey"`
	Venue        string   `gorm:"column:venue;primaryKey"`
	BaseAsset    string   `gorm:"column:base_asset"`
	QuoteAsset   string   `gorm:"column:quote_asset"`
	Status       string   `gorm:"column:status"` // ACTIVE or INACTIVE
	ContractType *string  `gorm:"column:contract_type"`
	DeliveryDate *int64   `gorm:"column:delivery_date"`
	OnboardDate  *int64   `gorm:"column:onboard_date"`
	TickSize     *float64 `gorm:"column:tick_size"`
	StepSize     *float64 `gorm:"column:step_size"`
	MinNotional  *float64 `gorm:"column:min_notional"`
	UpdatedAt    int64    `gorm:"column:updated_at"` // ms
}

// Symbol status values
const (
	SymbolActive   = "ACTIVE"
	SymbolInactive = "INACTIVE"
)

// Candle is one OHLCV bar. Stored in per-interval tables
// (candles_1m, candles_30m, candles_1d), selected by interval.
type Candle struct {
	Symbol      string  `gorm:"column:symbol"`
	OpenTime    int64   `gorm:"column:open_time"` // ms
	Open        float64 `gorm:"column:open"`
	High        float64 `gorm:"column:high"`
	Low         float64 `gorm:"column:low"`
	Close       float64 `gorm:"column:close"`
	Volume      float64 `gorm:"column:volume"`
	QuoteVolume float64 `gorm:"column:quote_volume"`
	TradeCount  int64   `gorm:"column:trade_count"`
	CloseTime   int64   `gorm:"column:close_time"`
}

// CandleTableFor maps a kline interval to its table name.
// Unknown intervals return "".
func CandleTableFor(interval string) string {
	switch interval {
	case "1m":
		return "candles_1m"
	case "30m":
		return "candles_30m"
	case "1d":
		return "candles_1d"
	}
	return ""
}

// Trade is a real-time trade from a push channel or a REST backfill.
// RowID is assigned by SQLite on insert and is strictly monotone within
// the store; the CVD worker cursors on it.
type Trade struct {
	RowID      int64   `gorm:"column:row_id;primaryKey;autoIncrement"`
	Symbol     string  `gorm:"column:symbol"`
	Venue      string  `gorm:"column:venue"`
	TradeID    int64   `gorm:"column:trade_id"`
	Timestamp  int64   `gorm:"column:timestamp"` // ms
	Price      float64 `gorm:"column:price"`
	Amount     float64 `gorm:"column:amount"`
	Direction  string  `gorm:"column:direction"`   // buy or sell
	StreamType string  `gorm:"column:stream_type"` // aggTrade or trade
}

// TableName maps Trade onto the trade_data table
func (Trade) TableName() string { return "trade_data" }

// Trade directions
const (
	DirectionBuy  = "buy"
	DirectionSell = "sell"
)

// AggregatedTrade is one compressed trade from the aggTrades REST endpoint
// or the aggTrade push channel. Lives in per-asset stores.
type AggregatedTrade struct {
	Symbol       string  `gorm:"column:symbol;primaryKey"`
	Venue        string  `gorm:"column:venue;primaryKey"`
	TradeID      int64   `gorm:"column:trade_id;primaryKey"`
	Price        float64 `gorm:"column:price"`
	Quantity     float64 `gorm:"column:quantity"`
	FirstTradeID int64   `gorm:"column:first_trade_id"`
	LastTradeID  int64   `gorm:"column:last_trade_id"`
	TradeTime    int64   `gorm:"column:trade_time"` // ms
	IsBuyerMaker bool    `gorm:"column:is_buyer_maker"`
	IsBestMatch  bool    `gorm:"column:is_best_match"`
	Source       string  `gorm:"column:source"` // push or rest
}

// TableName maps AggregatedTrade onto the agg_trades table
func (AggregatedTrade) TableName() string { return "agg_trades" }

// AggTradeCheckpoint is the resume point for a historical pull
type AggTradeCheckpoint struct {
	TradeID   int64
	TradeTime int64
}

// LiquidationEvent is a forced order from the forceOrder push channel.
// EventID is venue:orderId when the order id is present, otherwise a
// composite of symbol, times, side and filled quantity.
type LiquidationEvent struct {
	EventID     string  `gorm:"column:event_id;primaryKey"`
	Venue       string  `gorm:"column:venue"`
	Symbol      string  `gorm:"column:symbol"`
	Side        string  `gorm:"column:side"` // BUY or SELL
	OrderType   string  `gorm:"column:order_type"`
	Price       float64 `gorm:"column:price"`
	OrigQty     float64 `gorm:"column:orig_qty"`
	FilledQty   float64 `gorm:"column:filled_qty"`
	AvgPrice    float64 `gorm:"column:avg_price"`
	OrderStatus string  `gorm:"column:order_status"`
	EventTime   int64   `gorm:"column:event_time"` // ms
	TradeTime   int64   `gorm:"column:trade_time"` // ms
}

// TableName maps LiquidationEvent onto the liquidation_events table
func (LiquidationEvent) TableName() string { return "liquidation_events" }

// RatioSample is one top-trader long/short ratio point. Stored in
// top_trader_positions and top_trader_accounts, selected by series.
type RatioSample struct {
	Symbol         string  `gorm:"column:symbol;primaryKey"`
	Timestamp      int64   `gorm:"column:timestamp;primaryKey"` // ms
	LongShortRatio float64 `gorm:"column:long_short_ratio"`
	LongRatio      float64 `gorm:"column:long_ratio"`
	ShortRatio     float64 `gorm:"column:short_ratio"`
}

// Ratio series names
const (
	RatioSeriesPositions = "positions"
	RatioSeriesAccounts  = "accounts"
)

// RatioTableFor maps a ratio series to its table name
func RatioTableFor(series string) string {
	switch series {
	case RatioSeriesPositions:
		return "top_trader_positions"
	case RatioSeriesAccounts:
		return "top_trader_accounts"
	}
	return ""
}

// CvdRecord is one point of an aggregator's CVD series
type CvdRecord struct {
	AggregatorID string  `gorm:"column:aggregator_id;primaryKey"`
	Timestamp    int64   `gorm:"column:timestamp;primaryKey"` // ms
	CvdValue     float64 `gorm:"column:cvd_value"`
	ZScore       float64 `gorm:"column:z_score"`
	Delta        float64 `gorm:"column:delta"`
	DeltaZScore  float64 `gorm:"column:delta_z_score"`
}

// TableName maps CvdRecord onto the cvd_records table
func (CvdRecord) TableName() string { return "cvd_records" }

// ProcessingState is a persisted consumer cursor
type ProcessingState struct {
	ProcessName   string `gorm:"column:process_name;primaryKey"`
	Key           string `gorm:"column:key;primaryKey"`
	LastRowID     int64  `gorm:"column:last_row_id"`
	LastTimestamp int64  `gorm:"column:last_timestamp"`
	UpdatedAt     int64  `gorm:"column:updated_at"`
}

// TableName maps ProcessingState onto the processing_state table
func (ProcessingState) TableName() string { return "processing_state" }

// AlertQueueRecord is one pending or settled alert delivery.
// ProcessedAt is null while the entry is still eligible for an attempt.
type AlertQueueRecord struct {
	ID            int64   `gorm:"column:id;primaryKey;autoIncrement"`
	AlertType     string  `gorm:"column:alert_type"`
	Symbol        string  `gorm:"column:symbol"` // aggregator id
	Timestamp     int64   `gorm:"column:timestamp"`
	TriggerSource string  `gorm:"column:trigger_source"` // cumulative or delta
	TriggerZScore float64 `gorm:"column:trigger_z_score"`
	ZScore        float64 `gorm:"column:z_score"`
	Delta         float64 `gorm:"column:delta"`
	DeltaZScore   float64 `gorm:"column:delta_z_score"`
	Threshold     float64 `gorm:"column:threshold"`
	CumulativeVal float64 `gorm:"column:cumulative_value"`
	Payload       string  `gorm:"column:payload"` // JSON
	AttemptCount  int     `gorm:"column:attempt_count"`
	LastError     *string `gorm:"column:last_error"`
	ProcessedAt   *int64  `gorm:"column:processed_at"`
	CreatedAt     int64   `gorm:"column:created_at"`
}

// TableName maps AlertQueueRecord onto the alert_queue table
func (AlertQueueRecord) TableName() string { return "alert_queue" }

// Alert trigger sources
const (
	TriggerCumulative = "cumulative"
	TriggerDelta      = "delta"
)

// AlertHistoryRecord is the permanent log of successfully dispatched alerts
type AlertHistoryRecord struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement"`
	AlertType   string `gorm:"column:alert_type"`
	Symbol      string `gorm:"column:symbol"`
	Timestamp   int64  `gorm:"column:timestamp"`
	Payload     string `gorm:"column:payload"`
	DeliveredAt int64  `gorm:"column:delivered_at"`
}

// TableName maps AlertHistoryRecord onto the alert_history table
func (AlertHistoryRecord) TableName() string { return "alert_history" }

// nowMs returns the current wall clock in integer milliseconds
func nowMs() int64 {
	return time.Now().UnixMilli()
}
