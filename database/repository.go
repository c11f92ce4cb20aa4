package database

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// Repository handles all primary-store operations
type Repository struct {
	db *Database
}

// NewRepository creates a repository bound to an open store
func NewRepository(db *Database) *Repository {
	return &Repository{db: db}
}

// DB exposes the underlying store, mainly for the backup scheduler
func (r *Repository) DB() *Database {
	return r.db
}

// ============================================================================
// Symbols
// ============================================================================

// UpsertSymbols writes the latest symbol catalog. Existing rows are
// updated in place, keyed on (symbol, venue).
func (r *Repository) UpsertSymbols(symbols []Symbol) error {
	if len(symbols) == 0 {
		return nil
	}
	return r.db.WithTransaction(func(tx *gorm.DB) error {
		for _, s := range symbols {
			if err := tx.Exec(`
				INSERT INTO symbols (symbol, venue, base_asset, quote_asset, status,
					contract_type, delivery_date, onboard_date, tick_size, step_size,
					min_notional, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (symbol, venue) DO UPDATE SET
					base_asset = excluded.base_asset,
					quote_asset = excluded.quote_asset,
					status = excluded.status,
					contract_type = excluded.contract_type,
					delivery_date = excluded.delivery_date,
					onboard_date = excluded.onboard_date,
					tick_size = excluded.tick_size,
					step_size = excluded.step_size,
					min_notional = excluded.min_notional,
					updated_at = excluded.updated_at`,
				s.Symbol, s.Venue, s.BaseAsset, s.QuoteAsset, s.Status,
				s.ContractType, s.DeliveryDate, s.OnboardDate, s.TickSize, s.StepSize,
				s.MinNotional, s.UpdatedAt).Error; err != nil {
				return fmt.Errorf("failed to upsert symbol %s/%s: %w", s.Symbol, s.Venue, err)
			}
		}
		return nil
	})
}

// ListActiveSymbols returns ACTIVE symbols on one venue
func (r *Repository) ListActiveSymbols(venue string) ([]Symbol, error) {
	var out []Symbol
	err := r.db.db.Raw(`
		SELECT * FROM symbols WHERE venue = ? AND status = ? ORDER BY symbol`,
		venue, SymbolActive).Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active symbols for %s: %w", venue, err)
	}
	return out, nil
}

// ListAllSymbols returns every known symbol across venues
func (r *Repository) ListAllSymbols() ([]Symbol, error) {
	var out []Symbol
	if err := r.db.db.Raw(`SELECT * FROM symbols ORDER BY venue, symbol`).Scan(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list symbols: %w", err)
	}
	return out, nil
}

// DeactivateMissingSymbols flips ACTIVE symbols on a venue to INACTIVE
// when they are absent from the latest catalog. Rows are never deleted.
func (r *Repository) DeactivateMissingSymbols(venue string, live []string) (int64, error) {
	liveSet := make(map[string]bool, len(live))
	for _, s := range live {
		liveSet[s] = true
	}

	active, err := r.ListActiveSymbols(venue)
	if err != nil {
		return 0, err
	}

	var stale []string
	for _, s := range active {
		if !liveSet[s.Symbol] {
			stale = append(stale, s.Symbol)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	var n int64
	err = r.db.WithTransaction(func(tx *gorm.DB) error {
		res := tx.Exec(`
			UPDATE symbols SET status = ?, updated_at = ?
			WHERE venue = ? AND symbol IN ?`,
			SymbolInactive, nowMs(), venue, stale)
		n = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate symbols on %s: %w", venue, err)
	}
	return n, nil
}

// ============================================================================
// Candles
// ============================================================================

// InsertCandles bulk-inserts candles into the table for the interval.
// Re-inserting an existing (symbol, open_time) is a no-op.
func (r *Repository) InsertCandles(interval string, candles []Candle) error {
	table := CandleTableFor(interval)
	if table == "" {
		return fmt.Errorf("unknown candle interval %q", interval)
	}
	if len(candles) == 0 {
		return nil
	}
	return r.db.WithTransaction(func(tx *gorm.DB) error {
		for _, c := range candles {
			if err := tx.Exec(fmt.Sprintf(`
				INSERT OR IGNORE INTO %s (symbol, open_time, open, high, low, close,
					volume, quote_volume, trade_count, close_time)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table),
				c.Symbol, c.OpenTime, c.Open, c.High, c.Low, c.Close,
				c.Volume, c.QuoteVolume, c.TradeCount, c.CloseTime).Error; err != nil {
				return fmt.Errorf("failed to insert candle %s@%d: %w", c.Symbol, c.OpenTime, err)
			}
		}
		return nil
	})
}

// GetCandles reads candles for a symbol ordered by open time
func (r *Repository) GetCandles(interval, symbol string, sinceMs int64, limit int) ([]Candle, error) {
	table := CandleTableFor(interval)
	if table == "" {
		return nil, fmt.Errorf("unknown candle interval %q", interval)
	}
	var out []Candle
	err := r.db.db.Raw(fmt.Sprintf(`
		SELECT * FROM %s WHERE symbol = ? AND open_time >= ?
		ORDER BY open_time ASC LIMIT ?`, table),
		symbol, sinceMs, limit).Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read candles: %w", err)
	}
	return out, nil
}

// PruneCandlesBefore deletes candles older than cutoff in every interval table
func (r *Repository) PruneCandlesBefore(cutoffMs int64) (int64, error) {
	var total int64
	for _, interval := range []string{"1m", "30m", "1d"} {
		table := CandleTableFor(interval)
		err := r.db.WithTransaction(func(tx *gorm.DB) error {
			res := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE open_time < ?`, table), cutoffMs)
			total += res.RowsAffected
			return res.Error
		})
		if err != nil {
			return total, fmt.Errorf("failed to prune %s: %w", table, err)
		}
	}
	return total, nil
}

// ============================================================================
// Real-time trades
// ============================================================================

// InsertTrades bulk-inserts streamed trades. Duplicate
// (symbol, venue, stream_type, trade_id) rows are silently skipped, so a
// push/REST overlap leaves exactly one row.
func (r *Repository) InsertTrades(trades []Trade) error {
	if len(trades) == 0 {
		return nil
	}
	return r.db.WithTransaction(func(tx *gorm.DB) error {
		for _, t := range trades {
			if err := tx.Exec(`
				INSERT OR IGNORE INTO trade_data
					(symbol, venue, trade_id, timestamp, price, amount, direction, stream_type)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				t.Symbol, t.Venue, t.TradeID, t.Timestamp, t.Price, t.Amount,
				t.Direction, t.StreamType).Error; err != nil {
				return fmt.Errorf("failed to insert trade %s/%s#%d: %w", t.Symbol, t.Venue, t.TradeID, err)
			}
		}
		return nil
	})
}

// StreamFilter selects trades belonging to one aggregator stream
type StreamFilter struct {
	Symbol     string
	Venue      string
	StreamType string
}

// GetTradesSinceRowID returns up to limit trades with row_id > lastRowID
// matching any of the filters, in row_id order. This is the CVD worker's
// cursor scan.
func (r *Repository) GetTradesSinceRowID(filters []StreamFilter, lastRowID int64, limit int) ([]Trade, error) {
	if len(filters) == 0 {
		return nil, nil
	}

	var conds []string
	args := []interface{}{lastRowID}
	for _, f := range filters {
		conds = append(conds, "(symbol = ? AND venue = ? AND stream_type = ?)")
		args = append(args, f.Symbol, f.Venue, f.StreamType)
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT * FROM trade_data
		WHERE row_id > ? AND (%s)
		ORDER BY row_id ASC LIMIT ?`, strings.Join(conds, " OR "))

	var out []Trade
	if err := r.db.db.Raw(query, args...).Scan(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to scan trade_data: %w", err)
	}
	return out, nil
}

// ============================================================================
// Liquidations
// ============================================================================

// InsertLiquidations bulk-inserts liquidation events. Duplicate event ids
// are silently ignored.
func (r *Repository) InsertLiquidations(events []LiquidationEvent) error {
	if len(events) == 0 {
		return nil
	}
	return r.db.WithTransaction(func(tx *gorm.DB) error {
		for _, e := range events {
			if err := tx.Exec(`
				INSERT OR IGNORE INTO liquidation_events
					(event_id, venue, symbol, side, order_type, price, orig_qty,
					 filled_qty, avg_price, order_status, event_time, trade_time)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				e.EventID, e.Venue, e.Symbol, e.Side, e.OrderType, e.Price, e.OrigQty,
				e.FilledQty, e.AvgPrice, e.OrderStatus, e.EventTime, e.TradeTime).Error; err != nil {
				return fmt.Errorf("failed to insert liquidation %s: %w", e.EventID, err)
			}
		}
		return nil
	})
}

// CountLiquidations returns the number of stored liquidation events
func (r *Repository) CountLiquidations() (int64, error) {
	var n int64
	if err := r.db.db.Raw(`SELECT COUNT(*) FROM liquidation_events`).Scan(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

// ============================================================================
// Top trader ratios
// ============================================================================

// InsertRatioSamples writes ratio points into the table for the series.
// Latest value wins on (symbol, timestamp) conflicts.
func (r *Repository) InsertRatioSamples(series string, samples []RatioSample) error {
	table := RatioTableFor(series)
	if table == "" {
		return fmt.Errorf("unknown ratio series %q", series)
	}
	if len(samples) == 0 {
		return nil
	}
	return r.db.WithTransaction(func(tx *gorm.DB) error {
		for _, s := range samples {
			if err := tx.Exec(fmt.Sprintf(`
				INSERT OR REPLACE INTO %s (symbol, timestamp, long_short_ratio, long_ratio, short_ratio)
				VALUES (?, ?, ?, ?, ?)`, table),
				s.Symbol, s.Timestamp, s.LongShortRatio, s.LongRatio, s.ShortRatio).Error; err != nil {
				return fmt.Errorf("failed to insert ratio sample %s@%d: %w", s.Symbol, s.Timestamp, err)
			}
		}
		return nil
	})
}

// GetRatioSamples reads one symbol's ratio series ordered by timestamp
func (r *Repository) GetRatioSamples(series, symbol string, sinceMs int64) ([]RatioSample, error) {
	table := RatioTableFor(series)
	if table == "" {
		return nil, fmt.Errorf("unknown ratio series %q", series)
	}
	var out []RatioSample
	err := r.db.db.Raw(fmt.Sprintf(`
		SELECT * FROM %s WHERE symbol = ? AND timestamp >= ? ORDER BY timestamp ASC`, table),
		symbol, sinceMs).Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read ratio samples: %w", err)
	}
	return out, nil
}

// PruneRatiosBefore deletes ratio samples older than cutoff in both series tables
func (r *Repository) PruneRatiosBefore(cutoffMs int64) (int64, error) {
	var total int64
	for _, series := range []string{RatioSeriesPositions, RatioSeriesAccounts} {
		table := RatioTableFor(series)
		err := r.db.WithTransaction(func(tx *gorm.DB) error {
			res := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE timestamp < ?`, table), cutoffMs)
			total += res.RowsAffected
			return res.Error
		})
		if err != nil {
			return total, fmt.Errorf("failed to prune %s: %w", table, err)
		}
	}
	return total, nil
}

// ============================================================================
// CVD records
// ============================================================================

// SaveCvdRecords persists CVD points; latest value wins per
// (aggregator_id, timestamp).
func (r *Repository) SaveCvdRecords(records []CvdRecord) error {
	if len(records) == 0 {
		return nil
	}
	return r.db.WithTransaction(func(tx *gorm.DB) error {
		for _, c := range records {
			if err := tx.Exec(`
				INSERT OR REPLACE INTO cvd_records
					(aggregator_id, timestamp, cvd_value, z_score, delta, delta_z_score)
				VALUES (?, ?, ?, ?, ?, ?)`,
				c.AggregatorID, c.Timestamp, c.CvdValue, c.ZScore, c.Delta, c.DeltaZScore).Error; err != nil {
				return fmt.Errorf("failed to save cvd record %s@%d: %w", c.AggregatorID, c.Timestamp, err)
			}
		}
		return nil
	})
}

// GetCvdRecords reads an aggregator's series since a timestamp, ascending.
// The CVD worker uses this to rebuild its rolling window after a restart.
func (r *Repository) GetCvdRecords(aggregatorID string, sinceMs int64) ([]CvdRecord, error) {
	var out []CvdRecord
	err := r.db.db.Raw(`
		SELECT * FROM cvd_records WHERE aggregator_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC`, aggregatorID, sinceMs).Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read cvd records: %w", err)
	}
	return out, nil
}

// ============================================================================
// Processing state
// ============================================================================

// GetProcessingState reads a consumer cursor; returns a zero state when
// none has been written yet.
func (r *Repository) GetProcessingState(process, key string) (ProcessingState, error) {
	var out []ProcessingState
	err := r.db.db.Raw(`
		SELECT * FROM processing_state WHERE process_name = ? AND key = ?`,
		process, key).Scan(&out).Error
	if err != nil {
		return ProcessingState{}, fmt.Errorf("failed to read processing state: %w", err)
	}
	if len(out) == 0 {
		return ProcessingState{ProcessName: process, Key: key}, nil
	}
	return out[0], nil
}

// SaveProcessingState upserts a cursor. last_row_id never moves backwards,
// even if a caller hands in a stale value.
func (r *Repository) SaveProcessingState(s ProcessingState) error {
	return r.db.WithTransaction(func(tx *gorm.DB) error {
		return tx.Exec(`
			INSERT INTO processing_state (process_name, key, last_row_id, last_timestamp, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (process_name, key) DO UPDATE SET
				last_row_id = MAX(processing_state.last_row_id, excluded.last_row_id),
				last_timestamp = excluded.last_timestamp,
				updated_at = excluded.updated_at`,
			s.ProcessName, s.Key, s.LastRowID, s.LastTimestamp, nowMs()).Error
	})
}
