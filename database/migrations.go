package database

import (
	"fmt"
	"log"

	"gorm.io/gorm"
)

// migration is one numbered DDL batch. Ids are monotone and never reused;
// applied migrations are recorded in schema_migrations and never rolled back.
type migration struct {
	ID   int
	Name string
	SQL  []string
}

var migrations = []migration{
	{
		ID:   1,
		Name: "create_symbols",
		SQL: []string{`
			CREATE TABLE IF NOT EXISTS symbols (
				symbol TEXT NOT NULL,
				venue TEXT NOT NULL,
				base_asset TEXT NOT NULL DEFAULT '',
				quote_asset TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'ACTIVE',
				contract_type TEXT,
				delivery_date INTEGER,
				onboard_date INTEGER,
				tick_size REAL,
				step_size REAL,
				min_notional REAL,
				updated_at INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (symbol, venue)
			)`,
		},
	},
	{
		ID:   2,
		Name: "create_candle_tables",
		SQL: []string{
			candleTableDDL("candles_1m"),
			candleTableDDL("candles_30m"),
			candleTableDDL("candles_1d"),
		},
	},
	{
		ID:   3,
		Name: "create_trade_data",
		SQL: []string{`
			CREATE TABLE IF NOT EXISTS trade_data (
				row_id INTEGER PRIMARY KEY AUTOINCREMENT,
				symbol TEXT NOT NULL,
				venue TEXT NOT NULL,
				trade_id INTEGER NOT NULL,
				timestamp INTEGER NOT NULL,
				price REAL NOT NULL,
				amount REAL NOT NULL,
				direction TEXT NOT NULL,
				stream_type TEXT NOT NULL DEFAULT 'aggTrade'
			)`, `
			CREATE UNIQUE INDEX IF NOT EXISTS idx_trade_data_unique
			ON trade_data (symbol, venue, stream_type, trade_id)`, `
			CREATE INDEX IF NOT EXISTS idx_trade_data_timestamp
			ON trade_data (timestamp)`,
		},
	},
	{
		ID:   4,
		Name: "create_liquidation_events",
		SQL: []string{`
			CREATE TABLE IF NOT EXISTS liquidation_events (
				event_id TEXT PRIMARY KEY,
				venue TEXT NOT NULL,
				symbol TEXT NOT NULL,
				side TEXT NOT NULL,
				order_type TEXT NOT NULL DEFAULT '',
				price REAL NOT NULL DEFAULT 0,
				orig_qty REAL NOT NULL DEFAULT 0,
				filled_qty REAL NOT NULL DEFAULT 0,
				avg_price REAL NOT NULL DEFAULT 0,
				order_status TEXT NOT NULL DEFAULT '',
				event_time INTEGER NOT NULL DEFAULT 0,
				trade_time INTEGER NOT NULL DEFAULT 0
			)`, `
			CREATE INDEX IF NOT EXISTS idx_liquidation_events_symbol_time
			ON liquidation_events (symbol, event_time)`,
		},
	},
	{
		ID:   5,
		Name: "create_top_trader_tables",
		SQL: []string{
			ratioTableDDL("top_trader_positions"),
			ratioTableDDL("top_trader_accounts"),
		},
	},
	{
		ID:   6,
		Name: "create_cvd_records",
		SQL: []string{`
			CREATE TABLE IF NOT EXISTS cvd_records (
				aggregator_id TEXT NOT NULL,
				timestamp INTEGER NOT NULL,
				cvd_value REAL NOT NULL DEFAULT 0,
				z_score REAL NOT NULL DEFAULT 0,
				delta REAL NOT NULL DEFAULT 0,
				delta_z_score REAL NOT NULL DEFAULT 0,
				PRIMARY KEY (aggregator_id, timestamp)
			)`,
		},
	},
	{
		ID:   7,
		Name: "create_processing_state",
		SQL: []string{`
			CREATE TABLE IF NOT EXISTS processing_state (
				process_name TEXT NOT NULL,
				key TEXT NOT NULL,
				last_row_id INTEGER NOT NULL DEFAULT 0,
				last_timestamp INTEGER NOT NULL DEFAULT 0,
				updated_at INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (process_name, key)
			)`,
		},
	},
	{
		ID:   8,
		Name: "create_alert_queue",
		SQL: []string{`
			CREATE TABLE IF NOT EXISTS alert_queue (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				alert_type TEXT NOT NULL,
				symbol TEXT NOT NULL,
				timestamp INTEGER NOT NULL,
				trigger_source TEXT NOT NULL DEFAULT 'cumulative',
				trigger_z_score REAL NOT NULL DEFAULT 0,
				z_score REAL NOT NULL DEFAULT 0,
				delta REAL NOT NULL DEFAULT 0,
				delta_z_score REAL NOT NULL DEFAULT 0,
				threshold REAL NOT NULL DEFAULT 0,
				cumulative_value REAL NOT NULL DEFAULT 0,
				payload TEXT NOT NULL DEFAULT '{}',
				attempt_count INTEGER NOT NULL DEFAULT 0,
				last_error TEXT,
				processed_at INTEGER,
				created_at INTEGER NOT NULL DEFAULT 0
			)`, `
			CREATE INDEX IF NOT EXISTS idx_alert_queue_pending
			ON alert_queue (processed_at, timestamp, id)`,
		},
	},
	{
		ID:   9,
		Name: "create_alert_history",
		SQL: []string{`
			CREATE TABLE IF NOT EXISTS alert_history (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				alert_type TEXT NOT NULL,
				symbol TEXT NOT NULL,
				timestamp INTEGER NOT NULL,
				payload TEXT NOT NULL DEFAULT '{}',
				delivered_at INTEGER NOT NULL DEFAULT 0
			)`, `
			CREATE INDEX IF NOT EXISTS idx_alert_history_type_symbol_time
			ON alert_history (alert_type, symbol, timestamp)`,
		},
	},
}

// ensureColumns are additive schema-evolving steps that run after the
// ordered list on every startup. SQLite has no ADD COLUMN IF NOT EXISTS,
// so failures on already-present columns are swallowed.
var ensureColumns = []struct {
	Table, Column, Definition string
}{
	{"symbols", "min_notional", "REAL"},
	{"liquidation_events", "avg_price", "REAL NOT NULL DEFAULT 0"},
	{"trade_data", "stream_type", "TEXT NOT NULL DEFAULT 'aggTrade'"},
}

func candleTableDDL(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			symbol TEXT NOT NULL,
			open_time INTEGER NOT NULL,
			open REAL NOT NULL,
			high REAL NOT NULL,
			low REAL NOT NULL,
			close REAL NOT NULL,
			volume REAL NOT NULL,
			quote_volume REAL NOT NULL DEFAULT 0,
			trade_count INTEGER NOT NULL DEFAULT 0,
			close_time INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (symbol, open_time)
		)`, table)
}

func ratioTableDDL(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			symbol TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			long_short_ratio REAL NOT NULL DEFAULT 0,
			long_ratio REAL NOT NULL DEFAULT 0,
			short_ratio REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (symbol, timestamp)
		)`, table)
}

// Migrate applies all unapplied migrations in id order inside a single
// transaction, then runs the additive ensure-column steps. Running it
// again is a no-op.
func (d *Database) Migrate() error {
	if err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)`).Error; err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	var ids []int
	if err := d.db.Raw(`SELECT id FROM schema_migrations`).Scan(&ids).Error; err != nil {
		return fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	for _, id := range ids {
		applied[id] = true
	}

	pending := 0
	err := d.WithTransaction(func(tx *gorm.DB) error {
		for _, m := range migrations {
			if applied[m.ID] {
				continue
			}
			for _, stmt := range m.SQL {
				if err := tx.Exec(stmt).Error; err != nil {
					return fmt.Errorf("migration %d (%s) failed: %w", m.ID, m.Name, err)
				}
			}
			if err := tx.Exec(`INSERT INTO schema_migrations (id, name, applied_at) VALUES (?, ?, ?)`,
				m.ID, m.Name, nowMs()).Error; err != nil {
				return fmt.Errorf("failed to record migration %d: %w", m.ID, err)
			}
			pending++
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Additive column evolutions for databases created by older builds
	for _, ec := range ensureColumns {
		d.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", ec.Table, ec.Column, ec.Definition))
	}

	if pending > 0 {
		log.Printf("✅ Applied %d schema migrations", pending)
	}
	return nil
}
