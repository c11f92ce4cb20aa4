package database

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"

	"gorm.io/gorm"
)

// AssetStore is a per-asset SQLite database holding historical aggregated
// trades for one ranked asset. Stores are independent files so pulls for
// different assets never contend on the writer lock.
type AssetStore struct {
	db    *Database
	asset string
}

// AssetStoreManager opens and caches per-asset stores under one directory.
// File basenames are the lowercased asset symbol.
type AssetStoreManager struct {
	dir    string
	mu     sync.Mutex
	stores map[string]*AssetStore
}

// NewAssetStoreManager creates a manager rooted at dir
func NewAssetStoreManager(dir string) *AssetStoreManager {
	return &AssetStoreManager{
		dir:    dir,
		stores: make(map[string]*AssetStore),
	}
}

// Get returns the store for an asset, opening and migrating it on first use
func (m *AssetStoreManager) Get(asset string) (*AssetStore, error) {
	key := strings.ToUpper(asset)

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.stores[key]; ok {
		return s, nil
	}

	path := filepath.Join(m.dir, strings.ToLower(asset)+".db")
	db, err := Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open asset store for %s: %w", key, err)
	}

	store := &AssetStore{db: db, asset: key}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	m.stores[key] = store
	return store, nil
}

// CloseAll closes every open asset store
func (m *AssetStoreManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for asset, s := range m.stores {
		if err := s.db.Close(); err != nil {
			log.Printf("⚠️  Failed to close asset store %s: %v", asset, err)
		}
	}
	m.stores = make(map[string]*AssetStore)
}

// Asset returns the asset symbol this store belongs to
func (s *AssetStore) Asset() string {
	return s.asset
}

func (s *AssetStore) migrate() error {
	return s.db.db.Exec(`
		CREATE TABLE IF NOT EXISTS agg_trades (
			symbol TEXT NOT NULL,
			venue TEXT NOT NULL,
			trade_id INTEGER NOT NULL,
			price REAL NOT NULL,
			quantity REAL NOT NULL,
			first_trade_id INTEGER NOT NULL DEFAULT 0,
			last_trade_id INTEGER NOT NULL DEFAULT 0,
			trade_time INTEGER NOT NULL,
			is_buyer_maker INTEGER NOT NULL DEFAULT 0,
			is_best_match INTEGER NOT NULL DEFAULT 0,
			source TEXT NOT NULL DEFAULT 'rest',
			PRIMARY KEY (symbol, venue, trade_id)
		)`).Error
}

// UpsertAggTrades bulk-inserts aggregated trades; duplicate
// (symbol, venue, trade_id) rows are skipped.
func (s *AssetStore) UpsertAggTrades(trades []AggregatedTrade) error {
	if len(trades) == 0 {
		return nil
	}
	return s.db.WithTransaction(func(tx *gorm.DB) error {
		for _, t := range trades {
			if err := tx.Exec(`
				INSERT OR IGNORE INTO agg_trades
					(symbol, venue, trade_id, price, quantity, first_trade_id,
					 last_trade_id, trade_time, is_buyer_maker, is_best_match, source)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				t.Symbol, t.Venue, t.TradeID, t.Price, t.Quantity, t.FirstTradeID,
				t.LastTradeID, t.TradeTime, t.IsBuyerMaker, t.IsBestMatch, t.Source).Error; err != nil {
				return fmt.Errorf("failed to upsert agg trade %s/%s#%d: %w", t.Symbol, t.Venue, t.TradeID, err)
			}
		}
		return nil
	})
}

// GetLastAggTradeCheckpoint returns the newest stored trade for
// (symbol, venue), or nil when the store has none.
func (s *AssetStore) GetLastAggTradeCheckpoint(symbol, venue string) (*AggTradeCheckpoint, error) {
	var out []AggTradeCheckpoint
	err := s.db.db.Raw(`
		SELECT trade_id, trade_time FROM agg_trades
		WHERE symbol = ? AND venue = ?
		ORDER BY trade_time DESC, trade_id DESC LIMIT 1`,
		symbol, venue).Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint for %s/%s: %w", symbol, venue, err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

// CountAggTrades returns the number of stored trades for (symbol, venue)
func (s *AssetStore) CountAggTrades(symbol, venue string) (int64, error) {
	var n int64
	err := s.db.db.Raw(`
		SELECT COUNT(*) FROM agg_trades WHERE symbol = ? AND venue = ?`,
		symbol, venue).Scan(&n).Error
	return n, err
}
