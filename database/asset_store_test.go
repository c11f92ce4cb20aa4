package database

import (
	"testing"
)

func TestAggTradeCheckpoint(t *testing.T) {
	m := NewAssetStoreManager(t.TempDir())
	t.Cleanup(m.CloseAll)

	store, err := m.Get("eth")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	// No trades yet: nil checkpoint
	cp, err := store.GetLastAggTradeCheckpoint("ETHUSDT", "SPOT")
	if err != nil {
		t.Fatalf("checkpoint read failed: %v", err)
	}
	if cp != nil {
		t.Fatalf("expected nil checkpoint, got %+v", cp)
	}

	if err := store.UpsertAggTrades([]AggregatedTrade{
		{Symbol: "ETHUSDT", Venue: "SPOT", TradeID: 101, Price: 3000, Quantity: 1, TradeTime: 1000, Source: "rest"},
		{Symbol: "ETHUSDT", Venue: "SPOT", TradeID: 102, Price: 3001, Quantity: 2, TradeTime: 2000, Source: "rest"},
	}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	// Re-insert 102: ignored
	if err := store.UpsertAggTrades([]AggregatedTrade{
		{Symbol: "ETHUSDT", Venue: "SPOT", TradeID: 102, Price: 9999, Quantity: 9, TradeTime: 2000, Source: "rest"},
	}); err != nil {
		t.Fatalf("duplicate upsert failed: %v", err)
	}

	cp, err = store.GetLastAggTradeCheckpoint("ETHUSDT", "SPOT")
	if err != nil {
		t.Fatalf("checkpoint read failed: %v", err)
	}
	if cp == nil || cp.TradeID != 102 || cp.TradeTime != 2000 {
		t.Fatalf("expected checkpoint {102, 2000}, got %+v", cp)
	}

	n, err := store.CountAggTrades("ETHUSDT", "SPOT")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}
}

func TestAssetStoreManagerCachesByAsset(t *testing.T) {
	m := NewAssetStoreManager(t.TempDir())
	t.Cleanup(m.CloseAll)

	a, err := m.Get("sol")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	b, err := m.Get("SOL")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if a != b {
		t.Fatal("expected the same store for case variants of one asset")
	}
	if a.Asset() != "SOL" {
		t.Fatalf("expected asset SOL, got %s", a.Asset())
	}
}
