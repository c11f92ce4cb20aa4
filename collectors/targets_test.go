package collectors

import (
	"path/filepath"
	"strings"
	"testing"

	"binance-cvd-pipeline/binance"
	"binance-cvd-pipeline/database"
)

func openTestRepo(t *testing.T) *database.Repository {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	return database.NewRepository(db)
}

func strPtr(s string) *string { return &s }

func TestParseRankedAssetsHeaderDetection(t *testing.T) {
	csv := strings.NewReader("Name,Ticker,Rank\nEthereum,eth,2\nSolana,SOL,5\n")

	assets, err := parseRankedAssets(csv)
	if err != nil {
		t.Fatalf("parseRankedAssets: %v", err)
	}
	if len(assets) != 2 {
		t.Fatalf("got %d assets, want 2", len(assets))
	}
	if assets[0].Rank != 2 || assets[0].Name != "Ethereum" || assets[0].Symbol != "ETH" {
		t.Errorf("first asset = %+v", assets[0])
	}
	if assets[1].Symbol != "SOL" || assets[1].Rank != 5 {
		t.Errorf("second asset = %+v", assets[1])
	}
}

func TestParseRankedAssetsSkipsBadRows(t *testing.T) {
	csv := strings.NewReader("rank,name,symbol\n1,Bitcoin,BTC\nn/a,Broken,XXX\n3,NoTicker,\n4,Solana,SOL\n")

	assets, err := parseRankedAssets(csv)
	if err != nil {
		t.Fatalf("parseRankedAssets: %v", err)
	}
	if len(assets) != 2 {
		t.Fatalf("got %d assets, want 2 (non-numeric rank and empty symbol skipped)", len(assets))
	}
	if assets[0].Symbol != "BTC" || assets[1].Symbol != "SOL" {
		t.Errorf("assets = %+v", assets)
	}
}

func TestParseRankedAssetsPositionalFallback(t *testing.T) {
	csv := strings.NewReader("a,b,c\n7,Chainlink,LINK\n")

	assets, err := parseRankedAssets(csv)
	if err != nil {
		t.Fatalf("parseRankedAssets: %v", err)
	}
	if len(assets) != 1 || assets[0].Rank != 7 || assets[0].Symbol != "LINK" {
		t.Errorf("assets = %+v", assets)
	}
}

func TestResolveTargets(t *testing.T) {
	repo := openTestRepo(t)

	err := repo.UpsertSymbols([]database.Symbol{
		{Symbol: "ETHUSDT", Venue: binance.VenueSpot, BaseAsset: "ETH", QuoteAsset: "USDT", Status: database.SymbolActive},
		{Symbol: "ETHBTC", Venue: binance.VenueSpot, BaseAsset: "ETH", QuoteAsset: "BTC", Status: database.SymbolActive},
		{Symbol: "SOLUSDT", Venue: binance.VenueSpot, BaseAsset: "SOL", QuoteAsset: "USDT", Status: database.SymbolActive},
		{Symbol: "BTCUSDT", Venue: binance.VenueSpot, BaseAsset: "BTC", QuoteAsset: "USDT", Status: database.SymbolActive},
	})
	if err != nil {
		t.Fatalf("seed spot symbols: %v", err)
	}
	err = repo.UpsertSymbols([]database.Symbol{
		{Symbol: "ETHUSDT", Venue: binance.VenueUSDTM, BaseAsset: "ETH", QuoteAsset: "USDT", Status: database.SymbolActive, ContractType: strPtr("PERPETUAL")},
		{Symbol: "SOLUSDT_260925", Venue: binance.VenueUSDTM, BaseAsset: "SOL", QuoteAsset: "USDT", Status: database.SymbolActive, ContractType: strPtr("CURRENT_QUARTER")},
		{Symbol: "LINKUSDT", Venue: binance.VenueUSDTM, BaseAsset: "LINK", QuoteAsset: "USDT", Status: database.SymbolActive},
	})
	if err != nil {
		t.Fatalf("seed futures symbols: %v", err)
	}

	assets := []RankedAsset{
		{Rank: 1, Symbol: "BTC"},
		{Rank: 2, Symbol: "ETH"},
		{Rank: 3, Symbol: "USDT"},
		{Rank: 5, Symbol: "SOL"},
		{Rank: 12, Symbol: "LINK"},
		{Rank: 40, Symbol: "NOPE"},
	}
	targets, err := ResolveTargets(repo, nil, assets)
	if err != nil {
		t.Fatalf("ResolveTargets: %v", err)
	}

	want := []Target{
		{Asset: "eth", Symbol: "ETHUSDT", Venue: binance.VenueSpot},
		{Asset: "eth", Symbol: "ETHUSDT", Venue: binance.VenueUSDTM},
		{Asset: "sol", Symbol: "SOLUSDT", Venue: binance.VenueSpot},
		{Asset: "link", Symbol: "LINKUSDT", Venue: binance.VenueUSDTM},
	}
	if len(targets) != len(want) {
		t.Fatalf("got %d targets %+v, want %d", len(targets), targets, len(want))
	}
	for i, w := range want {
		if targets[i] != w {
			t.Errorf("target[%d] = %+v, want %+v", i, targets[i], w)
		}
	}
}

func TestActiveSymbolsFallsBackToDatabase(t *testing.T) {
	repo := openTestRepo(t)

	err := repo.UpsertSymbols([]database.Symbol{
		{Symbol: "ETHUSDT", Venue: binance.VenueSpot, BaseAsset: "ETH", QuoteAsset: "USDT", Status: database.SymbolActive},
		{Symbol: "OLDUSDT", Venue: binance.VenueSpot, BaseAsset: "OLD", QuoteAsset: "USDT", Status: database.SymbolInactive},
	})
	if err != nil {
		t.Fatalf("seed symbols: %v", err)
	}

	symbols, err := activeSymbols(repo, nil, binance.VenueSpot)
	if err != nil {
		t.Fatalf("activeSymbols: %v", err)
	}
	if len(symbols) != 1 || symbols[0].Symbol != "ETHUSDT" {
		t.Errorf("symbols = %+v, want only ETHUSDT", symbols)
	}
}
