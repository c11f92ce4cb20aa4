package collectors

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"binance-cvd-pipeline/binance"
	"binance-cvd-pipeline/cache"
	"binance-cvd-pipeline/database"
)

// RankedAsset is one row of the market-cap ranking CSV
type RankedAsset struct {
	Rank   int
	Name   string
	Symbol string // base asset ticker, e.g. ETH
}

// Target is one (asset, symbol, venue) pair the historical collector pulls
type Target struct {
	Asset  string // lowercase base asset, names the per-asset store
	Symbol string
	Venue  string
}

// Assets excluded from historical collection: stablecoins plus BTC,
// which is covered by the streaming collectors
var excludedAssets = map[string]bool{
	"BTC":   true,
	"USDT":  true,
	"USDC":  true,
	"FDUSD": true,
	"TUSD":  true,
	"DAI":   true,
	"BUSD":  true,
	"USDD":  true,
	"USDP":  true,
	"GUSD":  true,
	"LUSD":  true,
	"USDX":  true,
	"EURT":  true,
	"PYUSD": true,
}

// LoadRankedAssets parses a market-cap ranking CSV with a header row and
// at least rank, name and symbol columns. Rows with a non-numeric rank
// or an empty symbol are skipped.
func LoadRankedAssets(path string) ([]RankedAsset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ranked assets file: %w", err)
	}
	defer f.Close()

	return parseRankedAssets(f)
}

func parseRankedAssets(r io.Reader) ([]RankedAsset, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse ranked assets CSV: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	// Locate columns by header name, falling back to positional order
	rankCol, nameCol, symbolCol := 0, 1, 2
	for i, h := range rows[0] {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "rank":
			rankCol = i
		case "name":
			nameCol = i
		case "symbol", "ticker":
			symbolCol = i
		}
	}

	var assets []RankedAsset
	for _, row := range rows[1:] {
		if len(row) <= symbolCol || len(row) <= rankCol {
			continue
		}
		rank, err := strconv.Atoi(strings.TrimSpace(row[rankCol]))
		if err != nil {
			continue
		}
		symbol := strings.ToUpper(strings.TrimSpace(row[symbolCol]))
		if symbol == "" {
			continue
		}
		name := ""
		if nameCol < len(row) {
			name = strings.TrimSpace(row[nameCol])
		}
		assets = append(assets, RankedAsset{Rank: rank, Name: name, Symbol: symbol})
	}
	return assets, nil
}

// ResolveTargets maps ranked assets onto tradable Binance symbols: the
// USDT spot pair and the USDT-margined perpetual, where each exists and
// is active. Stablecoins and BTC are skipped. Catalogs come from the
// Redis cache when the registry has populated it, otherwise from SQLite.
func ResolveTargets(repo *database.Repository, redis *cache.RedisClient, assets []RankedAsset) ([]Target, error) {
	spot, err := activeSymbols(repo, redis, binance.VenueSpot)
	if err != nil {
		return nil, fmt.Errorf("failed to list spot symbols: %w", err)
	}
	futures, err := activeSymbols(repo, redis, binance.VenueUSDTM)
	if err != nil {
		return nil, fmt.Errorf("failed to list USDT-M symbols: %w", err)
	}

	spotByBase := make(map[string]string, len(spot))
	for _, s := range spot {
		if s.QuoteAsset == "USDT" {
			spotByBase[s.BaseAsset] = s.Symbol
		}
	}
	perpByBase := make(map[string]string, len(futures))
	for _, s := range futures {
		if s.QuoteAsset != "USDT" {
			continue
		}
		// Dated deliveries are not collected, only perpetuals
		if s.ContractType != nil && *s.ContractType != "" && *s.ContractType != "PERPETUAL" {
			continue
		}
		perpByBase[s.BaseAsset] = s.Symbol
	}

	var targets []Target
	for _, a := range assets {
		if excludedAssets[a.Symbol] {
			continue
		}
		asset := strings.ToLower(a.Symbol)
		if sym, ok := spotByBase[a.Symbol]; ok {
			targets = append(targets, Target{Asset: asset, Symbol: sym, Venue: binance.VenueSpot})
		}
		if sym, ok := perpByBase[a.Symbol]; ok {
			targets = append(targets, Target{Asset: asset, Symbol: sym, Venue: binance.VenueUSDTM})
		}
	}
	return targets, nil
}

// activeSymbols reads one venue catalog from the Redis cache, falling
// back to the database on a miss or when Redis is absent
func activeSymbols(repo *database.Repository, redis *cache.RedisClient, venue string) ([]database.Symbol, error) {
	if redis != nil {
		var cached []database.Symbol
		err := redis.Get(context.Background(), cache.SymbolCatalogKey(venue), &cached)
		if err == nil && len(cached) > 0 {
			return cached, nil
		}
	}
	return repo.ListActiveSymbols(venue)
}
