package database

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *Repository {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	return NewRepository(db)
}

func strPtr(s string) *string { return &s }

func TestSymbolUpsertAndDeactivation(t *testing.T) {
	repo := openTestDB(t)

	seed := []Symbol{
		{Symbol: "LTCUSDT", Venue: "SPOT", BaseAsset: "LTC", QuoteAsset: "USDT", Status: SymbolActive, UpdatedAt: 1},
	}
	if err := repo.UpsertSymbols(seed); err != nil {
		t.Fatalf("seed upsert failed: %v", err)
	}

	// Fresh catalog no longer carries LTCUSDT
	catalog := []Symbol{
		{Symbol: "BTCUSDT", Venue: "SPOT", BaseAsset: "BTC", QuoteAsset: "USDT", Status: SymbolActive, UpdatedAt: 2},
	}
	if err := repo.UpsertSymbols(catalog); err != nil {
		t.Fatalf("catalog upsert failed: %v", err)
	}
	n, err := repo.DeactivateMissingSymbols("SPOT", []string{"BTCUSDT"})
	if err != nil {
		t.Fatalf("deactivation failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deactivated symbol, got %d", n)
	}

	active, err := repo.ListActiveSymbols("SPOT")
	if err != nil {
		t.Fatalf("list active failed: %v", err)
	}
	if len(active) != 1 || active[0].Symbol != "BTCUSDT" {
		t.Fatalf("expected only BTCUSDT active, got %+v", active)
	}

	all, err := repo.ListAllSymbols()
	if err != nil {
		t.Fatalf("list all failed: %v", err)
	}
	found := false
	for _, s := range all {
		if s.Symbol == "LTCUSDT" {
			found = true
			if s.Status != SymbolInactive {
				t.Fatalf("expected LTCUSDT inactive, got %s", s.Status)
			}
		}
	}
	if !found {
		t.Fatal("deactivated symbol must not be deleted")
	}
}

func TestSymbolUpsertUpdatesInPlace(t *testing.T) {
	repo := openTestDB(t)

	first := Symbol{Symbol: "ETHUSDT", Venue: "USDT-M", BaseAsset: "ETH", QuoteAsset: "USDT",
		Status: SymbolActive, ContractType: strPtr("PERPETUAL"), UpdatedAt: 1}
	if err := repo.UpsertSymbols([]Symbol{first}); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}

	first.Status = SymbolInactive
	first.UpdatedAt = 2
	if err := repo.UpsertSymbols([]Symbol{first}); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	all, err := repo.ListAllSymbols()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 row after re-upsert, got %d", len(all))
	}
	if all[0].Status != SymbolInactive || all[0].UpdatedAt != 2 {
		t.Fatalf("upsert did not update in place: %+v", all[0])
	}
}

func TestTradeInsertOrderAndDeduplication(t *testing.T) {
	repo := openTestDB(t)

	trades := []Trade{
		{Symbol: "BTCUSDT", Venue: "SPOT", TradeID: 1, Timestamp: 100, Price: 50000, Amount: 0.5, Direction: DirectionBuy, StreamType: "aggTrade"},
		{Symbol: "BTCUSDT", Venue: "SPOT", TradeID: 2, Timestamp: 101, Price: 50001, Amount: 0.2, Direction: DirectionSell, StreamType: "aggTrade"},
		{Symbol: "BTCUSDT", Venue: "USDT-M", TradeID: 1, Timestamp: 102, Price: 50002, Amount: 1.0, Direction: DirectionBuy, StreamType: "aggTrade"},
	}
	if err := repo.InsertTrades(trades); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	// Same (symbol, venue, stream_type, trade_id) again: ignored
	if err := repo.InsertTrades(trades[:1]); err != nil {
		t.Fatalf("duplicate insert failed: %v", err)
	}

	filters := []StreamFilter{
		{Symbol: "BTCUSDT", Venue: "SPOT", StreamType: "aggTrade"},
		{Symbol: "BTCUSDT", Venue: "USDT-M", StreamType: "aggTrade"},
	}
	got, err := repo.GetTradesSinceRowID(filters, 0, 100)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 unique trades, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].RowID <= got[i-1].RowID {
			t.Fatalf("rows out of insertion order: %d then %d", got[i-1].RowID, got[i].RowID)
		}
	}

	// Cursor scan excludes rows at or below the cursor
	rest, err := repo.GetTradesSinceRowID(filters, got[0].RowID, 100)
	if err != nil {
		t.Fatalf("cursor scan failed: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("expected 2 trades past cursor, got %d", len(rest))
	}
}

func TestTradeFilterExcludesOtherStreams(t *testing.T) {
	repo := openTestDB(t)

	trades := []Trade{
		{Symbol: "BTCUSDT", Venue: "SPOT", TradeID: 1, Timestamp: 100, Amount: 1, Direction: DirectionBuy, StreamType: "aggTrade"},
		{Symbol: "ETHUSDT", Venue: "SPOT", TradeID: 2, Timestamp: 101, Amount: 1, Direction: DirectionBuy, StreamType: "aggTrade"},
		{Symbol: "BTCUSDT", Venue: "SPOT", TradeID: 3, Timestamp: 102, Amount: 1, Direction: DirectionBuy, StreamType: "trade"},
	}
	if err := repo.InsertTrades(trades); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	got, err := repo.GetTradesSinceRowID([]StreamFilter{{Symbol: "BTCUSDT", Venue: "SPOT", StreamType: "aggTrade"}}, 0, 100)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(got) != 1 || got[0].TradeID != 1 {
		t.Fatalf("filter leaked other streams: %+v", got)
	}
}

func TestLiquidationDeduplication(t *testing.T) {
	repo := openTestDB(t)

	first := LiquidationEvent{EventID: "USDT-M:liquidation-1", Venue: "USDT-M", Symbol: "BTCUSDT",
		Side: "SELL", Price: 25000, FilledQty: 1, EventTime: 100, TradeTime: 100}
	second := first
	second.Price = 26000

	if err := repo.InsertLiquidations([]LiquidationEvent{first}); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if err := repo.InsertLiquidations([]LiquidationEvent{second}); err != nil {
		t.Fatalf("second insert failed: %v", err)
	}

	n, err := repo.CountLiquidations()
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}

	// First write wins
	var price float64
	if err := repo.DB().DB().Raw(`SELECT price FROM liquidation_events WHERE event_id = ?`, first.EventID).Scan(&price).Error; err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if price != 25000 {
		t.Fatalf("expected original price 25000, got %v", price)
	}
}

func TestRatioSamplesLatestWins(t *testing.T) {
	repo := openTestDB(t)

	if err := repo.InsertRatioSamples(RatioSeriesPositions, []RatioSample{
		{Symbol: "BTCUSDT", Timestamp: 100, LongShortRatio: 1.5, LongRatio: 0.6, ShortRatio: 0.4},
	}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := repo.InsertRatioSamples(RatioSeriesPositions, []RatioSample{
		{Symbol: "BTCUSDT", Timestamp: 100, LongShortRatio: 2.0, LongRatio: 0.66, ShortRatio: 0.33},
	}); err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	got, err := repo.GetRatioSamples(RatioSeriesPositions, "BTCUSDT", 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(got) != 1 || got[0].LongShortRatio != 2.0 {
		t.Fatalf("expected replaced sample, got %+v", got)
	}
}

func TestRatioPrune(t *testing.T) {
	repo := openTestDB(t)

	samples := []RatioSample{
		{Symbol: "BTCUSDT", Timestamp: 100, LongShortRatio: 1},
		{Symbol: "BTCUSDT", Timestamp: 200, LongShortRatio: 1},
	}
	if err := repo.InsertRatioSamples(RatioSeriesPositions, samples); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := repo.InsertRatioSamples(RatioSeriesAccounts, samples); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	n, err := repo.PruneRatiosBefore(150)
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 pruned rows across both series, got %d", n)
	}
}

func TestCandleInsertIdempotentAndPrune(t *testing.T) {
	repo := openTestDB(t)

	candles := []Candle{
		{Symbol: "BTCUSDT", OpenTime: 100, Close: 50000, CloseTime: 159},
		{Symbol: "BTCUSDT", OpenTime: 160, Close: 50100, CloseTime: 219},
	}
	if err := repo.InsertCandles("1m", candles); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := repo.InsertCandles("1m", candles); err != nil {
		t.Fatalf("re-insert failed: %v", err)
	}

	got, err := repo.GetCandles("1m", "BTCUSDT", 0, 10)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(got))
	}

	n, err := repo.PruneCandlesBefore(150)
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned candle, got %d", n)
	}

	if err := repo.InsertCandles("7m", candles); err == nil {
		t.Fatal("expected error for unknown interval")
	}
}

func TestProcessingStateCursorNeverMovesBackwards(t *testing.T) {
	repo := openTestDB(t)

	state, err := repo.GetProcessingState("cvd_aggregator", "BTC-CVD")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if state.LastRowID != 0 {
		t.Fatalf("expected zero cursor, got %d", state.LastRowID)
	}

	state.LastRowID = 50
	state.LastTimestamp = 1000
	if err := repo.SaveProcessingState(state); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// A stale write must not rewind the cursor
	state.LastRowID = 10
	state.LastTimestamp = 2000
	if err := repo.SaveProcessingState(state); err != nil {
		t.Fatalf("stale save failed: %v", err)
	}

	got, err := repo.GetProcessingState("cvd_aggregator", "BTC-CVD")
	if err != nil {
		t.Fatalf("re-read failed: %v", err)
	}
	if got.LastRowID != 50 {
		t.Fatalf("cursor moved backwards: %d", got.LastRowID)
	}
	if got.LastTimestamp != 2000 {
		t.Fatalf("timestamp should follow the latest write, got %d", got.LastTimestamp)
	}
}

func TestCvdRecordsRoundTrip(t *testing.T) {
	repo := openTestDB(t)

	records := []CvdRecord{
		{AggregatorID: "BTC-CVD", Timestamp: 100, CvdValue: 1.5, ZScore: 0.2, Delta: 1.5},
		{AggregatorID: "BTC-CVD", Timestamp: 200, CvdValue: 0.5, ZScore: -0.3, Delta: -1.0},
		{AggregatorID: "ETH-CVD", Timestamp: 150, CvdValue: 9, ZScore: 1, Delta: 9},
	}
	if err := repo.SaveCvdRecords(records); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := repo.GetCvdRecords("BTC-CVD", 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records for BTC-CVD, got %d", len(got))
	}
	if got[0].Timestamp != 100 || got[1].Timestamp != 200 {
		t.Fatalf("records out of timestamp order: %+v", got)
	}

	// Same key rewrites in place
	if err := repo.SaveCvdRecords([]CvdRecord{{AggregatorID: "BTC-CVD", Timestamp: 200, CvdValue: 42, Delta: 41.5}}); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}
	got, _ = repo.GetCvdRecords("BTC-CVD", 0)
	if len(got) != 2 || got[1].CvdValue != 42 {
		t.Fatalf("expected replaced record, got %+v", got)
	}
}
