package collectors

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"binance-cvd-pipeline/binance"
	"binance-cvd-pipeline/cache"
	"binance-cvd-pipeline/config"
	"binance-cvd-pipeline/database"
)

const (
	// Hard cap on pages pulled per target per cycle, so one symbol with
	// deep history cannot starve the rest of the list
	maxRestIterations = 50

	// Pause between consecutive pages for the same target
	pageCooldown = 500 * time.Millisecond
)

// HistoricalCollector backfills aggregated trades over REST into
// per-asset stores, resuming from the last persisted trade per
// (symbol, venue). One cycle walks the full target list sequentially.
type HistoricalCollector struct {
	client *binance.Client
	repo   *database.Repository
	assets *database.AssetStoreManager
	cfg    config.HistoricalConfig

	// resolveTargets is swapped out in tests
	resolveTargets func() ([]Target, error)

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewHistoricalCollector(client *binance.Client, repo *database.Repository, redis *cache.RedisClient, assets *database.AssetStoreManager, cfg config.HistoricalConfig, rankedCSV string) *HistoricalCollector {
	hc := &HistoricalCollector{
		client: client,
		repo:   repo,
		assets: assets,
		cfg:    cfg,
		done:   make(chan struct{}),
	}
	hc.resolveTargets = func() ([]Target, error) {
		if rankedCSV == "" {
			return nil, nil
		}
		ranked, err := LoadRankedAssets(rankedCSV)
		if err != nil {
			return nil, err
		}
		return ResolveTargets(repo, redis, ranked)
	}
	return hc
}

// Start runs one immediate cycle, then repeats on the fetch interval
func (hc *HistoricalCollector) Start() {
	hc.wg.Add(1)
	go func() {
		defer hc.wg.Done()

		hc.runCycle(false)

		ticker := time.NewTicker(time.Duration(hc.cfg.FetchIntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-hc.done:
				return
			case <-ticker.C:
				hc.runCycle(true)
			}
		}
	}()
	log.Println("🔄 Historical collector started")
}

// Stop ends the cycle loop. A page in flight finishes first.
func (hc *HistoricalCollector) Stop() {
	hc.stopOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
	log.Println("🔄 Historical collector stopped")
}

// runCycle pulls every target in order. scheduled cycles clamp the
// resume point to one fetch interval back, so a long outage does not
// trigger an unbounded catch-up in steady state.
func (hc *HistoricalCollector) runCycle(scheduled bool) {
	targets, err := hc.resolveTargets()
	if err != nil {
		log.Printf("⚠️  Failed to resolve historical targets: %v", err)
		return
	}
	if len(targets) == 0 {
		return
	}

	start := time.Now()
	var saved int64
	for _, t := range targets {
		select {
		case <-hc.done:
			return
		default:
		}

		n, err := hc.collectTarget(t, scheduled)
		if err != nil {
			log.Printf("⚠️  Historical pull %s/%s: %v", t.Symbol, t.Venue, err)
			continue
		}
		saved += n
	}
	log.Printf("📊 Historical cycle done: %d targets, %d trades in %v", len(targets), saved, time.Since(start).Round(time.Millisecond))
}

func (hc *HistoricalCollector) collectTarget(t Target, scheduled bool) (int64, error) {
	store, err := hc.assets.Get(t.Asset)
	if err != nil {
		return 0, err
	}

	cursor, err := hc.resumePoint(store, t, scheduled)
	if err != nil {
		return 0, err
	}

	var saved int64
	for i := 0; i < maxRestIterations; i++ {
		trades, err := hc.fetchPage(t, cursor)
		if err != nil {
			return saved, err
		}
		if len(trades) == 0 {
			break
		}

		if err := store.UpsertAggTrades(trades); err != nil {
			return saved, fmt.Errorf("failed to persist %d agg trades: %w", len(trades), err)
		}
		saved += int64(len(trades))
		cursor = trades[len(trades)-1].TradeTime + 1

		// A short page means the exchange has nothing newer
		if len(trades) < hc.cfg.RestLimit {
			break
		}

		select {
		case <-hc.done:
			return saved, nil
		case <-time.After(pageCooldown):
		}
	}
	return saved, nil
}

// resumePoint returns the start time (ms) of the next pull
func (hc *HistoricalCollector) resumePoint(store *database.AssetStore, t Target, scheduled bool) (int64, error) {
	cp, err := store.GetLastAggTradeCheckpoint(t.Symbol, t.Venue)
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	now := time.Now().UnixMilli()

	// A checkpoint always wins, however old: startup cycles backfill
	// the whole gap. The lookback default applies only to fresh
	// targets, and scheduled steady-state cycles clamp to one interval.
	cursor := now - int64(hc.cfg.InitialLookbackMs)
	if cp != nil {
		cursor = cp.TradeTime + 1
	}
	if scheduled {
		if floor := now - int64(hc.cfg.FetchIntervalMs); cursor < floor {
			cursor = floor
		}
	}
	return cursor, nil
}

// fetchPage pulls one page with bounded retries on transient errors
func (hc *HistoricalCollector) fetchPage(t Target, startMs int64) ([]database.AggregatedTrade, error) {
	opts := binance.AggTradeOptions{StartTimeMs: startMs, Limit: hc.cfg.RestLimit}

	var lastErr error
	for attempt := 0; attempt <= hc.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-hc.done:
				return nil, lastErr
			case <-time.After(time.Duration(hc.cfg.RetryDelayMs) * time.Millisecond):
			}
		}

		trades, err := hc.client.FetchAggregatedTrades(context.Background(), t.Symbol, t.Venue, opts)
		if err == nil {
			return trades, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("giving up after %d retries: %w", hc.cfg.MaxRetries, lastErr)
}
