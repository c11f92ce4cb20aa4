package collectors

import (
	"context"
	"log"
	"sync"
	"time"

	"binance-cvd-pipeline/binance"
	"binance-cvd-pipeline/config"
	"binance-cvd-pipeline/database"
)

// retentionWindow is how far back ratio samples are accepted; the
// endpoint occasionally replays deep history after an outage
const ratioRetentionWindow = 24 * time.Hour

// RatioCollector polls top-trader long/short ratios for every active
// USDT-margined perpetual on a fixed interval. Positions and accounts
// are pulled back to back per symbol, with a pacing delay between
// symbols.
type RatioCollector struct {
	client *binance.Client
	repo   *database.Repository
	cfg    config.TopTraderConfig

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewRatioCollector(client *binance.Client, repo *database.Repository, cfg config.TopTraderConfig) *RatioCollector {
	return &RatioCollector{
		client: client,
		repo:   repo,
		cfg:    cfg,
		done:   make(chan struct{}),
	}
}

func (rc *RatioCollector) Start() {
	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()

		rc.runCycle()

		ticker := time.NewTicker(time.Duration(rc.cfg.IntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-rc.done:
				return
			case <-ticker.C:
				rc.runCycle()
			}
		}
	}()
	log.Println("🔄 Top trader ratio collector started")
}

func (rc *RatioCollector) Stop() {
	rc.stopOnce.Do(func() { close(rc.done) })
	rc.wg.Wait()
	log.Println("🔄 Top trader ratio collector stopped")
}

func (rc *RatioCollector) runCycle() {
	symbols, err := rc.eligibleSymbols()
	if err != nil {
		log.Printf("⚠️  Failed to list ratio symbols: %v", err)
		return
	}
	if len(symbols) == 0 {
		return
	}

	start := time.Now()
	var saved int
	for i, symbol := range symbols {
		if i > 0 {
			select {
			case <-rc.done:
				return
			case <-time.After(time.Duration(rc.cfg.RequestDelayMs) * time.Millisecond):
			}
		}

		saved += rc.collectSeries(database.RatioSeriesPositions, symbol)
		saved += rc.collectSeries(database.RatioSeriesAccounts, symbol)
	}
	log.Printf("📊 Ratio cycle done: %d symbols, %d samples in %v", len(symbols), saved, time.Since(start).Round(time.Millisecond))
}

// eligibleSymbols returns active USDT-M perpetuals. Symbols with no
// contract type set are treated as perpetuals.
func (rc *RatioCollector) eligibleSymbols() ([]string, error) {
	all, err := rc.repo.ListActiveSymbols(binance.VenueUSDTM)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, s := range all {
		if s.ContractType != nil && *s.ContractType != "" && *s.ContractType != "PERPETUAL" {
			continue
		}
		out = append(out, s.Symbol)
	}
	return out, nil
}

func (rc *RatioCollector) collectSeries(series, symbol string) int {
	samples, err := rc.fetchSeries(series, symbol)
	if err != nil {
		log.Printf("⚠️  Ratio fetch %s/%s: %v", symbol, series, err)
		return 0
	}

	// Drop stale points replayed by the endpoint
	cutoff := time.Now().Add(-ratioRetentionWindow).UnixMilli()
	fresh := samples[:0]
	for _, s := range samples {
		if s.Timestamp >= cutoff {
			fresh = append(fresh, s)
		}
	}
	if len(fresh) == 0 {
		return 0
	}

	if err := rc.repo.InsertRatioSamples(series, fresh); err != nil {
		log.Printf("⚠️  Failed to persist %d %s samples for %s: %v", len(fresh), series, symbol, err)
		return 0
	}
	return len(fresh)
}

func (rc *RatioCollector) fetchSeries(series, symbol string) ([]database.RatioSample, error) {
	var lastErr error
	for attempt := 0; attempt <= rc.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-rc.done:
				return nil, lastErr
			case <-time.After(time.Duration(rc.cfg.RetryDelayMs) * time.Millisecond):
			}
		}

		var samples []database.RatioSample
		var err error
		switch series {
		case database.RatioSeriesPositions:
			samples, err = rc.client.FetchTopTraderPositions(context.Background(), symbol)
		default:
			samples, err = rc.client.FetchTopTraderAccounts(context.Background(), symbol)
		}
		if err == nil {
			return samples, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
