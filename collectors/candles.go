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

// candleIntervals are the kline intervals kept in the store
var candleIntervals = []struct {
	name     string
	duration time.Duration
}{
	{"1m", time.Minute},
	{"30m", 30 * time.Minute},
	{"1d", 24 * time.Hour},
}

// CandleSource is one symbol whose klines are polled on one venue
type CandleSource struct {
	Symbol string
	Venue  string
}

// CandleCollector polls klines for a fixed set of symbols across the
// stored intervals. Inserts are idempotent on (symbol, openTime), so
// each cycle re-fetches a small overlap window and lets the store drop
// what it already has.
type CandleCollector struct {
	client  *binance.Client
	repo    *database.Repository
	cfg     config.CandleConfig
	sources []CandleSource

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewCandleCollector(client *binance.Client, repo *database.Repository, cfg config.CandleConfig, sources []CandleSource) *CandleCollector {
	return &CandleCollector{
		client:  client,
		repo:    repo,
		cfg:     cfg,
		sources: sources,
		done:    make(chan struct{}),
	}
}

func (cc *CandleCollector) Start() {
	cc.wg.Add(1)
	go func() {
		defer cc.wg.Done()

		cc.runCycle()

		ticker := time.NewTicker(time.Duration(cc.cfg.PollIntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-cc.done:
				return
			case <-ticker.C:
				cc.runCycle()
			}
		}
	}()
	log.Printf("🔄 Candle collector started (%d symbols)", len(cc.sources))
}

func (cc *CandleCollector) Stop() {
	cc.stopOnce.Do(func() { close(cc.done) })
	cc.wg.Wait()
	log.Println("🔄 Candle collector stopped")
}

func (cc *CandleCollector) runCycle() {
	start := time.Now()
	var saved int
	for _, src := range cc.sources {
		for _, iv := range candleIntervals {
			select {
			case <-cc.done:
				return
			default:
			}
			saved += cc.collect(src, iv.name, iv.duration)
		}
	}
	log.Printf("📊 Candle cycle done: %d symbols, %d candles in %v",
		len(cc.sources), saved, time.Since(start).Round(time.Millisecond))
}

// collect pulls the trailing lookback window for one interval. The
// window always spans at least two bars so closed candles are never
// skipped around a poll boundary.
func (cc *CandleCollector) collect(src CandleSource, interval string, barDuration time.Duration) int {
	lookback := time.Duration(cc.cfg.LookbackBars) * barDuration
	if lookback < 2*barDuration {
		lookback = 2 * barDuration
	}
	startTime := time.Now().Add(-lookback).UnixMilli()

	candles, err := cc.client.FetchCandles(context.Background(), src.Symbol, interval, src.Venue, startTime)
	if err != nil {
		log.Printf("⚠️  Candle fetch %s/%s %s: %v", src.Symbol, src.Venue, interval, err)
		return 0
	}
	if len(candles) == 0 {
		return 0
	}

	if err := cc.repo.InsertCandles(interval, candles); err != nil {
		log.Printf("⚠️  Failed to persist %d %s candles for %s: %v", len(candles), interval, src.Symbol, err)
		return 0
	}
	return len(candles)
}
