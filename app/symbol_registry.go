package app

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"binance-cvd-pipeline/binance"
	"binance-cvd-pipeline/cache"
	"binance-cvd-pipeline/database"
)

// failureRetryDelay is how long the registry waits after a failed
// refresh before trying again
const failureRetryDelay = 6 * time.Hour

// SymbolRegistry refreshes the venue symbol catalogs once a day at a
// configured UTC hour. Symbols missing from a fresh catalog become
// INACTIVE but are never deleted.
type SymbolRegistry struct {
	client     *binance.Client
	repo       *database.Repository
	redis      *cache.RedisClient
	updateHour int // UTC hour 0-23

	// OnUpdated, when set, fires after each successful refresh
	OnUpdated func()

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewSymbolRegistry(client *binance.Client, repo *database.Repository, redis *cache.RedisClient, updateHour int) *SymbolRegistry {
	return &SymbolRegistry{
		client:     client,
		repo:       repo,
		redis:      redis,
		updateHour: updateHour,
		done:       make(chan struct{}),
	}
}

// Start refreshes immediately, then keeps the daily schedule
func (sr *SymbolRegistry) Start() {
	sr.wg.Add(1)
	go func() {
		defer sr.wg.Done()

		delay := time.Duration(0)
		if err := sr.Refresh(); err != nil {
			log.Printf("⚠️  Initial symbol refresh failed: %v", err)
			delay = failureRetryDelay
		} else {
			delay = sr.untilNextRun(time.Now().UTC())
		}

		for {
			timer := time.NewTimer(delay)
			select {
			case <-sr.done:
				timer.Stop()
				return
			case <-timer.C:
			}

			if err := sr.Refresh(); err != nil {
				log.Printf("⚠️  Symbol refresh failed, retrying in %v: %v", failureRetryDelay, err)
				delay = failureRetryDelay
			} else {
				delay = sr.untilNextRun(time.Now().UTC())
			}
		}
	}()
	log.Printf("🔄 Symbol registry started (daily at %02d:00 UTC)", sr.updateHour)
}

func (sr *SymbolRegistry) Stop() {
	sr.stopOnce.Do(func() { close(sr.done) })
	sr.wg.Wait()
	log.Println("🔄 Symbol registry stopped")
}

// untilNextRun returns the wait until the configured hour on the next
// calendar day
func (sr *SymbolRegistry) untilNextRun(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), sr.updateHour, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return next.Sub(now)
}

// Refresh pulls all three venue catalogs concurrently, upserts them and
// deactivates symbols gone from the live sets
func (sr *SymbolRegistry) Refresh() error {
	start := time.Now()

	type venueResult struct {
		venue   string
		symbols []database.Symbol
		err     error
	}

	results := make(chan venueResult, len(binance.AllVenues))
	for _, venue := range binance.AllVenues {
		go func(venue string) {
			symbols, err := sr.client.FetchExchangeInfo(context.Background(), venue)
			results <- venueResult{venue: venue, symbols: symbols, err: err}
		}(venue)
	}

	byVenue := make(map[string][]database.Symbol, len(binance.AllVenues))
	var firstErr error
	for range binance.AllVenues {
		r := <-results
		if r.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("venue %s: %w", r.venue, r.err)
			}
			continue
		}
		byVenue[r.venue] = r.symbols
	}
	if firstErr != nil {
		return firstErr
	}

	total, deactivated := 0, int64(0)
	for venue, symbols := range byVenue {
		if err := sr.repo.UpsertSymbols(symbols); err != nil {
			return fmt.Errorf("failed to upsert %s symbols: %w", venue, err)
		}
		total += len(symbols)

		live := make([]string, 0, len(symbols))
		active := make([]database.Symbol, 0, len(symbols))
		for _, s := range symbols {
			if s.Status == database.SymbolActive {
				live = append(live, s.Symbol)
				active = append(active, s)
			}
		}
		n, err := sr.repo.DeactivateMissingSymbols(venue, live)
		if err != nil {
			return fmt.Errorf("failed to deactivate %s symbols: %w", venue, err)
		}
		deactivated += n

		sr.cacheCatalog(venue, active)
	}

	log.Printf("✅ Symbol refresh complete: %d symbols across %d venues, %d deactivated in %v",
		total, len(byVenue), deactivated, time.Since(start).Round(time.Millisecond))

	sr.notifyUpdated()
	return nil
}

// cacheCatalog keeps the active symbols hot so target resolution can
// skip the database between refreshes
func (sr *SymbolRegistry) cacheCatalog(venue string, active []database.Symbol) {
	if sr.redis == nil {
		return
	}
	if err := sr.redis.Set(context.Background(), cache.SymbolCatalogKey(venue), active, 25*time.Hour); err != nil {
		log.Printf("⚠️  Failed to cache %s symbol catalog: %v", venue, err)
	}
}

func (sr *SymbolRegistry) notifyUpdated() {
	if sr.redis != nil {
		if err := sr.redis.Publish(context.Background(), cache.SymbolsUpdatedChannel, time.Now().UnixMilli()); err != nil {
			log.Printf("⚠️  Failed to publish symbol update: %v", err)
		}
	}
	if sr.OnUpdated != nil {
		sr.OnUpdated()
	}
}
