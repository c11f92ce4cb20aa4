// Package collectors moves market data from push channels and REST
// endpoints into the store: buffered streaming collectors for trades and
// liquidations, a resumable historical aggregated-trade fetcher, and the
// scheduled top-trader ratio puller.
package collectors

import (
	"log"
	"sync"
	"time"

	"binance-cvd-pipeline/database"
	"binance-cvd-pipeline/websocket"
)

// TradeCollector buffers streamed trades and flushes them to the store
// on a timer or when the buffer fills. Failed flushes are re-queued at
// the front of the buffer, so delivery is at-least-once in arrival order.
type TradeCollector struct {
	client        *websocket.Client
	repo          *database.Repository
	flushInterval time.Duration
	maxBuffer     int

	mu     sync.Mutex
	buffer []database.Trade

	flushNow chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// OnSaved, when set, is called with the row count after each
	// successful flush
	OnSaved func(count int)
}

// NewTradeCollector creates a collector writing through repo
func NewTradeCollector(client *websocket.Client, repo *database.Repository, flushInterval time.Duration, maxBuffer int) *TradeCollector {
	return &TradeCollector{
		client:        client,
		repo:          repo,
		flushInterval: flushInterval,
		maxBuffer:     maxBuffer,
		flushNow:      make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start connects the push client and begins buffering
func (tc *TradeCollector) Start(subs []websocket.Subscription) error {
	if err := tc.client.Connect(subs); err != nil {
		return err
	}

	tc.wg.Add(2)
	go tc.intakeLoop()
	go tc.flushLoop()

	log.Printf("📡 Trade collector started (%d subscriptions)", len(subs))
	return nil
}

// Stop disconnects, drains the buffer with a final flush and returns
func (tc *TradeCollector) Stop() {
	tc.stopOnce.Do(func() { close(tc.done) })
	tc.client.Disconnect()
	tc.wg.Wait()
	tc.flush()
	log.Println("📡 Trade collector stopped")
}

func (tc *TradeCollector) intakeLoop() {
	defer tc.wg.Done()
	for {
		select {
		case <-tc.done:
			return
		case t := <-tc.client.Trades():
			tc.add(t)
		case err := <-tc.client.Errors():
			log.Printf("⚠️  Trade stream: %v", err)
		}
	}
}

func (tc *TradeCollector) flushLoop() {
	defer tc.wg.Done()
	ticker := time.NewTicker(tc.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-tc.done:
			return
		case <-ticker.C:
			tc.flush()
		case <-tc.flushNow:
			tc.flush()
		}
	}
}

func (tc *TradeCollector) add(t database.Trade) {
	tc.mu.Lock()
	tc.buffer = append(tc.buffer, t)
	full := len(tc.buffer) >= tc.maxBuffer
	tc.mu.Unlock()

	if full {
		select {
		case tc.flushNow <- struct{}{}:
		default:
		}
	}
}

// flush swaps the buffer out, writes it, and re-prepends on failure
func (tc *TradeCollector) flush() {
	tc.mu.Lock()
	batch := tc.buffer
	tc.buffer = nil
	tc.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if err := tc.repo.InsertTrades(batch); err != nil {
		log.Printf("⚠️  Failed to flush %d trades, re-queueing: %v", len(batch), err)
		tc.mu.Lock()
		tc.buffer = append(batch, tc.buffer...)
		tc.mu.Unlock()
		return
	}

	if tc.OnSaved != nil {
		tc.OnSaved(len(batch))
	}
}

// BufferedCount reports the number of unflushed trades
func (tc *TradeCollector) BufferedCount() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.buffer)
}
