package collectors

import (
	"log"
	"sync"
	"time"

	"binance-cvd-pipeline/database"
	"binance-cvd-pipeline/websocket"
)

// LiquidationCollector buffers forced-liquidation events from the
// futures venues and flushes them like TradeCollector does for trades.
// Re-delivered events are deduplicated by event ID at insert time.
type LiquidationCollector struct {
	client        *websocket.Client
	repo          *database.Repository
	flushInterval time.Duration
	maxBuffer     int

	mu     sync.Mutex
	buffer []database.LiquidationEvent

	flushNow chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	OnSaved func(count int)
}

func NewLiquidationCollector(client *websocket.Client, repo *database.Repository, flushInterval time.Duration, maxBuffer int) *LiquidationCollector {
	return &LiquidationCollector{
		client:        client,
		repo:          repo,
		flushInterval: flushInterval,
		maxBuffer:     maxBuffer,
		flushNow:      make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

func (lc *LiquidationCollector) Start(subs []websocket.Subscription) error {
	if err := lc.client.Connect(subs); err != nil {
		return err
	}

	lc.wg.Add(2)
	go lc.intakeLoop()
	go lc.flushLoop()

	log.Printf("📡 Liquidation collector started (%d subscriptions)", len(subs))
	return nil
}

func (lc *LiquidationCollector) Stop() {
	lc.stopOnce.Do(func() { close(lc.done) })
	lc.client.Disconnect()
	lc.wg.Wait()
	lc.flush()
	log.Println("📡 Liquidation collector stopped")
}

func (lc *LiquidationCollector) intakeLoop() {
	defer lc.wg.Done()
	for {
		select {
		case <-lc.done:
			return
		case ev := <-lc.client.Liquidations():
			lc.add(ev)
		case err := <-lc.client.Errors():
			log.Printf("⚠️  Liquidation stream: %v", err)
		}
	}
}

func (lc *LiquidationCollector) flushLoop() {
	defer lc.wg.Done()
	ticker := time.NewTicker(lc.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lc.done:
			return
		case <-ticker.C:
			lc.flush()
		case <-lc.flushNow:
			lc.flush()
		}
	}
}

func (lc *LiquidationCollector) add(ev database.LiquidationEvent) {
	lc.mu.Lock()
	lc.buffer = append(lc.buffer, ev)
	full := len(lc.buffer) >= lc.maxBuffer
	lc.mu.Unlock()

	if full {
		select {
		case lc.flushNow <- struct{}{}:
		default:
		}
	}
}

func (lc *LiquidationCollector) flush() {
	lc.mu.Lock()
	batch := lc.buffer
	lc.buffer = nil
	lc.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if err := lc.repo.InsertLiquidations(batch); err != nil {
		log.Printf("⚠️  Failed to flush %d liquidations, re-queueing: %v", len(batch), err)
		lc.mu.Lock()
		lc.buffer = append(batch, lc.buffer...)
		lc.mu.Unlock()
		return
	}

	if lc.OnSaved != nil {
		lc.OnSaved(len(batch))
	}
}

func (lc *LiquidationCollector) BufferedCount() int {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return len(lc.buffer)
}
