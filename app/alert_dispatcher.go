package app

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"binance-cvd-pipeline/config"
	"binance-cvd-pipeline/database"
)

// AlertSink delivers one alert to the outside world
type AlertSink interface {
	SendCvdAlert(alert database.AlertQueueRecord) error
}

// AlertDispatcher drains the durable alert queue into an external sink.
// Each entry gets at most maxAttempts deliveries across dispatcher
// restarts; entries that exhaust the budget are settled with their last
// error preserved.
type AlertDispatcher struct {
	repo *database.Repository
	sink AlertSink
	cfg  config.AlertConfig

	processing atomic.Bool
	done       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func NewAlertDispatcher(repo *database.Repository, sink AlertSink, cfg config.AlertConfig) *AlertDispatcher {
	return &AlertDispatcher{
		repo: repo,
		sink: sink,
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

func (d *AlertDispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(time.Duration(d.cfg.PollIntervalMs) * time.Millisecond)
		defer ticker.Stop()

		d.RunOnce()
		for {
			select {
			case <-d.done:
				return
			case <-ticker.C:
				d.RunOnce()
			}
		}
	}()
	log.Println("🚨 Alert dispatcher started")
}

func (d *AlertDispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
	d.wg.Wait()
	log.Println("🚨 Alert dispatcher stopped")
}

// RunOnce drains one batch of pending entries. Non-reentrant; a pass
// already in flight makes this a no-op.
func (d *AlertDispatcher) RunOnce() {
	if !d.processing.CompareAndSwap(false, true) {
		return
	}
	defer d.processing.Store(false)

	pending, err := d.repo.GetPendingAlerts(d.cfg.BatchSize)
	if err != nil {
		log.Printf("⚠️  Failed to load pending alerts: %v", err)
		return
	}

	for _, alert := range pending {
		select {
		case <-d.done:
			return
		default:
		}

		// An entry already at the budget gets settled without another
		// delivery attempt
		if alert.AttemptCount >= d.cfg.MaxAttempts {
			d.settleExhausted(alert)
			continue
		}

		d.deliver(alert)
	}
}

func (d *AlertDispatcher) settleExhausted(alert database.AlertQueueRecord) {
	if err := d.repo.MarkAlertFailure(alert.ID, "Retry limit reached"); err != nil {
		log.Printf("⚠️  Failed to mark alert %d failure: %v", alert.ID, err)
	}
	if err := d.repo.MarkAlertProcessed(alert.ID, false); err != nil {
		log.Printf("⚠️  Failed to settle alert %d: %v", alert.ID, err)
		return
	}
	log.Printf("🛑 Alert %d (%s) gave up after %d attempts", alert.ID, alert.Symbol, alert.AttemptCount)
}

func (d *AlertDispatcher) deliver(alert database.AlertQueueRecord) {
	if err := d.repo.MarkAlertAttempt(alert.ID); err != nil {
		log.Printf("⚠️  Failed to count attempt for alert %d: %v", alert.ID, err)
		return
	}

	if err := d.sink.SendCvdAlert(alert); err != nil {
		if markErr := d.repo.MarkAlertFailure(alert.ID, err.Error()); markErr != nil {
			log.Printf("⚠️  Failed to record failure for alert %d: %v", alert.ID, markErr)
		}
		// This attempt was the last of the budget, settle now
		if alert.AttemptCount+1 >= d.cfg.MaxAttempts {
			if markErr := d.repo.MarkAlertProcessed(alert.ID, false); markErr != nil {
				log.Printf("⚠️  Failed to settle alert %d: %v", alert.ID, markErr)
			}
			log.Printf("🛑 Alert %d (%s) failed terminally: %v", alert.ID, alert.Symbol, err)
			return
		}
		log.Printf("⚠️  Alert %d (%s) delivery failed (attempt %d/%d): %v",
			alert.ID, alert.Symbol, alert.AttemptCount+1, d.cfg.MaxAttempts, err)
		return
	}

	if err := d.repo.MarkAlertProcessed(alert.ID, true); err != nil {
		log.Printf("⚠️  Failed to mark alert %d processed: %v", alert.ID, err)
		return
	}
	log.Printf("✅ Alert %d (%s) delivered", alert.ID, alert.Symbol)
}
