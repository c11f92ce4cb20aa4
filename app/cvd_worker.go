package app

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"binance-cvd-pipeline/cache"
	"binance-cvd-pipeline/config"
	"binance-cvd-pipeline/database"
)

// AlertTypeCvd labels z-score alerts in the queue and history tables
const AlertTypeCvd = "CVD_ZSCORE"

// cvdProcessName keys the worker's cursors in processing_state
const cvdProcessName = "cvd_aggregator"

// CvdWorker drives all configured aggregators over the shared trade
// feed. It polls trade_data by rowid cursor, folds new trades into each
// aggregator's rolling statistics, persists the resulting series and
// enqueues alerts that clear the threshold and suppression checks.
type CvdWorker struct {
	repo  *database.Repository
	redis *cache.RedisClient
	cfg   config.CVDConfig

	aggregators []*CvdAggregator
	cursors     map[string]int64 // aggregator id -> last processed rowid

	thresholdLog float64
	thresholdRaw float64

	processing atomic.Bool
	done       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewCvdWorker builds the worker from the configured aggregator groups
func NewCvdWorker(repo *database.Repository, redis *cache.RedisClient, cfg config.CVDConfig) *CvdWorker {
	aggs := make([]*CvdAggregator, 0, len(cfg.Groups))
	for _, g := range cfg.Groups {
		aggs = append(aggs, NewCvdAggregator(g, cfg.AlertsEnabled))
	}

	// The threshold is configured in the log domain unless the strict
	// raw mode is on, in which case it is the raw bound itself
	thresholdLog := cfg.ZScoreThreshold
	thresholdRaw := math.Exp(cfg.ZScoreThreshold)
	if cfg.RawThreshold {
		thresholdRaw = cfg.ZScoreThreshold
		thresholdLog = math.Log(cfg.ZScoreThreshold)
	}

	return &CvdWorker{
		repo:         repo,
		redis:        redis,
		cfg:          cfg,
		aggregators:  aggs,
		cursors:      make(map[string]int64, len(aggs)),
		thresholdLog: thresholdLog,
		thresholdRaw: thresholdRaw,
		done:         make(chan struct{}),
	}
}

// Start restores aggregator state and begins the polling loop
func (w *CvdWorker) Start() error {
	if err := w.restore(); err != nil {
		return err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(time.Duration(w.cfg.PollIntervalMs) * time.Millisecond)
		defer ticker.Stop()

		w.runPass()
		for {
			select {
			case <-w.done:
				return
			case <-ticker.C:
				w.runPass()
			}
		}
	}()

	log.Printf("📊 CVD worker started (%d aggregators, threshold %.2f log / %.2f raw)",
		len(w.aggregators), w.thresholdLog, w.thresholdRaw)
	return nil
}

// Stop ends the polling loop after the pass in flight completes
func (w *CvdWorker) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	log.Println("📊 CVD worker stopped")
}

// restore loads each aggregator's cursor and rebuilds its window from
// the persisted series
func (w *CvdWorker) restore() error {
	since := time.Now().Add(-historyWindow).UnixMilli()
	for _, agg := range w.aggregators {
		state, err := w.repo.GetProcessingState(cvdProcessName, agg.ID)
		if err != nil {
			return err
		}
		w.cursors[agg.ID] = state.LastRowID

		records, err := w.repo.GetCvdRecords(agg.ID, since)
		if err != nil {
			return err
		}
		agg.Seed(records)
		log.Printf("📊 Aggregator %s restored: cursor %d, %d window points", agg.ID, state.LastRowID, len(records))
	}
	return nil
}

// runPass processes every aggregator once. The processing flag keeps
// passes from overlapping if one runs past the poll interval.
func (w *CvdWorker) runPass() {
	if !w.processing.CompareAndSwap(false, true) {
		return
	}
	defer w.processing.Store(false)

	for _, agg := range w.aggregators {
		select {
		case <-w.done:
			return
		default:
		}
		if err := w.processAggregator(agg); err != nil {
			log.Printf("⚠️  Aggregator %s: %v", agg.ID, err)
		}
	}
}

// processAggregator drains full batches for one aggregator until the
// feed runs dry
func (w *CvdWorker) processAggregator(agg *CvdAggregator) error {
	for {
		trades, err := w.repo.GetTradesSinceRowID(agg.Filters, w.cursors[agg.ID], w.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(trades) == 0 {
			return nil
		}

		records := make([]database.CvdRecord, 0, len(trades))
		for _, t := range trades {
			rec := agg.ApplyTrade(t)
			records = append(records, rec)
			w.maybeAlert(agg, rec)
		}

		if err := w.repo.SaveCvdRecords(records); err != nil {
			return err
		}

		last := trades[len(trades)-1]
		if err := w.repo.SaveProcessingState(database.ProcessingState{
			ProcessName:   cvdProcessName,
			Key:           agg.ID,
			LastRowID:     last.RowID,
			LastTimestamp: last.Timestamp,
		}); err != nil {
			return err
		}
		w.cursors[agg.ID] = last.RowID

		if len(trades) < w.cfg.BatchSize {
			return nil
		}

		select {
		case <-w.done:
			return nil
		default:
		}
	}
}

// cvdAlertPayload is the JSON body persisted with each queued alert.
// Both the raw and log-domain values ride along so the sink can show
// what the operator configured.
type cvdAlertPayload struct {
	AggregatorID     string  `json:"aggregatorId"`
	DisplayName      string  `json:"displayName"`
	Timestamp        int64   `json:"timestamp"`
	TriggerSource    string  `json:"triggerSource"`
	RawTriggerZScore float64 `json:"rawTriggerZScore"`
	LogTriggerZScore float64 `json:"logTriggerZScore"`
	Threshold        float64 `json:"threshold"`
	RawThreshold     float64 `json:"rawThreshold"`
	ZScore           float64 `json:"zScore"`
	DeltaZScore      float64 `json:"deltaZScore"`
	CvdValue         float64 `json:"cvdValue"`
	Delta            float64 `json:"delta"`
}

// maybeAlert enqueues an alert for a record that clears the threshold,
// unless alerting is off or the suppression window vetoes it
func (w *CvdWorker) maybeAlert(agg *CvdAggregator, rec database.CvdRecord) {
	if !agg.AlertsEnabled {
		return
	}

	source, trigger := TriggerOf(rec)
	logTrigger := SignedLog(trigger)
	if math.Abs(logTrigger) < w.thresholdLog {
		return
	}

	if w.suppressed(agg.ID) {
		return
	}

	payload, err := json.Marshal(cvdAlertPayload{
		AggregatorID:     agg.ID,
		DisplayName:      agg.DisplayName,
		Timestamp:        rec.Timestamp,
		TriggerSource:    source,
		RawTriggerZScore: trigger,
		LogTriggerZScore: logTrigger,
		Threshold:        w.thresholdLog,
		RawThreshold:     w.thresholdRaw,
		ZScore:           rec.ZScore,
		DeltaZScore:      rec.DeltaZScore,
		CvdValue:         rec.CvdValue,
		Delta:            rec.Delta,
	})
	if err != nil {
		log.Printf("⚠️  Failed to marshal alert payload for %s: %v", agg.ID, err)
		return
	}

	id, err := w.repo.EnqueueAlert(database.AlertQueueRecord{
		AlertType:     AlertTypeCvd,
		Symbol:        agg.ID,
		Timestamp:     rec.Timestamp,
		TriggerSource: source,
		TriggerZScore: trigger,
		ZScore:        rec.ZScore,
		Delta:         rec.Delta,
		DeltaZScore:   rec.DeltaZScore,
		Threshold:     w.thresholdLog,
		CumulativeVal: rec.CvdValue,
		Payload:       string(payload),
	})
	if err != nil {
		log.Printf("⚠️  Failed to enqueue alert for %s: %v", agg.ID, err)
		return
	}

	w.markSuppressed(agg.ID)
	log.Printf("🚨 Alert %d enqueued: %s %s z=%.2f (log %.2f)", id, agg.ID, source, trigger, logTrigger)
}

// suppressed checks Redis first to spare the store a query, then falls
// back to the queue and history tables
func (w *CvdWorker) suppressed(aggregatorID string) bool {
	if w.redis != nil && w.redis.Exists(context.Background(), cache.SuppressionKey(AlertTypeCvd, aggregatorID)) {
		return true
	}

	since := time.Now().Add(-time.Duration(w.cfg.SuppressionMinutes) * time.Minute).UnixMilli()
	recent, err := w.repo.HasRecentAlertOrPending(AlertTypeCvd, aggregatorID, since)
	if err != nil {
		log.Printf("⚠️  Suppression check for %s failed: %v", aggregatorID, err)
		// Fail closed: a broken check must not open the alert firehose
		return true
	}
	return recent
}

func (w *CvdWorker) markSuppressed(aggregatorID string) {
	if w.redis == nil {
		return
	}
	ttl := time.Duration(w.cfg.SuppressionMinutes) * time.Minute
	_ = w.redis.Set(context.Background(), cache.SuppressionKey(AlertTypeCvd, aggregatorID), time.Now().UnixMilli(), ttl)
}
