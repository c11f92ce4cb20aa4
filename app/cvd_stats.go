package app

import (
	"math"
	"time"

	"binance-cvd-pipeline/config"
	"binance-cvd-pipeline/database"
)

// historyWindow is how far back the rolling statistics reach
const historyWindow = 72 * time.Hour

// cvdPoint is one entry of the rolling window
type cvdPoint struct {
	timestamp int64
	cvdValue  float64
	delta     float64
}

// CvdAggregator accumulates cumulative volume delta for one logical
// series fed by one or more exchange streams, and computes rolling
// z-scores for the cumulative value and the per-trade delta.
type CvdAggregator struct {
	ID            string
	DisplayName   string
	Filters       []database.StreamFilter
	AlertsEnabled bool

	windowMs int64
	cvdValue float64
	window   []cvdPoint
}

// NewCvdAggregator builds an aggregator from one configured group.
// globalAlerts gates alerting for groups without their own override.
func NewCvdAggregator(group config.AggregatorGroup, globalAlerts bool) *CvdAggregator {
	filters := make([]database.StreamFilter, 0, len(group.Streams))
	for _, s := range group.Streams {
		streamType := s.StreamType
		if streamType == "" {
			streamType = "aggTrade"
		}
		filters = append(filters, database.StreamFilter{
			Symbol:     s.Symbol,
			Venue:      s.MarketType,
			StreamType: streamType,
		})
	}

	alerts := globalAlerts
	if group.AlertsEnabled != nil {
		alerts = alerts && *group.AlertsEnabled
	}

	name := group.DisplayName
	if name == "" {
		name = group.ID
	}

	return &CvdAggregator{
		ID:            group.ID,
		DisplayName:   name,
		Filters:       filters,
		AlertsEnabled: alerts,
		windowMs:      historyWindow.Milliseconds(),
	}
}

// Seed rebuilds the rolling window from the persisted series. Records
// must be ordered by timestamp ascending.
func (a *CvdAggregator) Seed(records []database.CvdRecord) {
	a.window = a.window[:0]
	a.cvdValue = 0
	for _, r := range records {
		a.window = append(a.window, cvdPoint{
			timestamp: r.Timestamp,
			cvdValue:  r.CvdValue,
			delta:     r.Delta,
		})
		a.cvdValue = r.CvdValue
	}
}

// CvdValue returns the current cumulative value
func (a *CvdAggregator) CvdValue() float64 {
	return a.cvdValue
}

// WindowSize returns the number of points currently in the window
func (a *CvdAggregator) WindowSize() int {
	return len(a.window)
}

// ApplyTrade folds one trade into the series and returns the resulting
// record. Buys add amount, sells subtract it. Statistics cover the
// window including the new point; with fewer than two points or zero
// spread both z-scores are 0.
func (a *CvdAggregator) ApplyTrade(t database.Trade) database.CvdRecord {
	delta := t.Amount
	if t.Direction == database.DirectionSell {
		delta = -delta
	}
	a.cvdValue += delta

	a.trimBefore(t.Timestamp - a.windowMs)
	a.window = append(a.window, cvdPoint{
		timestamp: t.Timestamp,
		cvdValue:  a.cvdValue,
		delta:     delta,
	})

	var zScore, deltaZ float64
	if len(a.window) >= 2 {
		cumMean, cumSD := a.windowStats(func(p cvdPoint) float64 { return p.cvdValue })
		deltaMean, deltaSD := a.windowStats(func(p cvdPoint) float64 { return p.delta })
		if cumSD > 0 {
			zScore = (a.cvdValue - cumMean) / cumSD
		}
		if deltaSD > 0 {
			deltaZ = (delta - deltaMean) / deltaSD
		}
	}

	return database.CvdRecord{
		AggregatorID: a.ID,
		Timestamp:    t.Timestamp,
		CvdValue:     a.cvdValue,
		ZScore:       zScore,
		Delta:        delta,
		DeltaZScore:  deltaZ,
	}
}

func (a *CvdAggregator) trimBefore(cutoff int64) {
	i := 0
	for i < len(a.window) && a.window[i].timestamp < cutoff {
		i++
	}
	if i > 0 {
		a.window = append(a.window[:0], a.window[i:]...)
	}
}

// windowStats returns mean and sample standard deviation of one field
func (a *CvdAggregator) windowStats(field func(cvdPoint) float64) (float64, float64) {
	n := len(a.window)
	var sum float64
	for _, p := range a.window {
		sum += field(p)
	}
	mean := sum / float64(n)

	var sq float64
	for _, p := range a.window {
		d := field(p) - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(n-1))
}

// TriggerOf picks the dominant z-score of a record: whichever of the
// cumulative and delta scores is larger in magnitude.
func TriggerOf(rec database.CvdRecord) (source string, zScore float64) {
	if math.Abs(rec.DeltaZScore) > math.Abs(rec.ZScore) {
		return database.TriggerDelta, rec.DeltaZScore
	}
	return database.TriggerCumulative, rec.ZScore
}

// SignedLog compresses a value into signed log magnitude:
// sign(v)*ln(|v|) when |v| >= 1, else 0.
func SignedLog(v float64) float64 {
	av := math.Abs(v)
	if av < 1 {
		return 0
	}
	if v < 0 {
		return -math.Log(av)
	}
	return math.Log(av)
}
