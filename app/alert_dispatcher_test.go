package app

import (
	"errors"
	"testing"

	"binance-cvd-pipeline/config"
	"binance-cvd-pipeline/database"
)

// fakeSink records deliveries and fails on command
type fakeSink struct {
	sent []int64
	err  error
}

func (s *fakeSink) SendCvdAlert(alert database.AlertQueueRecord) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, alert.ID)
	return nil
}

func testAlertConfig() config.AlertConfig {
	return config.AlertConfig{
		PollIntervalMs: 1000,
		BatchSize:      20,
		MaxAttempts:    3,
	}
}

func enqueue(t *testing.T, repo *database.Repository, symbol string, ts int64) int64 {
	t.Helper()
	id, err := repo.EnqueueAlert(database.AlertQueueRecord{
		AlertType:     AlertTypeCvd,
		Symbol:        symbol,
		Timestamp:     ts,
		TriggerSource: database.TriggerCumulative,
		TriggerZScore: 9.5,
		Threshold:     2.0,
		Payload:       "{}",
	})
	if err != nil {
		t.Fatalf("EnqueueAlert: %v", err)
	}
	return id
}

func TestDispatcherDeliversPendingAlerts(t *testing.T) {
	repo := openTestRepo(t)
	sink := &fakeSink{}
	d := NewAlertDispatcher(repo, sink, testAlertConfig())

	a := enqueue(t, repo, "btc", 2000)
	b := enqueue(t, repo, "eth", 1000)

	d.RunOnce()

	// Oldest timestamp first
	if len(sink.sent) != 2 || sink.sent[0] != b || sink.sent[1] != a {
		t.Fatalf("sent = %v, want [%d %d]", sink.sent, b, a)
	}

	rec, err := repo.GetAlertByID(a)
	if err != nil {
		t.Fatalf("GetAlertByID: %v", err)
	}
	if rec.ProcessedAt == nil {
		t.Error("delivered alert not settled")
	}
	if rec.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d", rec.AttemptCount)
	}
	if rec.LastError != nil {
		t.Errorf("LastError = %v, want cleared on success", *rec.LastError)
	}

	pending, err := repo.GetPendingAlerts(10)
	if err != nil {
		t.Fatalf("GetPendingAlerts: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("%d alerts still pending", len(pending))
	}
}

func TestDispatcherRetriesUntilBudgetExhausted(t *testing.T) {
	repo := openTestRepo(t)
	sink := &fakeSink{err: errors.New("discord returned HTTP 500")}
	d := NewAlertDispatcher(repo, sink, testAlertConfig())

	id := enqueue(t, repo, "btc", 1000)

	// First two failures keep the entry pending with the error recorded
	d.RunOnce()
	d.RunOnce()

	rec, err := repo.GetAlertByID(id)
	if err != nil {
		t.Fatalf("GetAlertByID: %v", err)
	}
	if rec.ProcessedAt != nil {
		t.Fatal("alert settled before the budget ran out")
	}
	if rec.AttemptCount != 2 {
		t.Errorf("AttemptCount = %d", rec.AttemptCount)
	}
	if rec.LastError == nil || *rec.LastError != "discord returned HTTP 500" {
		t.Errorf("LastError = %v", rec.LastError)
	}

	// Third failure is terminal
	d.RunOnce()
	rec, err = repo.GetAlertByID(id)
	if err != nil {
		t.Fatalf("GetAlertByID: %v", err)
	}
	if rec.ProcessedAt == nil {
		t.Fatal("exhausted alert not settled")
	}
	if rec.AttemptCount != 3 {
		t.Errorf("AttemptCount = %d", rec.AttemptCount)
	}
	if rec.LastError == nil || *rec.LastError != "discord returned HTTP 500" {
		t.Errorf("terminal settle lost the error: %v", rec.LastError)
	}

	// Entry must never come back
	d.RunOnce()
	rec, _ = repo.GetAlertByID(id)
	if rec.AttemptCount != 3 {
		t.Errorf("settled alert was retried, AttemptCount = %d", rec.AttemptCount)
	}
}

// An entry that already carries a full attempt budget, for example from
// a run before a restart, is settled without touching the sink.
func TestDispatcherSettlesExhaustedWithoutDelivery(t *testing.T) {
	repo := openTestRepo(t)
	sink := &fakeSink{}
	d := NewAlertDispatcher(repo, sink, testAlertConfig())

	id := enqueue(t, repo, "btc", 1000)
	for i := 0; i < 3; i++ {
		if err := repo.MarkAlertAttempt(id); err != nil {
			t.Fatalf("MarkAlertAttempt: %v", err)
		}
	}

	d.RunOnce()

	if len(sink.sent) != 0 {
		t.Fatalf("exhausted alert reached the sink: %v", sink.sent)
	}
	rec, err := repo.GetAlertByID(id)
	if err != nil {
		t.Fatalf("GetAlertByID: %v", err)
	}
	if rec.ProcessedAt == nil {
		t.Fatal("exhausted alert not settled")
	}
	if rec.LastError == nil || *rec.LastError != "Retry limit reached" {
		t.Errorf("LastError = %v", rec.LastError)
	}
}

func TestDispatcherRecoversAfterTransientFailure(t *testing.T) {
	repo := openTestRepo(t)
	sink := &fakeSink{err: errors.New("connection refused")}
	d := NewAlertDispatcher(repo, sink, testAlertConfig())

	id := enqueue(t, repo, "btc", 1000)

	d.RunOnce()
	sink.err = nil
	d.RunOnce()

	if len(sink.sent) != 1 || sink.sent[0] != id {
		t.Fatalf("sent = %v", sink.sent)
	}
	rec, err := repo.GetAlertByID(id)
	if err != nil {
		t.Fatalf("GetAlertByID: %v", err)
	}
	if rec.ProcessedAt == nil {
		t.Fatal("alert not settled after recovery")
	}
	if rec.AttemptCount != 2 {
		t.Errorf("AttemptCount = %d", rec.AttemptCount)
	}
	if rec.LastError != nil {
		t.Errorf("success should clear the recorded error, got %v", *rec.LastError)
	}
}
