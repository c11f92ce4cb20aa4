package database

import (
	"strings"
	"testing"
	"time"
)

func enqueueTestAlert(t *testing.T, repo *Repository, symbol string, ts int64) int64 {
	t.Helper()
	id, err := repo.EnqueueAlert(AlertQueueRecord{
		AlertType:     "CVD_ZSCORE",
		Symbol:        symbol,
		Timestamp:     ts,
		TriggerSource: TriggerCumulative,
		TriggerZScore: 10,
		Threshold:     2,
		Payload:       `{"aggregatorId":"` + symbol + `"}`,
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	return id
}

func TestPendingAlertsOrderedByTimestampThenID(t *testing.T) {
	repo := openTestDB(t)

	idLate := enqueueTestAlert(t, repo, "BTC-CVD", 300)
	idEarly := enqueueTestAlert(t, repo, "ETH-CVD", 100)
	idSameTS := enqueueTestAlert(t, repo, "SOL-CVD", 100)

	pending, err := repo.GetPendingAlerts(10)
	if err != nil {
		t.Fatalf("read pending failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}
	if pending[0].ID != idEarly || pending[1].ID != idSameTS || pending[2].ID != idLate {
		t.Fatalf("wrong drain order: %d %d %d", pending[0].ID, pending[1].ID, pending[2].ID)
	}
}

func TestAlertAttemptAndSuccess(t *testing.T) {
	repo := openTestDB(t)
	id := enqueueTestAlert(t, repo, "BTC-CVD", 100)

	if err := repo.MarkAlertAttempt(id); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	if err := repo.MarkAlertFailure(id, "HTTP 500"); err != nil {
		t.Fatalf("failure mark failed: %v", err)
	}

	got, err := repo.GetAlertByID(id)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got.AttemptCount != 1 || got.LastError == nil || *got.LastError != "HTTP 500" {
		t.Fatalf("unexpected state after failure: %+v", got)
	}
	if got.ProcessedAt != nil {
		t.Fatal("failed entry must stay pending")
	}

	// Second attempt succeeds: processed, error cleared
	if err := repo.MarkAlertAttempt(id); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	if err := repo.MarkAlertProcessed(id, true); err != nil {
		t.Fatalf("processed mark failed: %v", err)
	}

	got, _ = repo.GetAlertByID(id)
	if got.ProcessedAt == nil || got.LastError != nil || got.AttemptCount != 2 {
		t.Fatalf("unexpected state after success: %+v", got)
	}

	pending, _ := repo.GetPendingAlerts(10)
	if len(pending) != 0 {
		t.Fatalf("processed entry still pending: %+v", pending)
	}
}

func TestAlertTerminalFailureKeepsError(t *testing.T) {
	repo := openTestDB(t)
	id := enqueueTestAlert(t, repo, "BTC-CVD", 100)

	if err := repo.MarkAlertFailure(id, "Retry limit reached"); err != nil {
		t.Fatalf("failure mark failed: %v", err)
	}
	if err := repo.MarkAlertProcessed(id, false); err != nil {
		t.Fatalf("terminal mark failed: %v", err)
	}

	got, err := repo.GetAlertByID(id)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got.ProcessedAt == nil {
		t.Fatal("terminal entry must be settled")
	}
	if got.LastError == nil || *got.LastError != "Retry limit reached" {
		t.Fatalf("terminal entry lost its error: %+v", got.LastError)
	}
}

func TestAlertFailureMessageTruncated(t *testing.T) {
	repo := openTestDB(t)
	id := enqueueTestAlert(t, repo, "BTC-CVD", 100)

	long := strings.Repeat("x", 2000)
	if err := repo.MarkAlertFailure(id, long); err != nil {
		t.Fatalf("failure mark failed: %v", err)
	}

	got, _ := repo.GetAlertByID(id)
	if got.LastError == nil || len(*got.LastError) != maxAlertErrorLen {
		t.Fatalf("expected %d-char error, got %d", maxAlertErrorLen, len(*got.LastError))
	}
}

func TestHasRecentAlertOrPending(t *testing.T) {
	repo := openTestDB(t)
	now := time.Now().UnixMilli()

	// Nothing yet
	got, err := repo.HasRecentAlertOrPending("CVD_ZSCORE", "BTC-CVD", now-1000)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if got {
		t.Fatal("empty store must not suppress")
	}

	// A pending entry suppresses regardless of age
	id := enqueueTestAlert(t, repo, "BTC-CVD", now-10*60*1000)
	got, _ = repo.HasRecentAlertOrPending("CVD_ZSCORE", "BTC-CVD", now)
	if !got {
		t.Fatal("pending entry must suppress")
	}

	// Other aggregators are unaffected
	got, _ = repo.HasRecentAlertOrPending("CVD_ZSCORE", "ETH-CVD", now-1000)
	if got {
		t.Fatal("suppression leaked across aggregators")
	}

	// Settled with recent history: still suppressed via history
	if err := repo.MarkAlertProcessed(id, true); err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if err := repo.InsertAlertHistory(AlertHistoryRecord{
		AlertType: "CVD_ZSCORE", Symbol: "BTC-CVD", Timestamp: now, Payload: "{}",
	}); err != nil {
		t.Fatalf("history insert failed: %v", err)
	}
	got, _ = repo.HasRecentAlertOrPending("CVD_ZSCORE", "BTC-CVD", now-1000)
	if !got {
		t.Fatal("recent history must suppress")
	}

	// Outside the window: free to alert again
	got, _ = repo.HasRecentAlertOrPending("CVD_ZSCORE", "BTC-CVD", now+1000)
	if got {
		t.Fatal("history outside the window must not suppress")
	}
}
