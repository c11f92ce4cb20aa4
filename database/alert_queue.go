package database

import (
	"fmt"

	"gorm.io/gorm"
)

// Maximum stored length for delivery error messages
const maxAlertErrorLen = 512

// EnqueueAlert appends a pending alert and returns its queue id
func (r *Repository) EnqueueAlert(rec AlertQueueRecord) (int64, error) {
	var id int64
	err := r.db.WithTransaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`
			INSERT INTO alert_queue
				(alert_type, symbol, timestamp, trigger_source, trigger_z_score,
				 z_score, delta, delta_z_score, threshold, cumulative_value,
				 payload, attempt_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			rec.AlertType, rec.Symbol, rec.Timestamp, rec.TriggerSource, rec.TriggerZScore,
			rec.ZScore, rec.Delta, rec.DeltaZScore, rec.Threshold, rec.CumulativeVal,
			rec.Payload, nowMs()).Error; err != nil {
			return fmt.Errorf("failed to enqueue alert: %w", err)
		}
		return tx.Raw(`SELECT last_insert_rowid()`).Scan(&id).Error
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetPendingAlerts returns up to limit unprocessed entries ordered by
// (timestamp, id). Entries stay pending regardless of prior failures
// until they are marked processed.
func (r *Repository) GetPendingAlerts(limit int) ([]AlertQueueRecord, error) {
	var out []AlertQueueRecord
	err := r.db.db.Raw(`
		SELECT * FROM alert_queue WHERE processed_at IS NULL
		ORDER BY timestamp ASC, id ASC LIMIT ?`, limit).Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read pending alerts: %w", err)
	}
	return out, nil
}

// MarkAlertAttempt increments the attempt counter before a delivery try
func (r *Repository) MarkAlertAttempt(id int64) error {
	return r.db.WithTransaction(func(tx *gorm.DB) error {
		return tx.Exec(`
			UPDATE alert_queue SET attempt_count = attempt_count + 1 WHERE id = ?`, id).Error
	})
}

// MarkAlertProcessed settles a queue entry. With clearError the entry is a
// success and last_error is wiped; without it the entry is terminal and
// the last recorded error is preserved.
func (r *Repository) MarkAlertProcessed(id int64, clearError bool) error {
	return r.db.WithTransaction(func(tx *gorm.DB) error {
		if clearError {
			return tx.Exec(`
				UPDATE alert_queue SET processed_at = ?, last_error = NULL WHERE id = ?`,
				nowMs(), id).Error
		}
		return tx.Exec(`
			UPDATE alert_queue SET processed_at = ? WHERE id = ?`, nowMs(), id).Error
	})
}

// MarkAlertFailure records a delivery error, truncated to 512 chars.
// The entry stays pending.
func (r *Repository) MarkAlertFailure(id int64, message string) error {
	if len(message) > maxAlertErrorLen {
		message = message[:maxAlertErrorLen]
	}
	return r.db.WithTransaction(func(tx *gorm.DB) error {
		return tx.Exec(`UPDATE alert_queue SET last_error = ? WHERE id = ?`, message, id).Error
	})
}

// GetAlertByID reads one queue entry
func (r *Repository) GetAlertByID(id int64) (AlertQueueRecord, error) {
	var out []AlertQueueRecord
	if err := r.db.db.Raw(`SELECT * FROM alert_queue WHERE id = ?`, id).Scan(&out).Error; err != nil {
		return AlertQueueRecord{}, fmt.Errorf("failed to read alert %d: %w", id, err)
	}
	if len(out) == 0 {
		return AlertQueueRecord{}, fmt.Errorf("alert %d not found", id)
	}
	return out[0], nil
}

// HasRecentAlertOrPending reports whether an alert for (alertType, symbol)
// is either still pending in the queue or was delivered at or after
// sinceMs. The CVD worker uses this as its suppression check.
func (r *Repository) HasRecentAlertOrPending(alertType, symbol string, sinceMs int64) (bool, error) {
	var pending int64
	err := r.db.db.Raw(`
		SELECT COUNT(*) FROM alert_queue
		WHERE alert_type = ? AND symbol = ? AND processed_at IS NULL`,
		alertType, symbol).Scan(&pending).Error
	if err != nil {
		return false, fmt.Errorf("failed to check pending alerts: %w", err)
	}
	if pending > 0 {
		return true, nil
	}

	var recent int64
	err = r.db.db.Raw(`
		SELECT COUNT(*) FROM alert_history
		WHERE alert_type = ? AND symbol = ? AND timestamp >= ?`,
		alertType, symbol, sinceMs).Scan(&recent).Error
	if err != nil {
		return false, fmt.Errorf("failed to check alert history: %w", err)
	}
	return recent > 0, nil
}

// InsertAlertHistory appends to the permanent log of delivered alerts
func (r *Repository) InsertAlertHistory(rec AlertHistoryRecord) error {
	return r.db.WithTransaction(func(tx *gorm.DB) error {
		return tx.Exec(`
			INSERT INTO alert_history (alert_type, symbol, timestamp, payload, delivered_at)
			VALUES (?, ?, ?, ?, ?)`,
			rec.AlertType, rec.Symbol, rec.Timestamp, rec.Payload, nowMs()).Error
	})
}
