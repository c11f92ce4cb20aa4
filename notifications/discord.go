// Package notifications delivers queued alerts to Discord webhooks.
package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"binance-cvd-pipeline/database"
	"binance-cvd-pipeline/helpers"
)

// AlertService posts alert messages to a single Discord webhook.
// Delivery retries here are short and internal; the durable retry
// budget lives in the alert queue.
type AlertService struct {
	repo       *database.Repository
	webhookURL string
	maxRetries int
	retryDelay time.Duration
	client     *http.Client
}

// discordMessage is the minimal webhook payload Discord accepts
type discordMessage struct {
	Content string `json:"content"`
}

// NewAlertService creates a Discord alert sink
func NewAlertService(repo *database.Repository, webhookURL string, maxRetries, retryDelayMs int) *AlertService {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &AlertService{
		repo:       repo,
		webhookURL: webhookURL,
		maxRetries: maxRetries,
		retryDelay: time.Duration(retryDelayMs) * time.Millisecond,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SendCvdAlert formats and delivers one queued alert. On success the
// alert is recorded in alert_history; on final failure the error is
// returned so the queue can count the attempt.
func (as *AlertService) SendCvdAlert(alert database.AlertQueueRecord) error {
	message := FormatCvdMessage(alert)

	if err := as.post(message); err != nil {
		return err
	}

	hist := database.AlertHistoryRecord{
		AlertType:   alert.AlertType,
		Symbol:      alert.Symbol,
		Timestamp:   alert.Timestamp,
		Payload:     alert.Payload,
		DeliveredAt: time.Now().UnixMilli(),
	}
	if err := as.repo.InsertAlertHistory(hist); err != nil {
		// Delivery already happened, so only log the bookkeeping miss
		log.Printf("⚠️  Failed to record alert history for %s: %v", alert.Symbol, err)
	}
	return nil
}

func (as *AlertService) post(content string) error {
	body, err := json.Marshal(discordMessage{Content: content})
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= as.maxRetries; attempt++ {
		if attempt > 1 {
			time.Sleep(as.retryDelay)
		}

		req, err := http.NewRequest(http.MethodPost, as.webhookURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build discord request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := as.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("discord returned HTTP %d", resp.StatusCode)
	}
	return fmt.Errorf("discord delivery failed after %d attempts: %w", as.maxRetries, lastErr)
}

// FormatCvdMessage renders the alert as a single Discord message line.
// Example: "🚨 CVD ALERT! BTC-CVD | Z-Score: 3.42 (cumulative) | CVD: $1.2M | Delta: -$340k"
func FormatCvdMessage(alert database.AlertQueueRecord) string {
	var b strings.Builder

	fmt.Fprintf(&b, "🚨 CVD ALERT! %s", alert.Symbol)
	fmt.Fprintf(&b, " | Z-Score: %.2f (%s)", alert.TriggerZScore, alert.TriggerSource)
	fmt.Fprintf(&b, " | CVD: %s", signedCompact(alert.CumulativeVal))
	fmt.Fprintf(&b, " | Delta: %s", signedCompact(alert.Delta))
	fmt.Fprintf(&b, " | Threshold: %.2f", alert.Threshold)
	fmt.Fprintf(&b, " | <t:%d:T>", alert.Timestamp/1000)

	return b.String()
}

func signedCompact(v float64) string {
	if v < 0 {
		return "-$" + helpers.FormatCompact(-v)
	}
	return "$" + helpers.FormatCompact(v)
}
