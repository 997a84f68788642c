package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/developingchet/vrc-instance-guard/internal/metrics"
	"github.com/rs/zerolog"
)

// WebhookConfig holds webhook delivery parameters.
type WebhookConfig struct {
	URL string
	// QueueSize bounds the pending queue. When full, the oldest pending
	// notification is dropped in favour of the newest.
	QueueSize int
	// MinInterval spaces consecutive deliveries.
	MinInterval time.Duration
	// MaxRetries bounds delivery attempts per notification; backoff between
	// attempts grows linearly from RetryBase.
	MaxRetries int
	RetryBase  time.Duration
}

// Webhook posts notifications as Discord-compatible embeds. Notify only
// enqueues; Start runs the single delivery worker.
type Webhook struct {
	cfg   WebhookConfig
	http  *http.Client
	queue chan Notification
	log   zerolog.Logger
}

func NewWebhook(cfg WebhookConfig, log zerolog.Logger) *Webhook {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	return &Webhook{
		cfg:   cfg,
		http:  &http.Client{Timeout: 15 * time.Second},
		queue: make(chan Notification, cfg.QueueSize),
		log:   log,
	}
}

func (w *Webhook) Name() string { return "webhook" }

// Notify enqueues without blocking. A full queue sheds the oldest entry so
// the freshest alert always gets a slot.
func (w *Webhook) Notify(ctx context.Context, n Notification) error {
	for {
		select {
		case w.queue <- n:
			metrics.WebhookQueueDepth.Set(float64(len(w.queue)))
			return nil
		default:
		}
		select {
		case dropped := <-w.queue:
			metrics.WebhookDropped.WithLabelValues("queue_full").Inc()
			w.log.Warn().Str("subject", dropped.SubjectID).Msg("webhook queue full, dropped oldest")
		default:
		}
	}
}

// Start delivers queued notifications until ctx is cancelled.
func (w *Webhook) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-w.queue:
			metrics.WebhookQueueDepth.Set(float64(len(w.queue)))
			w.deliver(ctx, n)
			if w.cfg.MinInterval > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(w.cfg.MinInterval):
				}
			}
		}
	}
}

// deliver attempts the POST with linear backoff, dropping after MaxRetries.
func (w *Webhook) deliver(ctx context.Context, n Notification) {
	for attempt := 1; attempt <= w.cfg.MaxRetries; attempt++ {
		err := w.post(ctx, n)
		if err == nil {
			metrics.WebhookDeliveries.WithLabelValues("ok").Inc()
			return
		}
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		w.log.Warn().Err(err).Int("attempt", attempt).
			Str("subject", n.SubjectID).Msg("webhook delivery failed")
		if attempt == w.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * w.cfg.RetryBase):
		}
	}
	metrics.WebhookDropped.WithLabelValues("retries_exhausted").Inc()
	w.log.Error().Str("subject", n.SubjectID).Msg("webhook delivery abandoned")
}

func (w *Webhook) post(ctx context.Context, n Notification) error {
	body, err := json.Marshal(embedPayload(n))
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// severityColors are Discord embed sidebar colors per severity.
var severityColors = map[string]int{
	"low":    0xf1c40f,
	"medium": 0xe67e22,
	"high":   0xe74c3c,
}

func embedPayload(n Notification) map[string]any {
	color, ok := severityColors[n.Severity]
	if !ok {
		color = 0x95a5a6
	}
	embed := map[string]any{
		"title":       n.Summary,
		"description": strings.Join(n.Details, "\n"),
		"color":       color,
		"timestamp":   n.At.UTC().Format(time.RFC3339),
		"footer": map[string]any{
			"text": n.SubjectID,
		},
	}
	return map[string]any{"embeds": []any{embed}}
}
