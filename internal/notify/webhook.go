package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tickwatch/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

type WebhookConfig struct {
	URL     string
	Secret  string
	Kinds   []string
	Timeout time.Duration
}

// Webhook POSTs outcomes to a URL.
type Webhook struct {
	url    string
	secret string
	filter kindFilter
	client *http.Client
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &Webhook{
		url:    cfg.URL,
		secret: cfg.Secret,
		filter: newKindFilter(cfg.Kinds),
		client: &http.Client{Timeout: timeout},
	}
}

type webhookBody struct {
	Type       string    `json:"type"`
	PassID     string    `json:"pass_id"`
	TaskID     string    `json:"task_id"`
	ProjectID  string    `json:"project_id"`
	Title      string    `json:"title"`
	OccurredAt time.Time `json:"occurred_at"`
	DetectedAt time.Time `json:"detected_at"`
}

func (w *Webhook) Notify(ctx context.Context, o domain.Outcome) error {
	if !w.filter.match(o.Kind) {
		return nil
	}
	evtType := "task." + string(o.Kind)
	data, err := json.Marshal(webhookBody{
		Type:       evtType,
		PassID:     o.PassID,
		TaskID:     o.TaskID,
		ProjectID:  o.ProjectID,
		Title:      o.Title,
		OccurredAt: o.OccurredAt,
		DetectedAt: o.DetectedAt,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tickwatch-Event", evtType)
	req.Header.Set("X-Tickwatch-Delivery", o.PassID+":"+o.TaskID)
	if strings.TrimSpace(w.secret) != "" {
		req.Header.Set("X-Tickwatch-Secret", w.secret)
	}
	res, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.url, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook %s: status %d: %s", w.url, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
