package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/streamkeep/streamkeep/internal/asset"
)

// WebhookObserver posts a summary of every asset snapshot to a webhook URL.
type WebhookObserver struct {
	WebhookURL string
	Client     *http.Client
	Logger     *slog.Logger
}

type webhookPayload struct {
	Assets []webhookAsset `json:"assets"`
}

type webhookAsset struct {
	ID       string  `json:"id"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
}

// AssetsChanged satisfies the broadcaster's Observer shape. Delivery happens
// off the broadcasting goroutine so a slow webhook cannot stall state
// transitions, and errors are logged, never surfaced.
func (w *WebhookObserver) AssetsChanged(assets []asset.Record) {
	go func() {
		if err := w.notify(assets); err != nil {
			logger := w.Logger
			if logger == nil {
				logger = slog.Default()
			}

			logger.Error("failed to deliver webhook notification", "err", err)
		}
	}()
}

func (w *WebhookObserver) notify(assets []asset.Record) error {
	if w.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := webhookPayload{Assets: make([]webhookAsset, 0, len(assets))}
	for _, a := range assets {
		payload.Assets = append(payload.Assets, webhookAsset{
			ID:       a.ID,
			Status:   string(a.Status),
			Progress: a.Progress,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Post(w.WebhookURL, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}
