// Package notify sends operational notices to a Discord-compatible webhook.
// Delivery is best effort: failures are logged and never propagate into the
// reporting pipeline.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Notifier posts messages to a webhook URL. A Notifier with an empty URL is
// disabled and all sends are no-ops.
type Notifier struct {
	url        string
	serverID   string
	httpClient *http.Client
}

// New creates a notifier; pass an empty URL to disable notifications
func New(url, serverID string) *Notifier {
	return &Notifier{
		url:      url,
		serverID: serverID,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Enabled reports whether a webhook URL is configured
func (n *Notifier) Enabled() bool {
	return n.url != ""
}

// Send posts a message to the webhook
func (n *Notifier) Send(ctx context.Context, message string) {
	if !n.Enabled() {
		return
	}

	noticeID := uuid.NewString()

	if n.serverID != "" {
		message = fmt.Sprintf("[%s] %s", n.serverID, message)
	}

	payload, err := json.Marshal(map[string]string{"content": message})
	if err != nil {
		log.Error().Str("notice_id", noticeID).Err(err).Msg("Failed to encode webhook payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		log.Error().Str("notice_id", noticeID).Err(err).Msg("Failed to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		log.Warn().Str("notice_id", noticeID).Err(err).Msg("Webhook delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Warn().
			Str("notice_id", noticeID).
			Int("status", resp.StatusCode).
			Msg("Webhook returned non-success status")
		return
	}

	log.Debug().Str("notice_id", noticeID).Msg("Webhook notice delivered")
}

// SendSummary posts the lifetime outcome counters
func (n *Notifier) SendSummary(ctx context.Context, sent, queued, skipped, failed int64) {
	n.Send(ctx, fmt.Sprintf(
		"Report summary: %d sent, %d queued, %d skipped, %d failed.",
		sent, queued, skipped, failed,
	))
}
