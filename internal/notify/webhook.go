// Package notify implements the scheduler's outbound notification sink: a
// plain JSON webhook POST. The pack's dependency set carries
// github.com/slack-go/slack (pulled in by jordigilh-kubernaut) but no
// source file in that repo actually imports it — there's nothing to
// ground a Slack-specific client on, so this sink talks the one wire
// format every webhook receiver (Slack incoming webhooks included)
// already accepts: a JSON POST to a configured URL.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/plantops/telemetry-backbone/internal/alerts"
	"github.com/plantops/telemetry-backbone/internal/scheduler"
)

// Webhook delivers scheduler notifications as a JSON POST. A zero-value
// URL makes every Send a no-op success, so a deployment can run the
// scheduler in notify mode without a configured sink wired up yet.
type Webhook struct {
	URL    string
	Client *http.Client
	logger zerolog.Logger
}

// New builds a Webhook sink posting to url via client, defaulting client
// to a 10 second timeout when nil.
func New(url string, client *http.Client, logger zerolog.Logger) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{URL: url, Client: client, logger: logger.With().Str("component", "notify.webhook").Logger()}
}

type payload struct {
	ClientID string          `json:"clientId"`
	TagName  string          `json:"tagName"`
	Desvio   string          `json:"desvio"`
	Count    int             `json:"count"`
	Samples  []alerts.Sample `json:"samples"`
}

// Send implements scheduler.Notifier.
func (w *Webhook) Send(ctx context.Context, clientID string, group scheduler.AlertGroup) error {
	if w.URL == "" {
		w.logger.Debug().Str("client_id", clientID).Msg("no webhook url configured, skipping delivery")
		return nil
	}

	body, err := json.Marshal(payload{
		ClientID: clientID,
		TagName:  group.TagName,
		Desvio:   group.Desvio,
		Count:    len(group.Samples),
		Samples:  group.Samples,
	})
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
