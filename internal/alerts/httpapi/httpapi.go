// Package httpapi exposes the two read endpoints spec.md §3 names as the
// HTTP surface's consumed contract: a per-client alert summary, and the
// filtered, fanned-out list of alerts sent. The HTTP framework itself is
// out of scope (spec.md §1); this package wires plain net/http handlers
// against the domain layers beneath it.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/plantops/telemetry-backbone/internal/alerts"
	"github.com/plantops/telemetry-backbone/internal/alerts/fanout"
	"github.com/plantops/telemetry-backbone/internal/domainerr"
)

// Summarizer is the subset of internal/alerts/fanout.Reader the summary
// handler needs. A client's alerts aren't pinned to one area database, so
// this is the cross-area summary, not internal/alerts/store.Store's
// single-area one.
type Summarizer interface {
	SummarizeAllAreas(ctx context.Context, clientID string) (alerts.Summary, error)
}

// Fanout is the subset of internal/alerts/fanout.Reader the alerts-sent
// handler needs.
type Fanout interface {
	GetAlertsFromAllAreas(ctx context.Context, q fanout.Query) ([]alerts.Sample, error)
}

// Handlers bundles the read-path dependencies behind the two endpoints.
type Handlers struct {
	summarizer Summarizer
	fanout     Fanout
	logger     zerolog.Logger
}

// New builds Handlers.
func New(summarizer Summarizer, fanout Fanout, logger zerolog.Logger) *Handlers {
	return &Handlers{summarizer: summarizer, fanout: fanout, logger: logger}
}

// Register wires both endpoints into mux using Go 1.22+ path patterns.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{clientId}/alerts-summary", h.AlertsSummary)
	mux.HandleFunc("GET /{clientId}/alerts-sent", h.AlertsSent)
}

// AlertsSummary serves GET /:clientId/alerts-summary.
func (h *Handlers) AlertsSummary(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientId")
	summary, err := h.summarizer.SummarizeAllAreas(r.Context(), clientID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// AlertsSent serves GET /:clientId/alerts-sent. Date parts, tzOffsetMinutes
// composition, and partial-window rules are the HTTP front-end's job per
// spec.md §4.10; this handler accepts only the already-resolved RFC 3339
// startDate/endDate plus limit/tagName/site. tagName and site are forwarded
// as given; limit is clamped via alerts.ClampLimit; a missing or
// unparseable startDate defaults to one hour ago; an unparseable endDate is
// dropped.
func (h *Handlers) AlertsSent(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientId")
	q := fanout.Query{
		ClientID: clientID,
		TagName:  r.URL.Query().Get("tagName"),
		Site:     r.URL.Query().Get("site"),
		Limit:    alerts.ClampLimit(parseIntOr(r.URL.Query().Get("limit"), 0)),
	}

	if start := parseTime(r.URL.Query().Get("startDate")); start != nil {
		q.StartDate = start
	} else {
		defaultStart := time.Now().Add(-time.Hour)
		q.StartDate = &defaultStart
	}
	if end := parseTime(r.URL.Query().Get("endDate")); end != nil {
		q.EndDate = end
	}

	samples, err := h.fanout.GetAlertsFromAllAreas(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func parseIntOr(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func parseTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}

type errorBody struct {
	Error struct {
		Name         string         `json:"name"`
		Message      string         `json:"message"`
		Category     string         `json:"category"`
		Retryable    bool           `json:"retryable"`
		IsOperational bool          `json:"isOperational"`
		Timestamp    time.Time      `json:"timestamp"`
		Details      map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

// writeError maps a domain error to the HTTP status/body shape spec.md
// §7 describes. A non-domain error degrades to 500/UNKNOWN.
func writeError(w http.ResponseWriter, err error) {
	de, ok := domainerr.As(err)
	if !ok {
		de = domainerr.Wrap(domainerr.Unknown, err, "unclassified error")
	}

	body := errorBody{}
	body.Error.Name = string(de.Kind)
	body.Error.Message = de.Message
	body.Error.Category = string(de.Kind)
	body.Error.Retryable = de.Retryable
	body.Error.IsOperational = true
	body.Error.Timestamp = de.Timestamp
	body.Error.Details = de.Details

	writeJSON(w, domainerr.HTTPStatus(de.Kind), body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
