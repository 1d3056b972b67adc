// Package alerts holds the alert domain model shared by the persistence
// core, the processing use case, and the multi-DB read fan-out.
package alerts

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Desvio is the closed set of deviation levels. LL/HH are critical,
// L/H are warnings, UNKNOWN covers anything unrecognized.
type Desvio string

const (
	DesvioLL      Desvio = "LL"
	DesvioL       Desvio = "L"
	DesvioH       Desvio = "H"
	DesvioHH      Desvio = "HH"
	DesvioUnknown Desvio = "UNKNOWN"
)

// KnownDesvios is the validation set for Desvio values.
var KnownDesvios = map[Desvio]bool{
	DesvioLL: true, DesvioL: true, DesvioH: true, DesvioHH: true, DesvioUnknown: true,
}

// NormalizeDesvio uppercases and falls back to UNKNOWN for anything not in
// KnownDesvios, matching the summary aggregation rule in spec.md §4.7.
func NormalizeDesvio(raw string) Desvio {
	d := Desvio(strings.ToUpper(raw))
	if KnownDesvios[d] {
		return d
	}
	return DesvioUnknown
}

// Payload is the wire shape of an alert envelope payload, as published by
// the OPC-UA sampling loop or any other producer.
type Payload struct {
	MsgID         uuid.UUID `json:"msgId"`
	Timestamp     time.Time `json:"ts"`
	Site          string    `json:"site,omitempty"`
	ClientID      string    `json:"clientId"`
	TagName       string    `json:"tagName"`
	Value         float64   `json:"value"`
	Desvio        string    `json:"desvio"`
	AlertsCount   int       `json:"alertsCount"`
	Unidade       string    `json:"unidade"`
	Recipients    []string  `json:"recipients"`
	DedupWindowMs *int64    `json:"dedupWindowMs,omitempty"`
}

// Sample is a persisted alert row. Immutable after insert.
type Sample struct {
	ID          uuid.UUID `db:"id" json:"id"`
	ClientID    string    `db:"client_id" json:"clientId"`
	Site        string    `db:"site" json:"site"`
	Timestamp   time.Time `db:"timestamp" json:"timestamp"`
	TagName     string    `db:"tag_name" json:"tagName"`
	Value       float64   `db:"value" json:"value"`
	Desvio      string    `db:"desvio" json:"desvio"`
	AlertsCount int       `db:"alerts_count" json:"alertsCount"`
	Unidade     string    `db:"unidade" json:"unidade"`
	Recipients  []string  `db:"-" json:"recipients"`
	RawRecipients []byte  `db:"recipients" json:"-"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// Summary is the per-client aggregate described in spec.md §3.1.
type Summary struct {
	ClientID      string         `json:"clientId"`
	Total         int            `json:"total"`
	ByLevel       map[string]int `json:"byLevel"`
	ByTag         map[string]int `json:"byTag"`
	LastTimestamp *time.Time     `json:"lastTimestamp"`
}

// Filters is the AND-combined filter set for FindByFilters.
type Filters struct {
	ClientID  string
	Limit     int
	TagName   string
	Site      string
	StartDate *time.Time
	EndDate   *time.Time
}

const (
	DefaultLimit = 100
	MaxLimit     = 500
)

// ClampLimit applies the [1,500] clamp and 100 default from spec.md §4.7.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
