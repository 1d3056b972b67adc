// Package telemetry holds the wire model for telemetry envelopes published
// by the OPC-UA sampling loop and consumed by the per-area telemetry
// workers.
package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// EnrichedTag carries an OPC-UA read's value alongside its metadata.
type EnrichedTag struct {
	Value            any        `json:"value"`
	BrowseName       string     `json:"browseName"`
	DisplayName      string     `json:"displayName"`
	Description      string     `json:"description"`
	DataType         string     `json:"dataType"`
	StatusCode       string     `json:"statusCode"`
	SourceTimestamp  *time.Time `json:"sourceTimestamp"`
	ServerTimestamp  *time.Time `json:"serverTimestamp"`
	MinValue         *float64   `json:"minValue"`
	MaxValue         *float64   `json:"maxValue"`
}

// Message is the telemetry envelope payload.
type Message struct {
	MsgID    uuid.UUID              `json:"msgId"`
	Ts       time.Time              `json:"ts"`
	Site     string                 `json:"site"`
	Line     string                 `json:"line"`
	HostID   string                 `json:"hostId"`
	ClientID string                 `json:"clientId"`
	Tags     map[string]EnrichedTag `json:"tags"`
}
