package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/jmoiron/sqlx"

	"github.com/plantops/telemetry-backbone/internal/domainerr"
)

// Per spec.md §1, per-sample telemetry storage is a simple append model,
// not a query engine: unlike the alert store's dedup insert and read
// fan-out, this is a single unconditional INSERT with no uniqueness
// constraint beyond the msgId primary key and no read path beyond what
// operators run by hand.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS telemetry_samples (
	id          UUID PRIMARY KEY,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	ts          TIMESTAMPTZ NOT NULL,
	site        TEXT NOT NULL,
	line        TEXT NOT NULL,
	host_id     TEXT NOT NULL,
	client_id   TEXT NOT NULL,
	tags        JSONB NOT NULL
);`

const schemaIndexClientTs = `
CREATE INDEX IF NOT EXISTS idx_telemetry_samples_client_ts
	ON telemetry_samples (client_id, ts DESC);`

const insertSQL = `
INSERT INTO telemetry_samples (id, ts, site, line, host_id, client_id, tags)
VALUES ($1, $2, $3, $4, $5, $6, $7);`

// Store appends telemetry samples to a single telemetry database; unlike
// the alert store, telemetry is not partitioned per area.
type Store struct {
	db          *sqlx.DB
	schemaReady atomic.Bool
}

// New wraps db. The caller owns db's lifecycle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema runs the idempotent DDL once per process per Store.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s.schemaReady.Load() {
		return nil
	}
	for _, stmt := range []string{schemaDDL, schemaIndexClientTs} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure telemetry schema: %w", err)
		}
	}
	s.schemaReady.Store(true)
	return nil
}

// Append inserts one telemetry message. No dedup, no existence check —
// every message the consumer accepts is appended exactly once.
func (s *Store) Append(ctx context.Context, msg Message) error {
	tagsJSON, err := json.Marshal(msg.Tags)
	if err != nil {
		return domainerr.Wrap(domainerr.Validation, err, "marshal telemetry tags")
	}

	if _, err := s.db.ExecContext(ctx, insertSQL,
		msg.MsgID, msg.Ts, msg.Site, msg.Line, msg.HostID, msg.ClientID, string(tagsJSON),
	); err != nil {
		return domainerr.Wrap(domainerr.Database, err, "append telemetry sample")
	}
	return nil
}
