// Package store is the alert persistence core: schema management, the
// atomic dedup insert, and the read paths a single area's database serves.
// Grounded on jordigilh-kubernaut's datastorage repositories, which wrap a
// *sqlx.DB around jackc/pgx/v5 for parameterized queries and struct
// scanning — generalized here from that repo's broad repository set down
// to this system's single alert_samples table.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/plantops/telemetry-backbone/internal/alerts"
	"github.com/plantops/telemetry-backbone/internal/domainerr"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS alert_samples (
	id             UUID PRIMARY KEY,
	client_id      TEXT NOT NULL,
	site           TEXT NOT NULL,
	timestamp      TIMESTAMPTZ NOT NULL,
	tag_name       TEXT NOT NULL,
	value          DOUBLE PRECISION NOT NULL,
	desvio         TEXT NOT NULL,
	alerts_count   INTEGER NOT NULL DEFAULT 0,
	unidade        TEXT NOT NULL DEFAULT '',
	recipients     JSONB NOT NULL DEFAULT '[]',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);`

const schemaIndexClientTimestamp = `
CREATE INDEX IF NOT EXISTS idx_alert_samples_client_ts
	ON alert_samples (client_id, timestamp DESC);`

const schemaIndexDedupLookup = `
CREATE INDEX IF NOT EXISTS idx_alert_samples_dedup
	ON alert_samples (client_id, site, tag_name, desvio, timestamp);`

// Store is the persistence core for one area's alert database.
type Store struct {
	db           *sqlx.DB
	schemaReady  atomic.Bool
}

// New wraps db. The caller owns db's lifecycle (Close, pooling limits).
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema runs the idempotent DDL exactly once per process per Store,
// guarded by an atomic flag rather than re-issuing CREATE TABLE IF NOT
// EXISTS on every call.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s.schemaReady.Load() {
		return nil
	}
	for _, stmt := range []string{schemaDDL, schemaIndexClientTimestamp, schemaIndexDedupLookup} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	s.schemaReady.Store(true)
	return nil
}

const insertIfNotRecentSQL = `
INSERT INTO alert_samples (id, client_id, site, timestamp, tag_name, value, desvio, alerts_count, unidade, recipients)
SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10
WHERE NOT EXISTS (
	SELECT 1 FROM alert_samples
	WHERE client_id = $2 AND site = $3 AND tag_name = $5 AND desvio = $7
	  AND timestamp BETWEEN $4 - $11::interval AND $4
)
RETURNING id, client_id, site, timestamp, tag_name, value, desvio, alerts_count, unidade, recipients, created_at;`

// InsertIfNotRecent performs the atomic existence-check-then-insert
// described in spec.md §4.7: the NOT EXISTS subquery and the insert share
// one statement, so two concurrent callers racing on the same dedup tuple
// cannot both succeed. Returns (nil, nil) when the row was suppressed as a
// duplicate within dedupWindow.
func (s *Store) InsertIfNotRecent(ctx context.Context, sample alerts.Sample, dedupWindow time.Duration) (*alerts.Sample, error) {
	recipientsJSON, err := json.Marshal(sample.Recipients)
	if err != nil {
		return nil, domainerr.Wrap(domainerr.Validation, err, "marshal recipients")
	}

	row := s.db.QueryRowxContext(ctx, insertIfNotRecentSQL,
		sample.ID, sample.ClientID, sample.Site, sample.Timestamp, sample.TagName,
		sample.Value, sample.Desvio, sample.AlertsCount, sample.Unidade,
		string(recipientsJSON), intervalLiteral(dedupWindow),
	)

	var saved alerts.Sample
	if err := row.StructScan(&saved); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, domainerr.Wrap(domainerr.Database, err, "insert alert sample")
	}
	if err := json.Unmarshal(saved.RawRecipients, &saved.Recipients); err != nil {
		return nil, domainerr.Wrap(domainerr.Database, err, "unmarshal recipients")
	}
	return &saved, nil
}

// intervalLiteral renders d as a Postgres interval literal string, since
// the dedup window is computed in Go but the comparison happens in SQL.
func intervalLiteral(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}

// FindByFilters returns samples matching every non-empty filter (string
// filters are trimmed first), newest first, limited per alerts.ClampLimit.
func (s *Store) FindByFilters(ctx context.Context, filters alerts.Filters) ([]alerts.Sample, error) {
	query := `SELECT id, client_id, site, timestamp, tag_name, value, desvio, alerts_count, unidade, recipients, created_at
		FROM alert_samples WHERE 1=1`
	args := []any{}
	add := func(clause string, arg any) {
		args = append(args, arg)
		query += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}

	if v := strings.TrimSpace(filters.ClientID); v != "" {
		add("client_id =", v)
	}
	if v := strings.TrimSpace(filters.TagName); v != "" {
		add("tag_name =", v)
	}
	if v := strings.TrimSpace(filters.Site); v != "" {
		add("site =", v)
	}
	if filters.StartDate != nil {
		add("timestamp >=", *filters.StartDate)
	}
	if filters.EndDate != nil {
		add("timestamp <=", *filters.EndDate)
	}

	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d", len(args)+1)
	args = append(args, alerts.ClampLimit(filters.Limit))

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, domainerr.Wrap(domainerr.Database, err, "find alerts by filters")
	}
	defer rows.Close()

	var out []alerts.Sample
	for rows.Next() {
		var sample alerts.Sample
		if err := rows.StructScan(&sample); err != nil {
			return nil, domainerr.Wrap(domainerr.Database, err, "scan alert sample")
		}
		if err := json.Unmarshal(sample.RawRecipients, &sample.Recipients); err != nil {
			return nil, domainerr.Wrap(domainerr.Database, err, "unmarshal recipients")
		}
		out = append(out, sample)
	}
	return out, rows.Err()
}

const summarySQL = `
SELECT
	COALESCE(desvio, 'UNKNOWN')         AS desvio,
	COALESCE(tag_name, '(sem tag)')     AS tag_name,
	GROUPING(desvio)                    AS desvio_rolled_up,
	GROUPING(tag_name)                  AS tag_rolled_up,
	COUNT(*)                            AS count,
	MAX(timestamp)                      AS last_timestamp
FROM alert_samples
WHERE client_id = $1
GROUP BY GROUPING SETS ((desvio), (tag_name), ());`

type summaryRow struct {
	Desvio         string     `db:"desvio"`
	TagName        string     `db:"tag_name"`
	DesvioRolledUp int        `db:"desvio_rolled_up"`
	TagRolledUp    int        `db:"tag_rolled_up"`
	Count          int        `db:"count"`
	LastTimestamp  *time.Time `db:"last_timestamp"`
}

// SummarizeByClient aggregates alert_samples for clientID by level and by
// tag in a single GROUPING SETS query, per spec.md §4.7.
func (s *Store) SummarizeByClient(ctx context.Context, clientID string) (alerts.Summary, error) {
	summary := alerts.Summary{
		ClientID: clientID,
		ByLevel:  map[string]int{},
		ByTag:    map[string]int{},
	}

	rows, err := s.db.QueryxContext(ctx, summarySQL, clientID)
	if err != nil {
		return summary, domainerr.Wrap(domainerr.Database, err, "summarize alerts by client")
	}
	defer rows.Close()

	for rows.Next() {
		var r summaryRow
		if err := rows.StructScan(&r); err != nil {
			return summary, domainerr.Wrap(domainerr.Database, err, "scan alert summary row")
		}
		if r.LastTimestamp != nil && (summary.LastTimestamp == nil || r.LastTimestamp.After(*summary.LastTimestamp)) {
			summary.LastTimestamp = r.LastTimestamp
		}
		switch {
		case r.DesvioRolledUp == 1 && r.TagRolledUp == 1:
			summary.Total = r.Count
		case r.DesvioRolledUp == 0 && r.TagRolledUp == 1:
			summary.ByLevel[r.Desvio] = r.Count
		case r.DesvioRolledUp == 1 && r.TagRolledUp == 0:
			summary.ByTag[r.TagName] += r.Count
		}
	}
	return summary, rows.Err()
}

func isNoRows(err error) bool {
	return err != nil && err.Error() == "sql: no rows in result set"
}

// IsUndefinedTable reports whether err is Postgres SQLSTATE 42P01
// (undefined_table), the signal the multi-DB fan-out in internal/alerts/fanout
// uses to tolerate areas whose database has never had a schema applied.
func IsUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	if ok := asPgError(err, &pgErr); ok {
		return pgErr.Code == "42P01"
	}
	return false
}

func asPgError(err error, target **pgconn.PgError) bool {
	for err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok {
			*target = pgErr
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
