// Package fanout implements the multi-database read path: a query that
// spans every area's own Postgres database, run concurrently and merged.
// Grounded on the errgroup fan-out-and-join shape pulled into the pack by
// lahsivjar-apm-queue (and several other_examples) for exactly this
// "launch N, collect N, stop at first real error" pattern — except here a
// per-target error never aborts the group, it degrades that target to an
// empty result so one broken area never blanks the whole query.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/plantops/telemetry-backbone/internal/alerts"
	"github.com/plantops/telemetry-backbone/internal/area"
	"github.com/plantops/telemetry-backbone/internal/obs"
)

// AreaDBTarget is one area's database connection parameters.
type AreaDBTarget struct {
	Area     area.Area
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
}

func (t AreaDBTarget) connString() string {
	sslmode := t.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		t.Host, t.Port, t.User, t.Password, t.Database, sslmode)
}

// Query is the filter set a read spans every target database with. The
// HTTP front-end (out of scope) is responsible for any timezone-offset
// arithmetic; by the time a Query reaches here, StartDate/EndDate are
// already absolute UTC instants.
type Query struct {
	Site      string // if set, resolved to a single target via the router
	ClientID  string
	TagName   string
	StartDate *time.Time
	EndDate   *time.Time
	Limit     int
}

// Reader resolves targets and fans a query out across all of them.
type Reader struct {
	router  *area.Router
	targets []AreaDBTarget
	logger  zerolog.Logger
}

// New builds a Reader over the full configured target set. router is used
// only to resolve Query.Site down to one target's canonical slug.
func New(router *area.Router, targets []AreaDBTarget, logger zerolog.Logger) *Reader {
	return &Reader{router: router, targets: targets, logger: logger.With().Str("component", "alerts.fanout").Logger()}
}

// GetAlertsFromAllAreas implements spec.md §4.10: resolve targets, query
// each concurrently, tolerate per-target failure, merge-sort-truncate.
func (r *Reader) GetAlertsFromAllAreas(ctx context.Context, q Query) ([]alerts.Sample, error) {
	targets := r.resolveTargets(q.Site)

	results := make([][]alerts.Sample, len(targets))
	group, groupCtx := errgroup.WithContext(ctx)

	for i, target := range targets {
		i, target := i, target
		group.Go(func() error {
			results[i] = r.queryTarget(groupCtx, target, q)
			return nil // per-target errors never abort the group
		})
	}

	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("fan-out query: %w", err)
	}

	var merged []alerts.Sample
	for _, r := range results {
		merged = append(merged, r...)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp.After(merged[j].Timestamp)
	})

	limit := alerts.ClampLimit(q.Limit)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

const summaryFanoutSQL = `
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

// SummarizeAllAreas runs the same per-level/per-tag GROUPING SETS summary
// internal/alerts/store.Store.SummarizeByClient uses, fanned out across
// every configured area database and merged, since a client's alert
// history is not pinned to a single area. Grounded on the same
// tolerate-and-merge shape as GetAlertsFromAllAreas.
func (r *Reader) SummarizeAllAreas(ctx context.Context, clientID string) (alerts.Summary, error) {
	summary := alerts.Summary{ClientID: clientID, ByLevel: map[string]int{}, ByTag: map[string]int{}}

	results := make([]alerts.Summary, len(r.targets))
	group, groupCtx := errgroup.WithContext(ctx)

	for i, target := range r.targets {
		i, target := i, target
		group.Go(func() error {
			results[i] = r.summarizeTarget(groupCtx, target, clientID)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return summary, fmt.Errorf("fan-out summary: %w", err)
	}

	for _, s := range results {
		summary.Total += s.Total
		for level, count := range s.ByLevel {
			summary.ByLevel[level] += count
		}
		for tag, count := range s.ByTag {
			summary.ByTag[tag] += count
		}
		if s.LastTimestamp != nil && (summary.LastTimestamp == nil || s.LastTimestamp.After(*summary.LastTimestamp)) {
			summary.LastTimestamp = s.LastTimestamp
		}
	}
	return summary, nil
}

func (r *Reader) summarizeTarget(ctx context.Context, target AreaDBTarget, clientID string) alerts.Summary {
	summary := alerts.Summary{ClientID: clientID, ByLevel: map[string]int{}, ByTag: map[string]int{}}

	conn, err := pgx.Connect(ctx, target.connString())
	if err != nil {
		r.logTargetError(target, err)
		return summary
	}
	defer conn.Close(ctx)

	rows, err := conn.Query(ctx, summaryFanoutSQL, clientID)
	if err != nil {
		r.logTargetError(target, err)
		return summary
	}
	defer rows.Close()

	for rows.Next() {
		var row summaryRow
		if err := rows.Scan(&row.Desvio, &row.TagName, &row.DesvioRolledUp, &row.TagRolledUp, &row.Count, &row.LastTimestamp); err != nil {
			r.logTargetError(target, err)
			return summary
		}
		if row.LastTimestamp != nil && (summary.LastTimestamp == nil || row.LastTimestamp.After(*summary.LastTimestamp)) {
			summary.LastTimestamp = row.LastTimestamp
		}
		switch {
		case row.DesvioRolledUp == 1 && row.TagRolledUp == 1:
			summary.Total = row.Count
		case row.DesvioRolledUp == 0 && row.TagRolledUp == 1:
			summary.ByLevel[row.Desvio] = row.Count
		case row.DesvioRolledUp == 1 && row.TagRolledUp == 0:
			summary.ByTag[row.TagName] += row.Count
		}
	}
	if err := rows.Err(); err != nil {
		r.logTargetError(target, err)
	}
	return summary
}

func (r *Reader) resolveTargets(site string) []AreaDBTarget {
	if site == "" {
		return r.targets
	}
	resolved := r.router.ResolveBySite(site)
	var out []AreaDBTarget
	for _, t := range r.targets {
		if t.Area.Slug == resolved.Slug {
			out = append(out, t)
		}
	}
	return out
}

// queryTarget opens a short-lived connection, runs the filtered query, and
// always closes the connection on the way out. Any failure degrades to an
// empty slice rather than propagating — spec.md §4.10 is explicit that a
// broken area must never abort the whole query.
func (r *Reader) queryTarget(ctx context.Context, target AreaDBTarget, q Query) []alerts.Sample {
	conn, err := pgx.Connect(ctx, target.connString())
	if err != nil {
		r.logTargetError(target, err)
		return nil
	}
	defer conn.Close(ctx)

	sqlQuery, args := buildFilteredQuery(q)

	rows, err := conn.Query(ctx, sqlQuery, args...)
	if err != nil {
		r.logTargetError(target, err)
		return nil
	}
	defer rows.Close()

	var out []alerts.Sample
	for rows.Next() {
		var s alerts.Sample
		if err := rows.Scan(&s.ID, &s.ClientID, &s.Site, &s.Timestamp, &s.TagName, &s.Value, &s.Desvio, &s.AlertsCount, &s.Unidade, &s.RawRecipients, &s.CreatedAt); err != nil {
			r.logTargetError(target, err)
			return nil
		}
		if err := json.Unmarshal(s.RawRecipients, &s.Recipients); err != nil {
			r.logTargetError(target, err)
			return nil
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		r.logTargetError(target, err)
		return nil
	}
	return out
}

func (r *Reader) logTargetError(target AreaDBTarget, err error) {
	fields := r.logger.With().
		Str("area", target.Area.Slug).
		Str("host", target.Host).
		Int("port", target.Port).
		Str("database", target.Database).
		Err(err).
		Logger()

	var pgErr *pgconn.PgError
	if isUndefinedTable(err, &pgErr) {
		obs.FanoutTargetErrorsTotal.WithLabelValues(target.Area.Slug, "missing_table").Inc()
		fields.Info().Msg("area database has no alert_samples table yet, treating as empty")
		return
	}
	obs.FanoutTargetErrorsTotal.WithLabelValues(target.Area.Slug, "query_error").Inc()
	fields.Error().Msg("alert fan-out query failed for area")
}

func isUndefinedTable(err error, target **pgconn.PgError) bool {
	for err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok {
			*target = pgErr
			return pgErr.Code == "42P01"
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

func buildFilteredQuery(q Query) (string, []any) {
	query := `SELECT id, client_id, site, timestamp, tag_name, value, desvio, alerts_count, unidade, recipients, created_at
		FROM alert_samples WHERE 1=1`
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		query += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}
	if q.ClientID != "" {
		add("client_id =", q.ClientID)
	}
	if q.TagName != "" {
		add("tag_name =", q.TagName)
	}
	if q.StartDate != nil {
		add("timestamp >=", *q.StartDate)
	}
	if q.EndDate != nil {
		add("timestamp <=", *q.EndDate)
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d", len(args)+1)
	args = append(args, alerts.ClampLimit(q.Limit))
	return query, args
}
