package orchestrator

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jllopis/fabula/pkg/errors"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS fabula_node_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	pipeline    TEXT NOT NULL,
	node        TEXT NOT NULL,
	vendor      TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	output      TEXT,
	error       TEXT,
	started_ms  INTEGER NOT NULL,
	finished_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_fabula_node_events_run ON fabula_node_events(run_id);
CREATE INDEX IF NOT EXISTS idx_fabula_node_events_pipeline ON fabula_node_events(pipeline, started_ms);
`

// SQLiteAuditStore persists node events in a SQLite table. Timestamps are
// stored as Unix milliseconds.
type SQLiteAuditStore struct {
	db *sql.DB
}

// NewSQLiteAuditStore creates the table and indexes when missing.
func NewSQLiteAuditStore(db *sql.DB) (*SQLiteAuditStore, error) {
	if db == nil {
		return nil, errors.Newf(errors.CodeInvalidInput, "audit store: db is nil")
	}
	if _, err := db.Exec(auditSchema); err != nil {
		return nil, errors.New(errors.CodeInternal, "audit store: create schema", err)
	}
	return &SQLiteAuditStore{db: db}, nil
}

func (s *SQLiteAuditStore) Record(ctx context.Context, ev AuditEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fabula_node_events (run_id, pipeline, node, vendor, status, output, error, started_ms, finished_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.Pipeline, ev.Node, ev.Vendor, ev.Status,
		nullString(ev.Output), nullString(ev.Error),
		ev.StartedAt.UnixMilli(), nullMillis(ev.FinishedAt),
	)
	if err != nil {
		return errors.New(errors.CodeInternal, "audit store: record", err).WithContext("node", ev.Node)
	}
	return nil
}

// List returns matching events, oldest first.
func (s *SQLiteAuditStore) List(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		conds = append(conds, cond)
		args = append(args, v)
	}
	if filter.RunID != "" {
		add("run_id = ?", filter.RunID)
	}
	if filter.Pipeline != "" {
		add("pipeline = ?", filter.Pipeline)
	}
	if filter.Node != "" {
		add("node = ?", filter.Node)
	}
	if filter.Status != "" {
		add("status = ?", filter.Status)
	}
	if !filter.Since.IsZero() {
		add("started_ms >= ?", filter.Since.UnixMilli())
	}

	query := `SELECT run_id, pipeline, node, vendor, status, output, error, started_ms, finished_ms FROM fabula_node_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "audit store: list", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var (
			ev              AuditEvent
			output, errText sql.NullString
			started         int64
			finished        sql.NullInt64
		)
		if err := rows.Scan(&ev.RunID, &ev.Pipeline, &ev.Node, &ev.Vendor, &ev.Status,
			&output, &errText, &started, &finished); err != nil {
			return nil, errors.New(errors.CodeInternal, "audit store: scan", err)
		}
		ev.Output = output.String
		ev.Error = errText.String
		ev.StartedAt = time.UnixMilli(started).UTC()
		if finished.Valid {
			ev.FinishedAt = time.UnixMilli(finished.Int64).UTC()
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.CodeInternal, "audit store: list", err)
	}
	return events, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
