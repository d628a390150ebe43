package audit

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS completion_audit (
	id              BIGSERIAL PRIMARY KEY,
	request_id      TEXT        NOT NULL,
	caller_key      TEXT        NOT NULL,
	requested_model TEXT        NOT NULL,
	upstream_model  TEXT        NOT NULL,
	stream          BOOLEAN     NOT NULL,
	fresh_session   BOOLEAN     NOT NULL,
	prompt_words    INTEGER     NOT NULL,
	reply_words     INTEGER     NOT NULL,
	status          TEXT        NOT NULL,
	error_code      TEXT        NOT NULL DEFAULT '',
	latency_ms      BIGINT      NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
)`

type PostgresRecorder struct {
	db *sql.DB
}

func NewPostgresRecorder(db *sql.DB) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

// Open connects to databaseURL and makes sure the audit table exists.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create completion_audit table: %w", err)
	}
	return db, nil
}

func (r *PostgresRecorder) Record(ctx context.Context, rec Record) error {
	query := `
		INSERT INTO completion_audit (request_id, caller_key, requested_model, upstream_model, stream, fresh_session,
		                              prompt_words, reply_words, status, error_code, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.db.ExecContext(ctx, query,
		rec.RequestID,
		rec.CallerKey,
		rec.RequestedModel,
		rec.UpstreamModel,
		rec.Stream,
		rec.FreshSession,
		rec.PromptWords,
		rec.ReplyWords,
		rec.Status,
		rec.ErrorCode,
		rec.LatencyMs,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// Recent returns the latest records for a caller, newest first.
func (r *PostgresRecorder) Recent(ctx context.Context, callerKey string, limit int) ([]Record, error) {
	query := `
		SELECT request_id, caller_key, requested_model, upstream_model, stream, fresh_session,
		       prompt_words, reply_words, status, error_code, latency_ms, created_at
		FROM completion_audit
		WHERE caller_key = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, callerKey, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		err := rows.Scan(
			&rec.RequestID,
			&rec.CallerKey,
			&rec.RequestedModel,
			&rec.UpstreamModel,
			&rec.Stream,
			&rec.FreshSession,
			&rec.PromptWords,
			&rec.ReplyWords,
			&rec.Status,
			&rec.ErrorCode,
			&rec.LatencyMs,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}
