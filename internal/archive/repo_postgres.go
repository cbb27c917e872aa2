package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"callbridge/internal/calls"
	"callbridge/pkg/utils"
)

// NOTE: PostgresRepo assumes the call_archive table below exists; EnsureSchema
// creates it. Rows are INSERT-only and keyed by call id, so a repeated append
// for the same call is a no-op.
const schema = `
CREATE TABLE IF NOT EXISTS call_archive (
  id            UUID PRIMARY KEY,
  call_id       TEXT NOT NULL UNIQUE,
  stream_id     TEXT NOT NULL DEFAULT '',
  peer_number   TEXT NOT NULL,
  origin_number TEXT NOT NULL DEFAULT '',
  status        TEXT NOT NULL,
  started_at    TIMESTAMPTZ NOT NULL,
  ended_at      TIMESTAMPTZ NOT NULL,
  duration_ms   BIGINT NOT NULL,
  metadata      JSONB NOT NULL DEFAULT '{}'::jsonb,
  events        JSONB NOT NULL DEFAULT '[]'::jsonb,
  archived_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS call_archive_ended_at_idx ON call_archive (ended_at);
`

// PostgresRepo stores archive entries through database/sql (pgx stdlib).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

// EnsureSchema creates the archive table when missing.
func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("archive schema: %w", err)
	}
	return nil
}

func (r *PostgresRepo) Append(ctx context.Context, e Entry) error {
	metadata, err := json.Marshal(nonNilMetadata(e.Metadata))
	if err != nil {
		return err
	}
	events, err := json.Marshal(nonNilEvents(e.Events))
	if err != nil {
		return err
	}

	const q = `
INSERT INTO call_archive (
  id, call_id, stream_id, peer_number, origin_number, status,
  started_at, ended_at, duration_ms, metadata, events, archived_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
ON CONFLICT (call_id) DO NOTHING
`
	return utils.InTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			e.ID,
			e.CallID,
			e.StreamID,
			e.PeerNumber,
			e.OriginNumber,
			string(e.Status),
			e.StartedAt,
			e.EndedAt,
			e.DurationMs,
			metadata,
			events,
			e.ArchivedAt,
		)
		return err
	})
}

func (r *PostgresRepo) List(ctx context.Context, from, to time.Time) ([]Entry, error) {
	const q = `
SELECT id, call_id, stream_id, peer_number, origin_number, status,
       started_at, ended_at, duration_ms, metadata, events, archived_at
FROM call_archive
WHERE ended_at >= $1 AND ended_at < $2
ORDER BY ended_at
`
	rows, err := r.db.QueryContext(ctx, q, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		var (
			e                Entry
			status           string
			metadata, events []byte
		)
		if err := rows.Scan(
			&e.ID,
			&e.CallID,
			&e.StreamID,
			&e.PeerNumber,
			&e.OriginNumber,
			&status,
			&e.StartedAt,
			&e.EndedAt,
			&e.DurationMs,
			&metadata,
			&events,
			&e.ArchivedAt,
		); err != nil {
			return nil, err
		}
		e.Status = calls.Status(status)
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("archive %s metadata: %w", e.CallID, err)
		}
		if err := json.Unmarshal(events, &e.Events); err != nil {
			return nil, fmt.Errorf("archive %s events: %w", e.CallID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nonNilMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilEvents(ev []calls.Event) []calls.Event {
	if ev == nil {
		return []calls.Event{}
	}
	return ev
}
