package journal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer runs a statement without returning rows. *pgxpool.Pool satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS structure_events (
		event_id    UUID PRIMARY KEY,
		instance    TEXT NOT NULL,
		conn_id     TEXT NOT NULL,
		name        TEXT NOT NULL,
		received_at BIGINT NOT NULL,
		x           INTEGER,
		y           INTEGER,
		z           INTEGER,
		block       TEXT,
		cause       TEXT,
		token       TEXT,
		player      TEXT,
		amount      DOUBLE PRECISION,
		raw         JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS structure_events_received_at_idx
		ON structure_events (received_at)`,
	`CREATE INDEX IF NOT EXISTS structure_events_name_idx
		ON structure_events (name, received_at)`,
}

// EnsureSchema creates the journal table and its indexes if missing.
func EnsureSchema(ctx context.Context, db Execer) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
