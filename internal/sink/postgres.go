package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/chaincdc/relay/internal/cdc"
)

// Postgres commits one transaction per height against a cdc_events
// table: all of a block's events (or its inverse batch) land atomically,
// matching spec §4.7's "all-or-nothing visibility" requirement.
type Postgres struct {
	db *sqlx.DB
}

const cdcEventsSchema = `
CREATE TABLE IF NOT EXISTS cdc_events (
	id            BIGSERIAL PRIMARY KEY,
	direction     TEXT NOT NULL,
	block_height  BIGINT NOT NULL,
	block_hash    TEXT NOT NULL,
	seq           INT NOT NULL,
	source        TEXT NOT NULL,
	operation     TEXT NOT NULL,
	table_name    TEXT NOT NULL,
	event_key     TEXT NOT NULL,
	payload       JSONB NOT NULL,
	committed_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// NewPostgres opens a connection pool against dsn and ensures the
// cdc_events table exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sink/postgres: connect: %w", err)
	}
	if _, err := db.ExecContext(ctx, cdcEventsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sink/postgres: create schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an already-open *sqlx.DB, for tests that inject
// a sqlmock connection.
func NewPostgresFromDB(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) CommitForward(ctx context.Context, height uint64, hash [32]byte, events cdc.Batch) error {
	return p.commit(ctx, "forward", height, hash, events)
}

func (p *Postgres) CommitRollback(ctx context.Context, height uint64, hash [32]byte, inverseEvents cdc.Batch) error {
	return p.commit(ctx, "rollback", height, hash, inverseEvents)
}

func (p *Postgres) commit(ctx context.Context, direction string, height uint64, hash [32]byte, events cdc.Batch) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return Retryable(fmt.Errorf("sink/postgres: begin tx: %w", err))
	}
	defer tx.Rollback()

	hashHex := cdc.EncodeHash(hash)
	for i, e := range events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("sink/postgres: marshal payload at height %d: %w", height, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cdc_events
				(direction, block_height, block_hash, seq, source, operation, table_name, event_key, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			direction, height, hashHex, i, e.Header.Source, string(e.Payload.Operation), e.Payload.Table, e.Payload.Key, payload,
		)
		if err != nil {
			return Retryable(fmt.Errorf("sink/postgres: insert event at height %d: %w", height, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return Retryable(fmt.Errorf("sink/postgres: commit tx for height %d: %w", height, err))
	}
	return nil
}
