// Package checkpoint answers "where do I start" once at boot. It does
// not replace the in-memory historical buffer or change reorg semantics;
// it only defaults an operator-unset start height to the last height
// this process is known to have committed a forward batch for.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_checkpoints (
	id            TEXT PRIMARY KEY,
	block_height  BIGINT NOT NULL,
	block_hash    TEXT NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Store persists the single "last committed forward height" checkpoint
// row this runtime instance advances.
type Store struct {
	db *sqlx.DB
	id string
}

// Open connects to dsn, ensures the checkpoint table exists, and returns
// a Store scoped to id (one row per distinct deployment/module).
func Open(ctx context.Context, dsn, id string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: connect: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: create schema: %w", err)
	}
	return &Store{db: db, id: id}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the last checkpointed height and hex-encoded hash, or
// ok=false if no checkpoint has ever been written for this id.
func (s *Store) Load(ctx context.Context) (height uint64, hash string, ok bool, err error) {
	row := struct {
		Height uint64 `db:"block_height"`
		Hash   string `db:"block_hash"`
	}{}
	err = s.db.GetContext(ctx, &row, `SELECT block_height, block_hash FROM sync_checkpoints WHERE id = $1`, s.id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, "", false, nil
		}
		return 0, "", false, fmt.Errorf("checkpoint: load: %w", err)
	}
	return row.Height, row.Hash, true, nil
}

// Update records height/hash as the new checkpoint, upserting the single
// row for this id. Wired into the block loop via looprunner.WithCheckpoint,
// which calls it once per successfully committed forward batch, exactly as
// the teacher's UpdateCheckpoint did before this rewrite.
func (s *Store) Update(ctx context.Context, height uint64, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (id, block_height, block_hash, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET block_height = $2, block_hash = $3, updated_at = now()`,
		s.id, height, hash,
	)
	if err != nil {
		return fmt.Errorf("checkpoint: update: %w", err)
	}
	return nil
}
