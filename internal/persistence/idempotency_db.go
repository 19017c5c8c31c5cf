package persistence

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresIdempotencyChecker looks idempotency keys up in the event log.
// It is the second tier behind the engine's in-memory LRU.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// IsDuplicate reports whether op already committed under key.
func (pic *PostgresIdempotencyChecker) IsDuplicate(ctx context.Context, op string, key string) (bool, error) {
	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM event_log.events
		WHERE op = $1 AND idempotency_key = $2
		LIMIT 1
	`, op, key).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
