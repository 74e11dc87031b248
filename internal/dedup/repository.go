package dedup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Repository records which messages a consumer has already acted on, keyed by
// a consumer-chosen dedup key such as an order id.
type Repository interface {
	Seen(ctx context.Context, consumerName, key string) (bool, error)
	// Mark records key and reports whether this call was the one that did.
	Mark(ctx context.Context, consumerName, key string) (bool, error)
}

const (
	selectSeenSQL = `SELECT 1 FROM event_dedup WHERE consumer_name = $1 AND dedup_key = $2`
	markSQL       = `INSERT INTO event_dedup (consumer_name, dedup_key, processed_at)
         VALUES ($1, $2, NOW())
         ON CONFLICT (consumer_name, dedup_key) DO NOTHING`
)

type repo struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repo{db: db}
}

func (r *repo) Seen(ctx context.Context, consumerName, key string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, selectSeenSQL, consumerName, key).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select event_dedup: %w", err)
	}
	return true, nil
}

func (r *repo) Mark(ctx context.Context, consumerName, key string) (bool, error) {
	res, err := r.db.ExecContext(ctx, markSQL, consumerName, key)
	if err != nil {
		return false, fmt.Errorf("insert event_dedup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}
