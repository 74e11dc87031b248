package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const (
	selectStatusForUpdateSQL = `SELECT status FROM orders WHERE id = $1 FOR UPDATE`
	updateStatusSQL          = `UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`
	appendLogSQL             = `INSERT INTO order_saga_log (order_id, seq, event_type, from_status, to_status, detail)
         VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM order_saga_log WHERE order_id = $1), $2, $3, $4, $5)`
	selectLogSQL = `SELECT order_id, seq, event_type, from_status, to_status, detail, occurred_at
         FROM order_saga_log WHERE order_id = $1 ORDER BY seq`
)

// Transition moves the order to status to if the state machine allows it and
// records the move under cause. Disallowed and same-state moves change
// nothing and report Changed=false.
func (r *repo) Transition(ctx context.Context, id string, to Status, cause, detail string) (TransitionResult, error) {
	if !validID(id) {
		return TransitionResult{}, ErrNotFound
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var cur string
	if err := tx.QueryRowContext(ctx, selectStatusForUpdateSQL, id).Scan(&cur); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TransitionResult{}, ErrNotFound
		}
		return TransitionResult{}, fmt.Errorf("select status: %w", err)
	}

	from := Status(cur)
	res := TransitionResult{From: from, To: from}
	if !CanTransition(from, to) {
		return res, nil
	}

	if _, err := tx.ExecContext(ctx, updateStatusSQL, id, string(to), r.now()); err != nil {
		return res, fmt.Errorf("update status: %w", err)
	}
	if err := appendLog(ctx, tx, id, cause, from, to, detail); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit: %w", err)
	}

	res.To = to
	res.Changed = true
	return res, nil
}

func (r *repo) SagaLog(ctx context.Context, id string) ([]SagaLogEntry, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	rows, err := r.db.QueryContext(ctx, selectLogSQL, id)
	if err != nil {
		return nil, fmt.Errorf("select saga log: %w", err)
	}
	defer rows.Close()

	entries := []SagaLogEntry{}
	for rows.Next() {
		var e SagaLogEntry
		var from, to string
		if err := rows.Scan(&e.OrderID, &e.Seq, &e.EventType, &from, &to, &e.Detail, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan saga log: %w", err)
		}
		e.FromStatus, e.ToStatus = Status(from), Status(to)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return entries, nil
}

func appendLog(ctx context.Context, tx *sql.Tx, orderID, eventType string, from, to Status, detail string) error {
	_, err := tx.ExecContext(ctx, appendLogSQL, orderID, eventType, string(from), string(to), detail)
	if err != nil {
		return fmt.Errorf("append saga log: %w", err)
	}
	return nil
}
