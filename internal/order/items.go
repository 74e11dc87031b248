package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const (
	selectItemSQL = `SELECT id, order_id, dish_id, quantity, price
         FROM order_items WHERE id = $1`
	listItemsSQL = `SELECT id, order_id, dish_id, quantity, price
         FROM order_items ORDER BY id LIMIT $1 OFFSET $2`
	updateItemSQL = `UPDATE order_items SET quantity = $2 WHERE id = $1
         RETURNING id, order_id, dish_id, quantity, price`
	deleteItemSQL = `DELETE FROM order_items WHERE id = $1`
)

func (r *repo) GetItem(ctx context.Context, id int64) (*Item, error) {
	return scanItem(r.db.QueryRowContext(ctx, selectItemSQL, id))
}

func (r *repo) ListItems(ctx context.Context, limit, offset int) ([]Item, error) {
	rows, err := r.db.QueryContext(ctx, listItemsSQL, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("select order_items: %w", err)
	}
	return scanItems(rows)
}

func (r *repo) CreateItem(ctx context.Context, it *Item) error {
	if it.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	if it.Price < 0 {
		return ErrInvalidPrice
	}
	if !validID(it.OrderID) {
		return ErrNotFound
	}
	err := r.db.QueryRowContext(ctx, insertItemSQL, it.OrderID, it.DishID, it.Quantity, it.Price).Scan(&it.ID)
	if err != nil {
		return fmt.Errorf("insert order_item: %w", err)
	}
	return nil
}

// UpdateItem changes the quantity only; the price snapshot is immutable.
func (r *repo) UpdateItem(ctx context.Context, id int64, quantity int) (*Item, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	return scanItem(r.db.QueryRowContext(ctx, updateItemSQL, id, quantity))
}

func (r *repo) DeleteItem(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, deleteItemSQL, id)
	if err != nil {
		return fmt.Errorf("delete order_item: %w", err)
	}
	return expectAffected(res)
}

func scanItem(row *sql.Row) (*Item, error) {
	var it Item
	if err := row.Scan(&it.ID, &it.OrderID, &it.DishID, &it.Quantity, &it.Price); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select order_item: %w", err)
	}
	return &it, nil
}
