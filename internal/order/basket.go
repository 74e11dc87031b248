package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	selectBasketSQL = `SELECT id, user_id, dish_id, quantity, price
         FROM baskets WHERE id = $1`
	listBasketsSQL = `SELECT id, user_id, dish_id, quantity, price
         FROM baskets WHERE user_id = $1 ORDER BY id LIMIT $2 OFFSET $3`
	insertBasketSQL = `INSERT INTO baskets (user_id, dish_id, quantity, price)
         VALUES ($1, $2, $3, $4) RETURNING id`
	updateBasketSQL = `UPDATE baskets SET quantity = $2 WHERE id = $1
         RETURNING id, user_id, dish_id, quantity, price`
	deleteBasketSQL    = `DELETE FROM baskets WHERE id = $1`
	lockUserBasketsSQL = `SELECT id, user_id, dish_id, quantity, price
         FROM baskets WHERE user_id = $1 ORDER BY id FOR UPDATE`
	deleteUserBasketsSQL = `DELETE FROM baskets WHERE user_id = $1 AND id = ANY($2)`
)

func (r *repo) GetBasket(ctx context.Context, id int64) (*Basket, error) {
	return scanBasket(r.db.QueryRowContext(ctx, selectBasketSQL, id))
}

func (r *repo) ListBaskets(ctx context.Context, userID int64, limit, offset int) ([]Basket, error) {
	rows, err := r.db.QueryContext(ctx, listBasketsSQL, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("select baskets: %w", err)
	}
	return scanBaskets(rows)
}

func (r *repo) AddToBasket(ctx context.Context, b *Basket) error {
	if b.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	if b.Price < 0 {
		return ErrInvalidPrice
	}
	err := r.db.QueryRowContext(ctx, insertBasketSQL, b.UserID, b.DishID, b.Quantity, b.Price).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("insert basket: %w", err)
	}
	return nil
}

func (r *repo) UpdateBasket(ctx context.Context, id int64, quantity int) (*Basket, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	return scanBasket(r.db.QueryRowContext(ctx, updateBasketSQL, id, quantity))
}

func (r *repo) DeleteBasket(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, deleteBasketSQL, id)
	if err != nil {
		return fmt.Errorf("delete basket: %w", err)
	}
	return expectAffected(res)
}

// ConvertBasketToOrder turns every basket row of the user into one PENDING
// order. The order, its items and the removal of the consumed rows commit
// together or not at all.
func (r *repo) ConvertBasketToOrder(ctx context.Context, userID int64) (*Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, lockUserBasketsSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("select baskets: %w", err)
	}
	baskets, err := scanBaskets(rows)
	if err != nil {
		return nil, err
	}
	if len(baskets) == 0 {
		return nil, ErrEmptyBasket
	}

	now := r.now()
	o := &Order{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Items:     make([]Item, 0, len(baskets)),
	}
	ids := make([]int64, 0, len(baskets))
	for _, b := range baskets {
		o.Items = append(o.Items, Item{DishID: b.DishID, Quantity: b.Quantity, Price: b.Price})
		ids = append(ids, b.ID)
	}
	o.TotalPrice = Total(o.Items)

	if err := insertOrder(ctx, tx, o); err != nil {
		return nil, err
	}
	if err := appendLog(ctx, tx, o.ID, "basket.converted", "", StatusPending, ""); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, deleteUserBasketsSQL, userID, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("delete baskets: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return o, nil
}

func scanBasket(row *sql.Row) (*Basket, error) {
	var b Basket
	if err := row.Scan(&b.ID, &b.UserID, &b.DishID, &b.Quantity, &b.Price); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select basket: %w", err)
	}
	return &b, nil
}

func scanBaskets(rows *sql.Rows) ([]Basket, error) {
	defer rows.Close()

	baskets := []Basket{}
	for rows.Next() {
		var b Basket
		if err := rows.Scan(&b.ID, &b.UserID, &b.DishID, &b.Quantity, &b.Price); err != nil {
			return nil, fmt.Errorf("scan basket: %w", err)
		}
		baskets = append(baskets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return baskets, nil
}
