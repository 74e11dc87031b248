package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("order already exists")
	ErrEmptyBasket       = errors.New("basket is empty")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrInvalidPrice      = errors.New("price must not be negative")
)

type Repository interface {
	CreateOrder(ctx context.Context, o *Order, cause string) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	ListOrders(ctx context.Context, limit, offset int) ([]Order, error)
	UpdateOrder(ctx context.Context, id string, upd OrderUpdate) (*Order, error)
	DeleteOrder(ctx context.Context, id string) error
	Transition(ctx context.Context, id string, to Status, cause, detail string) (TransitionResult, error)
	SagaLog(ctx context.Context, id string) ([]SagaLogEntry, error)

	GetItem(ctx context.Context, id int64) (*Item, error)
	ListItems(ctx context.Context, limit, offset int) ([]Item, error)
	CreateItem(ctx context.Context, it *Item) error
	UpdateItem(ctx context.Context, id int64, quantity int) (*Item, error)
	DeleteItem(ctx context.Context, id int64) error

	GetBasket(ctx context.Context, id int64) (*Basket, error)
	ListBaskets(ctx context.Context, userID int64, limit, offset int) ([]Basket, error)
	AddToBasket(ctx context.Context, b *Basket) error
	UpdateBasket(ctx context.Context, id int64, quantity int) (*Basket, error)
	DeleteBasket(ctx context.Context, id int64) error
	ConvertBasketToOrder(ctx context.Context, userID int64) (*Order, error)
}

const (
	insertOrderSQL = `INSERT INTO orders (id, user_id, total_price, status, created_at, updated_at)
         VALUES ($1, $2, $3, $4, $5, $6)`
	insertItemSQL = `INSERT INTO order_items (order_id, dish_id, quantity, price)
         VALUES ($1, $2, $3, $4) RETURNING id`
	selectOrderSQL = `SELECT id, user_id, total_price, status, created_at, updated_at
         FROM orders WHERE id = $1`
	selectOrderForUpdateSQL = `SELECT id, user_id, total_price, status, created_at, updated_at
         FROM orders WHERE id = $1 FOR UPDATE`
	selectOrderItemsSQL = `SELECT id, order_id, dish_id, quantity, price
         FROM order_items WHERE order_id = $1 ORDER BY id`
	listOrdersSQL = `SELECT id, user_id, total_price, status, created_at, updated_at
         FROM orders ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`
	selectItemsOfOrdersSQL = `SELECT id, order_id, dish_id, quantity, price
         FROM order_items WHERE order_id = ANY($1) ORDER BY id`
	updateOrderSQL = `UPDATE orders SET total_price = $2, status = $3, updated_at = $4
         WHERE id = $1`
	deleteOrderSQL = `DELETE FROM orders WHERE id = $1`
)

type repo struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(db *sql.DB) Repository {
	return &repo{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// CreateOrder inserts o and its items in one transaction and logs the
// initial status under cause. Missing ids, totals and timestamps are filled in.
func (r *repo) CreateOrder(ctx context.Context, o *Order, cause string) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Status == "" {
		o.Status = StatusPending
	}
	for _, it := range o.Items {
		if it.Quantity <= 0 {
			return ErrInvalidQuantity
		}
		if it.Price < 0 {
			return ErrInvalidPrice
		}
	}
	o.TotalPrice = Total(o.Items)
	if o.CreatedAt.IsZero() {
		o.CreatedAt = r.now()
	}
	o.UpdatedAt = o.CreatedAt

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertOrder(ctx, tx, o); err != nil {
		return err
	}
	if err := appendLog(ctx, tx, o.ID, cause, "", o.Status, ""); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertOrder(ctx context.Context, tx *sql.Tx, o *Order) error {
	_, err := tx.ExecContext(ctx, insertOrderSQL,
		o.ID, o.UserID, o.TotalPrice, string(o.Status), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for i := range o.Items {
		it := &o.Items[i]
		it.OrderID = o.ID
		err := tx.QueryRowContext(ctx, insertItemSQL,
			o.ID, it.DishID, it.Quantity, it.Price,
		).Scan(&it.ID)
		if err != nil {
			return fmt.Errorf("insert order_item: %w", err)
		}
	}
	return nil
}

func (r *repo) GetOrder(ctx context.Context, id string) (*Order, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}

	o, err := scanOrder(r.db.QueryRowContext(ctx, selectOrderSQL, id))
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, selectOrderItemsSQL, o.ID)
	if err != nil {
		return nil, fmt.Errorf("select order_items: %w", err)
	}
	o.Items, err = scanItems(rows)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (r *repo) ListOrders(ctx context.Context, limit, offset int) ([]Order, error) {
	rows, err := r.db.QueryContext(ctx, listOrdersSQL, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	orders := []Order{}
	index := map[string]int{}
	ids := []string{}
	for rows.Next() {
		var o Order
		var status string
		if err := rows.Scan(&o.ID, &o.UserID, &o.TotalPrice, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Status = Status(status)
		o.Items = []Item{}
		index[o.ID] = len(orders)
		ids = append(ids, o.ID)
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	if len(orders) == 0 {
		return orders, nil
	}

	itemRows, err := r.db.QueryContext(ctx, selectItemsOfOrdersSQL, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("select items: %w", err)
	}
	items, err := scanItems(itemRows)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if i, ok := index[it.OrderID]; ok {
			orders[i].Items = append(orders[i].Items, it)
		}
	}
	return orders, nil
}

// UpdateOrder applies the non-nil fields of upd. A status change must be a
// valid transition and is recorded in the saga log.
func (r *repo) UpdateOrder(ctx context.Context, id string, upd OrderUpdate) (*Order, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	if upd.TotalPrice != nil && *upd.TotalPrice < 0 {
		return nil, ErrInvalidPrice
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	cur, err := scanOrder(tx.QueryRowContext(ctx, selectOrderForUpdateSQL, id))
	if err != nil {
		return nil, err
	}

	next := *cur
	if upd.TotalPrice != nil {
		next.TotalPrice = *upd.TotalPrice
	}
	if upd.Status != nil && *upd.Status != cur.Status {
		if !CanTransition(cur.Status, *upd.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, *upd.Status)
		}
		next.Status = *upd.Status
	}
	next.UpdatedAt = r.now()

	if _, err := tx.ExecContext(ctx, updateOrderSQL, id, next.TotalPrice, string(next.Status), next.UpdatedAt); err != nil {
		return nil, fmt.Errorf("update order: %w", err)
	}
	if next.Status != cur.Status {
		if err := appendLog(ctx, tx, id, "order.updated", cur.Status, next.Status, ""); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return r.GetOrder(ctx, id)
}

func (r *repo) DeleteOrder(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrNotFound
	}
	res, err := r.db.ExecContext(ctx, deleteOrderSQL, id)
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	return expectAffected(res)
}

func scanOrder(row *sql.Row) (*Order, error) {
	var o Order
	var status string
	err := row.Scan(&o.ID, &o.UserID, &o.TotalPrice, &status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select order: %w", err)
	}
	o.Status = Status(status)
	return &o, nil
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.OrderID, &it.DishID, &it.Quantity, &it.Price); err != nil {
			return nil, fmt.Errorf("scan order_item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return items, nil
}

func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// validID reports whether id can name an order; anything else cannot exist.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
