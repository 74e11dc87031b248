package menu

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidDish  = errors.New("invalid dish")
	ErrInvalidPrice = errors.New("price must not be negative")
)

// DBPool matches the methods from *pgxpool.Pool that we use.
type DBPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type Repository interface {
	GetDish(ctx context.Context, id int64) (Dish, error)
	ListDishes(ctx context.Context, limit, offset int) ([]Dish, error)
	CreateDish(ctx context.Context, d *Dish) error
	// UpdateDish returns the dish before and after the change.
	UpdateDish(ctx context.Context, id int64, upd DishUpdate) (Dish, Dish, error)
	Reserve(ctx context.Context, orderID string, lines []Line) (ReserveResult, error)
	Release(ctx context.Context, orderID string) (int64, error)
}

const (
	dishColumns   = `id, name, description, price, category_id, is_available, created_at, updated_at`
	selectDishSQL = `SELECT ` + dishColumns + ` FROM dishes WHERE id = $1`
	lockDishSQL   = `SELECT ` + dishColumns + ` FROM dishes WHERE id = $1 FOR UPDATE`
	listDishesSQL = `SELECT ` + dishColumns + ` FROM dishes ORDER BY id LIMIT $1 OFFSET $2`
	insertDishSQL = `INSERT INTO dishes (name, description, price, category_id, is_available)
		VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at, updated_at`
	updateDishSQL = `UPDATE dishes
		SET name = $2, description = $3, price = $4, category_id = $5, is_available = $6, updated_at = now()
		WHERE id = $1 RETURNING updated_at`

	selectReservationsSQL = `SELECT dish_id, quantity FROM menu_reservations WHERE order_id = $1 ORDER BY dish_id`
	lockAvailabilitySQL   = `SELECT is_available FROM dishes WHERE id = $1 FOR UPDATE`
	insertReservationSQL  = `INSERT INTO menu_reservations (order_id, dish_id, quantity) VALUES ($1, $2, $3)`
	deleteReservationsSQL = `DELETE FROM menu_reservations WHERE order_id = $1`
	selectRejectionSQL    = `SELECT dish_id, reason FROM menu_rejections WHERE order_id = $1`
	insertRejectionSQL    = `INSERT INTO menu_rejections (order_id, dish_id, reason) VALUES ($1, $2, $3)
		ON CONFLICT (order_id) DO NOTHING`
)

type PostgresRepository struct {
	pool DBPool
}

func NewPostgresRepository(pool DBPool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) GetDish(ctx context.Context, id int64) (Dish, error) {
	return scanDish(r.pool.QueryRow(ctx, selectDishSQL, id))
}

func (r *PostgresRepository) ListDishes(ctx context.Context, limit, offset int) ([]Dish, error) {
	rows, err := r.pool.Query(ctx, listDishesSQL, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("select dishes: %w", err)
	}
	defer rows.Close()

	dishes := []Dish{}
	for rows.Next() {
		d, err := scanDish(rows)
		if err != nil {
			return nil, err
		}
		dishes = append(dishes, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return dishes, nil
}

func (r *PostgresRepository) CreateDish(ctx context.Context, d *Dish) error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDish)
	}
	if d.Price < 0 {
		return ErrInvalidPrice
	}
	err := r.pool.QueryRow(ctx, insertDishSQL, d.Name, d.Description, d.Price, d.CategoryID, d.IsAvailable).
		Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert dish: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpdateDish(ctx context.Context, id int64, upd DishUpdate) (Dish, Dish, error) {
	if upd.Price != nil && *upd.Price < 0 {
		return Dish{}, Dish{}, ErrInvalidPrice
	}
	if upd.Name != nil && *upd.Name == "" {
		return Dish{}, Dish{}, fmt.Errorf("%w: name is required", ErrInvalidDish)
	}

	var before, after Dish
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		before, err = scanDish(tx.QueryRow(ctx, lockDishSQL, id))
		if err != nil {
			return err
		}
		after = upd.apply(before)
		err = tx.QueryRow(ctx, updateDishSQL,
			id, after.Name, after.Description, after.Price, after.CategoryID, after.IsAvailable,
		).Scan(&after.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update dish: %w", err)
		}
		return nil
	})
	if err != nil {
		return Dish{}, Dish{}, err
	}
	return before, after, nil
}

// Reserve holds every line of an order in one transaction. If any dish is
// missing or unavailable the whole order is rejected: no reservation is
// written, but the rejection is recorded. Reserving an order again returns the
// first outcome unchanged, so a redelivery can never reserve an order that was
// already turned down.
func (r *PostgresRepository) Reserve(ctx context.Context, orderID string, lines []Line) (ReserveResult, error) {
	var res ReserveResult
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		existing, err := reservationsOf(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			res = ReserveResult{Reserved: existing, Replayed: true}
			return nil
		}
		rejected, err := rejectionOf(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if rejected != nil {
			res = ReserveResult{Rejected: rejected, Replayed: true}
			return nil
		}

		merged := mergeLines(lines)
		rejected, err = firstRejection(ctx, tx, merged)
		if err != nil {
			return err
		}
		if rejected != nil {
			if _, err := tx.Exec(ctx, insertRejectionSQL, orderID, rejected.DishID, rejected.Reason); err != nil {
				return fmt.Errorf("insert rejection: %w", err)
			}
			res.Rejected = rejected
			return nil
		}

		for _, l := range merged {
			if _, err := tx.Exec(ctx, insertReservationSQL, orderID, l.DishID, l.Quantity); err != nil {
				return fmt.Errorf("insert reservation: %w", err)
			}
		}
		res.Reserved = merged
		return nil
	})
	if err != nil {
		return ReserveResult{}, err
	}
	return res, nil
}

// firstRejection locks the dishes in line order and returns the first line
// that cannot be reserved, or nil.
func firstRejection(ctx context.Context, tx pgx.Tx, lines []Line) (*Rejection, error) {
	for _, l := range lines {
		if l.Quantity <= 0 {
			return &Rejection{DishID: l.DishID, Reason: RejectQuantity}, nil
		}
		var available bool
		err := tx.QueryRow(ctx, lockAvailabilitySQL, l.DishID).Scan(&available)
		if errors.Is(err, pgx.ErrNoRows) {
			return &Rejection{DishID: l.DishID, Reason: RejectNotFound}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("lock dish %d: %w", l.DishID, err)
		}
		if !available {
			return &Rejection{DishID: l.DishID, Reason: RejectUnavailable}, nil
		}
	}
	return nil, nil
}

func rejectionOf(ctx context.Context, tx pgx.Tx, orderID string) (*Rejection, error) {
	var rej Rejection
	err := tx.QueryRow(ctx, selectRejectionSQL, orderID).Scan(&rej.DishID, &rej.Reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select rejection: %w", err)
	}
	return &rej, nil
}

// Release drops the reservations of an order and reports how many there were.
func (r *PostgresRepository) Release(ctx context.Context, orderID string) (int64, error) {
	tag, err := r.pool.Exec(ctx, deleteReservationsSQL, orderID)
	if err != nil {
		return 0, fmt.Errorf("delete reservations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// inTx commits when fn succeeds and rolls back otherwise.
func (r *PostgresRepository) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func reservationsOf(ctx context.Context, tx pgx.Tx, orderID string) ([]Line, error) {
	rows, err := tx.Query(ctx, selectReservationsSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("select reservations: %w", err)
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.DishID, &l.Quantity); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return lines, nil
}

func scanDish(row pgx.Row) (Dish, error) {
	var d Dish
	err := row.Scan(&d.ID, &d.Name, &d.Description, &d.Price, &d.CategoryID, &d.IsAvailable, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dish{}, ErrNotFound
		}
		return Dish{}, fmt.Errorf("select dish: %w", err)
	}
	return d, nil
}
