package menu

import (
	"cmp"
	"slices"
	"time"
)

type Dish struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Price       int64     `json:"price"`
	CategoryID  *int64    `json:"category_id,omitempty"`
	IsAvailable bool      `json:"is_available"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DishUpdate holds the fields to change; nil fields are left alone.
type DishUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Price       *int64  `json:"price,omitempty"`
	CategoryID  *int64  `json:"category_id,omitempty"`
	IsAvailable *bool   `json:"is_available,omitempty"`
}

func (u DishUpdate) apply(d Dish) Dish {
	if u.Name != nil {
		d.Name = *u.Name
	}
	if u.Description != nil {
		d.Description = *u.Description
	}
	if u.Price != nil {
		d.Price = *u.Price
	}
	if u.CategoryID != nil {
		d.CategoryID = u.CategoryID
	}
	if u.IsAvailable != nil {
		d.IsAvailable = *u.IsAvailable
	}
	return d
}

type Line struct {
	DishID   int64 `json:"dish_id"`
	Quantity int   `json:"quantity"`
}

// Rejection explains why an order could not be reserved.
type Rejection struct {
	DishID int64  `json:"dish_id"`
	Reason string `json:"reason"`
}

const (
	RejectNotFound    = "dish_not_found"
	RejectUnavailable = "dish_unavailable"
	RejectQuantity    = "invalid_quantity"
)

type ReserveResult struct {
	Reserved []Line
	Rejected *Rejection
	// Replayed is set when the order was reserved or rejected before.
	Replayed bool
}

// mergeLines folds repeated dishes into one line and sorts by dish id, the
// order rows are locked in.
func mergeLines(lines []Line) []Line {
	byDish := make(map[int64]int, len(lines))
	out := make([]Line, 0, len(lines))
	for _, l := range lines {
		if i, ok := byDish[l.DishID]; ok {
			out[i].Quantity += l.Quantity
			continue
		}
		byDish[l.DishID] = len(out)
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b Line) int { return cmp.Compare(a.DishID, b.DishID) })
	return out
}
