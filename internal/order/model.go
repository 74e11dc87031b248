package order

import "time"

// Item is an order line. Price is the unit price captured when the order was
// created and never changes afterwards.
type Item struct {
	ID       int64  `json:"id"`
	OrderID  string `json:"order_id"`
	DishID   int64  `json:"dish_id"`
	Quantity int    `json:"quantity"`
	Price    int64  `json:"price"`
}

type Order struct {
	ID         string    `json:"id"`
	UserID     int64     `json:"user_id"`
	TotalPrice int64     `json:"total_price"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Items      []Item    `json:"items"`
}

// Basket is a pre-order line of a user.
type Basket struct {
	ID       int64 `json:"id"`
	UserID   int64 `json:"user_id"`
	DishID   int64 `json:"dish_id"`
	Quantity int   `json:"quantity"`
	Price    int64 `json:"price"`
}

type OrderUpdate struct {
	TotalPrice *int64  `json:"total_price,omitempty"`
	Status     *Status `json:"status,omitempty"`
}

// SagaLogEntry records one applied status transition of an order.
type SagaLogEntry struct {
	OrderID    string    `json:"order_id"`
	Seq        int       `json:"seq"`
	EventType  string    `json:"event_type"`
	FromStatus Status    `json:"from_status,omitempty"`
	ToStatus   Status    `json:"to_status"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// TransitionResult describes the outcome of Transition. Changed is false when
// the order was already in, or could not move to, the requested status.
type TransitionResult struct {
	From    Status
	To      Status
	Changed bool
}

// Total sums price*quantity over items.
func Total(items []Item) int64 {
	var total int64
	for _, it := range items {
		total += it.Price * int64(it.Quantity)
	}
	return total
}
