package events

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Failure reasons carried by order.failed and menu.failed.
const (
	ReasonServiceUnavailable = "service_unavailable"
	ReasonUserUnavailable    = "user_unavailable"
	ReasonItemUnavailable    = "item_unavailable"
	ReasonReservationFailed  = "reservation_failed"
	ReasonPublishFailed      = "publish_failed"
)

// IsPreconditionReason reports whether an order.failed reason was raised
// before any order row was written. Such events never refer to a stored
// order, even when a later attempt reused the id.
func IsPreconditionReason(reason string) bool {
	switch reason {
	case ReasonServiceUnavailable, ReasonUserUnavailable, ReasonItemUnavailable:
		return true
	}
	return false
}

type Line struct {
	DishID   int64 `json:"dish_id"`
	Quantity int   `json:"quantity"`
	Price    int64 `json:"price,omitempty"`
}

// OrderEvent is the payload of every saga message. OrderID is the
// correlation id of the saga instance.
type OrderEvent struct {
	OrderID      string    `json:"order_id"`
	UserID       int64     `json:"user_id"`
	Items        []int64   `json:"items"`
	Lines        []Line    `json:"lines,omitempty"`
	Amount       int64     `json:"amount"`
	Reason       string    `json:"reason,omitempty"`
	FailedItemID *int64    `json:"failed_item_id,omitempty"`
	Attempt      int       `json:"attempt,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e OrderEvent) CorrelationID() string { return e.OrderID }

// LineItems returns Lines, or one unit per entry of Items for producers that
// only send item ids.
func (e OrderEvent) LineItems() []Line {
	if len(e.Lines) > 0 {
		return e.Lines
	}
	lines := make([]Line, 0, len(e.Items))
	for _, id := range e.Items {
		lines = append(lines, Line{DishID: id, Quantity: 1})
	}
	return lines
}

// DecodeOrderEvent parses a saga payload. Malformed bodies are permanent
// failures since redelivery cannot fix them.
func DecodeOrderEvent(body []byte) (OrderEvent, error) {
	var ev OrderEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, Permanent(fmt.Errorf("unmarshal order event: %w", err))
	}
	return ev, nil
}

type DishCreatedEvent struct {
	DishID      int64     `json:"dish_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Price       int64     `json:"price"`
	CategoryID  *int64    `json:"category_id,omitempty"`
	IsAvailable bool      `json:"is_available"`
	Timestamp   time.Time `json:"timestamp"`
}

type MenuUpdatedEvent struct {
	DishID      int64     `json:"dish_id"`
	CategoryID  *int64    `json:"category_id,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

type PriceChangedEvent struct {
	DishID             int64     `json:"dish_id"`
	Name               string    `json:"name"`
	OldPrice           int64     `json:"old_price"`
	NewPrice           int64     `json:"new_price"`
	PriceChangePercent float64   `json:"price_change_percent"`
	Timestamp          time.Time `json:"timestamp"`
}

type AvailabilityChangedEvent struct {
	DishID          int64     `json:"dish_id"`
	Name            string    `json:"name"`
	OldAvailability bool      `json:"old_availability"`
	NewAvailability bool      `json:"new_availability"`
	CategoryID      *int64    `json:"category_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// PriceChangePercent is rounded to two decimals; a zero old price yields 0.
func PriceChangePercent(oldPrice, newPrice int64) float64 {
	if oldPrice == 0 {
		return 0
	}
	pct := float64(newPrice-oldPrice) / float64(oldPrice) * 100
	return math.Round(pct*100) / 100
}
