package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineItemsFallsBackToItems(t *testing.T) {
	ev := OrderEvent{Items: []int64{3, 4}}
	assert.Equal(t, []Line{{DishID: 3, Quantity: 1}, {DishID: 4, Quantity: 1}}, ev.LineItems())

	ev.Lines = []Line{{DishID: 3, Quantity: 2, Price: 150}}
	assert.Equal(t, ev.Lines, ev.LineItems())
}

func TestDecodeOrderEvent(t *testing.T) {
	ev, err := DecodeOrderEvent([]byte(`{"order_id":"o-1","user_id":2,"items":[7],"failed_item_id":7}`))
	require.NoError(t, err)
	assert.Equal(t, "o-1", ev.OrderID)
	require.NotNil(t, ev.FailedItemID)
	assert.Equal(t, int64(7), *ev.FailedItemID)

	_, err = DecodeOrderEvent([]byte(`{`))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestPriceChangePercent(t *testing.T) {
	assert.Equal(t, 20.0, PriceChangePercent(100, 120))
	assert.Equal(t, -33.33, PriceChangePercent(300, 200))
	assert.Equal(t, 0.0, PriceChangePercent(0, 50))
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	assert.False(t, IsPermanent(ErrUnroutable))
}

func TestIsPreconditionReason(t *testing.T) {
	for _, r := range []string{ReasonServiceUnavailable, ReasonUserUnavailable, ReasonItemUnavailable} {
		assert.True(t, IsPreconditionReason(r), r)
	}
	for _, r := range []string{ReasonReservationFailed, ReasonPublishFailed, "dish_unavailable", ""} {
		assert.False(t, IsPreconditionReason(r), r)
	}
}
