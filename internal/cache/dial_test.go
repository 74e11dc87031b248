package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreasstove999/ecommerce-system/order-saga/internal/config"
)

func TestDial(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	c := Dial(ctx, config.RedisConfig{Addr: mr.Addr(), TTL: time.Minute}, nil)
	require.NotNil(t, c)
	t.Cleanup(func() { _ = c.client.Close() })

	require.NoError(t, c.Set(ctx, "get_dish:1", dish{ID: 1}))
	assert.Equal(t, time.Minute, mr.TTL("get_dish:1"))
}

func TestDial_UnreachableDisablesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	c := Dial(context.Background(), config.RedisConfig{Addr: addr, TTL: time.Minute}, nil)
	assert.Nil(t, c)
}
