package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/andreasstove999/ecommerce-system/order-saga/internal/logging"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/menu"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/order"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/saga"
)

func TestRequireUserID(t *testing.T) {
	var got int64
	h := RequireUserID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = UserID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	for _, tt := range []struct {
		header string
		status int
	}{
		{"", http.StatusUnauthorized},
		{"-3", http.StatusUnauthorized},
		{"seven", http.StatusUnauthorized},
		{" 42 ", http.StatusOK},
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderUserID, tt.header)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, tt.status, rec.Code, "header %q", tt.header)
	}
	assert.Equal(t, int64(42), got)
}

func TestRateLimiter(t *testing.T) {
	l := NewRateLimiter(60, 2)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	call := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":5123"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, call("10.0.0.1").Code)
	assert.Equal(t, http.StatusOK, call("10.0.0.1").Code)

	rec := call("10.0.0.1")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, call("10.0.0.2").Code)

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusOK, call("10.0.0.1").Code)
}

func TestRateLimiter_ForgetsIdleClients(t *testing.T) {
	l := NewRateLimiter(60, 1)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.reserve("10.0.0.1")
	now = now.Add(11 * time.Minute)
	l.reserve("10.0.0.2")

	assert.Len(t, l.visitors, 1)
	assert.Contains(t, l.visitors, "10.0.0.2")
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)
	var scoped bool
	h := RequestLogger(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scoped = logging.FromContext(r.Context(), base) != base
		w.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/dishes/3", nil))

	assert.True(t, scoped)
	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "/dishes/3", fields["path"])
	assert.Equal(t, int64(http.StatusTeapot), fields["status"])
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{order.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("get: %w", menu.ErrNotFound), http.StatusNotFound},
		{order.ErrInvalidTransition, http.StatusConflict},
		{order.ErrAlreadyExists, http.StatusConflict},
		{order.ErrEmptyBasket, http.StatusBadRequest},
		{menu.ErrInvalidPrice, http.StatusBadRequest},
		{saga.ErrInvalidRequest, http.StatusBadRequest},
		{saga.ErrPreconditionFailed, http.StatusUnprocessableEntity},
		{saga.ErrServiceUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestWriteErrHidesInternalErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	writeErr(rec, errors.New("pq: password authentication failed"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, rec.Body.String())
}
