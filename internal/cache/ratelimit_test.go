package cache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
)

func TestAllowWithinLimit(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := c.Allow(ctx, "user:1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should pass", i+1)
		assert.Equal(t, 3-(i+1), d.Remaining)
	}

	d, err := c.Allow(ctx, "user:1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)
}

func TestAllowWindowSlides(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	base := time.Now()
	c.now = func() time.Time { return base }

	for i := 0; i < 2; i++ {
		d, err := c.Allow(ctx, "user:2", 2, time.Minute)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := c.Allow(ctx, "user:2", 2, time.Minute)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	c.now = func() time.Time { return base.Add(61 * time.Second) }

	d, err = c.Allow(ctx, "user:2", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "old entries fall out of the window")
}

func TestAllowBucketsAreIndependent(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	d, err := c.Allow(ctx, "user:a", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = c.Allow(ctx, "user:a", 1, time.Minute)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	d, err = c.Allow(ctx, "user:b", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAllowFailsOpen(t *testing.T) {
	c, mr := newTestClient(t)
	mr.Close()

	d, err := c.Allow(context.Background(), "user:x", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "redis outage must not reject requests")
}

func TestRateLimitMiddleware(t *testing.T) {
	c, _ := newTestClient(t)
	e := echo.New()

	handler := c.RateLimit(1, time.Minute, func(echo.Context) string { return "fixed" })(
		func(ec echo.Context) error { return ec.NoContent(http.StatusOK) },
	)

	ec := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	require.NoError(t, handler(ec))

	rec := httptest.NewRecorder()
	ec = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	err := handler(ec)
	assert.ErrorIs(t, err, apperror.ErrRateLimited)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}
