package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	sess, err := c.CreateSession(ctx, "user-1", json.RawMessage(`{"device":"cli"}`), time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, "user-1", sess.UserID)

	got, ok, err := c.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sess.ID, got.ID)
	assert.JSONEq(t, `{"device":"cli"}`, string(got.Data))

	require.NoError(t, c.RevokeSession(ctx, sess.ID))
	_, ok, err = c.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSessionExpiredOnRead(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	sess, err := c.CreateSession(ctx, "user-2", nil, time.Hour)
	require.NoError(t, err)

	// Corrupt the recorded expiry to the past; the key itself still exists.
	stored, ok, err := c.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, ok)
	stored.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, c.SetJSON(ctx, c.sessionKey(sess.ID), stored, time.Hour))

	_, ok, err = c.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, ok, "expired-on-read session is reported missing")

	exists, err := c.Exists(ctx, c.sessionKey(sess.ID))
	require.NoError(t, err)
	assert.False(t, exists, "expired-on-read session is deleted")
}

func TestRefreshSession(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	sess, err := c.CreateSession(ctx, "user-3", nil, time.Minute)
	require.NoError(t, err)

	ok, err := c.RefreshSession(ctx, sess.ID, 2*time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	got, ok, err := c.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.ExpiresAt.After(time.Now().Add(time.Hour)))

	ok, err = c.RefreshSession(ctx, "no-such-session", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRevokeUserSessions(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	s1, err := c.CreateSession(ctx, "user-4", nil, time.Hour)
	require.NoError(t, err)
	s2, err := c.CreateSession(ctx, "user-4", nil, time.Hour)
	require.NoError(t, err)
	other, err := c.CreateSession(ctx, "user-5", nil, time.Hour)
	require.NoError(t, err)

	n, err := c.RevokeUserSessions(ctx, "user-4")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{s1.ID, s2.ID} {
		_, ok, err := c.GetSession(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
	}

	_, ok, err := c.GetSession(ctx, other.ID)
	require.NoError(t, err)
	assert.True(t, ok, "other users keep their sessions")

	revoked, err := c.IsRevoked(ctx, "user-4")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = c.IsRevoked(ctx, "user-5")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestIsRevokedPropagatesBackendError(t *testing.T) {
	c, mr := newTestClient(t)
	mr.Close()

	_, err := c.IsRevoked(context.Background(), "user-6")
	assert.Error(t, err, "auth middleware fails closed on this error")
}
