package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Session is a server-side session blob keyed by opaque id.
type Session struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

func (c *Client) sessionKey(id string) string {
	return c.Key("session", id)
}

func (c *Client) userSessionsKey(userID string) string {
	return c.Key("user-sessions", userID)
}

func (c *Client) revokedKey(userID string) string {
	return c.Key("revoked", userID)
}

// CreateSession stores a new session and indexes it under the user's set.
func (c *Client) CreateSession(ctx context.Context, userID string, data json.RawMessage, ttl time.Duration) (*Session, error) {
	if ttl <= 0 {
		ttl = c.cfg.Redis.SessionTTL
	}
	now := time.Now()
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Data:      data,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	if err := c.SetJSON(ctx, c.sessionKey(sess.ID), sess, ttl); err != nil {
		return nil, err
	}
	if err := c.rdb.SAdd(ctx, c.userSessionsKey(userID), sess.ID).Err(); err != nil {
		return nil, err
	}
	// Keep the index alive at least as long as its newest session.
	_ = c.rdb.Expire(ctx, c.userSessionsKey(userID), ttl).Err()
	return sess, nil
}

// GetSession fetches a session. A session past its recorded expiry is deleted
// and reported missing.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, bool, error) {
	var sess Session
	ok, err := c.GetJSON(ctx, c.sessionKey(id), &sess)
	if err != nil || !ok {
		return nil, false, err
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = c.Delete(ctx, c.sessionKey(id))
		_ = c.rdb.SRem(ctx, c.userSessionsKey(sess.UserID), id).Err()
		return nil, false, nil
	}
	return &sess, true, nil
}

// RefreshSession extends a live session's expiry.
func (c *Client) RefreshSession(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	sess, ok, err := c.GetSession(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	sess.ExpiresAt = time.Now().Add(ttl)
	if err := c.SetJSON(ctx, c.sessionKey(id), sess, ttl); err != nil {
		return false, err
	}
	return true, nil
}

// RevokeSession deletes a single session.
func (c *Client) RevokeSession(ctx context.Context, id string) error {
	sess, ok, err := c.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if ok {
		_ = c.rdb.SRem(ctx, c.userSessionsKey(sess.UserID), id).Err()
	}
	return c.Delete(ctx, c.sessionKey(id))
}

// RevokeUserSessions deletes every session for a user and marks the user
// revoked for the bearer-token revocation check. The mark lives as long as
// the oldest token that could still be presented.
func (c *Client) RevokeUserSessions(ctx context.Context, userID string) (int, error) {
	ids, err := c.rdb.SMembers(ctx, c.userSessionsKey(userID)).Result()
	if err != nil {
		return 0, err
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, c.sessionKey(id))
	}
	keys = append(keys, c.userSessionsKey(userID))
	if err := c.Delete(ctx, keys...); err != nil {
		return 0, err
	}

	if err := c.rdb.Set(ctx, c.revokedKey(userID), "1", c.cfg.Auth.MaxTokenAge()).Err(); err != nil {
		return len(ids), err
	}
	return len(ids), nil
}

// IsRevoked implements auth.RevocationChecker. Errors propagate so the auth
// middleware can fail closed.
func (c *Client) IsRevoked(ctx context.Context, subject string) (bool, error) {
	return c.Exists(ctx, c.revokedKey(subject))
}
