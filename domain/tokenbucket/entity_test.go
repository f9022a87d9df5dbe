package tokenbucket

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/opennotes-dev/opennotes-server/internal/config"
)

func TestHoldActive(t *testing.T) {
	now := time.Now()
	released := now.Add(-time.Minute)

	tests := []struct {
		name string
		hold Hold
		want bool
	}{
		{"live", Hold{ExpiresAt: now.Add(time.Minute)}, true},
		{"expired", Hold{ExpiresAt: now.Add(-time.Second)}, false},
		{"released", Hold{ExpiresAt: now.Add(time.Minute), ReleasedAt: &released}, false},
		{"released and expired", Hold{ExpiresAt: now.Add(-time.Second), ReleasedAt: &released}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.hold.Active(now))
		})
	}
}

func TestStatusListsOpenHolds(t *testing.T) {
	now := time.Now().UTC()
	pool := &Pool{Name: "embeddings", Capacity: 100}
	holds := []Hold{
		{HolderID: "worker-1", Tokens: 30, AcquiredAt: now.Add(-2 * time.Minute), ExpiresAt: now.Add(time.Minute)},
		{HolderID: "worker-2", Tokens: 25, AcquiredAt: now.Add(-time.Minute), ExpiresAt: now.Add(2 * time.Minute)},
	}

	status := NewStatus(pool, holds)
	assert.Equal(t, 55, status.Used)
	assert.Equal(t, 45, status.Available)
	assert.Equal(t, 2, status.ActiveHolds)

	assert.Len(t, status.Holds, 2)
	assert.Equal(t, "worker-1", status.Holds[0].HolderID)
	assert.Equal(t, 30, status.Holds[0].Tokens)
	assert.Equal(t, now.Add(-2*time.Minute), status.Holds[0].AcquiredAt)
	assert.Equal(t, "worker-2", status.Holds[1].HolderID)
}

func TestStatusEmptyPool(t *testing.T) {
	status := NewStatus(&Pool{Name: "embeddings", Capacity: 10}, nil)
	assert.Equal(t, 10, status.Available)
	assert.Zero(t, status.ActiveHolds)
	assert.NotNil(t, status.Holds, "holds serialize as an empty list, not null")
}

func TestTryAcquireValidation(t *testing.T) {
	svc := NewService(nil, &config.Config{}, slog.Default())

	_, _, err := svc.TryAcquire(context.Background(), "embeddings", "h1", 0, time.Minute)
	assert.Error(t, err, "zero tokens must be rejected")

	_, _, err = svc.TryAcquire(context.Background(), "embeddings", "h1", -5, time.Minute)
	assert.Error(t, err, "negative tokens must be rejected")

	_, _, err = svc.TryAcquire(context.Background(), "embeddings", "", 5, time.Minute)
	assert.Error(t, err, "empty holder must be rejected")
}
