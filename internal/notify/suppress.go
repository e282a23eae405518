package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Suppressor deduplicates alert notifications across instances using a
// Redis SETNX-with-TTL key per identity and threat type. A nil client
// disables suppression.
type Suppressor struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSuppressor wraps the given client. ttl<=0 defaults to one minute.
func NewSuppressor(client *redis.Client, ttl time.Duration) *Suppressor {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Suppressor{client: client, ttl: ttl}
}

// ShouldNotify reports whether an alert keyed by (threatType, identity)
// has not been sent within the TTL, and claims the slot if so. Redis
// errors fail open so a broken cache never drops alerts.
func (s *Suppressor) ShouldNotify(ctx context.Context, threatType, identity string) (bool, error) {
	if s == nil || s.client == nil {
		return true, nil
	}

	key := fmt.Sprintf("crowsnest:suppress:%s:%s", threatType, identity)
	ok, err := s.client.SetNX(ctx, key, 1, s.ttl).Result()
	if err != nil {
		return true, fmt.Errorf("suppression check: %w", err)
	}
	return ok, nil
}
