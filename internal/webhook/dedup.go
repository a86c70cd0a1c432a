package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	dedupPrefix = "autopilot:delivery:"
	// DefaultDedupTTL outlives the remote scheduler's redelivery horizon
	DefaultDedupTTL = 24 * time.Hour
)

// Deduper remembers which remote deliveries already ran, keyed by message id
type Deduper struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewDeduper creates a deduper. ttl <= 0 uses DefaultDedupTTL.
func NewDeduper(client redis.UniversalClient, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &Deduper{client: client, ttl: ttl}
}

// Claim marks the message as in flight. It returns false when another delivery of
// the same message already claimed it.
func (d *Deduper) Claim(ctx context.Context, messageID string) (bool, error) {
	ok, err := d.client.SetNX(ctx, dedupPrefix+messageID, time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup claim %s: %w", messageID, err)
	}
	return ok, nil
}

// Release forgets a claim so a redelivery of a failed message runs again
func (d *Deduper) Release(ctx context.Context, messageID string) error {
	if err := d.client.Del(ctx, dedupPrefix+messageID).Err(); err != nil {
		return fmt.Errorf("dedup release %s: %w", messageID, err)
	}
	return nil
}
