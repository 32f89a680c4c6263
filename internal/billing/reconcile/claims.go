package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClaimState is the outcome of claiming an event id.
type ClaimState int

const (
	// ClaimAcquired means the caller owns the event until Complete or Release.
	ClaimAcquired ClaimState = iota
	// ClaimInFlight means another worker is processing the event right now.
	ClaimInFlight
	// ClaimDone means the event was processed before.
	ClaimDone
)

const (
	claimProcessing = "processing"
	claimDone       = "done"
)

// Claims coordinates concurrent deliveries of the same gateway event across
// processes. The audit trail stays the source of truth; claims only keep two
// deliveries from racing and short-circuit obvious replays.
type Claims interface {
	Claim(ctx context.Context, eventID string) (ClaimState, error)
	Complete(ctx context.Context, eventID string) error
	Release(ctx context.Context, eventID string) error
}

// RedisClaims implements Claims with SET NX.
type RedisClaims struct {
	client  *redis.Client
	ttl     time.Duration
	doneTTL time.Duration
	prefix  string
}

// NewRedisClaims builds redis backed claims. ttl bounds how long a crashed
// worker can hold an event.
func NewRedisClaims(client *redis.Client, ttl time.Duration) *RedisClaims {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisClaims{client: client, ttl: ttl, doneTTL: 72 * time.Hour, prefix: "billing:webhook:event:"}
}

var _ Claims = (*RedisClaims)(nil)

func (c *RedisClaims) Claim(ctx context.Context, eventID string) (ClaimState, error) {
	key := c.prefix + eventID
	ok, err := c.client.SetNX(ctx, key, claimProcessing, c.ttl).Result()
	if err != nil {
		return ClaimAcquired, err
	}
	if ok {
		return ClaimAcquired, nil
	}
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// expired between the two calls
		return c.Claim(ctx, eventID)
	}
	if err != nil {
		return ClaimAcquired, err
	}
	if val == claimDone {
		return ClaimDone, nil
	}
	return ClaimInFlight, nil
}

func (c *RedisClaims) Complete(ctx context.Context, eventID string) error {
	return c.client.Set(ctx, c.prefix+eventID, claimDone, c.doneTTL).Err()
}

func (c *RedisClaims) Release(ctx context.Context, eventID string) error {
	return c.client.Del(ctx, c.prefix+eventID).Err()
}

// noClaims is used when no redis is configured.
type noClaims struct{}

func (noClaims) Claim(context.Context, string) (ClaimState, error) { return ClaimAcquired, nil }
func (noClaims) Complete(context.Context, string) error            { return nil }
func (noClaims) Release(context.Context, string) error             { return nil }
