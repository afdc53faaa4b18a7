// Package cache holds short-lived delivery markers in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"crewdesk/internal/types"
)

const keyPrefix = "crewdesk:sent:"

// SentCache records that a message keyed by a caller-chosen idempotency key
// has already been handed to the carrier.
type SentCache struct {
	rdb   *redis.Client
	ttl   time.Duration
	clock types.Clock
}

func NewSentCache(rdb *redis.Client, ttl time.Duration) *SentCache {
	return &SentCache{rdb: rdb, ttl: ttl, clock: types.RealClock{}}
}

type sentValue struct {
	TwilioSID string    `json:"twilioSid"`
	SentAt    time.Time `json:"sentAt"`
}

// Mark stores sid under key. An existing marker is overwritten.
func (c *SentCache) Mark(ctx context.Context, key, sid string) error {
	b, err := json.Marshal(sentValue{TwilioSID: sid, SentAt: c.clock.Now().UTC()})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, keyPrefix+key, b, c.ttl).Err()
}

// Lookup returns the SID recorded for key, if any.
func (c *SentCache) Lookup(ctx context.Context, key string) (string, bool, error) {
	raw, err := c.rdb.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	var v sentValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false, err
	}
	return v.TwilioSID, true, nil
}

// Ping reports whether Redis is reachable.
func (c *SentCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
