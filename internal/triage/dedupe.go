package triage

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/carebridge/triage/internal/shared/config"
	"github.com/carebridge/triage/internal/shared/errors"
)

const dedupePrefix = "triage:dedupe:"

// Deduper claims inbound message identifiers so gateway redeliveries
// process exactly once. A double-processed message would double-count
// toward the auto-lock window.
type Deduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDeduper creates a deduper backed by redis
func NewDeduper(cfg config.RedisConfig) *Deduper {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Deduper{client: client, ttl: cfg.DedupeTTL}
}

// NewDeduperWithClient wraps an existing redis client (tests use this
// with miniredis)
func NewDeduperWithClient(client *redis.Client, ttl time.Duration) *Deduper {
	return &Deduper{client: client, ttl: ttl}
}

// Claim atomically claims an external message ID. Returns true when
// this call won the claim; false means the message was already seen.
func (d *Deduper) Claim(ctx context.Context, externalID string) (bool, error) {
	ok, err := d.client.SetNX(ctx, dedupePrefix+externalID, 1, d.ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "dedupe claim failed")
	}
	return ok, nil
}

// Release gives back a claim so a gateway redelivery can process the
// message fresh. Called when the pipeline fails after winning the
// claim; without it the redelivery would be swallowed as a duplicate
// until the TTL expires.
func (d *Deduper) Release(ctx context.Context, externalID string) error {
	if err := d.client.Del(ctx, dedupePrefix+externalID).Err(); err != nil {
		return errors.Wrap(err, "dedupe release failed")
	}
	return nil
}

// Health pings the dedupe store
func (d *Deduper) Health(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

// Close releases the redis connection
func (d *Deduper) Close() error {
	return d.client.Close()
}
