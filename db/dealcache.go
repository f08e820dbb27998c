package db

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"dealdesk.io/common"
	"dealdesk.io/models"
)

// defaultDealCacheTTL bounds staleness of the deal-to-organization
// mapping when no TTL is configured.
const defaultDealCacheTTL = 10 * time.Minute

// DealResolver is the database half of the cache. *Store satisfies it.
type DealResolver interface {
	GetDeal(ctx context.Context, id string) (*models.Deal, error)
}

// DealCache resolves deal ids to owning organization ids through Redis,
// falling back to Postgres on miss. Webhook and search handlers hit
// this on every request, so the lookup must not touch the database on
// the hot path.
type DealCache struct {
	client *redis.Client
	store  DealResolver
	ttl    time.Duration
}

// NewDealCache creates a cache over the given Redis client and store.
// A non-positive ttl takes the 10 minute default.
func NewDealCache(client *redis.Client, store DealResolver, ttl time.Duration) *DealCache {
	if ttl <= 0 {
		ttl = defaultDealCacheTTL
	}
	return &DealCache{client: client, store: store, ttl: ttl}
}

// OpenRedis connects a Redis client and verifies the connection.
func OpenRedis(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	common.Logger.WithField("addr", addr).Info("connected to redis")
	return client, nil
}

func dealKey(dealID string) string {
	return "deal-org:" + dealID
}

// OrganizationFor returns the organization that owns the deal. Cache
// errors degrade to a database lookup, never to a request failure.
func (c *DealCache) OrganizationFor(ctx context.Context, dealID string) (string, error) {
	if c.client != nil {
		org, err := c.client.Get(ctx, dealKey(dealID)).Result()
		if err == nil && org != "" {
			return org, nil
		}
		if err != nil && err != redis.Nil {
			common.Logger.WithError(err).Warn("deal cache read failed")
		}
	}

	deal, err := c.store.GetDeal(ctx, dealID)
	if err != nil {
		return "", err
	}

	if c.client != nil {
		if err := c.client.Set(ctx, dealKey(dealID), deal.OrganizationID, c.ttl).Err(); err != nil {
			common.Logger.WithError(err).Warn("deal cache write failed")
		}
	}
	return deal.OrganizationID, nil
}

// Invalidate drops a cached mapping, used when a deal is reassigned.
func (c *DealCache) Invalidate(ctx context.Context, dealID string) {
	if c.client == nil {
		return
	}
	if err := c.client.Del(ctx, dealKey(dealID)).Err(); err != nil {
		common.Logger.WithError(err).Warn("deal cache invalidate failed")
	}
}
