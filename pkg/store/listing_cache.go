package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"rentalhub/pkg/domain"
)

const defaultListingCacheTTL = time.Hour

// Sets KEYS[1] only while the generation in KEYS[2] still equals ARGV[1].
var setIfGeneration = redis.NewScript(`
local gen = redis.call("GET", KEYS[2])
if not gen then
  gen = "0"
end
if gen ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

// CachedStore wraps a Store with a Redis read-through cache for single listings.
// Only the listing row is cached; the owner projection is attached on every
// read so user renames show up immediately. Every write bumps a per-listing
// generation, and a reader only fills the cache if the generation it saw
// before loading is still current.
type CachedStore struct {
	Store
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewCachedStore returns a Store whose GetListing is served from Redis when possible.
func NewCachedStore(inner Store, client redis.UniversalClient, prefix string, ttl time.Duration) *CachedStore {
	if prefix == "" {
		prefix = "rentalhub:listing:"
	}
	if ttl <= 0 {
		ttl = defaultListingCacheTTL
	}
	return &CachedStore{Store: inner, client: client, prefix: prefix, ttl: ttl}
}

func (c *CachedStore) key(id int64) string {
	return c.prefix + strconv.FormatInt(id, 10)
}

func (c *CachedStore) genKey(id int64) string {
	return c.prefix + "gen:" + strconv.FormatInt(id, 10)
}

// GetListing checks Redis, falling back to the wrapped store on miss or error.
func (c *CachedStore) GetListing(ctx context.Context, id int64) (domain.Listing, bool, error) {
	if l, ok := c.cached(ctx, id); ok {
		if withOwner, err := c.attachOwner(ctx, l); err == nil {
			return withOwner, true, nil
		}
	}

	gen, genErr := c.client.Get(ctx, c.genKey(id)).Result()
	switch {
	case errors.Is(genErr, redis.Nil):
		gen, genErr = "0", nil
	case genErr != nil:
		slog.Warn("listing cache generation read failed", "listing_id", id, "err", genErr)
	}

	l, ok, err := c.Store.GetListing(ctx, id)
	if err != nil || !ok {
		return l, ok, err
	}
	if genErr == nil {
		c.fill(ctx, l, gen)
	}
	return l, true, nil
}

func (c *CachedStore) cached(ctx context.Context, id int64) (domain.Listing, bool) {
	data, err := c.client.Get(ctx, c.key(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("listing cache get failed", "listing_id", id, "err", err)
		}
		return domain.Listing{}, false
	}
	var l domain.Listing
	if err := json.Unmarshal(data, &l); err != nil {
		return domain.Listing{}, false
	}
	return l, true
}

func (c *CachedStore) attachOwner(ctx context.Context, l domain.Listing) (domain.Listing, error) {
	l.Owner = nil
	u, ok, err := c.Store.GetUserByID(ctx, l.OwnerID)
	if err != nil {
		return domain.Listing{}, err
	}
	if ok {
		l.Owner = &domain.OwnerSummary{ID: u.ID, Username: u.Username}
	}
	return l, nil
}

func (c *CachedStore) MutateListing(ctx context.Context, id, actorID int64, fn ListingMutation) (domain.Listing, error) {
	l, err := c.Store.MutateListing(ctx, id, actorID, fn)
	if err == nil {
		c.invalidate(ctx, id)
	}
	return l, err
}

func (c *CachedStore) DeleteListing(ctx context.Context, id, actorID int64, check ListingCheck) (domain.Listing, error) {
	l, err := c.Store.DeleteListing(ctx, id, actorID, check)
	if err == nil {
		c.invalidate(ctx, id)
	}
	return l, err
}

func (c *CachedStore) fill(ctx context.Context, l domain.Listing, gen string) {
	l.Owner = nil
	data, err := json.Marshal(l)
	if err != nil {
		return
	}
	keys := []string{c.key(l.ID), c.genKey(l.ID)}
	if err := setIfGeneration.Run(ctx, c.client, keys, gen, data, c.ttl.Milliseconds()).Err(); err != nil {
		slog.Warn("listing cache set failed", "listing_id", l.ID, "err", err)
	}
}

// invalidate drops the cached row and bumps the generation in one transaction.
func (c *CachedStore) invalidate(ctx context.Context, id int64) {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, c.key(id))
	pipe.Incr(ctx, c.genKey(id))
	pipe.PExpire(ctx, c.genKey(id), 2*c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("listing cache invalidate failed", "listing_id", id, "err", err)
	}
}
