package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"rentalhub/pkg/domain"
)

func TestCachedStoreReadThroughAndInvalidate(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	inner := NewMemoryStore()
	s := NewCachedStore(inner, client, "test:listing:", time.Minute)
	ctx := context.Background()

	owner, err := s.CreateUser(ctx, domain.User{Username: "owner", Email: "owner@example.com", Role: domain.RoleUser})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	l, err := s.CreateListing(ctx, domain.Listing{OwnerID: owner.ID, Title: "Room A", Price: 8000, Status: domain.StatusPending}, owner.ID)
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	if _, ok, err := s.GetListing(ctx, l.ID); err != nil || !ok {
		t.Fatalf("expected listing, ok=%v err=%v", ok, err)
	}
	key := "test:listing:1"
	if !mr.Exists(key) {
		t.Fatalf("expected %s to be cached", key)
	}
	if ttl := mr.TTL(key); ttl != time.Minute {
		t.Fatalf("expected ttl 1m, got %s", ttl)
	}

	if _, err := s.MutateListing(ctx, l.ID, owner.ID, func(cur *domain.Listing) (domain.EventType, error) {
		cur.Title = "Room B"
		return domain.EventUpdated, nil
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if mr.Exists(key) {
		t.Fatalf("expected cache invalidated after mutate")
	}
	got, _, err := s.GetListing(ctx, l.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Room B" {
		t.Fatalf("expected fresh title, got %q", got.Title)
	}

	if _, err := s.DeleteListing(ctx, l.ID, owner.ID, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if mr.Exists(key) {
		t.Fatalf("expected cache invalidated after delete")
	}
	if _, ok, _ := s.GetListing(ctx, l.ID); ok {
		t.Fatalf("expected listing gone")
	}
}

func TestCachedStoreFallsBackWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	inner := NewMemoryStore()
	s := NewCachedStore(inner, client, "", 0)
	ctx := context.Background()
	l, err := inner.CreateListing(ctx, domain.Listing{OwnerID: 1, Title: "Room A", Price: 1, Status: domain.StatusActive}, 1)
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	mr.Close()
	got, ok, err := s.GetListing(ctx, l.ID)
	if err != nil || !ok {
		t.Fatalf("expected fallback to inner store, ok=%v err=%v", ok, err)
	}
	if got.Title != "Room A" {
		t.Fatalf("unexpected listing: %+v", got)
	}
}

func newCachedTestStore(t *testing.T, inner Store) (*CachedStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCachedStore(inner, client, "test:listing:", time.Minute), mr
}

func seedOwnedListing(t *testing.T, s Store) (domain.User, domain.Listing) {
	t.Helper()
	ctx := context.Background()
	owner, err := s.CreateUser(ctx, domain.User{Username: "alice", Email: "alice@example.com", Role: domain.RoleUser})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	l, err := s.CreateListing(ctx, domain.Listing{OwnerID: owner.ID, Title: "Room A", Price: 8000, Status: domain.StatusPending}, owner.ID)
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	return owner, l
}

func TestCachedStoreReflectsOwnerRename(t *testing.T) {
	s, mr := newCachedTestStore(t, NewMemoryStore())
	ctx := context.Background()
	owner, l := seedOwnedListing(t, s)

	first, _, err := s.GetListing(ctx, l.ID)
	if err != nil || first.Owner == nil || first.Owner.Username != "alice" {
		t.Fatalf("first read owner = %+v, %v", first.Owner, err)
	}
	raw, err := mr.Get("test:listing:1")
	if err != nil {
		t.Fatalf("expected cached row: %v", err)
	}
	if strings.Contains(raw, "alice") {
		t.Fatalf("owner projection must not be cached: %s", raw)
	}

	owner.Username = "alice2"
	if _, err := s.UpdateUser(ctx, owner); err != nil {
		t.Fatalf("rename: %v", err)
	}
	got, _, err := s.GetListing(ctx, l.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Owner == nil || got.Owner.Username != "alice2" {
		t.Fatalf("cached owner = %+v, want alice2", got.Owner)
	}
}

// racingStore approves the listing through the cache right after the inner
// read, before the reader fills the cache.
type racingStore struct {
	*MemoryStore
	afterGet func()
}

func (r *racingStore) GetListing(ctx context.Context, id int64) (domain.Listing, bool, error) {
	l, ok, err := r.MemoryStore.GetListing(ctx, id)
	if hook := r.afterGet; hook != nil {
		r.afterGet = nil
		hook()
	}
	return l, ok, err
}

func TestCachedStoreDropsFillAfterConcurrentWrite(t *testing.T) {
	inner := &racingStore{MemoryStore: NewMemoryStore()}
	s, mr := newCachedTestStore(t, inner)
	ctx := context.Background()
	owner, l := seedOwnedListing(t, s)

	inner.afterGet = func() {
		if _, err := s.MutateListing(ctx, l.ID, owner.ID, func(cur *domain.Listing) (domain.EventType, error) {
			cur.Status = domain.StatusActive
			cur.Verified = true
			return domain.EventApproved, nil
		}); err != nil {
			t.Errorf("approve: %v", err)
		}
	}
	stale, _, err := s.GetListing(ctx, l.ID)
	if err != nil {
		t.Fatalf("racing get: %v", err)
	}
	if stale.Status != domain.StatusPending {
		t.Fatalf("reader should have loaded the pre-approval row, got %s", stale.Status)
	}
	if mr.Exists("test:listing:1") {
		t.Fatalf("stale row was cached after a concurrent write")
	}

	got, _, err := s.GetListing(ctx, l.ID)
	if err != nil || got.Status != domain.StatusActive || !got.Verified {
		t.Fatalf("after approve = %s/%v, %v", got.Status, got.Verified, err)
	}
	if !mr.Exists("test:listing:1") {
		t.Fatalf("fresh row should be cached once no write intervenes")
	}
}
