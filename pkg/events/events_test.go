package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"rentalhub/pkg/domain"
)

func TestNewMessage(t *testing.T) {
	l := domain.Listing{ID: 7, OwnerID: 3, Status: domain.StatusActive}
	m := NewMessage(domain.EventApproved, l, 1, domain.StatusPending, []string{"status", "verified"})
	if m.ID == "" || m.OccurredAt.IsZero() {
		t.Fatalf("expected id and timestamp, got %+v", m)
	}
	if m.ListingID != 7 || m.OwnerID != 3 || m.ActorID != 1 {
		t.Fatalf("unexpected ids: %+v", m)
	}
	if m.FromStatus != domain.StatusPending || m.ToStatus != domain.StatusActive {
		t.Fatalf("unexpected statuses: %+v", m)
	}

	deleted := NewMessage(domain.EventDeleted, l, 3, domain.StatusActive, nil)
	if deleted.ToStatus != "" {
		t.Fatalf("deleted event should carry no target status, got %q", deleted.ToStatus)
	}
}

func TestRedisStreamPublisherAppends(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	pub, err := NewRedisStreamPublisher(client, RedisStreamConfig{Stream: "test:events"})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	ctx := context.Background()
	msg := NewMessage(domain.EventCreated, domain.Listing{ID: 1, OwnerID: 2, Status: domain.StatusPending}, 2, "", nil)
	if err := pub.Publish(ctx, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	entries, err := client.XRange(ctx, "test:events", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	values := entries[0].Values
	if values["type"] != string(domain.EventCreated) || values["listing_id"] != "1" {
		t.Fatalf("unexpected entry: %+v", values)
	}
	var decoded Message
	if err := json.Unmarshal([]byte(values["payload"].(string)), &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.ID != msg.ID || decoded.ToStatus != domain.StatusPending {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
}

func TestNewRedisStreamPublisherRequiresClient(t *testing.T) {
	if _, err := NewRedisStreamPublisher(nil, RedisStreamConfig{}); err == nil {
		t.Fatalf("expected error for nil client")
	}
}
