// Package events publishes listing lifecycle events to a message bus after the
// corresponding store transaction has committed.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"rentalhub/pkg/domain"
)

var tracer = otel.Tracer("rentalhub/events")

// Message is the wire envelope for one lifecycle event.
type Message struct {
	ID         string               `json:"id"`
	Type       domain.EventType     `json:"type"`
	ListingID  int64                `json:"listingId"`
	OwnerID    int64                `json:"ownerId"`
	ActorID    int64                `json:"actorId"`
	FromStatus domain.ListingStatus `json:"fromStatus,omitempty"`
	ToStatus   domain.ListingStatus `json:"toStatus,omitempty"`
	Changes    []string             `json:"changes,omitempty"`
	OccurredAt time.Time            `json:"occurredAt"`
}

// NewMessage builds an envelope for a transition of l performed by actorID.
func NewMessage(typ domain.EventType, l domain.Listing, actorID int64, from domain.ListingStatus, changes []string) Message {
	m := Message{
		ID:         uuid.NewString(),
		Type:       typ,
		ListingID:  l.ID,
		OwnerID:    l.OwnerID,
		ActorID:    actorID,
		FromStatus: from,
		Changes:    changes,
		OccurredAt: time.Now().UTC(),
	}
	if typ != domain.EventDeleted {
		m.ToStatus = l.Status
	}
	return m
}

func (m Message) encode() ([]byte, error) {
	return json.Marshal(m)
}

// Publisher sends lifecycle events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Message) error { return nil }
func (NopPublisher) Close() error                           { return nil }
