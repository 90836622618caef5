package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EventType names a marketplace lifecycle transition.
type EventType string

const (
	EventOrdersPublished  EventType = "orders_published"
	EventOrderClaimed     EventType = "order_claimed"
	EventOrderSubmitted   EventType = "order_submitted"
	EventAuditClaimed     EventType = "audit_claimed"
	EventAuditSubmitted   EventType = "audit_submitted"
	EventOrderForked      EventType = "order_forked"
	EventClaimExpired     EventType = "claim_expired"
	EventAuditClaimLapsed EventType = "audit_claim_lapsed"
)

// Event announces a committed marketplace change. It carries enough to let
// peers decide whether to re-read the marketplace.
type Event struct {
	Type     EventType `json:"type"`
	PaperID  string    `json:"paperId"`
	OrderID  string    `json:"workOrderId,omitempty"`
	Actor    string    `json:"actor,omitempty"`
	Status   string    `json:"status,omitempty"`
	Revision int64     `json:"revision"`
	At       time.Time `json:"timestamp"`
}

// Marshal encodes the event for the wire.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent decodes an event received from the wire.
func UnmarshalEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decoding event: %w", err)
	}
	if e.Type == "" || e.PaperID == "" {
		return Event{}, fmt.Errorf("decoding event: missing type or paper id")
	}
	return e, nil
}

// Publisher delivers marketplace events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
