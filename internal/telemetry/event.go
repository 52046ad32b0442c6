// Package telemetry defines the audit events emitted on auth and chat
// activity and the best-effort async emit path used by request handlers.
package telemetry

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one audit event. Events are JSON on the wire (Kafka, Loki).
type Event struct {
	ID        string            `json:"id"`
	EventType string            `json:"eventType"`
	Source    string            `json:"source"`
	UserID    string            `json:"userId,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// NewEvent returns an Event stamped with a fresh id and the current time.
func NewEvent(eventType, source, userID string, detail map[string]string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		EventType: eventType,
		Source:    source,
		UserID:    userID,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
}

// EventEmitter emits audit events. Callers use it best-effort: log and
// ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *Event) error
}
