package services

import (
	"time"

	"github.com/google/uuid"
)

// TriggerEvent is an immutable fact describing something that happened; it
// is the sole input to workflow matching. Produced by the ticket service
// and by the SLA checker (breach feedback).
type TriggerEvent struct {
	EventID     string                 `json:"event_id"`
	TriggerType string                 `json:"trigger_type"`
	Payload     map[string]interface{} `json:"payload"`
	OccurredAt  time.Time              `json:"occurred_at"`
}

// NewTriggerEvent stamps a fresh event with a UUID and the current time.
func NewTriggerEvent(triggerType string, payload map[string]interface{}) TriggerEvent {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return TriggerEvent{
		EventID:     uuid.NewString(),
		TriggerType: triggerType,
		Payload:     payload,
		OccurredAt:  time.Now(),
	}
}
