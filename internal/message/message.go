package message

import (
	"github.com/google/uuid"
)

// Notification is the Kafka record announcing an outbox row ready for delivery.
type Notification struct {
	ID        uuid.UUID `json:"id"`
	SessionID string    `json:"sessionId"`
	Url       string    `json:"url"`
	Payload   string    `json:"payload"`
	Attempts  int       `json:"attempts"`
}
