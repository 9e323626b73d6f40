package db

import (
	"time"

	"github.com/google/uuid"
)

// DonationEventEntity is an outbox row. It is written in the same transaction
// as the donation transition it describes and later published to Kafka.
type DonationEventEntity struct {
	ID              uuid.UUID
	DonationID      uuid.UUID
	Event           string
	Payload         string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ScheduledAt     *time.Time
	PublishedAt     *time.Time
	PublishAttempts int
	Error           *string
}
