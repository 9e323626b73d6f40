package message

import (
	"time"

	"github.com/google/uuid"
)

// DonationEvent is published to Kafka for every terminal donation transition.
type DonationEvent struct {
	ID            uuid.UUID `json:"id"`
	Event         string    `json:"event"`
	DonationID    uuid.UUID `json:"donationId"`
	State         string    `json:"state"`
	Gateway       string    `json:"gateway"`
	ExternalOrder string    `json:"externalOrderId,omitempty"`
	ReferenceCode string    `json:"referenceCode,omitempty"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	DonorName     string    `json:"donorName"`
	Email         string    `json:"email"`
	CampaignID    string    `json:"campaignId,omitempty"`
	Lang          string    `json:"lang,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

const (
	EventDonationCaptured  = "donation.captured"
	EventDonationFailed    = "donation.failed"
	EventDonationCancelled = "donation.cancelled"
)
