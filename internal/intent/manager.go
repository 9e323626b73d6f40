package intent

import (
	"context"
	"log/slog"

	"donation-service/internal/db"
	"donation-service/internal/model"
	"donation-service/internal/payload"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	intentInvalidCounter = metrics.GetOrCreateCounter(`donation_intent_total{result="invalid"}`)
	intentErrorCounter   = metrics.GetOrCreateCounter(`donation_intent_total{result="error"}`)
	intentCreatedCounter = metrics.GetOrCreateCounter(`donation_intent_total{result="created"}`)
)

// Ledger creates the pending donation record for a validated intent.
type Ledger interface {
	CreatePending(ctx context.Context, intent model.DonationIntent, idempotencyKey string) (*model.DonationRecord, error)
}

type Manager struct {
	ledger Ledger
	rules  Rules
	logger *slog.Logger
}

func NewManager(ledger Ledger, rules Rules, logger *slog.Logger) *Manager {
	return &Manager{ledger: ledger, rules: rules, logger: logger}
}

// Submit validates the form and requests a pending donation. The ledger is
// not contacted when validation fails.
func (m *Manager) Submit(ctx context.Context, form payload.Donation, idempotencyKey string) (*model.DonationRecord, error) {
	intent, err := Validate(form, m.rules)
	if err != nil {
		intentInvalidCounter.Inc()
		m.logger.InfoContext(ctx, "Rejected donation form", "error", err)
		return nil, err
	}

	rec, err := m.ledger.CreatePending(ctx, intent, idempotencyKey)
	if err != nil {
		intentErrorCounter.Inc()
		return nil, errors.Wrap(err, "create pending donation")
	}

	intentCreatedCounter.Inc()
	m.logger.InfoContext(ctx, "Created pending donation", "donationId", rec.ID, "gateway", rec.Gateway)
	return rec, nil
}

// StoreLedger writes pending donations straight to the donation table.
type StoreLedger struct {
	repo *db.DonationRepository
}

func NewStoreLedger(repo *db.DonationRepository) *StoreLedger {
	return &StoreLedger{repo: repo}
}

func (l *StoreLedger) CreatePending(ctx context.Context, intent model.DonationIntent, idempotencyKey string) (*model.DonationRecord, error) {
	return l.repo.Create(ctx, NewRecord(intent, idempotencyKey))
}

// NewRecord copies the intent into a new pending record.
func NewRecord(intent model.DonationIntent, idempotencyKey string) *model.DonationRecord {
	rec := &model.DonationRecord{
		ID:        uuid.New(),
		State:     model.StatePending,
		Gateway:   intent.Gateway,
		Amount:    intent.Amount,
		Currency:  intent.Currency,
		DonorName: intent.DonorName(),
		Email:     intent.Email,
		Country:   intent.Country,
		Lang:      intent.Lang,
	}
	if intent.CampaignID != "" {
		campaignID := intent.CampaignID
		rec.CampaignID = &campaignID
	}
	if idempotencyKey != "" {
		rec.IdempotencyKey = &idempotencyKey
	}
	return rec
}
