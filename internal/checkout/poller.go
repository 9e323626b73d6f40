package checkout

import (
	"context"
	"time"

	"donation-service/internal/gateway"
	"donation-service/internal/model"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultPollIntervalMs = 2_000
	defaultPollTimeoutMs  = 120_000
)

// Poller follows a donation on the backend until it settles.
type Poller struct {
	backend  *Backend
	interval time.Duration
	timeout  time.Duration
}

func NewPoller(backend *Backend, intervalMs, timeoutMs int) *Poller {
	if intervalMs <= 0 {
		intervalMs = defaultPollIntervalMs
	}
	if timeoutMs <= 0 {
		timeoutMs = defaultPollTimeoutMs
	}
	return &Poller{
		backend:  backend,
		interval: time.Duration(intervalMs) * time.Millisecond,
		timeout:  time.Duration(timeoutMs) * time.Millisecond,
	}
}

// Await polls the donation status until it is terminal. When the timeout
// passes first the result is reported as Pending.
func (p *Poller) Await(ctx context.Context, id uuid.UUID) (*gateway.CaptureResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		status, err := p.backend.Status(ctx, id)
		switch {
		case err == nil:
			if result := settled(model.State(status.State), status.ReferenceCode, status.Amount.String(), status.DonorName, status.FailureReason); result != nil {
				return result, nil
			}
		case ctx.Err() != nil:
		case !Unavailable(err):
			return nil, err
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return &gateway.CaptureResult{Pending: true}, nil
		}
	}
}

func settled(state model.State, referenceCode, amount, donorName, reason string) *gateway.CaptureResult {
	switch state {
	case model.StateCaptured:
		value, err := decimal.NewFromString(amount)
		if err != nil {
			value = decimal.Zero
		}
		return &gateway.CaptureResult{Success: true, ReferenceCode: referenceCode, Amount: value, DonorName: donorName}
	case model.StateFailed:
		return &gateway.CaptureResult{Success: false, ErrorMessage: reason}
	case model.StateCancelled:
		return &gateway.CaptureResult{Abandoned: true}
	default:
		return nil
	}
}
