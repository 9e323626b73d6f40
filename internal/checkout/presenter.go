// Package checkout runs a donor's checkout against the donation backend: it
// creates the gateway order, waits for the donor's decision in the gateway
// widget and settles the payment.
package checkout

import (
	"context"
	"log/slog"
	"sync"

	"donation-service/internal/gateway"
	"donation-service/internal/model"
	"donation-service/internal/report"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StateApproved   State = "approved"
	StateError      State = "error"
	StateCancelled  State = "cancelled"
)

var (
	ErrCheckoutInProgress = errors.New("checkout already in progress")
	ErrNotRetryable       = errors.New("checkout can only be retried after an error")
	ErrNoCheckout         = errors.New("no checkout in progress")
	// ErrDonationDeclined rejects a Begin for a donation the gateway already
	// declined. Paying again needs a new donation intent.
	ErrDonationDeclined = errors.New("donation was declined, submit a new donation")
	// ErrCancelled is returned by Run when the donor closed the checkout. It
	// is not a failure.
	ErrCancelled = errors.New("checkout cancelled by donor")
)

type EventKind int

const (
	EventApprove EventKind = iota + 1
	EventCancel
	EventFail
)

// Event is a widget callback normalized across gateways.
type Event struct {
	Kind    EventKind
	OrderID string
	Err     error
}

type Adapter interface {
	CreateOrder(ctx context.Context, rec *model.DonationRecord) (*gateway.Order, error)
	CaptureOrder(ctx context.Context, externalOrderID string) (*gateway.CaptureResult, error)
}

type Canceller interface {
	Cancel(ctx context.Context, id uuid.UUID) error
}

type Receipt struct {
	DonationID      uuid.UUID
	ExternalOrderID string
	ReferenceCode   string
	Amount          decimal.Decimal
	Currency        model.Currency
	DonorName       string
}

// Reporter shows the checkout result to the donor.
type Reporter interface {
	Approved(ctx context.Context, receipt Receipt, message string)
	Failed(ctx context.Context, message string)
	Cancelled(ctx context.Context)
}

// Presenter is the checkout state machine:
// Idle -> Processing -> Approved | Error | Cancelled, and Error -> Idle on Retry.
type Presenter struct {
	adapter   Adapter
	canceller Canceller
	reporter  Reporter
	lang      string
	logger    *slog.Logger

	mu        sync.Mutex
	state     State
	capturing bool
	rec       *model.DonationRecord
	order     *gateway.Order
	message   string
	declined  map[uuid.UUID]bool
}

func NewPresenter(adapter Adapter, canceller Canceller, reporter Reporter, lang string, logger *slog.Logger) *Presenter {
	return &Presenter{
		adapter:   adapter,
		canceller: canceller,
		reporter:  reporter,
		lang:      lang,
		logger:    logger,
		state:     StateIdle,
		declined:  map[uuid.UUID]bool{},
	}
}

func (p *Presenter) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Message is the text shown to the donor for the current state.
func (p *Presenter) Message() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.message
}

// Begin creates the gateway order for rec. Only one checkout runs at a time;
// a second Begin is rejected, never queued.
func (p *Presenter) Begin(ctx context.Context, rec *model.DonationRecord) (*gateway.Order, error) {
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return nil, ErrCheckoutInProgress
	}
	if p.declined[rec.ID] {
		p.mu.Unlock()
		return nil, ErrDonationDeclined
	}
	p.state = StateProcessing
	p.rec = rec
	p.order = nil
	p.message = ""
	p.mu.Unlock()

	order, err := p.adapter.CreateOrder(ctx, rec)
	if err != nil {
		p.logger.WarnContext(ctx, "Error creating gateway order", "donationId", rec.ID, "error", err)
		p.fail(ctx, p.errorMessage(err))
		return nil, err
	}

	p.mu.Lock()
	p.order = order
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "Gateway order created", "donationId", rec.ID, "orderId", order.ExternalOrderID)
	return order, nil
}

// Handle applies a widget event to the running checkout.
func (p *Presenter) Handle(ctx context.Context, ev Event) error {
	p.mu.Lock()
	if p.state != StateProcessing || p.order == nil {
		p.mu.Unlock()
		return ErrNoCheckout
	}
	if p.capturing {
		p.mu.Unlock()
		return ErrCheckoutInProgress
	}
	rec, order := p.rec, p.order
	if ev.Kind == EventApprove {
		p.capturing = true
	}
	p.mu.Unlock()

	switch ev.Kind {
	case EventApprove:
		p.approve(ctx, rec, order, ev.OrderID)
	case EventCancel:
		p.cancel(ctx, rec)
	default:
		p.logger.WarnContext(ctx, "Checkout widget reported an error", "donationId", rec.ID, "error", ev.Err)
		p.fail(ctx, p.errorMessage(ev.Err))
	}
	return nil
}

// Retry moves a failed checkout back to Idle. A checkout that failed before
// the gateway decided can Begin again with the same donation. A declined
// donation is final: Begin rejects it and the donor submits a new intent.
func (p *Presenter) Retry() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateError {
		return ErrNotRetryable
	}
	p.state = StateIdle
	p.message = ""
	return nil
}

// Run begins the checkout and handles widget events until the checkout
// leaves Processing.
func (p *Presenter) Run(ctx context.Context, rec *model.DonationRecord, events <-chan Event) (State, error) {
	if _, err := p.Begin(ctx, rec); err != nil {
		return p.State(), err
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				ev = Event{Kind: EventCancel}
			}
			if err := p.Handle(ctx, ev); err != nil {
				return p.State(), err
			}
			switch state := p.State(); state {
			case StateApproved:
				return state, nil
			case StateCancelled:
				return state, ErrCancelled
			case StateError:
				return state, errors.New(p.Message())
			}
		case <-ctx.Done():
			return p.State(), ctx.Err()
		}
	}
}

func (p *Presenter) approve(ctx context.Context, rec *model.DonationRecord, order *gateway.Order, orderID string) {
	if orderID == "" {
		orderID = order.ExternalOrderID
	}

	result, err := p.adapter.CaptureOrder(ctx, orderID)
	switch {
	case err != nil:
		p.logger.WarnContext(ctx, "Error capturing order", "donationId", rec.ID, "orderId", orderID, "error", err)
		p.fail(ctx, p.errorMessage(err))
	case result.Success:
		receipt := Receipt{
			DonationID:      rec.ID,
			ExternalOrderID: orderID,
			ReferenceCode:   result.ReferenceCode,
			Amount:          result.Amount,
			Currency:        rec.Currency,
			DonorName:       result.DonorName,
		}
		if receipt.Amount.IsZero() {
			receipt.Amount = rec.Amount
		}
		if receipt.DonorName == "" {
			receipt.DonorName = rec.DonorName
		}
		msg := report.Approved(p.lang, receipt.DonorName, receipt.Amount, receipt.Currency, receipt.ReferenceCode)
		p.finish(StateApproved, msg)
		p.logger.InfoContext(ctx, "Donation approved", "donationId", rec.ID, "referenceCode", receipt.ReferenceCode)
		p.reporter.Approved(ctx, receipt, msg)
	case result.Abandoned:
		p.finish(StateCancelled, "")
		p.reporter.Cancelled(ctx)
	case result.Pending:
		p.fail(ctx, report.Processing(p.lang))
	default:
		decline := result.Declined(rec.Gateway)
		p.logger.InfoContext(ctx, "Donation declined", "donationId", rec.ID, "error", decline)
		p.mu.Lock()
		p.declined[rec.ID] = true
		p.mu.Unlock()
		p.fail(ctx, p.errorMessage(decline))
	}
}

func (p *Presenter) cancel(ctx context.Context, rec *model.DonationRecord) {
	p.finish(StateCancelled, "")
	p.logger.InfoContext(ctx, "Checkout cancelled by donor", "donationId", rec.ID)

	if p.canceller != nil {
		if err := p.canceller.Cancel(ctx, rec.ID); err != nil {
			p.logger.InfoContext(ctx, "Could not cancel donation", "donationId", rec.ID, "error", err)
		}
	}
	p.reporter.Cancelled(ctx)
}

func (p *Presenter) fail(ctx context.Context, msg string) {
	p.finish(StateError, msg)
	p.reporter.Failed(ctx, msg)
}

func (p *Presenter) finish(state State, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
	p.message = msg
	p.capturing = false
}

func (p *Presenter) errorMessage(err error) string {
	var decline *gateway.DeclineError
	if errors.As(err, &decline) {
		return report.Declined(p.lang)
	}
	if gateway.IsUnavailable(err) || Unavailable(err) {
		return report.Unavailable(p.lang)
	}
	return report.Problem(p.lang)
}
