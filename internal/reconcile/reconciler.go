package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"donation-service/internal/config"
	"donation-service/internal/db"
	"donation-service/internal/gateway"
	"donation-service/internal/logcontext"
	"donation-service/internal/message"
	"donation-service/internal/model"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	defaultRetryDelayMs = 30_000
	defaultMaxAttempts  = 5
)

var (
	reconcileCapturedCounter    = metrics.GetOrCreateCounter(`donation_reconcile_total{result="captured"}`)
	reconcileFailedCounter      = metrics.GetOrCreateCounter(`donation_reconcile_total{result="failed"}`)
	reconcileReplayedCounter    = metrics.GetOrCreateCounter(`donation_reconcile_total{result="replayed"}`)
	reconcileUnavailableCounter = metrics.GetOrCreateCounter(`donation_reconcile_total{result="unavailable"}`)
	reconcileAwaitingCounter    = metrics.GetOrCreateCounter(`donation_reconcile_total{result="awaiting_confirmation"}`)
	reconcileAbandonedCounter   = metrics.GetOrCreateCounter(`donation_reconcile_total{result="abandoned"}`)
	reconcileErrorCounter       = metrics.GetOrCreateCounter(`donation_reconcile_total{result="error"}`)
	reconcileMismatchCounter    = metrics.GetOrCreateCounter(`donation_reconcile_total{result="mismatch"}`)

	reconcileDurationHistogram = metrics.GetOrCreateHistogram(`donation_reconcile_duration_milliseconds`)

	checkoutCreatedCounter = metrics.GetOrCreateCounter(`donation_checkout_total{result="created"}`)
	checkoutReusedCounter  = metrics.GetOrCreateCounter(`donation_checkout_total{result="reused"}`)
	checkoutErrorCounter   = metrics.GetOrCreateCounter(`donation_checkout_total{result="error"}`)

	cancelDoneCounter    = metrics.GetOrCreateCounter(`donation_cancel_total{result="cancelled"}`)
	cancelIgnoredCounter = metrics.GetOrCreateCounter(`donation_cancel_total{result="ignored"}`)
)

var (
	ErrUnknownOrder = errors.New("no donation for external order")
	ErrNotPending   = errors.New("donation is no longer pending")
	// ErrAwaitingConfirmation means the gateway has not decided yet. The
	// donation keeps its state and a later confirmation settles it.
	ErrAwaitingConfirmation = errors.New("capture outcome not known yet")
	// ErrConfirmationMismatch rejects a gateway notification whose amount,
	// currency or donation id differs from the donation owning the order.
	ErrConfirmationMismatch = errors.New("confirmation does not match donation")
	ErrInvalidTransition    = errors.New("invalid donation state transition")
)

// Source tells where a capture attempt came from.
type Source string

const (
	SourceCapture  Source = "capture"
	SourceWebhook  Source = "webhook"
	SourceRetry    Source = "retry"
	SourceOperator Source = "operator"
)

// Attempt is a request to settle a gateway order. Synchronous captures leave
// Confirmation nil and the gateway is asked; webhooks carry the gateway's
// verdict in Confirmation.
type Attempt struct {
	ExternalOrderID string
	Confirmation    *gateway.CaptureResult
	Source          Source
}

// Outcome is the recorded state of a reconciled donation.
type Outcome struct {
	DonationID      uuid.UUID       `json:"donationId"`
	State           model.State     `json:"state"`
	ExternalOrderID string          `json:"externalOrderId,omitempty"`
	ReferenceCode   string          `json:"referenceCode,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        model.Currency  `json:"currency"`
	DonorName       string          `json:"donorName"`
	FailureReason   string          `json:"failureReason,omitempty"`
	// Replayed is set when the donation was already terminal and nothing
	// was changed.
	Replayed bool `json:"replayed"`
}

func (o *Outcome) Captured() bool { return o.State == model.StateCaptured }

type Store interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
	SelectForUpdateByID(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*model.DonationRecord, error)
	SelectForUpdateByExternalOrderID(ctx context.Context, tx pgx.Tx, externalOrderID string) (*model.DonationRecord, error)
	LinkOrder(ctx context.Context, tx pgx.Tx, id uuid.UUID, externalOrderID string) error
	MarkAuthorized(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	Complete(ctx context.Context, tx pgx.Tx, rec *model.DonationRecord) error
	Cancel(ctx context.Context, tx pgx.Tx, id uuid.UUID, at time.Time) error
	RecordCaptureError(ctx context.Context, tx pgx.Tx, id uuid.UUID, attempts int, lastErr string, retryAt *time.Time) error
}

type EventStore interface {
	Create(ctx context.Context, tx pgx.Tx, entity *db.DonationEventEntity) error
}

type Adapters interface {
	Get(g model.Gateway) gateway.Adapter
}

// Reconciler is the only writer of donation state transitions.
type Reconciler struct {
	store       Store
	events      EventStore
	adapters    Adapters
	retryDelay  time.Duration
	maxAttempts int
	now         func() time.Time
	logger      *slog.Logger
}

func NewReconciler(store Store, events EventStore, adapters Adapters, cfg config.ReconcilerRetry, logger *slog.Logger) *Reconciler {
	retryDelayMs := cfg.DelayMs
	if retryDelayMs <= 0 {
		retryDelayMs = defaultRetryDelayMs
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	return &Reconciler{
		store:       store,
		events:      events,
		adapters:    adapters,
		retryDelay:  time.Duration(retryDelayMs) * time.Millisecond,
		maxAttempts: maxAttempts,
		now:         time.Now,
		logger:      logger,
	}
}

// Checkout creates the gateway order for a pending donation and links it to
// the record. A donation that already has an order gets that order back.
func (r *Reconciler) Checkout(ctx context.Context, donationID uuid.UUID) (*model.DonationRecord, *gateway.Order, error) {
	ctx = logcontext.AppendCtx(ctx, slog.String("donationId", donationID.String()))

	tx, err := r.store.BeginTx(ctx)
	if err != nil {
		checkoutErrorCounter.Inc()
		return nil, nil, errors.Wrap(err, "begin checkout tx")
	}
	defer tx.Rollback(ctx)

	rec, err := r.store.SelectForUpdateByID(ctx, tx, donationID)
	if err != nil {
		return nil, nil, err
	}

	adapter := r.adapters.Get(rec.Gateway)

	if rec.ExternalOrderID != nil {
		order := &gateway.Order{ExternalOrderID: *rec.ExternalOrderID}
		if builder, ok := adapter.(gateway.CheckoutBuilder); ok && !rec.State.Terminal() {
			order.Checkout = builder.Checkout(rec)
		}
		r.logger.InfoContext(ctx, "Reusing existing gateway order", "externalOrderId", order.ExternalOrderID)
		checkoutReusedCounter.Inc()
		return rec, order, nil
	}

	if rec.State != model.StatePending {
		return rec, nil, ErrNotPending
	}

	order, err := adapter.CreateOrder(ctx, rec)
	if err != nil {
		r.logger.WarnContext(ctx, "Gateway order creation failed", "gateway", rec.Gateway, "error", err)
		checkoutErrorCounter.Inc()
		return rec, nil, err
	}

	if err := r.store.LinkOrder(ctx, tx, rec.ID, order.ExternalOrderID); err != nil {
		checkoutErrorCounter.Inc()
		return rec, nil, errors.Wrap(err, "link gateway order")
	}
	if err := tx.Commit(ctx); err != nil {
		checkoutErrorCounter.Inc()
		return rec, nil, errors.Wrap(err, "commit checkout")
	}

	rec.ExternalOrderID = &order.ExternalOrderID
	r.logger.InfoContext(ctx, "Linked gateway order", "externalOrderId", order.ExternalOrderID, "gateway", rec.Gateway)
	checkoutCreatedCounter.Inc()
	return rec, order, nil
}

// Cancel records that the donor abandoned checkout. Only pending donations
// are cancelled; any other state is returned unchanged.
func (r *Reconciler) Cancel(ctx context.Context, donationID uuid.UUID) (*model.DonationRecord, error) {
	ctx = logcontext.AppendCtx(ctx, slog.String("donationId", donationID.String()))

	tx, err := r.store.BeginTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin cancel tx")
	}
	defer tx.Rollback(ctx)

	rec, err := r.store.SelectForUpdateByID(ctx, tx, donationID)
	if err != nil {
		return nil, err
	}

	if rec.State != model.StatePending {
		r.logger.InfoContext(ctx, "Cancel ignored", "state", rec.State)
		cancelIgnoredCounter.Inc()
		return rec, nil
	}

	if err := r.cancel(ctx, tx, rec); err != nil {
		return nil, err
	}

	cancelDoneCounter.Inc()
	return rec, nil
}

// Reconcile applies a capture attempt to the donation owning the order. It
// holds the row lock for the whole attempt, so concurrent attempts for one
// order run one after another and only the first can move the donation to a
// terminal state. Later attempts get the recorded outcome with Replayed set
// and the gateway is not contacted again.
func (r *Reconciler) Reconcile(ctx context.Context, attempt Attempt) (*Outcome, error) {
	startTime := time.Now()
	defer func() { reconcileDurationHistogram.Update(float64(time.Since(startTime).Milliseconds())) }()

	ctx = logcontext.AppendCtx(ctx, slog.String("externalOrderId", attempt.ExternalOrderID))
	ctx = logcontext.AppendCtx(ctx, slog.String("source", string(attempt.Source)))

	tx, err := r.store.BeginTx(ctx)
	if err != nil {
		reconcileErrorCounter.Inc()
		return nil, errors.Wrap(err, "begin reconcile tx")
	}
	defer tx.Rollback(ctx)

	rec, err := r.store.SelectForUpdateByExternalOrderID(ctx, tx, attempt.ExternalOrderID)
	if errors.Is(err, db.ErrNotFound) {
		r.logger.WarnContext(ctx, "No donation for external order")
		return nil, ErrUnknownOrder
	}
	if err != nil {
		reconcileErrorCounter.Inc()
		return nil, err
	}
	ctx = logcontext.AppendCtx(ctx, slog.String("donationId", rec.ID.String()))

	if attempt.Confirmation != nil {
		if err := bindConfirmation(rec, attempt.Confirmation); err != nil {
			r.logger.WarnContext(ctx, "Confirmation rejected", "error", err)
			reconcileMismatchCounter.Inc()
			return nil, err
		}
	}

	if rec.State.Terminal() {
		r.logger.InfoContext(ctx, "Donation already reconciled", "state", rec.State)
		reconcileReplayedCounter.Inc()
		return outcomeOf(rec, true), nil
	}

	result := attempt.Confirmation
	if result != nil && result.Abandoned {
		return r.abandon(ctx, tx, rec)
	}

	// the approval signal itself authorizes a pending donation; it is rolled
	// back with the rest of the attempt when nothing gets committed
	if rec.State == model.StatePending {
		if err := transition(rec, model.StateAuthorizedExternally); err != nil {
			reconcileErrorCounter.Inc()
			return nil, err
		}
		if err := r.store.MarkAuthorized(ctx, tx, rec.ID); err != nil {
			reconcileErrorCounter.Inc()
			return nil, errors.Wrap(err, "mark donation authorized")
		}
		rec.State = model.StateAuthorizedExternally
	}

	if result == nil {
		result, err = r.adapters.Get(rec.Gateway).CaptureOrder(ctx, attempt.ExternalOrderID)
		switch {
		case errors.Is(err, gateway.ErrAsyncCapture):
			reconcileAwaitingCounter.Inc()
			return nil, ErrAwaitingConfirmation
		case gateway.IsUnavailable(err):
			return nil, r.captureUnavailable(ctx, tx, rec, err)
		case err != nil:
			r.logger.WarnContext(ctx, "Capture rejected by gateway", "error", err)
			reconcileErrorCounter.Inc()
			return nil, err
		}
	}

	if result.Pending {
		return nil, r.awaitConfirmation(ctx, tx, rec, attempt.Confirmation == nil)
	}

	return r.complete(ctx, tx, rec, result)
}

// bindConfirmation checks that a gateway notification settles this donation
// and not another one paid through the same order.
func bindConfirmation(rec *model.DonationRecord, result *gateway.CaptureResult) error {
	if !result.Amount.Equal(rec.Amount) {
		return errors.Wrapf(ErrConfirmationMismatch, "amount %s, donation %s",
			result.Amount.StringFixed(2), rec.Amount.StringFixed(2))
	}
	if result.Currency != rec.Currency {
		return errors.Wrapf(ErrConfirmationMismatch, "currency %q, donation %s", result.Currency, rec.Currency)
	}
	if result.DonationID != "" && result.DonationID != rec.ID.String() {
		return errors.Wrapf(ErrConfirmationMismatch, "donation id %q", result.DonationID)
	}
	return nil
}

func transition(rec *model.DonationRecord, to model.State) error {
	if !rec.State.CanTransition(to) {
		return errors.Wrapf(ErrInvalidTransition, "%s to %s", rec.State, to)
	}
	return nil
}

func (r *Reconciler) complete(ctx context.Context, tx pgx.Tx, rec *model.DonationRecord, result *gateway.CaptureResult) (*Outcome, error) {
	next := model.StateCaptured
	decline := result.Declined(rec.Gateway)
	if decline != nil {
		next = model.StateFailed
	}
	if err := transition(rec, next); err != nil {
		reconcileErrorCounter.Inc()
		return nil, err
	}

	now := r.now()
	rec.CaptureAttempts++
	rec.CompletedAt = &now

	event := message.EventDonationCaptured
	if decline == nil {
		code := result.ReferenceCode
		if code == "" {
			code = NewReferenceCode(now)
		}
		rec.State = model.StateCaptured
		rec.ReferenceCode = &code
		rec.FailureReason = nil

		if result.Amount.IsPositive() && !result.Amount.Equal(rec.Amount) {
			r.logger.WarnContext(ctx, "Gateway captured a different amount",
				"expected", rec.Amount.StringFixed(2), "captured", result.Amount.StringFixed(2))
		}
	} else {
		rec.State = model.StateFailed
		rec.FailureReason = &decline.Message
		event = message.EventDonationFailed
	}

	if err := r.store.Complete(ctx, tx, rec); err != nil {
		reconcileErrorCounter.Inc()
		return nil, errors.Wrap(err, "complete donation")
	}
	if err := r.writeEvent(ctx, tx, rec, event, now); err != nil {
		reconcileErrorCounter.Inc()
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		reconcileErrorCounter.Inc()
		return nil, errors.Wrap(err, "commit reconcile")
	}

	if rec.State == model.StateCaptured {
		r.logger.InfoContext(ctx, "Donation captured", "referenceCode", rec.Reference())
		reconcileCapturedCounter.Inc()
	} else {
		r.logger.InfoContext(ctx, "Donation payment declined", "error", decline)
		reconcileFailedCounter.Inc()
	}
	return outcomeOf(rec, false), nil
}

// captureUnavailable keeps the donation authorized and schedules another
// attempt. The gateway error is returned unchanged.
func (r *Reconciler) captureUnavailable(ctx context.Context, tx pgx.Tx, rec *model.DonationRecord, gatewayErr error) error {
	reconcileUnavailableCounter.Inc()

	attempts := rec.CaptureAttempts + 1
	var retryAt *time.Time
	if attempts < r.maxAttempts {
		next := r.now().Add(time.Duration(attempts) * r.retryDelay)
		retryAt = &next
	} else {
		r.logger.WarnContext(ctx, "Max capture attempts reached, automatic retries stopped", "attempts", attempts)
	}

	r.logger.WarnContext(ctx, "Gateway unavailable during capture", "error", gatewayErr, "attempts", attempts)

	if err := r.store.RecordCaptureError(ctx, tx, rec.ID, attempts, gatewayErr.Error(), retryAt); err != nil {
		r.logger.ErrorContext(ctx, "Error recording capture attempt", "error", err)
		return gatewayErr
	}
	if err := tx.Commit(ctx); err != nil {
		r.logger.ErrorContext(ctx, "Error committing capture attempt", "error", err)
	}
	return gatewayErr
}

// awaitConfirmation persists the authorization. Synchronous captures that are
// still pending at the gateway are polled again by the retrier.
func (r *Reconciler) awaitConfirmation(ctx context.Context, tx pgx.Tx, rec *model.DonationRecord, poll bool) error {
	reconcileAwaitingCounter.Inc()

	if poll {
		attempts := rec.CaptureAttempts + 1
		next := r.now().Add(r.retryDelay)
		if err := r.store.RecordCaptureError(ctx, tx, rec.ID, attempts, "capture pending at gateway", &next); err != nil {
			return errors.Wrap(err, "record pending capture")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit pending capture")
	}

	r.logger.InfoContext(ctx, "Capture pending at gateway")
	return ErrAwaitingConfirmation
}

func (r *Reconciler) abandon(ctx context.Context, tx pgx.Tx, rec *model.DonationRecord) (*Outcome, error) {
	if rec.State != model.StatePending {
		r.logger.InfoContext(ctx, "Abandon notice ignored for authorized donation")
		reconcileAwaitingCounter.Inc()
		return nil, ErrAwaitingConfirmation
	}

	if err := r.cancel(ctx, tx, rec); err != nil {
		reconcileErrorCounter.Inc()
		return nil, err
	}

	reconcileAbandonedCounter.Inc()
	return outcomeOf(rec, false), nil
}

func (r *Reconciler) cancel(ctx context.Context, tx pgx.Tx, rec *model.DonationRecord) error {
	if err := transition(rec, model.StateCancelled); err != nil {
		return err
	}
	now := r.now()
	if err := r.store.Cancel(ctx, tx, rec.ID, now); err != nil {
		return errors.Wrap(err, "cancel donation")
	}
	rec.State = model.StateCancelled
	rec.CompletedAt = &now

	if err := r.writeEvent(ctx, tx, rec, message.EventDonationCancelled, now); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit cancel")
	}

	r.logger.InfoContext(ctx, "Donation cancelled by donor")
	return nil
}

func (r *Reconciler) writeEvent(ctx context.Context, tx pgx.Tx, rec *model.DonationRecord, event string, at time.Time) error {
	msg := message.DonationEvent{
		ID:            uuid.New(),
		Event:         event,
		DonationID:    rec.ID,
		State:         string(rec.State),
		Gateway:       string(rec.Gateway),
		ExternalOrder: rec.ExternalOrder(),
		ReferenceCode: rec.Reference(),
		Amount:        rec.Amount.StringFixed(2),
		Currency:      string(rec.Currency),
		DonorName:     rec.DonorName,
		Email:         rec.Email,
		Lang:          rec.Lang,
		OccurredAt:    at,
	}
	if rec.CampaignID != nil {
		msg.CampaignID = *rec.CampaignID
	}
	if rec.FailureReason != nil {
		msg.Reason = *rec.FailureReason
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal donation event")
	}

	entity := &db.DonationEventEntity{
		ID:          msg.ID,
		DonationID:  rec.ID,
		Event:       event,
		Payload:     string(payload),
		CreatedAt:   at,
		ScheduledAt: &at,
	}
	return r.events.Create(ctx, tx, entity)
}

func outcomeOf(rec *model.DonationRecord, replayed bool) *Outcome {
	o := &Outcome{
		DonationID:      rec.ID,
		State:           rec.State,
		ExternalOrderID: rec.ExternalOrder(),
		ReferenceCode:   rec.Reference(),
		Amount:          rec.Amount,
		Currency:        rec.Currency,
		DonorName:       rec.DonorName,
		Replayed:        replayed,
	}
	if rec.FailureReason != nil {
		o.FailureReason = *rec.FailureReason
	}
	return o
}

// NewReferenceCode returns an organization reference such as
// ORG-20241017-3F2A9C1B.
func NewReferenceCode(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("ORG-%s-%s", at.UTC().Format("20060102"), suffix)
}
