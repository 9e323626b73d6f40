package receipt

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"donation-service/internal/message"
	"donation-service/internal/model"
	"donation-service/internal/report"
	"github.com/VictoriaMetrics/metrics"
	"github.com/shopspring/decimal"
)

const (
	defaultParallelism = 100
	maxSendAttempts    = 3
)

var (
	receiptSentCounter     = metrics.GetOrCreateCounter(`donation_receipt_total{result="sent"}`)
	receiptFailedCounter   = metrics.GetOrCreateCounter(`donation_receipt_total{result="send_failed"}`)
	receiptSkippedCounter  = metrics.GetOrCreateCounter(`donation_receipt_total{result="skipped"}`)
	receiptArchivedCounter = metrics.GetOrCreateCounter(`donation_receipt_archive_total{result="archived"}`)
	receiptArchiveErrors   = metrics.GetOrCreateCounter(`donation_receipt_archive_total{result="failed"}`)

	receiptDurationHistogram = metrics.GetOrCreateHistogram(`donation_receipt_duration_milliseconds`)
)

type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// Processor turns donation events into donor receipts. Deliveries run in the
// background, bounded by the parallelism semaphore.
type Processor struct {
	notifier   Notifier
	archive    Archive
	sem        chan struct{}
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewProcessor builds a processor. notifier and archive may be nil, in which
// case that step is skipped.
func NewProcessor(notifier Notifier, archive Archive, parallelism int, logger *slog.Logger) *Processor {
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	return &Processor{
		notifier:   notifier,
		archive:    archive,
		sem:        make(chan struct{}, parallelism),
		retryDelay: time.Second,
		logger:     logger,
	}
}

func (p *Processor) Process(ctx context.Context, event message.DonationEvent) error {
	p.logger.InfoContext(ctx, "Processing donation event", "event", event.Event, "state", event.State)

	n := Render(event)

	p.sem <- struct{}{}
	go func() {
		defer func() { <-p.sem }()

		startTime := time.Now()
		defer func() { receiptDurationHistogram.Update(float64(time.Since(startTime).Milliseconds())) }()

		p.deliver(ctx, n)
		p.store(ctx, n, event.OccurredAt)
	}()

	return nil
}

// Wait blocks until every in-flight delivery finished.
func (p *Processor) Wait() {
	for i := 0; i < cap(p.sem); i++ {
		p.sem <- struct{}{}
	}
	for i := 0; i < cap(p.sem); i++ {
		<-p.sem
	}
}

func (p *Processor) deliver(ctx context.Context, n Notification) {
	if p.notifier == nil || n.Email == "" {
		receiptSkippedCounter.Inc()
		return
	}

	for attempt := 1; ; attempt++ {
		err := p.notifier.Send(ctx, n)
		if err == nil {
			p.logger.InfoContext(ctx, "Receipt sent", "attempt", attempt)
			receiptSentCounter.Inc()
			return
		}

		p.logger.WarnContext(ctx, "Error sending receipt", "attempt", attempt, "error", err)
		if attempt >= maxSendAttempts {
			receiptFailedCounter.Inc()
			return
		}

		select {
		case <-time.After(time.Duration(attempt) * p.retryDelay):
		case <-ctx.Done():
			receiptFailedCounter.Inc()
			return
		}
	}
}

func (p *Processor) store(ctx context.Context, n Notification, at time.Time) {
	if p.archive == nil {
		return
	}

	body, err := json.Marshal(n)
	if err != nil {
		receiptArchiveErrors.Inc()
		return
	}
	if err := p.archive.Put(ctx, ObjectKey(n, at.UTC().Format("2006-01-02")), body); err != nil {
		p.logger.ErrorContext(ctx, "Error archiving receipt", "error", err)
		receiptArchiveErrors.Inc()
		return
	}
	receiptArchivedCounter.Inc()
}

// Render builds the donor notification for a donation event.
func Render(event message.DonationEvent) Notification {
	amount, err := decimal.NewFromString(event.Amount)
	if err != nil {
		amount = decimal.Zero
	}

	msg := report.Format(report.Receipt{
		DonationID:      event.DonationID.String(),
		ExternalOrderID: event.ExternalOrder,
		ReferenceCode:   event.ReferenceCode,
		State:           model.State(event.State),
		Amount:          amount,
		Currency:        model.Currency(event.Currency),
		DonorName:       event.DonorName,
		Email:           event.Email,
		Lang:            event.Lang,
		Reason:          event.Reason,
	})

	return Notification{
		DonationID:    event.DonationID.String(),
		Event:         event.Event,
		Email:         event.Email,
		Lang:          msg.Lang,
		Subject:       msg.Subject,
		Body:          msg.Body,
		ReferenceCode: event.ReferenceCode,
	}
}
