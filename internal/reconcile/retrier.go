package reconcile

import (
	"context"
	"log/slog"
	"time"

	"donation-service/internal/config"
	"donation-service/internal/logcontext"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	defaultRetryPollingIntervalMs = 5_000
	defaultRetryFetchSize         = 50
)

var (
	retrierErrorFetchingCounter = metrics.GetOrCreateCounter(`donation_retrier_total{result="fetching_failed"}`)
	retrierSuccessCounter       = metrics.GetOrCreateCounter(`donation_retrier_total{result="success"}`)

	retrierSettledCounter = metrics.GetOrCreateCounter(`donation_retrier_orders_total{result="settled"}`)
	retrierPendingCounter = metrics.GetOrCreateCounter(`donation_retrier_orders_total{result="still_pending"}`)
	retrierErrorCounter   = metrics.GetOrCreateCounter(`donation_retrier_orders_total{result="error"}`)

	retrierProcessDurationHistogram = metrics.GetOrCreateHistogram(`donation_retrier_duration_milliseconds`)
)

type RetryStore interface {
	GetRetryable(ctx context.Context, limit int) ([]string, error)
}

// Retrier re-runs captures that failed because the gateway was unavailable.
type Retrier struct {
	store           RetryStore
	reconciler      *Reconciler
	pollingInterval time.Duration
	fetchSize       int
	logger          *slog.Logger
}

func NewRetrier(store RetryStore, reconciler *Reconciler, cfg config.ReconcilerRetry, logger *slog.Logger) *Retrier {
	pollingIntervalMs := cfg.PollingIntervalMs
	if pollingIntervalMs <= 0 {
		pollingIntervalMs = defaultRetryPollingIntervalMs
	}
	fetchSize := cfg.FetchSize
	if fetchSize <= 0 {
		fetchSize = defaultRetryFetchSize
	}

	return &Retrier{
		store:           store,
		reconciler:      reconciler,
		pollingInterval: time.Duration(pollingIntervalMs) * time.Millisecond,
		fetchSize:       fetchSize,
		logger:          logger,
	}
}

func (r *Retrier) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.pollingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.process(ctx)
			case <-ctx.Done():
				r.logger.InfoContext(ctx, "Context done, stopping capture retrier")
				return
			}
		}
	}()
}

func (r *Retrier) process(ctx context.Context) {
	startTime := time.Now()
	defer func() { retrierProcessDurationHistogram.Update(float64(time.Since(startTime).Milliseconds())) }()

	ctx = logcontext.AppendCtx(ctx, slog.String("runId", uuid.New().String()))

	orderIDs, err := r.store.GetRetryable(ctx, r.fetchSize)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error fetching retryable captures", "error", err)
		retrierErrorFetchingCounter.Inc()
		return
	}

	if len(orderIDs) == 0 {
		r.logger.DebugContext(ctx, "No captures to retry")
		retrierSuccessCounter.Inc()
		return
	}

	r.logger.InfoContext(ctx, "Retrying captures", "count", len(orderIDs))

	for _, orderID := range orderIDs {
		outcome, err := r.reconciler.Reconcile(ctx, Attempt{ExternalOrderID: orderID, Source: SourceRetry})
		switch {
		case err == nil:
			r.logger.InfoContext(ctx, "Retried capture settled", "externalOrderId", orderID, "state", outcome.State)
			retrierSettledCounter.Inc()
		case errors.Is(err, ErrAwaitingConfirmation):
			retrierPendingCounter.Inc()
		default:
			r.logger.WarnContext(ctx, "Retried capture did not settle", "externalOrderId", orderID, "error", err)
			retrierErrorCounter.Inc()
		}
	}

	retrierSuccessCounter.Inc()
}
