package outbox

import (
	"context"
	"log/slog"
	"time"

	"donation-service/internal/config"
	"donation-service/internal/db"
	"donation-service/internal/logcontext"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/segmentio/kafka-go"
)

const (
	defaultPollingIntervalMs  = 500
	defaultFetchSize          = 200
	defaultRescheduleDelayMs  = 10_000
	defaultMaxPublishAttempts = 3
)

var (
	// producer batch metrics
	producerErrorFetchingCounter = metrics.GetOrCreateCounter(`donation_outbox_total{result="fetching_failed"}`)
	producerErrorKafkaCounter    = metrics.GetOrCreateCounter(`donation_outbox_total{result="publish_failed"}`)
	producerErrorUpdateCounter   = metrics.GetOrCreateCounter(`donation_outbox_total{result="db_update_failed"}`)
	producerSuccessCounter       = metrics.GetOrCreateCounter(`donation_outbox_total{result="success"}`)

	producerProcessDurationHistogram = metrics.GetOrCreateHistogram(`donation_outbox_duration_milliseconds`)

	// producer per event metrics
	producerEventsPublishedCounter   = metrics.GetOrCreateCounter(`donation_outbox_events_total{result="published"}`)
	producerEventsMaxAttemptsCounter = metrics.GetOrCreateCounter(`donation_outbox_events_total{result="max_attempts_reached"}`)
	producerEventsRescheduledCounter = metrics.GetOrCreateCounter(`donation_outbox_events_total{result="rescheduled"}`)
)

type Store interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
	GetUnpublishedEvents(ctx context.Context, tx pgx.Tx, limit int) ([]*db.DonationEventEntity, error)
	Update(ctx context.Context, tx pgx.Tx, entity *db.DonationEventEntity) error
}

type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Producer publishes donation events written by the reconciler to Kafka.
type Producer struct {
	store              Store
	writer             Writer
	pollingInterval    time.Duration
	fetchSize          int
	rescheduleDelay    time.Duration
	maxPublishAttempts int
	logger             *slog.Logger
}

func NewProducer(store Store, writer Writer, cfg config.Outbox, logger *slog.Logger) *Producer {
	return &Producer{
		store:              store,
		writer:             writer,
		pollingInterval:    time.Duration(orDefault(cfg.PollingIntervalMs, defaultPollingIntervalMs)) * time.Millisecond,
		fetchSize:          orDefault(cfg.FetchSize, defaultFetchSize),
		rescheduleDelay:    time.Duration(orDefault(cfg.RescheduleDelayMs, defaultRescheduleDelayMs)) * time.Millisecond,
		maxPublishAttempts: orDefault(cfg.MaxPublishAttempts, defaultMaxPublishAttempts),
		logger:             logger,
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (p *Producer) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.pollingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.process(ctx)
			case <-ctx.Done():
				p.logger.InfoContext(ctx, "Context done, stopping outbox producer")
				return
			}
		}
	}()
}

func (p *Producer) process(ctx context.Context) {
	startTime := time.Now()
	defer func() { producerProcessDurationHistogram.Update(float64(time.Since(startTime).Milliseconds())) }()

	// set runId as a correlation id for all logs in scope
	ctx = logcontext.AppendCtx(ctx, slog.String("runId", uuid.New().String()))

	tx, err := p.store.BeginTx(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error starting transaction", "error", err)
		producerErrorFetchingCounter.Inc()
		return
	}

	defer tx.Rollback(ctx)

	events, err := p.store.GetUnpublishedEvents(ctx, tx, p.fetchSize)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error fetching unpublished events", "error", err)
		producerErrorFetchingCounter.Inc()
		return
	}

	if len(events) == 0 {
		p.logger.DebugContext(ctx, "No unpublished donation events found")
		producerSuccessCounter.Inc()
		return
	}

	p.logger.InfoContext(ctx, "Writing donation events to Kafka", "count", len(events))

	publishErr := p.writer.WriteMessages(ctx, toKafkaMessages(events)...)
	if publishErr != nil {
		p.logger.ErrorContext(ctx, "Error writing messages to Kafka", "error", publishErr)
		producerErrorKafkaCounter.Inc()
	}

	now := time.Now()
	for _, event := range events {
		eventCtx := logcontext.AppendCtx(ctx, slog.String("eventId", event.ID.String()))

		event.PublishAttempts++

		if publishErr != nil {
			errMsg := publishErr.Error()
			event.Error = &errMsg

			if event.PublishAttempts >= p.maxPublishAttempts {
				p.logger.WarnContext(eventCtx, "Max publish attempts reached for donation event")
				event.ScheduledAt = nil

				producerEventsMaxAttemptsCounter.Inc()
			} else {
				scheduledAt := now.Add(time.Duration(event.PublishAttempts) * p.rescheduleDelay)
				event.ScheduledAt = &scheduledAt

				producerEventsRescheduledCounter.Inc()
			}
		} else {
			event.ScheduledAt = nil
			event.PublishedAt = &now
			event.Error = nil

			producerEventsPublishedCounter.Inc()
		}

		if err := p.store.Update(eventCtx, tx, event); err != nil {
			p.logger.ErrorContext(eventCtx, "Error updating donation event", "error", err)
			producerErrorUpdateCounter.Inc()
			return
		}
	}

	if err := tx.Commit(ctx); err != nil {
		p.logger.ErrorContext(ctx, "Error committing transaction", "error", err)
		producerErrorUpdateCounter.Inc()
		return
	}

	producerSuccessCounter.Inc()
}

func toKafkaMessages(events []*db.DonationEventEntity) []kafka.Message {
	messages := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		messages = append(messages, kafka.Message{
			// donation id as key keeps the events of one donation ordered
			Key:   []byte(event.DonationID.String()),
			Value: []byte(event.Payload),
			Headers: []kafka.Header{
				{Key: "event", Value: []byte(event.Event)},
			},
		})
	}
	return messages
}
