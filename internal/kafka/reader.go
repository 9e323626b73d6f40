package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"donation-service/internal/logcontext"
	"donation-service/internal/message"
	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type Metrics struct {
	ReadErrorCounter      *metrics.Counter
	UnmarshalErrorCounter *metrics.Counter
	ProcessErrorCounter   *metrics.Counter
	SuccessCounter        *metrics.Counter
}

var donationEventMetrics = Metrics{
	ReadErrorCounter:      metrics.GetOrCreateCounter(`kafka_reader_total{result="read_error",type="donation_event"}`),
	UnmarshalErrorCounter: metrics.GetOrCreateCounter(`kafka_reader_total{result="unmarshal_error",type="donation_event"}`),
	ProcessErrorCounter:   metrics.GetOrCreateCounter(`kafka_reader_total{result="process_error",type="donation_event"}`),
	SuccessCounter:        metrics.GetOrCreateCounter(`kafka_reader_total{result="success",type="donation_event"}`),
}

type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

type DonationEventProcessor interface {
	Process(ctx context.Context, event message.DonationEvent) error
}

func NewReader(brokerURL, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: strings.Split(brokerURL, ","),
		GroupID: groupID,
		Topic:   topic,
	})
}

// ReadDonationEvents consumes donation events until ctx is done.
func ReadDonationEvents(ctx context.Context, reader MessageReader, processor DonationEventProcessor, logger *slog.Logger) {
	readMessages(ctx, reader, logger, func(ctx context.Context, value []byte) error {
		var e message.DonationEvent
		if err := json.Unmarshal(value, &e); err != nil {
			donationEventMetrics.UnmarshalErrorCounter.Inc()
			return errors.Wrap(err, "unmarshal donation event")
		}
		ctx = logcontext.AppendCtx(ctx, slog.String("donationId", e.DonationID.String()))
		return processor.Process(ctx, e)
	}, donationEventMetrics)
}

func readMessages(ctx context.Context, reader MessageReader, logger *slog.Logger, process func(context.Context, []byte) error, kafkaMetrics Metrics) {
	go func() {
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					logger.InfoContext(ctx, "Context done, stopping Kafka reader")
					return
				}
				logger.ErrorContext(ctx, "Error reading message", "error", err)
				kafkaMetrics.ReadErrorCounter.Inc()
				continue
			}
			logger.DebugContext(ctx, "Received message", "topic", m.Topic, "key", string(m.Key))

			if err := process(ctx, m.Value); err != nil {
				logger.ErrorContext(ctx, "Error processing message", "error", err)
				kafkaMetrics.ProcessErrorCounter.Inc()
				continue
			}
			kafkaMetrics.SuccessCounter.Inc()
		}
	}()
}
