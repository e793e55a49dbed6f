package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"paylink-service/internal/logcontext"
	"paylink-service/internal/message"

	"github.com/VictoriaMetrics/metrics"
	"github.com/segmentio/kafka-go"
)

type Metrics struct {
	ReadErrorCounter      *metrics.Counter
	UnmarshalErrorCounter *metrics.Counter
	ProcessErrorCounter   *metrics.Counter
	SuccessCounter        *metrics.Counter
}

var paymentEventMetrics = Metrics{
	ReadErrorCounter:      metrics.GetOrCreateCounter(`kafka_reader_total{result="read_error",type="payment_event"}`),
	UnmarshalErrorCounter: metrics.GetOrCreateCounter(`kafka_reader_total{result="unmarshal_error",type="payment_event"}`),
	ProcessErrorCounter:   metrics.GetOrCreateCounter(`kafka_reader_total{result="process_error",type="payment_event"}`),
	SuccessCounter:        metrics.GetOrCreateCounter(`kafka_reader_total{result="success",type="payment_event"}`),
}

// MessageReader is the subset of *kafka.Reader used to consume events.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func NewReader(kafkaURL, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: strings.Split(kafkaURL, ","),
		GroupID: groupID,
		Topic:   topic,
	})
}

// ReadPaymentEvents consumes payment.paid events until ctx is done, calling handle
// for each one. Malformed messages and handler errors are logged and skipped.
func ReadPaymentEvents(ctx context.Context, reader MessageReader, handle func(context.Context, message.PaymentEvent) error, logger *slog.Logger) error {
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			logger.ErrorContext(ctx, "Error reading message", "error", err)
			paymentEventMetrics.ReadErrorCounter.Inc()
			return err
		}

		msgCtx := logcontext.AppendCtx(ctx, slog.String("paymentId", string(m.Key)))

		var e message.PaymentEvent
		if err := json.Unmarshal(m.Value, &e); err != nil {
			logger.ErrorContext(msgCtx, "Error unmarshalling message", "error", err)
			paymentEventMetrics.UnmarshalErrorCounter.Inc()
			continue
		}

		if err := handle(msgCtx, e); err != nil {
			logger.ErrorContext(msgCtx, "Error processing message", "error", err)
			paymentEventMetrics.ProcessErrorCounter.Inc()
			continue
		}
		paymentEventMetrics.SuccessCounter.Inc()
	}
}
