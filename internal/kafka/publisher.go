package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"paylink-service/internal/checkout"
	"paylink-service/internal/message"
	"paylink-service/internal/payment"
	"paylink-service/internal/x402"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

var (
	publisherSuccessCounter = metrics.GetOrCreateCounter(`kafka_writer_total{result="success",type="payment_event"}`)
	publisherErrorCounter   = metrics.GetOrCreateCounter(`kafka_writer_total{result="publish_failed",type="payment_event"}`)
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher emits a payment.paid event for every settled payment link.
type Publisher struct {
	writer MessageWriter
	now    func() time.Time
	logger *slog.Logger
}

var _ checkout.Publisher = (*Publisher)(nil)

func NewPublisher(writer MessageWriter, logger *slog.Logger) *Publisher {
	return &Publisher{writer: writer, now: time.Now, logger: logger}
}

func (p *Publisher) PublishPaid(ctx context.Context, rec *payment.Record, settlement *x402.SettleResponse) error {
	event := message.PaymentEvent{
		ID:    uuid.New(),
		Event: message.EventPaymentPaid,
		Payload: message.PaidPayload{
			PaymentID: rec.ID,
			Amount:    rec.Amount.String(),
			Receiver:  rec.Receiver,
			TxHash:    rec.TxHash,
			Network:   settlement.Network,
			Payer:     settlement.Payer,
			PaidAt:    p.now().UTC(),
		},
	}

	value, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal payment event")
	}

	// keyed by payment id so events for one link stay ordered
	msg := kafka.Message{Key: []byte(rec.ID), Value: value}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		publisherErrorCounter.Inc()
		return errors.Wrap(err, "failed to write payment event")
	}

	p.logger.InfoContext(ctx, "Published payment event", "eventId", event.ID, "event", event.Event)
	publisherSuccessCounter.Inc()
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// NopPublisher is used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishPaid(context.Context, *payment.Record, *x402.SettleResponse) error {
	return nil
}

func (NopPublisher) Close() error { return nil }
