package message

import (
	"time"

	"github.com/google/uuid"
)

const EventPaymentPaid = "payment.paid"

type PaymentEvent struct {
	ID      uuid.UUID   `json:"id"`
	Event   string      `json:"event"`
	Payload PaidPayload `json:"payload"`
}

type PaidPayload struct {
	PaymentID string    `json:"paymentId"`
	Amount    string    `json:"amount"`
	Receiver  string    `json:"receiver"`
	TxHash    string    `json:"txHash"`
	Network   string    `json:"network"`
	Payer     string    `json:"payer,omitempty"`
	PaidAt    time.Time `json:"paidAt"`
}
