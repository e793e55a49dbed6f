package db

import (
	"time"

	"paylink-service/internal/payment"

	"github.com/shopspring/decimal"
)

type PaymentEntity struct {
	PaymentID string
	Amount    string
	Receiver  string
	Status    string
	TxHash    *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (e *PaymentEntity) toRecord() (*payment.Record, error) {
	amount, err := decimal.NewFromString(e.Amount)
	if err != nil {
		return nil, err
	}
	rec := &payment.Record{
		ID:        e.PaymentID,
		Amount:    amount,
		Receiver:  e.Receiver,
		Status:    payment.Status(e.Status),
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
	if e.TxHash != nil {
		rec.TxHash = *e.TxHash
	}
	return rec, nil
}
