package payment

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
)

var (
	ErrNotFound          = errors.New("payment not found")
	ErrDuplicateID       = errors.New("payment id already exists")
	ErrInvalidAmount     = errors.New("amount must be greater than zero")
	ErrInvalidReceiver   = errors.New("receiver must not be empty")
	ErrAlreadyPaid       = errors.New("payment already paid")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrMissingTxHash     = errors.New("paid status requires a transaction hash")
)

// Record is a single payment link and its settlement state.
type Record struct {
	ID        string
	Amount    decimal.Decimal
	Receiver  string
	Status    Status
	TxHash    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// New validates the immutable fields of a payment link and returns a pending record.
func New(id string, amount decimal.Decimal, receiver string, now time.Time) (*Record, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	receiver = strings.TrimSpace(receiver)
	if receiver == "" {
		return nil, ErrInvalidReceiver
	}

	return &Record{
		ID:        id,
		Amount:    amount,
		Receiver:  receiver,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func IsPaid(r *Record) bool {
	return r != nil && r.Status == StatusPaid
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusFailed:
		return true
	}
	return false
}

// transitions lists, for every target status, the statuses a record may move from.
// Nothing leaves paid.
var transitions = map[Status][]Status{
	StatusPaid:    {StatusPending, StatusFailed},
	StatusFailed:  {StatusPending},
	StatusPending: {StatusFailed},
}

// SourcesFor returns the statuses from which a record may move to the given status.
func SourcesFor(to Status) []Status {
	return transitions[to]
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// CheckUpdate validates a status write against the current status and classifies
// the rejection the same way in every Store implementation.
func CheckUpdate(current, to Status, txHash string) error {
	if !to.Valid() {
		return ErrInvalidTransition
	}
	if to == StatusPaid && txHash == "" {
		return ErrMissingTxHash
	}
	if current == StatusPaid {
		if to == StatusPaid {
			return ErrAlreadyPaid
		}
		return ErrInvalidTransition
	}
	if !CanTransition(current, to) {
		return ErrInvalidTransition
	}
	return nil
}
