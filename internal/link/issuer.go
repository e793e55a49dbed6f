package link

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"paylink-service/internal/payment"
	"paylink-service/internal/x402"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// maxIntegerDigits matches the integer part of the payments.amount column.
const maxIntegerDigits = 18

var amountLimit = decimal.New(1, maxIntegerDigits)

var (
	issuedCounter   = metrics.GetOrCreateCounter(`paylink_links_issued_total{result="success"}`)
	rejectedCounter = metrics.GetOrCreateCounter(`paylink_links_issued_total{result="rejected"}`)
	errorCounter    = metrics.GetOrCreateCounter(`paylink_links_issued_total{result="error"}`)
)

// ErrIdentifierCollision means a freshly generated id was already taken. It is
// an internal failure, not a caller error.
var ErrIdentifierCollision = errors.New("generated payment id collides with an existing record")

// precisionError rejects amounts finer than the token can represent. It
// matches payment.ErrInvalidAmount.
type precisionError struct {
	decimals int
}

func (e precisionError) Error() string {
	return fmt.Sprintf("amount supports at most %d decimal places", e.decimals)
}

func (precisionError) Unwrap() error { return payment.ErrInvalidAmount }

type rangeError struct{}

func (rangeError) Error() string {
	return fmt.Sprintf("amount must have at most %d integer digits", maxIntegerDigits)
}

func (rangeError) Unwrap() error { return payment.ErrInvalidAmount }

// Link is what a merchant receives after creating a payment link.
type Link struct {
	PaymentID  string
	PaymentURL string
	Amount     decimal.Decimal
	Receiver   string
}

type Issuer struct {
	store    payment.Store
	baseURL  string
	decimals int
	newID    func() string
	now      func() time.Time
	logger   *slog.Logger
}

func NewIssuer(store payment.Store, baseURL string, decimals int, logger *slog.Logger) *Issuer {
	return &Issuer{
		store:    store,
		baseURL:  baseURL,
		decimals: decimals,
		newID:    uuid.NewString,
		now:      time.Now,
		logger:   logger,
	}
}

// Issue stores a new pending payment record and returns its shareable link.
// Validation failures wrap payment.ErrInvalidAmount or payment.ErrInvalidReceiver.
func (i *Issuer) Issue(ctx context.Context, amount decimal.Decimal, receiver string) (*Link, error) {
	rec, err := payment.New(i.newID(), amount, receiver, i.now())
	if err != nil {
		rejectedCounter.Inc()
		return nil, err
	}
	if amount.GreaterThanOrEqual(amountLimit) {
		rejectedCounter.Inc()
		return nil, rangeError{}
	}
	if _, err := x402.AmountToAssetUnits(amount, i.decimals); err != nil {
		rejectedCounter.Inc()
		return nil, precisionError{decimals: i.decimals}
	}

	if err := i.store.Create(ctx, rec); err != nil {
		errorCounter.Inc()
		if errors.Is(err, payment.ErrDuplicateID) {
			i.logger.ErrorContext(ctx, "Payment id collision", "paymentId", rec.ID)
			return nil, ErrIdentifierCollision
		}
		return nil, errors.Wrap(err, "failed to store payment")
	}

	issuedCounter.Inc()
	i.logger.InfoContext(ctx, "Payment link issued", "paymentId", rec.ID, "amount", rec.Amount.String(), "receiver", rec.Receiver)

	return &Link{
		PaymentID:  rec.ID,
		PaymentURL: i.baseURL + "/pay/" + rec.ID,
		Amount:     rec.Amount,
		Receiver:   rec.Receiver,
	}, nil
}
