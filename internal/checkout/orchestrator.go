package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"paylink-service/internal/config"
	"paylink-service/internal/guard"
	"paylink-service/internal/logcontext"
	"paylink-service/internal/payment"
	"paylink-service/internal/x402"

	"github.com/VictoriaMetrics/metrics"
	"github.com/cenkalti/backoff/v4"
)

const (
	persistTimeout = 30 * time.Second
	mimeType       = "application/json"
)

var (
	payPaidCounter        = metrics.GetOrCreateCounter(`paylink_pay_total{result="paid"}`)
	payAlreadyPaidCounter = metrics.GetOrCreateCounter(`paylink_pay_total{result="already_paid"}`)
	payChallengeCounter   = metrics.GetOrCreateCounter(`paylink_pay_total{result="challenge"}`)
	payNotFoundCounter    = metrics.GetOrCreateCounter(`paylink_pay_total{result="not_found"}`)
	payFaultCounter       = metrics.GetOrCreateCounter(`paylink_pay_total{result="fault"}`)

	payDurationHistogram = metrics.GetOrCreateHistogram(`paylink_pay_duration_milliseconds`)

	publishErrorCounter = metrics.GetOrCreateCounter(`paylink_event_publish_total{result="error"}`)
)

// Stages reported in a FaultError.
const (
	StageLookup  = "lookup"
	StageInit    = "init"
	StageParse   = "parse"
	StageGuard   = "guard"
	StageVerify  = "verify"
	StageSettle  = "settle"
	StagePersist = "persist"
)

// FaultError is an unexpected failure while handling a payment. It is never a
// statement about whether the caller has paid.
type FaultError struct {
	Stage string
	Err   error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

type Kind int

const (
	KindPaid Kind = iota
	KindChallenge
)

// Result is the outcome of a payment attempt that did not fault.
type Result struct {
	Kind        Kind
	AlreadyPaid bool
	TxHash      string
	Network     string
	// Settlement is set only when this call settled the payment.
	Settlement *x402.SettleResponse
	Challenge  *x402.PaymentRequired
}

type Request struct {
	PaymentID   string
	Headers     http.Header
	ResourceURL string
	Method      string
}

// Publisher is notified once a settlement has been persisted.
type Publisher interface {
	PublishPaid(ctx context.Context, rec *payment.Record, settlement *x402.SettleResponse) error
}

type Option func(*Orchestrator)

// WithPersistBackOff replaces the retry policy used when writing a settled payment.
func WithPersistBackOff(newBackOff func() backoff.BackOff) Option {
	return func(o *Orchestrator) {
		o.persistBackOff = newBackOff
	}
}

func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) {
		o.publisher = p
	}
}

type Orchestrator struct {
	store          payment.Store
	collaborator   Collaborator
	guard          guard.Guard
	publisher      Publisher
	protocol       config.X402
	token          config.Token
	persistBackOff func() backoff.BackOff
	logger         *slog.Logger
}

func NewOrchestrator(store payment.Store, collaborator Collaborator, g guard.Guard, protocol config.X402, token config.Token, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		collaborator: collaborator,
		guard:        g,
		protocol:     protocol,
		token:        token,
		logger:       logger,
		persistBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Pay grants access to a payment link, driving the x402 handshake when the link
// is not paid yet. It returns payment.ErrNotFound for unknown links and a
// *FaultError for anything unexpected.
func (o *Orchestrator) Pay(ctx context.Context, req Request) (*Result, error) {
	ctx = logcontext.AppendCtx(ctx, slog.String("paymentId", req.PaymentID))
	startTime := time.Now()

	res, err := o.pay(ctx, req)

	payDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	var fault *FaultError
	switch {
	case errors.As(err, &fault):
		o.logger.ErrorContext(ctx, "Payment fault", "stage", fault.Stage, "error", fault.Err)
		payFaultCounter.Inc()
	case errors.Is(err, payment.ErrNotFound):
		payNotFoundCounter.Inc()
	case err != nil:
		o.logger.ErrorContext(ctx, "Payment error", "error", err)
		payFaultCounter.Inc()
	case res.Kind == KindChallenge:
		o.logger.InfoContext(ctx, "Payment required", "reason", res.Challenge.Error, "method", req.Method)
		payChallengeCounter.Inc()
	case res.AlreadyPaid:
		payAlreadyPaidCounter.Inc()
	default:
		payPaidCounter.Inc()
	}

	return res, err
}

func (o *Orchestrator) pay(ctx context.Context, req Request) (*Result, error) {
	rec, err := o.store.Get(ctx, req.PaymentID)
	if err != nil {
		if errors.Is(err, payment.ErrNotFound) {
			return nil, err
		}
		return nil, &FaultError{Stage: StageLookup, Err: err}
	}
	if payment.IsPaid(rec) {
		return alreadyPaid(rec), nil
	}

	accepts, err := o.requirements(rec, req.ResourceURL)
	if err != nil {
		return nil, &FaultError{Stage: StageInit, Err: err}
	}

	parsed, err := o.collaborator.Parse(req.Headers, accepts)
	if err != nil {
		return nil, &FaultError{Stage: StageParse, Err: err}
	}
	if parsed.Challenged() {
		return challenge(parsed.Challenge, accepts), nil
	}
	if parsed.Payload == nil || parsed.Requirement == nil {
		return challenge("Invalid payment data", accepts), nil
	}

	acquireCtx, cancelAcquire := context.WithTimeout(ctx, o.acquireTimeout())
	release, err := o.guard.Acquire(acquireCtx, rec.ID)
	cancelAcquire()
	if err != nil {
		return nil, &FaultError{Stage: StageGuard, Err: err}
	}
	defer release()

	// From here on the work runs to completion even if the caller goes away:
	// a settlement may already be on chain.
	detached := context.WithoutCancel(ctx)

	rec, err = o.store.Get(detached, rec.ID)
	if err != nil {
		return nil, &FaultError{Stage: StageLookup, Err: err}
	}
	if payment.IsPaid(rec) {
		return alreadyPaid(rec), nil
	}

	verifyCtx, cancelVerify := context.WithTimeout(detached, o.protocol.MaxTimeout())
	verified, err := o.collaborator.Verify(verifyCtx, parsed.Payload, parsed.Requirement, rec.ID)
	cancelVerify()
	if err != nil {
		return nil, &FaultError{Stage: StageVerify, Err: err}
	}
	if verified.Challenged() {
		return challenge(verified.Challenge, accepts), nil
	}

	settleCtx, cancelSettle := context.WithTimeout(detached, o.protocol.MaxTimeout())
	settled, err := o.collaborator.Settle(settleCtx, parsed.Payload, parsed.Requirement, rec.ID)
	cancelSettle()
	if err != nil {
		return nil, &FaultError{Stage: StageSettle, Err: err}
	}
	if settled.Challenged() {
		return challenge(settled.Challenge, accepts), nil
	}

	settlement := settled.Settlement
	o.logger.InfoContext(ctx, "Payment settled", "tx", settlement.Transaction, "network", settlement.Network, "payer", verified.Payer)

	if err := o.persistPaid(detached, rec.ID, settlement.Transaction); err != nil {
		if errors.Is(err, payment.ErrAlreadyPaid) {
			return o.resolveConcurrentSettlement(detached, rec.ID, settlement)
		}
		o.logger.ErrorContext(ctx, "Settled payment could not be recorded", "tx", settlement.Transaction, "error", err)
		return nil, &FaultError{Stage: StagePersist, Err: err}
	}

	rec.Status = payment.StatusPaid
	rec.TxHash = settlement.Transaction
	if o.publisher != nil {
		if err := o.publisher.PublishPaid(detached, rec, settlement); err != nil {
			o.logger.ErrorContext(ctx, "Error publishing payment event", "error", err)
			publishErrorCounter.Inc()
		}
	}

	return &Result{
		Kind:       KindPaid,
		TxHash:     settlement.Transaction,
		Network:    settlement.Network,
		Settlement: settlement,
	}, nil
}

// persistPaid retries transient store failures; the transition itself is
// rejected by the store if another writer already marked the record paid.
func (o *Orchestrator) persistPaid(ctx context.Context, id, txHash string) error {
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	op := func() error {
		err := o.store.UpdateStatus(ctx, id, payment.StatusPaid, txHash)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, payment.ErrAlreadyPaid),
			errors.Is(err, payment.ErrNotFound),
			errors.Is(err, payment.ErrInvalidTransition),
			errors.Is(err, payment.ErrMissingTxHash):
			return backoff.Permanent(err)
		default:
			o.logger.WarnContext(ctx, "Retrying payment status update", "error", err)
			return err
		}
	}

	return backoff.Retry(op, backoff.WithContext(o.persistBackOff(), ctx))
}

// resolveConcurrentSettlement handles the case where another instance recorded
// a settlement for the same link between our re-check and our write.
func (o *Orchestrator) resolveConcurrentSettlement(ctx context.Context, id string, ours *x402.SettleResponse) (*Result, error) {
	rec, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, &FaultError{Stage: StagePersist, Err: err}
	}
	if rec.TxHash != ours.Transaction {
		o.logger.WarnContext(ctx, "Payment settled more than once", "recordedTx", rec.TxHash, "duplicateTx", ours.Transaction)
	}
	return alreadyPaid(rec), nil
}

// requirements builds the payment requirements a proof for rec must satisfy.
// acquireTimeout covers the longest a holder can keep the guard: verify and
// settle at MaxTimeout each, then persisting.
func (o *Orchestrator) acquireTimeout() time.Duration {
	return 2*o.protocol.MaxTimeout() + persistTimeout
}

func (o *Orchestrator) requirements(rec *payment.Record, resourceURL string) ([]x402.PaymentRequirements, error) {
	units, err := x402.AmountToAssetUnits(rec.Amount, o.token.Decimals)
	if err != nil {
		return nil, err
	}
	if resourceURL == "" {
		return nil, errors.New("resource url is required")
	}

	return []x402.PaymentRequirements{{
		Scheme:            o.protocol.Scheme,
		Network:           o.protocol.Network,
		MaxAmountRequired: units,
		Resource:          resourceURL,
		Description:       "Payment for order " + rec.ID,
		MimeType:          mimeType,
		PayTo:             rec.Receiver,
		MaxTimeoutSeconds: o.protocol.MaxTimeoutSeconds,
		Asset:             o.token.Address,
		Extra: &x402.PaymentExtra{
			Name:    o.token.Name,
			Version: o.token.Version,
		},
	}}, nil
}

func alreadyPaid(rec *payment.Record) *Result {
	return &Result{Kind: KindPaid, AlreadyPaid: true, TxHash: rec.TxHash}
}

func challenge(reason string, accepts []x402.PaymentRequirements) *Result {
	return &Result{Kind: KindChallenge, Challenge: x402.NewPaymentRequired(reason, accepts...)}
}
