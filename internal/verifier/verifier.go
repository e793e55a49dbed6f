package verifier

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"paylink-service/internal/checkout"
	"paylink-service/internal/x402"

	"github.com/pkg/errors"
)

const (
	reasonHeaderRequired = "X-PAYMENT header is required"
	reasonInvalidHeader  = "Invalid or malformed payment header"
	reasonVersion        = "Unsupported x402 version"
	reasonNoMatch        = "No matching payment requirements found"
	reasonVerifyFailed   = "Payment verification failed"
	reasonSettleFailed   = "Payment settlement failed"
)

// Facilitator is the remote half of the handshake.
type Facilitator interface {
	Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements, scopeID string) (*x402.VerifyResponse, error)
	Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements, scopeID string) (*x402.SettleResponse, error)
}

// Verifier parses X-PAYMENT headers locally and delegates verification and
// settlement to a facilitator.
type Verifier struct {
	facilitator Facilitator
	logger      *slog.Logger
}

func New(facilitator Facilitator, logger *slog.Logger) *Verifier {
	return &Verifier{facilitator: facilitator, logger: logger}
}

var _ checkout.Collaborator = (*Verifier)(nil)

func (v *Verifier) Parse(headers http.Header, accepts []x402.PaymentRequirements) (checkout.ParseResult, error) {
	if len(accepts) == 0 {
		return checkout.ParseResult{}, errors.New("no payment requirements configured")
	}

	header := strings.TrimSpace(headers.Get(x402.HeaderPayment))
	if header == "" {
		return checkout.ParseResult{Challenge: reasonHeaderRequired}, nil
	}

	payload, err := x402.DecodePaymentHeader(header)
	if err != nil {
		v.logger.Debug("Rejecting payment header", "error", err)
		return checkout.ParseResult{Challenge: reasonInvalidHeader}, nil
	}
	if payload.X402Version != x402.Version {
		return checkout.ParseResult{Challenge: reasonVersion}, nil
	}

	for i := range accepts {
		if accepts[i].Scheme == payload.Scheme && accepts[i].Network == payload.Network {
			requirement := accepts[i]
			return checkout.ParseResult{Payload: payload, Requirement: &requirement}, nil
		}
	}

	return checkout.ParseResult{Challenge: reasonNoMatch}, nil
}

func (v *Verifier) Verify(ctx context.Context, payload *x402.PaymentPayload, requirement *x402.PaymentRequirements, scopeID string) (checkout.VerifyResult, error) {
	resp, err := v.facilitator.Verify(ctx, payload, requirement, scopeID)
	if err != nil {
		return checkout.VerifyResult{}, err
	}
	if !resp.IsValid {
		return checkout.VerifyResult{Challenge: orDefault(resp.InvalidReason, reasonVerifyFailed)}, nil
	}
	return checkout.VerifyResult{Payer: resp.Payer}, nil
}

func (v *Verifier) Settle(ctx context.Context, payload *x402.PaymentPayload, requirement *x402.PaymentRequirements, scopeID string) (checkout.SettleResult, error) {
	resp, err := v.facilitator.Settle(ctx, payload, requirement, scopeID)
	if err != nil {
		return checkout.SettleResult{}, err
	}
	if !resp.Success {
		return checkout.SettleResult{Challenge: orDefault(resp.ErrorReason, reasonSettleFailed)}, nil
	}
	if resp.Transaction == "" {
		return checkout.SettleResult{}, errors.New("facilitator reported success without a transaction")
	}
	return checkout.SettleResult{Settlement: resp}, nil
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
