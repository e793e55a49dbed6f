package checkout

import (
	"context"
	"net/http"

	"paylink-service/internal/x402"
)

// ParseResult is either a decoded proof with the requirement it matched, or a
// challenge reason when the request carries no usable proof.
type ParseResult struct {
	Payload     *x402.PaymentPayload
	Requirement *x402.PaymentRequirements
	Challenge   string
}

func (r ParseResult) Challenged() bool { return r.Challenge != "" }

// VerifyResult is either an acknowledgement (with the payer when known) or a
// challenge carrying the facilitator's rejection reason.
type VerifyResult struct {
	Payer     string
	Challenge string
}

func (r VerifyResult) Challenged() bool { return r.Challenge != "" }

// SettleResult is either the on-chain settlement or a challenge carrying the
// settlement error.
type SettleResult struct {
	Settlement *x402.SettleResponse
	Challenge  string
}

func (r SettleResult) Challenged() bool { return r.Challenge != "" }

// Collaborator drives the x402 handshake steps. A returned error is always an
// unexpected fault; refusals are reported through the result's Challenge.
type Collaborator interface {
	Parse(headers http.Header, accepts []x402.PaymentRequirements) (ParseResult, error)
	Verify(ctx context.Context, payload *x402.PaymentPayload, requirement *x402.PaymentRequirements, scopeID string) (VerifyResult, error)
	Settle(ctx context.Context, payload *x402.PaymentPayload, requirement *x402.PaymentRequirements, scopeID string) (SettleResult, error)
}
