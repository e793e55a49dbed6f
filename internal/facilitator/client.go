package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"paylink-service/internal/x402"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
)

const (
	defaultTimeout = 60 * time.Second
	maxErrorBody   = 4096

	headerContentType    = "Content-Type"
	headerIdempotencyKey = "Idempotency-Key"
	mimeApplicationJSON  = "application/json"
)

// StatusError is returned when the facilitator answers with a non-200 status.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("facilitator %s failed: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Client talks to an x402 facilitator over HTTP.
type Client struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewClient(url string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Verify asks the facilitator to check a payment payload against a requirement.
// scopeID is sent as the Idempotency-Key so retries for the same link are grouped.
func (c *Client) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements, scopeID string) (*x402.VerifyResponse, error) {
	body := x402.VerifyRequest{
		X402Version:         x402.Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}

	var resp x402.VerifyResponse
	refused := func() bool { return !resp.IsValid && resp.InvalidReason != "" }
	if err := c.post(ctx, "verify", body, scopeID, &resp, refused); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Settle asks the facilitator to submit a verified payment on chain.
func (c *Client) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements, scopeID string) (*x402.SettleResponse, error) {
	body := x402.SettleRequest{
		X402Version:         x402.Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}

	var resp x402.SettleResponse
	refused := func() bool { return !resp.Success && resp.ErrorReason != "" }
	if err := c.post(ctx, "settle", body, scopeID, &resp, refused); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Supported lists the scheme and network pairs the facilitator accepts.
func (c *Client) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/supported", nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create supported request")
	}

	var resp x402.SupportedResponse
	if err := c.do(req, "supported", &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, op string, body any, scopeID string, out any, refused func() bool) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %s request body", op)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/"+op, bytes.NewReader(jsonBody))
	if err != nil {
		return errors.Wrapf(err, "failed to create %s request", op)
	}
	req.Header.Set(headerContentType, mimeApplicationJSON)
	if scopeID != "" {
		req.Header.Set(headerIdempotencyKey, scopeID)
	}

	return c.do(req, op, out, refused)
}

// do sends req and decodes a 200 reply into out. Facilitators answer a refused
// payment with a 4xx carrying the usual body; when refused reports a reason in
// that body the reply is a rejection, not a failure.
func (c *Client) do(req *http.Request, op string, out any, refused func() bool) error {
	start := time.Now()
	defer func() {
		metrics.GetOrCreateHistogram(fmt.Sprintf(`facilitator_request_duration_milliseconds{op=%q}`, op)).
			Update(float64(time.Since(start).Milliseconds()))
	}()

	c.logger.DebugContext(req.Context(), "Sending facilitator request", "op", op, "url", req.URL.String())

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.GetOrCreateCounter(fmt.Sprintf(`facilitator_requests_total{op=%q,result="transport_error"}`, op)).Inc()
		return errors.Wrapf(err, "failed to send %s request", op)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if resp.StatusCode < http.StatusInternalServerError && refused != nil &&
			json.Unmarshal(respBody, out) == nil && refused() {
			metrics.GetOrCreateCounter(fmt.Sprintf(`facilitator_requests_total{op=%q,result="refused"}`, op)).Inc()
			c.logger.DebugContext(req.Context(), "Facilitator refused payment", "op", op, "status", resp.StatusCode)
			return nil
		}
		metrics.GetOrCreateCounter(fmt.Sprintf(`facilitator_requests_total{op=%q,result="status_error"}`, op)).Inc()
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		metrics.GetOrCreateCounter(fmt.Sprintf(`facilitator_requests_total{op=%q,result="decode_error"}`, op)).Inc()
		return errors.Wrapf(err, "failed to decode %s response", op)
	}

	metrics.GetOrCreateCounter(fmt.Sprintf(`facilitator_requests_total{op=%q,result="success"}`, op)).Inc()
	return nil
}
