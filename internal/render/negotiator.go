package render

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"paylink-service/internal/checkout"
	"paylink-service/internal/config"
	"paylink-service/internal/x402"

	"github.com/shopspring/decimal"
)

const (
	contentTypeJSON = "application/json; charset=utf-8"
	contentTypeHTML = "text/html; charset=utf-8"
)

//go:embed templates/paywall.html
var templates embed.FS

var paywallTemplate = template.Must(template.ParseFS(templates, "templates/paywall.html"))

// Response is a fully rendered reply, independent of the HTTP framework.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// IsBrowser reports whether a request comes from a web browser rather than an
// x402 client.
func IsBrowser(accept, userAgent string) bool {
	return strings.Contains(accept, "text/html") && strings.Contains(userAgent, "Mozilla")
}

type Negotiator struct {
	app    config.App
	token  config.Token
	logger *slog.Logger
}

func NewNegotiator(app config.App, token config.Token, logger *slog.Logger) *Negotiator {
	return &Negotiator{app: app, token: token, logger: logger}
}

type paywallData struct {
	AppName         string
	AppLogo         string
	TokenSymbol     string
	Amount          string
	Error           string
	Requirement     *x402.PaymentRequirements
	PaymentRequired *x402.PaymentRequired
}

// Challenge renders a 402 response: the JSON body x402 clients expect, or an
// HTML paywall carrying the same requirements for browsers.
func (n *Negotiator) Challenge(pr *x402.PaymentRequired, browser bool) Response {
	if !browser {
		return n.json(http.StatusPaymentRequired, pr)
	}

	data := paywallData{
		AppName:         n.app.Name,
		AppLogo:         n.app.Logo,
		TokenSymbol:     n.token.Symbol,
		Error:           pr.Error,
		PaymentRequired: pr,
	}
	if len(pr.Accepts) > 0 {
		data.Requirement = &pr.Accepts[0]
		data.Amount = n.displayAmount(pr.Accepts[0].MaxAmountRequired)
	}

	var buf bytes.Buffer
	if err := paywallTemplate.Execute(&buf, data); err != nil {
		n.logger.Error("Error rendering paywall", "error", err)
		return n.json(http.StatusPaymentRequired, pr)
	}

	return Response{Status: http.StatusPaymentRequired, ContentType: contentTypeHTML, Body: buf.Bytes()}
}

func (n *Negotiator) NotFound() Response {
	return n.json(http.StatusNotFound, map[string]string{"error": "Payment not found"})
}

// Fault renders a 500 with a short summary; details stay in the logs.
func (n *Negotiator) Fault(err error) Response {
	summary := "Internal server error"
	var fault *checkout.FaultError
	if errors.As(err, &fault) {
		summary = "Payment processing failed at " + fault.Stage
	}
	return n.json(http.StatusInternalServerError, map[string]string{"error": summary})
}

func (n *Negotiator) json(status int, body any) Response {
	b, err := json.Marshal(body)
	if err != nil {
		n.logger.Error("Error encoding response", "error", err)
		return Response{Status: http.StatusInternalServerError, ContentType: contentTypeJSON, Body: []byte(`{"error":"Internal server error"}`)}
	}
	return Response{Status: status, ContentType: contentTypeJSON, Body: b}
}

// displayAmount turns atomic units back into a human readable token amount.
func (n *Negotiator) displayAmount(units string) string {
	d, err := decimal.NewFromString(units)
	if err != nil {
		return units
	}
	return d.Shift(int32(-n.token.Decimals)).String()
}
