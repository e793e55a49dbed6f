package api

import (
	"errors"
	"net/http"
	"strings"

	"paylink-service/internal/checkout"
	"paylink-service/internal/payment"
	"paylink-service/internal/render"
	"paylink-service/internal/x402"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type createLinkResponse struct {
	PaymentID  string `json:"payment_id"`
	PaymentURL string `json:"payment_url"`
	Amount     string `json:"amount"`
	Receiver   string `json:"receiver"`
}

type payResponse struct {
	Status string `json:"status"`
	Tx     string `json:"tx"`
}

type statusResponse struct {
	PaymentID string  `json:"payment_id"`
	Amount    float64 `json:"amount"`
	Paid      bool    `json:"paid"`
	Tx        *string `json:"tx"`
}

func validationError(c *gin.Context, msg string) {
	c.JSON(http.StatusUnprocessableEntity, gin.H{"error": msg})
}

func (s *Server) handleCreateLink(c *gin.Context) {
	rawAmount := strings.TrimSpace(c.Query("amount"))
	if rawAmount == "" {
		validationError(c, "amount is required")
		return
	}
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		validationError(c, "amount must be a number")
		return
	}
	receiver, ok := c.GetQuery("receiver")
	if !ok {
		validationError(c, "receiver is required")
		return
	}

	l, err := s.issuer.Issue(c.Request.Context(), amount, receiver)
	switch {
	case errors.Is(err, payment.ErrInvalidAmount), errors.Is(err, payment.ErrInvalidReceiver):
		validationError(c, err.Error())
		return
	case err != nil:
		s.logger.ErrorContext(c.Request.Context(), "Error issuing payment link", "error", err)
		s.write(c, s.negotiator.Fault(err))
		return
	}

	c.JSON(http.StatusOK, createLinkResponse{
		PaymentID:  l.PaymentID,
		PaymentURL: l.PaymentURL,
		Amount:     l.Amount.String(),
		Receiver:   l.Receiver,
	})
}

func (s *Server) handlePay(c *gin.Context) {
	req := checkout.Request{
		PaymentID:   c.Param("id"),
		Headers:     c.Request.Header,
		ResourceURL: s.cfg.App.BaseURL + c.Request.URL.RequestURI(),
		Method:      c.Request.Method,
	}

	res, err := s.payer.Pay(c.Request.Context(), req)
	switch {
	case errors.Is(err, payment.ErrNotFound):
		s.write(c, s.negotiator.NotFound())
		return
	case err != nil:
		s.write(c, s.negotiator.Fault(err))
		return
	}

	if res.Kind == checkout.KindChallenge {
		browser := render.IsBrowser(c.GetHeader("Accept"), c.GetHeader("User-Agent"))
		s.write(c, s.negotiator.Challenge(res.Challenge, browser))
		return
	}

	if res.Settlement != nil {
		header, err := res.Settlement.EncodeToBase64String()
		if err != nil {
			s.logger.ErrorContext(c.Request.Context(), "Error encoding settlement header", "error", err)
		} else {
			c.Header(x402.HeaderPaymentResponse, header)
		}
	}

	c.JSON(http.StatusOK, payResponse{Status: string(payment.StatusPaid), Tx: res.TxHash})
}

func (s *Server) handleStatus(c *gin.Context) {
	rec, err := s.store.Get(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, payment.ErrNotFound):
		s.write(c, s.negotiator.NotFound())
		return
	case err != nil:
		s.logger.ErrorContext(c.Request.Context(), "Error loading payment", "error", err)
		s.write(c, s.negotiator.Fault(err))
		return
	}

	resp := statusResponse{
		PaymentID: rec.ID,
		Amount:    rec.Amount.InexactFloat64(),
		Paid:      payment.IsPaid(rec),
	}
	if resp.Paid {
		tx := rec.TxHash
		resp.Tx = &tx
	}
	c.JSON(http.StatusOK, resp)
}
