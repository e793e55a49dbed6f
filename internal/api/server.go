package api

import (
	"context"
	"log/slog"
	"net/http"

	"paylink-service/internal/checkout"
	"paylink-service/internal/config"
	"paylink-service/internal/link"
	"paylink-service/internal/payment"
	"paylink-service/internal/render"

	"github.com/VictoriaMetrics/metrics"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Payer runs the payment handshake for one link.
type Payer interface {
	Pay(ctx context.Context, req checkout.Request) (*checkout.Result, error)
}

// Issuer creates payment links.
type Issuer interface {
	Issue(ctx context.Context, amount decimal.Decimal, receiver string) (*link.Link, error)
}

type Server struct {
	cfg        *config.Config
	store      payment.Store
	payer      Payer
	issuer     Issuer
	negotiator *render.Negotiator
	logger     *slog.Logger
	router     *gin.Engine
}

func NewServer(cfg *config.Config, store payment.Store, payer Payer, issuer Issuer, negotiator *render.Negotiator, logger *slog.Logger) *Server {
	router := gin.New()
	router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.ErrorContext(c.Request.Context(), "Recovered from panic", "panic", recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}))
	router.Use(requestLogger(logger))

	s := &Server{
		cfg:        cfg,
		store:      store,
		payer:      payer,
		issuer:     issuer,
		negotiator: negotiator,
		logger:     logger,
		router:     router,
	}

	router.GET("/", s.handleRoot)
	router.GET("/liveness", s.handleLiveness)
	router.GET("/metrics", s.handleMetrics)
	router.GET("/config", s.handleConfig)
	router.GET("/create-payment-link", s.handleCreateLink)
	router.GET("/pay/:id", s.handlePay)
	router.GET("/status/:id", s.handleStatus)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"service": s.cfg.App.Name, "status": "running"})
}

func (s *Server) handleLiveness(c *gin.Context) {
	c.Status(http.StatusOK)
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.Header("Content-Type", "text/plain; version=0.0.4")
	metrics.WritePrometheus(c.Writer, true)
}

func (s *Server) handleConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"network":       s.cfg.X402.Network,
		"tokenAddress":  s.cfg.Token.Address,
		"tokenName":     s.cfg.Token.Name,
		"tokenSymbol":   s.cfg.Token.Symbol,
		"tokenDecimals": s.cfg.Token.Decimals,
		"tokenVersion":  s.cfg.Token.Version,
		"chainId":       s.cfg.Chain.ID,
		"explorerUrl":   s.cfg.Chain.ExplorerURL,
	})
}

func (s *Server) write(c *gin.Context, resp render.Response) {
	c.Data(resp.Status, resp.ContentType, resp.Body)
}
