package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"paylink-service/internal/api"
	"paylink-service/internal/checkout"
	"paylink-service/internal/config"
	"paylink-service/internal/facilitator"
	"paylink-service/internal/guard"
	"paylink-service/internal/kafka"
	"paylink-service/internal/link"
	"paylink-service/internal/logging"
	"paylink-service/internal/metrics"
	"paylink-service/internal/render"
	"paylink-service/internal/verifier"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	var storeKind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the payment link HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), storeKind)
		},
	}
	cmd.Flags().StringVar(&storeKind, "store", storePostgres, "ledger backend: postgres or memory")

	return cmd
}

func runServe(ctx context.Context, storeKind string) error {
	ctx, stop := signal.NotifyContext(contextOrBackground(ctx), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		return err
	}

	logger := logging.GetLogger(cfg.Logs)
	metrics.Setup(cfg.Metrics, logger)

	store, closeStore, err := openStore(ctx, cfg, storeKind, true, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	settleGuard, closeGuard := newGuard(cfg.Redis, logger)
	defer closeGuard()

	publisher := newPublisher(cfg.Kafka, logger)
	defer publisher.Close()

	client := facilitator.NewClient(cfg.X402.FacilitatorURL, cfg.X402.MaxTimeout(), logger)
	checkFacilitator(ctx, client, cfg.X402, logger)

	orchestrator := checkout.NewOrchestrator(store, verifier.New(client, logger), settleGuard, cfg.X402, cfg.Token, logger,
		checkout.WithPublisher(publisher))
	issuer := link.NewIssuer(store, cfg.App.BaseURL, cfg.Token.Decimals, logger)
	negotiator := render.NewNegotiator(cfg.App, cfg.Token, logger)

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.NewServer(cfg, store, orchestrator, issuer, negotiator, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "addr", server.Addr, "network", cfg.X402.Network, "facilitator", cfg.X402.FacilitatorURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

type publisherCloser interface {
	checkout.Publisher
	Close() error
}

func newPublisher(cfg config.Kafka, logger *slog.Logger) publisherCloser {
	if cfg.Broker.URL == "" {
		logger.Info("No Kafka broker configured, payment events are not published")
		return kafka.NopPublisher{}
	}
	return kafka.NewPublisher(kafka.NewWriter(cfg), logger)
}

func newGuard(cfg config.Redis, logger *slog.Logger) (guard.Guard, func()) {
	if cfg.Addr == "" {
		return guard.NewLocal(), func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	logger.Info("Using Redis settlement guard", "addr", cfg.Addr)

	g := guard.NewRedis(client, time.Duration(cfg.LockTTLMs)*time.Millisecond, time.Duration(cfg.RetryMs)*time.Millisecond)
	return g, func() {
		if err := client.Close(); err != nil {
			logger.Error("Error closing redis client", "error", err)
		}
	}
}

// checkFacilitator warns when the facilitator does not advertise the configured
// scheme and network. It never blocks startup.
func checkFacilitator(ctx context.Context, client *facilitator.Client, cfg config.X402, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	supported, err := client.Supported(ctx)
	if err != nil {
		logger.Warn("Could not query facilitator capabilities", "error", err)
		return
	}
	for _, kind := range supported.Kinds {
		if kind.Scheme == cfg.Scheme && kind.Network == cfg.Network {
			return
		}
	}
	logger.Warn("Facilitator does not advertise the configured payment kind", "scheme", cfg.Scheme, "network", cfg.Network)
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
