package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"paylink-service/internal/config"
	"paylink-service/internal/kafka"
	"paylink-service/internal/logging"
	"paylink-service/internal/message"

	"github.com/spf13/cobra"
)

func eventsCmd() *cobra.Command {
	var groupID string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print payment.paid events as they are published",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configDir)
			if err != nil {
				return err
			}
			if cfg.Kafka.Broker.URL == "" {
				return errors.New("kafka.broker.url is not configured")
			}
			logger := logging.GetLogger(cfg.Logs)

			ctx, stop := signal.NotifyContext(contextOrBackground(cmd.Context()), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reader := kafka.NewReader(cfg.Kafka.Broker.URL, cfg.Kafka.Topic.PaymentEvents, groupID)
			defer reader.Close()

			out := json.NewEncoder(cmd.OutOrStdout())
			err = kafka.ReadPaymentEvents(ctx, reader, func(_ context.Context, e message.PaymentEvent) error {
				if e.Event != message.EventPaymentPaid {
					return fmt.Errorf("unexpected event %q", e.Event)
				}
				return out.Encode(e)
			}, logger)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&groupID, "group", "paylink-events", "kafka consumer group")

	return cmd
}
