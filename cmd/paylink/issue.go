package main

import (
	"encoding/json"

	"paylink-service/internal/config"
	"paylink-service/internal/link"
	"paylink-service/internal/logging"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func issueCmd() *cobra.Command {
	var (
		amount   string
		receiver string
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Create a payment link directly in the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := decimal.NewFromString(amount)
			if err != nil {
				return err
			}

			cfg, err := config.LoadConfig(configDir)
			if err != nil {
				return err
			}
			logger := logging.GetLogger(cfg.Logs)

			store, closeStore, err := openStore(cmd.Context(), cfg, storePostgres, false, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			l, err := link.NewIssuer(store, cfg.App.BaseURL, cfg.Token.Decimals, logger).Issue(cmd.Context(), value, receiver)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]string{
				"payment_id":  l.PaymentID,
				"payment_url": l.PaymentURL,
				"amount":      l.Amount.String(),
				"receiver":    l.Receiver,
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "amount in token units, e.g. 10.50")
	cmd.Flags().StringVar(&receiver, "receiver", "", "address receiving the payment")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("receiver")

	return cmd
}
