package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/becomeliminal/x402-upto/intentstore"
	"github.com/spf13/cobra"
)

var (
	intentsPayer string
	intentsSince time.Duration
	intentsLimit int
)

var intentsCmd = &cobra.Command{
	Use:   "intents",
	Short: "Inspect recorded settlement intents",
}

var intentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List settlement intents, newest first",
	Long: `List the settlement intents recorded before each settlement.

An intent with no matching on-chain transfer marks a settlement that was
interrupted and may need to be retried.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := intentstore.Open(config.IntentsDB, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		opts := intentstore.ListOptions{Payer: intentsPayer, Limit: intentsLimit}
		if intentsSince > 0 {
			opts.Since = time.Now().Add(-intentsSince)
		}

		intents, err := store.List(cmd.Context(), opts)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, intent := range intents {
			if err := enc.Encode(intentRow{
				ID:        intent.ID,
				Scheme:    string(intent.Scheme),
				Network:   intent.Requirements.Network,
				Payer:     intent.Payload.Payload.Authorization.From,
				Nonce:     intent.Payload.Payload.Authorization.Nonce,
				Amount:    intent.SettlementAmount,
				MaxAmount: intent.Requirements.MaxAmount,
				CreatedAt: intent.CreatedAt,
			}); err != nil {
				return fmt.Errorf("failed to write intent: %w", err)
			}
		}
		return nil
	},
}

// intentRow is one line of `intents list` output.
type intentRow struct {
	ID        string    `json:"id"`
	Scheme    string    `json:"scheme"`
	Network   string    `json:"network"`
	Payer     string    `json:"payer"`
	Nonce     string    `json:"nonce"`
	Amount    string    `json:"amount"`
	MaxAmount string    `json:"maxAmount"`
	CreatedAt time.Time `json:"createdAt"`
}

func init() {
	intentsListCmd.Flags().StringVar(&intentsPayer, "payer", "", "Only intents from this payer address")
	intentsListCmd.Flags().DurationVar(&intentsSince, "since", 0, "Only intents newer than this (e.g. 24h)")
	intentsListCmd.Flags().IntVarP(&intentsLimit, "limit", "n", 100, "Maximum number of intents")

	intentsCmd.AddCommand(intentsListCmd)
	rootCmd.AddCommand(intentsCmd)
}
