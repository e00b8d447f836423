package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/becomeliminal/x402-upto/evm"
	"github.com/becomeliminal/x402-upto/facilitator"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// EnvPrivateKey names the variable holding the settlement account key.
const EnvPrivateKey = "FACILITATOR_PRIVATE_KEY"

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the facilitator HTTP server",
	Long: `Start the facilitator HTTP server.

Endpoints:
  GET  /health
  GET  /supported
  POST /verify, /verify-exact
  POST /settle, /settle-exact

The settlement key is read from ` + EnvPrivateKey + `.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if listenAddr != "" {
			config.Listen = listenAddr
		}
		if err := config.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		chains, closeLedgers, err := dialChains(ctx, config, logger)
		if err != nil {
			return err
		}
		defer closeLedgers()

		engine, err := evm.NewFacilitator(logger, chains...)
		if err != nil {
			return err
		}

		return serve(ctx, config, facilitator.NewServer(engine, logger).Handler(), logger)
	},
}

func dialChains(ctx context.Context, cfg *Config, logger logrus.FieldLogger) ([]*evm.Chain, func(), error) {
	hexKey := strings.TrimPrefix(os.Getenv(EnvPrivateKey), "0x")
	if hexKey == "" {
		return nil, nil, fmt.Errorf("%s is not set", EnvPrivateKey)
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid %s: %w", EnvPrivateKey, err)
	}

	var ledgers []*evm.EthLedger
	closeAll := func() {
		for _, l := range ledgers {
			l.Close()
		}
	}

	chains := make([]*evm.Chain, 0, len(cfg.Chains))
	for _, c := range cfg.Chains {
		ledger, err := evm.DialEthLedger(ctx, c.RPCURL, key, evm.EthLedgerOptions{
			CallTimeout:  cfg.RPCTimeout,
			PollInterval: cfg.PollInterval,
			Logger:       logger,
		})
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("chain %s: %w", c.Network, err)
		}
		ledgers = append(ledgers, ledger)

		if got := evm.Network(ledger.ChainID()); got != c.Network {
			closeAll()
			return nil, nil, fmt.Errorf("chain %s: rpc_url serves %s", c.Network, got)
		}

		logger.WithFields(logrus.Fields{
			"network": c.Network,
			"account": ledger.Address().Hex(),
		}).Info("Connected to chain")

		chains = append(chains, &evm.Chain{
			Network:   c.Network,
			ChainID:   ledger.ChainID(),
			Contracts: c.Contracts(),
			Ledger:    ledger,
		})
	}

	return chains, closeAll, nil
}

func serve(ctx context.Context, cfg *Config, handler http.Handler, logger logrus.FieldLogger) error {
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Listen).Info("Facilitator listening")
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

	logger.Info("Shutting down facilitator")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

func init() {
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Listen address (overrides the config file)")
	rootCmd.AddCommand(serveCmd)
}
