// Package cli implements the x402-facilitator command.
package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
	config     *Config
	logger     *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "x402-facilitator",
	Short: "x402 payment facilitator",
	Long: `Verifies and settles x402 payment authorizations on EVM chains.

Supports the metered "upto" scheme, which settles any amount up to the
authorized maximum, and the fixed "exact" scheme.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}

		var err error
		config, err = LoadConfig(configPath)
		if err != nil {
			return err
		}

		logger, err = NewLogger(config)
		if err != nil {
			return err
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded into the environment")
}
