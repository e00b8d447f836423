package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/becomeliminal/x402-upto/evm"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the facilitator process configuration. ${VAR} references in the
// file are expanded from the environment before parsing.
type Config struct {
	Listen    string        `yaml:"listen"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	IntentsDB string        `yaml:"intents_db"`
	Chains    []ChainConfig `yaml:"chains"`

	RPCTimeout      time.Duration `yaml:"rpc_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ChainConfig is one network the facilitator settles on.
type ChainConfig struct {
	Network    string `yaml:"network"`
	RPCURL     string `yaml:"rpc_url"`
	Permit2    string `yaml:"permit2"`
	UptoProxy  string `yaml:"upto_proxy"`
	ExactProxy string `yaml:"exact_proxy"`
}

// DefaultConfig is used when no config file is given.
func DefaultConfig() *Config {
	return &Config{
		Listen:          ":8402",
		LogLevel:        "info",
		LogFormat:       "json",
		IntentsDB:       "data/intents.db",
		RPCTimeout:      10 * time.Second,
		PollInterval:    2 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// LoadConfig reads path over the defaults. An empty path returns the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the chain list. Only serve needs chains, so it is not
// called on load.
func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain is required")
	}

	for i, chain := range c.Chains {
		if _, err := evm.ChainID(chain.Network); err != nil {
			return fmt.Errorf("chains[%d]: %w", i, err)
		}
		if chain.RPCURL == "" {
			return fmt.Errorf("chains[%d]: rpc_url is required", i)
		}
		if chain.UptoProxy == "" && chain.ExactProxy == "" {
			return fmt.Errorf("chains[%d]: upto_proxy or exact_proxy is required", i)
		}
		for name, address := range map[string]string{
			"permit2":     chain.Permit2,
			"upto_proxy":  chain.UptoProxy,
			"exact_proxy": chain.ExactProxy,
		} {
			if address != "" && !common.IsHexAddress(address) {
				return fmt.Errorf("chains[%d]: invalid %s %q", i, name, address)
			}
		}
	}

	return nil
}

// Contracts converts the configured addresses.
func (c ChainConfig) Contracts() evm.Contracts {
	var contracts evm.Contracts
	if c.Permit2 != "" {
		contracts.Permit2 = common.HexToAddress(c.Permit2)
	}
	if c.UptoProxy != "" {
		contracts.UptoProxy = common.HexToAddress(c.UptoProxy)
	}
	if c.ExactProxy != "" {
		contracts.ExactProxy = common.HexToAddress(c.ExactProxy)
	}
	return contracts
}

// NewLogger builds the process logger from the log settings.
func NewLogger(cfg *Config) (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log_level: %w", err)
	}
	logger.SetLevel(level)

	switch strings.ToLower(cfg.LogFormat) {
	case "", "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("invalid log_format %q", cfg.LogFormat)
	}

	return logger, nil
}
