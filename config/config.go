package config

import (
	"fmt"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/flokiorg/go-flokicoin/chaincfg"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Load reads .env (if present) and the process environment into an AppConfig.
func Load() (*AppConfig, error) {
	// .env is optional; a missing file is not an error
	_ = godotenv.Load(".env")

	appConfig := &AppConfig{}
	if err := envconfig.Process("", appConfig); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	if appConfig.Workdir == "" {
		appConfig.Workdir = filepath.Join(xdg.DataHome, "lokilsp")
	}

	if err := appConfig.Validate(); err != nil {
		return nil, err
	}

	return appConfig, nil
}

// Validate checks that the configured LSPS1 bounds are internally consistent.
// The process refuses to start with bounds no order could ever satisfy.
func (c *AppConfig) Validate() error {
	if c.MinInitialLspBalanceSat > c.MaxInitialLspBalanceSat {
		return fmt.Errorf("LSPS1_MIN_INITIAL_LSP_BALANCE_SAT (%d) exceeds LSPS1_MAX_INITIAL_LSP_BALANCE_SAT (%d)",
			c.MinInitialLspBalanceSat, c.MaxInitialLspBalanceSat)
	}
	if c.MinInitialClientBalanceSat > c.MaxInitialClientBalanceSat {
		return fmt.Errorf("LSPS1_MIN_INITIAL_CLIENT_BALANCE_SAT (%d) exceeds LSPS1_MAX_INITIAL_CLIENT_BALANCE_SAT (%d)",
			c.MinInitialClientBalanceSat, c.MaxInitialClientBalanceSat)
	}
	if c.MinChannelBalanceSat > c.MaxChannelBalanceSat {
		return fmt.Errorf("LSPS1_MIN_CHANNEL_BALANCE_SAT (%d) exceeds LSPS1_MAX_CHANNEL_BALANCE_SAT (%d)",
			c.MinChannelBalanceSat, c.MaxChannelBalanceSat)
	}
	if c.OrderLifetimeSeconds == 0 {
		return fmt.Errorf("LSPS1_ORDER_LIFETIME_SECONDS must be positive")
	}
	if _, err := c.ChainParams(); err != nil {
		return err
	}
	return nil
}

// ChainParams maps the configured network name to chain parameters, used to
// validate refund addresses on incoming orders.
func (c *AppConfig) ChainParams() (*chaincfg.Params, error) {
	switch c.Network {
	case "mainnet", "":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network: %s", c.Network)
	}
}
