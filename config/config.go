// Package config loads the relay service configuration from file and
// environment through viper. Environment variables override file values
// with the MSQPAY_ prefix, e.g. MSQPAY_RELAYER_API_KEY.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	msqpay "github.com/msqpay/relay-go"
)

type Config struct {
	Environment string         `mapstructure:"environment"`
	Server      ServerConfig   `mapstructure:"server"`
	Database    DatabaseConfig `mapstructure:"database"`
	Chain       ChainConfig    `mapstructure:"chain"`
	Relayer     RelayerConfig  `mapstructure:"relayer"`
	Webhook     WebhookConfig  `mapstructure:"webhook"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	Source string `mapstructure:"source"`
}

// ChainConfig carries the signing domain constants and the RPC endpoint
// used for forwarder nonce reads.
type ChainConfig struct {
	ChainID          int64  `mapstructure:"chain_id"`
	RPCURL           string `mapstructure:"rpc_url"`
	GatewayAddress   string `mapstructure:"gateway_address"`
	ForwarderAddress string `mapstructure:"forwarder_address"`
	SignerPrivateKey string `mapstructure:"signer_private_key"`
}

type RelayerConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Address      string        `mapstructure:"address"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	WaitTimeout  time.Duration `mapstructure:"wait_timeout"`
}

type WebhookConfig struct {
	Workers int `mapstructure:"workers"`
	// MerchantURLs maps merchant ids to their default delivery URLs.
	MerchantURLs map[string]string `mapstructure:"merchant_urls"`
}

// Load reads the config file (optional) and environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("environment", "development")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.source", "msqpay.db")
	v.SetDefault("relayer.poll_interval", 3*time.Second)
	v.SetDefault("relayer.wait_timeout", 2*time.Minute)
	v.SetDefault("webhook.workers", 5)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("MSQPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []string

	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain.chain_id must be positive")
	}
	if !msqpay.IsHexAddress(c.Chain.GatewayAddress) {
		errs = append(errs, "chain.gateway_address must be a 0x-prefixed 20-byte hex address")
	}
	if !msqpay.IsHexAddress(c.Chain.ForwarderAddress) {
		errs = append(errs, "chain.forwarder_address must be a 0x-prefixed 20-byte hex address")
	}
	if c.Chain.SignerPrivateKey == "" {
		errs = append(errs, "chain.signer_private_key is required")
	}
	if c.Relayer.BaseURL == "" {
		errs = append(errs, "relayer.base_url is required")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		errs = append(errs, "database.driver must be sqlite or postgres")
	}
	if c.Webhook.Workers <= 0 {
		errs = append(errs, "webhook.workers must be positive")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
