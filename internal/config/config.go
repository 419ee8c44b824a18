package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// DefaultNetworkName is the network populated by the RPC_URL / CHAIN_ID
// shortcut variables. Keep in sync with the env bindings in Load.
const DefaultNetworkName = "arbitrum"

type Config struct {
	Signer    SignerConfig
	Redis     RedisConfig
	Payout    PayoutConfig
	Networks  map[string]NetworkConfig `validate:"required,min=1,dive"`
	Server    ServerConfig
	Reconcile ReconcileConfig
}

type SignerConfig struct {
	PrivateKey string `mapstructure:"private_key"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

type PayoutConfig struct {
	// Amount is the fixed native payout in whole units, e.g. "0.00001".
	Amount            string `mapstructure:"amount" validate:"required"`
	ConfirmTimeoutSec int64  `mapstructure:"confirm_timeout_sec" validate:"gt=0"`
	// RPCTimeoutSec bounds each balance, fee, nonce and broadcast call.
	RPCTimeoutSec     int64  `mapstructure:"rpc_timeout_sec" validate:"gt=0"`
	RequireKnown      bool   `mapstructure:"require_known"`
	DefaultNetwork    string `mapstructure:"default_network"`
	DefaultAsset      string `mapstructure:"default_asset"`
}

type NetworkConfig struct {
	RPCURL       string        `mapstructure:"rpc_url" validate:"required,url"`
	ChainID      int64         `mapstructure:"chain_id" validate:"gt=0"`
	FeeModel     string        `mapstructure:"fee_model" validate:"omitempty,oneof=legacy eip1559"`
	NativeSymbol string        `mapstructure:"native_symbol"`
	Assets       []AssetConfig `mapstructure:"assets" validate:"dive"`
}

// AssetConfig describes an ERC20 token dispensed on a network. Amount is in
// whole token units; empty means the token is listed but not dispensed.
type AssetConfig struct {
	Symbol   string `mapstructure:"symbol" validate:"required"`
	Contract string `mapstructure:"contract" validate:"required"`
	Decimals uint8  `mapstructure:"decimals"`
	Amount   string `mapstructure:"amount"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"gt=0,lt=65536"`
	APIToken string `mapstructure:"api_token"`
}

type ReconcileConfig struct {
	IntervalSec int64 `mapstructure:"interval_sec" validate:"gte=0"`
	GraceSec    int64 `mapstructure:"grace_sec" validate:"gte=0"`
}

// ConfirmTimeout is the per-claim confirmation wait.
func (p PayoutConfig) ConfirmTimeout() time.Duration {
	return time.Duration(p.ConfirmTimeoutSec) * time.Second
}

func (p PayoutConfig) RPCTimeout() time.Duration {
	return time.Duration(p.RPCTimeoutSec) * time.Second
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("payout.amount", "0.00001")
	v.SetDefault("payout.confirm_timeout_sec", 120)
	v.SetDefault("payout.rpc_timeout_sec", 15)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("reconcile.interval_sec", 0)
	v.SetDefault("reconcile.grace_sec", 600)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"signer.private_key":          "SIGNER_PRIVATE_KEY",
		"redis.addr":                  "REDIS_ADDR",
		"redis.password":              "REDIS_PASSWORD",
		"redis.db":                    "REDIS_DB",
		"payout.amount":               "PAYOUT_AMOUNT",
		"payout.confirm_timeout_sec":  "CONFIRM_TIMEOUT_SEC",
		"payout.rpc_timeout_sec":      "RPC_TIMEOUT_SEC",
		"payout.require_known":        "REQUIRE_KNOWN",
		"payout.default_network":      "DEFAULT_NETWORK",
		"payout.default_asset":        "DEFAULT_ASSET",
		"networks.arbitrum.rpc_url":   "RPC_URL",
		"networks.arbitrum.chain_id":  "CHAIN_ID",
		"networks.arbitrum.fee_model": "FEE_MODEL",
		"server.port":                 "PORT",
		"server.api_token":            "CLAIM_API_TOKEN",
		"reconcile.interval_sec":      "RECONCILE_INTERVAL_SEC",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDefaults()

	return cfg, cfg.validate()
}

func (c *Config) applyDefaults() {
	for name, n := range c.Networks {
		if n.FeeModel == "" {
			n.FeeModel = "legacy"
		}
		if n.NativeSymbol == "" {
			n.NativeSymbol = "ETH"
		}
		c.Networks[name] = n
	}
	if c.Payout.DefaultNetwork == "" && len(c.Networks) == 1 {
		for name := range c.Networks {
			c.Payout.DefaultNetwork = name
		}
	}
}

func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Payout.DefaultNetwork == "" {
		return fmt.Errorf("required config missing: DEFAULT_NETWORK (%d networks configured)", len(c.Networks))
	}
	if _, ok := c.Networks[c.Payout.DefaultNetwork]; !ok {
		return fmt.Errorf("default network %q is not configured", c.Payout.DefaultNetwork)
	}
	seen := make(map[int64]string, len(c.Networks))
	for _, name := range c.NetworkNames() {
		id := c.Networks[name].ChainID
		if other, dup := seen[id]; dup {
			return fmt.Errorf("networks %q and %q share chain id %d", other, name, id)
		}
		seen[id] = name
	}
	return nil
}

// NetworkNames returns the configured network names in stable order.
func (c *Config) NetworkNames() []string {
	names := make([]string, 0, len(c.Networks))
	for name := range c.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
