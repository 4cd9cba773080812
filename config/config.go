package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sharding-experiment/multitoken/internal/network"
)

// Config holds all configurable parameters for the coordinator and shard
// binaries. Values are read from JSON and then overridden by the environment.
type Config struct {
	Port     int    `json:"port" env:"PORT"`
	LogLevel string `json:"log_level" env:"LOG_LEVEL"`

	// Identity is the address the coordinator presents to its shards.
	Identity string `json:"identity" env:"IDENTITY"`
	// Admin may update the shard template and run migrations.
	Admin string `json:"admin" env:"ADMIN"`
	// FrontEnd is the only sender allowed to submit transactions.
	FrontEnd string `json:"front_end" env:"FRONT_END"`

	ShardTemplate  string   `json:"shard_template" env:"SHARD_TEMPLATE"`
	ShardURLs      []string `json:"shard_urls" env:"SHARD_URLS" envSeparator:","`
	TokenStorePath string   `json:"token_store_path" env:"TOKEN_STORE_PATH"`

	ClearDelayMs     int `json:"clear_delay_ms" env:"CLEAR_DELAY_MS"`
	RequestTimeoutMs int `json:"request_timeout_ms" env:"REQUEST_TIMEOUT_MS"`

	// TestAccountNum is how many deterministic accounts the seed tool funds.
	TestAccountNum int `json:"test_account_num" env:"TEST_ACCOUNT_NUM"`

	Shard   ShardConfig           `json:"shard"`
	Network network.NetworkConfig `json:"network"`
}

// ShardConfig carries the descriptive fields every shard is created with.
type ShardConfig struct {
	Name    string `json:"name" env:"SHARD_NAME"`
	Symbol  string `json:"symbol" env:"SHARD_SYMBOL"`
	BaseURI string `json:"base_uri" env:"SHARD_BASE_URI"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Port:             8080,
		LogLevel:         "info",
		ClearDelayMs:     int((10 * time.Minute) / time.Millisecond),
		RequestTimeoutMs: 5000,
		TestAccountNum:   16,
		Shard: ShardConfig{
			Name:   "Multi Token",
			Symbol: "MULTI",
		},
	}
}

// Load reads and parses the config file on top of Default.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	return cfg, nil
}

// LoadDefault loads config/config.json, falling back to Default when the file
// does not exist.
func LoadDefault() (*Config, error) {
	cfg, err := Load("config/config.json")
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// ApplyEnv overrides fields whose environment variables are set.
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return errors.Wrap(err, "parse env")
	}
	return nil
}

// Validate checks that the identities are well formed. The coordinator
// identity and the front end must be set.
func (c *Config) Validate() error {
	if c.Identity == "" {
		return errors.New("identity must be set")
	}
	if c.FrontEnd == "" {
		return errors.New("front_end must be set")
	}
	for name, v := range map[string]string{"identity": c.Identity, "admin": c.Admin, "front_end": c.FrontEnd} {
		if v != "" && !common.IsHexAddress(v) {
			return errors.Errorf("%s: invalid address %q", name, v)
		}
	}
	if c.ClearDelayMs <= 0 {
		return errors.New("clear_delay_ms must be positive")
	}
	if c.RequestTimeoutMs <= 0 {
		return errors.New("request_timeout_ms must be positive")
	}
	return nil
}

func (c *Config) IdentityAddress() common.Address { return common.HexToAddress(c.Identity) }
func (c *Config) AdminAddress() common.Address    { return common.HexToAddress(c.Admin) }
func (c *Config) FrontEndAddress() common.Address { return common.HexToAddress(c.FrontEnd) }
func (c *Config) TemplateHash() common.Hash       { return common.HexToHash(c.ShardTemplate) }

func (c *Config) ClearDelay() time.Duration {
	return time.Duration(c.ClearDelayMs) * time.Millisecond
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// Logger builds a production zap logger at the configured level.
func (c *Config) Logger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.LogLevel != "" {
		level, err := zap.ParseAtomicLevel(c.LogLevel)
		if err != nil {
			return nil, errors.Wrap(err, "log level")
		}
		zc.Level = level
	}
	return zc.Build()
}
