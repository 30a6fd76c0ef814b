package mesh

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds every recognized engine option. Zero values are filled from
// DefaultConfig by Load; programmatic users should start from
// DefaultConfig and override.
type Config struct {
	// Identity and advertisement.
	Address      string   `yaml:"address" validate:"required"`
	Skills       []string `yaml:"skills"`
	MinFee       string   `yaml:"minFee"`
	Stake        string   `yaml:"stake"`
	ResponseTime string   `yaml:"responseTime"`

	// Transport channels.
	MeshGroupID    string `yaml:"meshGroupId" validate:"required"`
	ReplyChat      string `yaml:"replyChat"`
	OperatorChatID string `yaml:"operatorChatId"`

	// Chain trust.
	ContractAddress              string `yaml:"contractAddress"`
	Mode                         string `yaml:"mode" validate:"oneof=local testnet production mainnet"`
	StrictChain                  *bool  `yaml:"strictChain"`
	AllowLocalReputationFallback bool   `yaml:"allowLocalReputationFallback"`
	AutoRegisterOnStart          bool   `yaml:"autoRegisterOnStart"`

	// Selection and scheduling.
	WaitForDeadline       bool  `yaml:"waitForDeadline"`
	EnableScheduler       bool  `yaml:"enableScheduler"`
	SchedulerIntervalMs   int   `yaml:"schedulerIntervalMs" validate:"min=0"`
	ExpirySweepIntervalMs int   `yaml:"expirySweepIntervalMs" validate:"min=0"`
	BeaconIntervalSeconds int64 `yaml:"beaconIntervalSeconds" validate:"min=0"`

	// Transport retry.
	SendRetries   int `yaml:"sendRetries" validate:"min=0"`
	SendRetryBase int `yaml:"sendRetryBaseMs" validate:"min=0"`

	// Limits.
	MaxIntentDeadlineSeconds int64 `yaml:"maxIntentDeadlineSeconds" validate:"min=1"`
	MaxPayloadBytes          int   `yaml:"maxPayloadBytes" validate:"min=1"`

	// Persistence backend: DatabaseURL wins, then Supabase, then SQLitePath,
	// else memory.
	DatabaseURL            string `yaml:"databaseUrl"`
	SQLitePath             string `yaml:"sqlitePath"`
	SupabaseURL            string `yaml:"supabaseUrl"`
	SupabaseServiceRoleKey string `yaml:"supabaseServiceRoleKey"`

	// Ranking weights.
	WeightReputation float64 `yaml:"weightReputation" validate:"min=0"`
	WeightFee        float64 `yaml:"weightFee" validate:"min=0"`
	WeightSpeed      float64 `yaml:"weightSpeed" validate:"min=0"`
	TieWindow        float64 `yaml:"tieWindow" validate:"min=0"`
}

// Scheduler bounds.
const (
	MinSchedulerIntervalMs = 250
)

// DefaultConfig returns the documented defaults. Address and MeshGroupID
// have no defaults and must be supplied.
func DefaultConfig() Config {
	return Config{
		Mode:                         "local",
		AllowLocalReputationFallback: true,
		WaitForDeadline:              true,
		EnableScheduler:              true,
		SchedulerIntervalMs:          1000,
		ExpirySweepIntervalMs:        1000,
		BeaconIntervalSeconds:        300,
		SendRetries:                  2,
		SendRetryBase:                150,
		MaxIntentDeadlineSeconds:     3600,
		MaxPayloadBytes:              16 * 1024,
		WeightReputation:             0.5,
		WeightFee:                    0.3,
		WeightSpeed:                  0.2,
		TieWindow:                    0.05,
		MinFee:                       "0",
		Stake:                        "0",
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct constraints and the decimal fields.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.MinFeeDecimal(); err != nil {
		return err
	}
	stake, err := c.StakeDecimal()
	if err != nil {
		return err
	}
	if stake.IsNegative() {
		return validationErr("stake", "must not be negative")
	}
	if c.StrictChainEffective() && c.AllowLocalReputationFallback &&
		(c.Mode == "production" || c.Mode == "mainnet") {
		return validationErr("allowLocalReputationFallback", "must be false in production")
	}
	return nil
}

// MinFeeDecimal parses the configured minimum fee.
func (c *Config) MinFeeDecimal() (decimal.Decimal, error) {
	if c.MinFee == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(c.MinFee)
	if err != nil {
		return decimal.Zero, validationErr("minFee", "not a decimal: "+c.MinFee)
	}
	return d, nil
}

// StakeDecimal parses the configured stake.
func (c *Config) StakeDecimal() (decimal.Decimal, error) {
	if c.Stake == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(c.Stake)
	if err != nil {
		return decimal.Zero, validationErr("stake", "not a decimal: "+c.Stake)
	}
	return d, nil
}

// StrictChainEffective resolves the single authoritative strict-chain gate:
// an explicit strictChain value wins; otherwise production and mainnet
// modes are strict.
func (c *Config) StrictChainEffective() bool {
	if c.StrictChain != nil {
		return *c.StrictChain
	}
	return c.Mode == "production" || c.Mode == "mainnet"
}

// SchedulerInterval returns the tick interval clamped to the minimum.
func (c *Config) SchedulerInterval() int {
	if c.SchedulerIntervalMs < MinSchedulerIntervalMs {
		return MinSchedulerIntervalMs
	}
	return c.SchedulerIntervalMs
}
