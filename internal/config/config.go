// Package config handles application configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/your-org/box-spread-bot/internal/leg"
)

// Execution modes.
const (
	ModeLive       = "LIVE"
	ModeSimulation = "SIMULATION"
)

// RunState is the operator switch read on every runner tick.
type RunState int

const (
	RunStateRunning RunState = 0
	RunStatePaused  RunState = 1
	RunStateExit    RunState = 2
)

func (s RunState) String() string {
	switch s {
	case RunStateRunning:
		return "running"
	case RunStatePaused:
		return "paused"
	case RunStateExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Config defines the structure for all application configuration.
type Config struct {
	StrategyID         string            `yaml:"strategy_id"`
	ExecutionMode      string            `yaml:"execution_mode"`
	RunState           RunState          `yaml:"run_state"`
	LogLevel           string            `yaml:"log_level"`
	Legs               []LegConfig       `yaml:"legs"`
	BiddingLeg         string            `yaml:"bidding_leg"`
	DefaultQuantity    int               `yaml:"default_quantity"`
	QuantityMultiplier int               `yaml:"quantity_multiplier"`
	Users              []UserConfig      `yaml:"users"`
	Spread             SpreadConfig      `yaml:"spread"`
	Profit             ProfitConfig      `yaml:"profit"`
	Observation        ObservationConfig `yaml:"observation"`
	Modify             ModifyConfig      `yaml:"modify"`
	IOC                IOCConfig         `yaml:"ioc"`
	MarketData         MarketDataConfig  `yaml:"market_data"`
	Database           DatabaseConfig    `yaml:"database"`
	DBWriter           DBWriterConfig    `yaml:"db_writer"`
	HTTP               HTTPConfig        `yaml:"http"`
}

// LegConfig is one leg definition.
type LegConfig struct {
	Key        string `yaml:"key"`
	Instrument string `yaml:"instrument"`
	Action     string `yaml:"action"`
	Quantity   int    `yaml:"quantity"`
}

// UserConfig is one trading account. TargetQuantity overrides the leg quantity.
type UserConfig struct {
	ID             string `yaml:"id"`
	TargetQuantity int    `yaml:"target_quantity"`
}

// SpreadConfig holds the box economics. The entry and exit targets are
// independent values.
type SpreadConfig struct {
	DesiredSpread     float64 `yaml:"desired_spread"`
	DesiredExitSpread float64 `yaml:"desired_exit_spread"`
	StartPrice        float64 `yaml:"start_price"`
	ExitStart         float64 `yaml:"exit_start"`
	Direction         string  `yaml:"direction"`
	Tick              float64 `yaml:"tick"`
	SpreadTolerance   float64 `yaml:"spread_tolerance"`
}

// ProfitConfig configures the two profit monitors.
type ProfitConfig struct {
	Enabled        FlexBool `yaml:"enabled"`
	ThresholdBuy   float64  `yaml:"threshold_buy"`
	ThresholdSell  float64  `yaml:"threshold_sell"`
	PollIntervalMs int      `yaml:"poll_interval_ms"`
}

// ObservationConfig configures the continuous and windowed observers.
type ObservationConfig struct {
	WindowMs           int     `yaml:"window_ms"`
	SamplePeriodMs     int     `yaml:"sample_period_ms"`
	MinSamples         int     `yaml:"min_samples"`
	StabilityThreshold float64 `yaml:"stability_threshold"`
	ContinuousPeriodMs int     `yaml:"continuous_period_ms"`
	StaleAfterMs       int     `yaml:"stale_after_ms"`
	EWMALambda         float64 `yaml:"ewma_lambda"`
}

// AttemptConfig is an attempt budget with a pause between attempts.
type AttemptConfig struct {
	MaxAttempts     int `yaml:"max_attempts"`
	RetryIntervalMs int `yaml:"retry_interval_ms"`
}

// ModifyConfig configures the reprice-until-filled executor.
type ModifyConfig struct {
	Entry          AttemptConfig `yaml:"entry"`
	Exit           AttemptConfig `yaml:"exit"`
	ConcurrentLegs FlexBool      `yaml:"concurrent_legs"`
}

// IOCConfig configures the immediate-or-cancel executor.
type IOCConfig struct {
	MaxAttempts      int      `yaml:"max_attempts"`
	RetryIntervalMs  int      `yaml:"retry_interval_ms"`
	TimeoutMs        int      `yaml:"timeout_ms"`
	RescueWithModify FlexBool `yaml:"rescue_with_modify"`
	MinFillRatio     float64  `yaml:"min_fill_ratio"`
}

// MarketDataConfig locates the depth books.
type MarketDataConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"-"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
	PricingMethod string `yaml:"pricing_method"`
	DepthLevels   int    `yaml:"depth_levels"`
	MaxAgeMs      int    `yaml:"max_age_ms"`
}

// DatabaseConfig holds the audit store connection. An empty host disables it.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// DBWriterConfig configures batching of the audit writer.
type DBWriterConfig struct {
	BatchSize            int `yaml:"batch_size"`
	WriteIntervalSeconds int `yaml:"write_interval_seconds"`
}

// HTTPConfig configures the operational endpoints.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// PollInterval of the profit monitors.
func (p ProfitConfig) PollInterval() time.Duration { return ms(p.PollIntervalMs) }

// Window is the duration of one windowed observation.
func (o ObservationConfig) Window() time.Duration { return ms(o.WindowMs) }

// SamplePeriod of the windowed observation.
func (o ObservationConfig) SamplePeriod() time.Duration { return ms(o.SamplePeriodMs) }

// ContinuousPeriod of the background observers.
func (o ObservationConfig) ContinuousPeriod() time.Duration { return ms(o.ContinuousPeriodMs) }

// StaleAfter is the age after which a cached quote is refetched.
func (o ObservationConfig) StaleAfter() time.Duration { return ms(o.StaleAfterMs) }

// RetryInterval between attempts.
func (a AttemptConfig) RetryInterval() time.Duration { return ms(a.RetryIntervalMs) }

// RetryInterval between IOC attempts.
func (i IOCConfig) RetryInterval() time.Duration { return ms(i.RetryIntervalMs) }

// Timeout of a single IOC order.
func (i IOCConfig) Timeout() time.Duration { return ms(i.TimeoutMs) }

// MaxAge of a depth book before it is treated as missing.
func (m MarketDataConfig) MaxAge() time.Duration { return ms(m.MaxAgeMs) }

// DSN builds a postgres URL. Empty when no host is configured.
func (d DatabaseConfig) DSN() string {
	if d.Host == "" {
		return ""
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.Name,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Defaults returns a Config with every default applied.
func Defaults() *Config {
	return &Config{
		StrategyID:         "box",
		ExecutionMode:      ModeSimulation,
		LogLevel:           "info",
		DefaultQuantity:    75,
		QuantityMultiplier: 1,
		Spread: SpreadConfig{
			DesiredSpread:     405,
			DesiredExitSpread: 200,
			StartPrice:        410,
			ExitStart:         1,
			Direction:         "BUY",
			Tick:              0.05,
			SpreadTolerance:   5,
		},
		Profit: ProfitConfig{
			Enabled:        true,
			ThresholdBuy:   2,
			ThresholdSell:  2,
			PollIntervalMs: 500,
		},
		Observation: ObservationConfig{
			WindowMs:           10000,
			SamplePeriodMs:     200,
			MinSamples:         10,
			StabilityThreshold: 0.05,
			ContinuousPeriodMs: 200,
			StaleAfterMs:       2000,
			EWMALambda:         0.06,
		},
		Modify: ModifyConfig{
			Entry: AttemptConfig{MaxAttempts: 5, RetryIntervalMs: 1000},
			Exit:  AttemptConfig{MaxAttempts: 30, RetryIntervalMs: 1000},
		},
		IOC: IOCConfig{
			MaxAttempts:      3,
			RetryIntervalMs:  500,
			TimeoutMs:        1000,
			RescueWithModify: true,
			MinFillRatio:     1.0,
		},
		MarketData: MarketDataConfig{
			RedisAddr:     "localhost:6379",
			KeyPrefix:     "depth:",
			PricingMethod: "best",
			DepthLevels:   1,
			MaxAgeMs:      5000,
		},
		Database: DatabaseConfig{Port: 5432, SSLMode: "disable"},
		DBWriter: DBWriterConfig{BatchSize: 100, WriteIntervalSeconds: 1},
		HTTP:     HTTPConfig{Addr: ":8080"},
	}
}

// LoadConfig loads configuration from the specified YAML file path
// and environment variables, validates it and makes it the current config.
func LoadConfig(configPath string) (*Config, error) {
	cfg, err := parse(configPath)
	if err != nil {
		return nil, err
	}
	current.Store(cfg)
	return cfg, nil
}

func parse(configPath string) (*Config, error) {
	cfg := Defaults()

	file, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}
	if err := yaml.Unmarshal(file, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if mode := os.Getenv("EXECUTION_MODE"); mode != "" {
		cfg.ExecutionMode = mode
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.MarketData.RedisAddr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.MarketData.RedisPassword = pw
	}
	if dbHost := os.Getenv("DB_HOST"); dbHost != "" {
		cfg.Database.Host = dbHost
	}
	if dbPort := os.Getenv("DB_PORT"); dbPort != "" {
		if p, err := strconv.Atoi(dbPort); err == nil {
			cfg.Database.Port = p
		}
	}
	if dbUser := os.Getenv("DB_USER"); dbUser != "" {
		cfg.Database.User = dbUser
	}
	if dbPassword := os.Getenv("DB_PASSWORD"); dbPassword != "" {
		cfg.Database.Password = dbPassword
	}
	if dbName := os.Getenv("DB_NAME"); dbName != "" {
		cfg.Database.Name = dbName
	}
}

// Validate checks the values the engine cannot run without.
func (c *Config) Validate() error {
	var errs []error
	c.ExecutionMode = strings.ToUpper(c.ExecutionMode)
	if c.ExecutionMode != ModeLive && c.ExecutionMode != ModeSimulation {
		errs = append(errs, fmt.Errorf("execution_mode must be %s or %s, got %q", ModeLive, ModeSimulation, c.ExecutionMode))
	}
	if c.RunState < RunStateRunning || c.RunState > RunStateExit {
		errs = append(errs, fmt.Errorf("run_state must be 0, 1 or 2, got %d", c.RunState))
	}
	if _, err := c.LegSet(); err != nil {
		errs = append(errs, fmt.Errorf("legs: %w", err))
	}
	if len(c.Users) == 0 {
		errs = append(errs, errors.New("at least one user is required"))
	}
	seen := map[string]bool{}
	for _, u := range c.Users {
		if u.ID == "" {
			errs = append(errs, errors.New("user id must not be empty"))
		}
		if seen[u.ID] {
			errs = append(errs, fmt.Errorf("duplicate user %q", u.ID))
		}
		seen[u.ID] = true
	}
	if _, err := leg.ParseAction(c.Spread.Direction); err != nil {
		errs = append(errs, fmt.Errorf("spread.direction: %w", err))
	}
	if c.Spread.Tick <= 0 {
		errs = append(errs, errors.New("spread.tick must be positive"))
	}
	if c.Modify.Entry.MaxAttempts <= 0 || c.Modify.Exit.MaxAttempts <= 0 || c.IOC.MaxAttempts <= 0 {
		errs = append(errs, errors.New("max_attempts must be positive"))
	}
	if c.IOC.MinFillRatio <= 0 || c.IOC.MinFillRatio > 1 {
		errs = append(errs, fmt.Errorf("ioc.min_fill_ratio must be in (0, 1], got %v", c.IOC.MinFillRatio))
	}
	if c.Observation.SamplePeriodMs <= 0 || c.Observation.ContinuousPeriodMs <= 0 {
		errs = append(errs, errors.New("observation periods must be positive"))
	}
	return errors.Join(errs...)
}

// LegSet builds the box from the leg definitions.
func (c *Config) LegSet() (*leg.Set, error) {
	legs := make([]leg.Leg, 0, len(c.Legs))
	for _, lc := range c.Legs {
		a, err := leg.ParseAction(lc.Action)
		if err != nil {
			return nil, fmt.Errorf("leg %s: %w", lc.Key, err)
		}
		qty := lc.Quantity
		if qty <= 0 {
			qty = c.DefaultQuantity
		}
		if c.QuantityMultiplier > 1 {
			qty *= c.QuantityMultiplier
		}
		legs = append(legs, leg.Leg{Key: lc.Key, Instrument: lc.Instrument, Action: a, Quantity: qty})
	}
	return leg.NewSet(legs, c.BiddingLeg)
}

// Direction is the parsed spread direction, BUY when unset or invalid.
func (c *Config) Direction() leg.Action {
	a, err := leg.ParseAction(c.Spread.Direction)
	if err != nil {
		return leg.Buy
	}
	return a
}

// TargetQuantity is the quantity a user trades on a leg.
func (c *Config) TargetQuantity(userID string, l leg.Leg) int {
	for _, u := range c.Users {
		if u.ID == userID && u.TargetQuantity > 0 {
			return u.TargetQuantity
		}
	}
	return l.Quantity
}

// UserIDs lists the configured users in order.
func (c *Config) UserIDs() []string {
	ids := make([]string, 0, len(c.Users))
	for _, u := range c.Users {
		ids = append(ids, u.ID)
	}
	return ids
}

var current atomic.Pointer[Config]

// GetConfig returns the current config, or nil if none was loaded.
func GetConfig() *Config {
	return current.Load()
}

// SetConfig replaces the current config.
func SetConfig(cfg *Config) {
	current.Store(cfg)
}

// ReloadConfig re-reads the file and swaps the current config. On error the
// current config is kept.
func ReloadConfig(configPath string) (*Config, error) {
	cfg, err := parse(configPath)
	if err != nil {
		return nil, err
	}
	current.Store(cfg)
	return cfg, nil
}
