package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"cewatcher/internal/logging"
	"cewatcher/internal/rules"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Source    SourceConfig    `mapstructure:"source"`
	Rates     []RateConfig    `mapstructure:"rates"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	SelfURL     string `mapstructure:"self_url"`
}

// DatabaseConfig selects and tunes the storage backend.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, sqlite, memory
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs the daily run.
type SchedulerConfig struct {
	Hour              int    `mapstructure:"hour"`
	Minute            int    `mapstructure:"minute"`
	ReferenceTimezone string `mapstructure:"reference_timezone"`
	LocalTimezone     string `mapstructure:"local_timezone"`
	RunOnStart        bool   `mapstructure:"run_on_start"`
	AdvisoryLockKey   int64  `mapstructure:"advisory_lock_key"`
}

// SourceConfig selects where rates are fetched from.
type SourceConfig struct {
	Kind         string         `mapstructure:"kind"` // http, ethereum
	URL          string         `mapstructure:"url"`
	QueryPattern string         `mapstructure:"query_pattern"`
	Timeout      time.Duration  `mapstructure:"timeout"`
	UserAgent    string         `mapstructure:"user_agent"`
	Ethereum     EthereumConfig `mapstructure:"ethereum"`
}

// EthereumConfig covers on-chain data access.
type EthereumConfig struct {
	RPCURL            string  `mapstructure:"rpc_url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Decimals          int32   `mapstructure:"decimals"`
}

// RateConfig is one rate of interest.
type RateConfig struct {
	ID    string       `mapstructure:"id"`
	Name  string       `mapstructure:"name"`
	Rules []RuleConfig `mapstructure:"rules"`
}

// RuleConfig is one threshold rule as written in configuration.
type RuleConfig struct {
	ID    string `mapstructure:"id"`
	Kind  string `mapstructure:"kind"`
	Value string `mapstructure:"value"`
}

// DetectorConfig tunes change detection.
type DetectorConfig struct {
	SuppressionWindow time.Duration `mapstructure:"suppression_window"`
	Workers           int           `mapstructure:"workers"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

// AlertingConfig defines notification routing.
type AlertingConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	SendTimeout time.Duration  `mapstructure:"send_timeout"`
	Email       EmailConfig    `mapstructure:"email"`
	Kafka       KafkaConfig    `mapstructure:"kafka"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
}

// EmailConfig describes SMTP delivery.
type EmailConfig struct {
	Enabled              bool     `mapstructure:"enabled"`
	Host                 string   `mapstructure:"host"`
	Port                 int      `mapstructure:"port"`
	SSL                  bool     `mapstructure:"ssl"`
	Username             string   `mapstructure:"username"`
	Password             string   `mapstructure:"password"`
	PasswordSSMParameter string   `mapstructure:"password_ssm_parameter"`
	From                 string   `mapstructure:"from"`
	To                   []string `mapstructure:"to"`
}

// KafkaConfig describes the event topic.
type KafkaConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Brokers      []string `mapstructure:"brokers"`
	Topic        string   `mapstructure:"topic"`
	RequiredAcks int      `mapstructure:"required_acks"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// AdminConfig enables the diagnostics HTTP server when Addr is set.
type AdminConfig struct {
	Addr        string `mapstructure:"addr"`
	EventsLimit int    `mapstructure:"events_limit"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CEWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "CEWatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.tail_lines", 200)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.sqlite_path", "data/cewatcher.db")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("scheduler.hour", 12)
	v.SetDefault("scheduler.minute", 0)
	v.SetDefault("scheduler.reference_timezone", "UTC")
	v.SetDefault("scheduler.run_on_start", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x43455741))

	v.SetDefault("source.kind", "http")
	v.SetDefault("source.timeout", "15s")
	v.SetDefault("source.ethereum.decimals", 18)

	v.SetDefault("detector.suppression_window", "24h")
	v.SetDefault("detector.workers", 4)
	v.SetDefault("detector.write_timeout", "10s")

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.send_timeout", "30s")
	v.SetDefault("alerting.email.enabled", true)
	v.SetDefault("alerting.email.port", 465)
	v.SetDefault("alerting.email.ssl", true)
	v.SetDefault("alerting.email.host", "")
	v.SetDefault("alerting.email.username", "")
	v.SetDefault("alerting.email.password", "")
	v.SetDefault("alerting.email.password_ssm_parameter", "")
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.kafka.required_acks", 1)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("admin.events_limit", 50)

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Hour < 0 || c.Scheduler.Hour > 23 {
		return fmt.Errorf("scheduler.hour must be between 0 and 23")
	}
	if c.Scheduler.Minute < 0 || c.Scheduler.Minute > 59 {
		return fmt.Errorf("scheduler.minute must be between 0 and 59")
	}
	if _, err := c.ReferenceLocation(); err != nil {
		return err
	}
	if _, err := c.LocalLocation(); err != nil {
		return err
	}
	if c.Detector.SuppressionWindow < 0 {
		return fmt.Errorf("detector.suppression_window cannot be negative")
	}

	switch c.Database.Driver {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("database.driver %q is not one of postgres, sqlite, memory", c.Database.Driver)
	}

	switch c.Source.Kind {
	case "http":
		if c.Source.URL == "" && len(c.Rates) > 0 {
			return fmt.Errorf("source.url is required for source.kind http")
		}
	case "ethereum":
		if c.Source.Ethereum.RPCURL == "" {
			return fmt.Errorf("source.ethereum.rpc_url is required for source.kind ethereum")
		}
	default:
		return fmt.Errorf("source.kind %q is not one of http, ethereum", c.Source.Kind)
	}

	if _, err := c.ThresholdRates(); err != nil {
		return err
	}

	if c.Alerting.Email.Enabled && c.Alerting.Enabled {
		if c.Alerting.Email.Host == "" {
			return fmt.Errorf("alerting.email.host is required when email is enabled")
		}
		if len(c.Alerting.Email.To) == 0 {
			return fmt.Errorf("alerting.email.to is required when email is enabled")
		}
	}
	if c.Alerting.Kafka.Enabled {
		if len(c.Alerting.Kafka.Brokers) == 0 || c.Alerting.Kafka.Topic == "" {
			return fmt.Errorf("alerting.kafka.brokers and alerting.kafka.topic are required when kafka is enabled")
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ThresholdRate is a configured rate with parsed rules.
type ThresholdRate struct {
	ID    string
	Name  string
	Rules []rules.ThresholdRule
}

// ThresholdRates parses the configured rates and their rules.
func (c *Config) ThresholdRates() ([]ThresholdRate, error) {
	out := make([]ThresholdRate, 0, len(c.Rates))
	seen := make(map[string]struct{}, len(c.Rates))
	for i, r := range c.Rates {
		if strings.TrimSpace(r.ID) == "" {
			return nil, fmt.Errorf("rates[%d].id is required", i)
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("rates[%d]: duplicate id %q", i, r.ID)
		}
		seen[r.ID] = struct{}{}

		name := r.Name
		if name == "" {
			name = r.ID
		}
		rate := ThresholdRate{ID: r.ID, Name: name}
		ruleIDs := make(map[string]struct{}, len(r.Rules))
		for j, rc := range r.Rules {
			kind, err := rules.ParseKind(rc.Kind)
			if err != nil {
				return nil, fmt.Errorf("rates[%d].rules[%d]: %w", i, j, err)
			}
			value, err := decimal.NewFromString(strings.TrimSpace(rc.Value))
			if err != nil {
				return nil, fmt.Errorf("rates[%d].rules[%d].value %q: %w", i, j, rc.Value, err)
			}
			id := rc.ID
			if id == "" {
				id = fmt.Sprintf("%s-%d", r.ID, j+1)
			}
			if _, dup := ruleIDs[id]; dup {
				return nil, fmt.Errorf("rates[%d].rules[%d]: %w: duplicate rule id %q", i, j, rules.ErrInvalidRule, id)
			}
			ruleIDs[id] = struct{}{}
			rate.Rules = append(rate.Rules, rules.ThresholdRule{ID: id, Kind: kind, Value: value})
		}
		out = append(out, rate)
	}
	return out, nil
}

// ReferenceLocation loads scheduler.reference_timezone.
func (c *Config) ReferenceLocation() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Scheduler.ReferenceTimezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler.reference_timezone: %w", err)
	}
	return loc, nil
}

// LocalLocation loads scheduler.local_timezone, defaulting to the process zone.
func (c *Config) LocalLocation() (*time.Location, error) {
	if c.Scheduler.LocalTimezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Scheduler.LocalTimezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler.local_timezone: %w", err)
	}
	return loc, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
