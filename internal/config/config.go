package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"crypto-rate-tracker/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN selects
// the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs the periodic sync. Enabled and Interval are re-read
// on every tick.
type SchedulerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	InitialDelay    time.Duration `mapstructure:"initial_delay"`
	Interval        time.Duration `mapstructure:"interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// ProviderConfig covers the pricing API.
type ProviderConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	AccessKey          string        `mapstructure:"access_key"`
	Target             string        `mapstructure:"target"`
	Symbols            []string      `mapstructure:"symbols"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	MinRequestInterval time.Duration `mapstructure:"min_request_interval"`
	UserAgent          string        `mapstructure:"user_agent"`
}

// HTTPConfig configures the read/admin API.
type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	AdminToken   string        `mapstructure:"admin_token"`
}

// AnalyticsConfig controls calendar-day conversion for history queries.
type AnalyticsConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// AlertingConfig routes failed-sync notifications.
type AlertingConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram notifier.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// KafkaConfig enables publication of stored batches.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	_, cfg, err := load(path)
	return cfg, err
}

func load(path string) (*viper.Viper, *Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRYPTORATE")
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
		return nil, nil, err
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return v, cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()
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
	v.SetDefault("app.name", "cryptorate")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.initial_delay", "30s")
	v.SetDefault("scheduler.interval", "24h")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x63727970))

	v.SetDefault("provider.base_url", "http://api.coinlayer.com")
	v.SetDefault("provider.access_key", "")
	v.SetDefault("provider.target", "USD")
	v.SetDefault("provider.symbols", []string{})
	v.SetDefault("provider.request_timeout", "5s")
	v.SetDefault("provider.retry_delay", "2s")
	v.SetDefault("provider.min_request_interval", "0s")
	v.SetDefault("provider.user_agent", "cryptorate/1.0")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.admin_token", "")

	v.SetDefault("analytics.timezone", "Local")

	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "rates.synced")
	v.SetDefault("kafka.write_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

func (c *Config) normalise() {
	c.Provider.BaseURL = strings.TrimRight(strings.TrimSpace(c.Provider.BaseURL), "/")
	c.Provider.Target = strings.ToUpper(strings.TrimSpace(c.Provider.Target))

	symbols := make([]string, 0, len(c.Provider.Symbols))
	for _, symbol := range c.Provider.Symbols {
		if symbol = strings.ToUpper(strings.TrimSpace(symbol)); symbol != "" {
			symbols = append(symbols, symbol)
		}
	}
	c.Provider.Symbols = symbols
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.InitialDelay < 0 {
		return fmt.Errorf("scheduler.initial_delay cannot be negative")
	}
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url must be configured")
	}
	if c.Provider.RequestTimeout <= 0 {
		return fmt.Errorf("provider.request_timeout must be greater than zero")
	}
	if c.Provider.RetryDelay < 0 {
		return fmt.Errorf("provider.retry_delay cannot be negative")
	}
	if c.Provider.MinRequestInterval < 0 {
		return fmt.Errorf("provider.min_request_interval cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be configured")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be configured")
		}
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers must be configured")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic must be configured")
		}
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves analytics.timezone; "Local" or empty selects the server zone.
func (c *Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.Analytics.Timezone)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("analytics.timezone: %w", err)
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
