package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const EnvPrefix = "SMSRELAY"

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Dispatch      DispatchConfig      `mapstructure:"dispatch"`
	Delivery      DeliveryConfig      `mapstructure:"delivery"`
	Adapters      AdaptersConfig      `mapstructure:"adapters"`
	Engagement    EngagementConfig    `mapstructure:"engagement"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Observability ObservabilityConfig `mapstructure:"observability"`

	v  *viper.Viper
	mu sync.Mutex
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	APIToken     string        `mapstructure:"api_token"`
}

type StorageConfig struct {
	Driver   string         `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type DispatchConfig struct {
	Region            string          `mapstructure:"region" validate:"len=2"`
	DefaultPriority   int             `mapstructure:"default_priority" validate:"min=1,max=10"`
	DefaultMaxRetries int             `mapstructure:"default_max_retries" validate:"min=0"`
	DefaultCategory   string          `mapstructure:"default_category" validate:"required"`
	DefaultCost       decimal.Decimal `mapstructure:"default_cost_per_segment"`
}

type DeliveryConfig struct {
	Workers      int           `mapstructure:"workers" validate:"min=1"`
	BatchSize    int           `mapstructure:"batch_size" validate:"min=1"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	Timeout      time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RetryBase    time.Duration `mapstructure:"retry_base" validate:"gt=0"`
	StuckAfter   time.Duration `mapstructure:"stuck_after" validate:"gt=0"`
}

type AdaptersConfig struct {
	HTTP HTTPAdapterConfig `mapstructure:"http"`
	AMQP AMQPAdapterConfig `mapstructure:"amqp"`
}

type HTTPAdapterConfig struct {
	Secret string `mapstructure:"secret"`
}

type AMQPAdapterConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type EngagementConfig struct {
	DefaultHour   int           `mapstructure:"default_hour" validate:"min=0,max=23"`
	HistoryWindow int           `mapstructure:"history_window" validate:"min=1"`
	ScoreTTL      time.Duration `mapstructure:"score_ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

type ObservabilityConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	TracingURL  string `mapstructure:"tracing_url"`
}

// Load reads configuration from path, or from smsrelay.yaml in the usual
// places when path is empty. A .env file in the working directory is loaded
// into the environment first; SMSRELAY_* variables override file values.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("smsrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/smsrelay")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	cfg.v = v
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		decimalHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Storage.Driver == "postgres" && c.Storage.Postgres.DSN == "" {
		return errors.New("invalid configuration: storage.postgres.dsn is required for the postgres driver")
	}
	if c.Observability.Enabled && c.Observability.TracingURL == "" {
		return errors.New("invalid configuration: observability.tracing_url is required when tracing is enabled")
	}
	return nil
}

// Watch calls onChange with the reloaded configuration whenever the config
// file is written. Invalid edits are reported through onError and ignored.
func (c *Config) Watch(onChange func(*Config), onError func(error)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		next, err := decode(c.v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		next.v = c.v
		onChange(next)
	})
	c.v.WatchConfig()
}

func (c *Config) FileUsed() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

func decimalHook(from, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch d := data.(type) {
	case string:
		return decimal.NewFromString(strings.TrimSpace(d))
	case int:
		return decimal.NewFromInt(int64(d)), nil
	case int64:
		return decimal.NewFromInt(d), nil
	case float64:
		return decimal.NewFromFloat(d), nil
	case float32:
		return decimal.NewFromFloat32(d), nil
	}
	return data, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.api_token", "")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "./data/smsrelay.db")
	v.SetDefault("storage.postgres.dsn", "")

	v.SetDefault("dispatch.region", "TR")
	v.SetDefault("dispatch.default_priority", 5)
	v.SetDefault("dispatch.default_max_retries", 3)
	v.SetDefault("dispatch.default_category", "transactional")
	v.SetDefault("dispatch.default_cost_per_segment", "0.05")

	v.SetDefault("delivery.workers", 10)
	v.SetDefault("delivery.batch_size", 50)
	v.SetDefault("delivery.poll_interval", time.Minute)
	v.SetDefault("delivery.timeout", 30*time.Second)
	v.SetDefault("delivery.retry_base", 5*time.Minute)
	v.SetDefault("delivery.stuck_after", 15*time.Minute)

	v.SetDefault("adapters.http.secret", "")
	v.SetDefault("adapters.amqp.url", "")
	v.SetDefault("adapters.amqp.exchange", "sms")

	v.SetDefault("engagement.default_hour", 10)
	v.SetDefault("engagement.history_window", 500)
	v.SetDefault("engagement.score_ttl", 24*time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("observability.enabled", false)
	v.SetDefault("observability.service_name", "smsrelay")
	v.SetDefault("observability.tracing_url", "")
}
