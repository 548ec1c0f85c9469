package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

// Provider names understood by the provider factory
const (
	ProviderBrightData = "bright_data"
	ProviderOxylabs    = "oxylabs"
	ProviderList       = "proxy_list"
)

// Archive backends
const (
	ArchiveFile     = "file"
	ArchiveSQLite   = "sqlite"
	ArchiveRedis    = "redis"
	ArchivePostgres = "postgres"
)

// EnvPrefix prefixes environment overrides, e.g. SNIPER_REDIS_ADDR
const EnvPrefix = "SNIPER"

type Config struct {
	Redis      RedisConfig      `mapstructure:"redis"`
	Providers  []ProviderConfig `mapstructure:"providers"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	API        APIConfig        `mapstructure:"api"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Tasks      TasksConfig      `mapstructure:"tasks"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ProviderConfig describes one upstream proxy vendor. Only the fields of
// the named provider are used.
type ProviderConfig struct {
	Name       string `mapstructure:"name"`
	Enabled    bool   `mapstructure:"enabled"`
	CustomerID string `mapstructure:"customer_id"` // bright_data
	Zone       string `mapstructure:"zone"`        // bright_data
	Username   string `mapstructure:"username"`    // oxylabs
	Password   string `mapstructure:"password"`
	Country    string `mapstructure:"country"`
	Endpoint   string `mapstructure:"endpoint"`
	SourceURL  string `mapstructure:"source_url"` // proxy_list
	ProxyType  string `mapstructure:"proxy_type"` // proxy_list
}

type PoolConfig struct {
	DefaultBatch     int           `mapstructure:"default_batch"`
	MinHealthy       int           `mapstructure:"min_healthy"`
	TargetHealthy    int           `mapstructure:"target_healthy"`
	MinHealthScore   float64       `mapstructure:"min_health_score"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

type MonitoringConfig struct {
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	CostMonitorInterval time.Duration `mapstructure:"cost_monitor_interval"`
	RotationInterval    time.Duration `mapstructure:"rotation_interval"`
}

type APIConfig struct {
	Addr               string `mapstructure:"addr"`
	APIKeyEnv          string `mapstructure:"api_key_env"`
	RateLimitPerMinute int    `mapstructure:"rate_limit_per_minute"`
	EnableAPIKeyAuth   bool   `mapstructure:"enable_api_key_auth"`
	EnableIPRateLimit  bool   `mapstructure:"enable_ip_rate_limit"`
}

type ArchiveConfig struct {
	Type            string        `mapstructure:"type"` // "file", "sqlite", "redis", "postgres"
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	PersistInterval time.Duration `mapstructure:"persist_interval"`
}

type TasksConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	MaintenanceQueue string `mapstructure:"maintenance_queue"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	Namespace string `mapstructure:"namespace"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	v.SetDefault("pool.default_batch", 10)
	v.SetDefault("pool.min_healthy", 10)
	v.SetDefault("pool.target_healthy", 20)
	v.SetDefault("pool.min_health_score", 70)
	v.SetDefault("pool.operation_timeout", "10s")

	v.SetDefault("monitoring.health_check_interval", "300s")
	v.SetDefault("monitoring.cost_monitor_interval", "3600s")
	v.SetDefault("monitoring.rotation_interval", "600s")

	v.SetDefault("api.addr", ":8084")
	v.SetDefault("api.api_key_env", "PROXYPOOL_API_KEY")
	v.SetDefault("api.rate_limit_per_minute", 1200)
	v.SetDefault("api.enable_api_key_auth", true)
	v.SetDefault("api.enable_ip_rate_limit", true)

	v.SetDefault("archive.type", ArchiveFile)
	v.SetDefault("archive.path", "/data/pool-stats.json")
	v.SetDefault("archive.dsn", "")
	v.SetDefault("archive.persist_interval", "300s")

	v.SetDefault("tasks.enabled", true)
	v.SetDefault("tasks.maintenance_queue", "maintenance")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.endpoint", "/metrics")
	v.SetDefault("metrics.namespace", "proxypool")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration from path (YAML or JSON) layered over defaults
// and SNIPER_* environment variables. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.Providers) == 0 {
		cfg.Providers = providersFromEnv()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// providersFromEnv builds provider entries from vendor credential variables
func providersFromEnv() []ProviderConfig {
	var providers []ProviderConfig

	customer, password, zone := os.Getenv("BRIGHT_DATA_CUSTOMER"), os.Getenv("BRIGHT_DATA_PASSWORD"), os.Getenv("BRIGHT_DATA_ZONE")
	if customer != "" && password != "" && zone != "" {
		providers = append(providers, ProviderConfig{
			Name:       ProviderBrightData,
			Enabled:    true,
			CustomerID: customer,
			Password:   password,
			Zone:       zone,
		})
	}

	username, password := os.Getenv("OXYLABS_USERNAME"), os.Getenv("OXYLABS_PASSWORD")
	if username != "" && password != "" {
		providers = append(providers, ProviderConfig{
			Name:     ProviderOxylabs,
			Enabled:  true,
			Username: username,
			Password: password,
		})
	}

	return providers
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Redis, validation.By(func(value interface{}) error {
			rc := value.(RedisConfig)
			return validation.ValidateStruct(&rc,
				validation.Field(&rc.Addr, validation.Required, validation.By(validateHostPort)),
				validation.Field(&rc.DB, validation.Min(0)),
			)
		})),
		validation.Field(&c.Providers, validation.Each(validation.By(validateProvider))),
		validation.Field(&c.Pool, validation.By(func(value interface{}) error {
			pc := value.(PoolConfig)
			return validation.ValidateStruct(&pc,
				validation.Field(&pc.DefaultBatch, validation.Required, validation.Min(1)),
				validation.Field(&pc.MinHealthy, validation.Min(0)),
				validation.Field(&pc.TargetHealthy, validation.Required, validation.Min(pc.MinHealthy)),
				validation.Field(&pc.MinHealthScore, validation.Min(0.0), validation.Max(100.0)),
				validation.Field(&pc.OperationTimeout, validation.Required, validation.Min(time.Millisecond)),
			)
		})),
		validation.Field(&c.Monitoring, validation.By(func(value interface{}) error {
			mc := value.(MonitoringConfig)
			return validation.ValidateStruct(&mc,
				validation.Field(&mc.HealthCheckInterval, validation.Required, validation.Min(time.Second)),
				validation.Field(&mc.CostMonitorInterval, validation.Required, validation.Min(time.Second)),
				validation.Field(&mc.RotationInterval, validation.Required, validation.Min(time.Second)),
			)
		})),
		validation.Field(&c.API, validation.By(func(value interface{}) error {
			ac := value.(APIConfig)
			return validation.ValidateStruct(&ac,
				validation.Field(&ac.Addr, validation.Required, validation.By(validateHostPort)),
				validation.Field(&ac.RateLimitPerMinute, validation.Required, validation.Min(1)),
			)
		})),
		validation.Field(&c.Archive, validation.By(func(value interface{}) error {
			ac := value.(ArchiveConfig)
			return validation.ValidateStruct(&ac,
				validation.Field(&ac.Type, validation.Required,
					validation.In(ArchiveFile, ArchiveSQLite, ArchiveRedis, ArchivePostgres)),
				validation.Field(&ac.Path,
					validation.When(ac.Type == ArchiveFile || ac.Type == ArchiveSQLite, validation.Required)),
				validation.Field(&ac.DSN,
					validation.When(ac.Type == ArchivePostgres, validation.Required)),
				validation.Field(&ac.PersistInterval, validation.Min(time.Duration(0))),
			)
		})),
		validation.Field(&c.Tasks, validation.By(func(value interface{}) error {
			tc := value.(TasksConfig)
			return validation.ValidateStruct(&tc,
				validation.Field(&tc.MaintenanceQueue, validation.When(tc.Enabled, validation.Required)),
			)
		})),
		validation.Field(&c.Metrics, validation.By(func(value interface{}) error {
			mc := value.(MetricsConfig)
			return validation.ValidateStruct(&mc,
				validation.Field(&mc.Namespace, validation.Required),
				validation.Field(&mc.Endpoint, validation.When(mc.Enabled, validation.Required)),
			)
		})),
		validation.Field(&c.Logging, validation.By(func(value interface{}) error {
			lc := value.(LoggingConfig)
			return validation.ValidateStruct(&lc,
				validation.Field(&lc.Level, validation.Required,
					validation.In("trace", "debug", "info", "warn", "warning", "error")),
				validation.Field(&lc.Format, validation.In("json", "text")),
			)
		})),
	)
}

func validateProvider(value interface{}) error {
	pc, ok := value.(ProviderConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a ProviderConfig")
	}

	return validation.ValidateStruct(&pc,
		validation.Field(&pc.Name, validation.Required,
			validation.In(ProviderBrightData, ProviderOxylabs, ProviderList)),
		validation.Field(&pc.CustomerID,
			validation.When(pc.Enabled && pc.Name == ProviderBrightData, validation.Required)),
		validation.Field(&pc.Zone,
			validation.When(pc.Enabled && pc.Name == ProviderBrightData, validation.Required)),
		validation.Field(&pc.Username,
			validation.When(pc.Enabled && pc.Name == ProviderOxylabs, validation.Required)),
		validation.Field(&pc.Password,
			validation.When(pc.Enabled && pc.Name != ProviderList, validation.Required)),
		validation.Field(&pc.SourceURL,
			validation.When(pc.Enabled && pc.Name == ProviderList, validation.Required, is.URL)),
		validation.Field(&pc.ProxyType, validation.In("residential", "isp", "datacenter")),
	)
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}
