package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// Config holds all configuration for a service
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Search    SearchConfig    `mapstructure:"search"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Version   string          `mapstructure:"version"`
}

// ServiceConfig holds service-specific configuration
type ServiceConfig struct {
	Name        string `mapstructure:"name" envconfig:"SERVICE_NAME"`
	Environment string `mapstructure:"environment" envconfig:"ENVIRONMENT" default:"development"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port         int           `mapstructure:"port" envconfig:"HTTP_PORT" default:"8080"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"HTTP_WRITE_TIMEOUT" default:"10s"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" envconfig:"HTTP_IDLE_TIMEOUT" default:"120s"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host" envconfig:"DB_HOST" default:"localhost"`
	Port            int           `mapstructure:"port" envconfig:"DB_PORT" default:"5432"`
	User            string        `mapstructure:"user" envconfig:"DB_USER" default:"postgres"`
	Password        string        `mapstructure:"password" envconfig:"DB_PASSWORD" default:"postgres"`
	Database        string        `mapstructure:"database" envconfig:"DB_NAME" default:"content"`
	Schema          string        `mapstructure:"schema" envconfig:"DB_SCHEMA"`
	SSLMode         string        `mapstructure:"ssl_mode" envconfig:"DB_SSL_MODE" default:"disable"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" envconfig:"DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host         string        `mapstructure:"host" envconfig:"REDIS_HOST" default:"localhost"`
	Port         int           `mapstructure:"port" envconfig:"REDIS_PORT" default:"6379"`
	Password     string        `mapstructure:"password" envconfig:"REDIS_PASSWORD"`
	DB           int           `mapstructure:"db" envconfig:"REDIS_DB" default:"0"`
	PoolSize     int           `mapstructure:"pool_size" envconfig:"REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `mapstructure:"min_idle_conns" envconfig:"REDIS_MIN_IDLE_CONNS" default:"5"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"REDIS_WRITE_TIMEOUT" default:"3s"`
	RoleCacheTTL time.Duration `mapstructure:"role_cache_ttl" envconfig:"REDIS_ROLE_CACHE_TTL" default:"1m"`
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers" envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	ConsumerGroup string   `mapstructure:"consumer_group" envconfig:"KAFKA_CONSUMER_GROUP"`
	Topic         string   `mapstructure:"topic" envconfig:"KAFKA_TOPIC" default:"index-updates"`
}

// QueueConfig selects and configures the task queue carrying index update jobs
type QueueConfig struct {
	Driver            string        `mapstructure:"driver" envconfig:"QUEUE_DRIVER" default:"redis"`
	Name              string        `mapstructure:"name" envconfig:"QUEUE_NAME" default:"indexing:tasks"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" envconfig:"QUEUE_VISIBILITY_TIMEOUT" default:"5m"`
	MaxRetries        int           `mapstructure:"max_retries" envconfig:"QUEUE_MAX_RETRIES" default:"5"`
	SweepSchedule     string        `mapstructure:"sweep_schedule" envconfig:"QUEUE_SWEEP_SCHEDULE" default:"@every 1m"`
	EnqueueAttempts   int           `mapstructure:"enqueue_attempts" envconfig:"QUEUE_ENQUEUE_ATTEMPTS" default:"3"`
	EnqueueBackoff    time.Duration `mapstructure:"enqueue_backoff" envconfig:"QUEUE_ENQUEUE_BACKOFF" default:"50ms"`
}

// SearchConfig holds index store and query configuration
type SearchConfig struct {
	IndexBase     string             `mapstructure:"whoosh_base" envconfig:"WHOOSH_BASE" default:"whoosh"`
	InstanceDir   string             `mapstructure:"instance_dir" envconfig:"INSTANCE_DIR" default:"instance"`
	DefaultBoosts map[string]float64 `mapstructure:"default_boosts" envconfig:"SEARCH_DEFAULT_BOOSTS"`
	Indexes       []string           `mapstructure:"indexes" envconfig:"SEARCH_INDEXES" default:"default"`
	Workers       int                `mapstructure:"workers" envconfig:"SEARCH_WORKERS" default:"2"`
}

// AuthConfig holds the settings needed to decode caller identity
type AuthConfig struct {
	JWTSecret   string `mapstructure:"jwt_secret" envconfig:"JWT_SECRET" default:"super-secret-key"`
	ManagerRole string `mapstructure:"manager_role" envconfig:"MANAGER_ROLE" default:"manager"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level" envconfig:"LOG_LEVEL" default:"info"`
	Format     string `mapstructure:"format" envconfig:"LOG_FORMAT" default:"json"`
	OutputPath string `mapstructure:"output_path" envconfig:"LOG_OUTPUT_PATH" default:"stdout"`
}

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	MetricsEnabled bool   `mapstructure:"metrics_enabled" envconfig:"METRICS_ENABLED" default:"true"`
	TracingEnabled bool   `mapstructure:"tracing_enabled" envconfig:"TRACING_ENABLED" default:"false"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint" envconfig:"JAEGER_ENDPOINT" default:"http://localhost:14268/api/traces"`
	ServiceName    string `mapstructure:"service_name" envconfig:"TELEMETRY_SERVICE_NAME"`
}

// Load loads configuration from files and environment
func Load(serviceName string) (*Config, error) {
	return LoadWith(viper.New(), serviceName)
}

// LoadWith loads configuration using a caller supplied viper instance, so that
// command line flags bound to it take part in the resolution.
func LoadWith(v *viper.Viper, serviceName string) (*Config, error) {
	var cfg Config

	cfg.Service.Name = serviceName
	cfg.Telemetry.ServiceName = serviceName

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("./configs/services/" + serviceName)
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; continue with env vars
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env vars: %w", err)
	}

	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = serviceName + "-consumer"
	}
	if len(cfg.Search.DefaultBoosts) == 0 {
		cfg.Search.DefaultBoosts = DefaultBoosts()
	}

	if version := os.Getenv("VERSION"); version != "" {
		cfg.Version = version
	} else {
		cfg.Version = "dev"
	}

	return &cfg, nil
}

// DefaultBoosts returns the per-field boosts applied when a search does not
// name its own fields.
func DefaultBoosts() map[string]float64 {
	return map[string]float64{
		"name":        1.5,
		"name_prefix": 1.3,
		"description": 1.3,
		"text":        1.0,
	}
}

// IndexPath returns the storage root for indexes. Relative paths are resolved
// against the instance directory.
func (c *SearchConfig) IndexPath() string {
	base := strings.TrimSpace(c.IndexBase)
	if base == "" {
		base = "whoosh"
	}
	if filepath.IsAbs(base) {
		return base
	}
	return filepath.Join(c.InstanceDir, base)
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Addr returns the Redis address
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
