// Package config handles configuration loading for the XDR agent.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"endpoint-xdr/internal/correlation"
	"endpoint-xdr/internal/intel"
	"endpoint-xdr/internal/kafka"
	"endpoint-xdr/internal/logging"
	"endpoint-xdr/internal/response"
	"endpoint-xdr/internal/schema"
	"endpoint-xdr/internal/storage"
	"endpoint-xdr/internal/telemetry"

	"gopkg.in/yaml.v3"
)

// DefaultPath is read when XDR_CONFIG_PATH is unset.
const DefaultPath = "configs/config.yaml"

// Config holds the complete agent configuration.
type Config struct {
	Logging     logging.Config     `yaml:"logging"`
	Metrics     MetricsConfig      `yaml:"metrics"`
	Rules       RulesConfig        `yaml:"rules"`
	Detection   DetectionConfig    `yaml:"detection"`
	Intel       IntelConfig        `yaml:"intel"`
	Correlation correlation.Config `yaml:"correlation"`
	Response    ResponseConfig     `yaml:"response"`
	Kafka       kafka.Config       `yaml:"kafka"`
	Storage     StorageConfig      `yaml:"storage"`
	Telemetry   TelemetryConfig    `yaml:"telemetry"`

	// ShutdownTimeout bounds the ordered shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// RulesConfig holds rule file settings.
type RulesConfig struct {
	Path     string        `yaml:"path"`
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce"`
}

// DetectionConfig holds detection engine settings. MaxLogAge rejects log
// entries older than it; zero accepts any age.
type DetectionConfig struct {
	Workers         int           `yaml:"workers"`
	TelemetryBuffer int           `yaml:"telemetry_buffer"`
	EmitterBuffer   int           `yaml:"emitter_buffer"`
	MaxLogAge       time.Duration `yaml:"max_log_age"`
	MaxClockSkew    time.Duration `yaml:"max_clock_skew"`
}

// IntelConfig holds threat intelligence feed settings.
type IntelConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Files           []string      `yaml:"files"`
	// Indicators are served as a static feed named "config".
	Indicators []schema.Indicator `yaml:"indicators"`
	Redis      RedisFeedConfig    `yaml:"redis"`
	S3         S3FeedConfig       `yaml:"s3"`
}

// RedisFeedConfig enables the Redis feed source.
type RedisFeedConfig struct {
	Enabled           bool `yaml:"enabled"`
	intel.RedisConfig `yaml:",inline"`
}

// S3FeedConfig enables the S3 feed source.
type S3FeedConfig struct {
	Enabled        bool `yaml:"enabled"`
	intel.S3Config `yaml:",inline"`
}

// ResponseConfig holds response coordinator settings and exporter
// endpoints.
type ResponseConfig struct {
	response.Config `yaml:",inline"`

	// PoliciesFile replaces the built-in policies when set.
	PoliciesFile  string   `yaml:"policies_file"`
	SIEMEndpoints []string `yaml:"siem_endpoints"`
	SOAREndpoints []string `yaml:"soar_endpoints"`
}

// StorageConfig holds the ClickHouse audit sink settings.
type StorageConfig struct {
	Enabled     bool                      `yaml:"enabled"`
	ClickHouse  storage.ClickHouseConfig  `yaml:"clickhouse"`
	AuditWriter storage.AuditWriterConfig `yaml:"audit_writer"`
}

// TelemetryConfig holds telemetry producer settings.
type TelemetryConfig struct {
	Receiver ReceiverConfig       `yaml:"receiver"`
	Kafka    KafkaTelemetryConfig `yaml:"kafka"`
}

// ReceiverConfig enables the DTLS/UDP receiver.
type ReceiverConfig struct {
	Enabled                  bool `yaml:"enabled"`
	telemetry.ReceiverConfig `yaml:",inline"`
}

// KafkaTelemetryConfig enables the Kafka telemetry consumer. Broker and
// security settings come from the top-level kafka section.
type KafkaTelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Topic         string `yaml:"topic"`
	ConsumerGroup string `yaml:"consumer_group"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: logging.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
			Path:    "/metrics",
		},
		Rules: RulesConfig{
			Path:     "configs/rules.yaml",
			Watch:    true,
			Debounce: 500 * time.Millisecond,
		},
		Detection: DetectionConfig{
			Workers:         4,
			TelemetryBuffer: 4096,
			EmitterBuffer:   1024,
			MaxClockSkew:    5 * time.Minute,
		},
		Intel: IntelConfig{
			RefreshInterval: 15 * time.Minute,
			Redis: RedisFeedConfig{
				RedisConfig: intel.RedisConfig{
					Addr:        "localhost:6379",
					DialTimeout: 5 * time.Second,
					KeyPrefix:   "xdr",
				},
			},
		},
		Correlation: correlation.DefaultConfig(),
		Response: ResponseConfig{
			Config: response.DefaultConfig(),
		},
		Kafka: *kafka.DefaultConfig(),
		Storage: StorageConfig{
			Enabled:     false,
			ClickHouse:  storage.DefaultClickHouseConfig(),
			AuditWriter: storage.DefaultAuditWriterConfig(),
		},
		Telemetry: TelemetryConfig{
			Receiver: ReceiverConfig{
				Enabled:        false,
				ReceiverConfig: telemetry.DefaultReceiverConfig(),
			},
			Kafka: KafkaTelemetryConfig{
				Topic:         "xdr-telemetry",
				ConsumerGroup: "xdr-agent",
			},
		},
		ShutdownTimeout: 30 * time.Second,
	}
}

// Path returns XDR_CONFIG_PATH, or DefaultPath when it is unset.
func Path() string {
	if path := os.Getenv("XDR_CONFIG_PATH"); path != "" {
		return path
	}
	return DefaultPath
}

// Load loads configuration from Path. A missing file yields the defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile loads configuration from path.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	var errs []error

	if level := os.Getenv("XDR_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("XDR_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if addr := os.Getenv("XDR_METRICS_ADDRESS"); addr != "" {
		c.Metrics.Address = addr
	}
	if path := os.Getenv("XDR_RULES_PATH"); path != "" {
		c.Rules.Path = path
	}

	if v := os.Getenv("XDR_CORRELATION_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("XDR_CORRELATION_WINDOW: %w", err))
		} else {
			c.Correlation.Window = d
		}
	}
	if v := os.Getenv("XDR_CORRELATION_COUNT_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("XDR_CORRELATION_COUNT_THRESHOLD: %w", err))
		} else {
			c.Correlation.CountThreshold = n
		}
	}

	// Kafka settings
	if brokers := os.Getenv("XDR_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
	}
	if user := os.Getenv("XDR_KAFKA_SASL_USERNAME"); user != "" {
		c.Kafka.Security.SASL.Username = user
	}
	if pass := os.Getenv("XDR_KAFKA_SASL_PASSWORD"); pass != "" {
		c.Kafka.Security.SASL.Password = pass
	}

	// Exporter endpoints are separated by ";" since kafka:// endpoints
	// carry comma separated brokers.
	if endpoints := os.Getenv("XDR_SIEM_ENDPOINTS"); endpoints != "" {
		c.Response.SIEMEndpoints = splitAndTrim(endpoints, ";")
	}
	if endpoints := os.Getenv("XDR_SOAR_ENDPOINTS"); endpoints != "" {
		c.Response.SOAREndpoints = splitAndTrim(endpoints, ";")
	}

	// Feed sources
	if addr := os.Getenv("XDR_REDIS_ADDR"); addr != "" {
		c.Intel.Redis.Addr = addr
		c.Intel.Redis.Enabled = true
	}
	if pass := os.Getenv("XDR_REDIS_PASSWORD"); pass != "" {
		c.Intel.Redis.Password = pass
	}

	// Storage settings
	if enabled := os.Getenv("XDR_STORAGE_ENABLED"); enabled == "true" {
		c.Storage.Enabled = true
	}
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	// Receiver
	if addr := os.Getenv("XDR_RECEIVER_ADDRESS"); addr != "" {
		c.Telemetry.Receiver.Address = addr
	}
	if insecure := os.Getenv("XDR_RECEIVER_ALLOW_INSECURE"); insecure == "true" {
		c.Telemetry.Receiver.AllowInsecure = true
	}

	return errors.Join(errs...)
}

// splitAndTrim splits s by sep and drops empty parts.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// KafkaUsed reports whether any component needs the kafka section.
func (c *Config) KafkaUsed() bool {
	if c.Telemetry.Kafka.Enabled {
		return true
	}
	for _, e := range slices.Concat(c.Response.SIEMEndpoints, c.Response.SOAREndpoints) {
		if strings.HasPrefix(e, "kafka://") {
			return true
		}
	}
	return false
}

// TelemetryKafka returns the kafka settings for the telemetry consumer.
func (c *Config) TelemetryKafka() *kafka.Config {
	k := c.Kafka
	if c.Telemetry.Kafka.Topic != "" {
		k.Topic = c.Telemetry.Kafka.Topic
	}
	if c.Telemetry.Kafka.ConsumerGroup != "" {
		k.ConsumerGroup = c.Telemetry.Kafka.ConsumerGroup
	}
	return &k
}

// Validate validates the configuration. Every problem is reported.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, errors.New("metrics: address is required when enabled"))
	}
	if c.Rules.Path == "" {
		errs = append(errs, errors.New("rules: path is required"))
	}
	if c.Detection.Workers <= 0 {
		errs = append(errs, fmt.Errorf("detection: workers must be positive, got %d", c.Detection.Workers))
	}
	if c.Detection.TelemetryBuffer <= 0 || c.Detection.EmitterBuffer <= 0 {
		errs = append(errs, errors.New("detection: buffers must be positive"))
	}
	if c.Detection.MaxLogAge < 0 || c.Detection.MaxClockSkew < 0 {
		errs = append(errs, errors.New("detection: timestamp bounds must not be negative"))
	}
	if err := c.Correlation.Validate(); err != nil {
		errs = append(errs, err)
	}

	hasFeeds := len(c.Intel.Files) > 0 || c.Intel.Redis.Enabled || c.Intel.S3.Enabled
	if hasFeeds && c.Intel.RefreshInterval <= 0 {
		errs = append(errs, errors.New("intel: refresh_interval must be positive"))
	}
	if c.Intel.Redis.Enabled && c.Intel.Redis.Addr == "" {
		errs = append(errs, errors.New("intel: redis addr is required"))
	}
	if c.Intel.S3.Enabled {
		if err := c.Intel.S3.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("intel: %w", err))
		}
	}

	if c.KafkaUsed() {
		if err := c.Kafka.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Storage.Enabled && len(c.Storage.ClickHouse.Hosts) == 0 {
		errs = append(errs, errors.New("storage: at least one clickhouse host is required"))
	}

	r := c.Telemetry.Receiver
	if r.Enabled && !r.AllowInsecure && (r.CertFile == "" || r.KeyFile == "") {
		errs = append(errs, fmt.Errorf("telemetry receiver: %w", telemetry.ErrDTLSCertRequired))
	}
	if r.Enabled && r.RequireClientCert && r.CAFile == "" {
		errs = append(errs, fmt.Errorf("telemetry receiver: %w", telemetry.ErrDTLSClientCertRequired))
	}

	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown_timeout must be positive"))
	}

	return errors.Join(errs...)
}
