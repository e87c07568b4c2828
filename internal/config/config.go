package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	NATS          NATSConfig          `yaml:"nats"`
	Storage       StorageConfig       `yaml:"storage"`
	Remote        RemoteConfig        `yaml:"remote"`
	Durability    DurabilityConfig    `yaml:"durability"`
	Lifecycle     LifecycleConfig     `yaml:"lifecycle"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type NATSConfig struct {
	URL             string    `yaml:"url"`
	CredentialsFile string    `yaml:"credentials_file"`
	NKeySeedFile    string    `yaml:"nkey_seed_file"`
	TLS             TLSConfig `yaml:"tls"`
	ConnectionName  string    `yaml:"connection_name"`
	MaxReconnects   int       `yaml:"max_reconnects"`
	ReconnectWait   Duration  `yaml:"reconnect_wait"`
}

type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// StorageConfig configures the local segment cache.
type StorageConfig struct {
	DataDir       string `yaml:"data_dir"`
	RestoreDir    string `yaml:"restore_dir"`
	Fsync         bool   `yaml:"fsync"`
	VerifyHeaders bool   `yaml:"verify_headers"`
}

// RemoteConfig configures the S3-compatible remote tier.
type RemoteConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	StorageClass    string `yaml:"storage_class"`
}

type DurabilityConfig struct {
	MaxInFlight     int      `yaml:"max_in_flight"`
	MaxEnqueuedJobs int      `yaml:"max_enqueued_jobs"`
	NotifyBuffer    int      `yaml:"notify_buffer"`
	MaxAttempts     int      `yaml:"max_attempts"` // 0 retries forever
	RetryBackoff    Duration `yaml:"retry_backoff"`
	MaxBackoff      Duration `yaml:"max_backoff"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// LifecycleConfig bounds the local cache. Only segments the remote tier
// already holds are ever evicted.
type LifecycleConfig struct {
	Enabled      bool     `yaml:"enabled"`
	EvalInterval Duration `yaml:"eval_interval"`
	MaxAge       Duration `yaml:"max_age"`
	MaxBytes     ByteSize `yaml:"max_bytes"`
	MaxSegments  int      `yaml:"max_segments"`
}

type IngestConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
	QueueGroup    string `yaml:"queue_group"`
}

type MetadataConfig struct {
	Path string `yaml:"path"`
}

type APIConfig struct {
	Enabled       bool                `yaml:"enabled"`
	Listen        string              `yaml:"listen"`
	NATSResponder NATSResponderConfig `yaml:"nats_responder"`
}

type NATSResponderConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// NATSRequired reports whether any enabled component talks to NATS.
func (c *Config) NATSRequired() bool {
	return c.Ingest.Enabled || c.API.NATSResponder.Enabled
}

func (c *Config) Validate() error {
	if c.NATSRequired() && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when ingest or the NATS responder is enabled")
	}

	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}

	if c.Remote.Enabled && c.Remote.Bucket == "" {
		return fmt.Errorf("remote tier requires bucket")
	}

	d := c.Durability
	if d.MaxInFlight < 1 {
		return fmt.Errorf("durability.max_in_flight must be >= 1, got %d", d.MaxInFlight)
	}
	if d.MaxEnqueuedJobs < 1 {
		return fmt.Errorf("durability.max_enqueued_jobs must be >= 1, got %d", d.MaxEnqueuedJobs)
	}
	if d.NotifyBuffer < 0 {
		return fmt.Errorf("durability.notify_buffer must be >= 0")
	}
	if d.MaxAttempts < 0 {
		return fmt.Errorf("durability.max_attempts must be >= 0")
	}
	if d.RetryBackoff < 0 || d.MaxBackoff < 0 {
		return fmt.Errorf("durability backoff must not be negative")
	}
	if d.ShutdownTimeout <= 0 {
		return fmt.Errorf("durability.shutdown_timeout must be > 0")
	}

	if c.Lifecycle.Enabled {
		if !c.Remote.Enabled {
			return fmt.Errorf("lifecycle eviction requires the remote tier")
		}
		if c.Lifecycle.EvalInterval <= 0 {
			return fmt.Errorf("lifecycle.eval_interval must be > 0")
		}
	}

	if c.Metadata.Path == "" {
		return fmt.Errorf("metadata.path is required")
	}

	return nil
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "256MB", "10GB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Try as integer
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case len(s) >= 2 && s[len(s)-2:] == "KB":
		multiplier = 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "MB":
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "GB":
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "TB":
		multiplier = 1024 * 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case s[len(s)-1] == 'B':
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
