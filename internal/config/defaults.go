package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			ConnectionName: "wal-tiered-storage",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
		},
		Storage: StorageConfig{
			DataDir:       "/var/lib/wts/segments",
			RestoreDir:    "/var/lib/wts/restore",
			Fsync:         true,
			VerifyHeaders: true,
		},
		Remote: RemoteConfig{
			Region: "us-east-1",
			Prefix: "wal",
		},
		Durability: DurabilityConfig{
			MaxInFlight:     16,
			MaxEnqueuedJobs: 1024,
			NotifyBuffer:    1024,
			MaxAttempts:     5,
			RetryBackoff:    Duration(500 * time.Millisecond),
			MaxBackoff:      Duration(30 * time.Second),
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Lifecycle: LifecycleConfig{
			EvalInterval: Duration(time.Minute),
			MaxAge:       Duration(24 * time.Hour),
		},
		Ingest: IngestConfig{
			SubjectPrefix: "wal",
			QueueGroup:    "wts",
		},
		Metadata: MetadataConfig{
			Path: "/var/lib/wts/meta.db",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
			NATSResponder: NATSResponderConfig{
				Enabled:       false,
				SubjectPrefix: "wal",
			},
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       true,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}
