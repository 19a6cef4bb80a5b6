package config

import (
	"time"

	"github.com/nellyag1/wavescape-portal222/activity"
	"github.com/nellyag1/wavescape-portal222/batch"
	"github.com/nellyag1/wavescape-portal222/persistence"
	"github.com/nellyag1/wavescape-portal222/waitloop"
)

// DefaultConfig returns a configuration that runs a single-node
// development portal against the local mock batch service.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Store:     persistence.DefaultStoreConfig(),
		Database:  DefaultDatabaseConfig(),
		Batch:     batch.DefaultConfig(),
		WaitLoop:  waitloop.DefaultConfig(),
		Activity:  activity.DefaultConfig(),
		Storage:   DefaultStorageConfig(),
	}
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
		WatchInterval:   time.Second,
	}
}

// DefaultLogConfig returns the default log configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:        false,
		OTLPEndpoint:   "localhost:4317",
		ServiceName:    "wavescape-portal",
		SampleRate:     0.1,
		Environment:    "development",
		MetricInterval: 30 * time.Second,
	}
}

// DefaultDatabaseConfig returns the default database configuration.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:              "postgres",
		Host:                "localhost",
		Port:                5432,
		User:                "wavescape",
		Name:                "wavescape",
		SSLMode:             "disable",
		MaxOpenConns:        25,
		MaxIdleConns:        5,
		ConnMaxLifetime:     5 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}

// DefaultStorageConfig returns the default storage configuration. The
// link secret is for local development only.
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		BlobDir:     "./data/blobs",
		LinkBaseURL: "http://localhost:8080/files",
		LinkIssuer:  "wavescape-portal",
		LinkSecret:  "wavescape-development-link-secret",
	}
}
