// Package config provides configuration loading for convoked.
package config

import (
	"fmt"
	"time"
)

// Config is the full daemon configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Transport TransportConfig `koanf:"transport"`
	Storage   StorageConfig   `koanf:"storage"`
	Engine    EngineConfig    `koanf:"engine"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig configures the metrics/inspection HTTP listener.
type ServerConfig struct {
	MetricsAddr     string        `koanf:"metrics_addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// TransportConfig configures the event log connection.
type TransportConfig struct {
	NATSURL string `koanf:"nats_url"`
	Subject string `koanf:"subject"`
}

// StorageConfig configures durable state.
type StorageConfig struct {
	Path string `koanf:"path"`
}

// EngineConfig configures the dispatcher.
type EngineConfig struct {
	Workers        int           `koanf:"workers"`
	Coordinator    string        `koanf:"coordinator"`
	SweepInterval  string        `koanf:"sweep_interval"` // cron spec for the deadline sweep
	RetryAttempts  int           `koanf:"retry_attempts"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`
	Agents         []AgentConfig `koanf:"agents"`
}

// AgentConfig declares one locally executed agent.
type AgentConfig struct {
	Name        string `koanf:"name"`
	Instruction string `koanf:"instruction"`
	Provider    string `koanf:"provider"` // anthropic | openai
	Model       string `koanf:"model"`    // provider model id; empty uses the provider default
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			MetricsAddr:     ":9477",
			ShutdownTimeout: 10 * time.Second,
		},
		Transport: TransportConfig{
			NATSURL: "nats://127.0.0.1:4222",
			Subject: "convoke.events",
		},
		Storage: StorageConfig{
			Path: "convoke.db",
		},
		Engine: EngineConfig{
			Workers:        4,
			SweepInterval:  "@every 5s",
			RetryAttempts:  3,
			RetryBaseDelay: 50 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Transport.NATSURL == "" {
		return fmt.Errorf("transport.nats_url must not be empty")
	}
	if c.Transport.Subject == "" {
		return fmt.Errorf("transport.subject must not be empty")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path must not be empty")
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive, got %d", c.Engine.Workers)
	}
	if c.Engine.RetryAttempts < 0 {
		return fmt.Errorf("engine.retry_attempts must not be negative, got %d", c.Engine.RetryAttempts)
	}
	for _, a := range c.Engine.Agents {
		if a.Name == "" {
			return fmt.Errorf("engine.agents entries must have a name")
		}
		switch a.Provider {
		case "anthropic", "openai":
		default:
			return fmt.Errorf("agent %s: unsupported provider %q", a.Name, a.Provider)
		}
	}
	return nil
}
