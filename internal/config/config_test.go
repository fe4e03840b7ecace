package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9477", cfg.Server.MetricsAddr)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Transport.NATSURL)
	assert.Equal(t, "convoke.events", cfg.Transport.Subject)
	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Equal(t, "@every 5s", cfg.Engine.SweepInterval)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := map[string]func(c *Config){
		"empty nats url":      func(c *Config) { c.Transport.NATSURL = "" },
		"empty subject":       func(c *Config) { c.Transport.Subject = "" },
		"empty storage path":  func(c *Config) { c.Storage.Path = "" },
		"zero workers":        func(c *Config) { c.Engine.Workers = 0 },
		"negative retries":    func(c *Config) { c.Engine.RetryAttempts = -1 },
		"agent without name":  func(c *Config) { c.Engine.Agents = []AgentConfig{{Provider: "anthropic"}} },
		"unknown provider":    func(c *Config) { c.Engine.Agents = []AgentConfig{{Name: "a", Provider: "oracle"}} },
		"provider left empty": func(c *Config) { c.Engine.Agents = []AgentConfig{{Name: "a"}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissingFileIsNotFatal(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convoke.yaml")
	content := `
server:
  metrics_addr: ":9999"
  shutdown_timeout: 30s
transport:
  subject: custom.events
engine:
  workers: 8
  coordinator: boss
  agents:
    - name: boss
      provider: anthropic
      instruction: "Coordinate the team."
    - name: helper
      provider: openai
      model: gpt-4.1
logging:
  level: debug
  pretty: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.MetricsAddr)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "custom.events", cfg.Transport.Subject)
	// Untouched sections keep their defaults.
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Transport.NATSURL)

	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, "boss", cfg.Engine.Coordinator)
	require.Len(t, cfg.Engine.Agents, 2)
	assert.Equal(t, "boss", cfg.Engine.Agents[0].Name)
	assert.Equal(t, "anthropic", cfg.Engine.Agents[0].Provider)
	assert.Equal(t, "gpt-4.1", cfg.Engine.Agents[1].Model)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Pretty)
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convoke.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transport:\n  subject: from.file\n"), 0o600))

	t.Setenv("CONVOKE_TRANSPORT_SUBJECT", "from.env")
	t.Setenv("CONVOKE_TRANSPORT_NATS_URL", "nats://broker:4222")
	t.Setenv("CONVOKE_ENGINE_WORKERS", "16")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from.env", cfg.Transport.Subject)
	assert.Equal(t, "nats://broker:4222", cfg.Transport.NATSURL)
	assert.Equal(t, 16, cfg.Engine.Workers)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Setenv("CONVOKE_TRANSPORT_SUBJECT", "")

	// An explicit empty subject must fail validation.
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  workers: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
