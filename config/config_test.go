package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
  timeout: 5s
model:
  uri: models:/CarPrice/2
schema:
  unknown_policy: sentinel
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.Timeout)
	assert.Equal(t, "models:/CarPrice/2", cfg.Model.URI)
	assert.Equal(t, "sentinel", cfg.Schema.UnknownPolicy)
	// untouched sections keep their defaults
	assert.Len(t, cfg.Schema.Categorical, 5)
	assert.Equal(t, "Hyundai", cfg.Explain.Background.Brand)
}

func TestLoadEnvironmentOverride(t *testing.T) {
	path := writeConfig(t, "model:\n  uri: models:/CarPrice/1\n")
	t.Setenv("CARPRICE_PORT", "8181")
	t.Setenv("CARPRICE_MODEL_URI", "models:/CarPrice/latest")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, "models:/CarPrice/latest", cfg.Model.URI)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"missing model":  func(c *Config) { c.Model.URI = "" },
		"bad policy":     func(c *Config) { c.Schema.UnknownPolicy = "guess" },
		"bad port":       func(c *Config) { c.Server.Port = 0 },
		"no samples":     func(c *Config) { c.Explain.Samples = 0 },
		"empty labels":   func(c *Config) { c.Schema.Categorical = []CategoricalField{{Name: "fuel"}} },
		"bad metadata":   func(c *Config) { c.Schema.Categorical[0].Metadata = "table" },
		"negative cache": func(c *Config) { c.Cache.Size = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.Model.URI = "models:/CarPrice/1"
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Model.URI = "models:/CarPrice/1"
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
