package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v2"
)

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)

	assert.Equal(t, 8045, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 20, cfg.Storage.ContextMaxTurns)
	assert.Equal(t, 6, cfg.Storage.ContextWindow)
	assert.Equal(t, []string{"perplexity", "gemini", "groq"}, cfg.Backends.Order)
	assert.Equal(t, "sonar", cfg.Backends.Perplexity.Model)
	assert.Equal(t, "llama-3.3-70b-versatile", cfg.Backends.Groq.Model)
	assert.Equal(t, 30*time.Second, cfg.Backends.AttemptTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Backends.StreamTimeout)
	assert.Equal(t, 30*time.Second, cfg.Storage.UsageFlush)
	assert.Equal(t, "@every 1h", cfg.Scheduler.ExpirySweep)
	assert.Equal(t, "@daily", cfg.Scheduler.DailyReport)
	assert.Len(t, cfg.Tiers, 3)
	assert.NoError(t, validate(cfg))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{"bad port", func(cfg *Config) { cfg.Server.Port = 70000 }},
		{"postgres without url", func(cfg *Config) { cfg.Storage.Driver = "postgres" }},
		{"mongo without uri", func(cfg *Config) { cfg.Storage.Driver = "mongo" }},
		{"firestore without project", func(cfg *Config) { cfg.Storage.Driver = "firestore" }},
		{"unknown driver", func(cfg *Config) { cfg.Storage.Driver = "sqlite" }},
		{"unknown backend", func(cfg *Config) { cfg.Backends.Order = []string{"gemini", "openai"} }},
		{"duplicate tier", func(cfg *Config) { cfg.Tiers = append(cfg.Tiers, TierConfig{Name: "FREE"}) }},
		{"window larger than history", func(cfg *Config) { cfg.Storage.ContextWindow = 50 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			setDefaults(cfg)
			tt.mutate(cfg)
			assert.Error(t, validate(cfg))
		})
	}
}

func TestNewDefault_HashesPassword(t *testing.T) {
	cfg, password, err := NewDefault()
	require.NoError(t, err)

	assert.Len(t, password, 16)
	assert.Empty(t, cfg.Security.AdminPassword)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(cfg.Security.AdminPasswordHash), []byte(password)))
	assert.Len(t, cfg.Security.JWTSecret, 48)

	_, other, err := NewDefault()
	require.NoError(t, err)
	assert.NotEqual(t, password, other)
}

func TestRenderAndLoad_RoundTrip(t *testing.T) {
	cfg, _, err := NewDefault()
	require.NoError(t, err)
	cfg.Storage.Driver = "postgres"
	cfg.Storage.PostgresURL = "postgres://localhost/keygate"

	data, err := Render(cfg)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, yaml.Unmarshal(data, &raw))
	assert.Contains(t, raw, "backends")
	assert.Contains(t, string(data), "attempt_timeout: 30s")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, data, 0600))

	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.SetConfigFile(path)
	require.NoError(t, viper.ReadInConfig())

	loaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", loaded.Storage.Driver)
	assert.Equal(t, "postgres://localhost/keygate", loaded.Storage.PostgresURL)
	assert.Equal(t, 30*time.Second, loaded.Backends.AttemptTimeout)
	assert.Equal(t, cfg.Security.AdminPasswordHash, loaded.Security.AdminPasswordHash)
	require.Len(t, loaded.Tiers, 3)
	assert.Equal(t, "basic", loaded.Tiers[1].Name)
	assert.Equal(t, "99", loaded.Tiers[1].Price)
}
