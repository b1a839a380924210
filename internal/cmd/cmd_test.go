package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/antigravity/keygate/internal/config"
	"github.com/antigravity/keygate/internal/router"
	"github.com/antigravity/keygate/internal/storage"
)

func TestBuildRouter_SkipsUnconfiguredBackends(t *testing.T) {
	cfg := &config.Config{}
	cfg.Backends.Order = []string{"groq", "perplexity"}
	cfg.Backends.Groq = config.BackendConfig{APIKey: "gsk-test", Model: "llama", BaseURL: "http://127.0.0.1:1"}
	cfg.Backends.Perplexity = config.BackendConfig{APIKey: "pplx-test", Disabled: true}

	a := &app{}
	r, err := a.buildRouter(context.Background(), cfg, newTestRecorder(t), zap.NewNop())
	require.NoError(t, err)

	status := r.Status()
	require.Len(t, status, 1)
	assert.Equal(t, router.Groq, status[0].Name)
	assert.True(t, status[0].Primary)
}

func TestBuildRouter_RejectsUnknownBackend(t *testing.T) {
	cfg := &config.Config{}
	cfg.Backends.Order = []string{"openai"}

	a := &app{}
	_, err := a.buildRouter(context.Background(), cfg, newTestRecorder(t), zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backends.order")
}

func TestRedact(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.JWTSecret = "secret"
	cfg.Storage.PostgresURL = "postgres://user:pw@db/keygate"
	cfg.Backends.Groq.APIKey = "gsk-123"
	cfg.Backends.Groq.Model = "llama"

	redact(cfg)

	assert.Equal(t, redacted, cfg.Security.JWTSecret)
	assert.Equal(t, redacted, cfg.Storage.PostgresURL)
	assert.Equal(t, redacted, cfg.Backends.Groq.APIKey)
	assert.Equal(t, "llama", cfg.Backends.Groq.Model)
	// 空值保持为空，方便看出哪些没有配置
	assert.Empty(t, cfg.Backends.Gemini.APIKey)
}

func TestHashPassword(t *testing.T) {
	var out bytes.Buffer
	hashPasswordCmd.SetOut(&out)
	hashPasswordCmd.SetIn(strings.NewReader("from-stdin\n"))
	defer hashPasswordCmd.SetOut(nil)
	defer hashPasswordCmd.SetIn(nil)

	require.NoError(t, hashPasswordCmd.RunE(hashPasswordCmd, []string{"hunter2"}))
	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter2")))

	out.Reset()
	require.NoError(t, hashPasswordCmd.RunE(hashPasswordCmd, nil))
	hash = strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("from-stdin")))
}

func newTestRecorder(t *testing.T) *storage.UsageRecorder {
	r := storage.NewUsageRecorder(storage.NewUsageJournal(t.TempDir()), 0, time.Hour, zap.NewNop())
	t.Cleanup(func() { r.Close() })
	return r
}
