package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setKey(t *testing.T) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	t.Setenv("TOKEN_PUBLIC_KEY", base64.StdEncoding.EncodeToString(pub))
}

func TestLoadDefaults(t *testing.T) {
	setKey(t)
	for _, k := range []string{"PORT", "ENV", "DATABASE_URL", "REDIS_URL", "NATS_URL", "FANOUT_BACKEND", "INSTANCE_ID", "DISPATCH_TIMEOUT", "EVENT_RATE_LIMIT", "NARROW_TO_AVAILABLE", "QUEUE_SEAL_KEY"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, FanoutMemory, cfg.FanoutBackend)
	assert.NotEmpty(t, cfg.InstanceID)
	assert.Equal(t, 30*time.Second, cfg.DispatchTimeout)
	assert.True(t, cfg.NarrowToAvailable)
	assert.Equal(t, 20, cfg.EventRateLimit)
	assert.Equal(t, time.Second, cfg.EventRateWindow)
	assert.Equal(t, 100, cfg.QueueMaxMessages)
	assert.Equal(t, 24*time.Hour, cfg.QueueRetention)
	assert.Len(t, cfg.TokenPublicKey, ed25519.PublicKeySize)
	assert.Nil(t, cfg.QueueSealKey)
}

func TestLoadOverrides(t *testing.T) {
	setKey(t)
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("FANOUT_BACKEND", "")
	t.Setenv("DISPATCH_TIMEOUT", "45s")
	t.Setenv("NARROW_TO_AVAILABLE", "false")
	t.Setenv("RATE_LIMIT_WHITELIST", "10.0.0.0/8, 127.0.0.1 ,")
	seal := make([]byte, 32)
	t.Setenv("QUEUE_SEAL_KEY", base64.StdEncoding.EncodeToString(seal))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, FanoutRedis, cfg.FanoutBackend)
	assert.Equal(t, 45*time.Second, cfg.DispatchTimeout)
	assert.False(t, cfg.NarrowToAvailable)
	assert.Equal(t, []string{"10.0.0.0/8", "127.0.0.1"}, cfg.RateLimitWhitelist)
	assert.Equal(t, seal, cfg.QueueSealKey)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"bad duration", map[string]string{"DISPATCH_TIMEOUT": "soon"}, "DISPATCH_TIMEOUT"},
		{"negative limit", map[string]string{"EVENT_RATE_LIMIT": "-1"}, "EVENT_RATE_LIMIT"},
		{"unknown backend", map[string]string{"FANOUT_BACKEND": "kafka"}, "FANOUT_BACKEND"},
		{"nats without url", map[string]string{"FANOUT_BACKEND": "nats", "NATS_URL": ""}, "NATS_URL"},
		{"missing key", map[string]string{"TOKEN_PUBLIC_KEY": ""}, "TOKEN_PUBLIC_KEY"},
		{"bad key", map[string]string{"TOKEN_PUBLIC_KEY": "AAAA"}, "TOKEN_PUBLIC_KEY"},
		{"short seal key", map[string]string{"QUEUE_SEAL_KEY": base64.StdEncoding.EncodeToString([]byte("short"))}, "QUEUE_SEAL_KEY"},
		{"bad seal key", map[string]string{"QUEUE_SEAL_KEY": "***"}, "QUEUE_SEAL_KEY"},
		{"production without database", map[string]string{"ENV": "production", "DATABASE_URL": "", "REDIS_URL": "redis://x"}, "DATABASE_URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setKey(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
