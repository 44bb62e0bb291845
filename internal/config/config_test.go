package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pshare/internal/transfer"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DefaultTeardownGrace, cfg.TeardownGrace)
	assert.Equal(t, uint64(transfer.DefaultHighWaterMark), cfg.Transfer.HighWaterMark)
	assert.True(t, cfg.Transfer.AwaitCompletion)
	assert.NotEmpty(t, cfg.Negotiation.ICEServers)
	assert.Positive(t, cfg.Relay.MessageRate)

	cfg.Role = RoleSender
	assert.NoError(t, cfg.Validate())
	cfg.Role = RoleReceiver
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing role", func(c *Config) { c.Role = "" }},
		{"unknown role", func(c *Config) { c.Role = "host" }},
		{"bad relay", func(c *Config) { c.RelayURL = "ftp://relay" }},
		{"empty relay", func(c *Config) { c.RelayURL = "" }},
		{"bad origin", func(c *Config) { c.Origin = "localhost" }},
		{"short room", func(c *Config) { c.RoomLength = 2 }},
		{"negative grace", func(c *Config) { c.TeardownGrace = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Role = RoleSender
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNormalizeRelayURL(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"relay.example.com", "wss://relay.example.com/api/signaling"},
		{"https://relay.example.com/whatever", "wss://relay.example.com/api/signaling"},
		{"http://127.0.0.1:8080", "ws://127.0.0.1:8080/api/signaling"},
		{" ws://localhost:8080/api/signaling ", "ws://localhost:8080/api/signaling"},
		{"wss://relay.example.com", "wss://relay.example.com/api/signaling"},
	}

	for _, tt := range tests {
		got, err := NormalizeRelayURL(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got)
	}

	_, err := NormalizeRelayURL("")
	assert.Error(t, err)
}
