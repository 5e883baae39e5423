package api

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfig_Defaults(t *testing.T) {
	cfg := LoadServerConfig()

	assert.Equal(t, defaultPort, cfg.Port)
	assert.Equal(t, "0.0.0.0:8090", cfg.Address())
	assert.Equal(t, defaultRunWaitTimeout, cfg.RunWaitTimeout)
	assert.Greater(t, cfg.WriteTimeout, cfg.RunWaitTimeout)
	assert.Equal(t, []string{"*"}, cfg.ToCORSConfig().GetAllowedOrigins())
	require.NoError(t, cfg.Validate())
}

func TestLoadServerConfig_Env(t *testing.T) {
	t.Setenv("SEEDER_SERVER_PORT", "9100")
	t.Setenv("SEEDER_SERVER_HOST", "127.0.0.1")
	t.Setenv("SEEDER_LOG_LEVEL", "debug")
	t.Setenv("SEEDER_MAX_REQUEST_SIZE", "2048")
	t.Setenv("SEEDER_RUN_WAIT_TIMEOUT", "30s")
	t.Setenv("SEEDER_CORS_ALLOWED_ORIGINS", "https://ops.example.com, https://admin.example.com")

	cfg := LoadServerConfig()

	assert.Equal(t, "127.0.0.1:9100", cfg.Address())
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, int64(2048), cfg.MaxRequestSize)
	assert.Equal(t, 30*time.Second, cfg.RunWaitTimeout)
	assert.Equal(t, []string{"https://ops.example.com", "https://admin.example.com"}, cfg.CORSAllowedOrigins)
}

func TestServerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ServerConfig)
		wantErr error
	}{
		{"port too high", func(c *ServerConfig) { c.Port = 70000 }, ErrInvalidPort},
		{"empty host", func(c *ServerConfig) { c.Host = "" }, ErrEmptyHost},
		{"read timeout", func(c *ServerConfig) { c.ReadTimeout = 0 }, ErrInvalidReadTimeout},
		{"write timeout", func(c *ServerConfig) { c.WriteTimeout = -time.Second }, ErrInvalidWriteTimeout},
		{"shutdown timeout", func(c *ServerConfig) { c.ShutdownTimeout = 0 }, ErrInvalidShutdownTimeout},
		{"request size", func(c *ServerConfig) { c.MaxRequestSize = 0 }, ErrInvalidMaxRequestSize},
		{"run wait", func(c *ServerConfig) { c.RunWaitTimeout = 0 }, ErrInvalidRunWaitTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadServerConfig()
			tt.mutate(cfg)

			require.ErrorIs(t, cfg.Validate(), tt.wantErr)
		})
	}
}
