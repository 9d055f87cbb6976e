package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prilive-com/botgate/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("", func(c *config.Config) {
		c.APIID = 12345
		c.APIHash = "abcdef"
	})
	require.NoError(t, err)
	assert.Equal(t, 8081, cfg.HTTPPort)
	assert.Equal(t, 40, cfg.MaxWebhookConnections)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel())
	assert.Equal(t, ":8081", cfg.HTTPAddr())
	assert.Equal(t, "", cfg.StatAddr())
}

func TestLoad_FileThenEnvThenOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "botgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"api_id: 777\napi_hash: filehash\nhttp_port: 9000\nverbosity: 4\n",
	), 0o600))

	t.Setenv("BOTGATE_HTTP_PORT", "9100")

	cfg, err := config.Load(path, func(c *config.Config) {
		c.Verbosity = 0
	})
	require.NoError(t, err)
	assert.Equal(t, int64(777), cfg.APIID)
	assert.Equal(t, 9100, cfg.HTTPPort, "environment overrides the file")
	assert.Equal(t, 0, cfg.Verbosity, "options override the environment")
	assert.Equal(t, slog.LevelError, cfg.LogLevel())
}

func TestLoad_TelegramEnvFallback(t *testing.T) {
	t.Setenv("TELEGRAM_API_ID", "4242")
	t.Setenv("TELEGRAM_API_HASH", "fallbackhash")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, int64(4242), cfg.APIID)
	assert.Equal(t, "fallbackhash", cfg.APIHash.Value())
}

func TestLoad_MissingCredentials(t *testing.T) {
	_, err := config.Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_id")
}

func TestLoad_BadFilter(t *testing.T) {
	_, err := config.Load("", func(c *config.Config) {
		c.APIID = 1
		c.APIHash = "h"
		c.Filter = "5/3"
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "filter")
}

func TestParseFilter(t *testing.T) {
	rem, mod, err := config.ParseFilter("")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rem)
	assert.Equal(t, int64(1), mod)

	rem, mod, err = config.ParseFilter("1/4")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rem)
	assert.Equal(t, int64(4), mod)

	for _, bad := range []string{"1", "a/b", "4/4", "-1/3", "1/0"} {
		_, _, err := config.ParseFilter(bad)
		assert.Error(t, err, "filter %q", bad)
	}
}

func TestAddrs_IPv6(t *testing.T) {
	cfg := config.Default()
	cfg.HTTPIPAddress = "::1"
	cfg.HTTPStatPort = 8082
	assert.Equal(t, "[::1]:8081", cfg.HTTPAddr())
	assert.Equal(t, "[::1]:8082", cfg.StatAddr())
}
