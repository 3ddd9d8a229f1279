package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/53js/rabbit"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rabbit.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/", cfg.Path)
	assert.True(t, cfg.AutoCreateRealms)
	assert.Equal(t, 10*time.Second, cfg.GoodbyeTimeout)
	assert.Zero(t, cfg.Port)
	assert.Empty(t, cfg.Realms)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
path = "/ws"
auto_create_realms = false
port = 8080
log = "info"
goodbye_timeout = "2s"
realms = ["realm1", " ", "com.example.app"]
raw_socket = "127.0.0.1:8081"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/ws", cfg.Path)
	assert.False(t, cfg.AutoCreateRealms)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.Log)
	assert.Equal(t, 2*time.Second, cfg.GoodbyeTimeout)
	assert.Equal(t, []string{"realm1", "com.example.app"}, cfg.Realms)
	assert.Equal(t, "127.0.0.1:8081", cfg.RawSocketAddr)
}

func TestLoadFileKeepsUndefinedDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `port = 9000`))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.True(t, cfg.AutoCreateRealms)
	assert.Equal(t, "/", cfg.Path)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("RABBIT_PORT", "7000")
	t.Setenv("RABBIT_REALMS", "a.b,c.d")
	t.Setenv("RABBIT_AUTO_CREATE_REALMS", "false")

	cfg, err := Load(writeConfig(t, "port = 9000\nrealms = [\"x\"]"))
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, []string{"a.b", "c.d"}, cfg.Realms)
	assert.False(t, cfg.AutoCreateRealms)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{name: "bad toml", body: `port = `},
		{name: "bad duration", body: `goodbye_timeout = "soon"`},
		{name: "relative path", body: `path = "ws"`},
		{name: "port range", body: `port = 70000`},
		{name: "log level", body: `log = "loud"`},
		{name: "zero timeout", body: `goodbye_timeout = "0s"`},
		{name: "env type", env: map[string]string{"RABBIT_PORT": "eighty"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.body != "" {
				path = writeConfig(t, tt.body)
			}
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorContains(t, err, "load config")
}

func TestRouterConfig(t *testing.T) {
	cfg := Default()
	cfg.Realms = []string{"realm1"}
	cfg.RandomIDs = true

	rc := cfg.RouterConfig()
	assert.Equal(t, []rabbit.URI{"realm1"}, rc.Realms)
	assert.Equal(t, cfg.GoodbyeTimeout, rc.GoodbyeTimeout)
	assert.IsType(t, &rabbit.RandomIDs{}, rc.IDs)

	cfg.RandomIDs = false
	assert.Nil(t, cfg.RouterConfig().IDs)
}
