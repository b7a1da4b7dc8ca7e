package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestResolveOptions_flagsOnly(t *testing.T) {
	ro := defaultRootOptions()
	cmd := newRootCmd(ro)
	require.NoError(t, cmd.ParseFlags([]string{"--addr", ":9000", "--allowed-origins", "http://a,http://b"}))
	assert.Empty(t, ro.configPath)

	opts, err := resolveOptions(cmd, ro.configPath, ro.flags)
	require.NoError(t, err)
	assert.Equal(t, ":9000", opts.ServerAddr)
	assert.Equal(t, []string{"http://a", "http://b"}, opts.AllowedOrigins)
	assert.Equal(t, defaultSigningKey, opts.SigningKey)
	assert.True(t, opts.FanOutOnSend)
}

func TestResolveOptions_fileWithOverrides(t *testing.T) {
	path := writeConfig(t, `
server_addr: "0.0.0.0:8000"
database_dsn: "mongodb://localhost:27017"
storage_backend: mongo
signing_key: "c2VjcmV0"
presence_ttl: 30s
fanout_on_send: false
`)

	ro := defaultRootOptions()
	cmd := newRootCmd(ro)
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--addr", ":9000"}))
	assert.Equal(t, path, ro.configPath)

	opts, err := resolveOptions(cmd, ro.configPath, ro.flags)
	require.NoError(t, err)
	assert.Equal(t, ":9000", opts.ServerAddr, "explicit flag overrides file")
	assert.Equal(t, "mongodb://localhost:27017", opts.DatabaseDSN)
	assert.Equal(t, "mongo", opts.StorageBackend)
	assert.Equal(t, "c2VjcmV0", opts.SigningKey)
	assert.Equal(t, 30*time.Second, opts.PresenceTTL)
	assert.False(t, opts.FanOutOnSend, "unset flag keeps the file value")
}

func TestResolveOptions_missingFile(t *testing.T) {
	ro := defaultRootOptions()
	cmd := newRootCmd(ro)
	path := filepath.Join(t.TempDir(), "missing.yaml")

	_, err := resolveOptions(cmd, path, ro.flags)
	assert.Error(t, err)
}
