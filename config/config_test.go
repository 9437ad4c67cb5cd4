package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9848", cfg.ListenAddress)
	assert.Equal(t, "127.0.0.1:19848", cfg.UpstreamAddress)
	assert.Equal(t, []string{"SubscribeServiceResponse", "NotifySubscriberRequest"}, cfg.RewriteTypes)
	assert.Equal(t, 10*1024*1024, cfg.MaxMessageBytes)
	assert.Equal(t, 15*time.Second, cfg.GetShutdownTimeout())
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	content := `
listen_address: ":19000"
upstream_address: "nacos:9848"
rewrite_types:
  - SubscribeServiceResponse
log_level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":19000", cfg.ListenAddress)
	assert.Equal(t, "nacos:9848", cfg.UpstreamAddress)
	assert.Equal(t, []string{"SubscribeServiceResponse"}, cfg.RewriteTypes)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("NACOS_BRIDGE_UPSTREAM_ADDRESS", "10.0.0.5:9848")
	t.Setenv("NACOS_BRIDGE_MAX_MESSAGE_BYTES", "1024")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:9848", cfg.UpstreamAddress)
	assert.Equal(t, 1024, cfg.MaxMessageBytes)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := Config{ListenAddress: ":1", UpstreamAddress: "x:1", MaxMessageBytes: 1, ShutdownTimeout: 1}
	require.NoError(t, base.Validate())

	noListen := base
	noListen.ListenAddress = ""
	assert.Error(t, noListen.Validate())

	noUpstream := base
	noUpstream.UpstreamAddress = ""
	assert.Error(t, noUpstream.Validate())

	zeroSize := base
	zeroSize.MaxMessageBytes = 0
	assert.Error(t, zeroSize.Validate())

	zeroTimeout := base
	zeroTimeout.ShutdownTimeout = 0
	assert.Error(t, zeroTimeout.Validate())
}
