package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultNeedsInterfaces(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate())

	cfg.Engine.IfaceNear = "eth0"
	cfg.Engine.IfaceFar = "eth1"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Engine.IfaceNear = "eth0"
		cfg.Engine.IfaceFar = "eth1"
		return cfg
	}

	cfg := base()
	cfg.Engine.IfaceFar = "eth0"
	assert.Error(t, cfg.Validate(), "interfaces must differ")

	cfg = base()
	cfg.Engine.DCIDLen = 21
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Engine.AmplificationCap = -0.1
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Logging.Level = "verbose"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Engine.Shards = 0
	assert.Error(t, cfg.Validate())
}

func TestBuildConvertsUnits(t *testing.T) {
	cfg := Default()
	cfg.Engine.IfaceNear = "eth0"
	cfg.Engine.IfaceFar = "eth1"
	cfg.Engine.IdleTimeoutMs = 5000
	cfg.Engine.FlowletGapAbsUs = 2500
	cfg.Engine.WindowDeltaUs = 750
	cfg.Engine.DupSuppressTTLMs = 250

	ecfg := cfg.Build()
	assert.Equal(t, 5*time.Second, ecfg.IdleTimeout)
	assert.Equal(t, 2500*time.Microsecond, ecfg.FlowletGapAbs)
	assert.Equal(t, 750*time.Microsecond, ecfg.WindowDelta)
	assert.Equal(t, 250*time.Millisecond, ecfg.DupSuppressTTL)
	assert.Equal(t, "eth0", ecfg.IfaceNear)
}

func TestLoadFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pemi.yaml")
	content := []byte(`
engine:
  iface_near: veth-near
  iface_far: veth-far
  dup_threshold: 5
  amplification_cap: 0.25
logging:
  level: debug
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg := Default()
	require.NoError(t, LoadFromFile(path, cfg))
	assert.Equal(t, "veth-near", cfg.Engine.IfaceNear)
	assert.Equal(t, 5, cfg.Engine.DupThreshold)
	assert.Equal(t, 0.25, cfg.Engine.AmplificationCap)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched fields keep their defaults.
	assert.Equal(t, 4096, cfg.Engine.SentBufferCap)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFileRejectsUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pemi.toml")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	assert.Error(t, LoadFromFile(path, Default()))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PEMI_IFACE_NEAR", "envnear")
	t.Setenv("PEMI_IFACE_FAR", "envfar")
	t.Setenv("PEMI_PROXY_ONLY", "true")
	t.Setenv("PEMI_IDLE_TIMEOUT_MS", "1234")

	cfg := Default()
	LoadFromEnv(cfg)
	assert.Equal(t, "envnear", cfg.Engine.IfaceNear)
	assert.Equal(t, "envfar", cfg.Engine.IfaceFar)
	assert.True(t, cfg.Engine.ProxyOnly)
	assert.Equal(t, 1234, cfg.Engine.IdleTimeoutMs)
}
