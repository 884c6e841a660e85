package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvConfigTypedGetters(t *testing.T) {
	t.Setenv("MERIDIANTEST_NAME", "value")
	t.Setenv("MERIDIANTEST_COUNT", "42")
	t.Setenv("MERIDIANTEST_BAD_COUNT", "not-a-number")
	t.Setenv("MERIDIANTEST_WAIT", "1500ms")

	ec := NewEnvConfig("MERIDIANTEST")

	assert.Equal(t, "value", ec.GetString("NAME", "fallback"))
	assert.Equal(t, "fallback", ec.GetString("MISSING", "fallback"))
	assert.Equal(t, 42, ec.GetInt("COUNT", 7))
	assert.Equal(t, 7, ec.GetInt("BAD_COUNT", 7))
	assert.Equal(t, 1500*time.Millisecond, ec.GetDuration("WAIT", time.Second))
	assert.Equal(t, time.Second, ec.GetDuration("MISSING", time.Second))
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("MERIDIAN_HOME", "/tmp/meridian-test-home")
	t.Setenv("MERIDIAN_SOCKET", "/tmp/custom.sock")
	t.Setenv("MERIDIAN_LOG_LEVEL", "debug")
	t.Setenv("MERIDIAN_RELOAD_SOCKET", "")

	cfg := FromEnv()

	assert.Equal(t, "/tmp/meridian-test-home", cfg.Home)
	assert.Equal(t, "/tmp/custom.sock", cfg.SocketPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, filepath.Join(cfg.Home, "meridian-reload.sock"), cfg.ReloadSocketPath)
	assert.Equal(t, filepath.Join(cfg.Home, "meridian.db"), cfg.DatabasePath())
	assert.Equal(t, filepath.Join(cfg.Home, "episodes.hnsw"), cfg.IndexPath())
}
