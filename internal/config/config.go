// Package config loads Meridian's environment-driven settings. The
// daemon reads exactly five environment names — MERIDIAN_HOME,
// MERIDIAN_SOCKET, MERIDIAN_RELOAD_SOCKET, MERIDIAN_LOG_LEVEL and
// MERIDIAN_KV_URL — all behind the single FromEnv leaf function; no
// other package touches the environment.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// EnvConfig reads typed values from the environment under a fixed
// prefix.
type EnvConfig struct {
	prefix string
}

// NewEnvConfig creates an EnvConfig with the given prefix (e.g.
// "MERIDIAN").
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{prefix: prefix}
}

func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix == "" {
		return key
	}
	return ec.prefix + "_" + key
}

// GetString returns the named variable or defaultValue if unset.
func (ec *EnvConfig) GetString(key, defaultValue string) string {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		return v
	}
	return defaultValue
}

// GetInt returns the named variable parsed as an int, or defaultValue
// if unset or unparseable.
func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	v := os.Getenv(ec.buildKey(key))
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

// GetDuration returns the named variable parsed with
// time.ParseDuration, or defaultValue if unset or unparseable.
func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(ec.buildKey(key))
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}

// Config is everything cmd/meridiand needs to assemble a server.
type Config struct {
	// Home is the state directory: KV database, HNSW index files and
	// the default socket paths live under it.
	Home string
	// SocketPath is the RPC Unix socket.
	SocketPath string
	// ReloadSocketPath is the hot-reload state-transfer socket.
	ReloadSocketPath string
	// LogLevel is a logrus level name ("debug", "info", ...).
	LogLevel string
	// KVURL selects the networked KV engine when set (e.g.
	// "redis://localhost:6379/0"); empty uses the embedded engine
	// under Home.
	KVURL string
}

// FromEnv is the single place Meridian reads its environment. Unset
// variables fall back to ~/.meridian and sockets inside it.
func FromEnv() Config {
	ec := NewEnvConfig("MERIDIAN")

	home := ec.GetString("HOME", "")
	if home == "" {
		if userHome, err := os.UserHomeDir(); err == nil {
			home = filepath.Join(userHome, ".meridian")
		} else {
			home = ".meridian"
		}
	}

	return Config{
		Home:             home,
		SocketPath:       ec.GetString("SOCKET", filepath.Join(home, "meridian.sock")),
		ReloadSocketPath: ec.GetString("RELOAD_SOCKET", filepath.Join(home, "meridian-reload.sock")),
		LogLevel:         ec.GetString("LOG_LEVEL", "info"),
		KVURL:            ec.GetString("KV_URL", ""),
	}
}

// DatabasePath returns the boltkv file location under Home.
func (c Config) DatabasePath() string {
	return filepath.Join(c.Home, "meridian.db")
}

// IndexPath returns the HNSW graph file location under Home. The
// metadata sibling derives from this path.
func (c Config) IndexPath() string {
	return filepath.Join(c.Home, "episodes.hnsw")
}
