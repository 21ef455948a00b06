package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"minireload/internal/invoke"
	"minireload/internal/logging"
	"minireload/internal/source"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// UNIFIED CONFIG TESTS
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"MINIRELOAD_MODE", "MINIRELOAD_LOG_LEVEL", "MINIRELOAD_DEBUG", "MINIRELOAD_METRICS_ADDR"} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "watch", cfg.Mode)
	assert.Equal(t, string(invoke.PolicyPreserve), cfg.Launch.Policy)
	assert.Equal(t, 100*time.Millisecond, cfg.GetRetryAfter())
	assert.Equal(t, 50*time.Millisecond, cfg.GetDebounce())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfig_SaveLoad(t *testing.T) {
	clearEnv(t)

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "minireload.yaml")

	cfg := DefaultConfig()
	cfg.Mode = "poll"
	cfg.Watch = []source.Root{{Path: tmpDir, Recursive: true}}
	cfg.AllowedImports = []string{"fmt", "time"}
	cfg.Launch.Policy = string(invoke.PolicyReinstantiate)

	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoad_RelativeRootsResolveAgainstConfigDir(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "minireload.yaml")
	require.NoError(t, os.WriteFile(path, []byte("watch:\n  - path: scripts\n    recursive: true\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Watch, 1)
	assert.Equal(t, filepath.Join(dir, "scripts"), cfg.Watch[0].Path)
	assert.True(t, cfg.Watch[0].Recursive)
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("watch: [\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("MINIRELOAD_MODE", "poll")
	t.Setenv("MINIRELOAD_LOG_LEVEL", "debug")
	t.Setenv("MINIRELOAD_DEBUG", "true")
	t.Setenv("MINIRELOAD_METRICS_ADDR", "127.0.0.1:9999")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "poll", cfg.Mode)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.DebugMode)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9999", cfg.Metrics.Addr)
}

func TestConfig_Validate(t *testing.T) {
	t.Run("bad mode", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Mode = "sometimes"
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad policy", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Launch.Policy = "merge"
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad duration", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.RetryAfter = "soon"
		assert.Error(t, cfg.Validate())
	})

	t.Run("relative root", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Watch = []source.Root{{Path: "scripts"}}
		assert.ErrorIs(t, cfg.Validate(), source.ErrRelativeRoot)
	})
}

func TestConfig_Conversions(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Watch = []source.Root{{Path: dir}}
	cfg.Mode = "poll"
	cfg.Debounce = "10ms"
	cfg.RetryAfter = "0s"
	cfg.Launch.Handler = "HandleError"
	cfg.AllowedImports = []string{"fmt"}

	ec := cfg.EngineConfig()
	assert.Equal(t, source.ModePoll, ec.Mode)
	assert.Equal(t, source.WatchSpec{{Path: dir}}, ec.Watch)
	assert.Equal(t, 10*time.Millisecond, ec.Watcher.Debounce)
	assert.Equal(t, []string{"fmt"}, ec.AllowedImports)

	assert.Equal(t, time.Duration(0), cfg.InvokeConfig().RetryAfter)

	lc := cfg.LaunchOptions()
	assert.Equal(t, "HandleError", lc.HandlerMethod)
	assert.Equal(t, invoke.PolicyPreserve, lc.Policy)
}

func TestLoggingConfig_ToLogging(t *testing.T) {
	lc := LoggingConfig{
		Level:      "warn",
		Format:     "json",
		DebugMode:  true,
		Categories: map[string]bool{"watch": false},
	}
	assert.Equal(t, logging.Config{
		Level:      "warn",
		Format:     "json",
		DebugMode:  true,
		Categories: map[string]bool{"watch": false},
	}, lc.ToLogging())
}
