package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"minireload/internal/engine"
	"minireload/internal/invoke"
	"minireload/internal/source"

	"gopkg.in/yaml.v3"
)

// Config holds all minireload configuration.
type Config struct {
	// Watch roots; relative paths are resolved against the config file.
	Watch []source.Root `yaml:"watch,omitempty"`

	// Mode is "watch" (fsnotify) or "poll" (re-check every unit every call).
	Mode string `yaml:"mode"`

	// Debounce for filesystem events, e.g. "50ms".
	Debounce string `yaml:"debounce"`

	// RetryAfter is the backoff while a unit stays broken, e.g. "100ms".
	RetryAfter string `yaml:"retry_after"`

	// AllowedImports restricts what interpreted units may import. Empty
	// allows the whole standard library.
	AllowedImports []string `yaml:"allowed_imports,omitempty"`

	// Launch loop settings
	Launch LaunchConfig `yaml:"launch"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Metrics endpoint
	Metrics MetricsConfig `yaml:"metrics"`
}

// LaunchConfig configures the launch loop.
type LaunchConfig struct {
	Policy  string `yaml:"policy"`  // preserve, reinstantiate
	Backoff string `yaml:"backoff"` // sleep after a failed iteration
	Handler string `yaml:"handler"` // default handler method name
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Mode:       string(source.ModeWatch),
		Debounce:   "50ms",
		RetryAfter: "100ms",
		Launch: LaunchConfig{
			Policy:  string(invoke.PolicyPreserve),
			Backoff: "100ms",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Addr: ":9464",
		},
	}
}

// Load reads a YAML config file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	base := filepath.Dir(path)
	for i, r := range cfg.Watch {
		if !filepath.IsAbs(r.Path) {
			cfg.Watch[i].Path = filepath.Join(base, r.Path)
		}
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save writes the config as YAML.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (c *Config) applyEnvOverrides() {
	if mode := os.Getenv("MINIRELOAD_MODE"); mode != "" {
		c.Mode = mode
	}
	if level := os.Getenv("MINIRELOAD_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if debug := os.Getenv("MINIRELOAD_DEBUG"); debug != "" {
		c.Logging.DebugMode = debug == "1" || strings.EqualFold(debug, "true")
	}
	if addr := os.Getenv("MINIRELOAD_METRICS_ADDR"); addr != "" {
		c.Metrics.Enabled = true
		c.Metrics.Addr = addr
	}
}

// Validate checks the config for values the engine cannot use.
func (c *Config) Validate() error {
	switch source.Mode(c.Mode) {
	case source.ModeWatch, source.ModePoll:
	default:
		return fmt.Errorf("invalid mode: %q (valid: watch, poll)", c.Mode)
	}

	switch invoke.Policy(c.Launch.Policy) {
	case invoke.PolicyPreserve, invoke.PolicyReinstantiate:
	default:
		return fmt.Errorf("invalid launch policy: %q (valid: preserve, reinstantiate)", c.Launch.Policy)
	}

	for _, d := range []struct{ name, value string }{
		{"debounce", c.Debounce},
		{"retry_after", c.RetryAfter},
		{"launch.backoff", c.Launch.Backoff},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
	}

	return source.WatchSpec(c.Watch).Validate()
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetDebounce returns the parsed debounce window.
func (c *Config) GetDebounce() time.Duration {
	return parseDuration(c.Debounce, 50*time.Millisecond)
}

// GetRetryAfter returns the parsed retry backoff.
func (c *Config) GetRetryAfter() time.Duration {
	return parseDuration(c.RetryAfter, 100*time.Millisecond)
}

// GetLaunchBackoff returns the parsed launch loop backoff.
func (c *Config) GetLaunchBackoff() time.Duration {
	return parseDuration(c.Launch.Backoff, 100*time.Millisecond)
}

// EngineConfig converts the file config into an engine.Config.
func (c *Config) EngineConfig() engine.Config {
	ec := engine.DefaultConfig()
	ec.Watch = source.WatchSpec(c.Watch)
	ec.Mode = source.Mode(c.Mode)
	ec.Watcher.Debounce = c.GetDebounce()
	ec.AllowedImports = c.AllowedImports
	return ec
}

// InvokeConfig converts the file config into an invoke.Config.
func (c *Config) InvokeConfig() invoke.Config {
	return invoke.Config{RetryAfter: c.GetRetryAfter()}
}

// LaunchOptions converts the file config into an invoke.LaunchConfig.
func (c *Config) LaunchOptions() invoke.LaunchConfig {
	return invoke.LaunchConfig{
		HandlerMethod: c.Launch.Handler,
		Policy:        invoke.Policy(c.Launch.Policy),
		Backoff:       c.GetLaunchBackoff(),
	}
}
