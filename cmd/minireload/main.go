package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"minireload/internal/config"
	"minireload/internal/engine"
	"minireload/internal/logging"
	"minireload/internal/metrics"
	"minireload/internal/source"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath  string
	verbose     bool
	metricsAddr string
	watchRoots  []string
	pollMode    bool

	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "minireload",
	Short: "Hot-reload Go source files while they run",
	Long: `minireload interprets Go source files and re-evaluates them whenever they
change on disk, so a long-running loop keeps calling the newest version of
your code. Broken edits are reported and the last good version keeps running.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		if pollMode {
			cfg.Mode = string(source.ModePoll)
		}
		if metricsAddr != "" {
			cfg.Metrics.Enabled = true
			cfg.Metrics.Addr = metricsAddr
		}
		for _, w := range watchRoots {
			root, err := source.ParseRoot(w)
			if err != nil {
				return fmt.Errorf("invalid --watch %q: %w", w, err)
			}
			cfg.Watch = append(cfg.Watch, root)
		}
		if err := logging.Initialize(cfg.Logging.ToLogging()); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		appConfig = cfg
		logging.BootDebug("config loaded from %s (mode %s, %d roots)", configPath, cfg.Mode, len(cfg.Watch))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "minireload.yaml", "Config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address")
	rootCmd.PersistentFlags().StringArrayVarP(&watchRoots, "watch", "w", nil, "Directory to watch, DIR or DIR:r for recursive (repeatable)")
	rootCmd.PersistentFlags().BoolVar(&pollMode, "poll", false, "Re-check every unit on each call instead of watching")

	rootCmd.AddCommand(runCmd, launchCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openEngine builds an engine from the loaded config. Without any watch
// root the directory of file is watched, non-recursively.
func openEngine(ctx context.Context, file string) (*engine.Engine, func(), error) {
	if appConfig == nil {
		appConfig = config.DefaultConfig()
	}
	cfg := appConfig
	if len(cfg.Watch) == 0 && file != "" {
		abs, err := filepath.Abs(file)
		if err != nil {
			return nil, nil, err
		}
		cfg.Watch = []source.Root{{Path: filepath.Dir(abs)}}
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	ec := cfg.EngineConfig()
	stopMetrics := func() {}
	if cfg.Metrics.Enabled {
		ec.Metrics = metrics.New()
		stopMetrics = serveMetrics(ctx, cfg.Metrics.Addr, ec.Metrics)
	}

	eng, err := engine.New(ec)
	if err != nil {
		stopMetrics()
		return nil, nil, err
	}
	logging.Boot("engine started in %s mode with %d units", eng.Mode(), len(eng.Units()))
	return eng, func() {
		_ = eng.Close()
		stopMetrics()
	}, nil
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logging.Boot("serving metrics on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.BootWarn("metrics server: %v", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}
