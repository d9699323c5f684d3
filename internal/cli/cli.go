// ============================================================================
// spectrum-fit CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the specfit command line interface based on Cobra
//
// Command Structure:
//   specfit                        # Root command
//   ├── fit <histogram>            # One fit, prints the result text
//   ├── batch <histogram>          # Detect (or --peaks) and batch-fit
//   ├── serve                      # Engine + gRPC surface + metrics + autosave
//   ├── fits                       # List fits of a running server (gRPC)
//   ├── export                     # Export a saved session to CSV/JSON
//   ├── status                     # Effective configuration and session files
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// Configuration Management:
//   YAML config file (default: configs/default.yaml). Missing keys keep the
//   defaults from DefaultConfig; a missing default file means all defaults.
//   Sections:
//   - fit: default model/options, refit and render delays, timeout
//   - batch: step delay, half width, model
//   - render: preview size
//   - peaks: detector settings
//   - session: file or sqlite store, journal, autosave
//   - metrics / server / log
//
// serve Command:
//   1. Load config and set up logging
//   2. Open the session store and journal, create the engine
//   3. Recover (snapshot + journal replay), start autosave
//   4. Start the gRPC server and the metrics HTTP server (if enabled)
//   5. Wait for SIGINT/SIGTERM, then stop the gRPC server, close the
//      engine (final save) and the store
//
//   Examples:
//     ./specfit serve --histogram data/co60.txt
//     ./specfit serve -c custom-config.yaml
//
// Histogram files:
//   Plain text, one bin per line: "center counts" or "low high counts".
//   Lines starting with # are comments.
//
// ============================================================================

package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/spectrum-fit/internal/backend"
	"github.com/ChuLiYu/spectrum-fit/internal/batch"
	"github.com/ChuLiYu/spectrum-fit/internal/peaks"
	"github.com/ChuLiYu/spectrum-fit/internal/render"
	"github.com/ChuLiYu/spectrum-fit/internal/session"
	"github.com/ChuLiYu/spectrum-fit/internal/storage/sqlite"
	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

var log = slog.Default()

// DefaultConfigPath is where the config is read from unless -c is given.
const DefaultConfigPath = "configs/default.yaml"

// Config represents the complete configuration
// Maps config file fields through YAML tags
type Config struct {
	Fit struct {
		DefaultModel   string        `yaml:"default_model"`
		DefaultOptions string        `yaml:"default_options"`
		RefitDelay     time.Duration `yaml:"refit_delay"`
		RenderDelay    time.Duration `yaml:"render_delay"`
		Timeout        time.Duration `yaml:"timeout"`
	} `yaml:"fit"`

	Batch struct {
		StepDelay         time.Duration `yaml:"step_delay"`
		HalfWidth         float64       `yaml:"half_width"`
		HalfWidthFraction float64       `yaml:"half_width_fraction"`
		Model             string        `yaml:"model"`
	} `yaml:"batch"`

	Render struct {
		Width  int     `yaml:"width"`
		Height int     `yaml:"height"`
		XMin   float64 `yaml:"x_min"`
		XMax   float64 `yaml:"x_max"`
		LogY   bool    `yaml:"log_y"`
	} `yaml:"render"`

	Peaks struct {
		Sigma     float64 `yaml:"sigma"`
		Threshold float64 `yaml:"threshold"`
		EnergyMin float64 `yaml:"energy_min"`
		EnergyMax float64 `yaml:"energy_max"`
	} `yaml:"peaks"`

	Session struct {
		Backend          string        `yaml:"backend"` // file | sqlite
		SnapshotPath     string        `yaml:"snapshot_path"`
		JournalPath      string        `yaml:"journal_path"`
		SQLitePath       string        `yaml:"sqlite_path"`
		Name             string        `yaml:"name"`
		AutosaveInterval time.Duration `yaml:"autosave_interval"`
		JournalBuffer    int           `yaml:"journal_buffer"`
		JournalFlush     time.Duration `yaml:"journal_flush"`
		CompressArchives bool          `yaml:"compress_archives"`
		KeepBackups      int           `yaml:"keep_backups"` // file backend only
	} `yaml:"session"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text | json
	} `yaml:"log"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	var cfg Config
	cfg.Fit.DefaultModel = string(types.ModelGaussian)
	cfg.Fit.DefaultOptions = backend.DefaultOptions
	cfg.Fit.RefitDelay = session.DefaultRefitDelay
	cfg.Fit.RenderDelay = session.DefaultRenderDelay

	cfg.Batch.StepDelay = batch.DefaultStepDelay
	cfg.Batch.HalfWidth = batch.DefaultHalfWidth
	cfg.Batch.Model = string(types.ModelGaussian)

	cfg.Render.Width = render.DefaultWidth
	cfg.Render.Height = render.DefaultHeight

	cfg.Peaks.Sigma = peaks.DefaultSigma
	cfg.Peaks.Threshold = peaks.DefaultThreshold

	cfg.Session.Backend = "file"
	cfg.Session.SnapshotPath = "data/session.json"
	cfg.Session.JournalPath = "data/session.journal"
	cfg.Session.SQLitePath = "data/sessions.db"
	cfg.Session.Name = sqlite.DefaultSession
	cfg.Session.AutosaveInterval = 30 * time.Second

	cfg.Metrics.Port = 9090
	cfg.Server.Port = 50051
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return &cfg
}

// EngineConfig converts the file configuration to the engine's.
func (c *Config) EngineConfig() session.Config {
	ec := session.DefaultConfig()
	ec.RefitDelay = c.Fit.RefitDelay
	ec.RenderDelay = c.Fit.RenderDelay
	ec.DefaultModel = types.ModelKind(c.Fit.DefaultModel)
	ec.DefaultOptions = c.Fit.DefaultOptions
	ec.FitTimeout = c.Fit.Timeout
	ec.AutosaveInterval = c.Session.AutosaveInterval
	ec.Width = c.Render.Width
	ec.Height = c.Render.Height
	ec.Preview = c.previewOptions()
	ec.Batch = batch.Config{
		StepDelay:         c.Batch.StepDelay,
		HalfWidth:         c.Batch.HalfWidth,
		HalfWidthFraction: c.Batch.HalfWidthFraction,
		Model:             types.ModelKind(c.Batch.Model),
	}
	ec.Detector = peaks.Detector{
		Sigma:     c.Peaks.Sigma,
		Threshold: c.Peaks.Threshold,
		EnergyMin: c.Peaks.EnergyMin,
		EnergyMax: c.Peaks.EnergyMax,
	}
	return ec
}

func (c *Config) previewOptions() render.Options {
	return render.Options{XMin: c.Render.XMin, XMax: c.Render.XMax, LogY: c.Render.LogY}
}

var configFile string

// BuildCLI builds the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "specfit",
		Short: "specfit: interactive spectrum peak fitting engine",
		Long: `specfit fits peaks in 1-D histograms with:
- Gaussian, Landau, exponential and polynomial models
- debounced refits and batch fitting of detected peaks
- journalled sessions with snapshot-based recovery
- a gRPC surface and Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return setupLogging(cmd.ErrOrStderr(), cfg)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", DefaultConfigPath, "config file path")

	rootCmd.AddCommand(buildFitCommand())
	rootCmd.AddCommand(buildBatchCommand())
	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildFitsCommand())
	rootCmd.AddCommand(buildExportCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// loadConfig reads path over the defaults. A missing file at the default
// path yields the defaults.
func loadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == DefaultConfigPath {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Session.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("session.backend must be file or sqlite, got %q", c.Session.Backend)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Fit.Timeout < 0 {
		return fmt.Errorf("fit.timeout must not be negative")
	}
	if c.Session.KeepBackups < 0 {
		return fmt.Errorf("session.keep_backups must not be negative")
	}
	if err := c.previewOptions().Validate(); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// setupLogging installs the default slog logger.
func setupLogging(w io.Writer, cfg *Config) error {
	lvl, err := parseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if cfg.Log.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}
