// hcptensor fetches HCP resting-state volumes and consolidates them into
// training tensors.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hcptensor/hcptensor/internal/catalog"
	"github.com/hcptensor/hcptensor/internal/config"
	"github.com/hcptensor/hcptensor/internal/metrics"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Global flags
var (
	logLevel   string
	jsonOutput string
	verbose    bool
	configPath string
	baseDir    string
)

// Exit codes
const (
	exitFailure = 1
	exitUsage   = 2
)

const defaultConfigPath = "hcptensor.yaml"

var (
	cfg   *config.Config
	runID string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode separates setup problems (bad config, no base dir, no
// credentials) from failures during a run.
func exitCode(err error) int {
	if errors.Is(err, config.ErrInvalid) || errors.Is(err, catalog.ErrNoCredentials) {
		return exitUsage
	}
	return exitFailure
}

var rootCmd = &cobra.Command{
	Use:   "hcptensor",
	Short: "Fetch and consolidate HCP resting-state volumes",
	Long: `hcptensor downloads one resting-state fMRI volume per subject from the HCP
bucket, downsamples each volume once, and consolidates the local collection into
two tensors: all volumes stacked, and per-region time series from an atlas.

Every stage can be interrupted and re-run; finished work is detected and skipped.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildTime),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return loadConfig(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&jsonOutput, "json", "", "Write the run summary to a JSON file")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Log raw JSON lines instead of console output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", "", "Local root holding subject_<id> directories")

	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(buildCmd)
}

func setupLogging() {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if !verbose {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
			NoColor:    false,
		})
	}
	runID = uuid.NewString()
	log.Logger = log.With().Str("run_id", runID).Logger()
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist, then applies flag overrides and validates.
func loadConfig(cmd *cobra.Command) error {
	var c *config.Config
	if _, err := os.Stat(configPath); err == nil {
		c, err = config.Load(configPath)
		if err != nil {
			return err
		}
	} else if cmd.Flags().Changed("config") {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	} else {
		c = config.Default()
	}

	if cmd.Flags().Changed("base-dir") {
		derived := c.DataDir == "" || c.DataDir == filepath.Join(c.BaseDir, "data")
		c.BaseDir = baseDir
		if derived {
			c.DataDir = ""
		}
		c.ApplyDefaults()
	}
	if err := c.Validate(); err != nil {
		return err
	}
	cfg = c
	return nil
}

// runStage wraps a stage with signal handling, the metrics endpoint and the
// textfile export.
func runStage(stage func(ctx context.Context, m *metrics.PipelineMetrics) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			select {
			case <-sigCh:
				log.Info().Msg("Received interrupt signal, shutting down...")
				cancel()
			case <-ctx.Done():
			}
		}()

		m := metrics.InitPipelineMetrics(metrics.Registry)
		stopServer := serveMetrics(cfg.Metrics.Listen)
		defer stopServer()
		go metrics.RunMemorySampler(ctx, m, 10*time.Second)

		err := stage(ctx, m)

		if cfg.Metrics.Textfile != "" {
			if werr := metrics.WriteTextfile(cfg.Metrics.Textfile); werr != nil {
				log.Warn().Err(werr).Str("path", cfg.Metrics.Textfile).Msg("failed to write metrics textfile")
			}
		}
		return err
	}
}

// serveMetrics exposes the registry on addr until the returned func is called.
func serveMetrics(addr string) func() {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Str("listen", addr).Msg("metrics server stopped")
		}
	}()
	log.Info().Str("listen", addr).Msg("serving metrics")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
