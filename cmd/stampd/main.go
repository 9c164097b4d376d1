package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/schaermu/stampd/internal/activation"
	"github.com/schaermu/stampd/internal/config"
	"github.com/schaermu/stampd/internal/history"
	"github.com/schaermu/stampd/internal/metrics"
	"github.com/schaermu/stampd/internal/processor"
	"github.com/schaermu/stampd/internal/reconcile"
	"github.com/schaermu/stampd/internal/runner"
	"github.com/schaermu/stampd/internal/scan"
	"github.com/schaermu/stampd/internal/webhook"
)

// exitFilesFailed is the process exit code when a run persisted its state
// but at least one file failed
const exitFilesFailed = 2

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool

	// Serve flags
	socketName string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.Is(err, reconcile.ErrFilesFailed) {
		return exitFilesFailed
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "stampd",
	Short: "Watermark and register new PDF files in Nextcloud group folders",
	Long: `stampd scans a directory tree for PDF files, compares the result with the
history of the previous run and processes only the new files: each one is
watermarked in place and then registered with the group folder scanner.

Files that fail are written to a failure report and retried on the next run.
It can run as a oneshot (via systemd timer) or as a long-running trigger
daemon that runs on authenticated HTTP requests.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run [normal|populate]",
	Short: "Process new files once",
	Long: `Run scans the configured root, computes new and removed files against the
stored history, watermarks and registers every new file and reconciles the
history so that failed files are retried next time.

In populate mode the current scan is stored as history without processing
anything, which is how existing files are adopted on first setup.

Exit status is 0 on success, 2 if some files failed and 1 on any other error.`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{string(reconcile.ModeNormal), string(reconcile.ModePopulate)},
	RunE:      runRun,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the trigger server",
	Long: `Serve performs an initial run and then starts a long-running HTTP server
that runs again whenever an authenticated POST /trigger arrives. Bursts of
triggers are debounced and never run concurrently. Optionally runs on a fixed
interval as well.

The listener can be passed in through systemd socket activation.`,
	RunE: runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show history and failures of the last run",
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("stampd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/stampd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Run command flags
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	// Serve command flags
	serveCmd.Flags().StringVar(&socketName, "socket-name", "", "only use the activated socket with this FileDescriptorName")

	// Add commands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	mode := reconcile.ModeNormal
	if len(args) > 0 {
		var err error
		if mode, err = reconcile.ParseMode(args[0]); err != nil {
			return err
		}
	}

	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, _ := newEngine(cfg, logger, dryRun)

	summary, err := engine.Run(ctx, mode)
	if shouldPrintSummary(err) {
		summary.Print(cmd.OutOrStdout(), cfg.FailureFilePath())
	}
	if err != nil && !errors.Is(err, reconcile.ErrFilesFailed) {
		logger.Error("run failed", "error", err)
	}
	return err
}

// shouldPrintSummary reports whether a run got far enough to persist state
func shouldPrintSummary(err error) bool {
	return err == nil ||
		errors.Is(err, reconcile.ErrFilesFailed) ||
		errors.Is(err, context.Canceled)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve is disabled in configuration (set serve.enabled: true)")
	}

	engine, recorder := newEngine(cfg, logger, false)
	run := func(ctx context.Context) (*reconcile.Summary, error) {
		return engine.Run(ctx, reconcile.ModeNormal)
	}

	srv, err := webhook.NewServer(cfg, run, recorder.Handler(), logger)
	if err != nil {
		return fmt.Errorf("failed to create trigger server: %w", err)
	}

	listeners, err := activation.Listeners(socketName)
	if err != nil {
		return fmt.Errorf("failed to get activated sockets: %w", err)
	}

	return srv.Start(ctx, listeners)
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fsys := afero.NewOsFs()
	st, err := collectStatus(cfg,
		history.NewStore(fsys, cfg.HistoryFilePath(), logger),
		history.NewFailureReport(fsys, cfg.FailureFilePath()),
		fsys)
	if err != nil {
		return err
	}

	st.Print(cmd.OutOrStdout())
	return nil
}

// newEngine wires the production collaborators of a run
func newEngine(cfg *config.Config, logger *slog.Logger, dryRun bool) (*reconcile.Engine, *metrics.Recorder) {
	fsys := afero.NewOsFs()

	engine := reconcile.NewEngine(cfg,
		scan.NewScanner(cfg.Scan.Extensions, logger),
		history.NewStore(fsys, cfg.HistoryFilePath(), logger),
		history.NewFailureReport(fsys, cfg.FailureFilePath()),
		processor.NewPipeline(cfg, runner.NewExecRunner(logger), logger),
		logger, dryRun)

	recorder := metrics.NewRecorder(cfg.Metrics.Textfile, logger)
	engine.SetObserver(recorder)

	return engine, recorder
}

func setupLogger() *slog.Logger {
	return newLogger(os.Stderr)
}

func newLogger(w io.Writer) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/stampd/config.yaml", home)
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"scan_root", cfg.Paths.ScanRoot,
		"state_dir", cfg.Paths.StateDir,
		"transform", cfg.Transform.Command,
		"register", cfg.Register.Command,
		"workers", cfg.Processing.Workers)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
