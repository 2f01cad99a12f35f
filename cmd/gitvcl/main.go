package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/varnishops/gitvcl/internal/config"
	"github.com/varnishops/gitvcl/internal/controller"
	"github.com/varnishops/gitvcl/internal/git"
	"github.com/varnishops/gitvcl/internal/sync"
)

// Exit codes reported to the invoking scheduler
const (
	exitAborted    = 1
	exitPushFailed = 2
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile string
	dryRun  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "gitvcl",
	Short: "Mirror deployed VCL files from the controller into a Git repository",
	Long: `gitvcl pulls the deployed configuration files from the controller API,
writes new and changed files into the mirror repository, removes files that are
no longer deployed, and records the result as a single commit. With
git.push_to_repo enabled, the commit is pushed to the configured remote.

gitvcl performs one run per invocation and is meant to be started by a
scheduler such as cron or a systemd timer.`,
	Version:      fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runMirror,
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", config.DefaultPath, "path to the settings file")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "fetch and log the plan without touching the repository or the remote")
}

func runMirror(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, closeLog, err := setupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() {
		_ = closeLog()
	}()

	logger.Debug("configuration loaded",
		"config", cfgFile,
		"api_url", cfg.APIURL,
		"repo_folder", cfg.Git.RepoFolder,
		"push", cfg.Git.PushToRepo,
		"git_auth", cfg.Git.AuthMethod())

	// Create dependencies
	fetcher := controller.NewClient(cfg.BaseURL(), controller.Credentials{
		Username:     cfg.Controller.Username,
		Password:     cfg.Controller.Password,
		Organization: cfg.Controller.Organization,
	}, &http.Client{Timeout: cfg.HTTP.Timeout}, logger)
	gitClient := git.NewShellClient(cfg.Git.SSHKey, cfg.Git.HTTPSTokenFile, logger)

	engine := sync.NewEngine(cfg, fetcher, gitClient, logger, dryRun)
	if _, err := engine.Run(ctx); err != nil {
		return err
	}
	return nil
}

// setupLogger builds the run logger. The returned func closes the log file.
func setupLogger(cfg config.LoggingConfig) (*slog.Logger, func() error, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	closeFn := func() error { return nil }
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
		closeFn = f.Close
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler), closeFn, nil
}

// exitCode maps a run error to the process exit status
func exitCode(err error) int {
	if errors.Is(err, sync.ErrPushFailed) {
		return exitPushFailed
	}
	return exitAborted
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
