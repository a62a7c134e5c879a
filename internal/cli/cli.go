// ============================================================================
// Beaver-Sync CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree and the wiring shared by every command
//
// Command Structure:
//   beaver-sync                         # Root command
//   ├── submit                          # Create one import job
//   │   └── --template --resource [--wait --poll-interval --timeout --from --to]
//   ├── status JOB_ID                   # Show a job [--progress --watch]
//   ├── cancel JOB_ID                   # Request cancellation
//   ├── run [NAME]                      # Run a pipeline once [--all --dry-run]
//   ├── pipelines                       # Manage pipeline records
//   │   ├── list
//   │   ├── add --name --template --resource [--schedule --initial-watermark]
//   │   ├── enable NAME
//   │   └── disable NAME
//   ├── history                         # Recent runs [--pipeline --limit]
//   ├── serve                           # Scheduler loop + /metrics
//   ├── --config, -c                    # Config file
//   └── --version
//
// Configuration:
//   configs/beaver-sync.yaml by default; a missing default file falls back to
//   built-in defaults. Credentials come from BEAVER_API_* variables.
//
// Exit codes:
//   0 success, 1 failure or error, 2 wait timeout, 3 resource busy,
//   4 authentication failure
//
// Output:
//   Human-readable results go to stdout, structured logs to stderr.
//
// ============================================================================

package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/ChuLiYu/beaver-sync/internal/apperror"
	"github.com/ChuLiYu/beaver-sync/internal/auth"
	"github.com/ChuLiYu/beaver-sync/internal/config"
	"github.com/ChuLiYu/beaver-sync/internal/history"
	"github.com/ChuLiYu/beaver-sync/internal/importapi"
	"github.com/ChuLiYu/beaver-sync/internal/jobmanager"
	"github.com/ChuLiYu/beaver-sync/internal/logger"
	"github.com/ChuLiYu/beaver-sync/internal/metrics"
	"github.com/ChuLiYu/beaver-sync/internal/pipeline"
	"github.com/ChuLiYu/beaver-sync/internal/retry"
	"github.com/ChuLiYu/beaver-sync/internal/submitter"
	"github.com/ChuLiYu/beaver-sync/internal/waiter"
	"github.com/ChuLiYu/beaver-sync/pkg/types"
	"github.com/spf13/cobra"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "configs/beaver-sync.yaml"

// Version is overridden at build time with -ldflags.
var Version = "0.1.0"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beaver-sync",
		Short: "Beaver-Sync: incremental graph import orchestration",
		Long: `Beaver-Sync drives remote graph import jobs:
- OAuth token caching shared by every request
- Job submission that backs off while the target database is busy
- Polling with progress until a job terminates
- Watermarked pipelines that only advance after a verified success`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", DefaultConfigPath, "config file path")

	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildPipelinesCommand())
	rootCmd.AddCommand(buildHistoryCommand())
	rootCmd.AddCommand(buildServeCommand())

	return rootCmd
}

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch apperror.CodeOf(err) {
	case apperror.Timeout:
		return 2
	case apperror.ResourceBusy:
		return 3
	case apperror.Auth:
		return 4
	default:
		return 1
	}
}

// loadConfig reads the --config file. The default path may be absent.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configFile
	explicit := cmd.Flags().Changed("config")
	if !explicit && path == DefaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}

// ============================================================================
// Runtime wiring
// ============================================================================

// runtime holds the components one command invocation needs.
type runtime struct {
	cfg *config.Config
	log *slog.Logger
	out io.Writer

	jobs    *jobmanager.JobManager
	store   *pipeline.Store
	metrics *metrics.Collector

	// 只有需要遠端 API 的指令才會建立
	tokens    *auth.TokenManager
	client    *importapi.Client
	waiter    *waiter.Waiter
	submitter *submitter.Submitter

	history *history.DB
}

type setupOptions struct {
	api     bool
	history bool
	metrics *metrics.Collector
}

func setup(cmd *cobra.Command, opts setupOptions) (*runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(logger.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)

	rt := &runtime{
		cfg:     cfg,
		log:     log,
		out:     cmd.OutOrStdout(),
		jobs:    jobmanager.NewJobManager(),
		store:   pipeline.NewStore(cfg.Store.PipelinesFile),
		metrics: opts.metrics,
	}

	if opts.api {
		if err := rt.connect(); err != nil {
			return nil, err
		}
	}

	if opts.history {
		db, err := history.Open(cfg.Store.HistoryDB)
		if err != nil {
			log.Warn("Run history unavailable", "path", cfg.Store.HistoryDB, "error", err)
		} else {
			rt.history = db
		}
	}

	return rt, nil
}

// connect builds the token manager, API client, waiter and submitter.
func (rt *runtime) connect() error {
	cfg := rt.cfg
	if err := cfg.RequireAPI(); err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: cfg.API.Timeout}
	transient := retry.DefaultTransient()
	transient.MaxAttempts = cfg.API.MaxAttempts

	authCfg := auth.Config{
		TokenURL:     cfg.API.TokenURL,
		ClientID:     cfg.API.ClientID,
		ClientSecret: cfg.API.ClientSecret,
		HTTPClient:   httpClient,
		Retry:        transient,
		SafetyMargin: cfg.API.TokenMargin,
		Logger:       rt.log,
	}
	if rt.metrics != nil {
		authCfg.OnRefresh = rt.metrics.RecordTokenRefresh
	}
	tokens, err := auth.NewTokenManager(authCfg)
	if err != nil {
		return err
	}

	client, err := importapi.NewClient(importapi.Config{
		BaseURL:           cfg.API.BaseURL,
		OrganizationID:    cfg.API.OrganizationID,
		ProjectID:         cfg.API.ProjectID,
		HTTPClient:        httpClient,
		Retry:             transient,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		Burst:             cfg.API.Burst,
		Logger:            rt.log,
	}, tokens)
	if err != nil {
		return err
	}

	waitOpts := []waiter.Option{waiter.WithObserver(rt.jobs), waiter.WithLogger(rt.log)}
	subOpts := []submitter.Option{submitter.WithLogger(rt.log)}
	if rt.metrics != nil {
		waitOpts = append(waitOpts, waiter.WithPollRecorder(rt.metrics))
		subOpts = append(subOpts, submitter.WithConflictRecorder(rt.metrics))
	}

	rt.tokens = tokens
	rt.client = client
	rt.waiter = waiter.New(client, waitOpts...)
	rt.submitter = submitter.New(client, subOpts...)
	return nil
}

// runner builds a pipeline runner. Without API access only dry runs work.
func (rt *runtime) runner(progress waiter.ProgressFunc) *pipeline.Runner {
	opts := []pipeline.RunnerOption{
		pipeline.WithLogger(rt.log),
		pipeline.WithJobRegistrar(rt.jobs),
	}
	if rt.history != nil {
		opts = append(opts, pipeline.WithHistory(rt.history))
	}
	if rt.metrics != nil {
		opts = append(opts, pipeline.WithRunRecorder(rt.metrics))
	}
	if progress != nil {
		opts = append(opts, pipeline.WithProgress(progress))
	}

	var (
		sub pipeline.Submitter
		w   pipeline.Waiter
	)
	if rt.submitter != nil {
		sub, w = rt.submitter, rt.waiter
	}
	return pipeline.NewRunner(rt.store, sub, w, rt.defaults(), opts...)
}

func (rt *runtime) defaults() pipeline.Defaults {
	return pipeline.Defaults{
		PollInterval: rt.cfg.Wait.PollInterval,
		MaxWait:      rt.cfg.Wait.MaxWait,
		Retry:        rt.retryPolicy(),
	}
}

func (rt *runtime) retryPolicy() types.RetryPolicy {
	return types.RetryPolicy{
		MaxAttempts: rt.cfg.Submit.MaxAttempts,
		Delay:       rt.cfg.Submit.Delay,
		MaxDelay:    rt.cfg.Submit.MaxDelay,
		Multiplier:  rt.cfg.Submit.Multiplier,
	}
}

func (rt *runtime) Close() {
	if rt.history != nil {
		if err := rt.history.Close(); err != nil {
			rt.log.Warn("Failed to close history database", "error", err)
		}
	}
}
