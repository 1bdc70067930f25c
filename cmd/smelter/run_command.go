package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"smelter/internal/analysis"
	"smelter/internal/config"
	"smelter/internal/feedback"
	"smelter/internal/logging"
	"smelter/internal/pipeline"
	"smelter/internal/preflight"
	"smelter/internal/refactor"
	"smelter/internal/reports"
	"smelter/internal/scanner"
	"smelter/internal/services/deepseek"
	"smelter/internal/services/gemini"
	"smelter/internal/services/github"
	"smelter/internal/state"
	"smelter/internal/submission"
)

type runOptions struct {
	limit           int
	monitor         bool
	monitorInterval int
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Scan the repository and process candidate files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), ctx, cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().IntVar(&opts.limit, "limit", 0, "Process at most N files this invocation (0 = no extra cap)")
	cmd.Flags().BoolVar(&opts.monitor, "monitor", false, "Watch created pull requests and apply review feedback")
	cmd.Flags().IntVar(&opts.monitorInterval, "monitor-interval", 0, "Feedback poll interval in seconds (overrides config)")
	return cmd
}

func runPipeline(cmdCtx context.Context, ctx *commandContext, out io.Writer, opts runOptions) error {
	if cmdCtx == nil {
		cmdCtx = context.Background()
	}
	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := ctx.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sessionID := uuid.NewString()[:8]
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("smelter-%s.log", sessionID))
	logger, err := logging.New(logging.Options{
		Level:            cfg.Logging.Level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger = logger.With(logging.String("session", sessionID))

	results := preflight.RunAll(signalCtx, cfg)
	renderPreflight(out, results)
	if !preflight.Passed(results) {
		return fmt.Errorf("preflight checks failed")
	}

	store, err := state.Open(cfg.StatePath(), logger, state.WithMaxRetries(cfg.State.MaxRetries))
	if err != nil {
		return err
	}
	defer store.Close()

	p, err := buildPipeline(cfg, store, logger, opts)
	if err != nil {
		return err
	}

	result, err := p.Run(signalCtx)
	if err != nil {
		return err
	}
	renderRunResult(out, result)
	return nil
}

func buildPipeline(cfg *config.Config, store *state.Store, logger *slog.Logger, opts runOptions) (*pipeline.Pipeline, error) {
	geminiClient, err := gemini.New(cfg.Gemini, logger)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}

	var fallback analysis.SmellSource
	if cfg.DeepSeek.Enabled {
		deepseekClient, err := deepseek.New(cfg.DeepSeek, logger)
		if err != nil {
			return nil, fmt.Errorf("deepseek client: %w", err)
		}
		fallback = deepseekClient
	}

	githubClient, err := github.New(cfg.GitHub, logger)
	if err != nil {
		return nil, fmt.Errorf("github client: %w", err)
	}

	var monitor pipeline.Watcher
	if opts.monitor {
		feedbackCfg := cfg.Feedback
		if opts.monitorInterval > 0 {
			feedbackCfg.CheckIntervalSeconds = opts.monitorInterval
		}
		monitor = feedback.New(githubClient, geminiClient, feedbackCfg, logger)
	}

	return pipeline.New(pipeline.Options{
		Config:     cfg,
		Store:      store,
		Scanner:    scanner.New(cfg.Paths.RepoDir, cfg.Scan, logger),
		Detector:   analysis.NewDetector(geminiClient, fallback, logger),
		Refactorer: refactor.NewEngine(geminiClient, logger),
		Submitter:  submission.New(githubClient, logger),
		Monitor:    monitor,
		Reports:    reports.NewSaver(cfg.Paths.ReportDir, logger),
		Logger:     logger,
		Limit:      opts.limit,
	})
}

func renderPreflight(out io.Writer, results []preflight.Result) {
	colorize := shouldColorize(out)
	for _, line := range renderSectionHeader("Preflight", colorize) {
		fmt.Fprintln(out, line)
	}
	for _, result := range results {
		kind := statusOK
		if !result.Passed {
			kind = statusError
		}
		fmt.Fprintln(out, renderStatusLine(result.Name, kind, result.Detail, colorize))
	}
	fmt.Fprintln(out)
}

func renderRunResult(out io.Writer, result pipeline.RunResult) {
	fmt.Fprintf(out, "Run %d finished (resumed: %s)\n", result.RunID, yesNo(result.Resumed))
	fmt.Fprintf(out, "  discovered: %d  processed: %d  completed: %d  failed: %d  skipped: %d  PRs: %d\n",
		result.Discovered, result.Processed, result.Completed, result.Failed, result.Skipped, result.PRsCreated)
	if result.Interrupted {
		fmt.Fprintln(out, "  interrupted: remaining items will be picked up by the next run")
	}
}
