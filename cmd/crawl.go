package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lienwatch/noticecrawl/internal/browser"
	"github.com/lienwatch/noticecrawl/internal/captcha"
	"github.com/lienwatch/noticecrawl/internal/config"
	"github.com/lienwatch/noticecrawl/internal/crawl"
	"github.com/lienwatch/noticecrawl/internal/extract"
	"github.com/lienwatch/noticecrawl/internal/logging"
	"github.com/lienwatch/noticecrawl/internal/metrics"
	"github.com/lienwatch/noticecrawl/internal/pacing"
	"github.com/lienwatch/noticecrawl/internal/preflight"
	"github.com/lienwatch/noticecrawl/internal/recovery"
	"github.com/lienwatch/noticecrawl/internal/sink"
	"github.com/lienwatch/noticecrawl/internal/status"
	"github.com/lienwatch/noticecrawl/internal/vpn"
)

// newCrawlCmd creates the 'crawl' subcommand, which runs one full pass over
// the configured search. Its flags are bound over viper, so they override
// both the config file and environment.
func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs one crawl over yesterday's notices",
		RunE:  runCrawlCommand,
	}
	cmd.Flags().Bool("headless", true, "run the browser headless")
	cmd.Flags().StringSlice("keywords", nil, "search keywords")
	cmd.Flags().Int("day-window", 0, "days back from yesterday to include in the search range")
	cmd.Flags().Int("max-pages", 0, "maximum result pages to crawl (0 = unbounded)")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics.Init()
	runID := uuid.New().String()
	logger = logger.With(zap.String("run_id", runID))

	tunnel := vpn.New(vpn.Config{
		Enabled:  cfg.VPN.Enabled,
		Relay:    cfg.VPN.Relay,
		Required: cfg.VPN.Required,
	}, logger.Named("vpn"))
	if err := tunnel.EnsureConnected(ctx); err != nil {
		return fmt.Errorf("vpn: %w", err)
	}
	defer tunnel.Disconnect(context.Background())

	if cfg.Preflight.Enabled {
		prober := preflight.New(preflight.Config{
			Timeout: time.Duration(cfg.Preflight.TimeoutSeconds) * time.Second,
		}, logger.Named("preflight"))
		if _, err := prober.Check(ctx, cfg.Search.URL); err != nil {
			return fmt.Errorf("preflight: %w", err)
		}
	}

	drv, err := browser.NewChromedp(browser.Config{
		Headless:   cfg.Browser.Headless,
		NavTimeout: cfg.NavTimeout(),
		OpTimeout:  cfg.OpTimeout(),
	}, logger.Named("browser"))
	if err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	defer drv.Close()

	pacer := pacing.New(pacing.Config{
		MinDelay:            secondsToDuration(cfg.Pacing.MinDelaySeconds),
		MaxDelay:            secondsToDuration(cfg.Pacing.MaxDelaySeconds),
		LongPauseEvery:      cfg.Pacing.LongPauseEvery,
		LongPauseMin:        secondsToDuration(cfg.Pacing.LongPauseMinSeconds),
		LongPauseMax:        secondsToDuration(cfg.Pacing.LongPauseMaxSeconds),
		MaxActionsPerSecond: cfg.Pacing.MaxActionsPerSecond,
	}, logger.Named("pacing"))

	var solver captcha.Solver
	if cfg.Captcha.APIKey != "" {
		solver, err = captcha.NewTwoCaptcha(captcha.TwoCaptchaConfig{
			APIKey:       cfg.Captcha.APIKey,
			BaseURL:      cfg.Captcha.BaseURL,
			PollInterval: time.Duration(cfg.Captcha.PollIntervalSeconds) * time.Second,
			Timeout:      time.Duration(cfg.Captcha.TimeoutSeconds) * time.Second,
		}, logger.Named("solver"))
		if err != nil {
			return fmt.Errorf("init solver: %w", err)
		}
	} else {
		logger.Warn("no solver API key configured, image challenges will be abandoned")
	}
	engine := captcha.NewEngine(drv, solver, pacer, logger.Named("captcha"))

	var extractor *extract.ModelExtractor
	if cfg.Extract.APIKey != "" {
		extractor = extract.New(extract.Config{
			APIKey:    cfg.Extract.APIKey,
			Model:     cfg.Extract.Model,
			MaxTokens: cfg.Extract.MaxTokens,
		}, logger.Named("extract"))
	} else {
		extractor = extract.NewWithClient(extract.Config{}, nil, logger.Named("extract"))
		logger.Info("no extraction API key configured, using pattern extraction only")
	}

	out, err := buildSink(ctx, cfg, runID, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); cerr != nil {
			logger.Warn("close sink", zap.Error(cerr))
		}
	}()

	navigator := recovery.NewNavigator(drv, recovery.Config{
		ResultsTableSelector: "#ctl00_ContentPlaceHolder1_WSExtendedGridNP1_GridView1",
		RowSelector:          "input[id*='btnView2'].viewButton",
		MinRows:              cfg.Recovery.MinRows,
	}, logger.Named("recovery"))

	controller := crawl.New(drv, engine, pacer, navigator, extractor, out, crawl.Config{
		SearchURL:        cfg.Search.URL,
		Keywords:         cfg.Search.Keywords,
		DayWindow:        cfg.Search.DayWindow,
		PageSize:         cfg.Search.PageSize,
		MaxPages:         cfg.Search.MaxPages,
		AbortOnDetection: cfg.Search.AbortOnDetection,
	}, runID, logger.Named("crawl"))

	var statusSrv *status.Server
	if cfg.Status.Enabled {
		statusSrv = status.NewServer(cfg.Status.Port, func() status.Snapshot {
			s := controller.Snapshot()
			return status.Snapshot{
				RunID:               s.RunID,
				SearchDate:          s.SearchDate.Format("2006-01-02"),
				PagesCrawled:        s.PagesCrawled,
				NoticesProcessed:    s.NoticesProcessed,
				RecordsWritten:      s.RecordsWritten,
				ChallengesSolved:    s.ChallengesSolved,
				ChallengesAbandoned: s.ChallengesAbandoned,
			}
		}, logger.Named("status"))
		statusSrv.Start()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if serr := statusSrv.Shutdown(shutCtx); serr != nil {
				logger.Warn("status server shutdown", zap.Error(serr))
			}
		}()
	}

	summary, err := controller.Run(ctx)
	logSummary(logger, summary, extractor.Stats())
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("crawl: %w", err)
	}
	return nil
}

// buildSink assembles the output chain: CSV always, Postgres mirrored
// behind it when enabled.
func buildSink(ctx context.Context, cfg config.Config, runID string, logger *zap.Logger) (sink.Sink, error) {
	csvSink, err := sink.NewCSVSink(cfg.Output.Dir, crawl.SearchDate(time.Now()), logger.Named("csv"))
	if err != nil {
		return nil, fmt.Errorf("open csv sink: %w", err)
	}
	if !cfg.DB.Enabled {
		return csvSink, nil
	}
	pgSink, err := sink.NewPostgresSink(ctx, cfg.DB.DSN, runID, logger.Named("postgres"))
	if err != nil {
		// The CSV file is the output contract; the database is a mirror.
		logger.Warn("postgres sink unavailable, continuing with csv only", zap.Error(err))
		return csvSink, nil
	}
	return sink.NewTee(csvSink, pgSink, logger.Named("sink")), nil
}

// Published per-unit prices for the paid services, used only for the
// end-of-run estimate.
const (
	solverCostPerSolveUSD = 0.003
	modelCostPerCallUSD   = 0.002
)

func estimateRunCostUSD(challengesSolved int, modelCalls int64) float64 {
	return float64(challengesSolved)*solverCostPerSolveUSD +
		float64(modelCalls)*modelCostPerCallUSD
}

func logSummary(logger *zap.Logger, s crawl.Summary, stats extract.Stats) {
	logger.Info("run finished",
		zap.Time("search_date", s.SearchDate),
		zap.Int("pages", s.PagesCrawled),
		zap.Int("notices", s.NoticesProcessed),
		zap.Int("records", s.RecordsWritten),
		zap.Int("challenges_solved", s.ChallengesSolved),
		zap.Int("challenges_abandoned", s.ChallengesAbandoned),
		zap.Int64("model_calls", stats.ModelCalls),
		zap.Int64("model_failures", stats.ModelFailures),
		zap.Int64("fallback_extractions", stats.FallbackApplied),
		zap.String("estimated_cost_usd",
			fmt.Sprintf("%.3f", estimateRunCostUSD(s.ChallengesSolved, stats.ModelCalls))),
		zap.Int("fallback_records", len(s.Fallback)),
		zap.String("output", s.OutputPath),
	)
	for _, rec := range s.Fallback {
		logger.Warn("unwritten record",
			zap.String("notice_id", rec.NoticeID),
			zap.String("link", rec.Link),
		)
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
