package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	charmlog "github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/parser"
	"github.com/aluiziolira/go-scrape-catalog/pipeline"
	"github.com/aluiziolira/go-scrape-catalog/scraper"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		return 2
	}

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return 2
	}

	tables, err := parser.LoadTables(cfg.SelectorsFile)
	if err != nil {
		slog.Error("loading selector tables", slog.Any("error", config.Fatal(err)))
		return 2
	}
	table, ok := tables[cfg.Platform]
	if !ok {
		slog.Error("no selector table for platform",
			slog.String("platform", cfg.Platform),
			slog.Any("available", parser.Platforms(tables)),
		)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, finishing the current page")
	}()

	sink, err := pipeline.OpenSink(ctx, cfg.StorageDSN, cfg.Table)
	if err != nil {
		slog.Error("opening storage", slog.Any("error", err))
		return 2
	}
	defer func() {
		if err := sink.Close(); err != nil {
			slog.Error("close storage", slog.Any("error", err))
		}
	}()
	if cfg.CreateSchema {
		if err := sink.EnsureSchema(ctx); err != nil {
			slog.Error("creating schema", slog.Any("error", config.Fatal(err)))
			return 2
		}
	}

	writer, err := createWriter(cfg.OutputFormat, cfg.OutputFile)
	if err != nil {
		slog.Error("creating writer", slog.Any("error", err))
		return 2
	}
	if writer != nil {
		defer func() {
			if err := writer.Close(); err != nil {
				slog.Error("close writer", slog.Any("error", err))
			}
		}()
	}

	backend := newBackend(cfg)
	defer backend.Close()

	metrics := scraper.NewMetrics()
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	opts := []scraper.Option{scraper.WithMetrics(metrics), scraper.WithLogger(logger)}
	spin := newProgress()
	if spin != nil {
		opts = append(opts, scraper.WithProgress(spin.update))
	}

	crawler, err := scraper.NewCrawler(cfg, table, backend, opts...)
	if err != nil {
		slog.Error("initialising crawler", slog.Any("error", err))
		return 2
	}

	p := pipeline.NewPipeline(ctx, sink, writer, cfg)
	p.SetLogger(logger)
	p.Start(1)
	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	spin.start()
	summary, runErr := crawler.Run(ctx, p)
	spin.stop()

	if err := p.Close(); err != nil {
		slog.Error("export failed", slog.Any("error", err))
	}
	p.Stats().Apply(summary)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	printSummary(summary)
	if runErr != nil {
		slog.Error("crawl failed", slog.Any("error", runErr))
		if errors.Is(runErr, config.ErrFatalConfig) {
			return 2
		}
		return 1
	}
	if writer != nil && summary.RecordsEmitted > 0 {
		if err := writer.Validate(); err != nil {
			slog.Error("output validation failed", slog.Any("error", err))
			return 1
		}
	}
	return 0
}

// loadConfig layers SCRAPER_* environment defaults under command line flags.
func loadConfig(args []string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("scraper", flag.ContinueOnError)
	fs.StringVar(&cfg.Platform, "platform", cfg.Platform, "Selector table to crawl (flipkart, amazon, croma)")
	fs.StringVar(&cfg.SelectorsFile, "selectors", cfg.SelectorsFile, "JSON selector tables replacing the built-in ones")
	queries := fs.String("queries", strings.Join(cfg.Queries, ","), "Comma separated search terms")
	bands := fs.String("bands", joinInts(cfg.PriceBands), "Comma separated ascending price thresholds")
	fs.IntVar(&cfg.MinPrice, "min-price", cfg.MinPrice, "Lower bound of the first price band")
	fs.IntVar(&cfg.PageSize, "page-size", cfg.PageSize, "Expected cards per page (0 uses the selector table)")
	fs.IntVar(&cfg.MaxPages, "pages", cfg.MaxPages, "Maximum pages per partition")
	fs.IntVar(&cfg.MaxPageRetries, "page-retries", cfg.MaxPageRetries, "Refetches of a page whose card count does not match")
	fs.IntVar(&cfg.MaxConsecutiveFailures, "max-failures", cfg.MaxConsecutiveFailures, "Consecutive failed pages before a partition is abandoned")
	fs.IntVar(&cfg.Parallelism, "parallel", cfg.Parallelism, "Partitions crawled concurrently")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per-attempt request timeout")
	fs.DurationVar(&cfg.Delay, "delay", cfg.Delay, "Mandatory delay before every request")
	fs.DurationVar(&cfg.RandomDelay, "random-delay", cfg.RandomDelay, "Random jitter added to delay")
	fs.Float64Var(&cfg.HostRate, "host-rate", cfg.HostRate, "Requests per second per host (0 disables)")
	fs.IntVar(&cfg.HostBurst, "host-burst", cfg.HostBurst, "Host limiter burst")
	fs.IntVar(&cfg.Retry.MaxAttempts, "max-attempts", cfg.Retry.MaxAttempts, "Fetch attempts per page")
	fs.DurationVar(&cfg.Retry.BaseBackoff, "backoff", cfg.Retry.BaseBackoff, "Initial retry backoff")
	fs.DurationVar(&cfg.Retry.MaxBackoff, "backoff-max", cfg.Retry.MaxBackoff, "Maximum retry backoff")
	fs.DurationVar(&cfg.Retry.RateLimitCooldown, "cooldown", cfg.Retry.RateLimitCooldown, "Cooldown after a rate-limit signal")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "Fetch backend: http or browser")
	fs.StringVar(&cfg.StorageDSN, "dsn", cfg.StorageDSN, "Storage DSN (postgres://..., sqlite://path)")
	fs.StringVar(&cfg.Table, "table", cfg.Table, "Storage table name")
	fs.BoolVar(&cfg.CreateSchema, "create-schema", cfg.CreateSchema, "Create the storage table when missing")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Records per storage batch")
	fs.StringVar(&cfg.OutputFile, "output", cfg.OutputFile, "Export file path")
	fs.StringVar(&cfg.OutputFormat, "format", cfg.OutputFormat, "Export format: csv, json, or dual (empty disables export)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	fs.BoolVar(&cfg.RespectRobotsTxt, "respect-robots", cfg.RespectRobotsTxt, "Respect robots.txt directives")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Enable verbose logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Queries = config.SplitList(*queries)
	parsed, err := config.ParseBands(*bands)
	if err != nil {
		return nil, config.Fatal(err)
	}
	cfg.PriceBands = parsed
	cfg.OutputFormat = strings.ToLower(strings.TrimSpace(cfg.OutputFormat))
	if cfg.OutputFormat != "" && cfg.OutputFile == "" {
		ext := ".csv"
		if cfg.OutputFormat == "json" {
			ext = ".jsonl"
		}
		cfg.OutputFile = filepath.Join("output", cfg.Platform+ext)
	}
	return cfg, nil
}

func applyEnv(cfg *config.Config) error {
	if v, ok := config.EnvString("SCRAPER_PLATFORM"); ok {
		cfg.Platform = v
	}
	if v, ok := config.EnvString("SCRAPER_SELECTORS"); ok {
		cfg.SelectorsFile = v
	}
	if v, ok := config.EnvList("SCRAPER_QUERIES"); ok {
		cfg.Queries = v
	}
	if v, ok := config.EnvString("SCRAPER_BANDS"); ok {
		bands, err := config.ParseBands(v)
		if err != nil {
			return fmt.Errorf("SCRAPER_BANDS: %w", err)
		}
		cfg.PriceBands = bands
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"SCRAPER_PAGES", &cfg.MaxPages},
		{"SCRAPER_PAGE_SIZE", &cfg.PageSize},
		{"SCRAPER_PARALLEL", &cfg.Parallelism},
		{"SCRAPER_MAX_ATTEMPTS", &cfg.Retry.MaxAttempts},
		{"SCRAPER_BATCH_SIZE", &cfg.BatchSize},
	}
	for _, item := range ints {
		v, ok, err := config.EnvInt(item.key)
		if err != nil {
			return err
		}
		if ok {
			*item.dst = v
		}
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SCRAPER_TIMEOUT", &cfg.Timeout},
		{"SCRAPER_DELAY", &cfg.Delay},
		{"SCRAPER_RANDOM_DELAY", &cfg.RandomDelay},
		{"SCRAPER_COOLDOWN", &cfg.Retry.RateLimitCooldown},
	}
	for _, item := range durations {
		v, ok, err := config.EnvDuration(item.key)
		if err != nil {
			return err
		}
		if ok {
			*item.dst = v
		}
	}
	if v, ok := config.EnvString("SCRAPER_BACKEND"); ok {
		cfg.Backend = v
	}
	if v, ok := config.EnvString("SCRAPER_DSN"); ok {
		cfg.StorageDSN = v
	}
	if v, ok := config.EnvString("SCRAPER_TABLE"); ok {
		cfg.Table = v
	}
	if v, ok := config.EnvString("SCRAPER_OUTPUT"); ok {
		cfg.OutputFile = v
	}
	if v, ok := config.EnvString("SCRAPER_FORMAT"); ok {
		cfg.OutputFormat = v
	}
	if v, ok := config.EnvString("SCRAPER_METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}
	return nil
}

func newBackend(cfg *config.Config) scraper.Backend {
	if cfg.Backend == "browser" {
		return scraper.NewBrowserBackend(cfg)
	}
	return scraper.NewCollyBackend(cfg, nil)
}

func createWriter(format, filename string) (pipeline.OutputWriter, error) {
	switch format {
	case "":
		return nil, nil
	case "json":
		return pipeline.NewJSONWriter(filename)
	case "csv":
		return pipeline.NewCSVWriter(filename)
	case "dual":
		jsonFilename := strings.TrimSuffix(filename, ".csv") + ".jsonl"
		return pipeline.NewDualWriter(filename, jsonFilename)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func printSummary(summary *models.RunSummary) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(summary); err != nil {
		slog.Error("print summary", slog.Any("error", err))
	}
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ",")
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	if isTerminal(os.Stderr) {
		charmLevel := charmlog.InfoLevel
		if verbose {
			charmLevel = charmlog.DebugLevel
		}
		handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
			Level:           charmLevel,
			ReportTimestamp: true,
			TimeFormat:      time.Kitchen,
		})
		return slog.New(handler), level
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})), level
}

// progress drives a terminal spinner from crawler page reports.
type progress struct {
	spin *spinner.Spinner
}

func newProgress() *progress {
	if !isTerminal(os.Stderr) {
		return nil
	}
	return &progress{spin: spinner.New(spinner.CharSets[9], 100*time.Millisecond, spinner.WithWriter(os.Stderr))}
}

func (p *progress) update(pr scraper.Progress) {
	total := "?"
	if pr.TotalPages > 0 {
		total = fmt.Sprint(pr.TotalPages)
	}
	p.spin.Lock()
	p.spin.Suffix = fmt.Sprintf(" %s page %d/%s, %d records", pr.Partition, pr.Page, total, pr.Records)
	p.spin.Unlock()
}

func (p *progress) start() {
	if p != nil {
		p.spin.Start()
	}
}

func (p *progress) stop() {
	if p != nil {
		p.spin.Stop()
	}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
