// Package scraper runs the partitioned listing crawl: planning price bands,
// fetching pages resiliently, validating page counts and emitting records.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/parser"
	"github.com/aluiziolira/go-scrape-catalog/pipeline"
)

// Progress is reported after every page a partition finishes with.
type Progress struct {
	Partition  string
	Page       int
	TotalPages int
	Records    int
}

// Option customises a Crawler.
type Option func(*Crawler)

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(c *Crawler) { c.metrics = m }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Crawler) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithProgress registers a callback invoked after each page.
func WithProgress(fn func(Progress)) Option {
	return func(c *Crawler) { c.progress = fn }
}

// Crawler drives one run over every planned partition.
type Crawler struct {
	cfg        *config.Config
	table      *parser.Table
	extractor  *parser.Extractor
	fetcher    *Fetcher
	partitions []models.Partition
	pageSize   int

	metrics  *Metrics
	logger   *slog.Logger
	progress func(Progress)
}

// NewCrawler checks the configuration and plans the partitions. Every error
// it returns wraps config.ErrFatalConfig; nothing has been fetched yet.
func NewCrawler(cfg *config.Config, table *parser.Table, backend Backend, opts ...Option) (*Crawler, error) {
	if cfg == nil {
		return nil, config.Fatal(errors.New("config is nil"))
	}
	if err := cfg.Validate(); err != nil {
		return nil, config.Fatal(err)
	}
	if table == nil {
		return nil, config.Fatal(fmt.Errorf("no selector table for platform %q", cfg.Platform))
	}
	if backend == nil {
		return nil, config.Fatal(errors.New("no fetch backend"))
	}
	partitions, err := Plan(cfg)
	if err != nil {
		return nil, err
	}

	c := &Crawler{
		cfg:        cfg,
		table:      table,
		extractor:  parser.NewExtractor(table),
		partitions: partitions,
		pageSize:   table.PageSize,
		logger:     slog.Default(),
	}
	if cfg.PageSize > 0 {
		c.pageSize = cfg.PageSize
	}
	for _, opt := range opts {
		opt(c)
	}
	limiter := NewHostLimiter(cfg.HostRate, cfg.HostBurst)
	c.fetcher = NewFetcher(backend, table, cfg, limiter, c.metrics, c.logger)
	return c, nil
}

// Partitions returns the planned partitions in crawl order.
func (c *Crawler) Partitions() []models.Partition {
	out := make([]models.Partition, len(c.partitions))
	copy(out, c.partitions)
	return out
}

// Run crawls every partition and feeds records into p. Fetch, validation,
// extraction and persistence problems are absorbed into the summary;
// cancelling ctx stops the run at the next page boundary and still returns
// the summary. The caller closes p and applies its stats.
func (c *Crawler) Run(ctx context.Context, p *pipeline.Pipeline) (*models.RunSummary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	summary := &models.RunSummary{
		RunID:        uuid.NewString(),
		StartTime:    time.Now(),
		ErrorsByType: make(map[string]int),
	}
	logger := c.logger.With(slog.String("run_id", summary.RunID))
	logger.Info("crawl started",
		slog.String("platform", c.table.Platform),
		slog.Int("partitions", len(c.partitions)),
		slog.Int("page_size", c.pageSize),
		slog.Int("parallelism", c.cfg.Parallelism),
	)

	var err error
	if c.cfg.Parallelism > 1 && len(c.partitions) > 1 {
		err = c.runParallel(ctx, p, summary, logger)
	} else {
		err = c.runSequential(ctx, p, summary, logger)
	}

	summary.EndTime = time.Now()
	if ctx.Err() != nil {
		summary.Aborted = true
	}
	logger.Info("crawl finished",
		slog.Bool("aborted", summary.Aborted),
		slog.Int("pages_fetched", summary.PagesFetched),
		slog.Int("pages_skipped", summary.PagesSkipped),
		slog.Int("records_emitted", summary.RecordsEmitted),
		slog.Int("duplicates_rejected", summary.DuplicatesRejected),
		slog.Duration("elapsed", summary.EndTime.Sub(summary.StartTime)),
	)
	return summary, err
}

func (c *Crawler) runSequential(ctx context.Context, p *pipeline.Pipeline, summary *models.RunSummary, logger *slog.Logger) error {
	session, err := NewSession(c.cfg.Identities, 0)
	if err != nil {
		return err
	}
	for _, part := range c.partitions {
		if ctx.Err() != nil {
			return nil
		}
		partial := newPartial()
		err := c.crawlPartition(ctx, session, part, p, partial, logger)
		mergeSummary(summary, partial)
		if err != nil {
			return err
		}
	}
	return nil
}

// runParallel gives every partition its own session; only the host limiter
// inside the fetcher is shared.
func (c *Crawler) runParallel(ctx context.Context, p *pipeline.Pipeline, summary *models.RunSummary, logger *slog.Logger) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Parallelism)

	for i, part := range c.partitions {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			session, err := NewSession(c.cfg.Identities, i)
			if err != nil {
				return err
			}
			partial := newPartial()
			err = c.crawlPartition(gctx, session, part, p, partial, logger)
			mu.Lock()
			mergeSummary(summary, partial)
			mu.Unlock()
			return err
		})
	}
	return g.Wait()
}

func (c *Crawler) crawlPartition(ctx context.Context, session *Session, part models.Partition, p *pipeline.Pipeline, s *models.RunSummary, logger *slog.Logger) error {
	logger = logger.With(slog.String("partition", part.String()))
	logger.Info("partition started")

	v := NewValidator(c.pageSize, c.cfg.MaxPages, c.cfg.MaxPageRetries)
	failures := 0
	for page := 1; ; page++ {
		if ctx.Err() != nil {
			logger.Warn("partition aborted", slog.Int("page", page))
			return nil
		}

		pageURL := c.table.PageURL(part.Query, part.MinPrice, part.MaxPrice, page)
		listing, err := c.fetchPage(ctx, session, v, page, pageURL, s, logger)
		if err != nil {
			s.PagesSkipped++
			c.metrics.IncPage("skipped")
			failures++
			logger.Warn("page skipped",
				slog.Int("page", page),
				slog.String("url", pageURL),
				slog.Any("error", err),
			)
			c.report(part, page, v, s)
			if failures >= c.cfg.MaxConsecutiveFailures {
				logger.Error("partition abandoned after consecutive failures", slog.Int("failures", failures))
				break
			}
			if !v.Continue(page, -1) {
				break
			}
			continue
		}
		failures = 0
		s.PagesFetched++

		if err := c.emit(listing, part, p, s, logger); err != nil {
			return err
		}
		c.report(part, page, v, s)
		if !v.Continue(page, len(listing.Cards)) {
			break
		}
	}

	s.PartitionsProcessed++
	totalPages, known := v.TotalPages()
	logger.Info("partition finished",
		slog.Int("pages_fetched", s.PagesFetched),
		slog.Int("pages_skipped", s.PagesSkipped),
		slog.Int("records_emitted", s.RecordsEmitted),
		slog.Int("total_pages", totalPages),
		slog.Bool("total_known", known),
	)
	return nil
}

// fetchPage fetches and validates one page, refetching mismatched pages up
// to the retry bound and then accepting the fullest fetch.
func (c *Crawler) fetchPage(ctx context.Context, session *Session, v *Validator, page int, pageURL string, s *models.RunSummary, logger *slog.Logger) (*parser.Page, error) {
	var best *parser.Page
	for retry := 0; ; retry++ {
		out := c.fetcher.Fetch(ctx, session, pageURL)
		recordOutcome(s, out)
		if !out.OK() {
			if best != nil {
				s.PagesWithGaps++
				c.metrics.IncPage("gap")
				return best, nil
			}
			return nil, out.Err
		}

		listing, err := parser.ParsePage(out.Body, pageURL, c.table)
		if err != nil {
			s.ErrorsByType["parse"]++
			if best != nil {
				s.PagesWithGaps++
				c.metrics.IncPage("gap")
				return best, nil
			}
			return nil, err
		}
		v.Expect(listing.Total, listing.TotalKnown)
		if best == nil || len(listing.Cards) > len(best.Cards) {
			best = listing
		}

		switch v.Accept(page, len(listing.Cards), retry) {
		case Accept:
			c.metrics.IncPage("accepted")
			return listing, nil
		case Refetch:
			logger.Warn("page count mismatch, refetching",
				slog.Int("page", page),
				slog.Int("cards", len(listing.Cards)),
				slog.Int("expected", c.pageSize),
				slog.Int("retry", retry+1),
			)
		case AcceptWithGap:
			s.PagesWithGaps++
			c.metrics.IncPage("gap")
			logger.Warn("page accepted with gap",
				slog.Int("page", page),
				slog.Int("cards", len(best.Cards)),
				slog.Int("expected", c.pageSize),
			)
			return best, nil
		}
	}
}

func (c *Crawler) emit(listing *parser.Page, part models.Partition, p *pipeline.Pipeline, s *models.RunSummary, logger *slog.Logger) error {
	for _, card := range listing.Cards {
		if reason, skip := c.extractor.Skip(card); skip {
			s.CardsSkipped++
			c.metrics.IncRecord("skipped")
			logger.Debug("card skipped", slog.String("reason", reason))
			continue
		}
		product, err := c.extractor.Extract(card)
		if err != nil {
			s.CardsRejected++
			c.metrics.IncRecord("rejected")
			logger.Debug("card rejected", slog.Any("error", err))
			continue
		}
		product.Partition = part.Label
		if product.SellingPrice > 0 && !part.Contains(product.SellingPrice) {
			s.PriceOutOfBand++
			logger.Debug("price outside partition",
				slog.String("product_id", product.ProductID),
				slog.Int("selling_price", product.SellingPrice),
			)
		}

		admitted, err := p.Process(product)
		if err != nil {
			return fmt.Errorf("process %s/%s: %w", product.Platform, product.ProductID, err)
		}
		if !admitted {
			s.DuplicatesRejected++
			c.metrics.IncRecord("duplicate")
			continue
		}
		s.RecordsEmitted++
		c.metrics.IncRecord("emitted")
		if product.HasGaps() {
			s.RecordsWithGaps++
		}
	}
	return nil
}

func (c *Crawler) report(part models.Partition, page int, v *Validator, s *models.RunSummary) {
	if c.progress == nil {
		return
	}
	totalPages, _ := v.TotalPages()
	c.progress(Progress{
		Partition:  part.String(),
		Page:       page,
		TotalPages: totalPages,
		Records:    s.RecordsEmitted,
	})
}

func newPartial() *models.RunSummary {
	return &models.RunSummary{ErrorsByType: make(map[string]int)}
}

func recordOutcome(s *models.RunSummary, out *Outcome) {
	s.Retries += out.Retries
	s.Cooldowns += out.Cooldowns
	for _, label := range out.ErrorTypes {
		s.ErrorsByType[label]++
	}
}

func mergeSummary(dst, src *models.RunSummary) {
	dst.PartitionsProcessed += src.PartitionsProcessed
	dst.PagesFetched += src.PagesFetched
	dst.PagesSkipped += src.PagesSkipped
	dst.PagesWithGaps += src.PagesWithGaps
	dst.RecordsEmitted += src.RecordsEmitted
	dst.DuplicatesRejected += src.DuplicatesRejected
	dst.RecordsWithGaps += src.RecordsWithGaps
	dst.CardsRejected += src.CardsRejected
	dst.CardsSkipped += src.CardsSkipped
	dst.PriceOutOfBand += src.PriceOutOfBand
	dst.Retries += src.Retries
	dst.Cooldowns += src.Cooldowns
	for k, v := range src.ErrorsByType {
		dst.ErrorsByType[k] += v
	}
}
