package scraper

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/parser"
	"github.com/aluiziolira/go-scrape-catalog/pipeline"
)

type crawlFixture struct {
	crawler *Crawler
	backend *fakeBackend
	sink    *memorySink
	pipe    *pipeline.Pipeline
	sleeps  *sleepRecorder
}

func newCrawlFixture(t *testing.T, cfg *config.Config, table *parser.Table, opts ...Option) *crawlFixture {
	t.Helper()
	backend := newFakeBackend()
	crawler, err := NewCrawler(cfg, table, backend, opts...)
	if err != nil {
		t.Fatalf("new crawler: %v", err)
	}
	sleeps := &sleepRecorder{}
	crawler.fetcher.sleep = sleeps.sleep

	sink := newMemorySink()
	pipe := pipeline.NewPipeline(context.Background(), sink, nil, cfg)
	pipe.Start(1)
	return &crawlFixture{crawler: crawler, backend: backend, sink: sink, pipe: pipe, sleeps: sleeps}
}

func (f *crawlFixture) crawlFirst(t *testing.T) *models.RunSummary {
	t.Helper()
	session, err := NewSession(f.crawler.cfg.Identities, 0)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	s := newPartial()
	part := f.crawler.Partitions()[0]
	if err := f.crawler.crawlPartition(context.Background(), session, part, f.pipe, s, f.crawler.logger); err != nil {
		t.Fatalf("crawl partition: %v", err)
	}
	if err := f.pipe.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}
	return s
}

func TestCrawlerRunFullBands(t *testing.T) {
	cfg := testConfig()
	var progress []Progress
	var mu sync.Mutex
	f := newCrawlFixture(t, cfg, testTable(t, true), WithProgress(func(p Progress) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	}))

	f.backend.on(pageURL(0, 14999, 1), okReply(listingPage(40, 1, 24)))
	f.backend.on(pageURL(0, 14999, 2), okReply(listingPage(40, 25, 16)))
	f.backend.on(pageURL(15000, -1, 1), okReply(listingPage(0, 0, 0)))

	summary, err := f.crawler.Run(context.Background(), f.pipe)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := f.pipe.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}
	f.pipe.Stats().Apply(summary)

	if summary.RunID == "" {
		t.Fatalf("run id missing")
	}
	if summary.PartitionsProcessed != 2 {
		t.Fatalf("partitions processed = %d", summary.PartitionsProcessed)
	}
	if summary.PagesFetched != 3 || summary.PagesSkipped != 0 || summary.PagesWithGaps != 0 {
		t.Fatalf("pages = %+v", summary)
	}
	if summary.RecordsEmitted != 40 || summary.RecordsPersisted != 40 {
		t.Fatalf("records emitted %d persisted %d", summary.RecordsEmitted, summary.RecordsPersisted)
	}
	if summary.Retries != 0 || summary.Aborted {
		t.Fatalf("unexpected retries or abort: %+v", summary)
	}
	if got := f.backend.callCount(""); got != 3 {
		t.Fatalf("backend calls = %d, want 3", got)
	}
	if f.sink.count() != 40 {
		t.Fatalf("sink rows = %d", f.sink.count())
	}
	if len(progress) != 3 || progress[1].TotalPages != 2 || progress[1].Records != 40 {
		t.Fatalf("progress = %+v", progress)
	}
}

func TestCrawlerRefetchesShortPage(t *testing.T) {
	f := newCrawlFixture(t, testConfig(), testTable(t, true))
	f.backend.on(pageURL(0, 14999, 1),
		okReply(listingPage(40, 1, 20)),
		okReply(listingPage(40, 1, 24)),
	)
	f.backend.on(pageURL(0, 14999, 2), okReply(listingPage(40, 25, 16)))

	s := f.crawlFirst(t)

	if got := f.backend.callCount(pageURL(0, 14999, 1)); got != 2 {
		t.Fatalf("page 1 fetched %d times, want 2", got)
	}
	if s.RecordsEmitted != 40 || s.PagesWithGaps != 0 {
		t.Fatalf("summary = %+v", s)
	}
}

func TestCrawlerAcceptsFullestFetchWithGap(t *testing.T) {
	f := newCrawlFixture(t, testConfig(), testTable(t, true))
	f.backend.on(pageURL(0, 14999, 1),
		okReply(listingPage(40, 1, 20)),
		okReply(listingPage(40, 1, 22)),
		okReply(listingPage(40, 1, 21)),
	)
	f.backend.on(pageURL(0, 14999, 2), okReply(listingPage(40, 25, 16)))

	s := f.crawlFirst(t)

	if got := f.backend.callCount(pageURL(0, 14999, 1)); got != 3 {
		t.Fatalf("page 1 fetched %d times, want 3", got)
	}
	if s.PagesWithGaps != 1 {
		t.Fatalf("pages with gaps = %d", s.PagesWithGaps)
	}
	if s.RecordsEmitted != 22+16 {
		t.Fatalf("records emitted = %d, want 38", s.RecordsEmitted)
	}
}

func TestCrawlerRejectsDuplicateAcrossPages(t *testing.T) {
	f := newCrawlFixture(t, testConfig(), testTable(t, true))
	f.backend.on(pageURL(0, 14999, 1), okReply(listingPage(40, 1, 24)))
	f.backend.on(pageURL(0, 14999, 2), okReply(listingPage(40, 24, 16)))

	s := f.crawlFirst(t)

	if s.DuplicatesRejected != 1 {
		t.Fatalf("duplicates = %d, want 1", s.DuplicatesRejected)
	}
	if s.RecordsEmitted != 39 || f.sink.count() != 39 {
		t.Fatalf("emitted %d stored %d", s.RecordsEmitted, f.sink.count())
	}
}

func TestCrawlerUnknownTotalStopsOnEmptyPage(t *testing.T) {
	f := newCrawlFixture(t, testConfig(), testTable(t, false))
	f.backend.on(pageURL(0, 14999, 1), okReply(listingPage(-1, 1, 10)))
	f.backend.on(pageURL(0, 14999, 2), okReply(listingPage(-1, 11, 5)))
	f.backend.on(pageURL(0, 14999, 3), okReply(listingPage(-1, 0, 0)))

	s := f.crawlFirst(t)

	if s.PagesFetched != 3 || s.RecordsEmitted != 15 {
		t.Fatalf("summary = %+v", s)
	}
	if got := f.backend.callCount(pageURL(0, 14999, 4)); got != 0 {
		t.Fatalf("page 4 should not be requested")
	}
}

func TestCrawlerRetriesTransientFailure(t *testing.T) {
	f := newCrawlFixture(t, testConfig(), testTable(t, true))
	f.backend.on(pageURL(0, 14999, 1),
		reply{status: 503},
		okReply(listingPage(10, 1, 10)),
	)

	s := f.crawlFirst(t)

	if s.Retries != 1 || s.ErrorsByType["server"] != 1 {
		t.Fatalf("summary = %+v", s)
	}
	if s.PagesFetched != 1 || s.RecordsEmitted != 10 {
		t.Fatalf("summary = %+v", s)
	}
}

func TestCrawlerAbandonsPartitionAfterConsecutiveFailures(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 2
	f := newCrawlFixture(t, cfg, testTable(t, true))

	s := f.crawlFirst(t)

	if s.PagesSkipped != 2 || s.PagesFetched != 0 {
		t.Fatalf("summary = %+v", s)
	}
	if s.ErrorsByType["not_found"] != 2 {
		t.Fatalf("errors by type = %v", s.ErrorsByType)
	}
	if got := f.backend.callCount(""); got != 2 {
		t.Fatalf("backend calls = %d, want 2", got)
	}
}

func TestCrawlerFatalConfigBeforeFetch(t *testing.T) {
	cfg := testConfig()
	cfg.PriceBands = []int{30000, 10000}
	backend := newFakeBackend()

	_, err := NewCrawler(cfg, testTable(t, true), backend)
	if !errors.Is(err, config.ErrFatalConfig) {
		t.Fatalf("expected fatal config, got %v", err)
	}
	if backend.callCount("") != 0 {
		t.Fatalf("no request may be issued on a config error")
	}

	if _, err := NewCrawler(testConfig(), nil, backend); !errors.Is(err, config.ErrFatalConfig) {
		t.Fatalf("missing table should be fatal, got %v", err)
	}
}

func TestCrawlerCanceledRunIsAborted(t *testing.T) {
	f := newCrawlFixture(t, testConfig(), testTable(t, true))
	f.backend.on(pageURL(0, 14999, 1), okReply(listingPage(40, 1, 24)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := f.crawler.Run(ctx, f.pipe)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	_ = f.pipe.Close()

	if !summary.Aborted {
		t.Fatalf("summary should be marked aborted")
	}
	if f.backend.callCount("") != 0 {
		t.Fatalf("canceled run must not fetch")
	}
}

func TestCrawlerParallelPartitions(t *testing.T) {
	cfg := testConfig()
	cfg.Parallelism = 2
	f := newCrawlFixture(t, cfg, testTable(t, true))

	f.backend.on(pageURL(0, 14999, 1), okReply(listingPage(24, 1, 24)))
	// Open band listing prices below its floor still get emitted.
	f.backend.on(pageURL(15000, -1, 1), okReply(listingPage(30, 100, 24)))
	f.backend.on(pageURL(15000, -1, 2), okReply(listingPage(30, 124, 6)))

	summary, err := f.crawler.Run(context.Background(), f.pipe)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := f.pipe.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	if summary.PartitionsProcessed != 2 || summary.PagesFetched != 3 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.RecordsEmitted != 54 || f.sink.count() != 54 {
		t.Fatalf("emitted %d stored %d", summary.RecordsEmitted, f.sink.count())
	}
	if summary.PriceOutOfBand != 30 {
		t.Fatalf("price out of band = %d, want 30", summary.PriceOutOfBand)
	}
}
