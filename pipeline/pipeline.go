// Package pipeline deduplicates extracted records and hands them to storage
// and export in small batches.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/models"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
)

// OutputWriter defines the interface for record export.
type OutputWriter interface {
	Write(products []*models.Product) error
	Close() error
	Validate() error
}

// Stats are the pipeline counters at a point in time.
type Stats struct {
	Admitted          int
	Duplicates        int
	Persisted         int
	PersistenceErrors int
	Exported          int
}

// Apply copies the persistence counters into a run summary.
func (s Stats) Apply(summary *models.RunSummary) {
	summary.RecordsPersisted = s.Persisted
	summary.PersistenceErrors = s.PersistenceErrors
}

// Pipeline coordinates de-duplication, persistence, and export.
type Pipeline struct {
	ctx       context.Context
	sink      Sink
	writer    OutputWriter
	dedupe    *Deduplicator
	productCh chan *models.Product
	batchSize int
	logger    *slog.Logger

	wg sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats

	mu     sync.Mutex // guards closed/err/writer
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline over sink. writer may be nil. Sink writes
// outlive cancellation of ctx so queued records are still flushed.
func NewPipeline(ctx context.Context, sink Sink, writer OutputWriter, cfg *config.Config) *Pipeline {
	bufferSize := cfg.PipelineBufferSize
	if bufferSize <= 0 {
		bufferSize = 256
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 24
	}

	return &Pipeline{
		ctx:       context.WithoutCancel(ctx),
		sink:      sink,
		writer:    writer,
		dedupe:    NewDeduplicator(),
		productCh: make(chan *models.Product, bufferSize),
		batchSize: batchSize,
		logger:    slog.Default(),
		shutdown:  make(chan struct{}),
	}
}

// SetLogger replaces the default logger.
func (p *Pipeline) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// Start launches worker goroutines.
func (p *Pipeline) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Process admits product through the deduplicator and queues it for
// persistence. It reports false for a duplicate.
func (p *Pipeline) Process(product *models.Product) (bool, error) {
	if product == nil {
		return false, nil
	}

	if p.isClosed() {
		return false, ErrPipelineClosed
	}

	if !p.dedupe.Admit(product) {
		p.addStats(func(s *Stats) { s.Duplicates++ })
		return false, nil
	}
	if err := p.enqueue(product); err != nil {
		return false, err
	}
	p.addStats(func(s *Stats) { s.Admitted++ })
	return true, nil
}

// Close waits for workers to flush and prevents more submissions.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
	}
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.productCh)
	})

	p.wg.Wait()
	return p.Err()
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

// StartMetricsReporting emits periodic progress logs.
func (p *Pipeline) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s := p.Stats()
				p.logger.Info("pipeline progress",
					slog.Int("admitted", s.Admitted),
					slog.Int("duplicates", s.Duplicates),
					slog.Int("persisted", s.Persisted),
					slog.Int("persistence_errors", s.PersistenceErrors),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	batch := make([]*models.Product, 0, p.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.flush(batch)
		batch = make([]*models.Product, 0, p.batchSize)
	}

	for product := range p.productCh {
		batch = append(batch, product)
		if len(batch) >= p.batchSize {
			flush()
		}
	}
	flush()
}

func (p *Pipeline) flush(batch []*models.Product) {
	persisted, err := p.sink.BatchUpsert(p.ctx, batch)
	failed := len(batch) - persisted
	p.addStats(func(s *Stats) {
		s.Persisted += persisted
		s.PersistenceErrors += failed
	})
	if err != nil {
		p.logger.Error("persist batch",
			slog.Int("batch", len(batch)),
			slog.Int("failed", failed),
			slog.Any("error", err),
		)
	}

	p.mu.Lock()
	writer := p.writer
	p.mu.Unlock()
	if writer == nil {
		return
	}
	if err := writer.Write(batch); err != nil {
		p.setErr(fmt.Errorf("export batch: %w", err))
		return
	}
	p.addStats(func(s *Stats) { s.Exported += len(batch) })
}

func (p *Pipeline) enqueue(product *models.Product) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	case p.productCh <- product:
		return nil
	}
}

// setErr records the first export failure. Persistence keeps going; only
// the writer is dropped.
func (p *Pipeline) setErr(err error) {
	if err == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
		p.logger.Error("export disabled", slog.Any("error", err))
	}
	p.writer = nil
}

func (p *Pipeline) addStats(update func(*Stats)) {
	p.statsMu.Lock()
	update(&p.stats)
	p.statsMu.Unlock()
}

func (p *Pipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}
