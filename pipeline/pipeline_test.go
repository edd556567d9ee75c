package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/models"
)

type mockWriter struct {
	mu       sync.Mutex
	batches  [][]*models.Product
	closed   bool
	writeErr error
}

func (mw *mockWriter) Write(products []*models.Product) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	if mw.writeErr != nil {
		return mw.writeErr
	}
	copyBatch := make([]*models.Product, len(products))
	copy(copyBatch, products)
	mw.batches = append(mw.batches, copyBatch)
	return nil
}

func (mw *mockWriter) Close() error {
	mw.mu.Lock()
	mw.closed = true
	mw.mu.Unlock()
	return nil
}

func (mw *mockWriter) Validate() error { return nil }

func (mw *mockWriter) totalWritten() int {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	total := 0
	for _, batch := range mw.batches {
		total += len(batch)
	}
	return total
}

func (mw *mockWriter) batchSizes() []int {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	sizes := make([]int, 0, len(mw.batches))
	for _, batch := range mw.batches {
		sizes = append(sizes, len(batch))
	}
	return sizes
}

// recordingSink keeps upserted products and fails the ids in failIDs.
type recordingSink struct {
	mu      sync.Mutex
	rows    map[string]*models.Product
	failIDs map[string]bool
}

func newRecordingSink(failIDs ...string) *recordingSink {
	s := &recordingSink{rows: make(map[string]*models.Product), failIDs: make(map[string]bool)}
	for _, id := range failIDs {
		s.failIDs[id] = true
	}
	return s
}

func (s *recordingSink) Upsert(_ context.Context, p *models.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failIDs[p.ProductID] {
		return fmt.Errorf("constraint violated for %s", p.ProductID)
	}
	s.rows[p.Platform+"/"+p.ProductID] = p
	return nil
}

func (s *recordingSink) BatchUpsert(ctx context.Context, products []*models.Product) (int, error) {
	var errs []error
	n := 0
	for _, p := range products {
		if err := s.Upsert(ctx, p); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (s *recordingSink) EnsureSchema(context.Context) error { return nil }
func (s *recordingSink) Close() error                       { return nil }

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func testProduct(i int) *models.Product {
	id := "itm" + strconv.Itoa(i)
	return &models.Product{
		Platform:     "flipkart",
		ProductID:    id,
		Brand:        "SAMSUNG",
		FullName:     "Samsung 43 inch Crystal 4K TV",
		ModelID:      "UA43T" + strconv.Itoa(i),
		SellingPrice: 20000 + i,
		InStock:      true,
		ProductURL:   "https://www.flipkart.com/samsung-tv/p/" + id,
		ScrapedAt:    time.Now(),
	}
}

func TestPipelineDeduplicatesAndPersists(t *testing.T) {
	cfg := config.DefaultConfig()
	sink := newRecordingSink()
	writer := &mockWriter{}
	p := NewPipeline(context.Background(), sink, writer, cfg)
	p.Start(1)

	first := testProduct(1)
	again := testProduct(1)
	again.ProductURL += "?src=search&pos=4"
	other := testProduct(2)

	for i, product := range []*models.Product{first, again, other} {
		admitted, err := p.Process(product)
		if err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
		if want := i != 1; admitted != want {
			t.Fatalf("product %d admitted = %v, want %v", i, admitted, want)
		}
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	stats := p.Stats()
	if stats.Admitted != 2 || stats.Duplicates != 1 || stats.Persisted != 2 || stats.Exported != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if sink.count() != 2 || writer.totalWritten() != 2 {
		t.Fatalf("sink %d writer %d", sink.count(), writer.totalWritten())
	}
}

func TestPipelineBatchFlushThreshold(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BatchSize = 24
	writer := &mockWriter{}
	p := NewPipeline(context.Background(), newRecordingSink(), writer, cfg)
	p.Start(1)

	for i := 0; i < 25; i++ {
		if _, err := p.Process(testProduct(i)); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	sizes := writer.batchSizes()
	if len(sizes) != 2 || sizes[0] != 24 || sizes[1] != 1 {
		t.Fatalf("batch sizes = %v, want [24 1]", sizes)
	}
}

func TestPipelineCloseDrainsPendingItems(t *testing.T) {
	cfg := config.DefaultConfig()
	sink := newRecordingSink()
	p := NewPipeline(context.Background(), sink, nil, cfg)
	p.Start(2)

	for i := 0; i < 100; i++ {
		if _, err := p.Process(testProduct(i + 200)); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sink.count() != 100 {
		t.Fatalf("persisted = %d, want 100", sink.count())
	}
}

func TestPipelineFlushesAfterCancel(t *testing.T) {
	cfg := config.DefaultConfig()
	sink := newRecordingSink()
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPipeline(ctx, sink, nil, cfg)
	p.Start(1)

	for i := 0; i < 5; i++ {
		if _, err := p.Process(testProduct(i)); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	cancel()

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sink.count() != 5 {
		t.Fatalf("persisted = %d, want 5", sink.count())
	}
}

func TestPipelineCountsPersistenceErrors(t *testing.T) {
	cfg := config.DefaultConfig()
	sink := newRecordingSink("itm3")
	p := NewPipeline(context.Background(), sink, nil, cfg)
	p.Start(1)

	for i := 1; i <= 4; i++ {
		if _, err := p.Process(testProduct(i)); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("persistence failures must not fail the pipeline: %v", err)
	}

	summary := &models.RunSummary{}
	p.Stats().Apply(summary)
	if summary.RecordsPersisted != 3 || summary.PersistenceErrors != 1 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestPipelineExportFailureKeepsPersisting(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BatchSize = 1
	sink := newRecordingSink()
	writer := &mockWriter{writeErr: errors.New("disk full")}
	p := NewPipeline(context.Background(), sink, writer, cfg)
	p.Start(1)

	for i := 0; i < 3; i++ {
		if _, err := p.Process(testProduct(i)); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	err := p.Close()
	if err == nil {
		t.Fatalf("expected export error")
	}
	if sink.count() != 3 {
		t.Fatalf("persisted = %d, want 3", sink.count())
	}
	if p.Stats().Exported != 0 {
		t.Fatalf("exported = %d", p.Stats().Exported)
	}
}

func TestPipelineRejectsAfterClose(t *testing.T) {
	p := NewPipeline(context.Background(), newRecordingSink(), nil, config.DefaultConfig())
	p.Start(1)
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := p.Process(testProduct(1)); !errors.Is(err, ErrPipelineClosed) {
		t.Fatalf("expected ErrPipelineClosed, got %v", err)
	}
}
