package scraper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/parser"
)

type reply struct {
	status int
	body   string
	err    error
}

// fakeBackend serves queued replies per URL; the last reply repeats.
type fakeBackend struct {
	mu       sync.Mutex
	replies  map[string][]reply
	fallback *reply
	calls    []Request
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{replies: make(map[string][]reply)}
}

func (f *fakeBackend) on(url string, replies ...reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[url] = append(f.replies[url], replies...)
}

func (f *fakeBackend) Get(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, *req)

	queue, ok := f.replies[req.URL]
	var r reply
	switch {
	case ok && len(queue) > 0:
		r = queue[0]
		if len(queue) > 1 {
			f.replies[req.URL] = queue[1:]
		}
	case f.fallback != nil:
		r = *f.fallback
	default:
		r = reply{status: 404}
	}
	if r.err != nil {
		return nil, r.err
	}
	return &Response{URL: req.URL, StatusCode: r.status, Body: []byte(r.body)}, nil
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if url == "" || c.URL == url {
			n++
		}
	}
	return n
}

func (f *fakeBackend) identities() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Identity.Name
	}
	return out
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) all() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.waits))
	copy(out, r.waits)
	return out
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Platform = "shop"
	cfg.Queries = []string{"television"}
	cfg.PriceBands = []int{15000}
	cfg.Delay = 0
	cfg.RandomDelay = 0
	cfg.HostRate = 0
	cfg.Retry = config.RetryPolicy{
		MaxAttempts:       3,
		BaseBackoff:       time.Millisecond,
		MaxBackoff:        4 * time.Millisecond,
		RateLimitCooldown: 10 * time.Millisecond,
	}
	cfg.BatchSize = 8
	cfg.PipelineBufferSize = 64
	return cfg
}

func testTable(t *testing.T, withTotals bool) *parser.Table {
	t.Helper()
	tb := &parser.Table{
		Platform:  "shop",
		BaseURL:   "http://example.test",
		SearchURL: "http://example.test/search?q={query}&min={min}&max={max}&page={page}",
		OpenMax:   "any",
		PageSize:  24,
		Card:      "div.card",
		Fields: map[string]string{
			parser.FieldTitle: "a.title",
			parser.FieldLink:  "a.title@href",
			parser.FieldPrice: "span.price",
			parser.FieldImage: "img",
		},
		IDPattern:        `/p/(itm\d+)`,
		ChallengeMarkers: []string{"Are you a human?"},
	}
	if withTotals {
		tb.ResultsCount = "div.summary"
		tb.ResultsPattern = `of\s+(\d+)\s+results`
	}
	if err := tb.Validate(); err != nil {
		t.Fatalf("test table: %v", err)
	}
	return tb
}

func pageURL(min, max, page int) string {
	maxText := "any"
	if max >= 0 {
		maxText = fmt.Sprint(max)
	}
	return fmt.Sprintf("http://example.test/search?q=television&min=%d&max=%s&page=%d", min, maxText, page)
}

// listingPage renders count cards with ids starting at first. total < 0
// omits the results indicator.
func listingPage(total, first, count int) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	if total >= 0 {
		fmt.Fprintf(&b, `<div class="summary">Showing %d of %d results</div>`, count, total)
	}
	for i := 0; i < count; i++ {
		id := first + i
		b.WriteString(`<div class="card">`)
		fmt.Fprintf(&b, `<a class="title" href="/tv-%d/p/itm%d?src=search">Samsung 43 UA43T%04d 4K TV</a>`, id, id, id)
		fmt.Fprintf(&b, `<span class="price">₹%d</span>`, 10000+id)
		fmt.Fprintf(&b, `<img src="/img/%d.jpg">`, id)
		b.WriteString(`</div>`)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func okReply(body string) reply { return reply{status: 200, body: body} }

// memorySink collects upserts keyed like the relational sinks.
type memorySink struct {
	mu   sync.Mutex
	rows map[string]*models.Product
	n    int
}

func newMemorySink() *memorySink {
	return &memorySink{rows: make(map[string]*models.Product)}
}

func (m *memorySink) Upsert(_ context.Context, p *models.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[p.Platform+"/"+p.ProductID] = p
	m.n++
	return nil
}

func (m *memorySink) BatchUpsert(ctx context.Context, products []*models.Product) (int, error) {
	for _, p := range products {
		_ = m.Upsert(ctx, p)
	}
	return len(products), nil
}

func (m *memorySink) EnsureSchema(context.Context) error { return nil }
func (m *memorySink) Close() error                       { return nil }

func (m *memorySink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
