package pipeline

import (
	"sync"

	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/parser"
)

// Deduplicator is the run-scoped admission filter. Its seen set only grows
// and is dropped with the run.
type Deduplicator struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	rejected int
}

// NewDeduplicator returns an empty filter.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{seen: make(map[string]struct{})}
}

// Key is the canonical identity: the query-stripped product URL when known,
// otherwise platform and product id.
func Key(p *models.Product) string {
	if p.ProductURL != "" {
		return "url:" + parser.CanonicalURL(p.ProductURL)
	}
	return "id:" + p.Platform + "/" + p.ProductID
}

// Admit reports whether p is new in this run and records its key.
func (d *Deduplicator) Admit(p *models.Product) bool {
	key := Key(p)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		d.rejected++
		return false
	}
	d.seen[key] = struct{}{}
	return true
}

// Rejected returns the number of duplicates seen so far.
func (d *Deduplicator) Rejected() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rejected
}

// Len returns the number of admitted keys.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
