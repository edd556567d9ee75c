package scraper

import "github.com/aluiziolira/go-scrape-catalog/parser"

// Verdict is the validator's decision on one fetched page.
type Verdict int

const (
	// Accept takes the page as valid.
	Accept Verdict = iota
	// Refetch asks for the same page again.
	Refetch
	// AcceptWithGap takes the best fetch after retries ran out.
	AcceptWithGap
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Refetch:
		return "refetch"
	case AcceptWithGap:
		return "accept_with_gap"
	}
	return "unknown"
}

// Validator tracks one partition's pagination state: the resolved page
// total, per-page acceptance and termination.
type Validator struct {
	pageSize   int
	maxPages   int
	maxRetries int

	total      int
	totalPages int
	known      bool
}

// NewValidator builds a validator for one partition.
func NewValidator(pageSize, maxPages, maxPageRetries int) *Validator {
	return &Validator{pageSize: pageSize, maxPages: maxPages, maxRetries: maxPageRetries}
}

// Expect records the platform-reported result count. Only the first known
// total is kept.
func (v *Validator) Expect(total int, known bool) {
	if v.known || !known || total <= 0 {
		return
	}
	v.total = total
	v.totalPages = parser.TotalPages(total, v.pageSize)
	v.known = true
}

// TotalPages returns the resolved page count, if any.
func (v *Validator) TotalPages() (int, bool) {
	return v.totalPages, v.known
}

// Terminal reports whether page is the last page of a known total.
func (v *Validator) Terminal(page int) bool {
	return v.known && page >= v.totalPages
}

// Accept judges a page that yielded count cards on its retry-th refetch
// (zero for the first fetch). Pages known to be non-terminal must be full;
// the terminal page needs at least one card; with an unknown total any
// count is accepted and zero ends the partition.
func (v *Validator) Accept(page, count, retry int) Verdict {
	if !v.known {
		return Accept
	}
	ok := count == v.pageSize
	if v.Terminal(page) {
		ok = count > 0 && count <= v.pageSize
	}
	if ok {
		return Accept
	}
	if retry < v.maxRetries {
		return Refetch
	}
	return AcceptWithGap
}

// Continue reports whether the page after page should be fetched. A
// negative count marks a page whose fetch failed.
func (v *Validator) Continue(page, count int) bool {
	if page >= v.maxPages {
		return false
	}
	if v.known {
		return page < v.totalPages
	}
	return count != 0
}
