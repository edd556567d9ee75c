package parser

import (
	"github.com/PuerkitoBio/goquery"
)

// ResolveTotal parses the platform-reported result count from text using the
// table's results pattern.
func ResolveTotal(text string, t *Table) (int, bool) {
	if t.resultsRe == nil {
		return 0, false
	}
	m := t.resultsRe.FindStringSubmatch(text)
	if len(m) < 2 {
		return 0, false
	}
	total := atoiDigits(m[1])
	if total <= 0 {
		return 0, false
	}
	return total, true
}

func resolveTotal(doc *goquery.Document, t *Table) (int, bool) {
	if t.resultsRe == nil {
		return 0, false
	}
	if t.ResultsCount != "" {
		var total int
		var found bool
		doc.Find(t.ResultsCount).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			total, found = ResolveTotal(normalizeSpace(s.Text()), t)
			return !found
		})
		if found {
			return total, true
		}
	}
	return ResolveTotal(normalizeSpace(doc.Text()), t)
}

// TotalPages is ceil(total / pageSize).
func TotalPages(total, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}
