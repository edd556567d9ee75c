package parser

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/andybalholm/cascadia"
)

// Semantic card fields a table may map to markup.
const (
	FieldTitle         = "title"
	FieldLink          = "link"
	FieldImage         = "image"
	FieldPrice         = "price"
	FieldOriginalPrice = "original_price"
	FieldDiscount      = "discount"
	FieldRating        = "rating"
	FieldRatingCount   = "rating_count"
	FieldSpecs         = "specs"
	FieldAssured       = "assured"
)

var knownFields = map[string]bool{
	FieldTitle:         true,
	FieldLink:          true,
	FieldImage:         true,
	FieldPrice:         true,
	FieldOriginalPrice: true,
	FieldDiscount:      true,
	FieldRating:        true,
	FieldRatingCount:   true,
	FieldSpecs:         true,
	FieldAssured:       true,
}

//go:embed tables.json
var defaultTablesJSON []byte

// Table is the declarative markup contract for one platform. Field values are
// CSS selectors, optionally suffixed with "@attr" to read an attribute instead
// of the element text.
type Table struct {
	Platform          string            `json:"platform"`
	BaseURL           string            `json:"base_url"`
	SearchURL         string            `json:"search_url"`
	OpenMax           string            `json:"open_max"`
	PriceScale        int               `json:"price_scale"`
	PageOffset        int               `json:"page_offset"`
	PageSize          int               `json:"page_size"`
	Card              string            `json:"card"`
	Fields            map[string]string `json:"fields"`
	ImageAttrs        []string          `json:"image_attrs"`
	ResultsCount      string            `json:"results_count"`
	ResultsPattern    string            `json:"results_pattern"`
	IDPattern         string            `json:"id_pattern"`
	ChallengeMarkers  []string          `json:"challenge_markers"`
	OutOfStockMarkers []string          `json:"out_of_stock_markers"`
	SkipMarkers       []string          `json:"skip_markers"`
	ExcludeTitleWords []string          `json:"exclude_title_words"`
	Brands            []string          `json:"brands"`

	base      *url.URL
	fields    map[string]fieldRef
	resultsRe *regexp.Regexp
	idRe      *regexp.Regexp
}

type fieldRef struct {
	selector string
	attr     string
}

// DefaultTables returns the validated built-in tables keyed by platform.
func DefaultTables() (map[string]*Table, error) {
	return decodeTables(defaultTablesJSON)
}

// LoadTables reads a JSON array of tables from path. An empty path returns
// the built-in tables.
func LoadTables(path string) (map[string]*Table, error) {
	if path == "" {
		return DefaultTables()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read selector tables: %w", err)
	}
	return decodeTables(raw)
}

func decodeTables(raw []byte) (map[string]*Table, error) {
	var tables []*Table
	if err := json.Unmarshal(raw, &tables); err != nil {
		return nil, fmt.Errorf("decode selector tables: %w", err)
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("selector tables are empty")
	}
	out := make(map[string]*Table, len(tables))
	for i, t := range tables {
		if t == nil {
			return nil, fmt.Errorf("selector table %d is null", i)
		}
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("selector table %q: %w", t.Platform, err)
		}
		if _, dup := out[t.Platform]; dup {
			return nil, fmt.Errorf("selector table %q defined twice", t.Platform)
		}
		out[t.Platform] = t
	}
	return out, nil
}

// Platforms lists table keys in a stable order.
func Platforms(tables map[string]*Table) []string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the table and compiles its selectors and patterns. It must
// be called before the table is used.
func (t *Table) Validate() error {
	if strings.TrimSpace(t.Platform) == "" {
		return fmt.Errorf("platform cannot be empty")
	}

	base, err := url.Parse(t.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}
	t.base = base

	for _, placeholder := range []string{"{query}", "{page}"} {
		if !strings.Contains(t.SearchURL, placeholder) {
			return fmt.Errorf("search URL must contain %s", placeholder)
		}
	}
	if t.PageSize <= 0 {
		return fmt.Errorf("page size must be positive")
	}
	if t.PriceScale < 0 {
		return fmt.Errorf("price scale cannot be negative")
	}
	if t.PriceScale == 0 {
		t.PriceScale = 1
	}

	if t.Card == "" {
		return fmt.Errorf("card selector cannot be empty")
	}
	if _, err := cascadia.Compile(t.Card); err != nil {
		return fmt.Errorf("card selector %q: %w", t.Card, err)
	}
	if t.ResultsCount != "" {
		if _, err := cascadia.Compile(t.ResultsCount); err != nil {
			return fmt.Errorf("results count selector %q: %w", t.ResultsCount, err)
		}
	}

	t.fields = make(map[string]fieldRef, len(t.Fields))
	for name, spec := range t.Fields {
		if !knownFields[name] {
			return fmt.Errorf("unknown field %q", name)
		}
		ref := parseFieldRef(spec)
		if ref.selector == "" {
			return fmt.Errorf("field %q has an empty selector", name)
		}
		if _, err := cascadia.Compile(ref.selector); err != nil {
			return fmt.Errorf("field %q selector %q: %w", name, ref.selector, err)
		}
		t.fields[name] = ref
	}
	for _, required := range []string{FieldTitle, FieldLink} {
		if _, ok := t.fields[required]; !ok {
			return fmt.Errorf("field %q is required", required)
		}
	}
	if len(t.ImageAttrs) == 0 {
		t.ImageAttrs = []string{"src"}
	}

	if t.ResultsPattern != "" {
		re, err := regexp.Compile(t.ResultsPattern)
		if err != nil {
			return fmt.Errorf("results pattern: %w", err)
		}
		if re.NumSubexp() < 1 {
			return fmt.Errorf("results pattern needs a capture group")
		}
		t.resultsRe = re
	}
	if t.IDPattern != "" {
		re, err := regexp.Compile(t.IDPattern)
		if err != nil {
			return fmt.Errorf("id pattern: %w", err)
		}
		if re.NumSubexp() < 1 {
			return fmt.Errorf("id pattern needs a capture group")
		}
		t.idRe = re
	}
	return nil
}

func parseFieldRef(spec string) fieldRef {
	spec = strings.TrimSpace(spec)
	if i := strings.LastIndex(spec, "@"); i > 0 {
		return fieldRef{
			selector: strings.TrimSpace(spec[:i]),
			attr:     strings.TrimSpace(spec[i+1:]),
		}
	}
	return fieldRef{selector: spec}
}

// PageURL renders the listing URL for one page of a price band. maxPrice < 0
// means the band is open-ended and renders OpenMax verbatim. Bounds are
// multiplied by PriceScale for platforms that filter in minor units.
func (t *Table) PageURL(query string, minPrice, maxPrice, page int) string {
	scale := t.PriceScale
	if scale <= 0 {
		scale = 1
	}
	ceiling := t.OpenMax
	if maxPrice >= 0 {
		ceiling = strconv.Itoa(maxPrice * scale)
	}
	r := strings.NewReplacer(
		"{query}", url.QueryEscape(query),
		"{min}", strconv.Itoa(minPrice*scale),
		"{max}", ceiling,
		"{page}", strconv.Itoa(page+t.PageOffset),
	)
	return r.Replace(t.SearchURL)
}

// ProductID extracts the platform identifier from a product URL.
func (t *Table) ProductID(productURL string) (string, bool) {
	if t.idRe == nil || productURL == "" {
		return "", false
	}
	m := t.idRe.FindStringSubmatch(productURL)
	if len(m) < 2 || m[1] == "" {
		return "", false
	}
	return m[1], true
}

// IsChallenge reports whether body carries a bot-challenge marker.
func (t *Table) IsChallenge(body []byte) bool {
	for _, marker := range t.ChallengeMarkers {
		if marker != "" && strings.Contains(string(body), marker) {
			return true
		}
	}
	return false
}

func (t *Table) field(name string) (fieldRef, bool) {
	ref, ok := t.fields[name]
	return ref, ok
}
