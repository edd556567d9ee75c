package parser

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/go-scrape-catalog/models"
)

// ErrUnusableCard is returned when a card has neither a title nor a link, so
// no record key can be established.
var ErrUnusableCard = errors.New("card has neither title nor link")

// Page is one parsed listing page.
type Page struct {
	Cards      []Card
	Total      int
	TotalKnown bool
}

// Card is an opaque listing-item fragment. Every field lookup is optional.
type Card struct {
	sel   *goquery.Selection
	base  *url.URL
	table *Table
}

// ParsePage splits body into cards in document order and resolves the
// results-count indicator when the page carries one.
func ParsePage(body []byte, pageURL string, t *Table) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse listing page: %w", err)
	}

	base := t.base
	if u, err := url.Parse(pageURL); err == nil && u.Host != "" {
		base = u
	}

	page := &Page{}
	doc.Find(t.Card).Each(func(_ int, s *goquery.Selection) {
		page.Cards = append(page.Cards, Card{sel: s, base: base, table: t})
	})
	page.Total, page.TotalKnown = resolveTotal(doc, t)
	return page, nil
}

// Text returns the trimmed text (or configured attribute) of the first match
// for field.
func (c Card) Text(field string) (string, bool) {
	ref, ok := c.table.field(field)
	if !ok {
		return "", false
	}
	node := c.sel.Find(ref.selector).First()
	if node.Length() == 0 {
		return "", false
	}
	var value string
	if ref.attr != "" {
		value, _ = node.Attr(ref.attr)
	} else {
		value = node.Text()
	}
	value = normalizeSpace(value)
	return value, value != ""
}

// Texts returns the text of every match for field in document order.
func (c Card) Texts(field string) []string {
	ref, ok := c.table.field(field)
	if !ok {
		return nil
	}
	var out []string
	c.sel.Find(ref.selector).Each(func(_ int, s *goquery.Selection) {
		if text := normalizeSpace(s.Text()); text != "" {
			out = append(out, text)
		}
	})
	return out
}

// Has reports whether field matches any element.
func (c Card) Has(field string) bool {
	ref, ok := c.table.field(field)
	if !ok {
		return false
	}
	return c.sel.Find(ref.selector).Length() > 0
}

// Link returns the absolute product URL.
func (c Card) Link() (string, bool) {
	ref, ok := c.table.field(FieldLink)
	if !ok {
		return "", false
	}
	attr := ref.attr
	if attr == "" {
		attr = "href"
	}
	raw, ok := c.sel.Find(ref.selector).First().Attr(attr)
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" || strings.HasPrefix(raw, "#") || strings.HasPrefix(raw, "javascript:") {
		return "", false
	}
	return c.resolve(raw)
}

// Image returns the absolute image URL, trying the table's attributes in
// order so lazy-loaded sources win over placeholders.
func (c Card) Image() (string, bool) {
	ref, ok := c.table.field(FieldImage)
	if !ok {
		return "", false
	}
	node := c.sel.Find(ref.selector).First()
	if node.Length() == 0 {
		return "", false
	}
	attrs := c.table.ImageAttrs
	if ref.attr != "" {
		attrs = []string{ref.attr}
	}
	for _, attr := range attrs {
		if value, ok := node.Attr(attr); ok && strings.TrimSpace(value) != "" && !strings.HasPrefix(value, "data:") {
			return c.resolve(strings.TrimSpace(value))
		}
	}
	return "", false
}

// FullText is the whitespace-normalized text of the whole card.
func (c Card) FullText() string {
	return normalizeSpace(c.sel.Text())
}

func (c Card) resolve(raw string) (string, bool) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if c.base == nil {
		return ref.String(), ref.IsAbs()
	}
	return c.base.ResolveReference(ref).String(), true
}

// CanonicalURL strips query and fragment, lowercases the host and drops a
// trailing slash.
func CanonicalURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(raw)
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

// Extractor maps cards of one platform to records.
type Extractor struct {
	table  *Table
	brands []vocabEntry
	now    func() time.Time
}

// NewExtractor builds an extractor for a validated table.
func NewExtractor(t *Table) *Extractor {
	brands := defaultBrandVocabulary
	if len(t.Brands) > 0 {
		brands = append(compileBrands(t.Brands), defaultBrandVocabulary...)
	}
	return &Extractor{table: t, brands: brands, now: time.Now}
}

// Skip reports whether a card is a sponsored slot or an excluded accessory.
func (x *Extractor) Skip(c Card) (string, bool) {
	text := c.FullText()
	for _, marker := range x.table.SkipMarkers {
		if marker != "" && strings.Contains(text, marker) {
			return "skip_marker", true
		}
	}
	if title, ok := c.Text(FieldTitle); ok {
		lower := strings.ToLower(title)
		for _, word := range x.table.ExcludeTitleWords {
			if word != "" && strings.Contains(lower, strings.ToLower(word)) {
				return "excluded_title", true
			}
		}
	}
	return "", false
}

// Extract builds a record from c. Missing fields become unknown and are
// listed in Gaps; only a card without both title and link fails.
func (x *Extractor) Extract(c Card) (*models.Product, error) {
	title, hasTitle := c.Text(FieldTitle)
	rawLink, hasLink := c.Link()
	if !hasTitle && !hasLink {
		return nil, ErrUnusableCard
	}

	p := &models.Product{
		Platform:        x.table.Platform,
		FullName:        title,
		Brand:           models.Unknown,
		ModelID:         models.Unknown,
		PanelType:       models.Unknown,
		Resolution:      models.Unknown,
		OperatingSystem: models.Unknown,
		InStock:         true,
		ScrapedAt:       x.now().UTC(),
	}
	gap := func(field string) { p.Gaps = append(p.Gaps, field) }

	if !hasTitle {
		gap("full_name")
	}
	if hasLink {
		p.ProductURL = CanonicalURL(rawLink)
	} else {
		gap("product_url")
	}

	specs := c.Texts(FieldSpecs)
	descriptive := title + " " + strings.Join(specs, " ")

	if hasTitle {
		p.Brand = brandFrom(x.brands, title)
	}
	if p.Brand == models.Unknown {
		gap("brand")
	}

	if id, ok := x.table.ProductID(rawLink); ok {
		p.ProductID = id
	}
	if model, ok := LabelValue(specs, "Model ID", "Model Number", "Model Name"); ok {
		p.ModelID = strings.ToUpper(model)
	} else if model, ok := ModelFromTitle(title); ok {
		p.ModelID = model
	} else if p.ProductID != "" {
		p.ModelID = p.ProductID
	} else {
		gap("model_id")
	}
	if p.ProductID == "" {
		p.ProductID = fallbackID(p.ProductURL, title)
	}

	if text, ok := c.Text(FieldPrice); ok {
		p.SellingPrice, _ = ParsePrice(text)
	}
	if p.SellingPrice == 0 {
		gap("selling_price")
	}
	original := 0
	if text, ok := c.Text(FieldOriginalPrice); ok {
		original, _ = ParsePrice(text)
	}
	p.OriginalPrice = ReconcilePrices(p.SellingPrice, original)
	discountText, _ := c.Text(FieldDiscount)
	p.DiscountPercent = Discount(discountText, p.SellingPrice, p.OriginalPrice)

	if text, ok := c.Text(FieldRating); ok {
		p.RatingValue, _ = ParseRating(text)
	}
	if text, ok := c.Text(FieldRatingCount); ok {
		p.RatingCount, p.ReviewCount = RatingCounts(text)
	}

	if year, ok := LabelValue(specs, "Launch Year"); ok {
		p.LaunchYear, _ = LaunchYear(year)
	}
	if p.LaunchYear == 0 {
		p.LaunchYear, _ = LaunchYear(title)
	}
	p.PanelType = PanelType(descriptive)
	p.Resolution = Resolution(descriptive)
	p.OperatingSystem = OperatingSystem(descriptive)
	p.ScreenInches, _ = ScreenInches(descriptive)

	p.Assured = c.Has(FieldAssured)
	if image, ok := c.Image(); ok {
		p.ImageURL = image
	} else {
		gap("image_url")
	}

	cardText := strings.ToLower(c.FullText())
	for _, marker := range x.table.OutOfStockMarkers {
		if marker != "" && strings.Contains(cardText, strings.ToLower(marker)) {
			p.InStock = false
			break
		}
	}

	return p, nil
}

func fallbackID(productURL, title string) string {
	h := fnv.New64a()
	if productURL != "" {
		h.Write([]byte(productURL))
		return fmt.Sprintf("u%016x", h.Sum64())
	}
	h.Write([]byte(strings.ToLower(strings.TrimSpace(title))))
	return fmt.Sprintf("t%016x", h.Sum64())
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
