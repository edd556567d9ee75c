// Package models defines data structures for the crawler.
package models

import (
	"fmt"
	"time"
)

// Unknown marks a text field the extractor could not establish.
const Unknown = "Unknown"

// Product is one normalized listing record. Numeric fields left at zero are
// unknown; Gaps names every field the extractor could not establish.
type Product struct {
	Platform        string    `csv:"platform" json:"platform"`
	ProductID       string    `csv:"product_id" json:"product_id"`
	Brand           string    `csv:"brand" json:"brand"`
	FullName        string    `csv:"full_name" json:"full_name"`
	ModelID         string    `csv:"model_id" json:"model_id"`
	LaunchYear      int       `csv:"launch_year" json:"launch_year,omitempty"`
	PanelType       string    `csv:"panel_type" json:"panel_type"`
	Resolution      string    `csv:"resolution" json:"resolution"`
	OperatingSystem string    `csv:"operating_system" json:"operating_system"`
	ScreenInches    float64   `csv:"screen_inches" json:"screen_inches,omitempty"`
	SellingPrice    int       `csv:"selling_price" json:"selling_price,omitempty"`
	OriginalPrice   int       `csv:"original_price" json:"original_price,omitempty"`
	DiscountPercent int       `csv:"discount_percent" json:"discount_percent"`
	RatingValue     float64   `csv:"rating_value" json:"rating_value,omitempty"`
	RatingCount     int       `csv:"rating_count" json:"rating_count"`
	ReviewCount     int       `csv:"review_count" json:"review_count"`
	Assured         bool      `csv:"assured" json:"assured"`
	InStock         bool      `csv:"in_stock" json:"in_stock"`
	ImageURL        string    `csv:"image_url" json:"image_url"`
	ProductURL      string    `csv:"product_url" json:"product_url"`
	Partition       string    `csv:"partition" json:"partition"`
	ScrapedAt       time.Time `csv:"scraped_at" json:"scraped_at"`

	Gaps []string `csv:"-" json:"gaps,omitempty"`
}

// HasGaps reports whether any field was left unknown.
func (p *Product) HasGaps() bool {
	return len(p.Gaps) > 0
}

// Partition is one price band of a catalog query. Open partitions have no
// ceiling and carry MaxPrice -1.
type Partition struct {
	Query    string
	Label    string
	MinPrice int
	MaxPrice int
	Open     bool
}

// Contains reports whether price falls inside the band.
func (p Partition) Contains(price int) bool {
	if price < p.MinPrice {
		return false
	}
	return p.Open || price <= p.MaxPrice
}

func (p Partition) String() string {
	return fmt.Sprintf("%s[%s]", p.Query, p.Label)
}

// RunSummary holds the counters reported at the end of a crawl run.
type RunSummary struct {
	RunID     string    `json:"run_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Aborted   bool      `json:"aborted"`

	PartitionsProcessed int `json:"partitions_processed"`
	PagesFetched        int `json:"pages_fetched"`
	PagesSkipped        int `json:"pages_skipped"`
	PagesWithGaps       int `json:"pages_with_gaps"`
	RecordsEmitted      int `json:"records_emitted"`
	DuplicatesRejected  int `json:"duplicates_rejected"`
	RecordsWithGaps     int `json:"records_with_extraction_gaps"`
	CardsRejected       int `json:"cards_rejected"`
	CardsSkipped        int `json:"cards_skipped"`
	PriceOutOfBand      int `json:"price_out_of_band"`
	RecordsPersisted    int `json:"records_persisted"`
	PersistenceErrors   int `json:"persistence_errors"`
	Retries             int `json:"retries"`
	Cooldowns           int `json:"cooldowns"`

	ErrorsByType map[string]int `json:"errors_by_type,omitempty"`
}
