package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/models"
)

// Sink persists records keyed by (platform, product_id). A repeat upsert
// overwrites only the volatile listing fields.
type Sink interface {
	Upsert(ctx context.Context, product *models.Product) error
	// BatchUpsert writes every record it can and returns how many were
	// persisted; the error joins the per-record failures.
	BatchUpsert(ctx context.Context, products []*models.Product) (int, error)
	EnsureSchema(ctx context.Context) error
	Close() error
}

// OpenSink resolves dsn to a sink. postgres:// and postgresql:// use pgx;
// sqlite://path, file: URIs and bare *.db paths use SQLite. Anything else is
// a fatal configuration error.
func OpenSink(ctx context.Context, dsn, table string) (Sink, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		sink, err := NewPostgresSink(ctx, dsn, table)
		if err != nil {
			return nil, config.Fatal(err)
		}
		return sink, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return openSQLite(strings.TrimPrefix(dsn, "sqlite://"), table)
	case strings.HasPrefix(dsn, "file:"), strings.HasSuffix(dsn, ".db"), dsn == ":memory:":
		return openSQLite(dsn, table)
	}
	return nil, config.Fatal(fmt.Errorf("unsupported storage DSN %q", dsn))
}

func openSQLite(path, table string) (Sink, error) {
	if path == "" {
		return nil, config.Fatal(fmt.Errorf("sqlite DSN has no path"))
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := ensureDir(path); err != nil {
			return nil, config.Fatal(err)
		}
	}
	sink, err := NewSQLiteSink(path, table)
	if err != nil {
		return nil, config.Fatal(err)
	}
	return sink, nil
}

// upsertEach writes products one at a time, skipping failures, and returns
// how many were persisted with the joined failures.
func upsertEach(ctx context.Context, products []*models.Product, upsert func(context.Context, *models.Product) error) (int, error) {
	var errs []error
	persisted := 0
	for _, p := range products {
		if err := upsert(ctx, p); err != nil {
			errs = append(errs, err)
			continue
		}
		persisted++
	}
	return persisted, errors.Join(errs...)
}

// productColumns is the storage column order shared by both dialects.
var productColumns = []string{
	"platform", "product_id", "brand", "full_name", "model_id", "launch_year",
	"panel_type", "resolution", "operating_system", "screen_inches",
	"selling_price", "original_price", "discount_percent",
	"rating_value", "rating_count", "review_count",
	"assured", "in_stock", "image_url", "product_url", "partition_label", "scraped_at",
}

// volatileColumns are refreshed on every repeat sighting.
var volatileColumns = []string{
	"selling_price", "original_price", "discount_percent",
	"rating_value", "rating_count", "review_count", "in_stock", "scraped_at",
}

func upsertSQL(table string, placeholder func(int) string) string {
	marks := make([]string, len(productColumns))
	for i := range productColumns {
		marks[i] = placeholder(i + 1)
	}
	sets := make([]string, len(volatileColumns))
	for i, col := range volatileColumns {
		sets[i] = fmt.Sprintf("%s = excluded.%s", col, col)
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (platform, product_id) DO UPDATE SET %s",
		table, strings.Join(productColumns, ", "), strings.Join(marks, ", "), strings.Join(sets, ", "),
	)
}

type columnTypes struct {
	text, integer, real, boolean, timestamp string
}

func schemaSQL(table string, types columnTypes) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	platform %[2]s NOT NULL,
	product_id %[2]s NOT NULL,
	brand %[2]s,
	full_name %[2]s,
	model_id %[2]s,
	launch_year %[3]s,
	panel_type %[2]s,
	resolution %[2]s,
	operating_system %[2]s,
	screen_inches %[4]s,
	selling_price %[3]s,
	original_price %[3]s,
	discount_percent %[3]s,
	rating_value %[4]s,
	rating_count %[3]s,
	review_count %[3]s,
	assured %[5]s,
	in_stock %[5]s,
	image_url %[2]s,
	product_url %[2]s,
	partition_label %[2]s,
	scraped_at %[6]s NOT NULL,
	PRIMARY KEY (platform, product_id)
)`, table, types.text, types.integer, types.real, types.boolean, types.timestamp)
}

// productArgs flattens p in productColumns order. Unknown numbers are NULL.
func productArgs(p *models.Product) []any {
	return []any{
		p.Platform, p.ProductID, p.Brand, nullableText(p.FullName), p.ModelID, nullableInt(p.LaunchYear),
		p.PanelType, p.Resolution, p.OperatingSystem, nullableFloat(p.ScreenInches),
		nullableInt(p.SellingPrice), nullableInt(p.OriginalPrice), p.DiscountPercent,
		nullableFloat(p.RatingValue), p.RatingCount, p.ReviewCount,
		p.Assured, p.InStock, nullableText(p.ImageURL), nullableText(p.ProductURL), p.Partition, p.ScrapedAt.UTC(),
	}
}

func nullableInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func nullableFloat(v float64) *float64 {
	if v == 0 {
		return nil
	}
	return &v
}

func nullableText(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
