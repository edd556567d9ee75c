package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/models"
)

func newMemorySQLite(t *testing.T) *SQLiteSink {
	t.Helper()
	sink, err := NewSQLiteSink(":memory:", "products")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sink.Close() })
	if err := sink.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return sink
}

func TestSQLiteUpsertIsIdempotent(t *testing.T) {
	sink := newMemorySQLite(t)
	ctx := context.Background()
	p := testProduct(1)

	for i := 0; i < 3; i++ {
		if err := sink.Upsert(ctx, p); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	var n int
	if err := sink.DB().QueryRow("SELECT COUNT(*) FROM products").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
}

func TestSQLiteUpsertRefreshesOnlyVolatileFields(t *testing.T) {
	sink := newMemorySQLite(t)
	ctx := context.Background()

	first := testProduct(7)
	first.Partition = "15000-29999"
	if err := sink.Upsert(ctx, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	second := testProduct(7)
	second.Brand = "LG"
	second.FullName = "renamed listing"
	second.Partition = "0-14999"
	second.SellingPrice = 18999
	second.InStock = false
	second.ScrapedAt = first.ScrapedAt.Add(time.Hour)
	if err := sink.Upsert(ctx, second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	var (
		brand, name, partition string
		price                  int
		inStock                bool
	)
	row := sink.DB().QueryRow(
		"SELECT brand, full_name, partition_label, selling_price, in_stock FROM products WHERE platform = ? AND product_id = ?",
		"flipkart", "itm7",
	)
	if err := row.Scan(&brand, &name, &partition, &price, &inStock); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if brand != "SAMSUNG" || name != first.FullName || partition != "15000-29999" {
		t.Fatalf("descriptive fields changed: %s %q %s", brand, name, partition)
	}
	if price != 18999 || inStock {
		t.Fatalf("volatile fields not refreshed: price %d in_stock %v", price, inStock)
	}
}

func TestSQLiteStoresUnknownNumbersAsNull(t *testing.T) {
	sink := newMemorySQLite(t)
	p := testProduct(3)
	p.SellingPrice = 0
	p.RatingValue = 0
	if err := sink.Upsert(context.Background(), p); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var price sql.NullInt64
	var rating sql.NullFloat64
	if err := sink.DB().QueryRow("SELECT selling_price, rating_value FROM products").Scan(&price, &rating); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if price.Valid || rating.Valid {
		t.Fatalf("unknown numbers stored as values: %+v %+v", price, rating)
	}
}

func TestSQLiteBatchUpsert(t *testing.T) {
	sink := newMemorySQLite(t)
	batch := []*models.Product{testProduct(1), testProduct(2), testProduct(3)}
	batch = append(batch, testProduct(2))

	n, err := sink.BatchUpsert(context.Background(), batch)
	if err != nil {
		t.Fatalf("batch upsert: %v", err)
	}
	if n != 4 {
		t.Fatalf("persisted = %d, want 4", n)
	}

	var rows int
	if err := sink.DB().QueryRow("SELECT COUNT(*) FROM products").Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 3 {
		t.Fatalf("rows = %d, want 3", rows)
	}
}

func TestOpenSink(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "out", "products.db")

	tests := []struct {
		name    string
		dsn     string
		table   string
		fatal   bool
		created string
	}{
		{name: "memory", dsn: ":memory:", table: "products"},
		{name: "sqlite scheme", dsn: "sqlite://" + nested, table: "products", created: nested},
		{name: "bare db path", dsn: filepath.Join(dir, "plain.db"), table: "tv_listings"},
		{name: "unsupported scheme", dsn: "mysql://user@host/db", table: "products", fatal: true},
		{name: "empty sqlite path", dsn: "sqlite://", table: "products", fatal: true},
		{name: "unsafe table", dsn: ":memory:", table: "products; DROP TABLE x", fatal: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := OpenSink(context.Background(), tt.dsn, tt.table)
			if tt.fatal {
				if !errors.Is(err, config.ErrFatalConfig) {
					t.Fatalf("expected fatal config error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("open sink: %v", err)
			}
			defer sink.Close()
			if _, ok := sink.(*SQLiteSink); !ok {
				t.Fatalf("sink type = %T", sink)
			}
			if err := sink.EnsureSchema(context.Background()); err != nil {
				t.Fatalf("schema: %v", err)
			}
			if tt.created != "" {
				if _, err := os.Stat(tt.created); err != nil {
					t.Fatalf("database file not created: %v", err)
				}
			}
		})
	}
}

func TestUpsertSQLOverwritesOnlyVolatileColumns(t *testing.T) {
	stmt := upsertSQL("products", func(i int) string { return fmt.Sprintf("$%d", i) })
	_, update, found := strings.Cut(stmt, "DO UPDATE SET")
	if !found {
		t.Fatalf("statement has no update clause: %s", stmt)
	}
	for _, col := range []string{"brand", "full_name", "model_id", "partition_label", "product_url"} {
		if strings.Contains(update, col+" = ") {
			t.Fatalf("descriptive column %s is overwritten", col)
		}
	}
	for _, col := range volatileColumns {
		if !strings.Contains(update, col+" = excluded."+col) {
			t.Fatalf("volatile column %s not refreshed", col)
		}
	}
}
