package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/models"
)

// SQLiteSink stores records in a local SQLite file.
type SQLiteSink struct {
	db     *sql.DB
	table  string
	upsert string
}

// NewSQLiteSink opens path (":memory:" for tests).
func NewSQLiteSink(path, table string) (*SQLiteSink, error) {
	if !config.ValidIdentifier(table) {
		return nil, fmt.Errorf("table name %q is not a plain identifier", table)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// one writer; also keeps a :memory: database on a single connection
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return &SQLiteSink{
		db:     db,
		table:  table,
		upsert: upsertSQL(table, func(int) string { return "?" }),
	}, nil
}

// EnsureSchema creates the table when it does not exist.
func (s *SQLiteSink) EnsureSchema(ctx context.Context) error {
	ddl := schemaSQL(s.table, columnTypes{
		text: "TEXT", integer: "INTEGER", real: "REAL", boolean: "INTEGER", timestamp: "DATETIME",
	})
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Upsert writes one record.
func (s *SQLiteSink) Upsert(ctx context.Context, product *models.Product) error {
	if _, err := s.db.ExecContext(ctx, s.upsert, productArgs(product)...); err != nil {
		return fmt.Errorf("upsert %s/%s: %w", product.Platform, product.ProductID, err)
	}
	return nil
}

// BatchUpsert writes products in one transaction. A failing statement does
// not abort the SQLite transaction, so the remaining records still commit.
func (s *SQLiteSink) BatchUpsert(ctx context.Context, products []*models.Product) (int, error) {
	if len(products) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return upsertEach(ctx, products, s.Upsert)
	}
	stmt, err := tx.PrepareContext(ctx, s.upsert)
	if err != nil {
		tx.Rollback()
		return upsertEach(ctx, products, s.Upsert)
	}
	defer stmt.Close()

	var errs []error
	persisted := 0
	for _, p := range products {
		if _, err := stmt.ExecContext(ctx, productArgs(p)...); err != nil {
			errs = append(errs, fmt.Errorf("upsert %s/%s: %w", p.Platform, p.ProductID, err))
			continue
		}
		persisted++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return persisted, errors.Join(errs...)
}

// DB exposes the handle for inspection.
func (s *SQLiteSink) DB() *sql.DB { return s.db }

// Close releases the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
