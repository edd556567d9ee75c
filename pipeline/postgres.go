package pipeline

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/models"
)

// pgxExecutor is the part of *pgxpool.Pool the sink writes through.
type pgxExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresSink stores records through a pgx connection pool.
type PostgresSink struct {
	pool   *pgxpool.Pool
	db     pgxExecutor
	table  string
	upsert string
}

// NewPostgresSink connects to dsn and verifies the connection.
func NewPostgresSink(ctx context.Context, dsn, table string) (*PostgresSink, error) {
	if !config.ValidIdentifier(table) {
		return nil, fmt.Errorf("table name %q is not a plain identifier", table)
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres DSN: %w", err)
	}
	if cfg.MaxConns > 4 {
		cfg.MaxConns = 4
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresSink{
		pool:   pool,
		db:     pool,
		table:  table,
		upsert: upsertSQL(table, func(i int) string { return fmt.Sprintf("$%d", i) }),
	}, nil
}

// EnsureSchema creates the table when it does not exist.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	ddl := schemaSQL(s.table, columnTypes{
		text: "TEXT", integer: "INTEGER", real: "DOUBLE PRECISION", boolean: "BOOLEAN", timestamp: "TIMESTAMPTZ",
	})
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Upsert writes one record.
func (s *PostgresSink) Upsert(ctx context.Context, product *models.Product) error {
	if _, err := s.db.Exec(ctx, s.upsert, productArgs(product)...); err != nil {
		return fmt.Errorf("upsert %s/%s: %w", product.Platform, product.ProductID, err)
	}
	return nil
}

// BatchUpsert sends products as one pgx batch. The batch runs in an implicit
// transaction, so when any statement fails the batch is replayed record by
// record and only the failing records are lost.
func (s *PostgresSink) BatchUpsert(ctx context.Context, products []*models.Product) (int, error) {
	if len(products) == 0 {
		return 0, nil
	}
	b := &pgx.Batch{}
	for _, p := range products {
		b.Queue(s.upsert, productArgs(p)...)
	}

	br := s.db.SendBatch(ctx, b)
	var batchErr error
	for range products {
		if _, err := br.Exec(); err != nil {
			batchErr = err
			break
		}
	}
	if err := br.Close(); err != nil && batchErr == nil {
		batchErr = err
	}
	if batchErr == nil {
		return len(products), nil
	}

	return upsertEach(ctx, products, s.Upsert)
}

// Close releases the pool.
func (s *PostgresSink) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
