package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shpitdev/gmaps-lead-pipeline/internal/listing"
	"github.com/shpitdev/gmaps-lead-pipeline/pkg/pipeline/core"
)

type PostgresOptions struct {
	DSN    string
	Schema string
	Table  string
	// MaxConns defaults to 2.
	MaxConns int
	// ViaBouncer switches to the simple query protocol for transaction-pooling proxies.
	ViaBouncer bool
	// BatchSize bounds the statements sent per round trip. Defaults to 200.
	BatchSize int
}

// PostgresSink upserts enriched rows into a Postgres table keyed by DedupKey.
type PostgresSink struct {
	pool      *pgxpool.Pool
	table     string
	batchSize int
}

var _ core.Sink[listing.Enriched] = (*PostgresSink)(nil)

// OpenPostgres connects and creates the table when missing.
func OpenPostgres(ctx context.Context, opts PostgresOptions) (*PostgresSink, error) {
	if opts.Schema == "" {
		opts.Schema = "public"
	}
	if err := checkIdent("schema", opts.Schema); err != nil {
		return nil, err
	}
	if err := checkIdent("table", opts.Table); err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = 2
	}
	cfg.MaxConns = int32(opts.MaxConns)
	if opts.ViaBouncer {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresSink{
		pool:      pool,
		table:     pgx.Identifier{opts.Schema, opts.Table}.Sanitize(),
		batchSize: opts.BatchSize,
	}
	if s.batchSize <= 0 {
		s.batchSize = 200
	}
	if _, err := pool.Exec(ctx, postgresDDL(s.table)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create table %s: %w", s.table, err)
	}
	return s, nil
}

// Store sends rows in batches of BatchSize.
func (s *PostgresSink) Store(ctx context.Context, rows []listing.Enriched) error {
	now := time.Now().UTC()
	for i := 0; i < len(rows); i += s.batchSize {
		j := min(i+s.batchSize, len(rows))
		b := buildPostgresBatch(s.table, rows[i:j], now)
		if b.Len() == 0 {
			continue
		}
		br := s.pool.SendBatch(ctx, b)
		for k := 0; k < b.Len(); k++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("upsert batch at row %d: %w", i, err)
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}

func postgresDDL(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
  dedup_key TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  rating DOUBLE PRECISION,
  review_count INTEGER,
  category TEXT,
  address TEXT,
  phone TEXT,
  website TEXT,
  place_url TEXT,
  latitude DOUBLE PRECISION,
  longitude DOUBLE PRECISION,
  source_id TEXT,
  emails TEXT[] NOT NULL DEFAULT '{}',
  email_status TEXT,
  extracted_at TIMESTAMPTZ,
  stored_at TIMESTAMPTZ NOT NULL
)`
}

func postgresUpsert(table string) string {
	return `INSERT INTO ` + table + `
  (dedup_key, name, rating, review_count, category, address, phone, website,
   place_url, latitude, longitude, source_id, emails, email_status, extracted_at, stored_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
ON CONFLICT (dedup_key) DO UPDATE SET
  name = EXCLUDED.name,
  rating = EXCLUDED.rating,
  review_count = EXCLUDED.review_count,
  category = EXCLUDED.category,
  address = EXCLUDED.address,
  phone = EXCLUDED.phone,
  website = EXCLUDED.website,
  place_url = EXCLUDED.place_url,
  latitude = EXCLUDED.latitude,
  longitude = EXCLUDED.longitude,
  source_id = EXCLUDED.source_id,
  emails = EXCLUDED.emails,
  email_status = EXCLUDED.email_status,
  extracted_at = EXCLUDED.extracted_at,
  stored_at = EXCLUDED.stored_at`
}

func buildPostgresBatch(table string, rows []listing.Enriched, now time.Time) *pgx.Batch {
	b := &pgx.Batch{}
	stmt := postgresUpsert(table)
	for _, e := range rows {
		if strings.TrimSpace(e.Name) == "" {
			continue
		}
		emails := e.Emails
		if emails == nil {
			emails = []string{}
		}
		var extracted *time.Time
		if !e.ExtractedAt.IsZero() {
			t := e.ExtractedAt.UTC()
			extracted = &t
		}
		b.Queue(stmt,
			DedupKey(e.Record), e.Name, e.Rating, e.ReviewCount,
			optional(e.Category), optional(e.Address), optional(e.Phone), optional(e.Website),
			optional(e.PlaceURL), e.Latitude, e.Longitude, optional(e.SourceID),
			emails, optional(e.EmailStatus), extracted, now,
		)
	}
	return b
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
