package store

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/shpitdev/gmaps-lead-pipeline/internal/listing"
	"github.com/shpitdev/gmaps-lead-pipeline/pkg/pipeline/core"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

func checkIdent(kind, name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("invalid %s name %q", kind, name)
	}
	return nil
}

// DedupKey is the stable row key used by database sinks: a hash of the listing key.
func DedupKey(r listing.Record) string {
	sum := sha1.Sum([]byte(r.Key()))
	return hex.EncodeToString(sum[:])
}

// MySQLDSN builds a DSN for the go-sql-driver with parseTime and utf8mb4 enabled.
func MySQLDSN(user, password, addr, dbName string) string {
	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = addr
	cfg.DBName = dbName
	cfg.ParseTime = true
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

// MySQLSink upserts enriched rows into a MySQL table keyed by DedupKey.
type MySQLSink struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

var _ core.Sink[listing.Enriched] = (*MySQLSink)(nil)

// OpenMySQL connects, pings and creates the table when missing.
func OpenMySQL(ctx context.Context, dsn, table string) (*MySQLSink, error) {
	if _, err := mysql.ParseDSN(dsn); err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	s, err := NewMySQLSink(db, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysql ping: %w", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewMySQLSink(db *sql.DB, table string) (*MySQLSink, error) {
	if err := checkIdent("table", table); err != nil {
		return nil, err
	}
	return &MySQLSink{db: db, table: table, now: time.Now}, nil
}

func (s *MySQLSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, mysqlDDL(s.table)); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Store upserts rows in one transaction.
func (s *MySQLSink) Store(ctx context.Context, rows []listing.Enriched) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	prepared, err := tx.PrepareContext(ctx, mysqlUpsert(s.table))
	if err != nil {
		return err
	}
	defer prepared.Close()

	now := s.now().UTC()
	for _, e := range rows {
		if strings.TrimSpace(e.Name) == "" {
			continue
		}
		if _, err := prepared.ExecContext(ctx, mysqlArgs(e, now)...); err != nil {
			return fmt.Errorf("upsert %q: %w", e.Name, err)
		}
	}
	return tx.Commit()
}

func (s *MySQLSink) Close() error {
	return s.db.Close()
}

func mysqlDDL(table string) string {
	return "CREATE TABLE IF NOT EXISTS `" + table + "` (\n" + `  id BIGINT AUTO_INCREMENT PRIMARY KEY,
  dedup_key CHAR(40) NOT NULL,
  name VARCHAR(255) NOT NULL,
  rating DECIMAL(3,2) NULL,
  review_count INT NULL,
  category VARCHAR(255) NULL,
  address VARCHAR(512) NULL,
  phone VARCHAR(64) NULL,
  website TEXT NULL,
  place_url TEXT NULL,
  latitude DECIMAL(10,7) NULL,
  longitude DECIMAL(10,7) NULL,
  source_id VARCHAR(255) NULL,
  emails TEXT NULL,
  email_status VARCHAR(16) NULL,
  extracted_at TIMESTAMP NULL,
  stored_at TIMESTAMP NOT NULL,
  UNIQUE KEY uniq_dedup_key (dedup_key)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`
}

var mysqlColumns = []string{
	"dedup_key", "name", "rating", "review_count", "category", "address", "phone", "website",
	"place_url", "latitude", "longitude", "source_id", "emails", "email_status", "extracted_at", "stored_at",
}

func mysqlUpsert(table string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(mysqlColumns)), ", ")
	var updates []string
	for _, c := range mysqlColumns[1:] {
		updates = append(updates, c+"=VALUES("+c+")")
	}
	return "INSERT INTO `" + table + "` (" + strings.Join(mysqlColumns, ", ") + ")\nVALUES (" + placeholders +
		")\nON DUPLICATE KEY UPDATE\n  " + strings.Join(updates, ",\n  ") + ";"
}

func mysqlArgs(e listing.Enriched, now time.Time) []any {
	return []any{
		DedupKey(e.Record),
		e.Name,
		nullFloat64(e.Rating),
		nullInt(e.ReviewCount),
		nullString(e.Category),
		nullString(e.Address),
		nullString(e.Phone),
		nullString(e.Website),
		nullString(e.PlaceURL),
		nullFloat64(e.Latitude),
		nullFloat64(e.Longitude),
		nullString(e.SourceID),
		nullString(strings.Join(e.Emails, EmailSeparator)),
		nullString(e.EmailStatus),
		nullTime(e.ExtractedAt),
		now,
	}
}

func nullString(value string) sql.NullString {
	value = strings.TrimSpace(value)
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullFloat64(value *float64) sql.NullFloat64 {
	if value == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *value, Valid: true}
}

func nullInt(value *int) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*value), Valid: true}
}

func nullTime(value time.Time) sql.NullTime {
	if value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value.UTC(), Valid: true}
}
