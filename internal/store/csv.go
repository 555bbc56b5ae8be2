// Package store maps listing datasets to and from their tabular interchange files and
// forwards enriched rows to optional database and messaging sinks.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shpitdev/gmaps-lead-pipeline/internal/listing"
	"github.com/shpitdev/gmaps-lead-pipeline/pkg/pipeline/core"
	"github.com/shpitdev/gmaps-lead-pipeline/pkg/pipeline/io/local"
	"github.com/shpitdev/gmaps-lead-pipeline/pkg/pipeline/schema"
)

// EmailSeparator joins the emails of one row.
const EmailSeparator = ", "

// Column aliases accepted when reading files written by other tools.
var aliases = map[string][]string{
	schema.ColReviewCount: {schema.ColReviewCount, "reviews"},
	schema.ColExtractedAt: {schema.ColExtractedAt, "extracted_time"},
}

// readColumns is the minimal column set a readable listings file must carry.
var readColumns = append(schema.Listings.Required(), schema.ColWebsite)

// ListingRow renders r in schema.Listings column order. Absent optional values are empty.
func ListingRow(r listing.Record) []string {
	return []string{
		r.Name,
		formatFloat(r.Rating),
		formatInt(r.ReviewCount),
		r.Category,
		r.Address,
		r.Phone,
		r.Website,
		r.PlaceURL,
		formatFloat(r.Latitude),
		formatFloat(r.Longitude),
		r.SourceID,
		formatTime(r.ExtractedAt),
	}
}

// EnrichedRow renders e in schema.Enriched column order.
func EnrichedRow(e listing.Enriched) []string {
	return append(ListingRow(e.Record), strings.Join(e.Emails, EmailSeparator))
}

func WriteListings(w io.Writer, records []listing.Record) error {
	rows := make([][]string, len(records))
	for i, r := range records {
		rows[i] = ListingRow(r)
	}
	return local.WriteTable(w, schema.Listings.Header(), rows)
}

func WriteEnriched(w io.Writer, rows []listing.Enriched) error {
	out := make([][]string, len(rows))
	for i, e := range rows {
		out[i] = EnrichedRow(e)
	}
	return local.WriteTable(w, schema.Enriched.Header(), out)
}

// ReadListings reads a listings file. Rows without a name are dropped.
func ReadListings(r io.Reader) ([]listing.Record, error) {
	t, err := local.ReadTable(r, readColumns...)
	if err != nil {
		return nil, err
	}
	out := make([]listing.Record, 0, len(t.Rows))
	for _, row := range t.Rows {
		rec := recordFromRow(t, row)
		if rec.Name == "" {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// ReadEnriched reads an enriched file. A missing emails column yields rows without emails.
func ReadEnriched(r io.Reader) ([]listing.Enriched, error) {
	t, err := local.ReadTable(r, readColumns...)
	if err != nil {
		return nil, err
	}
	out := make([]listing.Enriched, 0, len(t.Rows))
	for _, row := range t.Rows {
		rec := recordFromRow(t, row)
		if rec.Name == "" {
			continue
		}
		out = append(out, listing.Enriched{Record: rec, Emails: ParseEmails(get(t, row, schema.ColEmails))})
	}
	return out, nil
}

// ParseEmails splits an emails cell. Empty cells and "N/A" yield nil.
func ParseEmails(cell string) []string {
	var out []string
	for _, part := range strings.Split(cell, ",") {
		part = strings.TrimSpace(part)
		if part == "" || strings.EqualFold(part, "n/a") {
			continue
		}
		out = append(out, part)
	}
	return out
}

func recordFromRow(t *local.Table, row []string) listing.Record {
	rec := listing.Record{
		Name:     get(t, row, schema.ColName),
		Category: get(t, row, schema.ColCategory),
		Address:  get(t, row, schema.ColAddress),
		Phone:    get(t, row, schema.ColPhone),
		Website:  get(t, row, schema.ColWebsite),
		PlaceURL: get(t, row, schema.ColPlaceURL),
		SourceID: get(t, row, schema.ColSourceID),
	}
	rec.Rating = listing.ParseRating(get(t, row, schema.ColRating))
	rec.ReviewCount = listing.ParseReviewCount(get(t, row, schema.ColReviewCount))
	rec.Latitude = parseFloat(get(t, row, schema.ColLatitude))
	rec.Longitude = parseFloat(get(t, row, schema.ColLongitude))
	rec.ExtractedAt = parseTime(get(t, row, schema.ColExtractedAt))
	return rec
}

// get reads col (or one of its aliases) and maps "N/A" to empty.
func get(t *local.Table, row []string, col string) string {
	names := aliases[col]
	if names == nil {
		names = []string{col}
	}
	for _, name := range names {
		if !t.Has(name) {
			continue
		}
		v := t.Get(row, name)
		if strings.EqualFold(v, "n/a") {
			return ""
		}
		return v
	}
	return ""
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, time.DateTime, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// ListingsFile is a listings CSV on disk.
type ListingsFile struct {
	Path string
}

var _ core.Source[listing.Record] = ListingsFile{}

func (f ListingsFile) Load(_ context.Context) ([]listing.Record, error) {
	in, err := os.Open(f.Path)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	recs, err := ReadListings(in)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Path, err)
	}
	return recs, nil
}

// Store replaces the file with records.
func (f ListingsFile) Store(_ context.Context, records []listing.Record) error {
	return writeFile(f.Path, func(w io.Writer) error { return WriteListings(w, records) })
}

// EnrichedFile is an enriched CSV on disk.
type EnrichedFile struct {
	Path string
}

var _ core.Sink[listing.Enriched] = EnrichedFile{}

func (f EnrichedFile) Load(_ context.Context) ([]listing.Enriched, error) {
	in, err := os.Open(f.Path)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	rows, err := ReadEnriched(in)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Path, err)
	}
	return rows, nil
}

// Store replaces the file with rows.
func (f EnrichedFile) Store(_ context.Context, rows []listing.Enriched) error {
	return writeFile(f.Path, func(w io.Writer) error { return WriteEnriched(w, rows) })
}

// KnownEmails loads a previous enriched file into a website -> emails map for resuming a
// harvest. Rows without emails are left out so their sites are fetched again. A missing
// file yields an empty map. key normalizes each row's website.
func (f EnrichedFile) KnownEmails(ctx context.Context, key func(website string) string) (map[string][]string, error) {
	rows, err := f.Load(ctx)
	if errors.Is(err, os.ErrNotExist) {
		return map[string][]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(rows))
	for _, r := range rows {
		k := key(r.Website)
		if k == "" || len(r.Emails) == 0 {
			continue
		}
		if _, seen := out[k]; seen {
			continue
		}
		out[k] = r.Emails
	}
	return out, nil
}

func writeFile(path string, write func(io.Writer) error) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(out); err != nil {
		_ = out.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return out.Close()
}

// ListingAppender streams accepted listings to a CSV file as they are collected.
type ListingAppender struct {
	a *local.Appender
}

// OpenListingAppender opens path for appending, writing the header to a new file.
func OpenListingAppender(path string) (*ListingAppender, error) {
	a, err := local.OpenAppender(path, schema.Listings.Header())
	if err != nil {
		return nil, err
	}
	return &ListingAppender{a: a}, nil
}

func (l *ListingAppender) Append(r listing.Record) error {
	return l.a.Append(ListingRow(r))
}

func (l *ListingAppender) Close() error {
	return l.a.Close()
}
