package schema

import (
	"fmt"
	"strings"
)

// SinkKind names an output destination for enriched rows.
type SinkKind string

const (
	SinkCSV      SinkKind = "csv"
	SinkMySQL    SinkKind = "mysql"
	SinkPostgres SinkKind = "postgres"
	SinkNATS     SinkKind = "nats"
)

// Field captures the minimal behavior-relevant schema fields.
type Field struct {
	Name     string
	Type     string
	Nullable bool
}

// DatasetContract is the logical column layout of an interchange file.
type DatasetContract struct {
	Name   string
	Fields []Field
}

// Column names shared by the listings and enriched datasets.
const (
	ColName        = "name"
	ColRating      = "rating"
	ColReviewCount = "review_count"
	ColCategory    = "category"
	ColAddress     = "address"
	ColPhone       = "phone"
	ColWebsite     = "website"
	ColPlaceURL    = "place_url"
	ColLatitude    = "latitude"
	ColLongitude   = "longitude"
	ColSourceID    = "source_id"
	ColExtractedAt = "extracted_at"
	ColEmails      = "emails"
)

// Listings is the stage 1 output layout.
var Listings = DatasetContract{
	Name: "listings",
	Fields: []Field{
		{Name: ColName, Type: "STRING"},
		{Name: ColRating, Type: "DOUBLE", Nullable: true},
		{Name: ColReviewCount, Type: "INTEGER", Nullable: true},
		{Name: ColCategory, Type: "STRING", Nullable: true},
		{Name: ColAddress, Type: "STRING", Nullable: true},
		{Name: ColPhone, Type: "STRING", Nullable: true},
		{Name: ColWebsite, Type: "STRING", Nullable: true},
		{Name: ColPlaceURL, Type: "STRING", Nullable: true},
		{Name: ColLatitude, Type: "DOUBLE", Nullable: true},
		{Name: ColLongitude, Type: "DOUBLE", Nullable: true},
		{Name: ColSourceID, Type: "STRING", Nullable: true},
		{Name: ColExtractedAt, Type: "TIMESTAMP", Nullable: true},
	},
}

// Enriched is the stage 2 output layout: the listings columns plus emails.
var Enriched = DatasetContract{
	Name:   "enriched",
	Fields: append(append([]Field(nil), Listings.Fields...), Field{Name: ColEmails, Type: "STRING", Nullable: true}),
}

// Header returns the column names in order.
func (c DatasetContract) Header() []string {
	out := make([]string, len(c.Fields))
	for i, f := range c.Fields {
		out[i] = f.Name
	}
	return out
}

// Required returns the non-nullable column names.
func (c DatasetContract) Required() []string {
	var out []string
	for _, f := range c.Fields {
		if !f.Nullable {
			out = append(out, f.Name)
		}
	}
	return out
}

// NormalizeSink maps user input to a SinkKind.
func NormalizeSink(raw string) (SinkKind, error) {
	s := strings.TrimSpace(strings.ToLower(raw))
	switch s {
	case "", "csv", "file":
		return SinkCSV, nil
	case "mysql", "mariadb":
		return SinkMySQL, nil
	case "postgres", "postgresql", "pg":
		return SinkPostgres, nil
	case "nats":
		return SinkNATS, nil
	default:
		return "", fmt.Errorf("unknown sink %q (want csv, mysql, postgres or nats)", raw)
	}
}

// NormalizeSinks normalizes and deduplicates a sink list, preserving order.
func NormalizeSinks(raw []string) ([]SinkKind, error) {
	seen := make(map[SinkKind]struct{}, len(raw))
	var out []SinkKind
	for _, r := range raw {
		for _, part := range strings.Split(r, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			k, err := NormalizeSink(part)
			if err != nil {
				return nil, err
			}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out, nil
}
