// Package listing holds the business listing model, the card parser and the per-run
// deduplication index.
package listing

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Record is one business listing captured from a map search result.
type Record struct {
	Name        string
	Rating      *float64
	ReviewCount *int
	Category    string
	Address     string
	Phone       string
	Website     string

	PlaceURL    string
	Latitude    *float64
	Longitude   *float64
	SourceID    string
	ExtractedAt time.Time
}

// Key returns the deduplication key: normalized name and address, falling back to the
// source identifier when the address is unknown.
func (r Record) Key() string {
	name := normalizeKeyPart(r.Name)
	addr := normalizeKeyPart(r.Address)
	if addr != "" {
		return name + "|" + addr
	}
	return name + "|id:" + strings.TrimSpace(r.SourceID)
}

func normalizeKeyPart(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Enriched is a listing plus the emails harvested from its website.
type Enriched struct {
	Record
	Emails      []string
	EmailStatus string
}

// RawItem is one result card as captured from the browser.
type RawItem struct {
	// ID is a stable identifier supplied by the page, if any.
	ID string `json:"id"`
	// HTML is the card's outer HTML.
	HTML string `json:"html"`
	// PlaceURL is the resolved href of the card's place link, if known.
	PlaceURL string `json:"place_url"`
}

// Details are fields read from a listing's own place page.
type Details struct {
	Website string `json:"website"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

// ErrMissingName is the cause of every ParseFailure: a card without a name is unusable.
var ErrMissingName = errors.New("listing name not found")

// ParseFailure reports a result card that could not be turned into a Record.
type ParseFailure struct {
	SourceID string
	Err      error
}

func (e *ParseFailure) Error() string {
	if e.SourceID == "" {
		return fmt.Sprintf("parse listing: %v", e.Err)
	}
	return fmt.Sprintf("parse listing %s: %v", e.SourceID, e.Err)
}

func (e *ParseFailure) Unwrap() error { return e.Err }
