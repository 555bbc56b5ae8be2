package browser

import (
	"errors"
	"testing"

	"github.com/shpitdev/gmaps-lead-pipeline/internal/collector"
)

func TestSearchURL(t *testing.T) {
	got := SearchURL("  bakeries in Brooklyn, NY ")
	want := "https://www.google.com/maps/search/bakeries%20in%20Brooklyn%2C%20NY"
	if got != want {
		t.Fatalf("SearchURL=%q want %q", got, want)
	}
}

func TestDecodeItems(t *testing.T) {
	items, err := decodeItems(`[{"html":"<div class=\"Nv2PK\">A</div>","place_url":"https://www.google.com/maps/place/a"},{"html":"<div>B</div>","place_url":""}]`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 || items[0].PlaceURL != "https://www.google.com/maps/place/a" || items[1].HTML != "<div>B</div>" {
		t.Fatalf("unexpected items %#v", items)
	}

	if items, err := decodeItems(""); err != nil || items != nil {
		t.Fatalf("empty payload: %v %v", items, err)
	}
	if _, err := decodeItems("{"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestScrollOutcome(t *testing.T) {
	tests := []struct {
		name    string
		before  string
		after   string
		grew    bool
		wantErr error
	}{
		{name: "grew", before: `{"found":true,"height":1200}`, after: `{"found":true,"height":2400}`, grew: true},
		{name: "stalled", before: `{"found":true,"height":1200}`, after: `{"found":true,"height":1200}`},
		{name: "end marker", before: `{"found":true,"height":1200}`, after: `{"found":true,"height":1300,"end":true}`, wantErr: collector.ErrEndOfList},
		{name: "feed gone", before: `{"found":false}`, after: `{"found":false}`, wantErr: ErrNoFeed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			grew, err := scrollOutcome(tt.before, tt.after)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err=%v want %v", err, tt.wantErr)
			}
			if grew != tt.grew {
				t.Fatalf("grew=%v want %v", grew, tt.grew)
			}
		})
	}
}

func TestDecodeDetails(t *testing.T) {
	d, err := decodeDetails(`{"website":"https://www.google.com/url?q=https://bakery.example/&sa=U","phone":"tel:+12125550142","address":"  12 Orchard St,\n New York"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Website != "https://bakery.example/" || d.Phone != "+12125550142" || d.Address != "12 Orchard St, New York" {
		t.Fatalf("unexpected details %#v", d)
	}
}
