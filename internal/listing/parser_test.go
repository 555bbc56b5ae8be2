package listing_test

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/shpitdev/gmaps-lead-pipeline/internal/listing"
)

const fullCard = `<div class="Nv2PK THOPZb CpccDe">
  <a class="hfpxzc" aria-label="Blue Door Bakery" href="https://www.google.com/maps/place/Blue+Door+Bakery/data=!4m7!3m6!1s0x89c259a61c75684f:0x79d31adb123a1c4e!8m2!3d40.7127753!4d-74.0059728!16s%2Fg%2F11abc!19sChIJN1t_tDeuEmsRUsoyG83frY4"></a>
  <div class="bfdHYd">
    <div class="qBF1Pd fontHeadlineSmall">Blue Door Bakery</div>
    <div class="W4Efsd">
      <div class="W4Efsd"><span class="ZkP5Je"><span class="MW4etd">4,6</span><span class="UY7F9">(1,234)</span></span></div>
      <div class="W4Efsd"><span><span>Bakery</span></span><span> · </span><span><span>` + "" + `</span><span>12 Orchard St</span></span></div>
      <div class="W4Efsd"><span>Open ⋅ Closes 6 PM</span><span> · </span><span class="UsdlK">(212) 555-0142</span></div>
    </div>
  </div>
  <a data-value="Website" href="https://www.google.com/url?q=https://bluedoor.example/&amp;sa=U"></a>
</div>`

func TestParser_FullCard(t *testing.T) {
	rec, err := listing.NewParser().Parse(listing.RawItem{HTML: fullCard})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Name != "Blue Door Bakery" {
		t.Fatalf("name=%q", rec.Name)
	}
	if rec.Rating == nil || *rec.Rating != 4.6 {
		t.Fatalf("rating=%v", rec.Rating)
	}
	if rec.ReviewCount == nil || *rec.ReviewCount != 1234 {
		t.Fatalf("review_count=%v", rec.ReviewCount)
	}
	if rec.Category != "Bakery" {
		t.Fatalf("category=%q", rec.Category)
	}
	if rec.Address != "12 Orchard St" {
		t.Fatalf("address=%q", rec.Address)
	}
	if rec.Phone != "(212) 555-0142" {
		t.Fatalf("phone=%q", rec.Phone)
	}
	if rec.Website != "https://bluedoor.example/" {
		t.Fatalf("website=%q", rec.Website)
	}
	if rec.SourceID != "ChIJN1t_tDeuEmsRUsoyG83frY4" {
		t.Fatalf("source_id=%q", rec.SourceID)
	}
	if !strings.HasPrefix(rec.PlaceURL, "https://www.google.com/maps/place/Blue+Door+Bakery") {
		t.Fatalf("place_url=%q", rec.PlaceURL)
	}
	if rec.Latitude == nil || rec.Longitude == nil ||
		math.Abs(*rec.Latitude-40.7127753) > 1e-9 || math.Abs(*rec.Longitude+74.0059728) > 1e-9 {
		t.Fatalf("coords=%v,%v", rec.Latitude, rec.Longitude)
	}
	if rec.ExtractedAt.IsZero() {
		t.Fatalf("extracted_at not set")
	}
}

func TestParser_MissingOptionalFields(t *testing.T) {
	card := `<div class="Nv2PK"><a class="hfpxzc" aria-label="Corner Cafe" href="https://www.google.com/maps/place/Corner+Cafe/@51.5,-0.12,17z"></a></div>`
	rec, err := listing.NewParser().Parse(listing.RawItem{HTML: card})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Name != "Corner Cafe" {
		t.Fatalf("name=%q", rec.Name)
	}
	if rec.Rating != nil || rec.ReviewCount != nil {
		t.Fatalf("expected absent rating/reviews, got %v/%v", rec.Rating, rec.ReviewCount)
	}
	if rec.Category != "" || rec.Address != "" || rec.Phone != "" || rec.Website != "" {
		t.Fatalf("expected empty optional fields, got %#v", rec)
	}
	if rec.Latitude == nil || *rec.Latitude != 51.5 || *rec.Longitude != -0.12 {
		t.Fatalf("coords=%v,%v", rec.Latitude, rec.Longitude)
	}
	if !strings.HasPrefix(rec.SourceID, "h:") {
		t.Fatalf("expected hashed source id, got %q", rec.SourceID)
	}
}

func TestParser_CardWithoutAddress(t *testing.T) {
	card := `<div class="Nv2PK">
  <a class="hfpxzc" aria-label="Pop-up Bakery" href="https://www.google.com/maps/place/Pop-up+Bakery/data=!4m7!19sChIJpopup1"></a>
  <div class="qBF1Pd">Pop-up Bakery</div>
  <div class="W4Efsd">
    <div class="W4Efsd"><span class="MW4etd">4.8</span><span class="UY7F9">(52)</span> · <span>$$</span></div>
    <div class="W4Efsd"><span>Bakery</span></div>
    <div class="W4Efsd"><span>Open ⋅ Closes 6 PM</span></div>
  </div>
</div>`
	rec, err := listing.NewParser().Parse(listing.RawItem{HTML: card})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Category != "Bakery" {
		t.Fatalf("category=%q", rec.Category)
	}
	if rec.Address != "" {
		t.Fatalf("address=%q, want none", rec.Address)
	}
	if rec.Key() != "pop-up bakery|id:ChIJpopup1" {
		t.Fatalf("key=%q should fall back to the source id", rec.Key())
	}
}

func TestParser_StatusSegmentsAreNotAddresses(t *testing.T) {
	for _, status := range []string{"Open 24 hours", "Closed", "Opens 9 AM Mon", "Temporarily closed", "Permanently closed", "Closes soon"} {
		t.Run(status, func(t *testing.T) {
			card := `<div class="Nv2PK"><div class="qBF1Pd">Night Owl Diner</div>` +
				`<div class="W4Efsd">Diner · ` + status + `</div></div>`
			rec, err := listing.NewParser().Parse(listing.RawItem{ID: "n1", HTML: card})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Category != "Diner" || rec.Address != "" {
				t.Fatalf("category=%q address=%q", rec.Category, rec.Address)
			}
		})
	}
}

func TestParser_PrefersPageSuppliedIDAndURL(t *testing.T) {
	card := `<div class="Nv2PK"><div class="qBF1Pd">Harbor Books</div></div>`
	rec, err := listing.NewParser().Parse(listing.RawItem{ID: "card-7", HTML: card, PlaceURL: "https://maps.example/place/7"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.SourceID != "card-7" || rec.PlaceURL != "https://maps.example/place/7" {
		t.Fatalf("unexpected ids: %#v", rec)
	}
}

func TestParser_MissingNameIsParseFailure(t *testing.T) {
	card := `<div class="Nv2PK"><div class="W4Efsd">Bakery · 1 Main St</div></div>`
	_, err := listing.NewParser().Parse(listing.RawItem{ID: "card-3", HTML: card})

	var pf *listing.ParseFailure
	if !errors.As(err, &pf) {
		t.Fatalf("expected ParseFailure, got %v", err)
	}
	if !errors.Is(err, listing.ErrMissingName) {
		t.Fatalf("expected ErrMissingName cause, got %v", err)
	}
	if pf.SourceID != "card-3" {
		t.Fatalf("source id=%q", pf.SourceID)
	}
}

func TestParseRating(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{in: "4.5", want: 4.5, ok: true},
		{in: " 4,5 ", want: 4.5, ok: true},
		{in: "5", want: 5, ok: true},
		{in: "", ok: false},
		{in: "n/a", ok: false},
		{in: "7.2", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := listing.ParseRating(tt.in)
			if !tt.ok {
				if got != nil {
					t.Fatalf("ParseRating(%q)=%v want nil", tt.in, *got)
				}
				return
			}
			if got == nil || *got != tt.want {
				t.Fatalf("ParseRating(%q)=%v want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseReviewCount(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{in: "(1,234)", want: 1234, ok: true},
		{in: "(87)", want: 87, ok: true},
		{in: "1.234", want: 1234, ok: true},
		{in: "(1.2K)", want: 1200, ok: true},
		{in: "(1.2M)", want: 1200000, ok: true},
		{in: "3k", want: 3000, ok: true},
		{in: "(K)", ok: false},
		{in: "()", ok: false},
		{in: "", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := listing.ParseReviewCount(tt.in)
			if !tt.ok {
				if got != nil {
					t.Fatalf("ParseReviewCount(%q)=%d want nil", tt.in, *got)
				}
				return
			}
			if got == nil || *got != tt.want {
				t.Fatalf("ParseReviewCount(%q)=%v want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeWebsiteAndPhone(t *testing.T) {
	if got := listing.NormalizeWebsite("https://www.google.com/url?q=http://shop.example/contact&sa=U"); got != "http://shop.example/contact" {
		t.Fatalf("unwrap redirect: %q", got)
	}
	if got := listing.NormalizeWebsite("  https://shop.example  "); got != "https://shop.example" {
		t.Fatalf("trim: %q", got)
	}
	if got := listing.NormalizePhone("TEL:+1 212 555 0142"); got != "+1 212 555 0142" {
		t.Fatalf("phone: %q", got)
	}
}
