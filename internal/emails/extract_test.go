package emails_test

import (
	"slices"
	"testing"

	"github.com/shpitdev/gmaps-lead-pipeline/internal/emails"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "case-insensitive dedup keeps first spelling",
			in:   "Contact: a@b.com or A@B.COM",
			want: []string{"a@b.com"},
		},
		{
			name: "first-seen order",
			in:   "sales@shop.example, info@shop.example; Sales@Shop.Example",
			want: []string{"sales@shop.example", "info@shop.example"},
		},
		{
			name: "asset names dropped",
			in:   `<img src="/img/logo@2x.png"> hello@bakery.example banner@3x.JPEG`,
			want: []string{"hello@bakery.example"},
		},
		{
			name: "plus and dots allowed",
			in:   "write to first.last+orders@mail.bakery.example.",
			want: []string{"first.last+orders@mail.bakery.example"},
		},
		{
			name: "no matches",
			in:   "call us at (212) 555-0142 or visit in person @ 12 Orchard St",
			want: nil,
		},
		{
			name: "empty input",
			in:   "",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := emails.Extract(tt.in)
			if !slices.Equal(got, tt.want) {
				t.Fatalf("Extract(%q)=%v want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestExtractHTML(t *testing.T) {
	body := `<html><body>
<footer>
  <a href="MAILTO:Orders@Bakery.example?subject=Cake%20order">Email us</a>
  <a href="mailto:hello%40bakery.example">hello</a>
  <a href="/contact">Contact</a>
  <p>Press: press@bakery.example or orders@bakery.example</p>
</footer></body></html>`

	got := emails.ExtractHTML(body)
	want := []string{"Orders@Bakery.example", "hello@bakery.example", "press@bakery.example"}
	if !slices.Equal(got, want) {
		t.Fatalf("ExtractHTML=%v want %v", got, want)
	}
}

func TestSet(t *testing.T) {
	var s emails.Set
	if !s.Add("Info@Shop.example") {
		t.Fatalf("first add should succeed")
	}
	if s.Add("info@shop.EXAMPLE") {
		t.Fatalf("case variant should be rejected")
	}
	if s.Add("icon@2x.svg") {
		t.Fatalf("asset should be rejected")
	}
	if s.Len() != 1 || s.Values()[0] != "Info@Shop.example" {
		t.Fatalf("unexpected values %v", s.Values())
	}
}

func TestVisibleText(t *testing.T) {
	body := `<html><head><style>p{}</style></head><body><script>var a="x@y.example"</script>
<p>Write to   info [at] bakery [dot] example</p></body></html>`
	if got := emails.VisibleText(body); got != "Write to info [at] bakery [dot] example" {
		t.Fatalf("VisibleText=%q", got)
	}
}
