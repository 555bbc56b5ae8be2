package listing

import (
	"crypto/sha1"
	"encoding/hex"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

// Result card selectors for the Maps search feed.
const (
	SelFeed     = `div[role="feed"]`
	SelCard     = `div.Nv2PK`
	selName     = `.qBF1Pd`
	selLink     = `a.hfpxzc`
	selRating   = `.MW4etd`
	selReviews  = `.UY7F9`
	selInfo     = `.W4Efsd`
	selPhone    = `.UsdlK`
	selWebsite  = `a[data-value="Website"]`
	selWebsite2 = `a[aria-label*="Website"]`
)

var (
	coordsDataRe = regexp.MustCompile(`!3d(-?\d+(?:\.\d+)?)!4d(-?\d+(?:\.\d+)?)`)
	coordsAtRe   = regexp.MustCompile(`@(-?\d+(?:\.\d+)?),(-?\d+(?:\.\d+)?)`)
	placeIDRe    = regexp.MustCompile(`!19s([A-Za-z0-9_-]+)`)
	featureIDRe  = regexp.MustCompile(`!1s(0x[0-9a-fA-F]+:0x[0-9a-fA-F]+)`)
	ratingSegRe  = regexp.MustCompile(`^\d(?:[.,]\d)?\s*\([\d.,KkMm\s]+\)$`)
	phoneSegRe   = regexp.MustCompile(`^\+?[\d][\d\s().-]{6,}$`)

	priceSegRe = regexp.MustCompile(`^[$€£¥₹₩][\d$€£¥₹₩,.\s–-]*\+?$`)
	// Opening hours and business status, e.g. "Open 24 hours", "Closes 6 PM", "Temporarily closed".
	hoursSegRe = regexp.MustCompile(`(?i)^(open|opens|opening soon|closed|closes|closing soon|temporarily closed|permanently closed)\b`)
)

// Parser turns raw result cards into Records. It holds no per-run state.
type Parser struct {
	now func() time.Time
}

func NewParser() *Parser {
	return &Parser{now: time.Now}
}

// Parse extracts a Record from one card. Each field is located independently; only a
// missing name is an error.
func (p *Parser) Parse(item RawItem) (Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(item.HTML))
	if err != nil {
		return Record{}, &ParseFailure{SourceID: item.ID, Err: err}
	}
	card := doc.Find(SelCard).First()
	if card.Length() == 0 {
		card = doc.Selection
	}

	link := card.Find(selLink).First()
	placeURL := strings.TrimSpace(item.PlaceURL)
	if placeURL == "" {
		placeURL = strings.TrimSpace(link.AttrOr("href", ""))
	}

	name := cleanText(card.Find(selName).First().Text())
	if name == "" {
		name = cleanText(link.AttrOr("aria-label", ""))
	}
	if name == "" {
		return Record{}, &ParseFailure{SourceID: sourceID(item.ID, placeURL), Err: ErrMissingName}
	}

	rec := Record{
		Name:        name,
		Rating:      ParseRating(card.Find(selRating).First().Text()),
		ReviewCount: ParseReviewCount(card.Find(selReviews).First().Text()),
		Phone:       NormalizePhone(cleanText(card.Find(selPhone).First().Text())),
		PlaceURL:    placeURL,
		SourceID:    sourceID(item.ID, placeURL),
		ExtractedAt: p.now().UTC(),
	}

	website := card.Find(selWebsite).First().AttrOr("href", "")
	if website == "" {
		website = card.Find(selWebsite2).First().AttrOr("href", "")
	}
	rec.Website = NormalizeWebsite(website)

	// Category and address share the first line; service-area businesses have no address.
	lines := infoLines(card)
	if len(lines) > 0 {
		first := lines[0]
		if !phoneSegRe.MatchString(first[0]) {
			rec.Category = first[0]
		}
		if last := first[len(first)-1]; len(first) >= 2 && !phoneSegRe.MatchString(last) {
			rec.Address = last
		}
	}
	if rec.Phone == "" {
		rec.Phone = findPhone(lines, rec.Address)
	}

	rec.Latitude, rec.Longitude = Coordinates(placeURL)
	return rec, nil
}

// infoLines returns the "·" separated segments of each leaf info line, with rating, price
// level, opening hours and empty segments removed.
func infoLines(card *goquery.Selection) [][]string {
	var out [][]string
	card.Find(selInfo).Each(func(_ int, s *goquery.Selection) {
		if s.Find(selInfo).Length() > 0 {
			return
		}
		var segs []string
		for _, part := range strings.FieldsFunc(s.Text(), isSeparator) {
			part = cleanText(part)
			if part == "" || ratingSegRe.MatchString(part) || priceSegRe.MatchString(part) || hoursSegRe.MatchString(part) {
				continue
			}
			segs = append(segs, part)
		}
		if len(segs) > 0 {
			out = append(out, segs)
		}
	})
	return out
}

func findPhone(lines [][]string, address string) string {
	for _, segs := range lines {
		for _, s := range segs {
			if s != address && phoneSegRe.MatchString(s) {
				return s
			}
		}
	}
	return ""
}

func isSeparator(r rune) bool {
	return r == '·' || r == '⋅' || r == '•'
}

// cleanText drops icon glyphs (private use runes), collapses whitespace and trims.
func cleanText(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.In(r, unicode.Co) {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// ParseRating parses "4.5" or "4,5". Values outside 0..5 are rejected.
func ParseRating(raw string) *float64 {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, ",", "."))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v > 5 {
		return nil
	}
	return &v
}

// ParseReviewCount parses "(1,234)", "1.234", "(1.2K)" or "(1.2M)".
func ParseReviewCount(raw string) *int {
	raw = strings.Trim(strings.TrimSpace(raw), "()")
	if raw == "" {
		return nil
	}
	scale := 0.0
	switch raw[len(raw)-1] {
	case 'K', 'k':
		scale = 1e3
	case 'M', 'm':
		scale = 1e6
	}
	if scale > 0 {
		num := strings.TrimSpace(raw[:len(raw)-1])
		v, err := strconv.ParseFloat(strings.ReplaceAll(num, ",", "."), 64)
		if err != nil || v < 0 {
			return nil
		}
		n := int(math.Round(v * scale))
		return &n
	}
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return nil
	}
	n, err := strconv.Atoi(b.String())
	if err != nil {
		return nil
	}
	return &n
}

// NormalizeWebsite trims a website link and unwraps Google redirect links.
func NormalizeWebsite(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if u, err := url.Parse(raw); err == nil && strings.HasSuffix(u.Hostname(), "google.com") && u.Path == "/url" {
		if target := u.Query().Get("q"); target != "" {
			return strings.TrimSpace(target)
		}
		if target := u.Query().Get("url"); target != "" {
			return strings.TrimSpace(target)
		}
	}
	return raw
}

// NormalizePhone strips a tel: prefix.
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) >= 4 && strings.EqualFold(raw[:4], "tel:") {
		raw = raw[4:]
	}
	return strings.TrimSpace(raw)
}

// Coordinates reads latitude and longitude from a place URL.
func Coordinates(placeURL string) (lat, lng *float64) {
	m := coordsDataRe.FindStringSubmatch(placeURL)
	if m == nil {
		m = coordsAtRe.FindStringSubmatch(placeURL)
	}
	if m == nil {
		return nil, nil
	}
	la, err1 := strconv.ParseFloat(m[1], 64)
	ln, err2 := strconv.ParseFloat(m[2], 64)
	if err1 != nil || err2 != nil || la < -90 || la > 90 || ln < -180 || ln > 180 {
		return nil, nil
	}
	return &la, &ln
}

func sourceID(pageID, placeURL string) string {
	if id := strings.TrimSpace(pageID); id != "" {
		return id
	}
	if m := placeIDRe.FindStringSubmatch(placeURL); m != nil {
		return m[1]
	}
	if m := featureIDRe.FindStringSubmatch(placeURL); m != nil {
		return m[1]
	}
	if placeURL == "" {
		return ""
	}
	sum := sha1.Sum([]byte(placeURL))
	return "h:" + hex.EncodeToString(sum[:8])
}
