// Package emails extracts candidate email addresses from page content.
package emails

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var pattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)

// Asset file names such as logo@2x.png match the address pattern.
var assetSuffixes = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg"}

// Extract returns the distinct addresses found in text, in first-seen order. Matching is
// case-sensitive; duplicates are detected case-insensitively and the first spelling wins.
func Extract(text string) []string {
	var set Set
	for _, m := range pattern.FindAllString(text, -1) {
		set.Add(m)
	}
	return set.Values()
}

// ExtractHTML collects mailto: link targets first, then addresses in the raw markup.
func ExtractHTML(body string) []string {
	var set Set
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err == nil {
		doc.Find(`a[href]`).Each(func(_ int, s *goquery.Selection) {
			target, ok := mailtoTarget(s.AttrOr("href", ""))
			if !ok {
				return
			}
			for _, m := range pattern.FindAllString(target, -1) {
				set.Add(m)
			}
		})
	}
	for _, m := range pattern.FindAllString(body, -1) {
		set.Add(m)
	}
	return set.Values()
}

func mailtoTarget(href string) (string, bool) {
	href = strings.TrimSpace(href)
	if len(href) < 7 || !strings.EqualFold(href[:7], "mailto:") {
		return "", false
	}
	href = href[7:]
	if i := strings.IndexByte(href, '?'); i >= 0 {
		href = href[:i]
	}
	if decoded, err := url.PathUnescape(href); err == nil {
		href = decoded
	}
	return href, true
}

// Set is an insertion-ordered set of addresses keyed case-insensitively.
// The zero value is ready to use.
type Set struct {
	seen   map[string]struct{}
	values []string
}

// Add inserts addr unless an equal address (ignoring case) is present or addr looks
// like an asset file name. It reports whether addr was added.
func (s *Set) Add(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" || isAsset(addr) {
		return false
	}
	key := strings.ToLower(addr)
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	s.values = append(s.values, addr)
	return true
}

// Values returns the addresses in insertion order.
func (s *Set) Values() []string {
	return append([]string(nil), s.values...)
}

func (s *Set) Len() int {
	return len(s.values)
}

func isAsset(addr string) bool {
	lower := strings.ToLower(addr)
	for _, suf := range assetSuffixes {
		if strings.HasSuffix(lower, suf) {
			return true
		}
	}
	return false
}

// VisibleText returns the whitespace-collapsed text of an HTML document's body, without
// scripts and styles.
func VisibleText(body string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return ""
	}
	doc.Find("script, style, noscript").Remove()
	return strings.Join(strings.Fields(doc.Find("body").Text()), " ")
}
