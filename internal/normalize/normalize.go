// Package normalize turns raw extracted strings into canonical product
// records. Every function here is total: malformed input degrades to a
// default or empty value, never an error. Nothing in this package
// mutates its input, so the same raw record always normalizes to the
// same result.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/scrapeworks/harvester/internal/scrape"
)

// MaxImages caps the image list length per record.
const MaxImages = 10

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	nonAlnumRun   = regexp.MustCompile(`[^a-z0-9]+`)
	priceNumber   = regexp.MustCompile(`-?\d[\d.,]*`)
)

// Placeholder tokens that mean "no value" regardless of field.
var placeholders = map[string]struct{}{
	"n/a":  {},
	"na":   {},
	"none": {},
	"null": {},
	"-":    {},
	"--":   {},
}

// CleanText trims, collapses whitespace, decodes HTML entities and
// percent-encoding, and strips known placeholder tokens.
func CleanText(s string) string {
	s = html.UnescapeString(s)
	if decoded, err := url.QueryUnescape(s); err == nil && strings.Contains(s, "%") {
		s = decoded
	}
	s = whitespaceRun.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if _, ok := placeholders[strings.ToLower(s)]; ok {
		return ""
	}
	return s
}

// ParsePrice strips currency symbols and separators and parses the first
// numeric run. The second return is false when no price is present, as
// in "Call for price" or empty input: the "unknown" sentinel.
func ParsePrice(s string) (float64, bool) {
	s = CleanText(s)
	if s == "" {
		return 0, false
	}
	match := priceNumber.FindString(s)
	if match == "" {
		return 0, false
	}
	match = normalizeSeparators(match)
	v, err := strconv.ParseFloat(match, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// normalizeSeparators resolves "," vs "." using the digits after the
// last separator: exactly three means thousands grouping, so "$1,299"
// and "1.299,00" both keep their full magnitude, while one or two
// digits mark the decimal part.
func normalizeSeparators(s string) string {
	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	last := lastComma
	if lastDot > last {
		last = lastDot
	}
	if last == -1 {
		return s
	}
	if len(s[last+1:]) == 3 {
		// "1,299" or "12.345.678": every separator is a grouping mark.
		s = strings.ReplaceAll(s, ".", "")
		return strings.ReplaceAll(s, ",", "")
	}
	if lastDot > lastComma {
		// "1,299.00": commas are thousands separators.
		return strings.ReplaceAll(s, ",", "")
	}
	// "1.299,00": European style.
	s = strings.ReplaceAll(s, ".", "")
	return strings.ReplaceAll(s, ",", ".")
}

// Slugify lowercases, transliterates to ASCII, and replaces
// non-alphanumeric runs with a single hyphen.
func Slugify(s string) string {
	s = strings.ToLower(CleanText(s))
	s = stripDiacritics(s)
	s = nonAlnumRun.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

func stripDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// GenerateSKU derives a stable SKU from title, site, and position for
// records whose recipe yields no SKU. The hash keeps it stable across
// runs; the position disambiguates identical titles on one page.
func GenerateSKU(title, site string, position int) string {
	base := Slugify(title)
	if len(base) > 24 {
		base = base[:24]
	}
	sum := sha256.Sum256([]byte(site + "|" + title + "|" + strconv.Itoa(position)))
	short := hex.EncodeToString(sum[:4])
	if base == "" {
		return strings.ToUpper(short)
	}
	return strings.ToUpper(base) + "-" + strings.ToUpper(short)
}

// Stock vocabulary observed across recipe targets. Zero-count forms
// like "0 left" are handled by leadingCount, not listed here, so they
// never match a larger count by substring.
var outOfStockPhrases = []string{
	"out of stock", "outofstock", "out-of-stock", "sold out", "soldout",
	"unavailable", "not available", "discontinued",
	"agotado", "nicht verfügbar", "rupture",
}

var inStockPhrases = []string{
	"in stock", "instock", "available", "add to cart", "add to basket",
	"ready to ship", "ships", "left in stock", "auf lager", "disponible",
}

// MapStockStatus maps a raw availability string onto the canonical enum.
func MapStockStatus(s string) scrape.StockStatus {
	s = strings.ToLower(CleanText(s))
	if s == "" {
		return scrape.StockUnknown
	}
	// Counts first: "10 left" must never fall through to a phrase scan
	// that could match part of the number.
	if n, ok := leadingCount(s); ok {
		if n == 0 {
			return scrape.StockOutOfStock
		}
		return scrape.StockInStock
	}
	for _, p := range outOfStockPhrases {
		if strings.Contains(s, p) {
			return scrape.StockOutOfStock
		}
	}
	for _, p := range inStockPhrases {
		if strings.Contains(s, p) {
			return scrape.StockInStock
		}
	}
	if s == "true" || s == "yes" || s == "1" {
		return scrape.StockInStock
	}
	if s == "false" || s == "no" || s == "0" {
		return scrape.StockOutOfStock
	}
	return scrape.StockUnknown
}

func leadingCount(s string) (int, bool) {
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return 0, false
	}
	first := fields[0]
	if first == "only" && len(fields) >= 3 {
		first = fields[1]
	}
	rest := strings.Join(fields[1:], " ")
	if !strings.Contains(rest, "left") && !strings.Contains(rest, "remaining") &&
		!strings.Contains(rest, "in stock") && !strings.Contains(rest, "available") {
		return 0, false
	}
	n, err := strconv.Atoi(first)
	if err != nil {
		return 0, false
	}
	return n, true
}

// NormalizeImages filters out relative or unparseable URLs, deduplicates
// preserving order, and caps the list at MaxImages.
func NormalizeImages(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, img := range raw {
		img = strings.TrimSpace(img)
		u, err := url.Parse(img)
		if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
			continue
		}
		if _, dup := seen[img]; dup {
			continue
		}
		seen[img] = struct{}{}
		out = append(out, img)
		if len(out) >= MaxImages {
			break
		}
	}
	return out
}

// FlattenAttributes cleans attribute keys and values into a flat
// name→value map, dropping entries that clean to empty.
func FlattenAttributes(raw map[string]string) map[string]string {
	if len(raw) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		key := CleanText(k)
		val := CleanText(v)
		if key == "" || val == "" {
			continue
		}
		out[strings.ToLower(whitespaceRun.ReplaceAllString(key, "_"))] = val
	}
	return out
}

// ApplyTransforms runs a recipe's per-field cleanup pipeline over s.
// Unknown transform names are skipped; recipe validation rejects them
// before a job ever runs, so this is belt-and-suspenders only.
func ApplyTransforms(s string, pipeline []string) string {
	for _, t := range pipeline {
		switch t {
		case "trim":
			s = strings.TrimSpace(s)
		case "collapse_spaces":
			s = whitespaceRun.ReplaceAllString(s, " ")
		case "lowercase":
			s = strings.ToLower(s)
		case "uppercase":
			s = strings.ToUpper(s)
		case "strip_html":
			s = stripTags(s)
		case "decode_entities":
			s = html.UnescapeString(s)
		}
	}
	return s
}

var tagRun = regexp.MustCompile(`<[^>]*>`)

func stripTags(s string) string {
	return tagRun.ReplaceAllString(s, " ")
}

// UniqueSKU returns sku, suffixed with -2, -3, ... until it is absent
// from taken, and records the result in taken.
func UniqueSKU(sku string, taken map[string]struct{}) string {
	if _, dup := taken[sku]; !dup {
		taken[sku] = struct{}{}
		return sku
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", sku, i)
		if _, dup := taken[candidate]; !dup {
			taken[candidate] = struct{}{}
			return candidate
		}
	}
}
