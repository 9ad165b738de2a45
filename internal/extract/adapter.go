// Package extract evaluates recipe selectors against fetched pages.
//
// The adapter is the only place that touches HTML. It yields raw string
// fields; all cleanup happens downstream in the normalize package.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/scrapeworks/harvester/internal/recipe"
	"github.com/scrapeworks/harvester/internal/scrape"
)

// RawProduct is the untouched output of one product page.
type RawProduct struct {
	URL        string
	Title      string
	Price      string
	SKU        string
	Stock      string
	Images     []string
	Attributes map[string]string
	Variations []RawVariation
	Position   int
}

// RawVariation is one untouched variant row.
type RawVariation struct {
	SKU   string
	Price string
	Stock string
	Name  string
	Value string
}

// Adapter evaluates one recipe's selectors. It is stateless apart from
// the recipe and safe for concurrent use.
type Adapter struct {
	recipe *recipe.Recipe
}

// New builds an Adapter for a loaded recipe.
func New(r *recipe.Recipe) *Adapter {
	return &Adapter{recipe: r}
}

// ProductLinks extracts absolute product page URLs from a listing page.
func (a *Adapter) ProductLinks(pageURL string, body []byte) ([]string, error) {
	doc, base, err := parse(pageURL, body)
	if err != nil {
		return nil, err
	}
	sel := a.recipe.Selectors.ProductLinks
	if sel.Empty() {
		return nil, nil
	}
	var links []string
	seen := map[string]struct{}{}
	for _, css := range sel.Chain() {
		doc.Find(css).Each(func(_ int, s *goquery.Selection) {
			href := selectionValue(s, attrOr(sel.Attr, "href"))
			abs := absolutize(base, href)
			if abs == "" {
				return
			}
			if _, dup := seen[abs]; dup {
				return
			}
			seen[abs] = struct{}{}
			links = append(links, abs)
		})
		if len(links) > 0 {
			break
		}
	}
	return links, nil
}

// NextPage returns the absolute URL of the next listing page, if any.
func (a *Adapter) NextPage(pageURL string, body []byte) (string, bool) {
	doc, base, err := parse(pageURL, body)
	if err != nil {
		return "", false
	}
	sel := a.recipe.Selectors.NextPage
	if sel.Empty() {
		return "", false
	}
	for _, css := range sel.Chain() {
		s := doc.Find(css).First()
		if s.Length() == 0 {
			continue
		}
		abs := absolutize(base, selectionValue(s, attrOr(sel.Attr, "href")))
		if abs != "" && abs != pageURL {
			return abs, true
		}
	}
	return "", false
}

// Product extracts all configured fields from a product detail page.
// A page where neither title nor price resolves yields scrape.ErrNoData;
// that is a skip, not a retryable failure.
func (a *Adapter) Product(pageURL string, body []byte, position int) (RawProduct, error) {
	doc, base, err := parse(pageURL, body)
	if err != nil {
		return RawProduct{}, err
	}
	sels := a.recipe.Selectors

	raw := RawProduct{
		URL:        pageURL,
		Title:      a.firstMatch(doc, sels.Title),
		Price:      a.firstMatch(doc, sels.Price),
		SKU:        a.firstMatch(doc, sels.SKU),
		Stock:      a.firstMatch(doc, sels.Stock),
		Attributes: map[string]string{},
		Position:   position,
	}
	if raw.Title == "" && raw.Price == "" {
		return RawProduct{}, fmt.Errorf("%s: %w", pageURL, scrape.ErrNoData)
	}

	raw.Images = a.allMatches(doc, base, sels.Images, "src")

	// Fast mode skips the expensive optional fields.
	if !a.recipe.Behavior.FastMode {
		raw.Attributes = a.attributePairs(doc, sels.Attributes)
		if desc := a.firstMatch(doc, sels.Description); desc != "" {
			raw.Attributes["description"] = desc
		}
		raw.Variations = a.variations(doc)
	}
	return raw, nil
}

func (a *Adapter) variations(doc *goquery.Document) []RawVariation {
	vs := a.recipe.Selectors.Variations
	if !vs.Enabled() {
		return nil
	}
	var out []RawVariation
	for _, rowCSS := range vs.Row.Chain() {
		doc.Find(rowCSS).Each(func(_ int, row *goquery.Selection) {
			v := RawVariation{
				SKU:   findIn(row, vs.SKU),
				Price: findIn(row, vs.Price),
				Stock: findIn(row, vs.Stock),
				Name:  findIn(row, vs.Name),
				Value: findIn(row, vs.Value),
			}
			if v.SKU == "" && v.Name == "" && v.Value == "" {
				return
			}
			out = append(out, v)
		})
		if len(out) > 0 {
			break
		}
	}
	return out
}

// firstMatch walks the fallback chain and returns the first non-empty value.
func (a *Adapter) firstMatch(doc *goquery.Document, sel recipe.FieldSelector) string {
	for _, css := range sel.Chain() {
		s := doc.Find(css).First()
		if s.Length() == 0 {
			continue
		}
		if v := selectionValue(s, sel.Attr); v != "" {
			return v
		}
	}
	return ""
}

// allMatches collects values from every element of the first matching
// selector in the chain, absolutized against the page URL.
func (a *Adapter) allMatches(doc *goquery.Document, base *url.URL, sel recipe.FieldSelector, defaultAttr string) []string {
	if sel.Empty() {
		return nil
	}
	var out []string
	for _, css := range sel.Chain() {
		doc.Find(css).Each(func(_ int, s *goquery.Selection) {
			v := selectionValue(s, attrOr(sel.Attr, defaultAttr))
			if abs := absolutize(base, v); abs != "" {
				out = append(out, abs)
			}
		})
		if len(out) > 0 {
			break
		}
	}
	return out
}

// attributePairs reads dt/dd or th/td shaped structures under the
// attribute selector into name→value pairs.
func (a *Adapter) attributePairs(doc *goquery.Document, sel recipe.FieldSelector) map[string]string {
	out := map[string]string{}
	if sel.Empty() {
		return out
	}
	for _, css := range sel.Chain() {
		doc.Find(css).Each(func(_ int, row *goquery.Selection) {
			name := strings.TrimSpace(row.Find("dt, th, .attr-name").First().Text())
			value := strings.TrimSpace(row.Find("dd, td, .attr-value").First().Text())
			if name == "" || value == "" {
				// Two-cell rows without classes: first/last child text.
				cells := row.Children()
				if cells.Length() >= 2 {
					name = strings.TrimSpace(cells.First().Text())
					value = strings.TrimSpace(cells.Last().Text())
				}
			}
			if name != "" && value != "" {
				out[name] = value
			}
		})
		if len(out) > 0 {
			break
		}
	}
	return out
}

func findIn(root *goquery.Selection, sel recipe.FieldSelector) string {
	if sel.Empty() {
		return ""
	}
	for _, css := range sel.Chain() {
		s := root.Find(css).First()
		if s.Length() == 0 {
			continue
		}
		if v := selectionValue(s, sel.Attr); v != "" {
			return v
		}
	}
	return ""
}

func selectionValue(s *goquery.Selection, attr string) string {
	if attr == "" || attr == "text" {
		return strings.TrimSpace(s.Text())
	}
	v, _ := s.Attr(attr)
	return strings.TrimSpace(v)
}

func attrOr(attr, def string) string {
	if attr == "" {
		return def
	}
	return attr
}

func absolutize(base *url.URL, href string) string {
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return abs.String()
}

func parse(pageURL string, body []byte) (*goquery.Document, *url.URL, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, base, nil
}
