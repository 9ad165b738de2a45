// Package csvgen renders normalized records into the two CSV artifacts.
package csvgen

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/scrapeworks/harvester/internal/scrape"
)

// Column orders are fixed so every export of the same shape is
// byte-comparable. Missing fields emit empty cells, never fewer columns.
var (
	ParentHeader = []string{
		"sku", "title", "slug", "price", "stock_status", "images", "attributes", "url",
	}
	VariationHeader = []string{
		"sku", "parent_sku", "price", "stock_status", "attributes",
	}
)

const (
	imageSeparator = "|"
	attrSeparator  = ";"
)

// Parents renders the parent product CSV. Input must already be
// deduplicated by SKU; rows are written in input order. The writer
// streams row by row, so large jobs never hold a second formatted copy
// of the data.
func Parents(records []scrape.ProductRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(ParentHeader); err != nil {
		return nil, fmt.Errorf("write parent header: %w", err)
	}
	for _, r := range records {
		row := []string{
			r.SKU,
			r.Title,
			r.Slug,
			formatPrice(r.Price, r.PriceKnown),
			string(r.Stock),
			strings.Join(r.Images, imageSeparator),
			formatAttributes(r.Attributes),
			r.URL,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write parent row %s: %w", r.SKU, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush parent csv: %w", err)
	}
	return buf.Bytes(), nil
}

// Variations renders the variation CSV. A nil return (with nil error)
// means the job produced no variation data at all, which the API layer
// reports as absent rather than serving an empty file.
func Variations(records []scrape.VariationRecord) ([]byte, error) {
	if len(records) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(VariationHeader); err != nil {
		return nil, fmt.Errorf("write variation header: %w", err)
	}
	for _, r := range records {
		row := []string{
			r.SKU,
			r.ParentSKU,
			formatPrice(r.Price, r.PriceKnown),
			string(r.Stock),
			formatAttributes(r.Attributes),
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write variation row %s: %w", r.SKU, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush variation csv: %w", err)
	}
	return buf.Bytes(), nil
}

func formatPrice(price float64, known bool) string {
	if !known {
		return ""
	}
	return strconv.FormatFloat(price, 'f', 2, 64)
}

// formatAttributes serializes name→value pairs as "k=v;k=v" with sorted
// keys so output is deterministic.
func formatAttributes(attrs map[string]string) string {
	if len(attrs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+attrs[k])
	}
	return strings.Join(parts, attrSeparator)
}
