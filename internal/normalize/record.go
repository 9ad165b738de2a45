package normalize

import (
	"sync"

	"github.com/scrapeworks/harvester/internal/extract"
	"github.com/scrapeworks/harvester/internal/scrape"
)

// Record normalizes one raw product into a parent record plus its
// variation records. generated reports whether the SKU had to be derived
// because the recipe yielded none; the accumulator uses that to decide
// between collapsing duplicates and suffixing collisions.
func Record(raw extract.RawProduct, site string, transforms map[string][]string) (parent scrape.ProductRecord, variations []scrape.VariationRecord, generated bool) {
	title := CleanText(ApplyTransforms(raw.Title, transforms["title"]))
	sku := CleanText(ApplyTransforms(raw.SKU, transforms["sku"]))
	if sku == "" {
		sku = GenerateSKU(title, site, raw.Position)
		generated = true
	}
	price, priceKnown := ParsePrice(ApplyTransforms(raw.Price, transforms["price"]))

	parent = scrape.ProductRecord{
		SKU:        sku,
		Title:      title,
		Slug:       Slugify(title),
		Price:      price,
		PriceKnown: priceKnown,
		Images:     NormalizeImages(raw.Images),
		Stock:      MapStockStatus(ApplyTransforms(raw.Stock, transforms["stock"])),
		Attributes: FlattenAttributes(raw.Attributes),
		URL:        raw.URL,
	}

	taken := map[string]struct{}{}
	for i, rv := range raw.Variations {
		vsku := CleanText(rv.SKU)
		if vsku == "" {
			name := CleanText(rv.Name)
			if name == "" {
				name = CleanText(rv.Value)
			}
			vsku = GenerateSKU(title+" "+name, site, i)
		}
		vsku = UniqueSKU(vsku, taken)
		vprice, vknown := ParsePrice(rv.Price)
		if !vknown {
			vprice, vknown = price, priceKnown
		}
		attrs := map[string]string{}
		if name, value := CleanText(rv.Name), CleanText(rv.Value); name != "" && value != "" {
			attrs[Slugify(name)] = value
		} else if value != "" {
			attrs["option"] = value
		}
		variations = append(variations, scrape.VariationRecord{
			SKU:        vsku,
			ParentSKU:  sku,
			Price:      vprice,
			PriceKnown: vknown,
			Stock:      MapStockStatus(rv.Stock),
			Attributes: attrs,
		})
	}
	return parent, variations, generated
}

// Accumulator collects normalized records for one job, enforcing SKU
// uniqueness. It is safe for concurrent use by in-flight extraction
// tasks. Two records carrying the same explicit SKU collapse into one;
// generated SKUs are suffixed instead, since a collision there is an
// artifact of derivation, not a true duplicate.
type Accumulator struct {
	mu         sync.Mutex
	taken      map[string]struct{}
	parents    []scrape.ProductRecord
	variations []scrape.VariationRecord
}

// NewAccumulator builds an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{taken: make(map[string]struct{})}
}

// Add inserts one normalized parent and its variations. It returns false
// when the record collapsed into an existing SKU.
func (a *Accumulator) Add(parent scrape.ProductRecord, variations []scrape.VariationRecord, generatedSKU bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.taken[parent.SKU]; dup {
		if !generatedSKU {
			return false
		}
		old := parent.SKU
		parent.SKU = UniqueSKU(parent.SKU, a.taken)
		for i := range variations {
			if variations[i].ParentSKU == old {
				variations[i].ParentSKU = parent.SKU
			}
		}
	} else {
		a.taken[parent.SKU] = struct{}{}
	}
	a.parents = append(a.parents, parent)
	a.variations = append(a.variations, variations...)
	return true
}

// Snapshot returns copies of the accumulated records.
func (a *Accumulator) Snapshot() ([]scrape.ProductRecord, []scrape.VariationRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	parents := make([]scrape.ProductRecord, len(a.parents))
	copy(parents, a.parents)
	variations := make([]scrape.VariationRecord, len(a.variations))
	copy(variations, a.variations)
	return parents, variations
}

// Len returns the number of accumulated parent records.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.parents)
}
