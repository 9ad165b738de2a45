package normalize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrapeworks/harvester/internal/extract"
	"github.com/scrapeworks/harvester/internal/scrape"
)

func TestCleanText(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"collapse whitespace", "  hello \t\n  world ", "hello world"},
		{"decode entities", "Tom &amp; Jerry", "Tom & Jerry"},
		{"placeholder na", "N/A", ""},
		{"placeholder dash", " - ", ""},
		{"empty", "", ""},
		{"plain", "widget", "widget"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, CleanText(tc.in))
		})
	}
}

func TestParsePrice(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		in    string
		want  float64
		known bool
	}{
		{"us thousands", "$1,299.00", 1299.00, true},
		{"us thousands no cents", "$1,299", 1299, true},
		{"eu thousands", "1.299,00 €", 1299.00, true},
		{"eu thousands no cents", "1.299", 1299, true},
		{"grouped millions", "12,345,678", 12345678, true},
		{"plain", "42", 42, true},
		{"decimal only", "19.99", 19.99, true},
		{"embedded", "Price: 7,50 EUR", 7.50, true},
		{"call for price", "Call for price", 0, false},
		{"empty", "", 0, false},
		{"placeholder", "N/A", 0, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, known := ParsePrice(tc.in)
			assert.Equal(t, tc.known, known)
			if tc.known {
				assert.InDelta(t, tc.want, got, 0.001)
			}
		})
	}
}

func TestSlugify(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "cafe-creme-100", Slugify("Café Crème 100%"))
	assert.Equal(t, "blue-t-shirt-xl", Slugify("  Blue  T-Shirt (XL) "))
	assert.Equal(t, "", Slugify("!!!"))
}

func TestGenerateSKU(t *testing.T) {
	t.Parallel()
	a := GenerateSKU("Blue Widget", "https://shop.example.com", 3)
	b := GenerateSKU("Blue Widget", "https://shop.example.com", 3)
	c := GenerateSKU("Blue Widget", "https://shop.example.com", 4)

	require.Equal(t, a, b, "same inputs must derive the same SKU")
	require.NotEqual(t, a, c, "position must disambiguate")
	assert.True(t, strings.HasPrefix(a, "BLUE-WIDGET-"))

	// Untitled records still get a SKU.
	assert.NotEmpty(t, GenerateSKU("", "https://shop.example.com", 0))
}

func TestMapStockStatus(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want scrape.StockStatus
	}{
		{"In Stock", scrape.StockInStock},
		{"Add to Cart", scrape.StockInStock},
		{"Only 3 left", scrape.StockInStock},
		{"10 left", scrape.StockInStock},
		{"10 in stock", scrape.StockInStock},
		{"Out of Stock", scrape.StockOutOfStock},
		{"Sold out", scrape.StockOutOfStock},
		{"0 in stock", scrape.StockOutOfStock},
		{"0 left", scrape.StockOutOfStock},
		{"Only 0 left", scrape.StockOutOfStock},
		{"", scrape.StockUnknown},
		{"weird gibberish", scrape.StockUnknown},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, MapStockStatus(tc.in))
		})
	}
}

func TestNormalizeImages(t *testing.T) {
	t.Parallel()
	got := NormalizeImages([]string{
		"https://cdn.example.com/a.jpg",
		"/relative/b.jpg",
		"https://cdn.example.com/a.jpg",
		"ftp://cdn.example.com/c.jpg",
		"https://cdn.example.com/d.jpg",
	})
	assert.Equal(t, []string{
		"https://cdn.example.com/a.jpg",
		"https://cdn.example.com/d.jpg",
	}, got)
}

func TestNormalizeImagesCap(t *testing.T) {
	t.Parallel()
	var raw []string
	for i := 0; i < MaxImages+5; i++ {
		raw = append(raw, "https://cdn.example.com/img-"+strings.Repeat("x", i+1)+".jpg")
	}
	assert.Len(t, NormalizeImages(raw), MaxImages)
}

func TestApplyTransforms(t *testing.T) {
	t.Parallel()
	got := ApplyTransforms("  <b>Hello &amp; Welcome</b>  ", []string{"strip_html", "decode_entities", "collapse_spaces", "trim"})
	assert.Equal(t, "Hello & Welcome", got)
}

func TestRecordGeneratesSKUWhenMissing(t *testing.T) {
	t.Parallel()
	raw := extract.RawProduct{
		Title:    "Red Mug",
		Price:    "$12.00",
		URL:      "https://shop.example.com/red-mug",
		Position: 0,
	}
	parent, variations, generated := Record(raw, "https://shop.example.com", nil)
	require.True(t, generated)
	assert.NotEmpty(t, parent.SKU)
	assert.Equal(t, "red-mug", parent.Slug)
	assert.InDelta(t, 12.0, parent.Price, 0.001)
	assert.True(t, parent.PriceKnown)
	assert.Empty(t, variations)
}

func TestRecordVariationsInheritParentPrice(t *testing.T) {
	t.Parallel()
	raw := extract.RawProduct{
		Title: "Shirt",
		SKU:   "SHIRT-1",
		Price: "$30.00",
		Variations: []extract.RawVariation{
			{Name: "Size", Value: "M"},
			{SKU: "SHIRT-1-L", Name: "Size", Value: "L", Price: "$32.00"},
		},
	}
	parent, variations, generated := Record(raw, "https://shop.example.com", nil)
	require.False(t, generated)
	require.Len(t, variations, 2)

	assert.Equal(t, "SHIRT-1", variations[0].ParentSKU)
	assert.InDelta(t, 30.0, variations[0].Price, 0.001, "missing variation price falls back to parent")
	assert.InDelta(t, 32.0, variations[1].Price, 0.001)
	assert.Equal(t, "M", variations[0].Attributes["size"])
	assert.Equal(t, "SHIRT-1", parent.SKU)
}

func TestAccumulatorCollapsesExplicitDuplicates(t *testing.T) {
	t.Parallel()
	acc := NewAccumulator()
	first := scrape.ProductRecord{SKU: "ABC-1", Title: "First"}
	second := scrape.ProductRecord{SKU: "ABC-1", Title: "Second"}

	require.True(t, acc.Add(first, nil, false))
	require.False(t, acc.Add(second, nil, false), "explicit duplicate must collapse")

	parents, _ := acc.Snapshot()
	require.Len(t, parents, 1)
	assert.Equal(t, "First", parents[0].Title)
}

func TestAccumulatorSuffixesGeneratedCollisions(t *testing.T) {
	t.Parallel()
	acc := NewAccumulator()
	first := scrape.ProductRecord{SKU: "GEN-1"}
	second := scrape.ProductRecord{SKU: "GEN-1"}
	vars := []scrape.VariationRecord{{SKU: "GEN-1-V", ParentSKU: "GEN-1"}}

	require.True(t, acc.Add(first, nil, true))
	require.True(t, acc.Add(second, vars, true))

	parents, variations := acc.Snapshot()
	require.Len(t, parents, 2)
	assert.Equal(t, "GEN-1", parents[0].SKU)
	assert.Equal(t, "GEN-1-2", parents[1].SKU)
	require.Len(t, variations, 1)
	assert.Equal(t, "GEN-1-2", variations[0].ParentSKU, "variation must follow its reassigned parent")
}
