// Package recipe loads and resolves site extraction recipes.
//
// A recipe is declarative YAML describing how to locate and clean fields
// on one site family's pages. Recipes are validated fully at load time so
// malformed configurations are rejected before any job references them,
// and are immutable once loaded.
package recipe

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// FieldSelector is one field's CSS selector plus its fallback chain.
// Each entry is tried in order until one matches. Attr selects an
// attribute value instead of element text ("" means text, "src" and
// "href" are the common attribute cases).
type FieldSelector struct {
	Selector  string   `yaml:"selector" json:"selector"`
	Attr      string   `yaml:"attr,omitempty" json:"attr,omitempty"`
	Fallbacks []string `yaml:"fallbacks,omitempty" json:"fallbacks,omitempty"`
}

// Empty reports whether no selector is configured at all.
func (f FieldSelector) Empty() bool {
	return f.Selector == "" && len(f.Fallbacks) == 0
}

// Chain returns the primary selector followed by its fallbacks.
func (f FieldSelector) Chain() []string {
	if f.Selector == "" {
		return f.Fallbacks
	}
	return append([]string{f.Selector}, f.Fallbacks...)
}

// Selectors describes where each product field lives on the page.
// ProductLinks and NextPage apply to listing pages; the rest apply to
// product detail pages. Optional fields may be left empty.
type Selectors struct {
	ProductLinks FieldSelector      `yaml:"productLinks" json:"productLinks"`
	NextPage     FieldSelector      `yaml:"nextPage,omitempty" json:"nextPage,omitempty"`
	Title        FieldSelector      `yaml:"title" json:"title"`
	Price        FieldSelector      `yaml:"price" json:"price"`
	SKU          FieldSelector      `yaml:"sku,omitempty" json:"sku,omitempty"`
	Images       FieldSelector      `yaml:"images,omitempty" json:"images,omitempty"`
	Stock        FieldSelector      `yaml:"stock,omitempty" json:"stock,omitempty"`
	Description  FieldSelector      `yaml:"description,omitempty" json:"description,omitempty"`
	Attributes   FieldSelector      `yaml:"attributes,omitempty" json:"attributes,omitempty"`
	Variations   VariationSelectors `yaml:"variations,omitempty" json:"variations,omitempty"`
}

// VariationSelectors locates purchasable variants inside a product page.
// Row selects each variant element; the others are evaluated relative to
// the row. An empty Row means the recipe extracts no variations.
type VariationSelectors struct {
	Row   FieldSelector `yaml:"row,omitempty" json:"row,omitempty"`
	SKU   FieldSelector `yaml:"sku,omitempty" json:"sku,omitempty"`
	Price FieldSelector `yaml:"price,omitempty" json:"price,omitempty"`
	Stock FieldSelector `yaml:"stock,omitempty" json:"stock,omitempty"`
	Name  FieldSelector `yaml:"name,omitempty" json:"name,omitempty"`
	Value FieldSelector `yaml:"value,omitempty" json:"value,omitempty"`
}

// Enabled reports whether the recipe extracts variations at all.
func (v VariationSelectors) Enabled() bool { return !v.Row.Empty() }

// Behavior tunes how the scheduler drives this site.
type Behavior struct {
	RateLimitRPS   float64 `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`
	MaxConcurrent  int     `yaml:"maxConcurrent,omitempty" json:"maxConcurrent,omitempty"`
	TimeoutSeconds int     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	UseBrowser     bool    `yaml:"useBrowser,omitempty" json:"useBrowser,omitempty"`
	FastMode       bool    `yaml:"fastMode,omitempty" json:"fastMode,omitempty"`
}

// Timeout returns the per-request timeout, or def when unset.
func (b Behavior) Timeout(def time.Duration) time.Duration {
	if b.TimeoutSeconds <= 0 {
		return def
	}
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// Recipe is one site family's extraction configuration.
type Recipe struct {
	Name       string              `yaml:"name" json:"name"`
	Version    string              `yaml:"version,omitempty" json:"version,omitempty"`
	SiteURL    string              `yaml:"siteUrl" json:"siteUrl"`
	Selectors  Selectors           `yaml:"selectors" json:"selectors"`
	Transforms map[string][]string `yaml:"transforms,omitempty" json:"transforms,omitempty"`
	Behavior   Behavior            `yaml:"behavior,omitempty" json:"behavior,omitempty"`
}

// Known transform names accepted in the per-field cleanup pipeline.
var knownTransforms = map[string]struct{}{
	"trim":            {},
	"collapse_spaces": {},
	"lowercase":       {},
	"uppercase":       {},
	"strip_html":      {},
	"decode_entities": {},
}

// Validate rejects malformed recipes before any job references them.
func (r *Recipe) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("recipe name is required")
	}
	if r.SiteURL == "" {
		return fmt.Errorf("recipe %q: siteUrl is required", r.Name)
	}
	if _, err := url.Parse(ensureScheme(r.SiteURL)); err != nil {
		return fmt.Errorf("recipe %q: siteUrl: %w", r.Name, err)
	}
	if r.Selectors.Title.Empty() {
		return fmt.Errorf("recipe %q: title selector is required", r.Name)
	}
	if r.Selectors.Price.Empty() {
		return fmt.Errorf("recipe %q: price selector is required", r.Name)
	}
	vs := r.Selectors.Variations
	if vs.Enabled() && vs.Name.Empty() && vs.SKU.Empty() {
		return fmt.Errorf("recipe %q: variation rows need a name or sku selector", r.Name)
	}
	for field, pipeline := range r.Transforms {
		for _, t := range pipeline {
			if _, ok := knownTransforms[t]; !ok {
				return fmt.Errorf("recipe %q: unknown transform %q for field %q", r.Name, t, field)
			}
		}
	}
	if r.Behavior.RateLimitRPS < 0 {
		return fmt.Errorf("recipe %q: rateLimit must be >= 0", r.Name)
	}
	if r.Behavior.MaxConcurrent < 0 {
		return fmt.Errorf("recipe %q: maxConcurrent must be >= 0", r.Name)
	}
	return nil
}

// Host returns the lowercase hostname the recipe targets.
func (r *Recipe) Host() string {
	u, err := url.Parse(ensureScheme(r.SiteURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// MatchesSite reports whether siteURL falls inside the recipe's site
// family: exact host match or a subdomain of it.
func (r *Recipe) MatchesSite(siteURL string) bool {
	target := r.Host()
	if target == "" {
		return false
	}
	u, err := url.Parse(ensureScheme(siteURL))
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == target || strings.HasSuffix(host, "."+target)
}

func ensureScheme(raw string) string {
	if strings.Contains(raw, "://") {
		return raw
	}
	return "https://" + raw
}
