package recipe

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Registry holds all loaded recipes in memory. Recipes never change
// after load, so lookups share them freely without copying.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Recipe
	ordered []string
	logger  *zap.Logger
}

// NewRegistry constructs an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byName: make(map[string]*Recipe),
		logger: logger,
	}
}

// LoadDir reads every *.yaml/*.yml file under dir, validates it, and
// registers it. Any invalid recipe aborts the load; a missing directory
// is not an error, it just yields an empty registry.
func (g *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			g.logger.Warn("recipe directory missing, starting empty", zap.String("dir", dir))
			return nil
		}
		return fmt.Errorf("read recipe dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := g.loadFile(path); err != nil {
			return err
		}
	}
	g.logger.Info("recipes loaded", zap.Int("count", len(g.byName)))
	return nil
}

func (g *Registry) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read recipe %s: %w", path, err)
	}
	var r Recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("parse recipe %s: %w", path, err)
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("validate recipe %s: %w", path, err)
	}
	return g.Register(&r)
}

// Register adds a validated recipe. Duplicate names are rejected.
func (g *Registry) Register(r *Recipe) error {
	if err := r.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.byName[r.Name]; exists {
		return fmt.Errorf("duplicate recipe name %q", r.Name)
	}
	g.byName[r.Name] = r
	g.ordered = append(g.ordered, r.Name)
	sort.Strings(g.ordered)
	return nil
}

// Get returns the recipe registered under name, or false.
func (g *Registry) Get(name string) (*Recipe, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.byName[name]
	return r, ok
}

// GetBySite returns the first recipe whose site family contains siteURL.
func (g *Registry) GetBySite(siteURL string) (*Recipe, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, name := range g.ordered {
		if g.byName[name].MatchesSite(siteURL) {
			return g.byName[name], true
		}
	}
	return nil, false
}

// Names returns all registered recipe names, sorted.
func (g *Registry) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.ordered))
	copy(out, g.ordered)
	return out
}

// All returns all registered recipes, sorted by name.
func (g *Registry) All() []*Recipe {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Recipe, 0, len(g.ordered))
	for _, name := range g.ordered {
		out = append(out, g.byName[name])
	}
	return out
}

// IsValid reports whether name resolves to a loadable recipe.
func (g *Registry) IsValid(name string) bool {
	_, ok := g.Get(name)
	return ok
}
