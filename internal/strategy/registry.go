package strategy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/mod/semver"

	"github.com/steveyegge/buildfix/internal/types"
)

// Registry holds one table per language. Lookups see a consistent table:
// a reload swaps whole tables, never individual entries.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{tables: make(map[string]*Table)}
}

// Add registers t. When a table for the same language is already present
// the newer semver version wins; an equal version from another file is an
// error.
func (r *Registry) Add(t *Table) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.tables[t.Language]
	if ok {
		switch semver.Compare(t.Version, cur.Version) {
		case 0:
			if cur.Source != t.Source {
				return fmt.Errorf("duplicate %s table version %s in %s and %s",
					t.Language, t.Version, cur.Source, t.Source)
			}
		case -1:
			return nil
		}
	}
	r.tables[t.Language] = t
	return nil
}

// Table returns the active table for language
func (r *Registry) Table(language string) (*Table, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[language]
	return t, ok
}

// Tables returns every active table sorted by language
func (r *Registry) Tables() []*Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Table, 0, len(r.tables))
	for _, t := range r.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Language < out[j].Language })
	return out
}

// Swap replaces the registry contents with other's
func (r *Registry) Swap(other *Registry) {
	other.mu.RLock()
	next := make(map[string]*Table, len(other.tables))
	for k, v := range other.tables {
		next[k] = v
	}
	other.mu.RUnlock()

	r.mu.Lock()
	r.tables = next
	r.mu.Unlock()
}

// LoadDir loads every *.yaml, *.yml and *.toml table in dir
func LoadDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading strategy directory: %w", err)
	}
	reg := NewRegistry()
	for _, e := range entries {
		if e.IsDir() || !isTableFile(e.Name()) {
			continue
		}
		t, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if err := reg.Add(t); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func isTableFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".toml":
		return true
	}
	return false
}

// Matcher resolves diagnostics against a registry
type Matcher struct {
	registry *Registry
	language string
}

// NewMatcher creates a matcher. An empty language selects the table by the
// diagnostic's file extension, falling back to the only table when the
// registry holds exactly one.
func NewMatcher(registry *Registry, language string) (*Matcher, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	return &Matcher{registry: registry, language: language}, nil
}

// Match returns the strategy for d or an error wrapping ErrNoStrategy.
// Deterministic: no state beyond the active table version is consulted.
func (m *Matcher) Match(d types.Diagnostic) (types.FixStrategy, error) {
	t, err := m.tableFor(d)
	if err != nil {
		return types.FixStrategy{}, err
	}
	return t.Match(d)
}

func (m *Matcher) tableFor(d types.Diagnostic) (*Table, error) {
	if m.language != "" {
		t, ok := m.registry.Table(m.language)
		if !ok {
			return nil, fmt.Errorf("%w: no %s strategy table loaded", types.ErrNoStrategy, m.language)
		}
		return t, nil
	}
	tables := m.registry.Tables()
	for _, t := range tables {
		if t.Handles(d.File) {
			return t, nil
		}
	}
	if len(tables) == 1 {
		return tables[0], nil
	}
	return nil, fmt.Errorf("%w: no strategy table for %s", types.ErrNoStrategy, d.File)
}
