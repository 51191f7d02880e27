// Package strategy maps diagnostics to fix strategies through versioned,
// externally supplied per-language tables.
//
// A table is data, not code: the same (code, table version) always resolves
// to the same strategy. Tables are YAML or TOML files:
//
//	language: csharp
//	version: v1.2.0
//	extensions: [.cs]
//	strategies:
//	  - code: CS0101
//	    kind: remove_duplicate_definition
//	    message_pattern: "already contains a definition for '(?P<entity>[^']+)'"
//	    pattern: '\b(class|struct|interface|enum|record)\s+${entity}\b'
//
// Named groups of message_pattern become ${name} variables in pattern,
// replacement, guard and string params. A map-valued param "<x>_map"
// defines ${x} by looking up the first message group whose value is a key
// in the map.
package strategy

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/buildfix/internal/types"
)

// Entry is one strategy row as written in a table file
type Entry struct {
	Code           string              `yaml:"code" toml:"code"`
	Kind           types.StrategyKind  `yaml:"kind" toml:"kind"`
	MessagePattern string              `yaml:"message_pattern,omitempty" toml:"message_pattern"`
	Pattern        string              `yaml:"pattern" toml:"pattern"`
	Replacement    string              `yaml:"replacement,omitempty" toml:"replacement"`
	Params         map[string]any      `yaml:"params,omitempty" toml:"params"`
	Scope          types.StrategyScope `yaml:"scope,omitempty" toml:"scope"`
	// Guard, when present in the file after expansion, means the fix is
	// already applied and the attempt is rejected
	Guard       string `yaml:"guard,omitempty" toml:"guard"`
	Description string `yaml:"description,omitempty" toml:"description"`
}

// Table is a versioned set of strategies for one language
type Table struct {
	Language   string   `yaml:"language" toml:"language"`
	Version    string   `yaml:"version" toml:"version"`
	Extensions []string `yaml:"extensions,omitempty" toml:"extensions"`
	Strategies []Entry  `yaml:"strategies" toml:"strategies"`

	// Source is the file the table was loaded from
	Source string `yaml:"-" toml:"-"`

	byCode map[string][]*compiledEntry
}

type compiledEntry struct {
	Entry
	message *regexp.Regexp
	strs    map[string]string
	lookups map[string]map[string]string
	keys    []string // param names, sorted
}

// LoadFile reads a table from a .yaml, .yml or .toml file
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading strategy table: %w", err)
	}

	var t Table
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&t); err != nil {
			return nil, fmt.Errorf("parsing YAML %s: %w", path, err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), &t)
		if err != nil {
			return nil, fmt.Errorf("parsing TOML %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("parsing TOML %s: unknown keys %v", path, undecoded)
		}
	default:
		return nil, fmt.Errorf("unsupported strategy table format: %s", path)
	}

	t.Source = path
	if err := t.Compile(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &t, nil
}

// Compile validates the table and prepares it for matching
func (t *Table) Compile() error {
	if t.Language == "" {
		return fmt.Errorf("language is required")
	}
	if !strings.HasPrefix(t.Version, "v") {
		t.Version = "v" + t.Version
	}
	if !semver.IsValid(t.Version) {
		return fmt.Errorf("invalid table version %q (want semver, e.g. v1.2.0)", t.Version)
	}
	for i, ext := range t.Extensions {
		if !strings.HasPrefix(ext, ".") {
			t.Extensions[i] = "." + ext
		}
	}

	t.byCode = make(map[string][]*compiledEntry)
	for i := range t.Strategies {
		e := t.Strategies[i]
		ce, err := compileEntry(e)
		if err != nil {
			return fmt.Errorf("strategy %d (%s): %w", i, e.Code, err)
		}
		t.byCode[e.Code] = append(t.byCode[e.Code], ce)
	}
	return nil
}

func compileEntry(e Entry) (*compiledEntry, error) {
	if e.Code == "" {
		return nil, fmt.Errorf("code is required")
	}
	if !e.Kind.IsValid() {
		return nil, fmt.Errorf("invalid kind %q", e.Kind)
	}
	if !e.Scope.IsValid() {
		return nil, fmt.Errorf("invalid scope %q (want single or all)", e.Scope)
	}
	if e.Pattern == "" {
		return nil, fmt.Errorf("pattern is required")
	}
	if e.Kind != types.KindRemoveDuplicateDefinition && e.Replacement == "" {
		return nil, fmt.Errorf("replacement is required for %s", e.Kind)
	}

	ce := &compiledEntry{
		Entry:   e,
		strs:    make(map[string]string),
		lookups: make(map[string]map[string]string),
	}
	if e.MessagePattern != "" {
		re, err := regexp.Compile(e.MessagePattern)
		if err != nil {
			return nil, fmt.Errorf("invalid message_pattern: %w", err)
		}
		ce.message = re
	}

	for k, v := range e.Params {
		switch val := v.(type) {
		case string:
			ce.strs[k] = val
		case map[string]any:
			if !strings.HasSuffix(k, "_map") {
				return nil, fmt.Errorf("map param %q must be named <name>_map", k)
			}
			m := make(map[string]string, len(val))
			for mk, mv := range val {
				s, ok := mv.(string)
				if !ok {
					return nil, fmt.Errorf("param %s[%s]: want string, got %T", k, mk, mv)
				}
				m[mk] = s
			}
			ce.lookups[strings.TrimSuffix(k, "_map")] = m
		default:
			return nil, fmt.Errorf("param %q: want string or map, got %T", k, v)
		}
		ce.keys = append(ce.keys, k)
	}
	sort.Strings(ce.keys)
	return ce, nil
}

// Codes returns the diagnostic codes the table covers, sorted
func (t *Table) Codes() []string {
	codes := make([]string, 0, len(t.byCode))
	for c := range t.byCode {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// Handles reports whether the table applies to a file by extension.
// A table without extensions handles nothing by extension.
func (t *Table) Handles(file string) bool {
	ext := strings.ToLower(filepath.Ext(file))
	for _, e := range t.Extensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}
