package strategy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/steveyegge/buildfix/internal/types"
)

var varRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Match resolves d to a strategy. Entries for d.Code are tried in table
// order; the first whose message pattern and lookups succeed wins. No
// matching entry returns ErrNoStrategy.
func (t *Table) Match(d types.Diagnostic) (types.FixStrategy, error) {
	for _, ce := range t.byCode[d.Code] {
		if s, ok := ce.resolve(d); ok {
			s.TableVersion = t.Version
			return s, nil
		}
	}
	return types.FixStrategy{}, fmt.Errorf("%w for %s in %s table %s", types.ErrNoStrategy, d.Code, t.Language, t.Version)
}

func (ce *compiledEntry) resolve(d types.Diagnostic) (types.FixStrategy, bool) {
	vars := map[string]string{
		"code": d.Code,
		"file": d.File,
		"line": strconv.Itoa(d.Line),
	}

	var groups []string // message group values in pattern order
	if ce.message != nil {
		m := ce.message.FindStringSubmatch(d.Message)
		if m == nil {
			return types.FixStrategy{}, false
		}
		for i, name := range ce.message.SubexpNames() {
			if name != "" && i < len(m) {
				vars[name] = m[i]
				groups = append(groups, m[i])
			}
		}
	}

	for _, k := range ce.keys {
		if s, ok := ce.strs[k]; ok {
			vars[k] = expand(s, vars, nil)
			continue
		}
		name := strings.TrimSuffix(k, "_map")
		found := false
		for _, g := range groups {
			if v, ok := ce.lookups[name][g]; ok {
				vars[name] = v
				found = true
				break
			}
		}
		if !found {
			return types.FixStrategy{}, false
		}
	}

	s := types.FixStrategy{
		Kind:   ce.Kind,
		Code:   d.Code,
		Scope:  ce.Scope,
		Params: vars,
	}
	if s.Scope == "" {
		s.Scope = types.ScopeSingle
	}

	if ce.Kind == types.KindFixOverrideSignature {
		// Literal find, literal replace
		s.Pattern = expand(ce.Pattern, vars, nil)
		s.Replacement = expand(ce.Replacement, vars, nil)
	} else {
		s.Pattern = expand(ce.Pattern, vars, regexp.QuoteMeta)
		s.Replacement = expand(ce.Replacement, vars, escapeDollar)
	}
	if ce.Guard != "" {
		vars["guard"] = expand(ce.Guard, vars, nil)
	}
	return s, true
}

// expand substitutes ${name} for known variables; unknown references such
// as regexp group refs ${1} are left untouched. quote, when set, is applied
// to every substituted value.
func expand(tmpl string, vars map[string]string, quote func(string) string) string {
	return varRef.ReplaceAllStringFunc(tmpl, func(ref string) string {
		name := ref[2 : len(ref)-1]
		v, ok := vars[name]
		if !ok {
			return ref
		}
		if quote != nil {
			return quote(v)
		}
		return v
	})
}

func escapeDollar(s string) string {
	return strings.ReplaceAll(s, "$", "$$")
}
