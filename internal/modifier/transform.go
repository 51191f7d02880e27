package modifier

import (
	"bytes"
	"fmt"
	"regexp"

	"github.com/steveyegge/buildfix/internal/types"
)

// Transform computes the new content of a file for strategy s applied to a
// diagnostic reported at line (1-based, 0 when unknown). It never touches
// the filesystem. A strategy that cannot be applied, or that would leave
// the content unchanged, returns an error.
func Transform(content []byte, s types.FixStrategy, line int) ([]byte, error) {
	if guard := s.Params["guard"]; guard != "" && bytes.Contains(content, []byte(guard)) {
		return nil, fmt.Errorf("guard %q already present", guard)
	}

	var (
		out []byte
		err error
	)
	switch s.Kind {
	case types.KindRemoveDuplicateDefinition:
		out, err = removeDuplicateDefinition(content, s.Pattern, line)
	case types.KindFixOverrideSignature:
		out, err = replaceLiteral(content, s.Pattern, s.Replacement)
	case types.KindAddMissingReference, types.KindImplementInterfaceMember, types.KindGenericReplace:
		out, err = replaceRegexp(content, s.Pattern, s.Replacement, s.Scope == types.ScopeAll)
	default:
		return nil, fmt.Errorf("unknown strategy kind %q", s.Kind)
	}
	if err != nil {
		return nil, err
	}
	if bytes.Equal(out, content) {
		return nil, fmt.Errorf("%s produced no change", s.Kind)
	}
	return out, nil
}

// removeDuplicateDefinition deletes a repeated definition matched by
// pattern: from the start of its line through its matching closing brace
// (or terminating semicolon) to the end of that line. The first definition
// is always kept. Compilers report the duplicate, so with a known line the
// first repeat starting at or after it is removed; otherwise the second
// definition is. Matches inside comments and literals are ignored.
func removeDuplicateDefinition(content []byte, pattern string, line int) ([]byte, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid definition pattern: %w", err)
	}
	mask := codeMask(content)

	var defs [][]int
	for _, loc := range re.FindAllIndex(content, -1) {
		if loc[0] < len(mask) && mask[loc[0]] {
			defs = append(defs, loc)
		}
	}
	if len(defs) < 2 {
		return nil, fmt.Errorf("found %d definition(s) matching %q, need at least 2", len(defs), pattern)
	}
	// A match may begin with the delimiter that precedes the definition
	for i, loc := range defs {
		defs[i][0] = skipLeading(content, loc[0], loc[1])
	}

	dup := defs[1]
	if line > 0 {
		dup = nil
		for _, loc := range defs[1:] {
			if lineOf(content, loc[0]) >= line {
				dup = loc
				break
			}
		}
		if dup == nil {
			return nil, fmt.Errorf("no repeated definition matching %q at or after line %d", pattern, line)
		}
	}

	// Scan from the definition start so delimiters the pattern consumed count
	end, err := definitionEnd(content, mask, dup[0])
	if err != nil {
		return nil, err
	}

	// Whole lines are removed when the definition owns them; a definition
	// sharing a line with other code is cut out alone
	lineStart := bytes.LastIndexByte(content[:dup[0]], '\n') + 1
	start := dup[0]
	if !bytes.ContainsAny(content[lineStart:dup[0]], ";{}") {
		start = lineStart
	} else {
		for start > lineStart && (content[start-1] == ' ' || content[start-1] == '\t') {
			start--
		}
	}
	lineEnd := len(content)
	if nl := bytes.IndexByte(content[end:], '\n'); nl >= 0 {
		lineEnd = end + nl + 1
	}
	if len(bytes.TrimSpace(content[end:lineEnd])) == 0 && start == lineStart {
		end = lineEnd
	}

	out := make([]byte, 0, len(content)-(end-start))
	out = append(out, content[:start]...)
	out = append(out, content[end:]...)
	return out, nil
}

// definitionEnd returns the index just past the end of the definition whose
// header starts at from: its balanced closing brace, or the first top-level
// semicolon when the definition has no body.
func definitionEnd(content []byte, mask []bool, from int) (int, error) {
	parens := 0
	for i := from; i < len(content); i++ {
		if !mask[i] {
			continue
		}
		switch content[i] {
		case '(', '[':
			parens++
		case ')', ']':
			if parens > 0 {
				parens--
			}
		case ';':
			if parens == 0 {
				return i + 1, nil
			}
		case '{':
			if parens > 0 {
				continue
			}
			depth := 0
			for j := i; j < len(content); j++ {
				if !mask[j] {
					continue
				}
				switch content[j] {
				case '{':
					depth++
				case '}':
					depth--
					if depth == 0 {
						return j + 1, nil
					}
				}
			}
			return 0, fmt.Errorf("unbalanced braces after offset %d", i)
		}
	}
	return 0, fmt.Errorf("definition at offset %d has no body or terminator", from)
}

// skipLeading returns the first offset in [from, to) past statement
// delimiters and whitespace
func skipLeading(content []byte, from, to int) int {
	for from < to && bytes.IndexByte([]byte(";{} \t\r\n"), content[from]) >= 0 {
		from++
	}
	return from
}

// lineOf returns the 1-based line of offset
func lineOf(content []byte, offset int) int {
	return bytes.Count(content[:offset], []byte{'\n'}) + 1
}

// replaceLiteral replaces the first occurrence of old
func replaceLiteral(content []byte, old, replacement string) ([]byte, error) {
	if old == "" {
		return nil, fmt.Errorf("empty signature")
	}
	idx := bytes.Index(content, []byte(old))
	if idx < 0 {
		return nil, fmt.Errorf("signature %q not found", old)
	}
	out := make([]byte, 0, len(content)-len(old)+len(replacement))
	out = append(out, content[:idx]...)
	out = append(out, replacement...)
	out = append(out, content[idx+len(old):]...)
	return out, nil
}

// replaceRegexp replaces the first match of pattern, or every match when
// all is set. The replacement may reference groups as $1 or ${name}.
func replaceRegexp(content []byte, pattern, replacement string, all bool) ([]byte, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	if all {
		if !re.Match(content) {
			return nil, fmt.Errorf("pattern %q not found", pattern)
		}
		return re.ReplaceAll(content, []byte(replacement)), nil
	}

	loc := re.FindSubmatchIndex(content)
	if loc == nil {
		return nil, fmt.Errorf("pattern %q not found", pattern)
	}
	out := make([]byte, 0, len(content)+len(replacement))
	out = append(out, content[:loc[0]]...)
	out = re.Expand(out, []byte(replacement), content, loc)
	out = append(out, content[loc[1]:]...)
	return out, nil
}
