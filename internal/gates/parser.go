package gates

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/steveyegge/buildfix/internal/types"
)

// Parser turns raw build tool output into diagnostics
type Parser interface {
	Name() string
	// Parse fails only when the output cannot be read to the end
	Parse(output string) (types.DiagnosticSet, error)
}

// Built-in toolchain line formats. Each is a regexParser pattern using the
// named groups file, line, col, severity, code, message and target.
const (
	// src/A.cs(10,5): error CS0101: The namespace 'N' already contains ... [/src/app.csproj]
	// Multi-targeted projects append the framework: [/src/app.csproj::TargetFramework=net8.0]
	msbuildPattern = `^\s*(?P<file>[^\s(][^(]*?)\((?P<line>\d+),(?P<col>\d+)(?:,\d+,\d+)?\)\s*:\s*` +
		`(?P<severity>error|warning)\s+(?P<code>[A-Za-z]+\d+)\s*:\s*(?P<message>.*?)(?:\s+\[(?P<target>[^\]]+)\])?\s*$`

	// src/a.ts(3,7): error TS2304: Cannot find name 'foo'.
	tscPattern = `^\s*(?P<file>[^\s(][^(]*?)\((?P<line>\d+),(?P<col>\d+)\)\s*:\s*` +
		`(?P<severity>error|warning)\s+(?P<code>TS\d+)\s*:\s*(?P<message>.*?)\s*$`

	// src/a.c:12:3: error: 'x' undeclared [-Werror=foo]
	gccPattern = `^(?P<file>[^:\s][^:]*):(?P<line>\d+):(?P<col>\d+):\s*(?:fatal\s+)?(?P<severity>error|warning):\s*` +
		`(?P<message>.*?)(?:\s+\[(?P<code>-W[^\]]+)\])?\s*$`
)

// NewParser returns the named parser. "regex" requires pattern, which must
// declare at least the file and message groups.
func NewParser(name, pattern string) (Parser, error) {
	switch name {
	case "msbuild", "":
		return newRegexParser("msbuild", msbuildPattern)
	case "tsc":
		return newRegexParser("tsc", tscPattern)
	case "gcc":
		return newRegexParser("gcc", gccPattern)
	case "regex":
		if pattern == "" {
			return nil, fmt.Errorf("regex parser requires a pattern")
		}
		return newRegexParser("regex", pattern)
	default:
		return nil, fmt.Errorf("unknown parser %q (want msbuild, tsc, gcc or regex)", name)
	}
}

type regexParser struct {
	name string
	re   *regexp.Regexp
	idx  map[string]int
}

func newRegexParser(name, pattern string) (*regexParser, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid %s pattern: %w", name, err)
	}
	idx := make(map[string]int)
	for i, n := range re.SubexpNames() {
		if n != "" {
			idx[n] = i
		}
	}
	for _, required := range []string{"file", "message"} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("%s pattern must declare a (?P<%s>...) group", name, required)
		}
	}
	return &regexParser{name: name, re: re, idx: idx}, nil
}

func (p *regexParser) Name() string {
	return p.name
}

// maxLine bounds a single output line
const maxLine = 1024 * 1024

func (p *regexParser) Parse(output string) (types.DiagnosticSet, error) {
	var set types.DiagnosticSet
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		m := p.re.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		d := types.Diagnostic{
			File:     strings.TrimSpace(p.group(m, "file")),
			Line:     atoi(p.group(m, "line")),
			Column:   atoi(p.group(m, "col", "column")),
			Code:     p.group(m, "code"),
			Message:  p.group(m, "message"),
			Severity: types.Severity(strings.ToLower(p.group(m, "severity"))),
			Target:   types.TargetProject(p.group(m, "target")),
		}
		if d.Severity == "" {
			d.Severity = types.SeverityError
		}
		// Toolchains without codes (gcc errors) are keyed by severity so
		// strategy tables can still discriminate on message
		if d.Code == "" {
			d.Code = string(d.Severity)
		}
		set = append(set, d)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s output after %d diagnostics: %w", p.name, len(set), err)
	}
	return set, nil
}

// group returns the first non-empty named group among names
func (p *regexParser) group(m []string, names ...string) string {
	for _, n := range names {
		if i, ok := p.idx[n]; ok && i < len(m) && m[i] != "" {
			return m[i]
		}
	}
	return ""
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
