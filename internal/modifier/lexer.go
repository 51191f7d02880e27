package modifier

// codeMask marks which bytes of src are code, as opposed to the inside of
// a comment or a string/char literal. Delimiters of a literal count as
// literal too. The scanner is language-agnostic and covers the C family:
//
//	// line and /* block */ comments
//	"strings" with backslash escapes
//	'c' char literals
//	@"verbatim" strings where "" is an escaped quote ($@"..." too)
//	"""raw""" strings closed by the same run of quotes
//	`backtick` strings
//
// Unterminated literals run to the end of the line (strings, chars) or the
// end of the input (block comments, verbatim, raw and backtick strings).
func codeMask(src []byte) []bool {
	mask := make([]bool, len(src))
	n := len(src)
	i := 0
	for i < n {
		c := src[i]
		switch {
		case c == '/' && i+1 < n && src[i+1] == '/':
			i = skipTo(src, i+2, '\n')

		case c == '/' && i+1 < n && src[i+1] == '*':
			j := i + 2
			for j < n && !(src[j] == '*' && j+1 < n && src[j+1] == '/') {
				j++
			}
			i = min(j+2, n)

		case c == '"' && quoteRun(src, i) >= 3:
			run := quoteRun(src, i)
			j := i + run
			for j < n && quoteRun(src, j) < run {
				j++
			}
			i = min(j+run, n)

		case c == '"' && verbatimPrefix(src, i):
			j := i + 1
			for j < n {
				if src[j] == '"' {
					if j+1 < n && src[j+1] == '"' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			i = min(j+1, n)

		case c == '"' || c == '\'':
			i = skipQuoted(src, i, c)

		case c == '`':
			j := i + 1
			for j < n && src[j] != '`' {
				if src[j] == '\\' {
					j++
				}
				j++
			}
			i = min(j+1, n)

		default:
			mask[i] = true
			i++
		}
	}
	return mask
}

// skipTo returns the index of the next b at or after i, or len(src)
func skipTo(src []byte, i int, b byte) int {
	for i < len(src) && src[i] != b {
		i++
	}
	return i
}

// skipQuoted skips a single-line literal opened by q at i
func skipQuoted(src []byte, i int, q byte) int {
	j := i + 1
	for j < len(src) {
		switch src[j] {
		case '\\':
			j += 2
			continue
		case q:
			return j + 1
		case '\n':
			return j
		}
		j++
	}
	return len(src)
}

func quoteRun(src []byte, i int) int {
	j := i
	for j < len(src) && src[j] == '"' {
		j++
	}
	return j - i
}

// verbatimPrefix reports whether the quote at i is preceded by @ (or $@, @$)
func verbatimPrefix(src []byte, i int) bool {
	for j := i - 1; j >= 0 && i-j <= 2; j-- {
		switch src[j] {
		case '@':
			return true
		case '$':
			continue
		default:
			return false
		}
	}
	return false
}
