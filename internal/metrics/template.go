package metrics

import (
	"regexp"
	"strings"
)

// MatchTemplate applies pattern against text anchored at the start and, on
// success, returns template with each \N backreference (N = 1..9) replaced
// by the Nth captured group. Trailing text after the match is ignored. The
// boolean is false when the pattern does not match at the start of text, or
// when the template references a group the pattern did not capture; the
// caller decides whether to log or skip.
func MatchTemplate(pattern *regexp.Regexp, template, text string) (string, bool) {
	loc := pattern.FindStringSubmatchIndex(text)
	if loc == nil || loc[0] != 0 {
		return "", false
	}

	var b strings.Builder

	for i := 0; i < len(template); i++ {
		c := template[i]
		if c != '\\' || i+1 == len(template) {
			b.WriteByte(c)
			continue
		}

		switch next := template[i+1]; {
		case next == '\\':
			b.WriteByte('\\')

			i++
		case next >= '1' && next <= '9':
			n := int(next - '0')
			if 2*n+1 >= len(loc) || loc[2*n] < 0 {
				// Group absent from the pattern or unmatched in this text.
				return "", false
			}

			b.WriteString(text[loc[2*n]:loc[2*n+1]])

			i++
		default:
			b.WriteByte(c)
		}
	}

	return b.String(), true
}
