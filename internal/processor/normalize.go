package processor

import (
	"regexp"
	"strings"
	"unicode"
)

// allowedSymbols carry meaning in pseudocode and flowchart notation
const allowedSymbols = "-+*/=<>()[]{}.,;:!?"

var (
	reLineBreakRun = regexp.MustCompile(`[ \n]*\n[ \n]*`)
	reSpaceRun     = regexp.MustCompile(` {2,}`)
)

// Normalize cleans recognized text for review and rubric scoring.
// Letters, digits and allowedSymbols are kept, everything else is dropped;
// whitespace runs containing a line break collapse to one newline and other
// runs to one space. Case is preserved. Normalize(Normalize(s)) == Normalize(s).
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r == '\n' || r == '\r':
			b.WriteByte('\n')
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		case unicode.IsLetter(r), unicode.IsDigit(r), strings.ContainsRune(allowedSymbols, r):
			b.WriteRune(r)
		}
	}

	s := reLineBreakRun.ReplaceAllString(b.String(), "\n")
	s = reSpaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
