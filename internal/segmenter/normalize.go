package segmenter

import (
	"regexp"
	"strings"
)

// Whitespace pattern collapsed before segmentation. Segment boundaries
// and provider character billing both depend on a canonical spacing.
const whitespaceRegexPattern = `\s+`

// Typographic characters normalized to their ASCII forms.
const (
	emDash       = "—"
	enDash       = "–"
	figureDash   = "‒"
	ellipsis     = "..."
	ellipsisChar = "…"
)

var whitespacePattern = regexp.MustCompile(whitespaceRegexPattern)

// quoteAndDashReplacer maps smart quotes and dash variants to plain
// ASCII so cut-point scanning sees a single terminator alphabet.
var quoteAndDashReplacer = strings.NewReplacer(
	emDash, "-",
	enDash, "-",
	figureDash, "-",
	ellipsisChar, ellipsis,
	"“", `"`, "”", `"`,
	"‘", "'", "’", "'",
)

// Normalize canonicalizes whitespace and typographic punctuation. It is
// pure and deterministic; identical inputs always produce identical
// output, which keeps segment boundaries stable across resumed runs.
func Normalize(text string) string {
	normalized := quoteAndDashReplacer.Replace(text)
	normalized = whitespacePattern.ReplaceAllString(normalized, " ")

	return strings.TrimSpace(normalized)
}
