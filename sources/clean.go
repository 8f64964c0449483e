package sources

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var strictPolicy = bluemonday.StrictPolicy()

// cleanText strips markup, collapses whitespace and truncates to maxLen
// bytes when maxLen is positive.
func cleanText(text string, maxLen int) string {
	text = html.UnescapeString(strictPolicy.Sanitize(text))
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	text = strings.Join(out, "\n")
	if maxLen > 0 && len(text) > maxLen {
		text = strings.ToValidUTF8(text[:maxLen], "") + "\n...\n[TRUNCATED]"
	}
	return text
}
