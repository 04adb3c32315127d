// Package transcript keeps the raw and filtered transcript buffers and
// notifies display listeners when they change.
package transcript

import (
	"strings"

	"github.com/grafana/regexp"
)

var (
	knownTags   = regexp.MustCompile(`(?i)\[(?:music|sound|noise)\]`)
	knownSounds = regexp.MustCompile(`(?i)\(\s*(?:clicking|music playing)\s*\)`)
	bracketed   = regexp.MustCompile(`\[.*?\]|\(.*?\)`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// Filter strips non-speech annotations such as "[MUSIC]" or "(clicking)",
// collapses runs of whitespace and trims the result.
func Filter(text string) string {
	out := knownTags.ReplaceAllString(text, "")
	out = knownSounds.ReplaceAllString(out, "")
	out = bracketed.ReplaceAllString(out, "")
	out = whitespace.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}
