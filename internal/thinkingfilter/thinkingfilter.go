// Package thinkingfilter strips reasoning-trace tags from assistant text
// before it is persisted or forwarded to a downstream client.
package thinkingfilter

import (
	"regexp"
	"strings"
)

// tagNames are the reasoning-trace tag families recognized, both opening
// and closing forms, case-insensitive.
var tagNames = []string{"think", "thinking", "thought", "antthinking"}

var tagPattern = buildPattern()

func buildPattern() *regexp.Regexp {
	var b strings.Builder
	for i, name := range tagNames {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(`</?`)
		b.WriteString(name)
		b.WriteString(`\s*>`)
	}
	return regexp.MustCompile(`(?i)(?:` + b.String() + `)`)
}

var whitespaceRun = regexp.MustCompile(`[ \t]{2,}`)

// Apply removes every recognized tag marker from text, leaving the
// enclosed content in place. Each stripped marker leaves a single space in
// its place so adjacent segments of text don't collide, runs of spaces
// collapse to one, and the result is trimmed. It is idempotent: applying
// it twice equals applying it once.
func Apply(text string) string {
	stripped := tagPattern.ReplaceAllString(text, " ")
	stripped = whitespaceRun.ReplaceAllString(stripped, " ")
	return strings.TrimSpace(stripped)
}
