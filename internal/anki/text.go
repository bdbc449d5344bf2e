package anki

import (
	"regexp"
	"strings"
)

var (
	soundTagRe  = regexp.MustCompile(`\[sound:([^\]]+)\]`)
	markupTagRe = regexp.MustCompile(`<[^>]+>`)
)

// CleanText strips sound tags and HTML markup from a card field so it can
// be rendered as plain text.
func CleanText(s string) string {
	s = soundTagRe.ReplaceAllString(s, "")
	s = markupTagRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// MediaRefs lists the filenames referenced by sound tags in a card field,
// in order of appearance, without duplicates.
func MediaRefs(fields ...string) []string {
	var refs []string
	seen := make(map[string]bool)
	for _, field := range fields {
		for _, m := range soundTagRe.FindAllStringSubmatch(field, -1) {
			name := m[1]
			if !seen[name] {
				seen[name] = true
				refs = append(refs, name)
			}
		}
	}
	return refs
}
