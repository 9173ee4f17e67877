// Package ssml rewrites raw document text into speech synthesis markup,
// applying a per-job pronunciation dictionary as substitution tags.
package ssml

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"unicode/utf8"
)

// Markup fragments.
const (
	documentOpenTag  = "<speak>"
	documentCloseTag = "</speak>"
	subTagFormat     = `<sub alias="%s">%s</sub>`
)

// entry is one pronunciation dictionary rule after escaping.
type entry struct {
	phrase string
	alias  string
}

// Transform escapes rawText for the five markup-reserved characters, applies
// the pronunciation dictionary, and wraps the result in a single document
// root tag.
//
// Entries are applied longest source phrase first (stable order), each as one
// literal pass over the working text, so a longer phrase is not shadowed by a
// shorter phrase it contains. Because later entries see the text produced by
// earlier substitutions, a shorter phrase whose literal text reappears inside
// an inserted alias will match there as well.
func Transform(rawText string, dictionary map[string]string) string {
	text := html.EscapeString(rawText)

	for _, e := range sortedEntries(dictionary) {
		tag := fmt.Sprintf(subTagFormat, e.alias, e.phrase)
		text = strings.ReplaceAll(text, e.phrase, tag)
	}

	return documentOpenTag + text + documentCloseTag
}

// Length counts the units of a transformed document for input-size limits.
func Length(markupText string) int {
	return utf8.RuneCountInString(markupText)
}

// sortedEntries escapes every dictionary entry and orders them by descending
// source phrase length. Ties are broken lexically so the ordering is stable
// across runs despite map iteration order.
func sortedEntries(dictionary map[string]string) []entry {
	entries := make([]entry, 0, len(dictionary))

	for phrase, alias := range dictionary {
		if phrase == "" || alias == "" {
			continue
		}

		entries = append(entries, entry{
			phrase: html.EscapeString(phrase),
			alias:  html.EscapeString(alias),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if len(entries[i].phrase) != len(entries[j].phrase) {
			return len(entries[i].phrase) > len(entries[j].phrase)
		}

		return entries[i].phrase < entries[j].phrase
	})

	return entries
}
