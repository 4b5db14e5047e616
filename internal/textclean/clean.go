// Package textclean normalizes transcript text before it is stored.
package textclean

import (
	"regexp"
	"strings"
)

var (
	// privateTagRegex matches <private>...</private> blocks
	privateTagRegex = regexp.MustCompile(`(?s)<private>.*?</private>`)

	// markupTagRegex matches any remaining SSML or HTML tag
	markupTagRegex = regexp.MustCompile(`</?[a-zA-Z][^<>]*>`)

	// annotationRegex matches transcriber annotations such as [laughter] or (inaudible)
	annotationRegex = regexp.MustCompile(`\[[^\[\]]*\]|\((?i:inaudible|crosstalk|silence|laughs?|laughter|pause)\)`)

	spaceRegex = regexp.MustCompile(`\s+`)
)

// StripPrivateTags removes all <private>...</private> content from text.
func StripPrivateTags(text string) string {
	return privateTagRegex.ReplaceAllString(text, "")
}

// StripMarkup removes SSML/HTML tags but keeps their inner text.
func StripMarkup(text string) string {
	return markupTagRegex.ReplaceAllString(text, " ")
}

// StripAnnotations removes transcriber annotations.
func StripAnnotations(text string) string {
	return annotationRegex.ReplaceAllString(text, " ")
}

// IsEntirelyPrivate checks if the text is entirely within <private> tags.
func IsEntirelyPrivate(text string) bool {
	return strings.TrimSpace(StripPrivateTags(text)) == ""
}

// Clean performs full cleaning on a transcript turn.
func Clean(text string) string {
	text = StripPrivateTags(text)
	text = StripMarkup(text)
	text = StripAnnotations(text)
	return strings.TrimSpace(spaceRegex.ReplaceAllString(text, " "))
}
