package feed

import (
	"strings"

	"golang.org/x/net/html"
)

// Plaintext reduces an HTML fragment to best-effort plain text: tag contents
// are dropped, text nodes are joined, and whitespace is collapsed. Inputs
// without markup pass through trimmed.
func Plaintext(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return strings.TrimSpace(whitespaceRE.ReplaceAllString(fragment, " "))
	}

	var b strings.Builder
	tokenizer := html.NewTokenizer(strings.NewReader(fragment))
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(whitespaceRE.ReplaceAllString(b.String(), " "))
		case html.TextToken:
			b.WriteString(tokenizer.Token().Data)
			b.WriteByte(' ')
		}
	}
}
