// Package feed extracts post entries from mirror responses, preferring a
// syndication-feed parse and falling back to scanning raw HTML.
package feed

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/mmcdole/gofeed"
)

// Entry is one extracted post record.
type Entry struct {
	ID        string
	Title     string
	Summary   string
	Link      string
	Published string
	Raw       json.RawMessage
}

// excerptWindow is how many bytes of context around a fallback match end up
// in the synthesized summary, on each side.
const excerptWindow = 200

var whitespaceRE = regexp.MustCompile(`\s+`)

// Parser holds the compiled fallback pattern. Safe for concurrent use; a
// fresh gofeed parser is created per call.
type Parser struct {
	statusPattern *regexp.Regexp
}

// NewParser compiles the fallback status-link pattern. The pattern's first
// capture group is the post id.
func NewParser(statusLinkPattern string) (*Parser, error) {
	re, err := regexp.Compile(statusLinkPattern)
	if err != nil {
		return nil, fmt.Errorf("feed: status link pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("feed: status link pattern %q needs a capture group", statusLinkPattern)
	}
	return &Parser{statusPattern: re}, nil
}

// Parse extracts entries from a response body. The syndication parse runs
// first; the HTML fallback engages only when it yields nothing and the
// Content-Type does not look like XML.
func (p *Parser) Parse(body []byte, contentType string) []Entry {
	entries := parseSyndication(body)
	if len(entries) == 0 && !strings.Contains(contentType, "xml") {
		entries = p.parseHTML(body)
	}
	return entries
}

// parseSyndication parses an RSS or Atom document. A format error yields the
// empty sequence; entries without an identifier are skipped.
func parseSyndication(body []byte) []Entry {
	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil
	}

	var entries []Entry
	for _, item := range parsed.Items {
		if item == nil || item.GUID == "" {
			continue
		}
		raw, err := json.Marshal(item)
		if err != nil {
			raw = []byte("{}")
		}
		entries = append(entries, Entry{
			ID:        item.GUID,
			Title:     item.Title,
			Summary:   item.Description,
			Link:      item.Link,
			Published: item.Published,
			Raw:       raw,
		})
	}
	return entries
}

// parseHTML scans the body for status links and synthesizes an entry per
// match, with a whitespace-normalized excerpt of the surrounding context.
func (p *Parser) parseHTML(body []byte) []Entry {
	html := string(body)
	var entries []Entry
	for _, m := range p.statusPattern.FindAllStringSubmatchIndex(html, -1) {
		id := html[m[2]:m[3]]
		start := max(0, m[0]-excerptWindow)
		end := min(len(html), m[1]+excerptWindow)
		excerpt := strings.TrimSpace(whitespaceRE.ReplaceAllString(html[start:end], " "))

		raw, err := json.Marshal(map[string]string{"excerpt": excerpt})
		if err != nil {
			raw = []byte("{}")
		}
		entries = append(entries, Entry{
			ID:      id,
			Title:   "Tweet",
			Summary: excerpt,
			Link:    id,
			Raw:     raw,
		})
	}
	return entries
}
