// Package detector decides when a statically fetched page must be re-acquired
// with a rendering browser.
package detector

import (
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// MinVisibleText is the trimmed text length, in characters, below which a page with no
// paragraphs and no headings is treated as an empty client-side shell.
const MinVisibleText = 100

var jsRequiredPhrases = []string{
	"please enable javascript",
	"you need to enable javascript",
	"javascript is required",
	"javascript is disabled",
	"this site requires javascript",
	"enable javascript to run this app",
	"turn on javascript",
}

// Heuristic implements the rule-based JavaScript requirement check.
type Heuristic struct {
	MinTextLength int
}

// NewHeuristic creates a new detector.
func NewHeuristic(minTextLength int) *Heuristic {
	if minTextLength <= 0 {
		minTextLength = MinVisibleText
	}
	return &Heuristic{MinTextLength: minTextLength}
}

// RequiresJS reports whether content needs a rendered fetch. Missing content
// always does; otherwise an "enable JavaScript" notice or a near-empty page
// triggers it.
func (h *Heuristic) RequiresJS(content *crawler.ExtractedContent) bool {
	if content == nil {
		return true
	}
	if mentionsJavaScriptWall(content.TextContent) {
		return true
	}
	return h.looksEmpty(content)
}

func (h *Heuristic) looksEmpty(content *crawler.ExtractedContent) bool {
	if len(content.Paragraphs) > 0 || content.HeadingCount() > 0 {
		return false
	}
	return utf8.RuneCountInString(strings.TrimSpace(content.TextContent)) < h.minText()
}

func (h *Heuristic) minText() int {
	if h == nil || h.MinTextLength <= 0 {
		return MinVisibleText
	}
	return h.MinTextLength
}

func mentionsJavaScriptWall(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, phrase := range jsRequiredPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
