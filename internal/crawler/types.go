package crawler

import (
	"net/http"
	"time"
)

// HeadingLevels lists the heading tags captured for every page, in order.
var HeadingLevels = []string{"h1", "h2", "h3", "h4", "h5", "h6"}

// CrawlTask is a unit of frontier work.
type CrawlTask struct {
	URL   string `json:"url"`
	Depth int    `json:"depth"`
}

// ExtractedContent is the structured view of a single HTML document.
type ExtractedContent struct {
	Title           string              `json:"title"`
	MetaDescription string              `json:"meta_description"`
	Headings        map[string][]string `json:"headings"`
	Paragraphs      []string            `json:"paragraphs"`
	Links           []string            `json:"links"`
	Images          []Image             `json:"images"`
	Forms           []Form              `json:"forms"`
	TextContent     string              `json:"text_content"`
}

// Image is an <img> reference with its resolved source.
type Image struct {
	Src string `json:"src"`
	Alt string `json:"alt"`
}

// Form captures the basic shape of an HTML form.
type Form struct {
	Action string      `json:"action"`
	Method string      `json:"method"`
	Inputs []FormInput `json:"inputs"`
}

// FormInput describes one <input> inside a form. Missing attributes are empty.
type FormInput struct {
	Name        string `json:"name,omitempty"`
	Type        string `json:"type,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
}

// NewExtractedContent returns content with every heading level present.
func NewExtractedContent() ExtractedContent {
	headings := make(map[string][]string, len(HeadingLevels))
	for _, level := range HeadingLevels {
		headings[level] = []string{}
	}
	return ExtractedContent{
		Headings:   headings,
		Paragraphs: []string{},
		Links:      []string{},
		Images:     []Image{},
		Forms:      []Form{},
	}
}

// HeadingCount returns the total number of headings across all levels.
func (c *ExtractedContent) HeadingCount() int {
	if c == nil {
		return 0
	}
	total := 0
	for _, texts := range c.Headings {
		total += len(texts)
	}
	return total
}

// Strategy records how a page was acquired.
type Strategy string

// Acquisition strategies.
const (
	StrategyStatic   Strategy = "static"
	StrategyRendered Strategy = "rendered"
)

// Acquisition is the successful outcome of acquiring a single page.
type Acquisition struct {
	URL        string
	Content    ExtractedContent
	Strategy   Strategy
	StatusCode int
	Duration   time.Duration
}

// Links returns the outgoing links discovered on the page.
func (a Acquisition) Links() []string {
	return a.Content.Links
}

// RecordKind separates page records from failure records.
type RecordKind string

// Record kinds.
const (
	RecordPage    RecordKind = "page"
	RecordFailure RecordKind = "failure"
)

// Record is the unit emitted to output sinks for every processed URL.
type Record struct {
	SessionID  string            `json:"session_id"`
	Kind       RecordKind        `json:"kind"`
	URL        string            `json:"url"`
	Depth      int               `json:"depth"`
	Title      string            `json:"title,omitempty"`
	Strategy   Strategy          `json:"strategy,omitempty"`
	Data       *ExtractedContent `json:"data,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	RecordedAt time.Time         `json:"recorded_at"`
}

// FetchRequest describes a single static fetch.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the raw result of a static fetch.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}
