// Package extract turns raw HTML into crawler.ExtractedContent.
package extract

import (
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// MaxTextRunes bounds ExtractedContent.TextContent.
const MaxTextRunes = 5000

const defaultFormMethod = "get"

// Extract parses rawHTML and builds the structured page record. Relative links
// and image sources are resolved against baseURL. Extract never fails; input
// that cannot be parsed yields empty content.
//
// Scripting is disabled while parsing so <noscript> bodies are treated as
// markup and their text is visible.
func Extract(rawHTML, baseURL string) crawler.ExtractedContent {
	content := crawler.NewExtractedContent()
	root, err := html.ParseWithOptions(strings.NewReader(rawHTML), html.ParseOptionEnableScripting(false))
	if err != nil {
		return content
	}
	doc := goquery.NewDocumentFromNode(root)

	content.Title = strings.TrimSpace(doc.Find("title").First().Text())
	if desc, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		content.MetaDescription = strings.TrimSpace(desc)
	}
	for _, level := range crawler.HeadingLevels {
		texts := []string{}
		doc.Find(level).Each(func(_ int, s *goquery.Selection) {
			texts = append(texts, strings.TrimSpace(s.Text()))
		})
		content.Headings[level] = texts
	}
	doc.Find("p").Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			content.Paragraphs = append(content.Paragraphs, text)
		}
	})
	content.Links = extractLinks(doc, baseURL)
	content.Images = extractImages(doc, baseURL)
	content.Forms = extractForms(doc)
	content.TextContent = truncateRunes(visibleText(root), MaxTextRunes)
	return content
}

func extractLinks(doc *goquery.Document, baseURL string) []string {
	seen := map[string]struct{}{}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		seen[crawler.ResolveURL(baseURL, strings.TrimSpace(href))] = struct{}{}
	})
	links := make([]string, 0, len(seen))
	for link := range seen {
		links = append(links, link)
	}
	sort.Strings(links)
	return links
}

func extractImages(doc *goquery.Document, baseURL string) []crawler.Image {
	images := []crawler.Image{}
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		alt, _ := s.Attr("alt")
		images = append(images, crawler.Image{
			Src: crawler.ResolveURL(baseURL, strings.TrimSpace(src)),
			Alt: alt,
		})
	})
	return images
}

func extractForms(doc *goquery.Document) []crawler.Form {
	forms := []crawler.Form{}
	doc.Find("form").Each(func(_ int, s *goquery.Selection) {
		form := crawler.Form{
			Action: s.AttrOr("action", ""),
			Method: s.AttrOr("method", defaultFormMethod),
			Inputs: []crawler.FormInput{},
		}
		s.Find("input").Each(func(_ int, in *goquery.Selection) {
			form.Inputs = append(form.Inputs, crawler.FormInput{
				Name:        in.AttrOr("name", ""),
				Type:        in.AttrOr("type", ""),
				Placeholder: in.AttrOr("placeholder", ""),
			})
		})
		forms = append(forms, form)
	})
	return forms
}

// visibleText joins every non-blank text node outside script, style and
// template elements with newlines.
func visibleText(root *html.Node) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Template:
				return
			}
		case html.TextNode:
			if text := strings.TrimSpace(n.Data); text != "" {
				parts = append(parts, text)
			}
		case html.CommentNode:
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return strings.Join(parts, "\n")
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}
