// Package crawler holds the types and capabilities shared by the crawl
// pipeline: crawl tasks, extracted page content, output records, the fetch and
// render capabilities, and the URL normalization rules that decide which pages
// belong to a crawl.
package crawler
