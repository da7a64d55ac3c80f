// Package report renders finished crawl sessions for people: a Markdown
// summary and a spreadsheet of every record.
package report

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/nao1215/markdown"
	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/scheduler"
)

// Format selects the rendering of a report.
type Format string

// Supported formats.
const (
	FormatMarkdown Format = "markdown"
	FormatXLSX     Format = "xlsx"
)

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/markdown; charset=utf-8"
}

// Extension returns the file extension for f, without the dot.
func (f Format) Extension() string {
	if f == FormatXLSX {
		return "xlsx"
	}
	return "md"
}

// ParseFormat maps user input to a Format. Empty input means Markdown.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "md", string(FormatMarkdown):
		return FormatMarkdown, nil
	case string(FormatXLSX):
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("unsupported report format %q", s)
	}
}

// DepthCount tallies the outcome of one BFS layer.
type DepthCount struct {
	Depth    int
	Pages    int
	Failures int
}

// Summary aggregates one session's records.
type Summary struct {
	Session  scheduler.Snapshot
	Static   int
	Rendered int
	ByDepth  []DepthCount
	Failures []crawler.Record
	Pages    []crawler.Record
}

// Summarize builds a Summary from a session snapshot and its records.
func Summarize(snap scheduler.Snapshot, records []crawler.Record) Summary {
	s := Summary{Session: snap}
	depths := map[int]*DepthCount{}
	for _, rec := range records {
		dc, ok := depths[rec.Depth]
		if !ok {
			dc = &DepthCount{Depth: rec.Depth}
			depths[rec.Depth] = dc
		}
		switch rec.Kind {
		case crawler.RecordPage:
			dc.Pages++
			s.Pages = append(s.Pages, rec)
			if rec.Strategy == crawler.StrategyRendered {
				s.Rendered++
			} else {
				s.Static++
			}
		case crawler.RecordFailure:
			dc.Failures++
			s.Failures = append(s.Failures, rec)
		}
	}
	for _, dc := range depths {
		s.ByDepth = append(s.ByDepth, *dc)
	}
	sort.Slice(s.ByDepth, func(i, j int) bool { return s.ByDepth[i].Depth < s.ByDepth[j].Depth })
	return s
}

// Write renders s to w in the requested format.
func Write(w io.Writer, format Format, s Summary) error {
	switch format {
	case FormatXLSX:
		return WriteXLSX(w, s)
	default:
		return WriteMarkdown(w, s)
	}
}

// WriteMarkdown renders the session overview, strategy mix, per-depth counts
// and failures as GitHub-flavored Markdown.
func WriteMarkdown(w io.Writer, s Summary) error {
	md := markdown.NewMarkdown(w)
	snap := s.Session

	md.H1("Crawl Report")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Session", "`" + snap.ID + "`"},
			{"Seed URL", snap.SeedURL},
			{"Max Depth", strconv.Itoa(snap.MaxDepth)},
			{"State", string(snap.State)},
			{"Started", formatTime(snap.StartedAt)},
			{"Finished", formatTime(snap.FinishedAt)},
			{"Pages", strconv.Itoa(len(s.Pages))},
			{"Failures", strconv.Itoa(len(s.Failures))},
		},
	})
	md.PlainText("")
	if snap.Error != "" {
		md.Warningf("Session ended with an error: %s", snap.Error)
		md.PlainText("")
	}

	md.H2("Acquisition")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Strategy", "Pages"},
		Rows: [][]string{
			{string(crawler.StrategyStatic), strconv.Itoa(s.Static)},
			{string(crawler.StrategyRendered), strconv.Itoa(s.Rendered)},
		},
	})
	md.PlainText("")

	md.H2("Pages by Depth")
	md.PlainText("")
	depthRows := make([][]string, 0, len(s.ByDepth))
	for _, dc := range s.ByDepth {
		depthRows = append(depthRows, []string{strconv.Itoa(dc.Depth), strconv.Itoa(dc.Pages), strconv.Itoa(dc.Failures)})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Depth", "Pages", "Failures"},
		Rows:   depthRows,
	})
	md.PlainText("")

	md.H2("Failures")
	md.PlainText("")
	if len(s.Failures) == 0 {
		md.Note("No failures recorded.")
	} else {
		rows := make([][]string, 0, len(s.Failures))
		for _, rec := range s.Failures {
			rows = append(rows, []string{rec.URL, strconv.Itoa(rec.Depth), rec.Reason})
		}
		md.Table(markdown.TableSet{
			Header: []string{"URL", "Depth", "Reason"},
			Rows:   rows,
		})
	}

	if err := md.Build(); err != nil {
		return fmt.Errorf("render markdown report: %w", err)
	}
	return nil
}

const (
	pagesSheet    = "Pages"
	failuresSheet = "Failures"
)

// WriteXLSX writes a workbook with one sheet of pages and one of failures.
func WriteXLSX(w io.Writer, s Summary) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", pagesSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(failuresSheet); err != nil {
		return fmt.Errorf("add failures sheet: %w", err)
	}

	pages := [][]any{{"URL", "Depth", "Title", "Strategy", "Links", "Paragraphs", "Recorded At"}}
	for _, rec := range s.Pages {
		links, paragraphs := 0, 0
		if rec.Data != nil {
			links, paragraphs = len(rec.Data.Links), len(rec.Data.Paragraphs)
		}
		pages = append(pages, []any{rec.URL, rec.Depth, rec.Title, string(rec.Strategy), links, paragraphs, formatTime(rec.RecordedAt)})
	}
	if err := writeRows(f, pagesSheet, pages); err != nil {
		return err
	}

	failures := [][]any{{"URL", "Depth", "Reason", "Recorded At"}}
	for _, rec := range s.Failures {
		failures = append(failures, []any{rec.URL, rec.Depth, rec.Reason, formatTime(rec.RecordedAt)})
	}
	if err := writeRows(f, failuresSheet, failures); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("cell name: %w", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
