// Package format provides console rendering utilities for the dataset
// dashboard. It adapts column widths to the terminal and supports color
// and truncation.
package format

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"golang.org/x/term"

	"github.com/greg-hellings/cev/pkg/api"
	"github.com/greg-hellings/cev/pkg/report"
)

// ConsoleFormatter renders a Dashboard as terminal tables.
type ConsoleFormatter struct {
	// MaxNameColWidth constrains dataset name columns. If 0, a width is
	// derived from the terminal width.
	MaxNameColWidth int

	// EnableColors toggles ANSI color output for status cells.
	EnableColors bool

	// Now is the reference for relative times; time.Now when nil.
	Now func() time.Time
}

// NewConsoleFormatter creates a formatter with sensible defaults.
func NewConsoleFormatter() *ConsoleFormatter {
	return &ConsoleFormatter{EnableColors: true}
}

func (f *ConsoleFormatter) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func newTable(w io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.Style().Options.SeparateRows = false
	tw.Style().Options.SeparateColumns = false
	tw.Style().Options.DrawBorder = true
	return tw
}

// Render writes the dashboard to writer.
func (f *ConsoleFormatter) Render(d *report.Dashboard, writer io.Writer) error {
	if d == nil {
		return fmt.Errorf("nil dashboard")
	}
	ew := &errWriter{w: writer}

	ew.printf("Latest dataset:\n")
	if notice := d.LatestNotice(); notice != "" {
		if d.HasErrors() {
			notice = f.color(notice, text.FgRed)
		}
		ew.printf("  %s\n", notice)
	} else {
		f.renderLatest(d.Latest, ew)
		f.renderDistribution(d.Distribution, ew)
		f.renderRecords(d.Latest.Records, ew)
	}

	ew.printf("\nUpload history:\n")
	if len(d.History) == 0 {
		ew.printf("  %s\n", f.color("No uploads yet.", text.FgHiBlack))
	} else {
		f.renderHistory(d.History, ew)
	}

	ew.printf("\nSummary:\n")
	ew.printf("  Datasets in history: %s\n", humanize.Comma(int64(len(d.History))))
	if d.Latest != nil {
		ew.printf("  Latest upload: %s\n", humanize.RelTime(d.Latest.UploadedAt, f.now(), "ago", "from now"))
	}
	return ew.err
}

func (f *ConsoleFormatter) renderLatest(ds *api.Dataset, ew *errWriter) {
	ew.printf("  %s (uploaded %s)\n", ds.DisplayName(), humanize.RelTime(ds.UploadedAt, f.now(), "ago", "from now"))
	if ds.SourceFilename != "" {
		ew.printf("  Source: %s\n", ds.SourceFilename)
	}

	tw := newTable(ew)
	tw.AppendHeader(table.Row{"Total Records", "Avg Flowrate", "Avg Pressure", "Avg Temperature"})
	tw.AppendRow(table.Row{
		humanize.Comma(int64(ds.TotalRecords)),
		fmt.Sprintf("%s m3/h", humanize.FtoaWithDigits(ds.AvgFlowrate, 2)),
		fmt.Sprintf("%s bar", humanize.FtoaWithDigits(ds.AvgPressure, 2)),
		fmt.Sprintf("%s °C", humanize.FtoaWithDigits(ds.AvgTemperature, 2)),
	})
	tw.Render()
}

func (f *ConsoleFormatter) renderDistribution(dist []report.TypeCount, ew *errWriter) {
	ew.printf("\nEquipment type distribution:\n")
	if len(dist) == 0 {
		ew.printf("  %s\n", f.color(report.MsgNoDistribution, text.FgHiBlack))
		return
	}
	tw := newTable(ew)
	tw.AppendHeader(table.Row{"Type", "Count", "Share", ""})
	for _, tc := range dist {
		bar := strings.Repeat("█", max(1, int(tc.Share*20+0.5)))
		tw.AppendRow(table.Row{tc.Type, tc.Count, fmt.Sprintf("%.0f%%", tc.Share*100), f.color(bar, text.FgBlue)})
	}
	tw.Render()
}

func (f *ConsoleFormatter) renderRecords(records []api.Record, ew *errWriter) {
	ew.printf("\nRecords:\n")
	if len(records) == 0 {
		ew.printf("  %s\n", f.color(report.MsgNoRecords, text.FgHiBlack))
		return
	}
	cols := report.RecordColumns(records)
	visible := records[:min(len(records), report.MaxRecordsPerTable)]

	tw := newTable(ew)
	header := make(table.Row, 0, len(cols))
	for _, c := range cols {
		header = append(header, report.ColumnTitle(c))
	}
	tw.AppendHeader(header)
	if width := f.nameWidth(ew.w, len(cols)); width > 0 {
		configs := make([]table.ColumnConfig, 0, len(cols))
		for i := range cols {
			configs = append(configs, table.ColumnConfig{Number: i + 1, WidthMax: width, Transformer: truncTransformer(width)})
		}
		tw.SetColumnConfigs(configs)
	}
	for _, r := range visible {
		row := make(table.Row, 0, len(cols))
		for _, c := range cols {
			row = append(row, cellValue(r[c]))
		}
		tw.AppendRow(row)
	}
	tw.Render()
	if len(records) > len(visible) {
		ew.printf("  Showing %d of %d rows.\n", len(visible), len(records))
	}
}

func (f *ConsoleFormatter) renderHistory(rows []report.HistoryRow, ew *errWriter) {
	tw := newTable(ew)
	tw.AppendHeader(table.Row{"Uploaded", "Name", "Records", "Avg Temp", "ID", "Report"})
	if width := f.nameWidth(ew.w, 6); width > 0 {
		tw.SetColumnConfigs([]table.ColumnConfig{
			{Number: 2, WidthMax: width, WidthMin: min(10, width), Transformer: truncTransformer(width)},
		})
	}
	for _, r := range rows {
		status := ""
		if r.Downloading {
			status = f.color("Preparing…", text.FgYellow)
		}
		tw.AppendRow(table.Row{
			humanize.RelTime(r.UploadedAt, f.now(), "ago", "from now"),
			r.Name,
			humanize.Comma(int64(r.TotalRecords)),
			humanize.FtoaWithDigits(r.AvgTemperature, 2),
			r.ID,
			status,
		})
	}
	tw.Render()
}

// RenderDetail writes one dataset detail: its summary and the metrics
// payload as indented JSON.
func (f *ConsoleFormatter) RenderDetail(d *api.DatasetDetail, writer io.Writer) error {
	if d == nil {
		return fmt.Errorf("nil dataset detail")
	}
	ew := &errWriter{w: writer}
	ew.printf("%s (Detail)\n", d.DisplayName())
	ew.printf("  ID: %s\n", d.ID)
	ew.printf("  Uploaded: %s (%s)\n", d.UploadedAt.Format(time.RFC3339), humanize.RelTime(d.UploadedAt, f.now(), "ago", "from now"))
	f.renderLatest(&d.Dataset, ew)
	f.renderDistribution(report.SortedDistribution(d.TypeDistribution), ew)
	f.renderRecords(d.Records, ew)

	if len(d.Metrics) > 0 {
		ew.printf("\nMetrics:\n")
		keys := make([]string, 0, len(d.Metrics))
		for k := range d.Metrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b, err := json.MarshalIndent(d.Metrics[k], "    ", "  ")
			if err != nil {
				return fmt.Errorf("failed encoding metric %s: %w", k, err)
			}
			ew.printf("  %s: %s\n", k, b)
		}
	}
	return ew.err
}

// nameWidth derives a per-column cap from the terminal width, or 0 when
// the width is unknown or a fixed cap is configured.
func (f *ConsoleFormatter) nameWidth(w io.Writer, cols int) int {
	if f.MaxNameColWidth > 0 {
		return f.MaxNameColWidth
	}
	termWidth := detectTerminalWidth(w)
	if termWidth <= 0 || cols == 0 {
		return 0
	}
	// Guard rails
	if termWidth < 60 {
		termWidth = 60
	}
	per := (termWidth - 3*cols) / cols
	return min(max(per, 10), 40)
}

func cellValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		return humanize.FtoaWithDigits(x, 2)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// errWriter remembers the first write error so rendering code can stay
// linear.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	n, err := e.w.Write(p)
	if err != nil {
		e.err = fmt.Errorf("failed writing dashboard: %w", err)
	}
	return n, err
}

func (e *errWriter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(e, format, args...)
}

// detectTerminalWidth attempts to get terminal width if writer is a file (stdout/stderr).
func detectTerminalWidth(w io.Writer) int {
	if ew, ok := w.(*errWriter); ok {
		w = ew.w
	}
	if f, ok := w.(*os.File); ok {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil {
			return width
		}
	}
	return -1
}

// truncTransformer returns a text.Transformer to ellipsize overly wide cells.
func truncTransformer(max int) text.Transformer {
	return func(val interface{}) string {
		s := fmt.Sprint(val)
		if runeLen := utf8.RuneCountInString(s); runeLen > max {
			if max <= 1 {
				return "…"
			}
			return truncateRunes(s, max)
		}
		return s
	}
}

// truncateRunes truncates a string to (max) runes with ellipsis.
func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	var b strings.Builder
	count := 0
	for _, r := range s {
		if count >= max-1 {
			break
		}
		b.WriteRune(r)
		count++
	}
	b.WriteRune('…')
	return b.String()
}

func (f *ConsoleFormatter) color(s string, c text.Color) string {
	if !f.EnableColors {
		return s
	}
	return text.Colors{c}.Sprint(s)
}

// RenderConsole renders the provided Dashboard to the writer using the default console formatter.
func RenderConsole(d *report.Dashboard, w io.Writer) error {
	return NewConsoleFormatter().Render(d, w)
}
