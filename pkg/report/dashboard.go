// Package report turns synchronized dataset state into a view model that
// formatters render for the console or as JSON.
package report

import (
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/greg-hellings/cev/pkg/api"
	"github.com/greg-hellings/cev/pkg/datasets"
)

// Placeholder texts shown when a section has nothing to display.
const (
	MsgLoading        = "Loading latest dataset…"
	MsgUploadFirst    = "Upload a CSV file to see analytics here."
	MsgNoDistribution = "No distribution data yet."
	MsgNoRecords      = "No records available."
)

// MaxRecordsPerTable caps the record rows rendered for one dataset.
const MaxRecordsPerTable = 50

// TypeCount is one bar of the equipment type distribution.
type TypeCount struct {
	Type  string  `json:"type"`
	Count int     `json:"count"`
	Share float64 `json:"share"` // fraction of all counted equipment
}

// HistoryRow is one entry of the upload history.
type HistoryRow struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	SourceFilename string    `json:"source_filename,omitempty"`
	UploadedAt     time.Time `json:"uploaded_at"`
	TotalRecords   int       `json:"total_records"`
	AvgTemperature float64   `json:"avg_temperature"`
	Downloading    bool      `json:"downloading,omitempty"`
}

// Dashboard is everything the dashboard view shows.
type Dashboard struct {
	// Latest is nil until the user has uploaded at least once, even if the
	// server reports a latest dataset.
	Latest       *api.Dataset `json:"latest"`
	ShowLatest   bool         `json:"show_latest"`
	Distribution []TypeCount  `json:"distribution"`
	History      []HistoryRow `json:"history"`
	Loading      bool         `json:"loading"`
	Error        string       `json:"error,omitempty"`
	GeneratedAt  time.Time    `json:"generated_at"`
}

// Build assembles a Dashboard. inFlight reports ids with a report download
// in progress and may be nil.
func Build(snap datasets.Snapshot, hasUploaded bool, inFlight func(id string) bool, now time.Time) *Dashboard {
	d := &Dashboard{
		ShowLatest:   hasUploaded,
		Loading:      snap.IsLoading,
		Error:        snap.Error,
		GeneratedAt:  now,
		Distribution: []TypeCount{},
		History:      make([]HistoryRow, 0, len(snap.History)),
	}
	if hasUploaded && snap.Latest != nil {
		d.Latest = snap.Latest
		d.Distribution = SortedDistribution(snap.Latest.TypeDistribution)
	}
	for _, ds := range snap.History {
		d.History = append(d.History, HistoryRow{
			ID:             ds.ID,
			Name:           ds.DisplayName(),
			SourceFilename: ds.SourceFilename,
			UploadedAt:     ds.UploadedAt,
			TotalRecords:   ds.TotalRecords,
			AvgTemperature: ds.AvgTemperature,
			Downloading:    inFlight != nil && inFlight(ds.ID),
		})
	}
	return d
}

// LatestNotice returns the placeholder for the latest-dataset panel, or
// "" when the dataset itself should be shown.
func (d *Dashboard) LatestNotice() string {
	switch {
	case d.Loading:
		return MsgLoading
	case d.Error != "":
		return d.Error
	case d.Latest == nil:
		return MsgUploadFirst
	}
	return ""
}

// HasErrors reports whether the last refresh failed.
func (d *Dashboard) HasErrors() bool { return d.Error != "" }

// SortedDistribution orders categories by descending count, then name.
func SortedDistribution(dist map[string]int) []TypeCount {
	total := 0
	out := make([]TypeCount, 0, len(dist))
	for typ, n := range dist {
		total += n
		out = append(out, TypeCount{Type: typ, Count: n})
	}
	for i := range out {
		if total > 0 {
			out[i].Share = float64(out[i].Count) / float64(total)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// preferred column order for equipment records; other columns follow
// alphabetically.
var recordColumnOrder = []string{"equipment_name", "equipment_type", "flowrate", "pressure", "temperature"}

// RecordColumns returns the column set of records in display order.
func RecordColumns(records []api.Record) []string {
	seen := map[string]bool{}
	for _, r := range records {
		for k := range r {
			seen[k] = true
		}
	}
	cols := make([]string, 0, len(seen))
	for _, c := range recordColumnOrder {
		if seen[c] {
			cols = append(cols, c)
			delete(seen, c)
		}
	}
	rest := make([]string, 0, len(seen))
	for c := range seen {
		rest = append(rest, c)
	}
	slices.Sort(rest)
	return append(cols, rest...)
}

// ColumnTitle turns a record key into a header, e.g. "equipment_name" →
// "equipment name".
func ColumnTitle(col string) string {
	return strings.ReplaceAll(col, "_", " ")
}
