// Package download fetches per-dataset PDF reports and saves them locally.
package download

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/greg-hellings/cev/pkg/api"
)

// MsgDownloadFailed is shown when a failure carries no server detail.
const MsgDownloadFailed = "Unable to download the report. Please try again."

// Reporter is the API operation the controller depends on.
type Reporter interface {
	DownloadDatasetReport(ctx context.Context, id string) ([]byte, error)
}

// Result is the outcome of one download.
type Result struct {
	ID    string
	Path  string // where the report was saved
	Bytes int
	Err   error
	// Message is the user-facing failure text; empty on success.
	Message string
}

// OK reports whether the download succeeded.
func (r Result) OK() bool { return r.Err == nil }

// idSet counts unresolved downloads per dataset id.
type idSet = map[string]int

// Controller downloads reports and tracks which dataset ids are in flight.
// Downloads for different ids may run concurrently.
type Controller struct {
	client Reporter
	saver  Saver
	log    *slog.Logger

	inflight atomic.Pointer[idSet]
}

// NewController creates a controller saving reports through saver.
func NewController(client Reporter, saver Saver, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{client: client, saver: saver, log: logger}
	c.inflight.Store(&idSet{})
	return c
}

// Download fetches the report for ds and saves it under ReportFilename(ds).
// The id is in the in-flight set from before the request until Download
// returns, whatever the outcome.
func (c *Controller) Download(ctx context.Context, ds api.Dataset) (res Result) {
	res.ID = ds.ID
	c.update(func(s idSet) { s[ds.ID]++ })
	defer c.update(func(s idSet) {
		if s[ds.ID]--; s[ds.ID] <= 0 {
			delete(s, ds.ID)
		}
	})

	blob, err := c.client.DownloadDatasetReport(ctx, ds.ID)
	if err != nil {
		return c.fail(res, err)
	}
	path, err := c.saver.Save(ReportFilename(ds), blob)
	if err != nil {
		return c.fail(res, err)
	}

	res.Path = path
	res.Bytes = len(blob)
	c.log.Info("Report saved", "id", ds.ID, "path", path, "bytes", len(blob))
	return res
}

func (c *Controller) fail(res Result, err error) Result {
	res.Err = err
	res.Message = api.MessageOr(err, MsgDownloadFailed)
	c.log.Warn("Report download failed", "id", res.ID, "error", err)
	return res
}

// IsDownloading reports whether a download for id is in flight.
func (c *Controller) IsDownloading(id string) bool {
	_, ok := (*c.inflight.Load())[id]
	return ok
}

// InFlight returns the sorted ids currently downloading.
func (c *Controller) InFlight() []string {
	ids := lo.Keys(*c.inflight.Load())
	slices.Sort(ids)
	return ids
}

// update replaces the in-flight set with a modified copy. The published
// map is never mutated, so concurrent readers need no lock.
func (c *Controller) update(fn func(idSet)) {
	for {
		cur := c.inflight.Load()
		next := make(idSet, len(*cur)+1)
		for id, n := range *cur {
			next[id] = n
		}
		fn(next)
		if c.inflight.CompareAndSwap(cur, &next) {
			return
		}
	}
}

var filenameReplacer = strings.NewReplacer(":", "-", ".", "-")

// ReportFilename builds a filesystem-safe name from the dataset name and
// upload time, e.g. "Run_A-2025-03-01T10-00-00-000Z.pdf".
func ReportFilename(ds api.Dataset) string {
	name := strings.TrimSpace(ds.DisplayName())
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		name = "dataset"
	}
	stamp := ds.UploadedAt.UTC().Format("2006-01-02T15:04:05.000Z")
	if ds.UploadedAt.IsZero() {
		stamp = time.Unix(0, 0).UTC().Format("2006-01-02T15:04:05.000Z")
	}
	return name + "-" + filenameReplacer.Replace(stamp) + ".pdf"
}
