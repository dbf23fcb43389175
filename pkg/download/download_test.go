package download

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greg-hellings/cev/pkg/api"
)

// blockingReporter lets a test observe state while a request is pending.
type blockingReporter struct {
	mu      sync.Mutex
	started chan string
	release chan struct{}
	blobs   map[string][]byte
	errs    map[string]error
}

func newBlockingReporter() *blockingReporter {
	return &blockingReporter{
		started: make(chan string, 16),
		release: make(chan struct{}),
		blobs:   map[string][]byte{},
		errs:    map[string]error{},
	}
}

func (r *blockingReporter) DownloadDatasetReport(ctx context.Context, id string) ([]byte, error) {
	r.started <- id
	select {
	case <-r.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.errs[id]; err != nil {
		return nil, err
	}
	return r.blobs[id], nil
}

type instantReporter map[string]error

func (r instantReporter) DownloadDatasetReport(_ context.Context, id string) ([]byte, error) {
	if err := r[id]; err != nil {
		return nil, err
	}
	return []byte("%PDF-1.4 " + id), nil
}

type memSaver struct {
	mu    sync.Mutex
	files map[string][]byte
	err   error
}

func (m *memSaver) Save(name string, data []byte) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files == nil {
		m.files = map[string][]byte{}
	}
	m.files[name] = data
	return "/mem/" + name, nil
}

func ds(id, name string) api.Dataset {
	return api.Dataset{ID: id, Name: name, UploadedAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func TestDownloadInFlightClearedOnEveryOutcome(t *testing.T) {
	for _, fail := range []bool{false, true} {
		name := "success"
		if fail {
			name = "failure"
		}
		t.Run(name, func(t *testing.T) {
			rep := newBlockingReporter()
			rep.blobs["42"] = []byte("%PDF")
			if fail {
				rep.errs["42"] = &api.Error{Kind: api.KindServer, Status: 500, Detail: "Report generation failed."}
			}
			c := NewController(rep, &memSaver{}, nil)

			done := make(chan Result)
			go func() { done <- c.Download(context.Background(), ds("42", "Run")) }()

			assert.Equal(t, "42", <-rep.started)
			assert.True(t, c.IsDownloading("42"))
			assert.Equal(t, []string{"42"}, c.InFlight())

			close(rep.release)
			res := <-done
			assert.False(t, c.IsDownloading("42"))
			assert.Empty(t, c.InFlight())
			assert.Equal(t, !fail, res.OK())
			if fail {
				assert.Equal(t, "Report generation failed.", res.Message)
			} else {
				assert.Equal(t, 4, res.Bytes)
				assert.Equal(t, "/mem/Run-2025-03-01T10-00-00-000Z.pdf", res.Path)
			}
		})
	}
}

func TestConcurrentDownloadsTrackedById(t *testing.T) {
	rep := newBlockingReporter()
	c := NewController(rep, &memSaver{}, nil)

	ids := []string{"a", "b", "c"}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Download(context.Background(), ds(id, id))
		}()
	}
	for range ids {
		<-rep.started
	}
	assert.Equal(t, ids, c.InFlight())

	close(rep.release)
	wg.Wait()
	assert.Empty(t, c.InFlight())
}

func TestDuplicateDownloadStaysInFlightUntilLastResolves(t *testing.T) {
	rep := newBlockingReporter()
	c := NewController(rep, &memSaver{}, nil)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	first := make(chan Result, 1)
	second := make(chan Result, 1)
	go func() { first <- c.Download(firstCtx, ds("42", "Run")) }()
	go func() { second <- c.Download(context.Background(), ds("42", "Run")) }()
	<-rep.started
	<-rep.started

	cancelFirst()
	assert.False(t, (<-first).OK())
	assert.True(t, c.IsDownloading("42"), "second download is still unresolved")
	assert.Equal(t, []string{"42"}, c.InFlight())

	close(rep.release)
	assert.True(t, (<-second).OK())
	assert.False(t, c.IsDownloading("42"))
	assert.Empty(t, c.InFlight())
}

func TestDownloadSaveFailure(t *testing.T) {
	c := NewController(instantReporter{}, &memSaver{err: errors.New("disk full")}, nil)
	res := c.Download(context.Background(), ds("x", "Run"))
	assert.False(t, res.OK())
	assert.Equal(t, MsgDownloadFailed, res.Message)
	assert.False(t, c.IsDownloading("x"))
}

func TestReportFilename(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 5, 9, 123_000_000, time.FixedZone("IST", 5*3600+1800))
	tests := []struct {
		name string
		ds   api.Dataset
		want string
	}{
		{"named", api.Dataset{Name: "Run A", UploadedAt: at}, "Run A-2025-03-01T04-35-09-123Z.pdf"},
		{"unnamed", api.Dataset{UploadedAt: at}, "dataset-2025-03-01T04-35-09-123Z.pdf"},
		{"path separators", api.Dataset{Name: "../etc/passwd", UploadedAt: at}, ".._etc_passwd-2025-03-01T04-35-09-123Z.pdf"},
		{"dots only", api.Dataset{Name: "..", UploadedAt: at}, "dataset-2025-03-01T04-35-09-123Z.pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReportFilename(tt.ds))
		})
	}
}

func TestDirSaver(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	s := DirSaver{Dir: dir}

	path, err := s.Save("Run-1.pdf", []byte("first"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Run-1.pdf"), path)

	path, err = s.Save("Run-1.pdf", []byte("second"))
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}
