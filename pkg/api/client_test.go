package api

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/greg-hellings/cev/pkg/state"
)

const (
	testID     = "3f2b8c1e-9a4d-4c7e-8b21-5d6f7a8b9c0d"
	testIDTwo  = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	latestJSON = `{
  "id": "` + testID + `",
  "name": "Sample Equipment Run",
  "source_filename": "run1.csv",
  "uploaded_at": "2025-03-01T10:15:30.123456Z",
  "total_records": 2,
  "avg_flowrate": 120.5,
  "avg_pressure": 5.25,
  "avg_temperature": 110.0,
  "type_distribution": {"Pump": 1, "Valve": 1},
  "records": [{"Equipment Name": "Pump-1", "Type": "Pump"}, {"Equipment Name": "Valve-1", "Type": "Valve"}]
}`
)

// staticSource is a fixed CredentialSource.
type staticSource struct{ creds *state.Credentials }

func (s staticSource) Get() *state.Credentials { return s.creds }

func newTestClient(t *testing.T, srv *httptest.Server, creds *state.Credentials) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: srv.URL + "/api"}, staticSource{creds: creds})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func adminCreds() *state.Credentials {
	return &state.Credentials{Username: "admin", Password: "secret", Source: state.SourceUser}
}

func TestNewClient_InvalidBaseURL(t *testing.T) {
	tests := []string{"", "not a url", "/relative/path", "://missing-scheme"}
	for _, base := range tests {
		if _, err := NewClient(Config{BaseURL: base}, nil); err == nil {
			t.Errorf("expected error for base URL %q", base)
		}
	}
}

func TestClient_AuthorizationHeader(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, "[]")
	}))
	defer srv.Close()

	t.Run("signed when credentials present", func(t *testing.T) {
		c := newTestClient(t, srv, adminCreds())
		if _, err := c.GetDatasetHistory(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := "Basic " + base64.StdEncoding.EncodeToString([]byte("admin:secret"))
		if got := gotAuth.Load().(string); got != want {
			t.Errorf("Authorization = %q, want %q", got, want)
		}
	})

	t.Run("unsigned when credentials absent", func(t *testing.T) {
		c := newTestClient(t, srv, nil)
		if _, err := c.GetDatasetHistory(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := gotAuth.Load().(string); got != "" {
			t.Errorf("expected no Authorization header, got %q", got)
		}
	})

	t.Run("partial credentials are not used", func(t *testing.T) {
		c := newTestClient(t, srv, &state.Credentials{Username: "admin"})
		if _, err := c.GetDatasetHistory(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := gotAuth.Load().(string); got != "" {
			t.Errorf("expected no Authorization header, got %q", got)
		}
	})
}

func TestSign_StripsStaleHeader(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com/api/datasets/latest/", nil)
	req.Header.Set("Authorization", "Basic stale")

	unsigned := Sign(req, nil)
	if h := unsigned.Header.Get("Authorization"); h != "" {
		t.Errorf("expected stale header stripped, got %q", h)
	}
	if req.Header.Get("Authorization") != "Basic stale" {
		t.Error("Sign must not modify the original request")
	}

	signed := Sign(req, adminCreds())
	if h := signed.Header.Get("Authorization"); h != "Basic "+BasicToken("admin", "secret") {
		t.Errorf("unexpected header %q", h)
	}
}

func TestClient_GetLatestDataset(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantNil  bool
		wantKind Kind
	}{
		{name: "dataset present", status: http.StatusOK, body: latestJSON},
		{name: "not found means none yet", status: http.StatusNotFound, body: `{"detail":"No datasets have been uploaded yet."}`, wantNil: true},
		{name: "empty body", status: http.StatusOK, body: "", wantNil: true},
		{name: "json null", status: http.StatusOK, body: "null", wantNil: true},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"detail":"Invalid username/password."}`, wantKind: KindAuthentication},
		{name: "server error", status: http.StatusInternalServerError, body: "boom", wantKind: KindServer},
		{name: "malformed id", status: http.StatusOK, body: `{"id":"42","uploaded_at":"2025-03-01T10:15:30Z"}`, wantKind: KindServer},
		{name: "not json", status: http.StatusOK, body: "<html>", wantKind: KindServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/datasets/latest/" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			d, err := newTestClient(t, srv, adminCreds()).GetLatestDataset(context.Background())
			if tt.wantKind != 0 {
				if KindOf(err) != tt.wantKind {
					t.Fatalf("expected kind %v, got err=%v", tt.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantNil {
				if d != nil {
					t.Errorf("expected nil dataset, got %+v", d)
				}
				return
			}
			if d == nil || d.ID != testID || d.TotalRecords != 2 || d.TypeDistribution["Pump"] != 1 {
				t.Errorf("unexpected dataset: %+v", d)
			}
			if len(d.Records) != 2 || d.Records[0]["Equipment Name"] != "Pump-1" {
				t.Errorf("unexpected records: %+v", d.Records)
			}
		})
	}
}

func TestClient_GetDatasetHistoryPreservesOrder(t *testing.T) {
	body := `[
  {"id":"` + testIDTwo + `","name":"newer","uploaded_at":"2025-03-02T00:00:00Z","total_records":1},
  {"id":"` + testID + `","name":"older","uploaded_at":"2025-03-01T00:00:00Z","total_records":1}
]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, body)
	}))
	defer srv.Close()

	history, err := newTestClient(t, srv, adminCreds()).GetDatasetHistory(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 2 || history[0].Name != "newer" || history[1].Name != "older" {
		t.Errorf("unexpected history order: %+v", history)
	}
}

func TestClient_GetDatasetDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/datasets/"+testID+"/" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, strings.Replace(latestJSON, `"records"`, `"metrics": {"max_pressure": 7.5}, "records"`, 1))
	}))
	defer srv.Close()
	c := newTestClient(t, srv, adminCreds())

	detail, err := c.GetDatasetDetail(context.Background(), testID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if detail.Name != "Sample Equipment Run" || detail.Metrics["max_pressure"] != 7.5 {
		t.Errorf("unexpected detail: %+v", detail)
	}

	if _, err := c.GetDatasetDetail(context.Background(), "42"); KindOf(err) != KindValidation {
		t.Errorf("expected validation error for non-uuid id, got %v", err)
	}

	_, err = c.GetDatasetDetail(context.Background(), testIDTwo)
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Errorf("expected 404 server error, got %v", err)
	}
}

func TestClient_DownloadDatasetReport(t *testing.T) {
	pdf := []byte("%PDF-1.4\n\x00\x01binary")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/datasets/"+testID+"/report/" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"detail":"Dataset not found"}`)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write(pdf)
	}))
	defer srv.Close()
	c := newTestClient(t, srv, adminCreds())

	got, err := c.DownloadDatasetReport(context.Background(), testID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != string(pdf) {
		t.Errorf("blob mismatch: %q", got)
	}

	_, err = c.DownloadDatasetReport(context.Background(), testIDTwo)
	if msg := MessageOr(err, "fallback"); msg != "Dataset not found" {
		t.Errorf("expected server detail, got %q", msg)
	}
}

func TestClient_UploadDataset(t *testing.T) {
	type captured struct {
		filename string
		content  string
		hasName  bool
		name     string
	}
	var got captured
	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Method != http.MethodPost || r.URL.Path != "/api/datasets/upload/" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("missing file part: %v", err)
		} else {
			data, _ := io.ReadAll(f)
			got.filename = hdr.Filename
			got.content = string(data)
		}
		_, got.hasName = r.MultipartForm.Value["name"]
		got.name = r.FormValue("name")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, latestJSON)
	}))
	defer srv.Close()
	c := newTestClient(t, srv, adminCreds())

	t.Run("name omitted when blank", func(t *testing.T) {
		got = captured{}
		err := c.UploadDataset(context.Background(), UploadRequest{
			Filename: "run1.csv",
			Content:  strings.NewReader("a,b\n1,2\n"),
			Name:     "   ",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.filename != "run1.csv" || got.content != "a,b\n1,2\n" {
			t.Errorf("unexpected file part: %+v", got)
		}
		if got.hasName {
			t.Error("name field should be omitted")
		}
	})

	t.Run("name trimmed", func(t *testing.T) {
		got = captured{}
		err := c.UploadDataset(context.Background(), UploadRequest{
			Filename: "run1.csv",
			Content:  strings.NewReader("a\n"),
			Name:     "  Morning run ",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.name != "Morning run" {
			t.Errorf("name = %q", got.name)
		}
	})

	t.Run("missing file fails locally", func(t *testing.T) {
		before := atomic.LoadInt32(&calls)
		err := c.UploadDataset(context.Background(), UploadRequest{Filename: "run1.csv"})
		if KindOf(err) != KindValidation {
			t.Errorf("expected validation error, got %v", err)
		}
		if atomic.LoadInt32(&calls) != before {
			t.Error("no request should be issued for a missing file")
		}
	})
}

func TestClient_UploadRejected(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"detail", `{"detail":"CSV is missing required columns: Type"}`, "CSV is missing required columns: Type"},
		{"field errors", `{"file":["Only CSV uploads are supported."]}`, "file: Only CSV uploads are supported."},
		{"no body", ``, MsgUploadFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()
			err := newTestClient(t, srv, adminCreds()).UploadDataset(context.Background(), UploadRequest{
				Filename: "run1.txt",
				Content:  strings.NewReader("x"),
			})
			if KindOf(err) != KindServer {
				t.Fatalf("expected server error, got %v", err)
			}
			if msg := MessageOr(err, MsgUploadFailed); msg != tt.want {
				t.Errorf("message = %q, want %q", msg, tt.want)
			}
		})
	}
}

func TestClient_VerifyCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, "[]")
	}))
	defer srv.Close()

	// The stored identity is different from the candidate and must not be used.
	stored := &state.Credentials{Username: "someone", Password: "else"}
	c := newTestClient(t, srv, stored)

	if err := c.VerifyCredentials(context.Background(), "admin", "secret"); err != nil {
		t.Errorf("expected valid candidate to verify, got %v", err)
	}
	if err := c.VerifyCredentials(context.Background(), "admin", "wrong"); !IsAuthentication(err) {
		t.Errorf("expected authentication error, got %v", err)
	}
	if err := c.VerifyCredentials(context.Background(), "", "secret"); KindOf(err) != KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestClient_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newTestClient(t, srv, adminCreds())
	srv.Close()

	_, err := c.GetDatasetHistory(context.Background())
	if KindOf(err) != KindNetwork {
		t.Fatalf("expected network error, got %v", err)
	}
	msg := MessageOr(err, MsgFetchFailed)
	if !strings.Contains(msg, srv.URL+"/api") || !strings.Contains(msg, "Cannot reach backend") {
		t.Errorf("network message should name the base URL, got %q", msg)
	}
}

func TestClient_RetriesIdempotentReads(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, "[]")
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL + "/api", Retries: 1}, staticSource{creds: adminCreds()})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if _, err := c.GetDatasetHistory(context.Background()); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if n := atomic.LoadInt32(&attempts); n != 2 {
		t.Errorf("expected 2 attempts, got %d", n)
	}
}
