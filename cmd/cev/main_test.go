package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greg-hellings/cev/pkg/api"
	"github.com/greg-hellings/cev/pkg/config"
)

const datasetID = "3f2b8c1e-9a4d-4c7e-8b21-5d6f7a8b9c0d"

const datasetJSON = `{
	"id": "` + datasetID + `",
	"name": "Morning run",
	"uploaded_at": "2025-03-01T10:00:00Z",
	"total_records": 2,
	"avg_flowrate": 118.5,
	"avg_pressure": 5.2,
	"avg_temperature": 110.0,
	"type_distribution": {"Pump": 1, "Valve": 1}
}`

type backend struct {
	mu       sync.Mutex
	uploaded bool
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != "admin" || pass != "secret" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"detail":"Invalid username/password."}`)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch r.URL.Path {
	case "/api/datasets/upload/":
		b.uploaded = true
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, datasetJSON)
	case "/api/datasets/latest/":
		if !b.uploaded {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, datasetJSON)
	case "/api/datasets/history/":
		if !b.uploaded {
			_, _ = io.WriteString(w, `[]`)
			return
		}
		_, _ = io.WriteString(w, "["+datasetJSON+"]")
	case "/api/datasets/" + datasetID + "/":
		_, _ = io.WriteString(w, strings.TrimSuffix(datasetJSON, "}")+`, "metrics": {"max_pressure": 7.5}}`)
	case "/api/datasets/" + datasetID + "/report/":
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = io.WriteString(w, "%PDF-1.4 fake")
	default:
		http.NotFound(w, r)
	}
}

// setup points the CLI at a fresh backend with file storage under a temp
// dir and returns the config file path.
func setup(t *testing.T) (string, string) {
	t.Helper()
	for _, k := range []string{config.EnvBaseURL, config.EnvName, config.EnvUsername, config.EnvPassword, config.EnvBackend, config.EnvRetries} {
		t.Setenv(k, "")
	}
	srv := httptest.NewServer(&backend{})
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := "base_url: " + srv.URL + "/api\n" +
		"storage:\n  backend: file\n  path: " + filepath.Join(dir, "state.yaml") + "\n" +
		"http:\n  retries: 0\n" +
		"download:\n  dir: " + filepath.Join(dir, "reports") + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))
	return cfgPath, dir
}

func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	root.SilenceUsage = true
	root.SilenceErrors = true
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	cfgPath, _ := setup(t)
	out, err := run(t, cfgPath, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "cev version: dev")
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	cfgPath, _ := setup(t)
	_, err := run(t, cfgPath, "login", "-u", "admin", "-p", "nope")
	require.Error(t, err)
	assert.Equal(t, api.MsgInvalidCredentials, err.Error())

	out, err := run(t, cfgPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Not signed in.")
}

func TestWorkflow(t *testing.T) {
	cfgPath, dir := setup(t)

	out, err := run(t, cfgPath, "login", "-u", "admin", "-p", "secret")
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(out))

	out, err = run(t, cfgPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed in as admin (source: user)")
	assert.Contains(t, out, "Uploaded from this machine: false")

	// Latest stays hidden until this machine uploads.
	out, err = run(t, cfgPath, "dashboard", "--format", "json")
	require.NoError(t, err)
	var dash map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &dash))
	assert.Nil(t, dash["latest"])
	assert.Empty(t, dash["error"])

	csvPath := filepath.Join(dir, "run1.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("Equipment Name,Type\nP-1,Pump\nV-1,Valve\n"), 0o600))
	out, err = run(t, cfgPath, "upload", csvPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Upload successful!")
	assert.Contains(t, out, "Morning run")

	out, err = run(t, cfgPath, "dashboard", "--format", "json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &dash))
	require.NotNil(t, dash["latest"])
	assert.Equal(t, true, dash["show_latest"])
	assert.Equal(t, float64(1), dash["summary"].(map[string]any)["historyCount"])

	out, err = run(t, cfgPath, "history", "--no-color")
	require.NoError(t, err)
	assert.Contains(t, out, "Morning run")

	out, err = run(t, cfgPath, "detail", datasetID, "--no-color")
	require.NoError(t, err)
	assert.Contains(t, out, "max_pressure: 7.5")

	out, err = run(t, cfgPath, "download", datasetID)
	require.NoError(t, err)
	fields := strings.Split(strings.TrimSpace(out), "\t")
	require.Len(t, fields, 2)
	assert.Equal(t, filepath.Join(dir, "reports"), filepath.Dir(fields[1]))
	data, err := os.ReadFile(fields[1])
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 fake", string(data))

	_, err = run(t, cfgPath, "download", "missing-id")
	assert.Error(t, err)

	out, err = run(t, cfgPath, "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed out.")

	out, err = run(t, cfgPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Not signed in.")
	assert.Contains(t, out, "Uploaded from this machine: false")
}

func TestUploadWithoutSession(t *testing.T) {
	cfgPath, dir := setup(t)
	csvPath := filepath.Join(dir, "run1.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("a,b\n"), 0o600))

	_, err := run(t, cfgPath, "upload", csvPath)
	require.Error(t, err)
	assert.Equal(t, "Add backend credentials to enable uploads.", err.Error())
}

func TestDashboardRejectsUnknownFormat(t *testing.T) {
	cfgPath, _ := setup(t)
	_, err := run(t, cfgPath, "dashboard", "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format")
}

func TestDashboardWritesOutputFile(t *testing.T) {
	cfgPath, dir := setup(t)
	outPath := filepath.Join(dir, "out", "dash.txt")
	_, err := run(t, cfgPath, "dashboard", "--no-color", "--out", outPath)
	require.NoError(t, err)
	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Chemical Equipment Dashboard")
}
