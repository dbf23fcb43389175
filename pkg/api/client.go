// Package api provides the single HTTP gateway to the analytics API. Every
// request passes through a signing transport that attaches HTTP Basic
// credentials from a CredentialSource, and every failure is returned as a
// classified *Error.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/greg-hellings/cev/pkg/state"
)

// Endpoint paths relative to the base URL.
const (
	PathUpload  = "/datasets/upload/"
	PathLatest  = "/datasets/latest/"
	PathHistory = "/datasets/history/"
)

// DefaultVerifyPath is the lightweight authenticated GET used to probe
// candidate credentials.
const DefaultVerifyPath = PathHistory

// Config holds the configuration for a Client.
type Config struct {
	// BaseURL is the API root, e.g. http://127.0.0.1:8000/api.
	BaseURL string

	// Timeout bounds a single HTTP attempt. Zero means 30s.
	Timeout time.Duration

	// Retries is the number of extra attempts for idempotent GETs on
	// connection errors and 5xx responses. Uploads are never retried.
	Retries int

	// VerifyPath overrides DefaultVerifyPath.
	VerifyPath string

	// Logger receives request and retry logs. Nil selects slog.Default().
	Logger *slog.Logger

	// Transport overrides the pooled base transport (tests, proxies).
	Transport http.RoundTripper
}

// UploadRequest describes one multipart dataset upload.
type UploadRequest struct {
	Filename string    // sent as the file part's filename; required
	Content  io.Reader // CSV bytes; required
	Name     string    // optional display name, omitted when blank
}

// Client is the analytics API gateway.
type Client struct {
	baseURL    string
	verifyPath string
	reads      *retryablehttp.Client
	writes     *http.Client
	log        *slog.Logger
}

// NewClient creates a Client signing requests with credentials from source.
func NewClient(cfg Config, source CredentialSource) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid API base URL %q", cfg.BaseURL)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	verifyPath := cfg.VerifyPath
	if verifyPath == "" {
		verifyPath = DefaultVerifyPath
	}

	baseTransport := cfg.Transport
	if baseTransport == nil {
		baseTransport = cleanhttp.DefaultPooledTransport()
	}
	httpClient := &http.Client{
		Transport: &signingTransport{base: baseTransport, source: source},
		Timeout:   timeout,
	}

	reads := retryablehttp.NewClient()
	reads.HTTPClient = httpClient
	reads.RetryMax = max(cfg.Retries, 0)
	reads.RetryWaitMin = 200 * time.Millisecond
	reads.RetryWaitMax = 2 * time.Second
	reads.Logger = logger
	reads.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL:    base,
		verifyPath: verifyPath,
		reads:      reads,
		writes:     httpClient,
		log:        logger,
	}, nil
}

// BaseURL returns the resolved API root.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) endpoint(path string) string {
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// UploadDataset posts a CSV file as multipart/form-data.
func (c *Client) UploadDataset(ctx context.Context, upload UploadRequest) error {
	if upload.Content == nil || strings.TrimSpace(upload.Filename) == "" {
		return NewValidationError("Please select a CSV file.")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", upload.Filename)
	if err != nil {
		return fmt.Errorf("build upload: %w", err)
	}
	if _, err := io.Copy(part, upload.Content); err != nil {
		return &Error{Kind: KindValidation, Detail: "Unable to read the selected file.", Err: err}
	}
	if name := strings.TrimSpace(upload.Name); name != "" {
		if err := mw.WriteField("name", name); err != nil {
			return fmt.Errorf("build upload: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(PathUpload), &buf)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.writes.Do(req)
	if err != nil {
		return c.networkError(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.networkError(err)
	}
	c.log.Debug("API request", "method", http.MethodPost, "path", PathUpload, "status", resp.StatusCode)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return c.statusError(resp.StatusCode, body)
	}
	return nil
}

// GetLatestDataset returns the most recent dataset, or nil when none has
// been uploaded yet (404 or empty body).
func (c *Client) GetLatestDataset(ctx context.Context) (*Dataset, error) {
	status, body, err := c.get(ctx, PathLatest)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, c.statusError(status, body)
	}
	d, err := decodeDataset(body)
	if err != nil {
		return nil, c.payloadError(PathLatest, err)
	}
	return d, nil
}

// GetDatasetHistory returns dataset summaries in server order.
func (c *Client) GetDatasetHistory(ctx context.Context) ([]Dataset, error) {
	status, body, err := c.get(ctx, PathHistory)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, c.statusError(status, body)
	}
	out, err := decodeHistory(body)
	if err != nil {
		return nil, c.payloadError(PathHistory, err)
	}
	return out, nil
}

// GetDatasetDetail fetches one dataset including metrics and records.
func (c *Client) GetDatasetDetail(ctx context.Context, id string) (*DatasetDetail, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	path := "/datasets/" + id + "/"
	status, body, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, c.statusError(status, body)
	}
	d, err := decodeDetail(body)
	if err != nil {
		return nil, c.payloadError(path, err)
	}
	return d, nil
}

// DownloadDatasetReport fetches the binary (PDF) report for a dataset.
func (c *Client) DownloadDatasetReport(ctx context.Context, id string) ([]byte, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	status, body, err := c.get(ctx, "/datasets/"+id+"/report/")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, c.statusError(status, body)
	}
	return body, nil
}

// VerifyCredentials probes the API with candidate credentials without
// touching the credential source. A nil error means the server accepted them.
func (c *Client) VerifyCredentials(ctx context.Context, username, password string) error {
	candidate := &state.Credentials{Username: username, Password: password, Source: state.SourceUser}
	if !candidate.Valid() {
		return NewValidationError("Username and password are required.")
	}
	status, body, err := c.get(withCredentials(ctx, candidate), c.verifyPath)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return c.statusError(status, body)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string) (int, []byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.reads.Do(req)
	if err != nil {
		return 0, nil, c.networkError(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, c.networkError(err)
	}
	c.log.Debug("API request", "method", http.MethodGet, "path", path, "status", resp.StatusCode)
	return resp.StatusCode, body, nil
}

func (c *Client) networkError(err error) error {
	return &Error{Kind: KindNetwork, BaseURL: c.baseURL, Err: err}
}

func (c *Client) statusError(status int, body []byte) error {
	if status == http.StatusUnauthorized {
		return &Error{Kind: KindAuthentication, Status: status, BaseURL: c.baseURL}
	}
	return &Error{Kind: KindServer, Status: status, Detail: detailFromBody(body), BaseURL: c.baseURL}
}

func (c *Client) payloadError(path string, err error) error {
	c.log.Warn("Rejected malformed API payload", "path", path, "error", err)
	return &Error{Kind: KindServer, BaseURL: c.baseURL, Err: errors.Join(errors.New("malformed response"), err)}
}
