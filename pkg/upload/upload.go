// Package upload submits CSV datasets to the analytics API and tracks the
// outcome of each attempt.
package upload

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/greg-hellings/cev/pkg/api"
	"github.com/greg-hellings/cev/pkg/state"
)

// User-facing status messages.
const (
	MsgDisabled = "Add backend credentials to enable uploads."
	MsgNoFile   = "Please select a CSV file."
	MsgSuccess  = "Upload successful!"
	MsgReadFile = "Unable to read the selected file."
)

// File is a selected file. Open is called once per submission.
type File struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// LocalFile selects a file on disk.
func LocalFile(path string) *File {
	return &File{
		Name: filepath.Base(path),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}
}

// Form holds the user's pending input.
type Form struct {
	File *File
	Name string
}

// Status is the outcome of the last submission. The zero value means no
// submission has been attempted yet.
type Status struct {
	Success bool
	Message string
}

// Uploader is the API operation the controller depends on.
type Uploader interface {
	UploadDataset(ctx context.Context, upload api.UploadRequest) error
}

// Authenticator reports whether a session exists.
type Authenticator interface {
	Authenticated() bool
}

// Controller validates and submits the upload form.
type Controller struct {
	client Uploader
	auth   Authenticator
	flag   *state.Flag
	log    *slog.Logger

	mu         sync.Mutex
	form       Form
	status     Status
	pending    bool
	onUploaded func()
}

// NewController creates an upload controller. flag may be nil when the
// "has uploaded" marker is not tracked.
func NewController(client Uploader, auth Authenticator, flag *state.Flag, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{client: client, auth: auth, flag: flag, log: logger}
}

// OnUploaded registers the callback run after every successful upload,
// typically a dataset refresh.
func (c *Controller) OnUploaded(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUploaded = fn
}

// Disabled reports whether uploads are unavailable for lack of a session.
func (c *Controller) Disabled() bool {
	return c.auth == nil || !c.auth.Authenticated()
}

// SetFile selects the file to upload.
func (c *Controller) SetFile(f *File) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.form.File = f
}

// SetName sets the optional dataset name.
func (c *Controller) SetName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.form.Name = name
}

// Form returns the current input.
func (c *Controller) Form() Form {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.form
}

// Status returns the outcome of the last submission.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Pending reports whether a submission is in flight. Callers disable their
// submit control while it is true.
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Submit uploads the current form. Validation failures return without any
// network call. On success the form is cleared, the uploaded flag is set
// and the OnUploaded callback runs; on failure the form is kept for retry.
func (c *Controller) Submit(ctx context.Context) Status {
	form := c.Form()
	switch {
	case c.Disabled():
		return c.finish(Status{Message: MsgDisabled})
	case form.File == nil || form.File.Open == nil:
		return c.finish(Status{Message: MsgNoFile})
	}

	c.setPending(true)
	defer c.setPending(false)

	rc, err := form.File.Open()
	if err != nil {
		c.log.Warn("Failed to open upload", "file", form.File.Name, "error", err)
		return c.finish(Status{Message: MsgReadFile})
	}
	defer rc.Close()

	err = c.client.UploadDataset(ctx, api.UploadRequest{
		Filename: form.File.Name,
		Content:  rc,
		Name:     strings.TrimSpace(form.Name),
	})
	if err != nil {
		c.log.Info("Upload failed", "file", form.File.Name, "kind", api.KindOf(err).String(), "error", err)
		return c.finish(Status{Message: api.MessageOr(err, api.MsgUploadFailed)})
	}

	c.log.Info("Upload complete", "file", form.File.Name)
	if c.flag != nil {
		if err := c.flag.Set(true); err != nil {
			c.log.Warn("Failed to persist uploaded flag", "error", err)
		}
	}

	c.mu.Lock()
	c.form = Form{}
	c.status = Status{Success: true, Message: MsgSuccess}
	onUploaded := c.onUploaded
	c.mu.Unlock()

	if onUploaded != nil {
		onUploaded()
	}
	return Status{Success: true, Message: MsgSuccess}
}

func (c *Controller) setPending(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = v
}

func (c *Controller) finish(st Status) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = st
	return st
}
