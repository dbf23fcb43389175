// Package app wires the credential store, API client and controllers into
// one client instance and keeps them consistent across session changes.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/greg-hellings/cev/pkg/api"
	"github.com/greg-hellings/cev/pkg/config"
	"github.com/greg-hellings/cev/pkg/datasets"
	"github.com/greg-hellings/cev/pkg/download"
	"github.com/greg-hellings/cev/pkg/report"
	"github.com/greg-hellings/cev/pkg/session"
	"github.com/greg-hellings/cev/pkg/state"
	"github.com/greg-hellings/cev/pkg/upload"
)

// Options override collaborators that are otherwise derived from Config.
type Options struct {
	Logger *slog.Logger
	// Store replaces the configured storage backend.
	Store state.KVStore
	// Transport replaces the pooled HTTP transport.
	Transport http.RoundTripper
}

// App is a fully wired client.
type App struct {
	Config      *config.Config
	Store       state.KVStore
	Credentials *state.CredentialStore
	Uploaded    *state.Flag
	Client      *api.Client
	Session     *session.Controller
	Sync        *datasets.SyncController
	Upload      *upload.Controller
	Downloads   *download.Controller
	Batch       download.Service

	log *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	unsubs  []func()
	pending sync.WaitGroup
}

// New builds an App from cfg. Nothing touches the network until Start or
// an explicit controller call.
func New(cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseURL, err := cfg.ResolvedBaseURL()
	if err != nil {
		return nil, err
	}

	kv := opts.Store
	if kv == nil {
		if kv, err = NewStore(cfg.Storage); err != nil {
			return nil, err
		}
	}

	creds := state.NewCredentialStore(kv, state.Preset{
		Username: cfg.Preset.Username,
		Password: cfg.Preset.Password,
	}, logger)

	client, err := api.NewClient(api.Config{
		BaseURL:    baseURL,
		Timeout:    cfg.HTTP.Timeout,
		Retries:    cfg.RetryCount(),
		VerifyPath: cfg.VerifyPath,
		Logger:     logger,
		Transport:  opts.Transport,
	}, creds)
	if err != nil {
		return nil, fmt.Errorf("failed to create API client: %w", err)
	}

	sess := session.NewController(creds, logger)
	flag := state.NewFlag(kv, state.UploadedFlagKey)
	downloads := download.NewController(client, download.DirSaver{Dir: cfg.Download.Dir}, logger)

	a := &App{
		Config:      cfg,
		Store:       kv,
		Credentials: creds,
		Uploaded:    flag,
		Client:      client,
		Session:     sess,
		Sync:        datasets.NewSyncController(client, sess, logger),
		Upload:      upload.NewController(client, sess, flag, logger),
		Downloads:   downloads,
		Batch:       download.NewService(downloads),
		log:         logger,
		ctx:         context.Background(),
	}
	// Sign-out cleanup is local only, so it is wired even without Start.
	sess.Subscribe(a.discardOnSignOut)
	logger.Debug("Client configured", "baseURL", baseURL, "storage", cfg.Storage.Backend)
	return a, nil
}

// NewStore opens the configured durable storage. The keyring backend
// falls back to the state file when no keyring service is reachable.
func NewStore(cfg config.StorageConfig) (state.KVStore, error) {
	switch cfg.Backend {
	case "", config.BackendFile:
		return state.NewFileStore(cfg.Path), nil
	case config.BackendKeyring:
		return state.NewFallbackStore(
			state.NewKeyringStore(state.DefaultKeyringService),
			state.NewFileStore(cfg.Path),
		), nil
	case config.BackendMemory:
		return state.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Start connects the controllers:
//   - signing in schedules a refresh
//   - a 401 during refresh marks the session rejected
//   - a successful upload refreshes
//
// Signing out always discards cached data and the uploaded flag.
// If a session already exists, the first refresh is scheduled right away.
// ctx bounds every refresh started by the App.
func (a *App) Start(ctx context.Context) {
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()

	unsubSession := a.Session.Subscribe(a.onSessionEvent)
	unsubSync := a.Sync.Subscribe(a.onSnapshot)
	a.Upload.OnUploaded(func() { a.Sync.Refresh(a.context()) })

	a.mu.Lock()
	a.unsubs = append(a.unsubs, unsubSession, unsubSync)
	a.mu.Unlock()

	if a.Session.Authenticated() {
		a.scheduleRefresh()
	}
}

// Stop detaches the controllers and waits for scheduled refreshes.
func (a *App) Stop() {
	a.mu.Lock()
	unsubs := a.unsubs
	a.unsubs = nil
	a.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
	a.Upload.OnUploaded(nil)
	a.Wait()
}

// Wait blocks until every scheduled refresh has finished.
func (a *App) Wait() {
	a.pending.Wait()
}

func (a *App) context() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ctx
}

// scheduleRefresh runs a refresh on the next tick instead of inside the
// caller's notification.
func (a *App) scheduleRefresh() {
	a.pending.Add(1)
	time.AfterFunc(0, func() {
		defer a.pending.Done()
		a.Sync.Refresh(a.context())
	})
}

func (a *App) onSessionEvent(ev session.Event) {
	if ev.Kind == session.EventSignedIn {
		a.scheduleRefresh()
	}
}

func (a *App) discardOnSignOut(ev session.Event) {
	if ev.Kind != session.EventSignedOut {
		return
	}
	a.Sync.Reset()
	if err := a.Uploaded.Set(false); err != nil {
		a.log.Warn("Failed to clear uploaded flag", "error", err)
	}
}

func (a *App) onSnapshot(snap datasets.Snapshot) {
	switch {
	case snap.Unauthorized:
		a.Session.MarkRejected(true)
	case !snap.IsLoading && snap.Error == "":
		a.Session.MarkRejected(false)
	}
}

// Login verifies the pair against the server and saves it on success.
func (a *App) Login(ctx context.Context, username, password string) session.Result {
	return a.Session.SaveVerified(ctx, a.Client, username, password)
}

// Logout clears the session and everything cached for it.
func (a *App) Logout() error {
	return a.Session.SignOut()
}

// Dashboard builds the view model from the current state.
func (a *App) Dashboard(now time.Time) *report.Dashboard {
	return report.Build(a.Sync.Snapshot(), a.Uploaded.Get(), a.Downloads.IsDownloading, now)
}
