// Package session exposes the authenticated/unauthenticated state of the
// client on top of a state.CredentialStore.
package session

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/greg-hellings/cev/pkg/api"
	"github.com/greg-hellings/cev/pkg/state"
)

// User-facing results of Save.
const (
	MsgSaved           = "Credentials saved. They are stored locally on this machine."
	MsgMissingRequired = "Username and password are required."
)

// Status is the observable session state. Username is empty while
// unauthenticated.
type Status struct {
	Authenticated bool
	Username      string
	Source        state.Source
	// Rejected is set when the server refused the stored credentials; the
	// session stays authenticated until the user corrects or clears them.
	Rejected bool
}

// Usable reports whether requests can be expected to succeed.
func (s Status) Usable() bool { return s.Authenticated && !s.Rejected }

// EventKind identifies a session transition.
type EventKind string

const (
	// EventSignedIn fires when credentials are saved.
	EventSignedIn EventKind = "signed-in"
	// EventSignedOut fires after credentials are cleared.
	EventSignedOut EventKind = "signed-out"
	// EventRejected fires when the server rejects the stored credentials.
	EventRejected EventKind = "rejected"
	// EventAccepted fires when previously rejected credentials work again.
	EventAccepted EventKind = "accepted"
)

// Event is delivered to subscribers after every transition.
type Event struct {
	Kind   EventKind
	Status Status
}

// Result is returned from Save.
type Result struct {
	Success bool
	Message string
}

// Verifier probes candidate credentials against the server.
type Verifier interface {
	VerifyCredentials(ctx context.Context, username, password string) error
}

// Controller is the session state machine.
type Controller struct {
	store *state.CredentialStore
	log   *slog.Logger

	mu        sync.Mutex
	status    Status
	listeners []func(Event)
}

// NewController derives the initial state synchronously from store.
func NewController(store *state.CredentialStore, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{store: store, log: logger}
	c.status = statusFrom(store.Get())
	return c
}

func statusFrom(creds *state.Credentials) Status {
	if !creds.Valid() {
		return Status{}
	}
	return Status{Authenticated: true, Username: creds.Username, Source: creds.Source}
}

// Status returns the current state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Authenticated reports whether credentials are present.
func (c *Controller) Authenticated() bool {
	return c.Status().Authenticated
}

// Subscribe registers fn for every transition and returns an unsubscribe
// function. fn runs synchronously on the goroutine that caused the change.
func (c *Controller) Subscribe(fn func(Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
	idx := len(c.listeners) - 1
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if idx < len(c.listeners) {
			c.listeners[idx] = nil
		}
	}
}

// Save trims and stores the pair. Blank input leaves the current session
// untouched and reports failure.
func (c *Controller) Save(username, password string) Result {
	user := strings.TrimSpace(username)
	pass := strings.TrimSpace(password)
	if user == "" || pass == "" {
		return Result{Success: false, Message: MsgMissingRequired}
	}

	creds, err := c.store.Set(user, pass)
	if creds == nil {
		return Result{Success: false, Message: MsgMissingRequired}
	}
	if err != nil {
		// The in-memory copy still serves this process.
		c.log.Warn("Failed to persist credentials", "username", user, "error", err)
	}

	st := statusFrom(creds)
	c.transition(EventSignedIn, st)
	c.log.Info("Signed in", "username", user)
	return Result{Success: true, Message: MsgSaved}
}

// SaveVerified probes the candidate pair with v before saving it. On
// rejection nothing is stored and the classified message is returned.
func (c *Controller) SaveVerified(ctx context.Context, v Verifier, username, password string) Result {
	user := strings.TrimSpace(username)
	pass := strings.TrimSpace(password)
	if user == "" || pass == "" {
		return Result{Success: false, Message: MsgMissingRequired}
	}
	if err := v.VerifyCredentials(ctx, user, pass); err != nil {
		c.log.Info("Credential verification failed", "username", user, "kind", api.KindOf(err).String())
		return Result{Success: false, Message: api.MessageOr(err, api.MsgFetchFailed)}
	}
	return c.Save(user, pass)
}

// SignOut clears the stored credentials and notifies subscribers so they
// can discard data cached for the previous user.
func (c *Controller) SignOut() error {
	err := c.store.Clear()
	c.transition(EventSignedOut, Status{})
	c.log.Info("Signed out")
	return err
}

// MarkRejected records whether the server refused the current credentials.
func (c *Controller) MarkRejected(rejected bool) {
	c.mu.Lock()
	if !c.status.Authenticated || c.status.Rejected == rejected {
		c.mu.Unlock()
		return
	}
	st := c.status
	st.Rejected = rejected
	c.mu.Unlock()

	if rejected {
		c.transition(EventRejected, st)
		return
	}
	c.transition(EventAccepted, st)
}

func (c *Controller) transition(kind EventKind, st Status) {
	c.mu.Lock()
	c.status = st
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	ev := Event{Kind: kind, Status: st}
	for _, fn := range listeners {
		if fn != nil {
			fn(ev)
		}
	}
}
