// Package datasets keeps the client's view of remote dataset state: the
// latest dataset and the upload history, published as immutable snapshots.
package datasets

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"

	"github.com/greg-hellings/cev/pkg/api"
)

// MsgCredentialsRequired is the snapshot error while no session exists.
const MsgCredentialsRequired = "Enter backend credentials to fetch data."

// Snapshot is the synchronized remote state shown to the UI. A Snapshot is
// never modified after it is published; treat History as read-only.
type Snapshot struct {
	Latest    *api.Dataset
	History   []api.Dataset
	IsLoading bool
	Error     string
	// Unauthorized is set when the error came from an HTTP 401.
	Unauthorized bool
}

// Phase derives the state-machine phase from a snapshot.
type Phase string

const (
	// PhaseIdle means there is nothing to show (no session or no data).
	PhaseIdle Phase = "idle"
	// PhaseLoading means a refresh is in flight.
	PhaseLoading Phase = "loading"
	// PhaseReady means data is available.
	PhaseReady Phase = "ready"
	// PhaseFailed means the last refresh reported an error.
	PhaseFailed Phase = "failed"
)

// Phase reports the phase this snapshot represents.
func (s Snapshot) Phase() Phase {
	switch {
	case s.IsLoading:
		return PhaseLoading
	case s.Error == MsgCredentialsRequired:
		return PhaseIdle
	case s.Error != "":
		return PhaseFailed
	case s.Latest == nil && len(s.History) == 0:
		return PhaseIdle
	default:
		return PhaseReady
	}
}

// Fetcher is the subset of the API client the controller reads through.
type Fetcher interface {
	GetLatestDataset(ctx context.Context) (*api.Dataset, error)
	GetDatasetHistory(ctx context.Context) ([]api.Dataset, error)
	GetDatasetDetail(ctx context.Context, id string) (*api.DatasetDetail, error)
}

// Authenticator reports whether a session exists.
type Authenticator interface {
	Authenticated() bool
}

// SyncController reconciles remote dataset state into snapshots.
// Overlapping Refresh calls are allowed; the last one to finish wins.
type SyncController struct {
	fetch Fetcher
	auth  Authenticator
	log   *slog.Logger

	snap atomic.Pointer[Snapshot]

	mu        sync.Mutex
	listeners map[int]func(Snapshot)
	nextID    int
	// epoch advances on every Reset; refreshes started in an older epoch
	// are not published.
	epoch uint64
}

// NewSyncController creates a controller with an empty snapshot.
func NewSyncController(fetch Fetcher, auth Authenticator, logger *slog.Logger) *SyncController {
	if logger == nil {
		logger = slog.Default()
	}
	c := &SyncController{
		fetch:     fetch,
		auth:      auth,
		log:       logger,
		listeners: map[int]func(Snapshot){},
	}
	c.snap.Store(emptySnapshot())
	return c
}

func emptySnapshot() *Snapshot {
	return &Snapshot{History: []api.Dataset{}}
}

// Snapshot returns the current snapshot.
func (c *SyncController) Snapshot() Snapshot {
	return *c.snap.Load()
}

// Subscribe registers fn to receive every published snapshot.
func (c *SyncController) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *SyncController) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

func (c *SyncController) publish(s *Snapshot) Snapshot {
	c.mu.Lock()
	c.snap.Store(s)
	listeners := lo.Values(c.listeners)
	c.mu.Unlock()
	c.notify(listeners, s)
	return *s
}

// publishIn stores s only if no Reset happened since epoch and the session
// is still authenticated.
func (c *SyncController) publishIn(epoch uint64, s *Snapshot) (Snapshot, bool) {
	c.mu.Lock()
	if c.epoch != epoch || !c.auth.Authenticated() {
		current := *c.snap.Load()
		c.mu.Unlock()
		return current, false
	}
	c.snap.Store(s)
	listeners := lo.Values(c.listeners)
	c.mu.Unlock()
	c.notify(listeners, s)
	return *s, true
}

func (c *SyncController) notify(listeners []func(Snapshot), s *Snapshot) {
	for _, fn := range listeners {
		fn(*s)
	}
}

// Reset discards cached data, e.g. after sign-out. Refreshes still in
// flight are dropped when they finish.
func (c *SyncController) Reset() {
	s := emptySnapshot()
	c.mu.Lock()
	c.epoch++
	c.snap.Store(s)
	listeners := lo.Values(c.listeners)
	c.mu.Unlock()
	c.notify(listeners, s)
}

// Refresh fetches latest and history concurrently and publishes the merged
// result. It never returns an error; failures land in Snapshot.Error.
func (c *SyncController) Refresh(ctx context.Context) Snapshot {
	if c.auth == nil || !c.auth.Authenticated() {
		return c.publish(&Snapshot{History: []api.Dataset{}, Error: MsgCredentialsRequired})
	}

	epoch := c.currentEpoch()
	loading := c.Snapshot()
	loading.IsLoading = true
	loading.Error = ""
	loading.Unauthorized = false
	if _, ok := c.publishIn(epoch, &loading); !ok {
		return c.Snapshot()
	}

	latest, history := settleBoth(
		func() (*api.Dataset, error) { return c.fetch.GetLatestDataset(ctx) },
		func() ([]api.Dataset, error) { return c.fetch.GetDatasetHistory(ctx) },
	)
	snap, ok := c.publishIn(epoch, c.merge(latest, history))
	if !ok {
		c.log.Debug("Discarded refresh from an ended session")
	}
	return snap
}

// Select lazily fetches the detail of one dataset. Failures are returned
// to the caller and do not touch the snapshot.
func (c *SyncController) Select(ctx context.Context, id string) (*api.DatasetDetail, error) {
	if c.auth == nil || !c.auth.Authenticated() {
		return nil, api.NewValidationError(MsgCredentialsRequired)
	}
	return c.fetch.GetDatasetDetail(ctx, id)
}

// Outcome is the settled result of one sub-call.
type Outcome[T any] struct {
	Value T
	Err   error
}

// OK reports whether the sub-call succeeded.
func (o Outcome[T]) OK() bool { return o.Err == nil }

// settleBoth runs a and b concurrently and waits for both, regardless of
// either failing.
func settleBoth[A, B any](a func() (A, error), b func() (B, error)) (Outcome[A], Outcome[B]) {
	chA := lo.Async2(a)
	chB := lo.Async2(b)
	ra, rb := <-chA, <-chB
	return Outcome[A]{Value: ra.A, Err: ra.B}, Outcome[B]{Value: rb.A, Err: rb.B}
}

// merge applies the partial-failure policy:
//   - each successful read populates its field, a failed one falls back to
//     nil / empty
//   - an authentication failure on either read is fatal and reported
//   - when both reads fail the latest-read failure is reported
//   - a single non-fatal failure is logged and not reported
func (c *SyncController) merge(latest Outcome[*api.Dataset], history Outcome[[]api.Dataset]) *Snapshot {
	next := &Snapshot{History: []api.Dataset{}}
	if latest.OK() {
		next.Latest = latest.Value
	}
	if history.OK() && history.Value != nil {
		next.History = history.Value
	}

	var reported error
	switch {
	case api.IsAuthentication(latest.Err):
		reported = latest.Err
	case api.IsAuthentication(history.Err):
		reported = history.Err
	case latest.Err != nil && history.Err != nil:
		reported = latest.Err
	case latest.Err != nil:
		c.log.Warn("Latest dataset fetch failed; showing history only", "error", latest.Err)
	case history.Err != nil:
		c.log.Warn("History fetch failed; showing latest only", "error", history.Err)
	}

	if reported != nil {
		next.Error = api.MessageOr(reported, api.MsgFetchFailed)
		next.Unauthorized = api.IsAuthentication(reported)
		c.log.Info("Dataset refresh failed", "kind", api.KindOf(reported).String(), "error", reported)
	}
	return next
}
