package download

// Batch downloads with progress streaming. A caller hands RunBatch a set of
// datasets and receives a channel of per-dataset phase events plus a handle
// for the final results:
//
//	ch, handle, err := svc.RunBatch(ctx, datasets, BatchOptions{Concurrency: 4})
//	for p := range ch {
//		fmt.Println(p.ID, p.Phase, p.Err)
//	}
//	results, err := handle.Result()

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/greg-hellings/cev/pkg/api"
)

// ProgressPhase is the lifecycle phase of one download in a batch.
type ProgressPhase string

const (
	// PhaseQueued indicates the download is waiting for a worker.
	PhaseQueued ProgressPhase = "queued"
	// PhaseRunning indicates the report is being fetched.
	PhaseRunning ProgressPhase = "running"
	// PhaseComplete indicates the report was saved.
	PhaseComplete ProgressPhase = "complete"
	// PhaseError indicates the download failed.
	PhaseError ProgressPhase = "error"
)

// DefaultConcurrency bounds a batch when BatchOptions.Concurrency is unset.
const DefaultConcurrency = 4

// Progress is a status update for one dataset.
type Progress struct {
	ID        string
	Phase     ProgressPhase
	Path      string // set on PhaseComplete
	Err       error  // set on PhaseError
	Timestamp time.Time
}

// BatchOptions tunes a batch run.
type BatchOptions struct {
	// Concurrency caps simultaneous downloads; <= 0 uses DefaultConcurrency.
	Concurrency int
}

// ResultHandle provides access to the results of a batch.
type ResultHandle struct {
	mu      sync.RWMutex
	results []Result
	err     error
	done    chan struct{}
}

// Result blocks until the batch finishes. Results are in input order.
// The error is non-nil only when the batch was cancelled.
func (h *ResultHandle) Result() ([]Result, error) {
	<-h.done
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.results, h.err
}

// Done returns a channel closed when the batch finishes.
func (h *ResultHandle) Done() <-chan struct{} {
	return h.done
}

// Service runs report downloads in the background.
type Service interface {
	// RunBatch starts downloading every dataset. The progress channel is
	// closed after the last event; the error is only for invalid input.
	RunBatch(ctx context.Context, datasets []api.Dataset, opts BatchOptions) (<-chan Progress, *ResultHandle, error)
}

type batchService struct {
	ctrl *Controller
}

// NewService returns a Service downloading through ctrl, so batch items
// show up in ctrl's in-flight set.
func NewService(ctrl *Controller) Service {
	return &batchService{ctrl: ctrl}
}

func (s *batchService) RunBatch(
	ctx context.Context,
	datasets []api.Dataset,
	opts BatchOptions,
) (<-chan Progress, *ResultHandle, error) {
	if len(datasets) == 0 {
		return nil, nil, errors.New("no datasets provided")
	}
	limit := opts.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	// Each dataset emits at most three events.
	progressCh := make(chan Progress, len(datasets)*3)
	handle := &ResultHandle{
		results: make([]Result, len(datasets)),
		done:    make(chan struct{}),
	}

	emit := func(p Progress) {
		p.Timestamp = time.Now()
		progressCh <- p
	}

	go func() {
		defer close(progressCh)
		defer close(handle.done)

		for _, ds := range datasets {
			emit(Progress{ID: ds.ID, Phase: PhaseQueued})
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for i, ds := range datasets {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					handle.set(i, Result{ID: ds.ID, Err: err, Message: MsgDownloadFailed})
					emit(Progress{ID: ds.ID, Phase: PhaseError, Err: err})
					return nil
				}
				emit(Progress{ID: ds.ID, Phase: PhaseRunning})
				res := s.ctrl.Download(gctx, ds)
				handle.set(i, res)
				if res.OK() {
					emit(Progress{ID: ds.ID, Phase: PhaseComplete, Path: res.Path})
				} else {
					emit(Progress{ID: ds.ID, Phase: PhaseError, Err: res.Err})
				}
				// Failures stay per-item; never cancel siblings.
				return nil
			})
		}
		_ = g.Wait()

		handle.mu.Lock()
		handle.err = ctx.Err()
		handle.mu.Unlock()
	}()

	return progressCh, handle, nil
}

func (h *ResultHandle) set(i int, r Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results[i] = r
}
