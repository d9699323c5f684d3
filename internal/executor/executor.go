// ============================================================================
// spectrum-fit Fit Executor - Fit State Machine
// ============================================================================
//
// Package: internal/executor
// File: executor.go
// Purpose: Run one model fit for one record against a working copy of the
//          histogram and write the outcome back to the record
//
// How it works:
//   Execute(ctx, id, src) performs, in order:
//   1. Look the record up (missing id -> SchedulingConflict, low severity)
//   2. Validate region and parameters (-> InvalidFitInput, no backend call)
//   3. Get the working copy for src (clone once, reuse; on failure fall back
//      to src and report a warning)
//   4. Mark the record Fitting
//   5. Call the backend and freeze the handle inside the extract callback
//   6. Mark Fitted (epoch+1) or Failed (previous result kept)
//
//   A panic inside the backend or while freezing the handle is turned into
//   a backend failure, so the record never stays in Fitting.
//
// State Machine:
//   Unfit/Fitted/Failed --Execute--> Fitting --ok--> Fitted
//                                            --err--> Failed
//
// Timeout Control:
//   An optional per-fit timeout bounds the backend call through the
//   context. The backend checks it between minimiser iterations.
//
// ============================================================================

package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ChuLiYu/spectrum-fit/internal/backend"
	"github.com/ChuLiYu/spectrum-fit/internal/fitmodel"
	"github.com/ChuLiYu/spectrum-fit/internal/histogram"
	"github.com/ChuLiYu/spectrum-fit/internal/reporter"
	"github.com/ChuLiYu/spectrum-fit/internal/resultcache"
	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

var log = slog.Default()

// Outcome labels passed to the observer.
const (
	OutcomeFitted   = "fitted"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
	OutcomeConflict = "conflict"
)

// StateSink is where the executor reads records and writes state back.
// The registry implements it.
type StateSink interface {
	Get(id types.FitID) (types.FitRecord, bool)
	MarkFitting(id types.FitID) error
	MarkFitted(id types.FitID, result types.CachedFitResult) error
	MarkFailed(id types.FitID, cause error) error
	RejectInput(id types.FitID, cause error) error
}

// Observer receives the outcome and duration of every Execute call.
type Observer func(outcome string, d time.Duration)

// Executor runs fits.
type Executor struct {
	fitter   backend.Fitter
	sink     StateSink
	reporter reporter.Reporter
	timeout  time.Duration
	observer Observer
	now      func() time.Time

	mu       sync.Mutex
	copies   map[histogram.Source]histogram.Data // working copy per source
	degraded map[histogram.Source]bool           // clone failure already reported
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout bounds each backend call; zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithObserver registers an outcome observer (metrics).
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// WithReporter sets the error reporter. The default only logs.
func WithReporter(r reporter.Reporter) Option {
	return func(e *Executor) { e.reporter = r }
}

// New creates an Executor writing state into sink.
func New(fitter backend.Fitter, sink StateSink, opts ...Option) *Executor {
	e := &Executor{
		fitter:   fitter,
		sink:     sink,
		reporter: reporter.Discard,
		now:      time.Now,
		copies:   make(map[histogram.Source]histogram.Data),
		degraded: make(map[histogram.Source]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute fits record id against src and returns the frozen result.
//
// Errors are *types.FitError with Kind one of ErrSchedulingConflict,
// ErrInvalidFitInput or ErrBackendFitFailure. The record state has already
// been updated when Execute returns.
func (e *Executor) Execute(ctx context.Context, id types.FitID, src histogram.Source) (*types.CachedFitResult, error) {
	start := e.now()

	rec, ok := e.sink.Get(id)
	if !ok {
		err := types.NewFitError(types.ErrSchedulingConflict, id, "execute", nil)
		e.reporter.Report(reporter.LevelDebug, "fit target no longer exists", contextFor(id), err)
		e.observe(OutcomeConflict, start)
		return nil, err
	}

	model, err := validate(rec)
	if err != nil {
		if rerr := e.sink.RejectInput(id, err); rerr != nil {
			log.Debug("reject input", "fit_id", id, "error", rerr)
		}
		e.observe(OutcomeRejected, start)
		return nil, types.NewFitError(types.ErrInvalidFitInput, id, "execute", err)
	}

	data := e.WorkingCopy(src)

	if err := e.sink.MarkFitting(id); err != nil {
		e.observe(OutcomeConflict, start)
		return nil, types.NewFitError(types.ErrSchedulingConflict, id, "execute", err)
	}

	opts := backend.ParseOptions(rec.ExecutionOptions)
	if !opts.Quiet {
		log.Debug("fit start", "fit_id", id, "model", rec.Model,
			"low", rec.Region.Low(), "high", rec.Region.High(), "seeds", rec.InitialParameters)
	}
	if opts.Ignored != "" {
		log.Debug("ignored fit options", "fit_id", id, "options", opts.Ignored)
	}

	xs, ys := data.Window(rec.Region.Low(), rec.Region.High())
	req := backend.Request{
		Model:   model,
		Region:  rec.Region,
		X:       xs,
		Y:       ys,
		Seeds:   rec.InitialParameters,
		Fixed:   rec.FixedFlags,
		Options: opts,
	}

	fitCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		fitCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var frozen types.CachedFitResult
	err = e.fit(fitCtx, req, model, &frozen)
	if err != nil {
		if merr := e.sink.MarkFailed(id, err); merr != nil {
			log.Debug("mark failed", "fit_id", id, "error", merr)
		}
		ferr := types.NewFitError(types.ErrBackendFitFailure, id, "execute", err)
		e.reporter.Report(reporter.LevelError, "fit failed", contextFor(id), ferr)
		e.observe(OutcomeFailed, start)
		return nil, ferr
	}

	if err := e.sink.MarkFitted(id, frozen); err != nil {
		e.observe(OutcomeConflict, start)
		return nil, types.NewFitError(types.ErrSchedulingConflict, id, "execute", err)
	}
	if !opts.Quiet {
		log.Debug("fit done", "fit_id", id, "values", frozen.ParameterValues)
	}
	e.observe(OutcomeFitted, start)
	return frozen.Clone(), nil
}

// fit calls the backend and freezes the handle into dst.
func (e *Executor) fit(ctx context.Context, req backend.Request, model fitmodel.Model, dst *types.CachedFitResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("fit panicked", "model", req.Model.Kind, "panic", r)
			err = fmt.Errorf("backend panicked: %v", r)
		}
	}()
	return e.fitter.Fit(ctx, req, func(h backend.Handle) error {
		*dst = resultcache.Freeze(model, h)
		return nil
	})
}

// WorkingCopy returns the shared working copy of src, cloning on first use.
//
// If cloning fails the original is returned. The first failure for src is
// reported as a warning, later ones only logged; the next call tries again.
func (e *Executor) WorkingCopy(src histogram.Source) histogram.Data {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.copies[src]; ok {
		return c
	}
	clone, err := src.Clone()
	if err != nil || clone == nil {
		if err == nil {
			err = fmt.Errorf("clone of %q returned nothing", src.Name())
		}
		if e.degraded[src] {
			log.Debug("working copy still unavailable", "histogram", src.Name(), "error", err)
			return src
		}
		e.degraded[src] = true
		e.reporter.Report(reporter.LevelWarning, "working copy unavailable, fitting original histogram",
			"histogram:"+src.Name(), types.NewFitError(types.ErrCloneFailure, 0, "clone", err))
		return src
	}
	delete(e.degraded, src)
	e.copies[src] = clone
	return clone
}

// Forget drops the working copy of src, e.g. after the histogram is replaced.
func (e *Executor) Forget(src histogram.Source) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.copies, src)
	delete(e.degraded, src)
}

func (e *Executor) observe(outcome string, start time.Time) {
	if e.observer != nil {
		e.observer(outcome, e.now().Sub(start))
	}
}

// validate checks a record before any backend call.
func validate(rec types.FitRecord) (fitmodel.Model, error) {
	model, err := fitmodel.Lookup(rec.Model)
	if err != nil {
		return fitmodel.Model{}, err
	}
	if err := rec.Region.Validate(); err != nil {
		return model, err
	}
	if len(rec.InitialParameters) != model.Arity() {
		return model, fmt.Errorf("%w: %s needs %d parameters, record has %d",
			types.ErrInvalidFitInput, rec.Model, model.Arity(), len(rec.InitialParameters))
	}
	if len(rec.FixedFlags) != model.Arity() {
		return model, fmt.Errorf("%w: %s needs %d fixed flags, record has %d",
			types.ErrInvalidFitInput, rec.Model, model.Arity(), len(rec.FixedFlags))
	}
	for i, v := range rec.InitialParameters {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return model, fmt.Errorf("%w: parameter %d is %v", types.ErrInvalidFitInput, i, v)
		}
	}
	return model, nil
}

func contextFor(id types.FitID) string {
	return fmt.Sprintf("fit:%d", id)
}
