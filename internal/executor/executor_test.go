package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/spectrum-fit/internal/backend"
	"github.com/ChuLiYu/spectrum-fit/internal/fitmodel"
	"github.com/ChuLiYu/spectrum-fit/internal/histogram"
	"github.com/ChuLiYu/spectrum-fit/internal/registry"
	"github.com/ChuLiYu/spectrum-fit/internal/reporter"
	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func gaussianHistogram(t *testing.T) *histogram.Histogram {
	t.Helper()
	g := fitmodel.MustLookup(types.ModelGaussian)
	h, err := histogram.FromFunc("cs137", 900, 1100, 200, func(x float64) float64 {
		return g.Eval(x, []float64{100, 1000, 5}) + 2
	})
	require.NoError(t, err)
	return h
}

func newDispatcher() *reporter.Dispatcher {
	return reporter.NewDispatcher(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type fixture struct {
	reg  *registry.Registry
	rep  *reporter.Dispatcher
	exec *Executor
	seen []string
}

func newFixture(t *testing.T, fitter backend.Fitter) *fixture {
	t.Helper()
	f := &fixture{reg: registry.New(), rep: newDispatcher()}
	f.exec = New(fitter, f.reg, WithReporter(f.rep), WithObserver(func(outcome string, _ time.Duration) {
		f.seen = append(f.seen, outcome)
	}))
	return f
}

func (f *fixture) create(t *testing.T, seeds []float64) types.FitID {
	t.Helper()
	id, err := f.reg.Create(types.Region{Center: 1000, HalfWidth: 20}, types.ModelGaussian, nil)
	require.NoError(t, err)
	require.NoError(t, f.reg.SetParameters(id, seeds, nil))
	return id
}

// failingFitter always fails with the given reason.
type failingFitter struct {
	reason backend.Reason
	calls  int
}

func (f *failingFitter) Fit(context.Context, backend.Request, func(backend.Handle) error) error {
	f.calls++
	return &backend.Failure{Reason: f.reason, Detail: "test"}
}

// switchFitter delegates to the real backend until fail is set.
type switchFitter struct {
	real *backend.Gonum
	fail bool
}

func (s *switchFitter) Fit(ctx context.Context, req backend.Request, extract func(backend.Handle) error) error {
	if s.fail {
		return &backend.Failure{Reason: backend.ReasonNonConvergence, Detail: "forced"}
	}
	return s.real.Fit(ctx, req, extract)
}

// staleHandleFitter hands extract a handle from an earlier call, which
// panics on first use.
type staleHandleFitter struct {
	real  *backend.Gonum
	stale backend.Handle
}

func (s *staleHandleFitter) Fit(ctx context.Context, req backend.Request, extract func(backend.Handle) error) error {
	if s.stale != nil {
		return extract(s.stale)
	}
	return s.real.Fit(ctx, req, func(h backend.Handle) error {
		s.stale = h
		return extract(h)
	})
}

// brokenSource is a histogram whose Clone always fails.
type brokenSource struct {
	*histogram.Histogram
}

func (brokenSource) Clone() (*histogram.Histogram, error) {
	return nil, errors.New("out of memory")
}

// countingSource counts Clone calls.
type countingSource struct {
	*histogram.Histogram
	clones int
}

func (c *countingSource) Clone() (*histogram.Histogram, error) {
	c.clones++
	return c.Histogram.Clone()
}

// ============================================================================
// Execute
// ============================================================================

func TestExecuteFitsGaussian(t *testing.T) {
	f := newFixture(t, backend.NewGonum())
	h := gaussianHistogram(t)
	id := f.create(t, []float64{100, 1000, 5})

	res, err := f.exec.Execute(context.Background(), id, h)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Len(t, res.ParameterValues, 3)

	rec, _ := f.reg.Get(id)
	assert.Equal(t, types.StatusFitted, rec.Status)
	assert.Equal(t, uint64(1), rec.Epoch)
	require.NotNil(t, rec.CachedResult)
	assert.Len(t, rec.CachedResult.ParameterValues, 3)
	assert.InDelta(t, 1000, rec.CachedResult.ParameterValues[1], 0.5)
	require.NotNil(t, rec.CachedResult.Derived.FWHM)
	assert.Equal(t, []string{OutcomeFitted}, f.seen)
}

func TestExecuteDoesNotModifyHistogram(t *testing.T) {
	f := newFixture(t, backend.NewGonum())
	h := gaussianHistogram(t)
	before := h.Counts()
	edges := h.Edges()

	ok := f.create(t, []float64{90, 998, 4})
	_, err := f.exec.Execute(context.Background(), ok, h)
	require.NoError(t, err)

	bad := f.create(t, []float64{1, 1000, 5})
	f.exec.fitter = &failingFitter{reason: backend.ReasonSingularMatrix}
	_, err = f.exec.Execute(context.Background(), bad, h)
	require.Error(t, err)

	assert.Equal(t, before, h.Counts())
	assert.Equal(t, edges, h.Edges())
}

func TestFailureKeepsPreviousResultAndEpoch(t *testing.T) {
	sw := &switchFitter{real: backend.NewGonum()}
	f := newFixture(t, sw)
	h := gaussianHistogram(t)
	id := f.create(t, []float64{100, 1000, 5})

	_, err := f.exec.Execute(context.Background(), id, h)
	require.NoError(t, err)
	first, _ := f.reg.Get(id)

	sw.fail = true
	_, err = f.exec.Execute(context.Background(), id, h)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrBackendFitFailure)

	var ferr *types.FitError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, id, ferr.FitID)

	rec, _ := f.reg.Get(id)
	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Equal(t, first.Epoch, rec.Epoch)
	assert.Equal(t, first.CachedResult.ParameterValues, rec.CachedResult.ParameterValues)
	assert.Contains(t, rec.LastError, "non-convergence")

	history := f.rep.History()
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, reporter.LevelError, last.Level)
	assert.Equal(t, "fit:1", last.Context)

	sw.fail = false
	_, err = f.exec.Execute(context.Background(), id, h)
	require.NoError(t, err)
	rec, _ = f.reg.Get(id)
	assert.Equal(t, first.Epoch+1, rec.Epoch)
}

func TestBackendPanicMarksRecordFailed(t *testing.T) {
	fitter := &staleHandleFitter{real: backend.NewGonum()}
	f := newFixture(t, fitter)
	h := gaussianHistogram(t)
	id := f.create(t, []float64{100, 1000, 5})

	_, err := f.exec.Execute(context.Background(), id, h)
	require.NoError(t, err)
	first, _ := f.reg.Get(id)

	var res *types.CachedFitResult
	require.NotPanics(t, func() {
		res, err = f.exec.Execute(context.Background(), id, h)
	})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, types.ErrBackendFitFailure)

	rec, _ := f.reg.Get(id)
	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Equal(t, first.Epoch, rec.Epoch)
	require.NotNil(t, rec.CachedResult)
	assert.Equal(t, first.CachedResult.ParameterValues, rec.CachedResult.ParameterValues)
	assert.Contains(t, rec.LastError, "panicked")

	history := f.rep.History()
	require.NotEmpty(t, history)
	assert.Equal(t, reporter.LevelError, history[len(history)-1].Level)
	assert.ErrorIs(t, history[len(history)-1].Err, types.ErrBackendFitFailure)

	// 紀錄沒有卡在 Fitting，下一次擬合照常執行
	fitter.stale = nil
	_, err = f.exec.Execute(context.Background(), id, h)
	require.NoError(t, err)
	rec, _ = f.reg.Get(id)
	assert.Equal(t, types.StatusFitted, rec.Status)
	assert.Equal(t, []string{OutcomeFitted, OutcomeFailed, OutcomeFitted}, f.seen)
}

func TestExecuteUnknownRecordIsSchedulingConflict(t *testing.T) {
	fitter := &failingFitter{}
	f := newFixture(t, fitter)

	_, err := f.exec.Execute(context.Background(), 42, gaussianHistogram(t))
	assert.ErrorIs(t, err, types.ErrSchedulingConflict)
	assert.Zero(t, fitter.calls)
	assert.Equal(t, []string{OutcomeConflict}, f.seen)
}

func TestWorkingCopyClonedOnce(t *testing.T) {
	f := newFixture(t, backend.NewGonum())
	src := &countingSource{Histogram: gaussianHistogram(t)}
	id := f.create(t, []float64{100, 1000, 5})

	for i := 0; i < 3; i++ {
		_, err := f.exec.Execute(context.Background(), id, src)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, src.clones)

	f.exec.Forget(src)
	_, err := f.exec.Execute(context.Background(), id, src)
	require.NoError(t, err)
	assert.Equal(t, 2, src.clones)
}

func TestCloneFailureFallsBackToOriginal(t *testing.T) {
	f := newFixture(t, backend.NewGonum())
	src := brokenSource{Histogram: gaussianHistogram(t)}
	id := f.create(t, []float64{100, 1000, 5})

	_, err := f.exec.Execute(context.Background(), id, src)
	require.NoError(t, err)

	rec, _ := f.reg.Get(id)
	assert.Equal(t, types.StatusFitted, rec.Status)

	var warned bool
	for _, ev := range f.rep.History() {
		if ev.Level == reporter.LevelWarning && errors.Is(ev.Err, types.ErrCloneFailure) {
			warned = true
		}
	}
	assert.True(t, warned, "clone failure must be reported")
}

func TestCloneFailureReportedOncePerHistogram(t *testing.T) {
	f := newFixture(t, backend.NewGonum())
	src := brokenSource{Histogram: gaussianHistogram(t)}
	id := f.create(t, []float64{100, 1000, 5})

	countWarnings := func() int {
		n := 0
		for _, ev := range f.rep.History() {
			if errors.Is(ev.Err, types.ErrCloneFailure) {
				n++
			}
		}
		return n
	}

	for i := 0; i < 3; i++ {
		_, err := f.exec.Execute(context.Background(), id, src)
		require.NoError(t, err)
		f.exec.WorkingCopy(src)
	}
	assert.Equal(t, 1, countWarnings())

	// 換上新的直方圖後重新回報
	f.exec.Forget(src)
	f.exec.WorkingCopy(src)
	assert.Equal(t, 2, countWarnings())
}

func TestTimeoutBecomesBackendFailure(t *testing.T) {
	reg := registry.New()
	exec := New(backend.NewGonum(), reg, WithReporter(newDispatcher()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	id, err := reg.Create(types.Region{Center: 1000, HalfWidth: 20}, types.ModelGaussian, nil)
	require.NoError(t, err)
	_, err = exec.Execute(ctx, id, gaussianHistogram(t))
	assert.ErrorIs(t, err, types.ErrBackendFitFailure)
}

// ============================================================================
// Validation
// ============================================================================

// memSink is a StateSink that accepts records the registry would refuse.
type memSink struct {
	rec      types.FitRecord
	rejected error
}

func (m *memSink) Get(id types.FitID) (types.FitRecord, bool) { return m.rec, id == m.rec.ID }
func (m *memSink) MarkFitting(types.FitID) error {
	m.rec.Status = types.StatusFitting
	return nil
}
func (m *memSink) MarkFitted(_ types.FitID, r types.CachedFitResult) error {
	m.rec.Status = types.StatusFitted
	m.rec.CachedResult = &r
	return nil
}
func (m *memSink) MarkFailed(types.FitID, error) error {
	m.rec.Status = types.StatusFailed
	return nil
}
func (m *memSink) RejectInput(_ types.FitID, cause error) error {
	m.rec.Status = types.StatusFailed
	m.rejected = cause
	return nil
}

func TestValidationRejectsWithoutBackendCall(t *testing.T) {
	nan := func() float64 { z := 0.0; return z / z }()

	tests := []struct {
		name string
		rec  types.FitRecord
	}{
		{"zero half width", types.FitRecord{ID: 1, Model: types.ModelGaussian,
			Region: types.Region{Center: 1000}, InitialParameters: []float64{1, 2, 3}, FixedFlags: make([]bool, 3)}},
		{"nan parameter", types.FitRecord{ID: 1, Model: types.ModelGaussian,
			Region: types.Region{Center: 1000, HalfWidth: 5}, InitialParameters: []float64{1, nan, 3}, FixedFlags: make([]bool, 3)}},
		{"wrong arity", types.FitRecord{ID: 1, Model: types.ModelPol1,
			Region: types.Region{Center: 1000, HalfWidth: 5}, InitialParameters: []float64{1, 2, 3}, FixedFlags: make([]bool, 3)}},
		{"unknown model", types.FitRecord{ID: 1, Model: "voigt",
			Region: types.Region{Center: 1000, HalfWidth: 5}, InitialParameters: []float64{1}, FixedFlags: make([]bool, 1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fitter := &failingFitter{}
			sink := &memSink{rec: tt.rec}
			exec := New(fitter, sink)

			_, err := exec.Execute(context.Background(), 1, gaussianHistogram(t))
			assert.ErrorIs(t, err, types.ErrInvalidFitInput)
			assert.Zero(t, fitter.calls)
			assert.Equal(t, types.StatusFailed, sink.rec.Status)
			assert.Error(t, sink.rejected)
		})
	}
}
