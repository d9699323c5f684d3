package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/spectrum-fit/internal/backend"
	"github.com/ChuLiYu/spectrum-fit/internal/fitmodel"
	"github.com/ChuLiYu/spectrum-fit/internal/histogram"
	"github.com/ChuLiYu/spectrum-fit/internal/metrics"
	"github.com/ChuLiYu/spectrum-fit/internal/render"
	"github.com/ChuLiYu/spectrum-fit/internal/reporter"
	"github.com/ChuLiYu/spectrum-fit/internal/scheduler/schedtest"
	"github.com/ChuLiYu/spectrum-fit/internal/snapshot"
	"github.com/ChuLiYu/spectrum-fit/internal/storage/journal"
	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var start = time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)

// spectrum 兩個高斯峰（662、1000 keV）加上平坦背景
func spectrum(t *testing.T) *histogram.Histogram {
	t.Helper()
	g := fitmodel.MustLookup(types.ModelGaussian)
	h, err := histogram.FromFunc("co60", 500, 1200, 700, func(x float64) float64 {
		return g.Eval(x, []float64{100, 1000, 5}) + g.Eval(x, []float64{80, 662, 4}) + 2
	})
	require.NoError(t, err)
	return h
}

type recordingSurface struct {
	shown  []*render.Image
	events []types.Event
}

func (s *recordingSurface) Show(_ types.FitRecord, img *render.Image) { s.shown = append(s.shown, img) }
func (s *recordingSurface) OnEvent(ev types.Event)                     { s.events = append(s.events, ev) }

func (s *recordingSurface) kinds() []types.EventKind {
	out := make([]types.EventKind, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind
	}
	return out
}

// recordingFitter 記錄每次呼叫的初始參數，再交給真正的 backend
type recordingFitter struct {
	real  *backend.Gonum
	seeds [][]float64
}

func (f *recordingFitter) Fit(ctx context.Context, req backend.Request, extract func(backend.Handle) error) error {
	f.seeds = append(f.seeds, append([]float64(nil), req.Seeds...))
	return f.real.Fit(ctx, req, extract)
}

type harness struct {
	engine  *Engine
	clock   *schedtest.Clock
	surface *recordingSurface
	fitter  *recordingFitter
	rep     *reporter.Dispatcher
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clock:   schedtest.NewClock(start),
		surface: &recordingSurface{},
		fitter:  &recordingFitter{real: backend.NewGonum()},
		rep:     reporter.NewDispatcher(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	base := []Option{WithSurface(h.surface), WithFitter(h.fitter), WithReporter(h.rep)}
	h.engine = New(h.clock, DefaultConfig(), append(base, opts...)...)
	h.engine.SetHistogram(spectrum(t))
	return h
}

func (h *harness) create(t *testing.T, center float64) types.FitID {
	t.Helper()
	id, err := h.engine.CreateFit(types.Region{Center: center, HalfWidth: 20}, types.ModelGaussian)
	require.NoError(t, err)
	return id
}

func peaksAt(energies ...float64) []types.PeakCandidate {
	out := make([]types.PeakCandidate, len(energies))
	for i, e := range energies {
		out[i] = types.PeakCandidate{Energy: e, Provenance: types.ProvenanceAutomatic}
	}
	return out
}

// ============================================================================
// UI 操作
// ============================================================================

func TestCreateAndRefit(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, 1000)

	rec, ok := h.engine.Fit(id)
	require.True(t, ok)
	assert.Equal(t, types.StatusUnfit, rec.Status)
	assert.Equal(t, "Q", rec.ExecutionOptions)

	require.NoError(t, h.engine.EditParameters(id, []float64{100, 1000, 5}, nil))
	assert.True(t, h.engine.PendingRefit(id))

	res, err := h.engine.Refit(id)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, h.engine.PendingRefit(id), "Refit cancels the pending refit")

	rec, _ = h.engine.Fit(id)
	assert.Equal(t, types.StatusFitted, rec.Status)
	assert.Equal(t, uint64(1), rec.Epoch)
	assert.Len(t, rec.CachedResult.ParameterValues, 3)
	assert.InDelta(t, 1000, rec.CachedResult.ParameterValues[1], 0.5)

	require.NotEmpty(t, h.surface.shown)
	last := h.surface.shown[len(h.surface.shown)-1]
	assert.Equal(t, id, last.FitID)
	assert.Equal(t, uint64(1), last.Epoch)
	assert.NotEmpty(t, last.PNG)

	h.clock.Advance(time.Second)
	assert.Len(t, h.fitter.seeds, 1)
}

func TestEditsCoalesceIntoOneFit(t *testing.T) {
	promReg := prometheus.NewRegistry()
	h := newHarness(t, WithMetrics(metrics.NewCollector(promReg)))
	id := h.create(t, 1000)

	for i, amp := range []float64{90, 95, 100, 105} {
		if i > 0 {
			h.clock.Advance(100 * time.Millisecond)
		}
		require.NoError(t, h.engine.EditParameters(id, []float64{amp, 1000, 5}, nil))
	}

	h.clock.Advance(499 * time.Millisecond)
	assert.Empty(t, h.fitter.seeds)

	h.clock.Advance(time.Millisecond)
	require.Len(t, h.fitter.seeds, 1)
	assert.Equal(t, []float64{105, 1000, 5}, h.fitter.seeds[0], "fit uses the last edit")

	rec, _ := h.engine.Fit(id)
	assert.Equal(t, types.StatusFitted, rec.Status)

	expected := `
# HELP specfit_debounce_coalesced_total Pending debounced actions superseded by a newer trigger
# TYPE specfit_debounce_coalesced_total counter
specfit_debounce_coalesced_total{class="refit"} 3
`
	require.NoError(t, testutil.GatherAndCompare(promReg, strings.NewReader(expected), "specfit_debounce_coalesced_total"))
}

func TestEditsOnDifferentFitsAreIndependent(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, 1000)
	b := h.create(t, 662)

	require.NoError(t, h.engine.EditParameters(a, []float64{100, 1000, 5}, nil))
	h.clock.Advance(300 * time.Millisecond)
	require.NoError(t, h.engine.EditParameters(b, []float64{80, 662, 4}, nil))

	h.clock.Advance(200 * time.Millisecond)
	require.Len(t, h.fitter.seeds, 1)
	h.clock.Advance(300 * time.Millisecond)
	require.Len(t, h.fitter.seeds, 2)
	assert.Equal(t, 662.0, h.fitter.seeds[1][1])
}

func TestRemoveCancelsPendingRefit(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, 1000)
	require.NoError(t, h.engine.EditRegion(id, types.Region{Center: 1001, HalfWidth: 15}))

	require.NoError(t, h.engine.RemoveFit(id))
	h.clock.Advance(time.Second)

	assert.Empty(t, h.fitter.seeds)
	assert.Contains(t, h.surface.kinds(), types.EventClosed)
	assert.Error(t, h.engine.RemoveFit(id))
}

func TestClearResetsIDsAndDropsDeferredWork(t *testing.T) {
	h := newHarness(t)
	first := h.create(t, 1000)
	require.NoError(t, h.engine.SetOptions(first, "QW"))

	h.engine.ClearFits()
	again := h.create(t, 662)
	assert.Equal(t, first, again, "clear resets the id counter")

	h.clock.Advance(time.Second)
	assert.Empty(t, h.fitter.seeds, "refit scheduled before clear never fires")
	assert.Len(t, h.engine.Fits(), 1)
}

func TestSelectUnknownIsReported(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, 1000)

	assert.Error(t, h.engine.Select(42))
	active, ok := h.engine.Active()
	require.True(t, ok)
	assert.Equal(t, id, active)

	history := h.rep.History()
	require.NotEmpty(t, history)
	assert.Equal(t, reporter.LevelInfo, history[len(history)-1].Level)
}

func TestRenderFailureKeepsPreviousImage(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.CreateFit(types.Region{Center: 5000, HalfWidth: 10}, "")
	require.NoError(t, err)

	h.clock.Advance(time.Second)
	assert.Empty(t, h.surface.shown)

	var warned bool
	for _, ev := range h.rep.History() {
		if ev.Level == reporter.LevelWarning && errors.Is(ev.Err, types.ErrRenderFailure) {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestRenderOptionsCoalesceIntoOneRender(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, 1000)
	_, err := h.engine.Refit(id)
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	shown := len(h.surface.shown)

	require.NoError(t, h.engine.SetRenderOptions(render.Options{XMin: 900, XMax: 1100}))
	h.clock.Advance(50 * time.Millisecond)
	require.NoError(t, h.engine.SetRenderOptions(render.Options{XMin: 950, XMax: 1050}))
	h.clock.Advance(50 * time.Millisecond)
	require.NoError(t, h.engine.SetRenderOptions(render.Options{XMin: 950, XMax: 1050, LogY: true}))
	assert.Len(t, h.surface.shown, shown, "nothing drawn inside the quiet period")

	h.clock.Advance(DefaultRenderDelay)
	require.Len(t, h.surface.shown, shown+1)
	last := h.surface.shown[len(h.surface.shown)-1]
	assert.Equal(t, id, last.FitID)
	assert.Equal(t, render.Options{XMin: 950, XMax: 1050, LogY: true}, last.Options)

	// 之後的擬合沿用目前的顯示控制
	_, err = h.engine.Refit(id)
	require.NoError(t, err)
	assert.True(t, h.surface.shown[len(h.surface.shown)-1].Options.LogY)
}

func TestSetRenderOptionsRejectsBadRange(t *testing.T) {
	h := newHarness(t)
	h.create(t, 1000)
	h.clock.Advance(time.Second)
	shown := len(h.surface.shown)

	assert.Error(t, h.engine.SetRenderOptions(render.Options{XMin: 1100, XMax: 900}))
	assert.Equal(t, render.Options{}, h.engine.RenderOptions())
	h.clock.Advance(time.Second)
	assert.Len(t, h.surface.shown, shown)
}

func TestPreviewOptionsFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Preview = render.Options{LogY: true}
	e := New(schedtest.NewClock(start), cfg)
	assert.Equal(t, render.Options{LogY: true}, e.RenderOptions())

	cfg.Preview = render.Options{XMin: 5, XMax: 1}
	e = New(schedtest.NewClock(start), cfg)
	assert.Equal(t, render.Options{}, e.RenderOptions())
}

func TestRequiresHistogram(t *testing.T) {
	e := New(schedtest.NewClock(start), DefaultConfig())
	_, err := e.CreateFit(types.Region{Center: 1, HalfWidth: 1}, "")
	assert.ErrorIs(t, err, ErrNoHistogram)
	_, err = e.RunBatch(peaksAt(1))
	assert.ErrorIs(t, err, ErrNoHistogram)
	_, err = e.AddManualPeak(1)
	assert.ErrorIs(t, err, ErrNoHistogram)
}

// ============================================================================
// 峰值與批次
// ============================================================================

func TestPeaksManualSurviveDetection(t *testing.T) {
	h := newHarness(t)
	manual, err := h.engine.AddManualPeak(800)
	require.NoError(t, err)
	assert.Equal(t, types.ProvenanceManual, manual.Provenance)

	found, err := h.engine.DetectPeaks()
	require.NoError(t, err)
	var energies []float64
	for _, p := range found {
		energies = append(energies, p.Energy)
	}
	require.GreaterOrEqual(t, len(found), 3)
	assert.IsIncreasing(t, energies)
	assert.Contains(t, energies, 800.0)
	assert.True(t, h.engine.RemovePeak(800, 0.5))
}

func TestBatchFitsPeaksInEnergyOrder(t *testing.T) {
	h := newHarness(t)
	h.create(t, 900)

	n, err := h.engine.RunBatch(peaksAt(1000, 662))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, h.engine.Fits(), "registry cleared before the first step")

	h.clock.Advance(time.Millisecond)
	require.Len(t, h.engine.Fits(), 1)
	h.clock.Advance(200 * time.Millisecond)

	fits := h.engine.Fits()
	require.Len(t, fits, 2)
	assert.Equal(t, types.FitID(1), fits[0].ID)
	assert.Equal(t, 662.0, fits[0].Region.Center)
	assert.Equal(t, 1000.0, fits[1].Region.Center)
	for _, rec := range fits {
		assert.Equal(t, types.StatusFitted, rec.Status)
		require.NotNil(t, rec.PeakOrigin)
	}
	assert.False(t, h.engine.BatchRunning())

	kinds := h.surface.kinds()
	assert.Equal(t, types.EventFitList, kinds[len(kinds)-1])
	assert.Len(t, h.fitter.seeds, 2)
}

func TestCancelBatchKeepsCreatedFits(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.RunBatch(peaksAt(662, 1000, 1100))
	require.NoError(t, err)

	h.clock.Advance(time.Millisecond)
	assert.Equal(t, 2, h.engine.CancelBatch())

	h.clock.Advance(time.Second)
	assert.Len(t, h.engine.Fits(), 1)
	assert.False(t, h.engine.BatchRunning())
}

func TestClearFitsMidBatch(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.RunBatch(peaksAt(662, 1000, 1100))
	require.NoError(t, err)

	h.clock.Advance(time.Millisecond)
	require.Len(t, h.engine.Fits(), 1)

	h.engine.ClearFits()
	h.clock.Advance(time.Second)
	assert.Empty(t, h.engine.Fits())
	assert.Len(t, h.fitter.seeds, 1)
}

func TestRunBatchDetected(t *testing.T) {
	h := newHarness(t)
	n, err := h.engine.RunBatchDetected()
	require.NoError(t, err)
	assert.Equal(t, len(h.engine.Peaks()), n)
	assert.Greater(t, n, 0)

	h.clock.Advance(time.Duration(n) * 200 * time.Millisecond)
	assert.Len(t, h.engine.Fits(), n)
}

// ============================================================================
// 存檔與恢復
// ============================================================================

type persistence struct {
	manager *snapshot.Manager
	journal *journal.Journal
	path    string
}

func openPersistence(t *testing.T, dir string) *persistence {
	t.Helper()
	j, err := journal.Open(filepath.Join(dir, "session.journal"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return &persistence{
		manager: snapshot.NewManager(filepath.Join(dir, "session.json")),
		journal: j,
		path:    dir,
	}
}

func TestRecoverReplaysJournalAfterSnapshot(t *testing.T) {
	dir := t.TempDir()
	p := openPersistence(t, dir)
	h := newHarness(t, WithPersister(p.manager), WithJournal(p.journal))

	first := h.create(t, 1000)
	require.NoError(t, h.engine.EditParameters(first, []float64{100, 1000, 5}, nil))
	_, err := h.engine.Refit(first)
	require.NoError(t, err)
	require.NoError(t, h.engine.SaveSession())

	second := h.create(t, 662)
	require.NoError(t, h.engine.EditRegion(second, types.Region{Center: 662, HalfWidth: 12}))
	require.NoError(t, h.engine.Select(first))
	// 不呼叫 Close，模擬崩潰

	p2 := openPersistence(t, dir)
	h2 := newHarness(t, WithPersister(p2.manager), WithJournal(p2.journal))
	replayed, err := h2.engine.Recover()
	require.NoError(t, err)
	assert.Equal(t, 3, replayed)

	fits := h2.engine.Fits()
	require.Len(t, fits, 2)
	assert.Equal(t, types.StatusFitted, fits[0].Status)
	assert.Equal(t, uint64(1), fits[0].Epoch)
	assert.Equal(t, types.StatusUnfit, fits[1].Status)
	assert.Equal(t, 12.0, fits[1].Region.HalfWidth)

	active, ok := h2.engine.Active()
	require.True(t, ok)
	assert.Equal(t, first, active)

	next := h2.create(t, 1100)
	assert.Equal(t, types.FitID(3), next, "ids are not reused after recovery")
}

func TestRecoverReplaysRemoveAndClear(t *testing.T) {
	dir := t.TempDir()
	p := openPersistence(t, dir)
	h := newHarness(t, WithJournal(p.journal))

	h.create(t, 1000)
	h.engine.ClearFits()
	a := h.create(t, 662)
	b := h.create(t, 1000)
	require.NoError(t, h.engine.RemoveFit(a))

	p2 := openPersistence(t, dir)
	h2 := newHarness(t, WithJournal(p2.journal))
	_, err := h2.engine.Recover()
	require.NoError(t, err)

	fits := h2.engine.Fits()
	require.Len(t, fits, 1)
	assert.Equal(t, b, fits[0].ID)
}

func TestRestoreRebasesJournal(t *testing.T) {
	dir := t.TempDir()
	p := openPersistence(t, dir)
	h := newHarness(t, WithJournal(p.journal))
	h.create(t, 1000)

	active := types.FitID(7)
	data := types.SessionData{
		Fits: []types.FitState{
			{ID: 5, Model: types.ModelGaussian, Region: types.Region{Center: 662, HalfWidth: 10},
				InitialParameters: []float64{80, 662, 4}, FixedFlags: make([]bool, 3)},
			{ID: 7, Model: types.ModelPol1, Region: types.Region{Center: 800, HalfWidth: 50},
				InitialParameters: []float64{2, 0}, FixedFlags: make([]bool, 2)},
		},
		ActiveID: &active,
		NextID:   7,
		Peaks:    peaksAt(662),
	}
	require.NoError(t, h.engine.Restore(data))
	assert.Len(t, h.engine.Peaks(), 1)

	p2 := openPersistence(t, dir)
	h2 := newHarness(t, WithJournal(p2.journal))
	_, err := h2.engine.Recover()
	require.NoError(t, err)

	fits := h2.engine.Fits()
	require.Len(t, fits, 2)
	assert.Equal(t, types.FitID(5), fits[0].ID)
	got, _ := h2.engine.Active()
	assert.Equal(t, active, got)
}

func TestCloseSavesSession(t *testing.T) {
	dir := t.TempDir()
	p := openPersistence(t, dir)
	h := newHarness(t, WithPersister(p.manager), WithJournal(p.journal))
	h.create(t, 1000)
	_, err := h.engine.AddManualPeak(662)
	require.NoError(t, err)

	require.NoError(t, h.engine.Close())
	require.NoError(t, h.engine.Close(), "second close is a no-op")
	assert.ErrorIs(t, h.engine.SaveSession(), ErrClosed)

	data, err := p.manager.Load()
	require.NoError(t, err)
	assert.Equal(t, "co60", data.Histogram)
	assert.Len(t, data.Fits, 1)
	assert.Len(t, data.Peaks, 1)
	assert.Equal(t, p.journal.LastSeq(), data.LastSeq)
}

// countingPersister 只計數
type countingPersister struct {
	saves int
	last  types.SessionData
}

func (c *countingPersister) Save(data types.SessionData) error {
	c.saves++
	c.last = data
	return nil
}

func (c *countingPersister) Load() (types.SessionData, error) { return c.last, nil }

func TestAutosave(t *testing.T) {
	store := &countingPersister{}
	h := newHarness(t, WithPersister(store))
	h.create(t, 1000)

	h.engine.StartAutosave(time.Second)
	h.clock.Advance(3500 * time.Millisecond)
	assert.Equal(t, 3, store.saves)
	assert.Equal(t, start.Add(3*time.Second).UnixMilli(), store.last.SavedAt)

	require.NoError(t, h.engine.Close())
	assert.Equal(t, 4, store.saves, "final save on close")

	h.clock.Advance(5 * time.Second)
	assert.Equal(t, 4, store.saves)
	assert.Equal(t, 0, h.clock.Pending())
}

func TestDoRunsOnScheduler(t *testing.T) {
	h := newHarness(t)
	var count int
	require.NoError(t, h.engine.Do(context.Background(), func() { count = len(h.engine.Fits()) }))
	assert.Equal(t, 0, count)
}
