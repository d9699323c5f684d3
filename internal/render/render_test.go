package render

import (
	"bytes"
	"image/png"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/spectrum-fit/internal/fitmodel"
	"github.com/ChuLiYu/spectrum-fit/internal/histogram"
	"github.com/ChuLiYu/spectrum-fit/internal/resultcache"
	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

func spectrum(t *testing.T) *histogram.Histogram {
	t.Helper()
	g := fitmodel.MustLookup(types.ModelGaussian)
	h, err := histogram.FromFunc("spectrum", 900, 1100, 200, func(x float64) float64 {
		return g.Eval(x, []float64{100, 1000, 5}) + 3
	})
	require.NoError(t, err)
	return h
}

func fittedRecord() types.FitRecord {
	params := []float64{100, 1000, 5}
	return types.FitRecord{
		ID:                1,
		Model:             types.ModelGaussian,
		Region:            types.Region{Center: 1000, HalfWidth: 20},
		InitialParameters: params,
		FixedFlags:        make([]bool, 3),
		Status:            types.StatusFitted,
		Epoch:             2,
		CachedResult: &types.CachedFitResult{
			ChiSquare:        types.Float(30),
			DegreesOfFreedom: types.Int(38),
			ReducedChiSquare: types.Float(30.0 / 38),
			ParameterValues:  params,
			ParameterErrors:  []float64{1, 0.1, 0.1},
			Derived:          resultcache.Derive(types.ModelGaussian, params),
		},
	}
}

func TestRenderFittedRecord(t *testing.T) {
	r := New(320, 200)
	rec := fittedRecord()

	img, err := r.Render(rec, spectrum(t))
	require.NoError(t, err)
	require.NotNil(t, img)

	assert.Equal(t, rec.ID, img.FitID)
	assert.Equal(t, rec.Epoch, img.Epoch)
	assert.Equal(t, 320, img.Bitmap.Bounds().Dx())
	assert.Equal(t, 200, img.Bitmap.Bounds().Dy())

	decoded, err := png.Decode(bytes.NewReader(img.PNG))
	require.NoError(t, err)
	assert.Equal(t, img.Bitmap.Bounds(), decoded.Bounds())
}

func TestRenderIsFreshPerCall(t *testing.T) {
	r := New(240, 160)
	h := spectrum(t)
	rec := fittedRecord()

	first, err := r.Render(rec, h)
	require.NoError(t, err)

	other := rec
	other.ID = 2
	other.Region = types.Region{Center: 950, HalfWidth: 30}
	other.Status = types.StatusUnfit
	other.CachedResult = nil
	_, err = r.Render(other, h)
	require.NoError(t, err)

	again, err := r.Render(rec, h)
	require.NoError(t, err)
	assert.Equal(t, first.PNG, again.PNG)
	assert.NotSame(t, first.Bitmap, again.Bitmap)
}

func TestRenderWithoutBinsFails(t *testing.T) {
	r := New(0, 0)
	assert.Equal(t, DefaultWidth, r.Width)

	rec := fittedRecord()
	h, err := histogram.NewUniform("one", 0, 1, []float64{5})
	require.NoError(t, err)
	rec.Region = types.Region{Center: 5, HalfWidth: 1}

	_, err = r.Render(rec, h)
	assert.ErrorIs(t, err, types.ErrRenderFailure)
}

func TestStale(t *testing.T) {
	rec := fittedRecord()
	img := &Image{FitID: rec.ID, Epoch: rec.Epoch, Status: rec.Status}
	assert.False(t, img.Stale(rec))

	refit := rec
	refit.Epoch++
	assert.True(t, img.Stale(refit))

	failed := rec
	failed.Status = types.StatusFailed
	assert.True(t, img.Stale(failed))

	var none *Image
	assert.True(t, none.Stale(rec))
}

func TestCurveOnlyForFittedRecords(t *testing.T) {
	rec := fittedRecord()
	xs, ys, ok := curve(rec, math.Inf(-1), math.Inf(1))
	require.True(t, ok)
	require.Len(t, xs, curvePoints)
	assert.Equal(t, 980.0, xs[0])
	assert.InDelta(t, 1020.0, xs[len(xs)-1], 1e-9)
	assert.InDelta(t, 100, maxOf(ys), 1)

	rec.Status = types.StatusFailed
	_, _, ok = curve(rec, math.Inf(-1), math.Inf(1))
	assert.False(t, ok)

	landau := types.FitRecord{
		Model:  types.ModelLandau,
		Region: types.Region{Center: 50, HalfWidth: 20},
		Status: types.StatusFitted,
		CachedResult: &types.CachedFitResult{
			ParameterValues: []float64{50, 4},
			Scale:           types.Float(300),
		},
	}
	_, ys, ok = curve(landau, math.Inf(-1), math.Inf(1))
	require.True(t, ok)
	// Moyal peak: exp(-1/2) at the MPV
	assert.InDelta(t, 300*0.6065, maxOf(ys), 2)

	landau.CachedResult.Scale = nil
	_, _, ok = curve(landau, math.Inf(-1), math.Inf(1))
	assert.False(t, ok)
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"default", Options{}, false},
		{"range", Options{XMin: 950, XMax: 1050}, false},
		{"log only", Options{LogY: true}, false},
		{"reversed", Options{XMin: 1050, XMax: 950}, true},
		{"empty", Options{XMin: 1000, XMax: 1000}, true},
		{"nan", Options{XMin: math.NaN(), XMax: 1000}, true},
		{"inf", Options{XMin: 0, XMax: math.Inf(1)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestViewRangeUsesExplicitRange(t *testing.T) {
	r := New(240, 160)
	h := spectrum(t)
	region := types.Region{Center: 1000, HalfWidth: 20}

	lo, hi := r.viewRange(region, h, Options{})
	assert.Equal(t, 970.0, lo)
	assert.Equal(t, 1030.0, hi)

	lo, hi = r.viewRange(region, h, Options{XMin: 920, XMax: 1080})
	assert.Equal(t, 920.0, lo)
	assert.Equal(t, 1080.0, hi)

	// 超出座標軸的部分被裁掉
	lo, hi = r.viewRange(region, h, Options{XMin: 800, XMax: 1200})
	assert.Equal(t, 900.0, lo)
	assert.Equal(t, 1100.0, hi)
}

func TestCurveClippedToView(t *testing.T) {
	rec := fittedRecord()
	xs, _, ok := curve(rec, 990, 1100)
	require.True(t, ok)
	assert.Equal(t, 990.0, xs[0])
	assert.InDelta(t, 1020.0, xs[len(xs)-1], 1e-9)

	_, _, ok = curve(rec, 1050, 1100)
	assert.False(t, ok)
}

func TestRenderWithOptions(t *testing.T) {
	r := New(240, 160)
	h := spectrum(t)
	before := h.Counts()
	rec := fittedRecord()

	linear, err := r.Render(rec, h)
	require.NoError(t, err)
	assert.Equal(t, Options{}, linear.Options)

	opts := Options{XMin: 920, XMax: 1080, LogY: true}
	logged, err := r.RenderWith(rec, h, opts)
	require.NoError(t, err)
	assert.Equal(t, opts, logged.Options)
	assert.NotEqual(t, linear.PNG, logged.PNG)
	assert.Equal(t, before, h.Counts(), "log axis must not touch the histogram")

	_, err = r.RenderWith(rec, h, Options{XMin: 1080, XMax: 920})
	assert.ErrorIs(t, err, types.ErrRenderFailure)
}
