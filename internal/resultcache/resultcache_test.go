package resultcache

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/spectrum-fit/internal/fitmodel"
	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

// fakeHandle 可變的假 handle，用來確認凍結後的結果不再引用它
type fakeHandle struct {
	chi2     *float64
	ndf      *int
	values   []float64
	errs     []float64
	scale    *float64
	released bool
}

func (f *fakeHandle) Status() int { return 0 }
func (f *fakeHandle) ChiSquare() (float64, bool) {
	if f.chi2 == nil {
		return 0, false
	}
	return *f.chi2, true
}
func (f *fakeHandle) NDF() (int, bool) {
	if f.ndf == nil {
		return 0, false
	}
	return *f.ndf, true
}
func (f *fakeHandle) NumParams() int { return len(f.values) }
func (f *fakeHandle) Parameter(i int) (float64, bool) {
	return f.values[i], true
}
func (f *fakeHandle) ParameterError(i int) (float64, bool) {
	if i >= len(f.errs) {
		return 0, false
	}
	return f.errs[i], true
}
func (f *fakeHandle) Scale() (float64, bool) {
	if f.scale == nil {
		return 0, false
	}
	return *f.scale, true
}

func TestFreezeGaussianDerivedQuantities(t *testing.T) {
	h := &fakeHandle{
		chi2:   types.Float(12),
		ndf:    types.Int(37),
		values: []float64{100, 1000, 5},
		errs:   []float64{2, 0.1, 0.2},
	}

	res := Freeze(fitmodel.MustLookup(types.ModelGaussian), h)

	require.NotNil(t, res.Derived.FWHM)
	require.NotNil(t, res.Derived.Area)
	require.NotNil(t, res.Derived.Centroid)
	assert.InDelta(t, 11.774, *res.Derived.FWHM, 1e-3)
	assert.InDelta(t, 1253.31, *res.Derived.Area, 1e-2)
	assert.Equal(t, 1000.0, *res.Derived.Centroid)
	assert.Nil(t, res.Derived.MostProbableValue)

	require.NotNil(t, res.ReducedChiSquare)
	assert.InDelta(t, 12.0/37, *res.ReducedChiSquare, 1e-12)
	assert.Equal(t, []float64{2, 0.1, 0.2}, res.ParameterErrors)
}

func TestFreezeNegativeSigmaUsesMagnitude(t *testing.T) {
	res := Freeze(fitmodel.MustLookup(types.ModelGaussian), &fakeHandle{values: []float64{10, 50, -2}})
	assert.InDelta(t, FWHMFactor*2, *res.Derived.FWHM, 1e-12)
	assert.Greater(t, *res.Derived.Area, 0.0)
}

func TestFreezeMissingFieldsPropagateAsNil(t *testing.T) {
	h := &fakeHandle{values: []float64{1, 2}}

	res := Freeze(fitmodel.MustLookup(types.ModelPol1), h)

	assert.Nil(t, res.ChiSquare)
	assert.Nil(t, res.DegreesOfFreedom)
	assert.Nil(t, res.ReducedChiSquare)
	assert.Nil(t, res.Scale)
	assert.True(t, math.IsNaN(res.ParameterErrors[0]))
	assert.Equal(t, types.DerivedQuantities{}, res.Derived)
}

func TestReducedChiSquareNeedsPositiveNDF(t *testing.T) {
	h := &fakeHandle{chi2: types.Float(3), ndf: types.Int(0), values: []float64{1, 2}}
	res := Freeze(fitmodel.MustLookup(types.ModelPol1), h)
	require.NotNil(t, res.ChiSquare)
	assert.Nil(t, res.ReducedChiSquare)
}

func TestFreezeLandau(t *testing.T) {
	h := &fakeHandle{values: []float64{50, -3}, scale: types.Float(480)}
	res := Freeze(fitmodel.MustLookup(types.ModelLandau), h)

	require.NotNil(t, res.Derived.MostProbableValue)
	assert.Equal(t, 50.0, *res.Derived.MostProbableValue)
	assert.Equal(t, 3.0, *res.Derived.Width)
	assert.Equal(t, 480.0, *res.Scale)
	assert.Nil(t, res.Derived.FWHM)
}

func TestFrozenResultIsIndependentOfHandle(t *testing.T) {
	h := &fakeHandle{
		chi2:   types.Float(5),
		ndf:    types.Int(10),
		values: []float64{100, 1000, 5},
		errs:   []float64{1, 1, 1},
	}
	res := Freeze(fitmodel.MustLookup(types.ModelGaussian), h)

	// 修改並丟棄 handle
	h.values[1] = -1
	h.errs[0] = 99
	*h.chi2 = 1e9
	h.values = nil
	h.released = true

	assert.Equal(t, []float64{100, 1000, 5}, res.ParameterValues)
	assert.Equal(t, 1.0, res.ParameterErrors[0])
	assert.Equal(t, 5.0, *res.ChiSquare)
	assert.Equal(t, 1000.0, *res.Derived.Centroid)
}

func TestStatusLabel(t *testing.T) {
	rec := types.FitRecord{Status: types.StatusFailed}
	assert.Equal(t, "failed (no result)", StatusLabel(rec))

	rec.CachedResult = &types.CachedFitResult{}
	assert.Equal(t, "failed (showing last result)", StatusLabel(rec))

	rec.Status = types.StatusFitted
	assert.Equal(t, "fitted", StatusLabel(rec))

	assert.Equal(t, "unfit", StatusLabel(types.FitRecord{}))
}

func TestFormatLong(t *testing.T) {
	rec := types.FitRecord{
		ID:               2,
		Model:            types.ModelGaussian,
		Region:           types.Region{Center: 1000, HalfWidth: 20},
		FixedFlags:       []bool{false, true, false},
		ExecutionOptions: "Q",
		Status:           types.StatusFitted,
		PeakOrigin:       &types.PeakCandidate{Energy: 1000, Provenance: types.ProvenanceAutomatic},
	}
	res := Freeze(fitmodel.MustLookup(types.ModelGaussian), &fakeHandle{
		chi2:   types.Float(40),
		ndf:    types.Int(38),
		values: []float64{100, 1000, 5},
		errs:   []float64{2, 0, 0.1},
	})
	rec.CachedResult = &res

	text := FormatLong(rec)
	assert.Contains(t, text, "Fit 2 (1000 keV)")
	assert.Contains(t, text, "Status: fitted")
	assert.Contains(t, text, "Chi2: 40.0000")
	assert.Contains(t, text, "NDF: 38")
	assert.Contains(t, text, "Mean = 1000 ± 0 (fixed)")
	assert.Contains(t, text, "FWHM = 11.7741")
	assert.Contains(t, text, "Peak: 1000.00 keV (automatic)")

	rec.CachedResult = nil
	rec.Status = types.StatusFailed
	rec.LastError = "singular-matrix"
	text = FormatLong(rec)
	assert.Contains(t, text, "failed (no result)")
	assert.Contains(t, text, "Error: singular-matrix")
	assert.True(t, strings.HasSuffix(text, "No fit result\n"))
}

func TestFormatShort(t *testing.T) {
	res := Freeze(fitmodel.MustLookup(types.ModelGaussian), &fakeHandle{
		chi2: types.Float(10), ndf: types.Int(10), values: []float64{100, 1000, 5},
	})
	rec := types.FitRecord{ID: 1, Model: types.ModelGaussian, Status: types.StatusFitted, CachedResult: &res,
		Region: types.Region{Center: 1000, HalfWidth: 20}}

	lines := FormatShort(rec)
	require.Len(t, lines, 4)
	assert.Equal(t, "Fit 1 (1000 keV) [fitted]", lines[0])
	assert.Equal(t, "chi2/ndf = 1.000", lines[1])
}
