package backend

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/spectrum-fit/internal/fitmodel"
	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// sample evaluates the model on unit-spaced bin centres in [lo, hi).
func sample(kind types.ModelKind, params []float64, lo, hi float64) ([]float64, []float64) {
	m := fitmodel.MustLookup(kind)
	var xs, ys []float64
	for x := lo + 0.5; x < hi; x++ {
		xs = append(xs, x)
		ys = append(ys, m.Eval(x, params))
	}
	return xs, ys
}

type fitOutcome struct {
	values []float64
	errors []float64
	chi2   float64
	ndf    int
	scale  float64
	scaled bool
}

func runFit(t *testing.T, req Request) (fitOutcome, error) {
	t.Helper()
	var out fitOutcome
	err := NewGonum().Fit(context.Background(), req, func(h Handle) error {
		for i := 0; i < h.NumParams(); i++ {
			v, ok := h.Parameter(i)
			require.True(t, ok)
			e, ok := h.ParameterError(i)
			require.True(t, ok)
			out.values = append(out.values, v)
			out.errors = append(out.errors, e)
		}
		out.chi2, _ = h.ChiSquare()
		out.ndf, _ = h.NDF()
		out.scale, out.scaled = h.Scale()
		return nil
	})
	return out, err
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestGaussianFitRecoversParameters(t *testing.T) {
	xs, ys := sample(types.ModelGaussian, []float64{200, 1000, 6}, 980, 1020)
	req := Request{
		Model:  fitmodel.MustLookup(types.ModelGaussian),
		Region: types.Region{Center: 1000, HalfWidth: 20},
		X:      xs,
		Y:      ys,
		Seeds:  []float64{150, 998, 4},
		Fixed:  []bool{false, false, false},
	}

	out, err := runFit(t, req)
	require.NoError(t, err)

	assert.InDelta(t, 200, out.values[0], 1)
	assert.InDelta(t, 1000, out.values[1], 0.05)
	assert.InDelta(t, 6, math.Abs(out.values[2]), 0.05)
	assert.Less(t, out.chi2, 1e-2)
	assert.Equal(t, len(xs)-3, out.ndf)
	for i, e := range out.errors {
		assert.Greater(t, e, 0.0, "error %d", i)
	}
	assert.False(t, out.scaled)
}

func TestFixedParameterIsNotMoved(t *testing.T) {
	xs, ys := sample(types.ModelGaussian, []float64{100, 500, 4}, 480, 520)
	req := Request{
		Model:  fitmodel.MustLookup(types.ModelGaussian),
		Region: types.Region{Center: 500, HalfWidth: 20},
		X:      xs,
		Y:      ys,
		Seeds:  []float64{80, 500, 4},
		Fixed:  []bool{false, true, true},
	}

	out, err := runFit(t, req)
	require.NoError(t, err)
	assert.Equal(t, 500.0, out.values[1])
	assert.Equal(t, 4.0, out.values[2])
	assert.Equal(t, 0.0, out.errors[1])
	assert.InDelta(t, 100, out.values[0], 0.5)
	assert.Equal(t, len(xs)-1, out.ndf)
}

func TestLinearFitIsExact(t *testing.T) {
	tests := []struct {
		kind   types.ModelKind
		params []float64
	}{
		{types.ModelPol1, []float64{3, 0.5}},
		{types.ModelPol2, []float64{10, 0.2, 0.01}},
		{types.ModelPol3, []float64{5, 0.1, 0.002, 0.0001}},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			xs, ys := sample(tt.kind, tt.params, 0, 100)
			req := Request{
				Model:  fitmodel.MustLookup(tt.kind),
				Region: types.Region{Center: 50, HalfWidth: 50},
				X:      xs,
				Y:      ys,
				Seeds:  make([]float64, len(tt.params)),
				Fixed:  make([]bool, len(tt.params)),
			}
			out, err := runFit(t, req)
			require.NoError(t, err)
			for i, want := range tt.params {
				assert.InDelta(t, want, out.values[i], 1e-6*math.Max(1, math.Abs(want)), "a%d", i)
			}
			assert.Less(t, out.chi2, 1e-9)
		})
	}
}

func TestLinearFitWithFixedCoefficient(t *testing.T) {
	xs, ys := sample(types.ModelPol1, []float64{3, 0.5}, 0, 50)
	req := Request{
		Model:  fitmodel.MustLookup(types.ModelPol1),
		Region: types.Region{Center: 25, HalfWidth: 25},
		X:      xs,
		Y:      ys,
		Seeds:  []float64{3, 0},
		Fixed:  []bool{true, false},
	}
	out, err := runFit(t, req)
	require.NoError(t, err)
	assert.Equal(t, 3.0, out.values[0])
	assert.InDelta(t, 0.5, out.values[1], 1e-9)
}

func TestLandauFitProfilesScale(t *testing.T) {
	m := fitmodel.MustLookup(types.ModelLandau)
	var xs, ys []float64
	for x := 44.5; x < 80; x++ {
		xs = append(xs, x)
		ys = append(ys, 500*m.Eval(x, []float64{50, 3}))
	}
	req := Request{
		Model:  m,
		Region: types.Region{Center: 62, HalfWidth: 18},
		X:      xs,
		Y:      ys,
		Seeds:  []float64{51, 4},
		Fixed:  []bool{false, false},
	}

	out, err := runFit(t, req)
	require.NoError(t, err)
	assert.InDelta(t, 50, out.values[0], 0.05)
	assert.InDelta(t, 3, out.values[1], 0.05)
	require.True(t, out.scaled)
	assert.InDelta(t, 500, out.scale, 2)
	assert.Equal(t, len(xs)-3, out.ndf)
}

func TestExponentialFit(t *testing.T) {
	xs, ys := sample(types.ModelExponential, []float64{6, -0.03}, 0, 100)
	req := Request{
		Model:  fitmodel.MustLookup(types.ModelExponential),
		Region: types.Region{Center: 50, HalfWidth: 50},
		X:      xs,
		Y:      ys,
		Seeds:  []float64{5.5, -0.025},
		Fixed:  []bool{false, false},
	}
	out, err := runFit(t, req)
	require.NoError(t, err)
	assert.InDelta(t, 6, out.values[0], 0.05)
	assert.InDelta(t, -0.03, out.values[1], 5e-4)
}

func TestInsufficientData(t *testing.T) {
	req := Request{
		Model:  fitmodel.MustLookup(types.ModelGaussian),
		Region: types.Region{Center: 1, HalfWidth: 1},
		X:      []float64{0.5, 1.5},
		Y:      []float64{3, 0},
		Seeds:  []float64{1, 1, 1},
		Fixed:  []bool{false, false, false},
	}
	_, err := runFit(t, req)
	require.Error(t, err)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, ReasonInsufficientData, f.Reason)
	assert.ErrorIs(t, err, types.ErrBackendFitFailure)
}

func TestArityMismatch(t *testing.T) {
	req := Request{
		Model: fitmodel.MustLookup(types.ModelGaussian),
		X:     []float64{1, 2, 3, 4},
		Y:     []float64{1, 2, 3, 4},
		Seeds: []float64{1, 1},
		Fixed: []bool{false, false},
	}
	_, err := runFit(t, req)
	assert.ErrorIs(t, err, types.ErrBackendFitFailure)
}

func TestCancelledContext(t *testing.T) {
	xs, ys := sample(types.ModelGaussian, []float64{100, 10, 2}, 0, 20)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewGonum().Fit(ctx, Request{
		Model:  fitmodel.MustLookup(types.ModelGaussian),
		Region: types.Region{Center: 10, HalfWidth: 10},
		X:      xs,
		Y:      ys,
		Seeds:  []float64{100, 10, 2},
		Fixed:  []bool{false, false, false},
	}, func(Handle) error { return nil })

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, ReasonNonConvergence, f.Reason)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHandleIsReleasedAfterCallback(t *testing.T) {
	xs, ys := sample(types.ModelPol1, []float64{1, 1}, 0, 10)
	var kept Handle
	err := NewGonum().Fit(context.Background(), Request{
		Model:  fitmodel.MustLookup(types.ModelPol1),
		Region: types.Region{Center: 5, HalfWidth: 5},
		X:      xs,
		Y:      ys,
		Seeds:  []float64{0, 0},
		Fixed:  []bool{false, false},
	}, func(h Handle) error {
		kept = h
		assert.Equal(t, 2, h.NumParams())
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, kept)

	assert.PanicsWithValue(t, ErrHandleReleased, func() { kept.NumParams() })
	assert.PanicsWithValue(t, ErrHandleReleased, func() { kept.ChiSquare() })
}

func TestExtractErrorIsReturned(t *testing.T) {
	xs, ys := sample(types.ModelPol1, []float64{1, 1}, 0, 10)
	boom := errors.New("boom")
	err := NewGonum().Fit(context.Background(), Request{
		Model:  fitmodel.MustLookup(types.ModelPol1),
		Region: types.Region{Center: 5, HalfWidth: 5},
		X:      xs,
		Y:      ys,
		Seeds:  []float64{0, 0},
		Fixed:  []bool{false, false},
	}, func(Handle) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestInputsAreNotModified(t *testing.T) {
	xs, ys := sample(types.ModelGaussian, []float64{50, 20, 5}, 0, 40)
	xsCopy := append([]float64(nil), xs...)
	ysCopy := append([]float64(nil), ys...)
	seeds := []float64{40, 19, 4}

	_, err := runFit(t, Request{
		Model:  fitmodel.MustLookup(types.ModelGaussian),
		Region: types.Region{Center: 20, HalfWidth: 20},
		X:      xs,
		Y:      ys,
		Seeds:  seeds,
		Fixed:  []bool{false, false, false},
	})
	require.NoError(t, err)
	assert.Equal(t, xsCopy, xs)
	assert.Equal(t, ysCopy, ys)
	assert.Equal(t, []float64{40, 19, 4}, seeds)
}

func TestParseOptions(t *testing.T) {
	tests := []struct {
		in   string
		want Options
	}{
		{"", Options{}},
		{"Q", Options{Quiet: true}},
		{"sq", Options{Quiet: true, Ignored: "S"}},
		{"QWM", Options{Quiet: true, UnitWeights: true, Improve: true}},
		{"R, L", Options{Ignored: "RL"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseOptions(tt.in))
		})
	}
	assert.Equal(t, "QWM", ParseOptions("mwq").String())
}
