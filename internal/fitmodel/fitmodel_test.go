package fitmodel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/spectrum-fit/internal/histogram"
	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

func TestArity(t *testing.T) {
	tests := []struct {
		kind types.ModelKind
		want int
	}{
		{types.ModelGaussian, 3},
		{types.ModelLandau, 2},
		{types.ModelExponential, 2},
		{types.ModelPol1, 2},
		{types.ModelPol2, 3},
		{types.ModelPol3, 4},
		{"spline", 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, Arity(tt.kind))
			if tt.want == 0 {
				_, err := Lookup(tt.kind)
				assert.ErrorIs(t, err, ErrUnknownModel)
				return
			}
			m, err := Lookup(tt.kind)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Arity())
			assert.Len(t, m.Roles, tt.want)
		})
	}
	assert.Len(t, Kinds(), 6)
}

func TestEval(t *testing.T) {
	g := MustLookup(types.ModelGaussian)
	assert.InDelta(t, 100, g.Eval(1000, []float64{100, 1000, 5}), 1e-12)
	assert.InDelta(t, 100*math.Exp(-0.5), g.Eval(1005, []float64{100, 1000, 5}), 1e-12)
	assert.Equal(t, 0.0, g.Eval(1000, []float64{100, 1000, 0}))

	l := MustLookup(types.ModelLandau)
	peakVal := l.Eval(50, []float64{50, 3})
	assert.Greater(t, peakVal, l.Eval(49, []float64{50, 3}))
	assert.Greater(t, peakVal, l.Eval(51, []float64{50, 3}))

	e := MustLookup(types.ModelExponential)
	assert.InDelta(t, math.Exp(1-0.5*2), e.Eval(2, []float64{1, -0.5}), 1e-12)

	p := MustLookup(types.ModelPol3)
	assert.InDelta(t, 1+2*2+3*4+4*8, p.Eval(2, []float64{1, 2, 3, 4}), 1e-12)
	assert.True(t, p.Linear)
	assert.Equal(t, 8.0, p.Basis(3, 2))
}

func gaussianHistogram(t *testing.T, amp, mean, sigma float64) *histogram.Histogram {
	t.Helper()
	counts := make([]float64, 200)
	for i := range counts {
		x := 900 + float64(i) + 0.5
		z := (x - mean) / sigma
		counts[i] = amp * math.Exp(-0.5*z*z)
	}
	h, err := histogram.NewUniform("gauss", 900, 1100, counts)
	require.NoError(t, err)
	return h
}

func TestGaussianSeeds(t *testing.T) {
	h := gaussianHistogram(t, 200, 1000, 6)
	region := types.Region{Center: 1000, HalfWidth: 25}

	seeds := MustLookup(types.ModelGaussian).DefaultSeeds(h, region)
	require.Len(t, seeds, 3)
	assert.InDelta(t, 200, seeds[0], 5)
	assert.Equal(t, 1000.0, seeds[1])
	assert.InDelta(t, 6, seeds[2], 1.5)
}

func TestGaussianSigmaSeedWalksFromCentre(t *testing.T) {
	// 區間內有一個較高的窄峰（950），區間中心在較寬的峰（1000）
	counts := make([]float64, 200)
	for i := range counts {
		x := 900 + float64(i) + 0.5
		tall := (x - 950) / 3
		wide := (x - 1000) / 10
		counts[i] = 200*math.Exp(-0.5*tall*tall) + 150*math.Exp(-0.5*wide*wide)
	}
	h, err := histogram.NewUniform("two", 900, 1100, counts)
	require.NoError(t, err)

	seeds := MustLookup(types.ModelGaussian).DefaultSeeds(h, types.Region{Center: 1000, HalfWidth: 60})
	require.Len(t, seeds, 3)
	assert.InDelta(t, 200, seeds[0], 5)
	assert.Equal(t, 1000.0, seeds[1])
	// 半高取整個區間的最大值，交點圍繞 1000 的寬峰
	assert.InDelta(t, 8, seeds[2], 1)
}

func TestSeedsWithoutData(t *testing.T) {
	region := types.Region{Center: 500, HalfWidth: 20}

	seeds := MustLookup(types.ModelGaussian).DefaultSeeds(nil, region)
	assert.Equal(t, []float64{1, 500, 5}, seeds)

	seeds = MustLookup(types.ModelLandau).DefaultSeeds(nil, region)
	assert.Equal(t, []float64{500, 5}, seeds)

	for _, kind := range Kinds() {
		m := MustLookup(kind)
		assert.Len(t, m.DefaultSeeds(nil, region), m.Arity(), string(kind))
	}
}

func TestExponentialSeeds(t *testing.T) {
	counts := make([]float64, 100)
	for i := range counts {
		x := float64(i) + 0.5
		counts[i] = math.Exp(5 - 0.02*x)
	}
	h, err := histogram.NewUniform("expo", 0, 100, counts)
	require.NoError(t, err)

	seeds := MustLookup(types.ModelExponential).DefaultSeeds(h, types.Region{Center: 50, HalfWidth: 40})
	assert.InDelta(t, 5, seeds[0], 1e-9)
	assert.InDelta(t, -0.02, seeds[1], 1e-9)
}

func TestPolynomialSeeds(t *testing.T) {
	h, err := histogram.NewUniform("flat", 0, 4, []float64{2, 4, 6, 8})
	require.NoError(t, err)

	seeds := MustLookup(types.ModelPol2).DefaultSeeds(h, types.Region{Center: 2, HalfWidth: 2})
	assert.Equal(t, []float64{5, 0, 0}, seeds)
}
