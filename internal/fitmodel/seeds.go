package fitmodel

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/ChuLiYu/spectrum-fit/internal/histogram"
	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

// DefaultSeeds 依區間內的直方圖內容估計初始參數
//
// data 可為 nil，此時使用不依賴資料的預設值。回傳的長度恆等於 Arity。
func (m Model) DefaultSeeds(data histogram.Data, r types.Region) []float64 {
	var xs, ys []float64
	if data != nil {
		xs, ys = data.Window(r.Low(), r.High())
	}

	switch m.Kind {
	case types.ModelGaussian:
		amp, _ := peak(xs, ys)
		return []float64{amp, r.Center, sigmaEstimate(xs, ys, r.Center, r)}

	case types.ModelLandau:
		_, peakX := peak(xs, ys)
		if len(xs) == 0 {
			peakX = r.Center
		}
		return []float64{peakX, sigmaEstimate(xs, ys, peakX, r)}

	case types.ModelExponential:
		return exponentialSeeds(xs, ys)

	default:
		seeds := make([]float64, m.Arity())
		if len(ys) > 0 {
			seeds[0] = floats.Sum(ys) / float64(len(ys))
		}
		return seeds
	}
}

// peak 回傳最大 bin 的計數（至少為 1）與位置
func peak(xs, ys []float64) (float64, float64) {
	if len(ys) == 0 {
		return 1, 0
	}
	i := floats.MaxIdx(ys)
	return math.Max(ys[i], 1), xs[i]
}

// sigmaEstimate 從 start（參數初值的位置）向兩側找最大值一半的位置估計 σ，
// 找不到時使用 halfWidth/4
func sigmaEstimate(xs, ys []float64, start float64, r types.Region) float64 {
	fallback := math.Max(r.HalfWidth/4, 1e-6)
	if len(ys) < 3 {
		return fallback
	}

	half := floats.Max(ys) / 2
	if half <= 0 {
		return fallback
	}

	// 最接近 start 的 bin
	top := 0
	for i := range xs {
		if math.Abs(xs[i]-start) < math.Abs(xs[top]-start) {
			top = i
		}
	}

	left, right := -1, -1
	for i := top; i >= 0; i-- {
		if ys[i] <= half {
			left = i
			break
		}
	}
	for i := top; i < len(ys); i++ {
		if ys[i] <= half {
			right = i
			break
		}
	}
	if left < 0 || right < 0 || right <= left {
		return fallback
	}

	fwhm := xs[right] - xs[left]
	sigma := fwhm / (2 * math.Sqrt(2*math.Ln2))
	if sigma <= 0 || sigma > 2*r.HalfWidth {
		return fallback
	}
	return sigma
}

// exponentialSeeds 以第一個與最後一個正計數 bin 的對數斜率估計
func exponentialSeeds(xs, ys []float64) []float64 {
	first, last := -1, -1
	for i, y := range ys {
		if y > 0 {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return []float64{0, 0}
	}
	if first == last {
		return []float64{math.Log(ys[first]), 0}
	}
	slope := (math.Log(ys[last]) - math.Log(ys[first])) / (xs[last] - xs[first])
	return []float64{math.Log(ys[first]) - slope*xs[first], slope}
}
