// ============================================================================
// spectrum-fit ResultCache - 擬合結果凍結
// ============================================================================
//
// Package: internal/resultcache
// 文件: resultcache.go
// 功能: 把 backend 的結果 handle 轉成獨立的 CachedFitResult
//
// 規則:
//   - 純函數：只讀取 handle，不保留任何引用
//   - 缺少的欄位（沒有 chi2、沒有誤差）以 nil 傳遞，不會失敗
//   - 推導量依模型種類計算：
//       Gaussian: FWHM = 2√(2ln2)·|σ|，Centroid = Mean，Area = A·|σ|·√(2π)
//       Landau:   MostProbableValue = MPV，Width = |Width|
//
// ============================================================================

package resultcache

import (
	"math"

	"github.com/ChuLiYu/spectrum-fit/internal/backend"
	"github.com/ChuLiYu/spectrum-fit/internal/fitmodel"
	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

// FWHMFactor 高斯 σ 到半高全寬的換算係數
var FWHMFactor = 2 * math.Sqrt(2*math.Ln2)

// Freeze 從 handle 複製出結果
//
// 必須在 backend 的 extract 回呼中呼叫。
func Freeze(model fitmodel.Model, h backend.Handle) types.CachedFitResult {
	var out types.CachedFitResult

	if chi2, ok := h.ChiSquare(); ok && !math.IsNaN(chi2) {
		out.ChiSquare = types.Float(chi2)
	}
	if ndf, ok := h.NDF(); ok {
		out.DegreesOfFreedom = types.Int(ndf)
	}
	if out.ChiSquare != nil && out.DegreesOfFreedom != nil && *out.DegreesOfFreedom > 0 {
		out.ReducedChiSquare = types.Float(*out.ChiSquare / float64(*out.DegreesOfFreedom))
	}

	n := h.NumParams()
	out.ParameterValues = make([]float64, n)
	out.ParameterErrors = make([]float64, n)
	for i := 0; i < n; i++ {
		if v, ok := h.Parameter(i); ok {
			out.ParameterValues[i] = v
		} else {
			out.ParameterValues[i] = math.NaN()
		}
		if e, ok := h.ParameterError(i); ok {
			out.ParameterErrors[i] = e
		} else {
			out.ParameterErrors[i] = math.NaN()
		}
	}

	if s, ok := h.Scale(); ok {
		out.Scale = types.Float(s)
	}

	out.Derived = Derive(model.Kind, out.ParameterValues)
	return out
}

// Derive 依模型計算推導量，參數不足或非有限值時對應欄位為 nil
func Derive(kind types.ModelKind, p []float64) types.DerivedQuantities {
	var d types.DerivedQuantities
	switch kind {
	case types.ModelGaussian:
		if len(p) < 3 {
			return d
		}
		amp, mean, sigma := p[0], p[1], math.Abs(p[2])
		if finite(mean) {
			d.Centroid = types.Float(mean)
		}
		if finite(sigma) {
			d.FWHM = types.Float(FWHMFactor * sigma)
			if finite(amp) {
				d.Area = types.Float(amp * sigma * math.Sqrt(2*math.Pi))
			}
		}
	case types.ModelLandau:
		if len(p) < 2 {
			return d
		}
		if finite(p[0]) {
			d.MostProbableValue = types.Float(p[0])
		}
		if finite(p[1]) {
			d.Width = types.Float(math.Abs(p[1]))
		}
	}
	return d
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
