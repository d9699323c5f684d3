package peaks

// ============================================================================
// 峰值偵測器
// 職責：高斯平滑後找局部極大值，輸出 PeakCandidate 列表
// ============================================================================

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/ChuLiYu/spectrum-fit/internal/histogram"
	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

// 預設值
const (
	DefaultSigma     = 2.0  // bins
	DefaultThreshold = 10.0 // counts above local baseline
)

// Detector 峰值偵測器設定
type Detector struct {
	Sigma     float64 // 平滑核寬度（bin 數）
	Threshold float64 // 平滑後高出局部基線的最小計數
	// EnergyMin/EnergyMax 限制搜尋範圍；EnergyMax <= EnergyMin 表示不限制
	EnergyMin float64
	EnergyMax float64
}

// DefaultDetector 回傳預設設定
func DefaultDetector() Detector {
	return Detector{Sigma: DefaultSigma, Threshold: DefaultThreshold}
}

// Detect 偵測峰值，結果依能量排序，高度為原始 bin 計數
func (d Detector) Detect(h *histogram.Histogram) []types.PeakCandidate {
	counts := h.Counts()
	n := len(counts)
	if n < 3 {
		return nil
	}
	sigma := d.Sigma
	if !(sigma > 0) {
		sigma = DefaultSigma
	}
	smoothed := smooth(counts, sigma)
	// 基線取 ±10σ 內平滑值的最小值
	reach := int(math.Max(math.Ceil(10*sigma), 3))

	var out []types.PeakCandidate
	for i := 1; i < n-1; i++ {
		s := smoothed[i]
		if !(s > smoothed[i-1] && s >= smoothed[i+1]) {
			continue
		}
		lo, hi := max(0, i-reach), min(n, i+reach+1)
		baseline := math.Min(floats.Min(smoothed[lo:i]), floats.Min(smoothed[i+1:hi]))
		if s-baseline < d.Threshold {
			continue
		}
		e := h.BinCenter(i)
		if d.EnergyMax > d.EnergyMin && (e < d.EnergyMin || e > d.EnergyMax) {
			continue
		}
		out = append(out, types.PeakCandidate{
			Energy:     e,
			Height:     types.Float(counts[i]),
			Provenance: types.ProvenanceAutomatic,
		})
	}
	return out
}

// smooth 以截斷在 ±3σ 的高斯核卷積；邊界處重新正規化
func smooth(counts []float64, sigma float64) []float64 {
	half := int(math.Ceil(3 * sigma))
	kernel := make([]float64, 2*half+1)
	for k := range kernel {
		z := float64(k-half) / sigma
		kernel[k] = math.Exp(-0.5 * z * z)
	}
	floats.Scale(1/floats.Sum(kernel), kernel)

	n := len(counts)
	out := make([]float64, n)
	for i := range counts {
		lo, hi := i-half, i+half+1
		klo, khi := 0, len(kernel)
		if lo < 0 {
			klo = -lo
			lo = 0
		}
		if hi > n {
			khi -= hi - n
			hi = n
		}
		w := kernel[klo:khi]
		out[i] = floats.Dot(counts[lo:hi], w) / floats.Sum(w)
	}
	return out
}
