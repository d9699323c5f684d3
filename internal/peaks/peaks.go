// ============================================================================
// spectrum-fit 峰值列表 - 峰值候選的集合
// ============================================================================
//
// Package: internal/peaks
// 文件: peaks.go
// 功能: 保存偵測器與使用者產生的峰值候選，供批次擬合使用
//
// 規則:
//   - 列表永遠依能量由小到大排序
//   - SetAutomatic 只取代自動偵測的峰值，手動加入的峰值保留
//   - 手動峰值的高度從直方圖讀取（BinContentNear）
//
// ============================================================================

package peaks

import (
	"math"
	"sort"
	"sync"

	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

// BinReader 讀取某個能量所在 bin 的計數
type BinReader interface {
	BinContentNear(x float64) float64
}

// List 峰值列表
type List struct {
	mu    sync.RWMutex
	peaks []types.PeakCandidate
}

// NewList 建立空的峰值列表
func NewList() *List {
	return &List{}
}

// SetAutomatic 以新的偵測結果取代所有自動峰值
func (l *List) SetAutomatic(found []types.PeakCandidate) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := make([]types.PeakCandidate, 0, len(l.peaks)+len(found))
	for _, p := range l.peaks {
		if p.Provenance == types.ProvenanceManual {
			kept = append(kept, p)
		}
	}
	for _, p := range found {
		p.Provenance = types.ProvenanceAutomatic
		kept = append(kept, clonePeak(p))
	}
	l.peaks = kept
	l.sortLocked()
}

// AddManual 加入手動峰值，高度由 src 讀取（src 可為 nil）
func (l *List) AddManual(energy float64, src BinReader) types.PeakCandidate {
	p := types.PeakCandidate{Energy: energy, Provenance: types.ProvenanceManual}
	if src != nil {
		p.Height = types.Float(src.BinContentNear(energy))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.peaks = append(l.peaks, p)
	l.sortLocked()
	return clonePeak(p)
}

// Remove 移除能量在 tolerance 內最接近的峰值
func (l *List) Remove(energy, tolerance float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	best, bestDist := -1, math.Inf(1)
	for i, p := range l.peaks {
		if d := math.Abs(p.Energy - energy); d <= tolerance && d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return false
	}
	l.peaks = append(l.peaks[:best], l.peaks[best+1:]...)
	return true
}

// Replace 以 peaks 取代整個列表（session 恢復使用）
func (l *List) Replace(peaks []types.PeakCandidate) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peaks = make([]types.PeakCandidate, 0, len(peaks))
	for _, p := range peaks {
		l.peaks = append(l.peaks, clonePeak(p))
	}
	l.sortLocked()
}

// Clear 清空列表
func (l *List) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peaks = nil
}

// All 依能量排序回傳所有峰值的副本
func (l *List) All() []types.PeakCandidate {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.PeakCandidate, len(l.peaks))
	for i, p := range l.peaks {
		out[i] = clonePeak(p)
	}
	return out
}

// Len 峰值數量
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.peaks)
}

func (l *List) sortLocked() {
	sort.SliceStable(l.peaks, func(i, j int) bool { return l.peaks[i].Energy < l.peaks[j].Energy })
}

func clonePeak(p types.PeakCandidate) types.PeakCandidate {
	if p.Height != nil {
		p.Height = types.Float(*p.Height)
	}
	return p
}
