// ============================================================================
// spectrum-fit 直方圖 - 能譜資料來源
// ============================================================================
//
// Package: internal/histogram
// 文件: histogram.go
// 功能: 一維直方圖（bin 邊界 + 計數），提供擬合與繪圖所需的唯讀查詢
//
// 使用方式:
//   - Source 是引擎看到的介面：BinContentNear、Clone、Window、Bounds
//   - 擬合只讀取工作副本（Clone 的結果），原始資料永遠不被修改
//   - Window 回傳的 slice 都是新配置的，呼叫者可以自由修改
//
// ============================================================================

package histogram

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrNoBins         = errors.New("histogram has no bins")
	ErrEdgesNotSorted = errors.New("histogram edges must be strictly increasing")
	ErrShapeMismatch  = errors.New("histogram edges and counts do not match")
)

// Data 擬合與繪圖所需的最小唯讀介面
type Data interface {
	// Window 回傳 bin 中心落在 [lo, hi] 內的 (x, y)，slice 為新配置
	Window(lo, hi float64) (xs, ys []float64)
	// Bounds 回傳座標軸範圍
	Bounds() (lo, hi float64)
}

// Source 引擎使用的直方圖來源
type Source interface {
	Data
	Name() string
	// BinContentNear 回傳包含 x 的 bin 計數，超出範圍回傳 0
	BinContentNear(x float64) float64
	// Clone 建立獨立的工作副本
	Clone() (*Histogram, error)
}

// Histogram 一維直方圖
type Histogram struct {
	name   string
	edges  []float64 // len = n+1
	counts []float64 // len = n
}

// New 由 bin 邊界與計數建立直方圖（會複製輸入）
func New(name string, edges, counts []float64) (*Histogram, error) {
	if len(counts) == 0 {
		return nil, ErrNoBins
	}
	if len(edges) != len(counts)+1 {
		return nil, fmt.Errorf("%w: %d edges for %d bins", ErrShapeMismatch, len(edges), len(counts))
	}
	for i := 1; i < len(edges); i++ {
		if !(edges[i] > edges[i-1]) {
			return nil, fmt.Errorf("%w: edge %d", ErrEdgesNotSorted, i)
		}
	}
	return &Histogram{
		name:   name,
		edges:  append([]float64(nil), edges...),
		counts: append([]float64(nil), counts...),
	}, nil
}

// NewUniform 建立等寬 bin 的直方圖
func NewUniform(name string, xmin, xmax float64, counts []float64) (*Histogram, error) {
	if len(counts) == 0 {
		return nil, ErrNoBins
	}
	if !(xmax > xmin) {
		return nil, fmt.Errorf("%w: xmax %v <= xmin %v", ErrEdgesNotSorted, xmax, xmin)
	}
	n := len(counts)
	edges := make([]float64, n+1)
	width := (xmax - xmin) / float64(n)
	for i := range edges {
		edges[i] = xmin + float64(i)*width
	}
	edges[n] = xmax
	return New(name, edges, counts)
}

// Name 直方圖名稱
func (h *Histogram) Name() string { return h.name }

// Len bin 數量
func (h *Histogram) Len() int { return len(h.counts) }

// Bounds 座標軸範圍
func (h *Histogram) Bounds() (float64, float64) {
	return h.edges[0], h.edges[len(h.edges)-1]
}

// BinCenter 第 i 個 bin 的中心
func (h *Histogram) BinCenter(i int) float64 {
	return 0.5 * (h.edges[i] + h.edges[i+1])
}

// BinWidth 第 i 個 bin 的寬度
func (h *Histogram) BinWidth(i int) float64 {
	return h.edges[i+1] - h.edges[i]
}

// Count 第 i 個 bin 的計數
func (h *Histogram) Count(i int) float64 { return h.counts[i] }

// Counts 回傳計數的副本
func (h *Histogram) Counts() []float64 {
	return append([]float64(nil), h.counts...)
}

// Edges 回傳 bin 邊界的副本
func (h *Histogram) Edges() []float64 {
	return append([]float64(nil), h.edges...)
}

// FindBin 回傳包含 x 的 bin 索引，超出範圍回傳 -1
//
// 上界屬於最後一個 bin。
func (h *Histogram) FindBin(x float64) int {
	lo, hi := h.Bounds()
	if math.IsNaN(x) || x < lo || x > hi {
		return -1
	}
	if x == hi {
		return len(h.counts) - 1
	}
	// 第一個 >= x 的邊界
	i := sort.SearchFloat64s(h.edges, x)
	if i < len(h.edges) && h.edges[i] == x {
		return i
	}
	return i - 1
}

// BinContentNear 回傳包含 x 的 bin 計數
func (h *Histogram) BinContentNear(x float64) float64 {
	i := h.FindBin(x)
	if i < 0 {
		return 0
	}
	return h.counts[i]
}

// Window 回傳中心落在 [lo, hi] 內的 bin
func (h *Histogram) Window(lo, hi float64) ([]float64, []float64) {
	if lo > hi {
		lo, hi = hi, lo
	}
	xs := make([]float64, 0)
	ys := make([]float64, 0)
	for i := range h.counts {
		c := h.BinCenter(i)
		if c < lo || c > hi {
			continue
		}
		xs = append(xs, c)
		ys = append(ys, h.counts[i])
	}
	return xs, ys
}

// Steps 回傳 [lo, hi] 範圍內的階梯折線（每個 bin 兩點），供繪圖使用
func (h *Histogram) Steps(lo, hi float64) ([]float64, []float64) {
	xs := make([]float64, 0)
	ys := make([]float64, 0)
	for i := range h.counts {
		l, r := h.edges[i], h.edges[i+1]
		if r < lo || l > hi {
			continue
		}
		xs = append(xs, l, r)
		ys = append(ys, h.counts[i], h.counts[i])
	}
	return xs, ys
}

// Clone 深拷貝直方圖
func (h *Histogram) Clone() (*Histogram, error) {
	return &Histogram{
		name:   h.name,
		edges:  append([]float64(nil), h.edges...),
		counts: append([]float64(nil), h.counts...),
	}, nil
}

// Integral [lo, hi] 內 bin 計數的總和
func (h *Histogram) Integral(lo, hi float64) float64 {
	_, ys := h.Window(lo, hi)
	var sum float64
	for _, y := range ys {
		sum += y
	}
	return sum
}

// FromFunc 以函數值填滿均勻 bin（bin 中心取值），用於示範與測試資料
func FromFunc(name string, xmin, xmax float64, nbins int, f func(x float64) float64) (*Histogram, error) {
	if nbins <= 0 {
		return nil, ErrNoBins
	}
	counts := make([]float64, nbins)
	width := (xmax - xmin) / float64(nbins)
	for i := range counts {
		counts[i] = f(xmin + (float64(i)+0.5)*width)
	}
	return NewUniform(name, xmin, xmax, counts)
}
