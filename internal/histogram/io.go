package histogram

// ============================================================================
// 文字格式讀寫
// 職責：讀取兩欄（能量 計數）或三欄（下界 上界 計數）的能譜文字檔
// ============================================================================

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ReadFile 讀取能譜檔案，名稱取自檔名
func ReadFile(path string) (*Histogram, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open histogram: %w", err)
	}
	defer f.Close()

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Read(f, name)
}

// Read 解析文字能譜
//
// 格式：
//   - 空行與 # 開頭的行略過
//   - 欄位以空白、tab 或逗號分隔
//   - 兩欄：bin 中心、計數（bin 邊界取相鄰中心的中點）
//   - 三欄：bin 下界、上界、計數
func Read(r io.Reader, name string) (*Histogram, error) {
	var (
		centers []float64
		lows    []float64
		highs   []float64
		counts  []float64
		columns int
	)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == ';'
		})
		if columns == 0 {
			// 標題列
			if _, err := strconv.ParseFloat(fields[0], 64); err != nil {
				continue
			}
			columns = len(fields)
			if columns != 2 && columns != 3 {
				return nil, fmt.Errorf("line %d: expected 2 or 3 columns, got %d", lineNo, columns)
			}
		}
		if len(fields) != columns {
			return nil, fmt.Errorf("line %d: expected %d columns, got %d", lineNo, columns, len(fields))
		}
		vals := make([]float64, columns)
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			vals[i] = v
		}
		if columns == 2 {
			centers = append(centers, vals[0])
			counts = append(counts, vals[1])
		} else {
			lows = append(lows, vals[0])
			highs = append(highs, vals[1])
			counts = append(counts, vals[2])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read histogram: %w", err)
	}
	if len(counts) == 0 {
		return nil, ErrNoBins
	}

	if columns == 3 {
		edges := append(append([]float64(nil), lows...), highs[len(highs)-1])
		for i := 1; i < len(lows); i++ {
			if lows[i] != highs[i-1] {
				return nil, fmt.Errorf("%w: bin %d does not start where bin %d ends", ErrEdgesNotSorted, i, i-1)
			}
		}
		return New(name, edges, counts)
	}
	return New(name, edgesFromCenters(centers), counts)
}

// edgesFromCenters 由 bin 中心推算邊界
func edgesFromCenters(centers []float64) []float64 {
	n := len(centers)
	edges := make([]float64, n+1)
	if n == 1 {
		edges[0], edges[1] = centers[0]-0.5, centers[0]+0.5
		return edges
	}
	for i := 1; i < n; i++ {
		edges[i] = 0.5 * (centers[i-1] + centers[i])
	}
	edges[0] = centers[0] - (edges[1] - centers[0])
	edges[n] = centers[n-1] + (centers[n-1] - edges[n-1])
	return edges
}

// Write 以兩欄格式輸出直方圖
func Write(w io.Writer, h *Histogram) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# %s\n", h.name)
	for i := range h.counts {
		fmt.Fprintf(bw, "%g %g\n", h.BinCenter(i), h.counts[i])
	}
	return bw.Flush()
}
