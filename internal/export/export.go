// ============================================================================
// spectrum-fit 匯出 - 擬合結果與峰值的純數值匯出
// ============================================================================
//
// Package: internal/export
// 文件: export.go
// 功能: 以 CSV / JSON 匯出擬合結果與峰值列表
//
// 規則:
//   - CSV 只包含有結果的紀錄（依 ID 排序）
//   - JSON 另外包含失敗且沒有結果的紀錄與其錯誤訊息
//   - 檔案以 temp + rename 寫入，不會留下半成品
//
// ============================================================================

package export

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/spectrum-fit/internal/resultcache"
	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

// 錯誤定義
var (
	ErrNothingToExport = errors.New("nothing to export")
	ErrUnknownFormat   = errors.New("unknown export format")
)

// Format 匯出格式
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// FormatFor 依副檔名判斷格式
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, filepath.Ext(path))
}

// FitColumns CSV 欄位
var FitColumns = []string{
	"Fit_ID", "Model", "Center", "HalfWidth", "Status",
	"Chi2", "NDF", "Reduced_Chi2", "Parameters", "Errors",
	"FWHM", "Centroid", "Area", "MPV", "Width",
	"Peak_Energy", "Peak_Source",
}

// ============================================================================
// 擬合結果
// ============================================================================

// FitsCSV 將有結果的紀錄寫成 CSV
//
// 返回值：
//   - int: 寫出的資料列數
//   - error: 沒有任何結果時回傳 ErrNothingToExport
func FitsCSV(w io.Writer, recs []types.FitRecord) (int, error) {
	rows := withResults(recs)
	if len(rows) == 0 {
		return 0, ErrNothingToExport
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(FitColumns); err != nil {
		return 0, fmt.Errorf("failed to write header: %w", err)
	}
	for _, rec := range rows {
		res := rec.CachedResult
		d := res.Derived
		row := []string{
			strconv.FormatInt(int64(rec.ID), 10),
			string(rec.Model),
			num(rec.Region.Center, 'f', 3),
			num(rec.Region.HalfWidth, 'f', 3),
			resultcache.StatusLabel(rec),
			opt(res.ChiSquare, 6),
			optInt(res.DegreesOfFreedom),
			opt(res.ReducedChiSquare, 6),
			joinNums(res.ParameterValues),
			joinNums(res.ParameterErrors),
			opt(d.FWHM, 3),
			opt(d.Centroid, 3),
			opt(d.Area, 1),
			opt(d.MostProbableValue, 3),
			opt(d.Width, 3),
			"", "",
		}
		if rec.PeakOrigin != nil {
			row[15] = num(rec.PeakOrigin.Energy, 'f', 2)
			row[16] = string(rec.PeakOrigin.Provenance)
		}
		if err := cw.Write(row); err != nil {
			return 0, fmt.Errorf("failed to write fit %d: %w", rec.ID, err)
		}
	}
	cw.Flush()
	return len(rows), cw.Error()
}

// Parameter JSON 中的單一參數
type Parameter struct {
	Index int      `json:"index"`
	Name  string   `json:"name"`
	Value *float64 `json:"value"`
	Error *float64 `json:"error"`
	Fixed bool     `json:"fixed,omitempty"`
}

// FitEntry JSON 中的單一紀錄
type FitEntry struct {
	FitID            types.FitID              `json:"fit_id"`
	Model            types.ModelKind          `json:"model"`
	Center           float64                  `json:"center"`
	HalfWidth        float64                  `json:"half_width"`
	Status           string                   `json:"status"`
	Epoch            uint64                   `json:"epoch"`
	ChiSquare        *float64                 `json:"chi2,omitempty"`
	DegreesOfFreedom *int                     `json:"ndf,omitempty"`
	ReducedChiSquare *float64                 `json:"reduced_chi2,omitempty"`
	Parameters       []Parameter              `json:"parameters,omitempty"`
	Annotations      *types.DerivedQuantities `json:"annotations,omitempty"`
	Peak             *types.PeakCandidate     `json:"peak,omitempty"`
	Error            string                   `json:"error,omitempty"`
}

// FitsDocument JSON 匯出的頂層結構
type FitsDocument struct {
	Histogram       string     `json:"histogram"`
	ExportTimestamp string     `json:"export_timestamp"`
	Fits            []FitEntry `json:"fits"`
}

// BuildFitsDocument 建立 JSON 匯出內容
func BuildFitsDocument(histogram string, recs []types.FitRecord, now time.Time) FitsDocument {
	doc := FitsDocument{
		Histogram:       histogram,
		ExportTimestamp: now.UTC().Format(time.RFC3339),
		Fits:            []FitEntry{},
	}
	for _, rec := range sortedByID(recs) {
		if rec.CachedResult == nil && rec.LastError == "" {
			continue
		}
		entry := FitEntry{
			FitID:     rec.ID,
			Model:     rec.Model,
			Center:    rec.Region.Center,
			HalfWidth: rec.Region.HalfWidth,
			Status:    resultcache.StatusLabel(rec),
			Epoch:     rec.Epoch,
			Peak:      rec.PeakOrigin,
			Error:     rec.LastError,
		}
		if res := rec.CachedResult; res != nil {
			entry.ChiSquare = finite(res.ChiSquare)
			entry.DegreesOfFreedom = res.DegreesOfFreedom
			entry.ReducedChiSquare = finite(res.ReducedChiSquare)
			names := resultcache.ParamNames(rec)
			for i, v := range res.ParameterValues {
				p := Parameter{Index: i, Value: finiteVal(v)}
				if i < len(names) {
					p.Name = names[i]
				}
				if i < len(res.ParameterErrors) {
					p.Error = finiteVal(res.ParameterErrors[i])
				}
				if i < len(rec.FixedFlags) {
					p.Fixed = rec.FixedFlags[i]
				}
				entry.Parameters = append(entry.Parameters, p)
			}
			d := res.Derived
			if d.FWHM != nil || d.Centroid != nil || d.Area != nil || d.MostProbableValue != nil || d.Width != nil {
				entry.Annotations = &d
			}
		}
		doc.Fits = append(doc.Fits, entry)
	}
	return doc
}

// FitsJSON 將紀錄寫成帶縮排的 JSON
func FitsJSON(w io.Writer, histogram string, recs []types.FitRecord, now time.Time) (int, error) {
	doc := BuildFitsDocument(histogram, recs, now)
	if len(doc.Fits) == 0 {
		return 0, ErrNothingToExport
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return 0, fmt.Errorf("failed to encode fits: %w", err)
	}
	return len(doc.Fits), nil
}

// ============================================================================
// 峰值
// ============================================================================

// PeaksCSV 將峰值列表寫成 CSV（Peak_Number 從 1 開始）
func PeaksCSV(w io.Writer, peaks []types.PeakCandidate) (int, error) {
	if len(peaks) == 0 {
		return 0, ErrNothingToExport
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Peak_Number", "Energy_keV", "Counts", "Source"}); err != nil {
		return 0, fmt.Errorf("failed to write header: %w", err)
	}
	for i, p := range peaks {
		row := []string{strconv.Itoa(i + 1), num(p.Energy, 'f', 2), opt(p.Height, 1), string(p.Provenance)}
		if err := cw.Write(row); err != nil {
			return 0, fmt.Errorf("failed to write peak %d: %w", i+1, err)
		}
	}
	cw.Flush()
	return len(peaks), cw.Error()
}

// PeakEntry JSON 中的單一峰值
type PeakEntry struct {
	PeakNumber int      `json:"peak_number"`
	Energy     float64  `json:"energy_keV"`
	Counts     *float64 `json:"counts"`
	Source     string   `json:"source"`
}

// PeaksJSON 將峰值列表寫成 JSON
func PeaksJSON(w io.Writer, histogram string, peaks []types.PeakCandidate) (int, error) {
	if len(peaks) == 0 {
		return 0, ErrNothingToExport
	}
	doc := struct {
		Histogram string      `json:"histogram"`
		Peaks     []PeakEntry `json:"peaks"`
	}{Histogram: histogram}
	for i, p := range peaks {
		doc.Peaks = append(doc.Peaks, PeakEntry{
			PeakNumber: i + 1,
			Energy:     p.Energy,
			Counts:     finite(p.Height),
			Source:     string(p.Provenance),
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return 0, fmt.Errorf("failed to encode peaks: %w", err)
	}
	return len(peaks), nil
}

// ============================================================================
// 檔案輸出
// ============================================================================

// WriteFile 以 temp + rename 的方式寫檔，write 失敗時不留下任何檔案
func WriteFile(path string, write func(io.Writer) (int, error)) (int, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return 0, fmt.Errorf("failed to create export directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to create export file: %w", err)
	}
	n, err := write(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to rename export file: %w", err)
	}
	return n, nil
}

// FitsToFile 依副檔名選擇格式匯出擬合結果
func FitsToFile(path, histogram string, recs []types.FitRecord, now time.Time) (int, error) {
	format, err := FormatFor(path)
	if err != nil {
		return 0, err
	}
	return WriteFile(path, func(w io.Writer) (int, error) {
		if format == FormatJSON {
			return FitsJSON(w, histogram, recs, now)
		}
		return FitsCSV(w, recs)
	})
}

// PeaksToFile 依副檔名選擇格式匯出峰值
func PeaksToFile(path, histogram string, peaks []types.PeakCandidate) (int, error) {
	format, err := FormatFor(path)
	if err != nil {
		return 0, err
	}
	return WriteFile(path, func(w io.Writer) (int, error) {
		if format == FormatJSON {
			return PeaksJSON(w, histogram, peaks)
		}
		return PeaksCSV(w, peaks)
	})
}

// ============================================================================
// 內部輔助
// ============================================================================

func sortedByID(recs []types.FitRecord) []types.FitRecord {
	out := append([]types.FitRecord(nil), recs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func withResults(recs []types.FitRecord) []types.FitRecord {
	var out []types.FitRecord
	for _, rec := range sortedByID(recs) {
		if rec.CachedResult != nil {
			out = append(out, rec)
		}
	}
	return out
}

func num(v float64, format byte, prec int) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return strconv.FormatFloat(v, format, prec, 64)
}

func opt(v *float64, prec int) string {
	if v == nil {
		return ""
	}
	return num(*v, 'f', prec)
}

func optInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func joinNums(vs []float64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = num(v, 'f', 6)
	}
	return strings.Join(parts, "; ")
}

func finite(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return finiteVal(*v)
}

func finiteVal(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
