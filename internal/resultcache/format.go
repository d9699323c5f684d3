package resultcache

import (
	"fmt"
	"math"
	"strings"

	"github.com/ChuLiYu/spectrum-fit/internal/fitmodel"
	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

// StatusLabel 顯示用的狀態字串
//
// 失敗時會區分「仍顯示上一次結果」與「沒有任何結果」。
func StatusLabel(rec types.FitRecord) string {
	switch rec.Status {
	case types.StatusFailed:
		if rec.CachedResult != nil {
			return "failed (showing last result)"
		}
		return "failed (no result)"
	case "":
		return string(types.StatusUnfit)
	default:
		return string(rec.Status)
	}
}

// ParamNames 紀錄模型的參數名稱，未知模型時使用 p0..pN
func ParamNames(rec types.FitRecord) []string {
	if m, err := fitmodel.Lookup(rec.Model); err == nil {
		return m.ParamNames
	}
	n := len(rec.InitialParameters)
	if rec.CachedResult != nil {
		n = len(rec.CachedResult.ParameterValues)
	}
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("p%d", i)
	}
	return names
}

// FormatLong 完整的結果文字（結果面板與 CLI 使用）
func FormatLong(rec types.FitRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", rec.DisplayName())
	fmt.Fprintf(&b, "Status: %s\n", StatusLabel(rec))
	fmt.Fprintf(&b, "Model: %s\n", rec.Model)
	fmt.Fprintf(&b, "Range: [%.2f, %.2f]\n", rec.Region.Low(), rec.Region.High())
	if rec.ExecutionOptions != "" {
		fmt.Fprintf(&b, "Options: %s\n", rec.ExecutionOptions)
	}
	if rec.LastError != "" {
		fmt.Fprintf(&b, "Error: %s\n", rec.LastError)
	}

	res := rec.CachedResult
	if res == nil {
		b.WriteString("No fit result\n")
		return b.String()
	}

	fmt.Fprintf(&b, "Chi2: %s\n", optFloat(res.ChiSquare, "%.4f"))
	if res.DegreesOfFreedom != nil {
		fmt.Fprintf(&b, "NDF: %d\n", *res.DegreesOfFreedom)
	} else {
		b.WriteString("NDF: n/a\n")
	}
	fmt.Fprintf(&b, "Chi2/NDF: %s\n", optFloat(res.ReducedChiSquare, "%.4f"))

	b.WriteString("Parameters:\n")
	names := ParamNames(rec)
	for i, v := range res.ParameterValues {
		name := fmt.Sprintf("p%d", i)
		if i < len(names) {
			name = names[i]
		}
		e := math.NaN()
		if i < len(res.ParameterErrors) {
			e = res.ParameterErrors[i]
		}
		fixed := ""
		if i < len(rec.FixedFlags) && rec.FixedFlags[i] {
			fixed = " (fixed)"
		}
		fmt.Fprintf(&b, "  %s = %.6g ± %.3g%s\n", name, v, e, fixed)
	}
	if res.Scale != nil {
		fmt.Fprintf(&b, "  Scale = %.6g\n", *res.Scale)
	}

	d := res.Derived
	if d.FWHM != nil || d.Centroid != nil || d.Area != nil || d.MostProbableValue != nil || d.Width != nil {
		b.WriteString("Derived:\n")
		writeOpt(&b, "Centroid", d.Centroid)
		writeOpt(&b, "FWHM", d.FWHM)
		writeOpt(&b, "Area", d.Area)
		writeOpt(&b, "MPV", d.MostProbableValue)
		writeOpt(&b, "Width", d.Width)
	}

	if rec.PeakOrigin != nil {
		fmt.Fprintf(&b, "Peak: %.2f keV (%s)\n", rec.PeakOrigin.Energy, rec.PeakOrigin.Provenance)
	}
	return b.String()
}

// FormatShort 預覽圖上的摘要（數行）
func FormatShort(rec types.FitRecord) []string {
	lines := []string{fmt.Sprintf("%s [%s]", rec.DisplayName(), StatusLabel(rec))}
	res := rec.CachedResult
	if res == nil {
		return lines
	}
	if res.ReducedChiSquare != nil {
		lines = append(lines, fmt.Sprintf("chi2/ndf = %.3f", *res.ReducedChiSquare))
	}
	d := res.Derived
	if d.Centroid != nil && d.FWHM != nil {
		lines = append(lines, fmt.Sprintf("centroid = %.2f  fwhm = %.2f", *d.Centroid, *d.FWHM))
	}
	if d.Area != nil {
		lines = append(lines, fmt.Sprintf("area = %.1f", *d.Area))
	}
	if d.MostProbableValue != nil && d.Width != nil {
		lines = append(lines, fmt.Sprintf("mpv = %.2f  width = %.2f", *d.MostProbableValue, *d.Width))
	}
	return lines
}

func optFloat(v *float64, format string) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf(format, *v)
}

func writeOpt(b *strings.Builder, name string, v *float64) {
	if v != nil {
		fmt.Fprintf(b, "  %s = %.4f\n", name, *v)
	}
}
