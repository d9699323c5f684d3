// ============================================================================
// spectrum-fit Render Cache - Fit Preview Images
// ============================================================================
//
// Package: internal/render
// File: render.go
// Purpose: Draw a preview of one fit: the histogram around the fit region
//          plus, for fitted records, the model curve and a short summary
//
// Ownership:
//   Render returns a fresh *Image on every call and keeps no reference to
//   it. Whoever displays the image holds it for as long as it is shown.
//   Nothing is cached here across calls, so one fit's drawing state can
//   never leak into another's.
//
// Staleness:
//   An Image remembers the (FitID, Epoch, Status) it was drawn for.
//   Image.Stale(rec) reports whether it must be regenerated before being
//   shown again.
//
// Options:
//   The view controls (explicit energy range, logarithmic count axis) are
//   passed with every RenderWith call; the Renderer does not remember them.
//
// ============================================================================

package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/ChuLiYu/spectrum-fit/internal/fitmodel"
	"github.com/ChuLiYu/spectrum-fit/internal/histogram"
	"github.com/ChuLiYu/spectrum-fit/internal/resultcache"
	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

// Default preview size in pixels.
const (
	DefaultWidth  = 640
	DefaultHeight = 400
)

// curvePoints is the number of samples of the model curve.
const curvePoints = 200

// logFloor replaces empty bins on a logarithmic count axis.
const logFloor = 0.1

// Options are the view controls of a preview.
type Options struct {
	// XMin and XMax set the energy range; both zero means the fit region
	// widened by the Renderer's Margin.
	XMin float64 `json:"x_min,omitempty" yaml:"x_min"`
	XMax float64 `json:"x_max,omitempty" yaml:"x_max"`
	// LogY draws counts on a log10 axis.
	LogY bool `json:"log_y,omitempty" yaml:"log_y"`
}

// HasRange reports whether an explicit energy range is set.
func (o Options) HasRange() bool { return o.XMin != 0 || o.XMax != 0 }

// Validate rejects a range that is not finite or not increasing.
func (o Options) Validate() error {
	if !o.HasRange() {
		return nil
	}
	if math.IsNaN(o.XMin) || math.IsNaN(o.XMax) || math.IsInf(o.XMin, 0) || math.IsInf(o.XMax, 0) {
		return fmt.Errorf("render range must be finite, got [%g, %g]", o.XMin, o.XMax)
	}
	if o.XMin >= o.XMax {
		return fmt.Errorf("render range min %g must be below max %g", o.XMin, o.XMax)
	}
	return nil
}

// Image is one rendered preview.
type Image struct {
	FitID   types.FitID
	Epoch   uint64
	Status  types.FitStatus
	Options Options
	Bitmap  *image.RGBA
	PNG     []byte
}

// Stale reports whether img no longer matches rec.
func (img *Image) Stale(rec types.FitRecord) bool {
	return img == nil || img.FitID != rec.ID || img.Epoch != rec.Epoch || img.Status != rec.Status
}

// stepper is implemented by *histogram.Histogram.
type stepper interface {
	Steps(lo, hi float64) ([]float64, []float64)
}

// Renderer draws previews.
type Renderer struct {
	Width  int
	Height int
	// Margin widens the view beyond the fit region, as a fraction of the half width.
	Margin float64
}

// New creates a Renderer; non-positive sizes fall back to the defaults.
func New(width, height int) *Renderer {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	return &Renderer{Width: width, Height: height, Margin: 0.5}
}

// Render draws rec over data with the default view.
func (r *Renderer) Render(rec types.FitRecord, data histogram.Data) (*Image, error) {
	return r.RenderWith(rec, data, Options{})
}

// RenderWith draws rec over data using the view controls in opts.
//
// Failures wrap types.ErrRenderFailure; the caller keeps showing whatever
// image it already holds.
func (r *Renderer) RenderWith(rec types.FitRecord, data histogram.Data, opts Options) (*Image, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("%w: fit %d: %v", types.ErrRenderFailure, rec.ID, err)
	}
	lo, hi := r.viewRange(rec.Region, data, opts)

	var hx, hy []float64
	if s, ok := data.(stepper); ok {
		hx, hy = s.Steps(lo, hi)
	} else {
		hx, hy = data.Window(lo, hi)
	}
	if len(hx) < 2 {
		return nil, fmt.Errorf("%w: fit %d: no histogram bins in [%g, %g]", types.ErrRenderFailure, rec.ID, lo, hi)
	}

	series := []chart.Series{
		chart.ContinuousSeries{
			Name:    "histogram",
			XValues: hx,
			YValues: hy,
			Style: chart.Style{
				StrokeColor: chart.ColorBlue,
				StrokeWidth: 1.5,
			},
		},
	}
	ymax := maxOf(hy)

	if cx, cy, ok := curve(rec, lo, hi); ok {
		series = append(series, chart.ContinuousSeries{
			Name:    "fit",
			XValues: cx,
			YValues: cy,
			Style: chart.Style{
				StrokeColor: chart.ColorRed,
				StrokeWidth: 2,
			},
		})
		ymax = math.Max(ymax, maxOf(cy))
	}
	if !(ymax > 0) || math.IsInf(ymax, 0) {
		ymax = 1
	}

	yName, yRange := "Counts", &chart.ContinuousRange{Min: 0, Max: ymax * 1.1}
	if opts.LogY {
		for i, s := range series {
			cs := s.(chart.ContinuousSeries)
			cs.YValues = logCopy(cs.YValues)
			series[i] = cs
		}
		yName = "log10(Counts)"
		yRange = &chart.ContinuousRange{Min: math.Log10(logFloor), Max: math.Log10(math.Max(ymax, 1)) + 0.2}
	}

	ch := chart.Chart{
		Width:      r.Width,
		Height:     r.Height,
		Background: chart.Style{Padding: chart.Box{Top: 20, Left: 16, Right: 16, Bottom: 16}},
		XAxis: chart.XAxis{
			Name:  "Energy (keV)",
			Range: &chart.ContinuousRange{Min: lo, Max: hi},
		},
		YAxis: chart.YAxis{
			Name:  yName,
			Range: yRange,
		},
		Series: series,
	}

	var buf bytes.Buffer
	if err := ch.Render(chart.PNG, &buf); err != nil {
		return nil, fmt.Errorf("%w: fit %d: %v", types.ErrRenderFailure, rec.ID, err)
	}
	decoded, err := png.Decode(&buf)
	if err != nil {
		return nil, fmt.Errorf("%w: fit %d: decode chart: %v", types.ErrRenderFailure, rec.ID, err)
	}

	bitmap := overlay(decoded, resultcache.FormatShort(rec))

	var out bytes.Buffer
	if err := png.Encode(&out, bitmap); err != nil {
		return nil, fmt.Errorf("%w: fit %d: encode preview: %v", types.ErrRenderFailure, rec.ID, err)
	}

	return &Image{
		FitID:  rec.ID,
		Epoch:  rec.Epoch,
		Status:  rec.Status,
		Options: opts,
		Bitmap:  bitmap,
		PNG:     out.Bytes(),
	}, nil
}

// viewRange is the explicit range of opts, or else the fit region widened
// by Margin, clipped to the axis. A range entirely off the axis is returned
// unclipped and yields no bins.
func (r *Renderer) viewRange(region types.Region, data histogram.Data, opts Options) (float64, float64) {
	lo, hi := opts.XMin, opts.XMax
	if !opts.HasRange() {
		pad := region.HalfWidth * r.Margin
		lo, hi = region.Low()-pad, region.High()+pad
	}
	amin, amax := data.Bounds()
	if lo < amin {
		lo = amin
	}
	if hi > amax {
		hi = amax
	}
	if lo >= hi {
		if opts.HasRange() {
			return opts.XMin, opts.XMax
		}
		return region.Low(), region.High()
	}
	return lo, hi
}

// logCopy returns log10(max(y, logFloor)) for every y; ys may alias
// histogram storage and is left untouched.
func logCopy(ys []float64) []float64 {
	out := make([]float64, len(ys))
	for i, y := range ys {
		out[i] = math.Log10(math.Max(y, logFloor))
	}
	return out
}

// curve samples the fitted model over the part of the fit region inside
// [viewLo, viewHi]. Only fitted records with a result get a curve.
func curve(rec types.FitRecord, viewLo, viewHi float64) ([]float64, []float64, bool) {
	if rec.Status != types.StatusFitted || rec.CachedResult == nil {
		return nil, nil, false
	}
	model, err := fitmodel.Lookup(rec.Model)
	if err != nil || len(rec.CachedResult.ParameterValues) != model.Arity() {
		return nil, nil, false
	}
	scale := 1.0
	if model.ShapeOnly {
		if rec.CachedResult.Scale == nil {
			return nil, nil, false
		}
		scale = *rec.CachedResult.Scale
	}

	lo, hi := math.Max(rec.Region.Low(), viewLo), math.Min(rec.Region.High(), viewHi)
	if lo >= hi {
		return nil, nil, false
	}
	xs := make([]float64, curvePoints)
	ys := make([]float64, curvePoints)
	step := (hi - lo) / float64(curvePoints-1)
	for i := range xs {
		x := lo + float64(i)*step
		xs[i] = x
		y := scale * model.Eval(x, rec.CachedResult.ParameterValues)
		if math.IsNaN(y) || math.IsInf(y, 0) {
			y = 0
		}
		ys[i] = y
	}
	return xs, ys, true
}

// overlay draws the summary lines in the top-left corner on a dark box.
func overlay(img image.Image, lines []string) *image.RGBA {
	b := img.Bounds()
	rgba := image.NewRGBA(b)
	draw.Draw(rgba, b, img, b.Min, draw.Src)
	if len(lines) == 0 {
		return rgba
	}

	face := basicfont.Face7x13
	lineHeight := face.Metrics().Height.Ceil()
	dr := &font.Drawer{Dst: rgba, Src: image.NewUniform(color.White), Face: face}

	width := 0
	for _, l := range lines {
		if w := dr.MeasureString(l).Ceil(); w > width {
			width = w
		}
	}

	pad := 6
	x := b.Min.X + 70
	y := b.Min.Y + 28
	box := image.Rect(x-pad, y-pad, x+width+pad, y+len(lines)*lineHeight+pad)
	bg := image.NewUniform(drawing.Color{R: 0, G: 0, B: 0, A: 180})
	draw.Draw(rgba, box, bg, image.Point{}, draw.Over)

	ascent := face.Metrics().Ascent.Ceil()
	for i, l := range lines {
		dr.Dot = fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + ascent + i*lineHeight)}
		dr.DrawString(l)
	}
	return rgba
}

func maxOf(v []float64) float64 {
	m := math.Inf(-1)
	for _, x := range v {
		if !math.IsNaN(x) && x > m {
			m = x
		}
	}
	return m
}
