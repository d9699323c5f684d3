package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/spectrum-fit/internal/export"
	"github.com/ChuLiYu/spectrum-fit/internal/histogram"
	"github.com/ChuLiYu/spectrum-fit/internal/reporter"
	"github.com/ChuLiYu/spectrum-fit/internal/resultcache"
	"github.com/ChuLiYu/spectrum-fit/internal/session"
	"github.com/ChuLiYu/spectrum-fit/internal/snapshot"
	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

// fitRequest holds the flags of the fit command.
type fitRequest struct {
	Center    float64
	HalfWidth float64
	Model     string
	Options   string
	Params    []float64
	Fixed     []int
	PNG       string
}

// buildFitCommand builds the fit command
func buildFitCommand() *cobra.Command {
	var req fitRequest

	cmd := &cobra.Command{
		Use:   "fit <histogram>",
		Short: "Fit one region of a histogram",
		Long: `Fit one region of a histogram file and print the result.

Examples:
  specfit fit data/co60.txt --center 1332 --half-width 15
  specfit fit data/co60.txt --center 662 --half-width 10 --params 80,662,4 --fixed 1
  specfit fit data/mip.txt --center 40 --half-width 30 --model landau --png fit.png`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return runFit(commandContext(cmd), cmd.OutOrStdout(), cfg, args[0], req)
		},
	}

	cmd.Flags().Float64Var(&req.Center, "center", 0, "region center")
	cmd.Flags().Float64Var(&req.HalfWidth, "half-width", 0, "region half width")
	cmd.Flags().StringVarP(&req.Model, "model", "m", "", "model: gaussian, landau, expo, polN (default from config)")
	cmd.Flags().StringVar(&req.Options, "options", "", "execution options (default from config)")
	cmd.Flags().Float64SliceVar(&req.Params, "params", nil, "initial parameters")
	cmd.Flags().IntSliceVar(&req.Fixed, "fixed", nil, "indices of fixed parameters")
	cmd.Flags().StringVar(&req.PNG, "png", "", "write the preview image to this file")
	_ = cmd.MarkFlagRequired("center")
	_ = cmd.MarkFlagRequired("half-width")

	return cmd
}

func runFit(ctx context.Context, w io.Writer, cfg *Config, path string, req fitRequest) error {
	h, err := histogram.ReadFile(path)
	if err != nil {
		return err
	}

	loop, err := startLoop()
	if err != nil {
		return err
	}
	defer loop.Stop()

	surface := newCollector()
	engine := session.New(loop, cfg.EngineConfig(),
		session.WithSurface(surface),
		session.WithReporter(reporter.NewDispatcher(nil)),
	)
	defer func() { _ = engine.Do(context.Background(), func() { _ = engine.Close() }) }()

	var (
		rec    types.FitRecord
		fitErr error
	)
	err = call(ctx, engine, func() error {
		engine.SetHistogram(h)
		id, err := engine.CreateFit(types.Region{Center: req.Center, HalfWidth: req.HalfWidth}, types.ModelKind(req.Model))
		if err != nil {
			return err
		}
		if req.Options != "" {
			if err := engine.SetOptions(id, req.Options); err != nil {
				return err
			}
		}
		if len(req.Params) > 0 || len(req.Fixed) > 0 {
			cur, _ := engine.Fit(id)
			params := cur.InitialParameters
			if len(req.Params) > 0 {
				params = req.Params
			}
			fixed := make([]bool, len(params))
			for _, i := range req.Fixed {
				if i < 0 || i >= len(params) {
					return fmt.Errorf("--fixed index %d out of range [0, %d)", i, len(params))
				}
				fixed[i] = true
			}
			if err := engine.EditParameters(id, params, fixed); err != nil {
				return err
			}
		}
		_, fitErr = engine.Refit(id)
		rec, _ = engine.Fit(id)
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Fprint(w, resultcache.FormatLong(rec))

	if req.PNG != "" {
		img, ok := surface.image(rec.ID)
		if !ok {
			return fmt.Errorf("no preview rendered for fit %d", rec.ID)
		}
		if err := os.WriteFile(req.PNG, img.PNG, 0644); err != nil {
			return fmt.Errorf("failed to write preview: %w", err)
		}
		log.Info("Preview written", "path", req.PNG)
	}

	if fitErr != nil {
		return fmt.Errorf("%w: %v", errFitFailed, fitErr)
	}
	return nil
}

// batchRequest holds the flags of the batch command.
type batchRequest struct {
	Peaks   []float64
	Out     string
	Format  string
	PNG     bool
	Timeout time.Duration
}

// buildBatchCommand builds the batch command
func buildBatchCommand() *cobra.Command {
	var req batchRequest

	cmd := &cobra.Command{
		Use:   "batch <histogram>",
		Short: "Detect peaks and fit each one",
		Long: `Detect peaks (or take --peaks) and fit one region per peak, in
ascending energy order. Results are written to the output directory:

  fits.<format>    fit results
  peaks.<format>   peak list
  session.json     session file (loadable with 'specfit export')
  fit_<id>.png     previews (with --png)

Examples:
  specfit batch data/co60.txt
  specfit batch data/co60.txt --peaks 1173.2,1332.5 --out results --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return runBatch(commandContext(cmd), cmd.OutOrStdout(), cfg, args[0], req)
		},
	}

	cmd.Flags().Float64SliceVar(&req.Peaks, "peaks", nil, "peak energies (detected when omitted)")
	cmd.Flags().StringVarP(&req.Out, "out", "o", "out", "output directory")
	cmd.Flags().StringVar(&req.Format, "format", "csv", "export format: csv or json")
	cmd.Flags().BoolVar(&req.PNG, "png", false, "write a preview per fit")
	cmd.Flags().DurationVar(&req.Timeout, "timeout", 5*time.Minute, "maximum time for the whole batch")

	return cmd
}

func runBatch(ctx context.Context, w io.Writer, cfg *Config, path string, req batchRequest) error {
	if req.Format != string(export.FormatCSV) && req.Format != string(export.FormatJSON) {
		return fmt.Errorf("--format must be csv or json, got %q", req.Format)
	}
	h, err := histogram.ReadFile(path)
	if err != nil {
		return err
	}

	loop, err := startLoop()
	if err != nil {
		return err
	}
	defer loop.Stop()

	surface := newCollector()
	engine := session.New(loop, cfg.EngineConfig(),
		session.WithSurface(surface),
		session.WithReporter(reporter.NewDispatcher(nil)),
	)
	defer func() { _ = engine.Do(context.Background(), func() { _ = engine.Close() }) }()

	var steps int
	err = call(ctx, engine, func() error {
		engine.SetHistogram(h)
		if len(req.Peaks) == 0 {
			n, err := engine.RunBatchDetected()
			steps = n
			return err
		}
		for _, energy := range req.Peaks {
			if _, err := engine.AddManualPeak(energy); err != nil {
				return err
			}
		}
		n, err := engine.RunBatch(engine.Peaks())
		steps = n
		return err
	})
	if err != nil {
		return err
	}
	if steps == 0 {
		fmt.Fprintln(w, "No peaks found")
		return nil
	}
	log.Info("Batch started", "histogram", h.Name(), "peaks", steps)

	waitCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()
	if err := surface.wait(waitCtx); err != nil {
		_ = engine.Do(context.Background(), func() { engine.CancelBatch() })
		return fmt.Errorf("batch did not finish: %w", err)
	}

	var (
		recs  []types.FitRecord
		found []types.PeakCandidate
		data  types.SessionData
	)
	if err := engine.Do(ctx, func() {
		recs = engine.Fits()
		found = engine.Peaks()
		data = engine.Snapshot()
	}); err != nil {
		return err
	}

	if err := os.MkdirAll(req.Out, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	fitsPath := filepath.Join(req.Out, "fits."+req.Format)
	if n, err := export.FitsToFile(fitsPath, h.Name(), recs, time.Now()); err != nil {
		log.Warn("Fit export skipped", "error", err)
	} else {
		log.Info("Fits exported", "path", fitsPath, "rows", n)
	}
	peaksPath := filepath.Join(req.Out, "peaks."+req.Format)
	if _, err := export.PeaksToFile(peaksPath, h.Name(), found); err != nil {
		return err
	}
	if err := snapshot.NewManager(filepath.Join(req.Out, "session.json")).Write(data); err != nil {
		return err
	}
	if req.PNG {
		for _, rec := range recs {
			img, ok := surface.image(rec.ID)
			if !ok {
				continue
			}
			name := filepath.Join(req.Out, fmt.Sprintf("fit_%d.png", rec.ID))
			if err := os.WriteFile(name, img.PNG, 0644); err != nil {
				return fmt.Errorf("failed to write preview: %w", err)
			}
		}
	}

	printRecords(w, recs)
	return nil
}

// printRecords prints a one-line summary per fit.
func printRecords(w io.Writer, recs []types.FitRecord) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tMODEL\tSTATUS\tCHI2/NDF\tFWHM")
	for _, rec := range recs {
		chi, fwhm := "-", "-"
		if res := rec.CachedResult; res != nil {
			if res.ReducedChiSquare != nil {
				chi = fmt.Sprintf("%.3f", *res.ReducedChiSquare)
			}
			if res.Derived.FWHM != nil {
				fwhm = fmt.Sprintf("%.3f", *res.Derived.FWHM)
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.DisplayName(), rec.Model, resultcache.StatusLabel(rec), chi, fwhm)
	}
	_ = tw.Flush()
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
