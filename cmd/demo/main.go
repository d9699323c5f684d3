package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/spectrum-fit/internal/fitmodel"
	"github.com/ChuLiYu/spectrum-fit/internal/histogram"
	"github.com/ChuLiYu/spectrum-fit/internal/scheduler"
	"github.com/ChuLiYu/spectrum-fit/internal/session"
	"github.com/ChuLiYu/spectrum-fit/internal/snapshot"
	"github.com/ChuLiYu/spectrum-fit/internal/storage/journal"
	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

type Config struct {
	Batch struct {
		StepDelay time.Duration `yaml:"step_delay"`
	} `yaml:"batch"`
	Session struct {
		SnapshotPath     string        `yaml:"snapshot_path"`
		JournalPath      string        `yaml:"journal_path"`
		AutosaveInterval time.Duration `yaml:"autosave_interval"`
	} `yaml:"session"`
}

// Co-60 and Cs-137 lines on a falling background.
var lines = []struct{ amp, mean, sigma float64 }{
	{220, 661.7, 4.5},
	{140, 1173.2, 6},
	{120, 1332.5, 6.5},
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <start|recover>")
		os.Exit(1)
	}

	mode := os.Args[1]
	cfg, err := loadConfig("configs/default.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	j, err := journal.Open(cfg.Session.JournalPath)
	if err != nil {
		log.Fatalf("Failed to open journal: %v", err)
	}

	loop := scheduler.NewLoop(64)
	if err := loop.Start(); err != nil {
		log.Fatalf("Failed to start event loop: %v", err)
	}
	defer loop.Stop()

	ecfg := session.DefaultConfig()
	if cfg.Batch.StepDelay > 0 {
		ecfg.Batch.StepDelay = cfg.Batch.StepDelay
	}
	engine := session.New(loop, ecfg,
		session.WithJournal(j),
		session.WithPersister(snapshot.NewManager(cfg.Session.SnapshotPath)),
	)

	hist, err := spectrum()
	if err != nil {
		log.Fatalf("Failed to build spectrum: %v", err)
	}

	var (
		replayed   int
		recoverErr error
	)
	if err := engine.Do(context.Background(), func() {
		engine.SetHistogram(hist)
		replayed, recoverErr = engine.Recover()
		engine.StartAutosave(cfg.Session.AutosaveInterval)
	}); err != nil {
		log.Fatalf("Engine not running: %v", err)
	}
	if recoverErr != nil {
		log.Fatalf("Failed to recover: %v", recoverErr)
	}

	fmt.Printf("✓ Engine started (mode: %s)\n", mode)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	switch mode {
	case "start":
		fits := snapshotOf(engine)
		if len(fits) > 0 {
			fmt.Printf("\n⚠️  Found %d fits from a previous run (%d journal records replayed)\n", len(fits), replayed)
			printFits(fits)
			fmt.Printf("\n💡 Delete %s and %s to start fresh\n", cfg.Session.SnapshotPath, cfg.Session.JournalPath)
			break
		}

		var (
			steps    int
			batchErr error
		)
		_ = engine.Do(context.Background(), func() { steps, batchErr = engine.RunBatchDetected() })
		if batchErr != nil {
			log.Fatalf("Failed to start batch: %v", batchErr)
		}
		fmt.Printf("✓ Batch started over %d detected peaks\n", steps)
		fmt.Printf("💡 Press Ctrl+C now to stop mid-batch, then run 'recover'\n\n")

		for i := 0; i < 40; i++ {
			select {
			case <-sigChan:
				// 不呼叫 Close：模擬中斷，只有 journal 留下
				fmt.Println("\n\nInterrupted, leaving the journal as is")
				_ = engine.Do(context.Background(), func() { engine.CancelBatch() })
				_ = j.Flush()
				return
			case <-time.After(100 * time.Millisecond):
				fits := snapshotOf(engine)
				fmt.Printf("📊 Fits: %d\n", len(fits))
			}
		}
		printFits(snapshotOf(engine))

	case "recover":
		fits := snapshotOf(engine)
		fmt.Printf("\n📊 Recovered %d fits (%d journal records replayed)\n", len(fits), replayed)
		printFits(fits)
	}

	<-sigChan

	fmt.Println("\n\nReceived shutdown signal, saving session...")
	var closeErr error
	if err := engine.Do(context.Background(), func() { closeErr = engine.Close() }); err != nil {
		closeErr = err
	}
	if closeErr != nil {
		log.Printf("Close failed: %v", closeErr)
	}
	fmt.Println("✓ Engine stopped")
}

func spectrum() (*histogram.Histogram, error) {
	g := fitmodel.MustLookup(types.ModelGaussian)
	rng := rand.New(rand.NewSource(7))
	return histogram.FromFunc("co60-cs137", 400, 1500, 1100, func(x float64) float64 {
		y := 40 * (1 - (x-400)/1400)
		for _, l := range lines {
			y += g.Eval(x, []float64{l.amp, l.mean, l.sigma})
		}
		return y + rng.NormFloat64()*2
	})
}

func snapshotOf(e *session.Engine) []types.FitRecord {
	var fits []types.FitRecord
	_ = e.Do(context.Background(), func() { fits = e.Fits() })
	return fits
}

func printFits(fits []types.FitRecord) {
	for _, f := range fits {
		mean := "-"
		if f.CachedResult != nil && len(f.CachedResult.ParameterValues) > 1 {
			mean = fmt.Sprintf("%.2f", f.CachedResult.ParameterValues[1])
		}
		fmt.Printf("  %-22s %-8s mean=%s\n", f.DisplayName(), f.Status, mean)
	}
}

func loadConfig(path string) (*Config, error) {
	var cfg Config
	cfg.Session.SnapshotPath = "data/session.json"
	cfg.Session.JournalPath = "data/session.journal"
	cfg.Session.AutosaveInterval = 30 * time.Second

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
