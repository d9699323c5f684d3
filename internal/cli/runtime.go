package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/spectrum-fit/internal/render"
	"github.com/ChuLiYu/spectrum-fit/internal/scheduler"
	"github.com/ChuLiYu/spectrum-fit/internal/session"
	"github.com/ChuLiYu/spectrum-fit/internal/snapshot"
	"github.com/ChuLiYu/spectrum-fit/internal/storage/journal"
	"github.com/ChuLiYu/spectrum-fit/internal/storage/sqlite"
	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

// openStore opens the configured session store.
func openStore(cfg *Config) (session.Persister, io.Closer, error) {
	switch cfg.Session.Backend {
	case "sqlite":
		if err := ensureDir(cfg.Session.SQLitePath); err != nil {
			return nil, nil, err
		}
		store, err := sqlite.NewStore(cfg.Session.SQLitePath, cfg.Session.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open session database: %w", err)
		}
		return store, store, nil
	default:
		if err := ensureDir(cfg.Session.SnapshotPath); err != nil {
			return nil, nil, err
		}
		return snapshot.NewManager(cfg.Session.SnapshotPath, snapshot.WithBackups(cfg.Session.KeepBackups)), closerFunc(func() error { return nil }), nil
	}
}

// openJournal opens the configured journal.
func openJournal(cfg *Config) (*journal.Journal, error) {
	if err := ensureDir(cfg.Session.JournalPath); err != nil {
		return nil, err
	}
	var opts []journal.Option
	if cfg.Session.JournalBuffer > 0 {
		opts = append(opts, journal.WithBuffer(cfg.Session.JournalBuffer, cfg.Session.JournalFlush))
	}
	if cfg.Session.CompressArchives {
		opts = append(opts, journal.WithCompressedArchives())
	}
	j, err := journal.Open(cfg.Session.JournalPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return j, nil
}

func ensureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	return nil
}

// startLoop starts an event loop for a one-shot command.
func startLoop() (*scheduler.Loop, error) {
	loop := scheduler.NewLoop(64)
	if err := loop.Start(); err != nil {
		return nil, fmt.Errorf("failed to start event loop: %w", err)
	}
	return loop, nil
}

// collector is the Surface of the one-shot commands: it keeps the latest
// preview per fit and signals when a batch finishes.
type collector struct {
	mu     sync.Mutex
	images map[types.FitID]*render.Image
	done   chan struct{}
	once   sync.Once
}

func newCollector() *collector {
	return &collector{images: make(map[types.FitID]*render.Image), done: make(chan struct{})}
}

func (c *collector) Show(rec types.FitRecord, img *render.Image) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images[rec.ID] = img
}

func (c *collector) OnEvent(ev types.Event) {
	switch ev.Kind {
	case types.EventClosed:
		c.mu.Lock()
		delete(c.images, ev.FitID)
		c.mu.Unlock()
	case types.EventFitList:
		c.once.Do(func() { close(c.done) })
	}
}

func (c *collector) image(id types.FitID) (*render.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	img, ok := c.images[id]
	return img, ok
}

// wait blocks until the batch has finished or ctx ends.
func (c *collector) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the engine and returns fn's error.
func call(ctx context.Context, e *session.Engine, fn func() error) error {
	var actErr error
	if err := e.Do(ctx, func() { actErr = fn() }); err != nil {
		return err
	}
	return actErr
}

var errFitFailed = errors.New("fit failed")

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
