// ============================================================================
// spectrum-fit Session Engine - 擬合 session 核心協調器
// ============================================================================
//
// Package: internal/session
// 文件: engine.go
// 功能: 協調所有擬合組件，提供 UI 操作介面，並負責自動存檔與崩潰恢復
//
// 架構設計:
//   Engine 是整個 session 的"大腦"，持有並串接以下組件：
//   - Registry: 擬合紀錄（ID、集合、目前選取）
//   - Executor: 單次擬合的狀態機與工作副本
//   - Renderer: 預覽圖
//   - 兩個 Debouncer: refit（500ms）與 render（150ms），皆以 FitID 為 key
//   - Batch Coordinator: 依峰值批次建立並擬合
//   - Journal / Persister: 每次變更寫入 journal，定期存檔後輪替
//
// 執行模型:
//   所有方法都必須在排程器的執行緒上呼叫（正式環境為 scheduler.Loop，
//   測試為 schedtest.Clock）。其他 goroutine 透過 Do(ctx, fn) 進入。
//   延遲動作（debounce、批次步驟、自動存檔）都是排程器上的回呼，
//   不會與 UI 操作並行。
//
// 崩潰恢復流程:
//   Recover() 執行：
//   1. persister.Load() - 載入最近一次存檔
//   2. registry.Restore() - 重建紀錄（有結果為 Fitted，否則 Unfit）
//   3. journal.Replay(LastSeq) - 重放存檔之後的變更
//
// 存檔流程 (SaveSession):
//   Snapshot（LastSeq = journal 最後序號）-> persister.Save -> journal.Rotate
//
// ============================================================================

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/spectrum-fit/internal/backend"
	"github.com/ChuLiYu/spectrum-fit/internal/batch"
	"github.com/ChuLiYu/spectrum-fit/internal/executor"
	"github.com/ChuLiYu/spectrum-fit/internal/histogram"
	"github.com/ChuLiYu/spectrum-fit/internal/metrics"
	"github.com/ChuLiYu/spectrum-fit/internal/peaks"
	"github.com/ChuLiYu/spectrum-fit/internal/registry"
	"github.com/ChuLiYu/spectrum-fit/internal/render"
	"github.com/ChuLiYu/spectrum-fit/internal/reporter"
	"github.com/ChuLiYu/spectrum-fit/internal/scheduler"
	"github.com/ChuLiYu/spectrum-fit/internal/storage/journal"
	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

var log = slog.Default()

// 錯誤定義
var (
	// ErrNoHistogram 尚未載入直方圖
	ErrNoHistogram = errors.New("no histogram loaded")
	// ErrNoPersister 沒有設定 session 儲存
	ErrNoPersister = errors.New("no session persister configured")
	// ErrClosed Engine 已關閉
	ErrClosed = errors.New("session engine is closed")
)

// 預設延遲
const (
	DefaultRefitDelay  = 500 * time.Millisecond
	DefaultRenderDelay = 150 * time.Millisecond
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Engine 配置
type Config struct {
	RefitDelay       time.Duration   // 參數編輯後重新擬合的安靜期
	RenderDelay      time.Duration   // 控制項變更後重新繪製的安靜期
	DefaultModel     types.ModelKind // CreateFit 未指定模型時使用
	DefaultOptions   string          // 新紀錄的 executionOptions
	FitTimeout       time.Duration   // 單次擬合上限，0 表示不限制
	AutosaveInterval time.Duration   // 0 表示不自動存檔
	Width            int             // 預覽圖寬
	Height           int             // 預覽圖高
	Preview          render.Options  // 預覽圖的初始顯示控制
	Batch            batch.Config
	Detector         peaks.Detector
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		RefitDelay:     DefaultRefitDelay,
		RenderDelay:    DefaultRenderDelay,
		DefaultModel:   types.ModelGaussian,
		DefaultOptions: backend.DefaultOptions,
		Width:          render.DefaultWidth,
		Height:         render.DefaultHeight,
		Batch:          batch.DefaultConfig(),
		Detector:       peaks.DefaultDetector(),
	}
}

// Surface UI 顯示端
//
// Show 收到的 Image 由 Surface 持有直到不再顯示；Engine 不保留任何圖片。
type Surface interface {
	Show(rec types.FitRecord, img *render.Image)
	OnEvent(ev types.Event)
}

// Persister session 儲存（snapshot.Manager 與 sqlite.Store 都實作此介面）
type Persister interface {
	Save(data types.SessionData) error
	Load() (types.SessionData, error)
}

type nopSurface struct{}

func (nopSurface) Show(types.FitRecord, *render.Image) {}
func (nopSurface) OnEvent(types.Event)                 {}

// Engine 擬合 session
type Engine struct {
	sched scheduler.Scheduler
	cfg   Config

	reg      *registry.Registry
	exec     *executor.Executor
	renderer *render.Renderer
	viewOpts render.Options
	refits   *scheduler.Debouncer[types.FitID]
	renders  *scheduler.Debouncer[types.FitID]
	batch    *batch.Coordinator
	peaks    *peaks.List
	hist     *histogram.Histogram

	surface   Surface
	reporter  reporter.Reporter
	metrics   *metrics.Collector
	journal   *journal.Journal
	persister Persister
	fitter    backend.Fitter

	autosave  scheduler.Timer
	replaying bool // 重放 journal 時不再寫入 journal
	closed    bool
}

// Option 設定 Engine
type Option func(*Engine)

// WithSurface 設定 UI 顯示端
func WithSurface(s Surface) Option {
	return func(e *Engine) { e.surface = s }
}

// WithReporter 設定錯誤回報器
func WithReporter(r reporter.Reporter) Option {
	return func(e *Engine) { e.reporter = r }
}

// WithMetrics 設定 Prometheus 指標
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithJournal 每次變更寫入 j
func WithJournal(j *journal.Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithPersister 設定 session 儲存
func WithPersister(p Persister) Option {
	return func(e *Engine) { e.persister = p }
}

// WithFitter 替換擬合 backend（預設 gonum）
func WithFitter(f backend.Fitter) Option {
	return func(e *Engine) { e.fitter = f }
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Engine
//
// 參數：
//   - sched: 所有動作執行的排程器
//   - cfg: 配置，零值欄位使用預設
//   - opts: 選項
func New(sched scheduler.Scheduler, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.RefitDelay <= 0 {
		cfg.RefitDelay = def.RefitDelay
	}
	if cfg.RenderDelay <= 0 {
		cfg.RenderDelay = def.RenderDelay
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = def.DefaultModel
	}
	if cfg.DefaultOptions == "" {
		cfg.DefaultOptions = def.DefaultOptions
	}
	if cfg.Detector.Sigma <= 0 {
		cfg.Detector = def.Detector
	}

	e := &Engine{
		sched:    sched,
		cfg:      cfg,
		peaks:    peaks.NewList(),
		surface:  nopSurface{},
		reporter: reporter.Discard,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.fitter == nil {
		e.fitter = backend.NewGonum()
	}

	var debounceOpts []scheduler.DebounceOption
	if e.metrics != nil {
		debounceOpts = append(debounceOpts, scheduler.OnCoalesce(e.metrics.RecordCoalesced))
		if d, ok := e.reporter.(*reporter.Dispatcher); ok {
			d.SubscribeAll(func(ev reporter.Event) { e.metrics.RecordReport(ev.Level.String()) })
		}
	}
	e.refits = scheduler.NewDebouncer[types.FitID](sched, "refit", debounceOpts...)
	e.renders = scheduler.NewDebouncer[types.FitID](sched, "render", debounceOpts...)

	e.reg = registry.New(
		registry.WithListener(e.onRegistryEvent),
		registry.WithDefaultOptions(cfg.DefaultOptions),
		registry.WithClock(sched.Now),
	)

	execOpts := []executor.Option{
		executor.WithTimeout(cfg.FitTimeout),
		executor.WithReporter(e.reporter),
	}
	if e.metrics != nil {
		execOpts = append(execOpts, executor.WithObserver(e.metrics.RecordExecution))
	}
	e.exec = executor.New(e.fitter, e.reg, execOpts...)
	e.renderer = render.New(cfg.Width, cfg.Height)
	if err := cfg.Preview.Validate(); err != nil {
		log.Warn("Ignoring preview options", "error", err)
	} else {
		e.viewOpts = cfg.Preview
	}

	hooks := batch.Hooks{}
	if e.metrics != nil {
		hooks.Started = func(int) { e.metrics.RecordBatchRun() }
		hooks.Step = func(int, types.FitID, error) { e.metrics.RecordBatchStep() }
		hooks.Cancelled = e.metrics.RecordBatchCancelled
	}
	e.batch = batch.New(sched, journaledRegistry{e}, e.batchFit, cfg.Batch,
		batch.WithListener(e.forward),
		batch.WithReporter(e.reporter),
		batch.WithHooks(hooks),
	)
	return e
}

// Do 在排程執行緒上執行 fn（給其他 goroutine 使用）
func (e *Engine) Do(ctx context.Context, fn func()) error {
	return e.sched.Call(ctx, fn)
}

// Config 目前配置
func (e *Engine) Config() Config { return e.cfg }

// Histogram 目前的直方圖（可能為 nil）
func (e *Engine) Histogram() *histogram.Histogram { return e.hist }

// Fits 依建立順序列出紀錄
func (e *Engine) Fits() []types.FitRecord { return e.reg.All() }

// Fit 取得單筆紀錄
func (e *Engine) Fit(id types.FitID) (types.FitRecord, bool) { return e.reg.Get(id) }

// Active 目前選取的紀錄
func (e *Engine) Active() (types.FitID, bool) { return e.reg.Active() }

// Peaks 目前的峰值列表（依能量排序）
func (e *Engine) Peaks() []types.PeakCandidate { return e.peaks.All() }

// BatchRunning 批次是否仍有未完成的步驟
func (e *Engine) BatchRunning() bool { return e.batch.Running() }

// PendingRefit 紀錄是否有等待中的重新擬合
func (e *Engine) PendingRefit(id types.FitID) bool { return e.refits.Pending(id) }

// Close 停止所有延遲動作，存檔並關閉 journal
//
// 流程：
//  1. 取消批次、debounce 與自動存檔（不再有回呼修改狀態）
//  2. 最後一次存檔（有 persister 時）
//  3. 關閉 journal
func (e *Engine) Close() error {
	if e.closed {
		log.Info("Session engine already closed")
		return nil
	}
	log.Info("Closing session engine...")

	e.cancelPending()
	e.stopAutosave()

	var errs []error
	if e.persister != nil {
		if err := e.SaveSession(); err != nil {
			log.Error("Failed to save final session", "error", err)
			errs = append(errs, err)
		}
	}
	e.closed = true
	if e.journal != nil {
		if err := e.journal.Close(); err != nil {
			log.Error("Failed to close journal", "error", err)
			errs = append(errs, fmt.Errorf("failed to close journal: %w", err))
		}
	}
	if e.hist != nil {
		e.exec.Forget(e.hist)
	}

	log.Info("Session engine closed")
	return errors.Join(errs...)
}

// ============================================================================
// 內部輔助
// ============================================================================

// onRegistryEvent 轉交登錄表事件，並在紀錄消失時取消它的延遲動作
func (e *Engine) onRegistryEvent(ev types.Event) {
	switch ev.Kind {
	case types.EventClosed:
		e.refits.Cancel(ev.FitID)
		e.renders.Cancel(ev.FitID)
	case types.EventSelected:
		if !e.replaying {
			e.RequestRender(ev.FitID)
		}
	}
	e.forward(ev)
}

func (e *Engine) forward(ev types.Event) {
	e.surface.OnEvent(ev)
}

// cancelPending 取消批次與所有 debounce 計時器
func (e *Engine) cancelPending() {
	e.batch.Cancel()
	e.refits.CancelAll()
	e.renders.CancelAll()
}

func (e *Engine) updateStats() {
	if e.metrics != nil {
		e.metrics.UpdateFitStats(e.reg.Stats())
	}
}

// conflict 延遲回呼的目標已不存在（或已被 clear）
func (e *Engine) conflict(id types.FitID, op string) {
	err := types.NewFitError(types.ErrSchedulingConflict, id, op, nil)
	e.reporter.Report(reporter.LevelDebug, "deferred action target no longer exists", contextFor(id), err)
	if e.metrics != nil {
		e.metrics.RecordExecution(executor.OutcomeConflict, 0)
	}
}

func contextFor(id types.FitID) string {
	return fmt.Sprintf("fit:%d", id)
}
