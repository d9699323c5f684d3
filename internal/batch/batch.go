// ============================================================================
// spectrum-fit 批次擬合協調器 - 自動擬合所有峰值
// ============================================================================
//
// Package: internal/batch
// 文件: batch.go
// 功能: 對峰值列表依能量由小到大，逐一建立紀錄並立即擬合
//
// 流程:
//   Run(peaks):
//     1. 取消上一輪尚未觸發的步驟
//     2. registry.Clear()（每輪恰好一次）
//     3. 依能量排序，第 i 步排在 i × stepDelay 之後
//     4. 每一步：Create → fit → 送出 batch-step 事件
//     5. 最後一步完成後送出 fit-list 事件
//
// 為什麼要間隔而不是並行:
//   擬合後端有全域可變狀態，不能並行或緊接著連續呼叫。
//   所有步驟都在同一個排程執行緒上，由 Sequencer 控制間隔。
//
// 取消:
//   Cancel() 取消尚未觸發的步驟；已建立的紀錄保留。
//   Sequencer 的世代檢查保證被取消的步驟不會修改已經 Clear 過的登錄表。
//
// ============================================================================

package batch

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/spectrum-fit/internal/reporter"
	"github.com/ChuLiYu/spectrum-fit/internal/scheduler"
	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 設定
// ============================================================================

// 預設值
const (
	DefaultStepDelay = 200 * time.Millisecond
	DefaultHalfWidth = 10.0
)

// Config 批次設定
type Config struct {
	StepDelay time.Duration // 相鄰兩步的間隔
	HalfWidth float64       // 固定半寬
	// HalfWidthFraction > 0 時半寬為 max(HalfWidth, Energy × HalfWidthFraction)
	HalfWidthFraction float64
	Model             types.ModelKind
}

// DefaultConfig 回傳預設設定
func DefaultConfig() Config {
	return Config{
		StepDelay: DefaultStepDelay,
		HalfWidth: DefaultHalfWidth,
		Model:     types.ModelGaussian,
	}
}

// HalfWidthFor 峰值對應的擬合半寬
func (c Config) HalfWidthFor(p types.PeakCandidate) float64 {
	if c.HalfWidthFraction > 0 {
		return math.Max(c.HalfWidth, math.Abs(p.Energy)*c.HalfWidthFraction)
	}
	return c.HalfWidth
}

// ============================================================================
// 介面定義
// ============================================================================

// Registry 協調器需要的登錄表操作
type Registry interface {
	Clear()
	Create(region types.Region, kind types.ModelKind, origin *types.PeakCandidate) (types.FitID, error)
}

// FitFunc 立即擬合一筆紀錄
type FitFunc func(id types.FitID) error

// Hooks 觀察批次進度（metrics 使用），欄位可為 nil
type Hooks struct {
	Started   func(steps int)
	Step      func(index int, id types.FitID, err error)
	Cancelled func(remaining int)
}

// ============================================================================
// Coordinator
// ============================================================================

// Coordinator 批次擬合協調器
type Coordinator struct {
	cfg      Config
	reg      Registry
	fit      FitFunc
	seq      *scheduler.Sequencer
	reporter reporter.Reporter
	listener func(types.Event)
	hooks    Hooks

	mu        sync.Mutex
	running   bool
	remaining int
	created   []types.FitID
}

// Option 設定 Coordinator
type Option func(*Coordinator)

// WithListener 接收 batch-step 與 fit-list 事件
func WithListener(l func(types.Event)) Option {
	return func(c *Coordinator) { c.listener = l }
}

// WithReporter 設定錯誤回報器
func WithReporter(r reporter.Reporter) Option {
	return func(c *Coordinator) { c.reporter = r }
}

// WithHooks 設定進度觀察
func WithHooks(h Hooks) Option {
	return func(c *Coordinator) { c.hooks = h }
}

// New 建立協調器
//
// 參數：
//   - sched: 排程器，步驟在其執行緒上執行
//   - reg: 登錄表
//   - fit: 立即擬合函數
func New(sched scheduler.Scheduler, reg Registry, fit FitFunc, cfg Config, opts ...Option) *Coordinator {
	if cfg.StepDelay < 0 {
		cfg.StepDelay = 0
	}
	if !(cfg.HalfWidth > 0) {
		cfg.HalfWidth = DefaultHalfWidth
	}
	if cfg.Model == "" {
		cfg.Model = types.ModelGaussian
	}
	c := &Coordinator{
		cfg:      cfg,
		reg:      reg,
		fit:      fit,
		seq:      scheduler.NewSequencer(sched),
		reporter: reporter.Discard,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config 目前設定
func (c *Coordinator) Config() Config { return c.cfg }

// Run 開始新的一輪批次
//
// 必須在排程執行緒上呼叫。回傳排定的步驟數。
func (c *Coordinator) Run(peaks []types.PeakCandidate) int {
	c.Cancel()
	c.reg.Clear()

	ordered := append([]types.PeakCandidate(nil), peaks...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Energy < ordered[j].Energy })

	c.mu.Lock()
	c.running = len(ordered) > 0
	c.remaining = len(ordered)
	c.created = nil
	c.mu.Unlock()

	log.Info("Batch fit started", "peaks", len(ordered), "step_delay", c.cfg.StepDelay)
	if c.hooks.Started != nil {
		c.hooks.Started(len(ordered))
	}

	if len(ordered) == 0 {
		c.emit(types.Event{Kind: types.EventFitList})
		return 0
	}

	for i, p := range ordered {
		i, p := i, p
		c.seq.Schedule(time.Duration(i)*c.cfg.StepDelay, func() { c.step(i, p) })
	}
	return len(ordered)
}

// step 建立並擬合一筆紀錄
func (c *Coordinator) step(index int, p types.PeakCandidate) {
	region := types.Region{Center: p.Energy, HalfWidth: c.cfg.HalfWidthFor(p)}
	origin := p

	id, err := c.reg.Create(region, c.cfg.Model, &origin)
	if err != nil {
		c.reporter.Report(reporter.LevelError, "batch step could not create fit",
			fmt.Sprintf("batch:%d", index), err)
	} else {
		c.mu.Lock()
		c.created = append(c.created, id)
		c.mu.Unlock()
		if ferr := c.fit(id); ferr != nil {
			err = ferr
			log.Debug("Batch step fit failed", "index", index, "fit_id", id, "error", ferr)
		}
	}

	if c.hooks.Step != nil {
		c.hooks.Step(index, id, err)
	}
	c.emit(types.Event{Kind: types.EventBatchStep, FitID: id, Err: err})

	c.mu.Lock()
	c.remaining--
	last := c.remaining == 0
	if last {
		c.running = false
	}
	c.mu.Unlock()

	if last {
		log.Info("Batch fit finished", "fits", len(c.Created()))
		c.emit(types.Event{Kind: types.EventFitList})
	}
}

// Cancel 取消尚未觸發的步驟，回傳取消的數量
//
// 已建立的紀錄不受影響。
func (c *Coordinator) Cancel() int {
	n := c.seq.CancelAll()

	c.mu.Lock()
	wasRunning := c.running
	c.running = false
	c.remaining = 0
	c.mu.Unlock()

	if wasRunning {
		log.Info("Batch fit cancelled", "remaining", n)
		if c.hooks.Cancelled != nil {
			c.hooks.Cancelled(n)
		}
	}
	return n
}

// Running 是否還有尚未完成的步驟
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Created 本輪已建立的紀錄 ID（依建立順序）
func (c *Coordinator) Created() []types.FitID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.FitID(nil), c.created...)
}

func (c *Coordinator) emit(ev types.Event) {
	if c.listener != nil {
		c.listener(ev)
	}
}
