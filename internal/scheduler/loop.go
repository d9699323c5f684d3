// ============================================================================
// spectrum-fit Event Loop - 單執行緒協作式排程
// ============================================================================
//
// Package: internal/scheduler
// 文件: loop.go
// 功能: 所有擬合、繪圖、防抖與批次步驟都在同一個 goroutine 上執行
//
// 設計模式:
//   擬合後端不支援並行呼叫，因此不使用 Worker Pool，而是單一 goroutine：
//   1. Post(fn)       - 把工作放進 taskCh，由 loop goroutine 依序執行
//   2. Call(ctx, fn)  - Post 後等待 fn 執行完成（外部 goroutine 使用）
//   3. AfterFunc(d)   - 放進依截止時間排序的 timer heap，由 loop goroutine 取出執行
//
// 架構組件:
//   ┌─────────────┐
//   │ gRPC / CLI  │ --Call()--> taskCh ─┐
//   └─────────────┘                     │
//   ┌─────────────┐                     ▼
//   │ timer heap  │ --wakeCh--> loop goroutine ─→ fn()
//   └─────────────┘
//
// 計時器順序:
//   所有延遲回呼共用一個 heap 與一個喚醒 timer。到期的回呼依
//   (截止時間, 排程順序) 在 loop goroutine 上逐一執行，
//   即使 loop 忙碌時多個回呼同時到期，也不會亂序。
//
// 生命週期:
//   1. NewLoop()  - 創建 Loop，初始化 channels
//   2. Start()    - 啟動 loop goroutine
//   3. Stop()     - 關閉 stopCh，等待 goroutine 退出；尚未執行的工作會被丟棄
//
// 注意:
//   Call() 不可在 loop goroutine 內呼叫（會自己等自己）
//
// ============================================================================

package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrLoopClosed 表示 Loop 已關閉，無法提交新工作
	ErrLoopClosed = errors.New("event loop is closed")
	// ErrLoopNotStarted 表示 Loop 尚未啟動
	ErrLoopNotStarted = errors.New("event loop not started")
)

// ============================================================================
// 介面定義
// ============================================================================

// Timer 可取消的延遲回呼
type Timer interface {
	// Stop 取消回呼；回傳 true 表示回呼因此不會執行
	Stop() bool
}

// Scheduler 在單一執行緒上執行延遲回呼
//
// 實作：
//   - *Loop: 正式環境，使用 time.Timer
//   - *schedtest.Clock: 測試用虛擬時鐘
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
	// Call 在排程執行緒上執行 fn 並等待完成
	Call(ctx context.Context, fn func()) error
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Loop 事件迴圈
type Loop struct {
	taskCh  chan func()    // 待執行的工作
	wakeCh  chan struct{}  // 最早的計時器到期
	stopCh  chan struct{}  // 停止訊號
	wg      sync.WaitGroup // 等待 loop goroutine 退出
	started bool
	stopped bool
	mu      sync.Mutex // 保護 started 和 stopped

	timersMu sync.Mutex // 保護 timers、timerSeq 和 wake
	timers   timerHeap
	timerSeq uint64
	wake     *time.Timer
}

// NewLoop 建立新的事件迴圈
// 參數：
//   - bufferSize: 工作通道的緩衝大小
func NewLoop(bufferSize int) *Loop {
	return &Loop{
		taskCh: make(chan func(), bufferSize),
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Start 啟動 loop goroutine
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return errors.New("event loop already started")
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run()
	}()
	l.started = true
	return nil
}

func (l *Loop) run() {
	for {
		select {
		case fn := <-l.taskCh:
			l.invoke(fn)
		case <-l.wakeCh:
			l.runDue()
		case <-l.stopCh:
			return
		}
	}
}

// invoke 執行單一工作；panic 會被記錄，loop 繼續運行
func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("event loop task panicked", "panic", r)
		}
	}()
	fn()
}

// Post 提交工作，不等待執行
//
// 返回值：
//   - error: ErrLoopNotStarted 或 ErrLoopClosed
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return ErrLoopNotStarted
	}
	if l.stopped {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	taskCh := l.taskCh
	stopCh := l.stopCh
	l.mu.Unlock()

	select {
	case taskCh <- fn:
		return nil
	case <-stopCh:
		return ErrLoopClosed
	}
}

// Call 提交工作並等待執行完成
//
// ctx 取消時立即返回 ctx.Err()；已提交的 fn 仍可能稍後執行。
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := l.Post(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopCh:
		return ErrLoopClosed
	}
}

// Now 目前時間
func (l *Loop) Now() time.Time { return time.Now() }

// AfterFunc 在 d 之後於 loop goroutine 上執行 fn
//
// 截止時間相同的回呼依呼叫 AfterFunc 的順序執行。
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{loop: l, when: time.Now().Add(d), fn: fn}

	l.timersMu.Lock()
	defer l.timersMu.Unlock()
	l.timerSeq++
	t.seq = l.timerSeq
	heap.Push(&l.timers, t)
	if l.timers[0] == t {
		l.resetWakeLocked()
	}
	return t
}

// runDue 依序執行所有已到期的回呼，然後重設喚醒 timer
func (l *Loop) runDue() {
	now := time.Now()
	for {
		l.timersMu.Lock()
		if len(l.timers) == 0 || l.timers[0].when.After(now) {
			l.resetWakeLocked()
			l.timersMu.Unlock()
			return
		}
		t := heap.Pop(&l.timers).(*loopTimer)
		l.timersMu.Unlock()

		select {
		case <-l.stopCh:
			return
		default:
		}
		l.invoke(t.fn)
	}
}

// resetWakeLocked 讓喚醒 timer 對準 heap 頂端；呼叫者需持有 timersMu
func (l *Loop) resetWakeLocked() {
	if len(l.timers) == 0 {
		if l.wake != nil {
			l.wake.Stop()
		}
		return
	}
	d := time.Until(l.timers[0].when)
	if d < 0 {
		d = 0
	}
	if l.wake == nil {
		l.wake = time.AfterFunc(d, l.signal)
		return
	}
	l.wake.Reset(d)
}

// signal 喚醒 loop goroutine；已有未處理的喚醒時直接返回
func (l *Loop) signal() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

// Stop 停止事件迴圈
// 關閉流程：
//  1. 設定 stopped 標誌
//  2. 關閉 stopCh，loop goroutine 退出
//  3. 等待 goroutine 結束
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.started || l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()

	close(l.stopCh)
	l.wg.Wait()

	l.timersMu.Lock()
	if l.wake != nil {
		l.wake.Stop()
	}
	if n := len(l.timers); n > 0 {
		log.Debug("timers dropped", "count", n)
	}
	for _, t := range l.timers {
		t.index = -1
	}
	l.timers = nil
	l.timersMu.Unlock()
}

// IsStarted 檢查 Loop 是否已啟動
func (l *Loop) IsStarted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started && !l.stopped
}

// loopTimer heap 中的一個延遲回呼
//
// index 為 -1 表示已取出（執行中或已執行）或已取消。
type loopTimer struct {
	loop  *Loop
	when  time.Time
	seq   uint64
	index int
	fn    func()
}

func (t *loopTimer) Stop() bool {
	l := t.loop
	l.timersMu.Lock()
	defer l.timersMu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&l.timers, t.index)
	return true
}

// timerHeap 依 (when, seq) 排序的最小堆積
type timerHeap []*loopTimer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*loopTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
