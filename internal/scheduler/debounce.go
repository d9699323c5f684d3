package scheduler

// ============================================================================
// Debouncer - 合併連續觸發
// 職責：同一個 key 在安靜期內的多次 Schedule 只執行最後一次
// ============================================================================

import (
	"sync"
	"time"
)

// Debouncer 依 key 合併延遲動作
//
// 不同 key 的計時器互不影響。回呼在 Scheduler 的執行緒上執行。
type Debouncer[K comparable] struct {
	sched Scheduler
	name  string

	mu        sync.Mutex
	pending   map[K]*debounceEntry
	nextToken uint64

	onCoalesce func(name string)
}

type debounceEntry struct {
	token uint64
	timer Timer
}

// DebounceOption 設定 Debouncer
type DebounceOption func(*debounceHooks)

type debounceHooks struct {
	onCoalesce func(name string)
}

// OnCoalesce 在既有計時器被新的 Schedule 取代時呼叫（metrics 使用）
func OnCoalesce(fn func(name string)) DebounceOption {
	return func(h *debounceHooks) { h.onCoalesce = fn }
}

// NewDebouncer 建立 Debouncer，name 用於日誌與 metrics 標籤（例如 "refit"）
func NewDebouncer[K comparable](sched Scheduler, name string, opts ...DebounceOption) *Debouncer[K] {
	var hooks debounceHooks
	for _, opt := range opts {
		opt(&hooks)
	}
	return &Debouncer[K]{
		sched:      sched,
		name:       name,
		pending:    make(map[K]*debounceEntry),
		onCoalesce: hooks.onCoalesce,
	}
}

// Schedule 取消 key 上尚未觸發的計時器並重新計時
//
// 計時器到期且未被取代時，fn 恰好執行一次。
func (d *Debouncer[K]) Schedule(key K, delay time.Duration, fn func()) {
	d.mu.Lock()
	coalesced := false
	if old, ok := d.pending[key]; ok {
		if old.timer != nil {
			old.timer.Stop()
		}
		coalesced = true
	}
	d.nextToken++
	token := d.nextToken
	entry := &debounceEntry{token: token}
	d.pending[key] = entry
	d.mu.Unlock()

	// 在鎖外建立計時器，虛擬時鐘可能同步回呼
	timer := d.sched.AfterFunc(delay, func() { d.fire(key, token, fn) })

	d.mu.Lock()
	if cur, ok := d.pending[key]; ok && cur.token == token {
		cur.timer = timer
	}
	d.mu.Unlock()

	if coalesced {
		log.Debug("debounce coalesced", "debouncer", d.name, "key", key)
		if d.onCoalesce != nil {
			d.onCoalesce(d.name)
		}
	}
}

func (d *Debouncer[K]) fire(key K, token uint64, fn func()) {
	d.mu.Lock()
	cur, ok := d.pending[key]
	if !ok || cur.token != token {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()
	fn()
}

// Cancel 取消 key 上尚未觸發的計時器，沒有時不做任何事
func (d *Debouncer[K]) Cancel(key K) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.pending[key]
	if !ok {
		return false
	}
	delete(d.pending, key)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	return true
}

// CancelAll 取消所有計時器
func (d *Debouncer[K]) CancelAll() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.pending)
	for key, entry := range d.pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(d.pending, key)
	}
	return n
}

// Pending key 是否有尚未觸發的計時器
func (d *Debouncer[K]) Pending(key K) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

// Name 防抖類別名稱
func (d *Debouncer[K]) Name() string { return d.name }
