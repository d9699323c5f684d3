// ============================================================================
// spectrum-fit 擬合登錄表 - 紀錄身分與狀態機
// ============================================================================
//
// Package: internal/registry
// 文件: registry.go
// 功能: 管理擬合紀錄的 ID 分配、集合、目前選取的紀錄與狀態轉換
//
// 設計理念:
//   1. records map - 所有紀錄的單一真實來源
//   2. order slice - 保留建立順序（列舉時使用）
//   3. nextID      - 單調遞增的 ID 計數器，只有 Clear() 會歸零
//   4. generation  - 每次 Clear() +1，延遲回呼用 (id, generation) 判斷紀錄是否還是同一個
//
// 狀態轉換 (State Machine):
//   Unfit / Fitted / Failed
//      ↓ MarkFitting()
//   Fitting
//      ↓ MarkFitted() 或 MarkFailed()
//   Fitted / Failed
//
// 狀態轉換規則:
//   - MarkFitted: epoch+1，寫入新結果
//   - MarkFailed: 保留上一次的結果與 epoch
//   - 參數、區間、模型、選項的修改不改變狀態與結果
//
// 事件:
//   建構時傳入的 listener 會收到 opened / selected / closed
//   事件在釋放鎖之後才送出，listener 可以回頭呼叫 Registry
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有資料結構
//   - 對外回傳的紀錄都是深拷貝
//
// ============================================================================

package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/spectrum-fit/internal/backend"
	"github.com/ChuLiYu/spectrum-fit/internal/fitmodel"
	"github.com/ChuLiYu/spectrum-fit/internal/histogram"
	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 紀錄不存在
	ErrFitNotFound = errors.New("fit not found")
	// 紀錄不在擬合中狀態
	ErrNotFitting = errors.New("fit is not in fitting state")
	// 紀錄已在擬合中
	ErrAlreadyFitting = errors.New("fit is already fitting")
	// 快照中的 ID 重複
	ErrDuplicateFit = errors.New("duplicate fit id")
)

// SchemaVersion 目前的 session 資料版本
const SchemaVersion = 1

// Listener 接收登錄表事件
type Listener func(types.Event)

// Registry 擬合登錄表
type Registry struct {
	mu         sync.RWMutex
	records    map[types.FitID]*types.FitRecord
	order      []types.FitID
	nextID     types.FitID
	active     types.FitID // 0 表示沒有選取
	generation uint64

	source         histogram.Data // 用於估計初始參數，可為 nil
	defaultOptions string
	listeners      []Listener
	now            func() time.Time
}

// Option 設定 Registry
type Option func(*Registry)

// WithListener 註冊事件 listener
func WithListener(l Listener) Option {
	return func(r *Registry) { r.listeners = append(r.listeners, l) }
}

// WithSource 設定估計初始參數用的直方圖
func WithSource(src histogram.Data) Option {
	return func(r *Registry) { r.source = src }
}

// WithDefaultOptions 設定新紀錄的執行選項（預設 "Q"）
func WithDefaultOptions(opts string) Option {
	return func(r *Registry) { r.defaultOptions = opts }
}

// WithClock 覆寫時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// ============================================================================
// 核心方法
// ============================================================================

// New 建立新的登錄表
//
// 使用範例：
//
//	reg := registry.New(registry.WithSource(h), registry.WithListener(onEvent))
//	id, err := reg.Create(types.Region{Center: 662, HalfWidth: 15}, types.ModelGaussian, nil)
func New(opts ...Option) *Registry {
	r := &Registry{
		records:        make(map[types.FitID]*types.FitRecord),
		order:          make([]types.FitID, 0),
		defaultOptions: backend.DefaultOptions,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddListener 在建構後追加 listener
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// SetSource 替換估計初始參數用的直方圖
func (r *Registry) SetSource(src histogram.Data) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.source = src
}

// Create 建立新紀錄並設為目前選取
//
// 參數說明：
//   - region: 擬合區間，半寬必須為正
//   - kind: 模型種類
//   - origin: 來源峰值（可為 nil）
//
// 返回值：
//   - types.FitID: 新紀錄的 ID（比之前分配過的任何 ID 都大，除非中間呼叫過 Clear）
//   - error: ErrInvalidFitInput 或 fitmodel.ErrUnknownModel
//
// 初始參數由模型的預設估計產生，全部不固定，狀態為 Unfit。
func (r *Registry) Create(region types.Region, kind types.ModelKind, origin *types.PeakCandidate) (types.FitID, error) {
	if err := region.Validate(); err != nil {
		return 0, err
	}
	model, err := fitmodel.Lookup(kind)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	seeds := model.DefaultSeeds(r.source, region)
	r.nextID++
	id := r.nextID
	now := r.now().UnixMilli()
	rec := &types.FitRecord{
		ID:                id,
		Model:             kind,
		Region:            region,
		InitialParameters: seeds,
		FixedFlags:        make([]bool, model.Arity()),
		ExecutionOptions:  r.defaultOptions,
		Status:            types.StatusUnfit,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if origin != nil {
		o := *origin
		rec.PeakOrigin = &o
		rec.PeakOrigin.Height = nil
		if origin.Height != nil {
			rec.PeakOrigin.Height = types.Float(*origin.Height)
		}
	}
	r.records[id] = rec
	r.order = append(r.order, id)
	r.active = id
	r.mu.Unlock()

	r.emit(types.Event{Kind: types.EventOpened, FitID: id})
	r.emit(types.Event{Kind: types.EventSelected, FitID: id})
	return id, nil
}

// Get 取得紀錄的深拷貝
func (r *Registry) Get(id types.FitID) (types.FitRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return types.FitRecord{}, false
	}
	return rec.Clone(), true
}

// Exists 紀錄是否存在
func (r *Registry) Exists(id types.FitID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[id]
	return ok
}

// All 依建立順序列出所有紀錄
func (r *Registry) All() []types.FitRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.FitRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.records[id].Clone())
	}
	return out
}

// IDs 依建立順序列出所有 ID
func (r *Registry) IDs() []types.FitID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]types.FitID(nil), r.order...)
}

// Len 紀錄數量
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Active 目前選取的紀錄 ID
func (r *Registry) Active() (types.FitID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active, r.active != 0
}

// Generation 目前的 clear 世代
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// Select 設定目前選取的紀錄
//
// 錯誤處理：
//   - ErrFitNotFound: ID 不存在，選取不變
func (r *Registry) Select(id types.FitID) error {
	r.mu.Lock()
	if _, ok := r.records[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrFitNotFound, id)
	}
	changed := r.active != id
	r.active = id
	r.mu.Unlock()

	if changed {
		r.emit(types.Event{Kind: types.EventSelected, FitID: id})
	}
	return nil
}

// Remove 移除紀錄
//
// 如果移除的是目前選取的紀錄，改選最後一筆剩餘紀錄（沒有則清空選取）。
// ID 不會被重複使用。
func (r *Registry) Remove(id types.FitID) error {
	r.mu.Lock()
	if _, ok := r.records[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrFitNotFound, id)
	}
	delete(r.records, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	reselected := types.FitID(0)
	if r.active == id {
		r.active = 0
		if n := len(r.order); n > 0 {
			r.active = r.order[n-1]
			reselected = r.active
		}
	}
	r.mu.Unlock()

	r.emit(types.Event{Kind: types.EventClosed, FitID: id})
	if reselected != 0 {
		r.emit(types.Event{Kind: types.EventSelected, FitID: reselected})
	}
	return nil
}

// Clear 移除所有紀錄並把 ID 計數器歸零
//
// 歸零後新的 ID 可能與清除前的相同，持有舊 ID 的延遲回呼應同時比對 Generation()。
func (r *Registry) Clear() {
	r.mu.Lock()
	closed := append([]types.FitID(nil), r.order...)
	r.records = make(map[types.FitID]*types.FitRecord)
	r.order = r.order[:0]
	r.nextID = 0
	r.active = 0
	r.generation++
	r.mu.Unlock()

	for _, id := range closed {
		r.emit(types.Event{Kind: types.EventClosed, FitID: id})
	}
}

// Stats 依狀態統計紀錄數量
func (r *Registry) Stats() map[types.FitStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := map[types.FitStatus]int{
		types.StatusUnfit:   0,
		types.StatusFitting: 0,
		types.StatusFitted:  0,
		types.StatusFailed:  0,
	}
	for _, rec := range r.records {
		stats[rec.Status]++
	}
	return stats
}

func (r *Registry) emit(ev types.Event) {
	r.mu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}
