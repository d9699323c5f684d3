package registry

// ============================================================================
// 快照與恢復
// 職責：序列化登錄表狀態；從快照或 journal 重建
// ============================================================================

import (
	"fmt"

	"github.com/ChuLiYu/spectrum-fit/internal/fitmodel"
	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

// Snapshot 序列化目前所有紀錄（依建立順序）
func (r *Registry) Snapshot() types.SessionData {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data := types.SessionData{
		Fits:      make([]types.FitState, 0, len(r.order)),
		NextID:    r.nextID,
		SchemaVer: SchemaVersion,
	}
	for _, id := range r.order {
		data.Fits = append(data.Fits, r.records[id].State())
	}
	if r.active != 0 {
		active := r.active
		data.ActiveID = &active
	}
	return data
}

// Restore 以快照取代目前內容
//
// 行為：
//   - 紀錄依快照順序重建；有結果的紀錄為 Fitted，其他為 Unfit
//   - ID 計數器取 max(NextID, 最大 ID)，恢復後不會重複使用 ID
//   - 先驗證全部紀錄，失敗時登錄表保持不變
func (r *Registry) Restore(data types.SessionData) error {
	records := make(map[types.FitID]*types.FitRecord, len(data.Fits))
	order := make([]types.FitID, 0, len(data.Fits))
	maxID := data.NextID
	now := r.now().UnixMilli()

	for _, st := range data.Fits {
		if err := validateState(st); err != nil {
			return err
		}
		if _, dup := records[st.ID]; dup {
			return fmt.Errorf("%w: %d", ErrDuplicateFit, st.ID)
		}
		rec := st.Record()
		rec.CreatedAt, rec.UpdatedAt = now, now
		records[st.ID] = &rec
		order = append(order, st.ID)
		if st.ID > maxID {
			maxID = st.ID
		}
	}

	r.mu.Lock()
	closed := append([]types.FitID(nil), r.order...)
	r.records = records
	r.order = order
	r.nextID = maxID
	r.active = 0
	if data.ActiveID != nil {
		if _, ok := records[*data.ActiveID]; ok {
			r.active = *data.ActiveID
		}
	}
	r.generation++
	active := r.active
	r.mu.Unlock()

	for _, id := range closed {
		r.emit(types.Event{Kind: types.EventClosed, FitID: id})
	}
	for _, id := range order {
		r.emit(types.Event{Kind: types.EventOpened, FitID: id})
	}
	if active != 0 {
		r.emit(types.Event{Kind: types.EventSelected, FitID: active})
	}
	return nil
}

// Upsert 以持久化格式新增或覆寫一筆紀錄（journal 重放使用，不送出事件）
func (r *Registry) Upsert(st types.FitState) error {
	if err := validateState(st); err != nil {
		return err
	}
	rec := st.Record()

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UnixMilli()
	if old, ok := r.records[st.ID]; ok {
		rec.CreatedAt = old.CreatedAt
	} else {
		rec.CreatedAt = now
		r.order = append(r.order, st.ID)
	}
	rec.UpdatedAt = now
	r.records[st.ID] = &rec
	if st.ID > r.nextID {
		r.nextID = st.ID
	}
	return nil
}

// ForceSelect 重放時設定選取（不送出事件；0 表示清空）
func (r *Registry) ForceSelect(id types.FitID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; ok || id == 0 {
		r.active = id
	}
}

func validateState(st types.FitState) error {
	if st.ID <= 0 {
		return fmt.Errorf("%w: fit id %d", types.ErrInvalidFitInput, st.ID)
	}
	model, err := fitmodel.Lookup(st.Model)
	if err != nil {
		return fmt.Errorf("fit %d: %w", st.ID, err)
	}
	if err := st.Region.Validate(); err != nil {
		return fmt.Errorf("fit %d: %w", st.ID, err)
	}
	if len(st.InitialParameters) != model.Arity() || len(st.FixedFlags) != model.Arity() {
		return fmt.Errorf("%w: fit %d has %d parameters and %d flags for %s",
			types.ErrInvalidFitInput, st.ID, len(st.InitialParameters), len(st.FixedFlags), st.Model)
	}
	return nil
}
