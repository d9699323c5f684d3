package registry

// ============================================================================
// 紀錄修改與狀態轉換
// 職責：UI 的參數/區間/模型修改，以及 executor 寫回的狀態轉換
// ============================================================================

import (
	"fmt"
	"math"

	"github.com/ChuLiYu/spectrum-fit/internal/fitmodel"
	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

// update 在鎖內取得紀錄並套用 fn
func (r *Registry) update(id types.FitID, fn func(rec *types.FitRecord) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrFitNotFound, id)
	}
	if err := fn(rec); err != nil {
		return err
	}
	rec.UpdatedAt = r.now().UnixMilli()
	return nil
}

// SetParameters 設定初始參數與固定旗標
//
// fixed 為 nil 時保留原本的旗標。長度必須等於模型參數數量。
func (r *Registry) SetParameters(id types.FitID, params []float64, fixed []bool) error {
	return r.update(id, func(rec *types.FitRecord) error {
		n := fitmodel.Arity(rec.Model)
		if len(params) != n {
			return fmt.Errorf("%w: %s needs %d parameters, got %d", types.ErrInvalidFitInput, rec.Model, n, len(params))
		}
		if fixed != nil && len(fixed) != n {
			return fmt.Errorf("%w: %s needs %d fixed flags, got %d", types.ErrInvalidFitInput, rec.Model, n, len(fixed))
		}
		for i, v := range params {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: parameter %d is %v", types.ErrInvalidFitInput, i, v)
			}
		}
		rec.InitialParameters = append([]float64(nil), params...)
		if fixed != nil {
			rec.FixedFlags = append([]bool(nil), fixed...)
		}
		return nil
	})
}

// SetRegion 修改擬合區間
func (r *Registry) SetRegion(id types.FitID, region types.Region) error {
	if err := region.Validate(); err != nil {
		return err
	}
	return r.update(id, func(rec *types.FitRecord) error {
		rec.Region = region
		return nil
	})
}

// SetModel 更換模型，初始參數重設為新模型的預設估計
func (r *Registry) SetModel(id types.FitID, kind types.ModelKind) error {
	model, err := fitmodel.Lookup(kind)
	if err != nil {
		return err
	}
	return r.update(id, func(rec *types.FitRecord) error {
		if rec.Model == kind {
			return nil
		}
		rec.Model = kind
		rec.InitialParameters = model.DefaultSeeds(r.source, rec.Region)
		rec.FixedFlags = make([]bool, model.Arity())
		return nil
	})
}

// SetOptions 修改執行選項字串
func (r *Registry) SetOptions(id types.FitID, opts string) error {
	return r.update(id, func(rec *types.FitRecord) error {
		rec.ExecutionOptions = opts
		return nil
	})
}

// ResetParameters 把初始參數重設為預設估計
func (r *Registry) ResetParameters(id types.FitID) error {
	return r.update(id, func(rec *types.FitRecord) error {
		model, err := fitmodel.Lookup(rec.Model)
		if err != nil {
			return err
		}
		rec.InitialParameters = model.DefaultSeeds(r.source, rec.Region)
		rec.FixedFlags = make([]bool, model.Arity())
		return nil
	})
}

// ============================================================================
// 狀態轉換（由 executor 呼叫）
// ============================================================================

// MarkFitting 標記為擬合中
//
// 錯誤處理：
//   - ErrFitNotFound: 紀錄不存在
//   - ErrAlreadyFitting: 已在擬合中
func (r *Registry) MarkFitting(id types.FitID) error {
	return r.update(id, func(rec *types.FitRecord) error {
		if rec.Status == types.StatusFitting {
			return fmt.Errorf("%w: %d", ErrAlreadyFitting, id)
		}
		rec.Status = types.StatusFitting
		return nil
	})
}

// MarkFitted 寫入新結果，epoch+1
func (r *Registry) MarkFitted(id types.FitID, result types.CachedFitResult) error {
	return r.update(id, func(rec *types.FitRecord) error {
		if rec.Status != types.StatusFitting {
			return fmt.Errorf("%w: %d is %s", ErrNotFitting, id, rec.Status)
		}
		rec.Status = types.StatusFitted
		rec.CachedResult = result.Clone()
		rec.Epoch++
		rec.LastError = ""
		return nil
	})
}

// MarkFailed 標記為失敗，保留上一次的結果與 epoch
func (r *Registry) MarkFailed(id types.FitID, cause error) error {
	return r.update(id, func(rec *types.FitRecord) error {
		if rec.Status != types.StatusFitting {
			return fmt.Errorf("%w: %d is %s", ErrNotFitting, id, rec.Status)
		}
		rec.Status = types.StatusFailed
		if cause != nil {
			rec.LastError = cause.Error()
		}
		return nil
	})
}

// RejectInput 本地驗證失敗時直接標記為失敗（不經過 Fitting）
func (r *Registry) RejectInput(id types.FitID, cause error) error {
	return r.update(id, func(rec *types.FitRecord) error {
		rec.Status = types.StatusFailed
		if cause != nil {
			rec.LastError = cause.Error()
		}
		return nil
	})
}
