package types

import (
	"errors"
	"fmt"
)

// ============================================================================
// 錯誤分類
// ============================================================================

var (
	// ErrInvalidFitInput 擬合前的本地驗證失敗（半寬、參數數量、非有限值）
	ErrInvalidFitInput = errors.New("invalid fit input")
	// ErrBackendFitFailure backend 回報失敗（不收斂、奇異矩陣、超出範圍）
	ErrBackendFitFailure = errors.New("backend fit failure")
	// ErrCloneFailure 無法建立直方圖工作副本
	ErrCloneFailure = errors.New("histogram clone failure")
	// ErrRenderFailure 預覽圖繪製失敗
	ErrRenderFailure = errors.New("render failure")
	// ErrSchedulingConflict 延遲回呼觸發時目標紀錄已不存在
	ErrSchedulingConflict = errors.New("scheduling conflict")
)

// FitError 帶有紀錄 ID 與操作名稱的錯誤
//
// errors.Is(err, ErrBackendFitFailure) 會比對 Kind。
type FitError struct {
	Kind  error  // 上面的分類之一
	FitID FitID  // 相關紀錄，0 表示無
	Op    string // 操作名稱，例如 "execute"
	Err   error  // 底層錯誤
}

// NewFitError 建立 FitError
func NewFitError(kind error, id FitID, op string, err error) *FitError {
	return &FitError{Kind: kind, FitID: id, Op: op, Err: err}
}

func (e *FitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s fit %d: %v", e.Op, e.FitID, e.Kind)
	}
	return fmt.Sprintf("%s fit %d: %v: %v", e.Op, e.FitID, e.Kind, e.Err)
}

func (e *FitError) Unwrap() error { return e.Err }

// Is 讓 errors.Is 可以比對錯誤分類
func (e *FitError) Is(target error) bool { return target == e.Kind }
