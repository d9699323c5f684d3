package session

// ============================================================================
// UI 操作
// 職責：UI 呼叫的動作；每次登錄表變更都寫入 journal
// ============================================================================

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/spectrum-fit/internal/histogram"
	"github.com/ChuLiYu/spectrum-fit/internal/registry"
	"github.com/ChuLiYu/spectrum-fit/internal/render"
	"github.com/ChuLiYu/spectrum-fit/internal/reporter"
	"github.com/ChuLiYu/spectrum-fit/internal/storage/journal"
	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

// SetHistogram 換上新的直方圖
//
// 既有紀錄保留（可對新資料重新擬合），峰值列表清空，
// 舊直方圖的工作副本釋放。
func (e *Engine) SetHistogram(h *histogram.Histogram) {
	e.cancelPending()
	if e.hist != nil {
		e.exec.Forget(e.hist)
	}
	e.hist = h
	e.reg.SetSource(h)
	e.peaks.Clear()
	log.Info("Histogram loaded", "name", h.Name(), "bins", h.Len())
}

// CreateFit 建立一筆紀錄（不擬合），kind 為空時使用預設模型
func (e *Engine) CreateFit(region types.Region, kind types.ModelKind) (types.FitID, error) {
	if kind == "" {
		kind = e.cfg.DefaultModel
	}
	return e.createRecord(region, kind, nil)
}

// Select 設定目前選取的紀錄；未知 ID 只回報不變更
func (e *Engine) Select(id types.FitID) error {
	if err := e.reg.Select(id); err != nil {
		e.reporter.Report(reporter.LevelInfo, "cannot select unknown fit", contextFor(id), err)
		return err
	}
	e.journalAppend(journal.RecordSelect, id, nil)
	return nil
}

// RemoveFit 移除紀錄，它等待中的重新擬合與繪製一併取消
func (e *Engine) RemoveFit(id types.FitID) error {
	if !e.reg.Exists(id) {
		return fmt.Errorf("%w: %d", registry.ErrFitNotFound, id)
	}
	e.journalAppend(journal.RecordRemove, id, nil)
	if err := e.reg.Remove(id); err != nil {
		return err
	}
	e.updateStats()
	return nil
}

// ClearFits 取消批次並移除全部紀錄（ID 計數器歸零）
func (e *Engine) ClearFits() {
	e.batch.Cancel()
	e.clearRegistry()
}

// EditParameters 設定初始參數與固定旗標，排定重新擬合
func (e *Engine) EditParameters(id types.FitID, params []float64, fixed []bool) error {
	return e.edit(id, func() error { return e.reg.SetParameters(id, params, fixed) })
}

// EditRegion 設定擬合區間，排定重新擬合
func (e *Engine) EditRegion(id types.FitID, region types.Region) error {
	return e.edit(id, func() error { return e.reg.SetRegion(id, region) })
}

// SetModel 更換模型（參數重設為新模型的預設值），排定重新擬合
func (e *Engine) SetModel(id types.FitID, kind types.ModelKind) error {
	return e.edit(id, func() error { return e.reg.SetModel(id, kind) })
}

// SetOptions 設定 executionOptions，排定重新擬合
func (e *Engine) SetOptions(id types.FitID, opts string) error {
	return e.edit(id, func() error { return e.reg.SetOptions(id, opts) })
}

// Refit 立即擬合，取消該紀錄等待中的重新擬合
func (e *Engine) Refit(id types.FitID) (*types.CachedFitResult, error) {
	e.refits.Cancel(id)
	return e.fitNow(id)
}

// RequestRender 在安靜期後重新繪製預覽圖
func (e *Engine) RequestRender(id types.FitID) {
	gen := e.reg.Generation()
	e.renders.Schedule(id, e.cfg.RenderDelay, func() {
		if gen != e.reg.Generation() || !e.reg.Exists(id) {
			e.conflict(id, "render")
			return
		}
		e.show(id)
	})
}

// SetRenderOptions 更新預覽圖的顯示控制，安靜期後重繪目前選取的紀錄
//
// 連續變更只重繪一次，使用最後一次的設定。
func (e *Engine) SetRenderOptions(opts render.Options) error {
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("invalid render options: %w", err)
	}
	e.viewOpts = opts
	if id, ok := e.reg.Active(); ok {
		e.RequestRender(id)
	}
	return nil
}

// RenderOptions 目前的顯示控制
func (e *Engine) RenderOptions() render.Options { return e.viewOpts }

// AddManualPeak 在 energy 加入手動峰值，高度讀取自直方圖
func (e *Engine) AddManualPeak(energy float64) (types.PeakCandidate, error) {
	if e.hist == nil {
		return types.PeakCandidate{}, ErrNoHistogram
	}
	return e.peaks.AddManual(energy, e.hist), nil
}

// RemovePeak 移除 energy 附近 tolerance 內的峰值
func (e *Engine) RemovePeak(energy, tolerance float64) bool {
	return e.peaks.Remove(energy, tolerance)
}

// DetectPeaks 重新偵測自動峰值（手動峰值保留）並回傳完整列表
func (e *Engine) DetectPeaks() ([]types.PeakCandidate, error) {
	if e.hist == nil {
		return nil, ErrNoHistogram
	}
	found := e.cfg.Detector.Detect(e.hist)
	e.peaks.SetAutomatic(found)
	log.Info("Peaks detected", "automatic", len(found), "total", e.peaks.Len())
	return e.peaks.All(), nil
}

// RunBatch 依 peaks 重建全部紀錄，回傳排定的步驟數
func (e *Engine) RunBatch(peaks []types.PeakCandidate) (int, error) {
	if e.hist == nil {
		return 0, ErrNoHistogram
	}
	return e.batch.Run(peaks), nil
}

// RunBatchDetected 對目前的峰值列表執行批次（列表為空時先偵測）
func (e *Engine) RunBatchDetected() (int, error) {
	if e.hist == nil {
		return 0, ErrNoHistogram
	}
	if e.peaks.Len() == 0 {
		if _, err := e.DetectPeaks(); err != nil {
			return 0, err
		}
	}
	return e.RunBatch(e.peaks.All())
}

// CancelBatch 取消尚未觸發的批次步驟，回傳取消數量
func (e *Engine) CancelBatch() int {
	return e.batch.Cancel()
}

// ============================================================================
// 內部輔助
// ============================================================================

// createRecord 建立紀錄並寫入 journal（UI 與批次共用）
func (e *Engine) createRecord(region types.Region, kind types.ModelKind, origin *types.PeakCandidate) (types.FitID, error) {
	if e.hist == nil {
		return 0, ErrNoHistogram
	}
	id, err := e.reg.Create(region, kind, origin)
	if err != nil {
		e.reporter.Report(reporter.LevelInfo, "fit rejected", "create", err)
		return 0, err
	}
	if rec, ok := e.reg.Get(id); ok {
		st := rec.State()
		e.journalAppend(journal.RecordCreate, id, &st)
	}
	if e.metrics != nil {
		e.metrics.RecordCreated()
	}
	e.updateStats()
	log.Debug("Fit created", "fit_id", id, "model", kind, "center", region.Center)
	return id, nil
}

func (e *Engine) clearRegistry() {
	e.journalAppend(journal.RecordClear, 0, nil)
	e.reg.Clear()
	e.updateStats()
}

// edit 套用編輯、寫入 journal，並以 (id, generation) 排定重新擬合
func (e *Engine) edit(id types.FitID, apply func() error) error {
	if err := apply(); err != nil {
		return err
	}
	e.journalUpdate(id)
	e.scheduleRefit(id)
	return nil
}

func (e *Engine) scheduleRefit(id types.FitID) {
	gen := e.reg.Generation()
	e.refits.Schedule(id, e.cfg.RefitDelay, func() {
		if gen != e.reg.Generation() {
			e.conflict(id, "refit")
			return
		}
		_, _ = e.fitNow(id)
	})
}

// fitNow 擬合並顯示結果
//
// 擬合後直接繪製，等待中的繪製請求取消。
func (e *Engine) fitNow(id types.FitID) (*types.CachedFitResult, error) {
	if e.hist == nil {
		return nil, ErrNoHistogram
	}
	res, err := e.exec.Execute(context.Background(), id, e.hist)
	if e.reg.Exists(id) {
		e.journalUpdate(id)
		e.renders.Cancel(id)
		e.show(id)
	}
	e.updateStats()
	return res, err
}

func (e *Engine) batchFit(id types.FitID) error {
	_, err := e.fitNow(id)
	return err
}

// show 繪製並交給 Surface；失敗時 Surface 保留原本的圖
func (e *Engine) show(id types.FitID) {
	rec, ok := e.reg.Get(id)
	if !ok || e.hist == nil {
		return
	}
	img, err := e.renderer.RenderWith(rec, e.exec.WorkingCopy(e.hist), e.viewOpts)
	if e.metrics != nil {
		e.metrics.RecordRender(err == nil)
	}
	if err != nil {
		e.reporter.Report(reporter.LevelWarning, "preview render failed", contextFor(id),
			types.NewFitError(types.ErrRenderFailure, id, "render", err))
		return
	}
	e.surface.Show(rec, img)
}

// journaledRegistry 讓批次的 Clear/Create 也寫入 journal
type journaledRegistry struct{ e *Engine }

func (j journaledRegistry) Clear() { j.e.clearRegistry() }

func (j journaledRegistry) Create(region types.Region, kind types.ModelKind, origin *types.PeakCandidate) (types.FitID, error) {
	return j.e.createRecord(region, kind, origin)
}
