package session

// ============================================================================
// 存檔、journal 與崩潰恢復
// ============================================================================

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/spectrum-fit/internal/registry"
	"github.com/ChuLiYu/spectrum-fit/internal/reporter"
	"github.com/ChuLiYu/spectrum-fit/internal/storage/journal"
	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

// Snapshot 目前 session 的持久化格式
func (e *Engine) Snapshot() types.SessionData {
	data := e.reg.Snapshot()
	if e.hist != nil {
		data.Histogram = e.hist.Name()
	}
	data.Peaks = e.peaks.All()
	if e.journal != nil {
		data.LastSeq = e.journal.LastSeq()
	}
	data.SavedAt = e.sched.Now().UnixMilli()
	return data
}

// Restore 以 data 取代目前的紀錄與峰值
//
// journal 以 CLEAR 加上每筆紀錄的 CREATE 重新起始，
// 恢復時不論有沒有存檔都會得到相同結果。
func (e *Engine) Restore(data types.SessionData) error {
	e.cancelPending()
	if err := e.reg.Restore(data); err != nil {
		return fmt.Errorf("failed to restore session: %w", err)
	}
	e.peaks.Replace(data.Peaks)

	e.journalAppend(journal.RecordClear, 0, nil)
	for _, st := range data.Fits {
		st := st
		e.journalAppend(journal.RecordCreate, st.ID, &st)
	}
	if data.ActiveID != nil {
		e.journalAppend(journal.RecordSelect, *data.ActiveID, nil)
	}
	e.updateStats()
	log.Info("Session restored", "fits", len(data.Fits))
	return nil
}

// SaveSession 存檔後輪替 journal
//
// 存檔的 LastSeq 是 journal 目前的最後序號，輪替不重設序號，
// 所以存檔失敗時舊 journal 仍然完整。
func (e *Engine) SaveSession() error {
	if e.closed {
		return ErrClosed
	}
	if e.persister == nil {
		return ErrNoPersister
	}
	start := time.Now()
	data := e.Snapshot()
	if err := e.persister.Save(data); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	if e.journal != nil {
		if _, err := e.journal.Rotate(); err != nil {
			return fmt.Errorf("failed to rotate journal: %w", err)
		}
	}
	log.Info("Session saved",
		"fits", len(data.Fits),
		"last_seq", data.LastSeq,
		"duration", time.Since(start))
	return nil
}

// Recover 載入存檔並重放之後的 journal，回傳重放的紀錄數
//
// 流程：
//  1. persister.Load()（沒有存檔時為空 session）
//  2. registry.Restore()
//  3. journal.Replay(LastSeq)
func (e *Engine) Recover() (int, error) {
	start := time.Now()
	log.Info("Starting recovery...")
	e.cancelPending()

	data := types.SessionData{Fits: []types.FitState{}}
	if e.persister != nil {
		loaded, err := e.persister.Load()
		if err != nil {
			return 0, fmt.Errorf("failed to load session: %w", err)
		}
		data = loaded
	}
	if e.hist != nil && data.Histogram != "" && data.Histogram != e.hist.Name() {
		log.Warn("Recovered session was saved for another histogram",
			"saved", data.Histogram, "loaded", e.hist.Name())
	}

	e.replaying = true
	defer func() { e.replaying = false }()

	if err := e.reg.Restore(data); err != nil {
		return 0, fmt.Errorf("failed to restore session: %w", err)
	}
	e.peaks.Replace(data.Peaks)

	replayed := 0
	if e.journal != nil {
		e.journal.Advance(data.LastSeq)
		n, err := e.journal.Replay(data.LastSeq, e.applyRecord)
		if err != nil {
			return n, fmt.Errorf("failed to replay journal: %w", err)
		}
		replayed = n
	}

	elapsed := time.Since(start)
	if e.metrics != nil {
		e.metrics.SetRecoveryTime(elapsed.Seconds())
	}
	e.updateStats()
	log.Info("Recovery completed",
		"duration", elapsed,
		"fits", e.reg.Len(),
		"replayed", replayed)
	return replayed, nil
}

// applyRecord 重放一筆 journal 紀錄
func (e *Engine) applyRecord(rec journal.Record) error {
	switch rec.Type {
	case journal.RecordCreate, journal.RecordUpdate:
		if rec.State == nil {
			return fmt.Errorf("%w: seq %d has no state", journal.ErrCorruptedJournal, rec.Seq)
		}
		if err := e.reg.Upsert(*rec.State); err != nil {
			return err
		}
		// Create 會選取新紀錄
		if rec.Type == journal.RecordCreate {
			e.reg.ForceSelect(rec.FitID)
		}
	case journal.RecordRemove:
		if err := e.reg.Remove(rec.FitID); err != nil && !errors.Is(err, registry.ErrFitNotFound) {
			return err
		}
	case journal.RecordClear:
		e.reg.Clear()
	case journal.RecordSelect:
		e.reg.ForceSelect(rec.FitID)
	default:
		return fmt.Errorf("%w: %s", journal.ErrUnknownRecord, rec.Type)
	}
	return nil
}

// StartAutosave 每 interval 存檔一次；interval 為 0 時使用配置值
func (e *Engine) StartAutosave(interval time.Duration) {
	e.stopAutosave()
	if interval <= 0 {
		interval = e.cfg.AutosaveInterval
	}
	if interval <= 0 || e.persister == nil || e.closed {
		return
	}

	var tick func()
	tick = func() {
		if e.closed {
			return
		}
		if err := e.SaveSession(); err != nil {
			e.reporter.Report(reporter.LevelError, "autosave failed", "autosave", err)
		}
		e.autosave = e.sched.AfterFunc(interval, tick)
	}
	e.autosave = e.sched.AfterFunc(interval, tick)
	log.Info("Autosave started", "interval", interval)
}

func (e *Engine) stopAutosave() {
	if e.autosave != nil {
		e.autosave.Stop()
		e.autosave = nil
	}
}

func (e *Engine) journalUpdate(id types.FitID) {
	rec, ok := e.reg.Get(id)
	if !ok {
		return
	}
	st := rec.State()
	e.journalAppend(journal.RecordUpdate, id, &st)
}

// journalAppend 寫入 journal；失敗只回報，記憶體中的狀態已經生效
func (e *Engine) journalAppend(typ journal.RecordType, id types.FitID, st *types.FitState) {
	if e.journal == nil || e.replaying || e.closed {
		return
	}
	if _, err := e.journal.Append(typ, id, st); err != nil {
		e.reporter.Report(reporter.LevelError, "journal append failed", contextFor(id), err)
	}
}
