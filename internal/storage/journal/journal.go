package journal

// ============================================================================
// Journal 核心實作
// 職責：
// 1. 追加 registry 變更紀錄到日誌檔案（append-only）
// 2. 提供重放功能以恢復 session 狀態
// 3. 支援日誌旋轉（快照後清空，可選 gzip 封存）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

var log = slog.Default()

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Journal 表示 session 編輯日誌
type Journal struct {
	mu           sync.Mutex
	file         FileInterface
	encoder      *json.Encoder
	path         string
	seq          uint64 // 最後分配的序號
	syncOnAppend bool   // 是否每次追加都強制同步
	closed       bool

	buffer        []Record // 尚未寫入的紀錄
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration

	compressArchives bool
	now              func() time.Time
}

// Option 設定 Journal
type Option func(*Journal)

// WithSync 每次追加都立即寫入並 fsync
func WithSync(sync bool) Option {
	return func(j *Journal) { j.syncOnAppend = sync }
}

// WithBuffer 設定批次寫入的緩衝大小與最長間隔
func WithBuffer(size int, interval time.Duration) Option {
	return func(j *Journal) {
		if size > 0 {
			j.bufferSize = size
		}
		j.flushInterval = interval
	}
}

// WithCompressedArchives Rotate 時將舊日誌壓縮為 .gz
func WithCompressedArchives() Option {
	return func(j *Journal) { j.compressArchives = true }
}

// WithClock 注入時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟一個 Journal 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一筆紀錄的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func Open(path string, opts ...Option) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		last, err := GetLastRecord(path)
		if err == nil && last != nil {
			seq = last.Seq
		} else if err != nil {
			log.Warn("Journal tail unreadable, numbering from 0", "path", path, "error", err)
		}
	}

	j := &Journal{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		syncOnAppend:  true,
		bufferSize:    64,
		flushInterval: time.Second,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	j.buffer = make([]Record, 0, j.bufferSize)
	j.lastFlushTime = j.now()
	return j, nil
}

// Append 追加一筆紀錄
//
// 行為：
//   - 自動遞增 seq
//   - 計算 checksum
//   - syncOnAppend 時立即寫入並同步；否則緩衝滿或超時才寫入
//
// 參數：
//
//	typ   - 紀錄類型
//	id    - 相關紀錄 ID（CLEAR 為 0）
//	state - CREATE/UPDATE 的完整紀錄，其他類型為 nil
//
// 回傳：
//
//	分配的序號，錯誤（如果寫入失敗）
func (j *Journal) Append(typ RecordType, id types.FitID, state *types.FitState) (uint64, error) {
	if !typ.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownRecord, typ)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrJournalClosed
	}

	j.seq++
	rec := Record{
		Seq:       j.seq,
		Type:      typ,
		FitID:     id,
		State:     state,
		Timestamp: j.now().UnixMilli(),
	}
	rec.Checksum = CalculateChecksum(rec)
	j.buffer = append(j.buffer, rec)

	needFlush := j.syncOnAppend || len(j.buffer) >= j.bufferSize || j.now().Sub(j.lastFlushTime) > j.flushInterval
	if needFlush {
		if err := j.flushLocked(); err != nil {
			return rec.Seq, err
		}
	}
	return rec.Seq, nil
}

// Flush 立即寫入所有緩衝中的紀錄
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	return j.flushLocked()
}

// Replay 依序重放 afterSeq 之後的所有紀錄
//
// 行為：
//   - 先寫入緩衝區，確保讀到最新的紀錄
//   - 驗證每筆紀錄的 checksum
//   - 最後一行無法解析視為寫入中斷（crash 時的殘行），記錄警告後停止
//   - 其他錯誤立即停止並回傳
//
// 回傳：
//
//	套用的紀錄數，錯誤
func (j *Journal) Replay(afterSeq uint64, handler Handler) (int, error) {
	j.mu.Lock()
	if !j.closed {
		if err := j.flushLocked(); err != nil {
			j.mu.Unlock()
			return 0, err
		}
	}
	path := j.path
	j.mu.Unlock()

	return ReplayFile(path, afterSeq, handler)
}

// ReplayFile 重放指定檔案中 afterSeq 之後的紀錄
func ReplayFile(path string, afterSeq uint64, handler Handler) (int, error) {
	applied := 0
	err := scan(path, func(rec Record) error {
		if rec.Seq <= afterSeq {
			return nil
		}
		if err := handler(rec); err != nil {
			return fmt.Errorf("failed to apply seq %d: %w", rec.Seq, err)
		}
		applied++
		return nil
	})
	return applied, err
}

// Rotate 旋轉日誌檔案
//
// 舊檔改名為 <path>.<timestamp>（啟用壓縮時為 .gz），新檔為空。
// 序號不歸零：快照的 LastSeq 之後的紀錄仍可正確過濾。
func (j *Journal) Rotate() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return "", ErrJournalClosed
	}

	if err := j.flushLocked(); err != nil {
		return "", err
	}
	if err := j.file.Close(); err != nil {
		return "", fmt.Errorf("failed to close journal: %w", err)
	}

	archive := j.path + "." + j.now().Format("20060102_150405.000")
	if err := os.Rename(j.path, archive); err != nil {
		return "", fmt.Errorf("failed to archive journal: %w", err)
	}

	newFile, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		j.closed = true
		return "", fmt.Errorf("failed to reopen journal: %w", err)
	}
	j.file = newFile
	j.encoder = json.NewEncoder(newFile)
	j.buffer = j.buffer[:0]
	j.lastFlushTime = j.now()

	if j.compressArchives {
		gz := archive + ".gz"
		if err := compressFile(archive, gz); err != nil {
			log.Warn("Journal archive compression failed", "archive", archive, "error", err)
			return archive, nil
		}
		if err := os.Remove(archive); err != nil {
			log.Warn("Failed to remove uncompressed archive", "archive", archive, "error", err)
		}
		archive = gz
	}

	log.Info("Journal rotated", "archive", archive, "last_seq", j.seq)
	return archive, nil
}

// Close 關閉 Journal，關閉後不可再使用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true

	if err := j.flushLocked(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}

// LastSeq 取得最後分配的序號
//
// 用途：快照時需要記錄 last_seq，恢復時只重放之後的紀錄
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Advance 確保之後分配的序號大於 seq
//
// Rotate 後的新檔是空的，重新開啟時序號會從 0 開始；恢復時以快照的
// LastSeq 呼叫，避免新紀錄被 Replay(LastSeq) 過濾掉。
func (j *Journal) Advance(seq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if seq > j.seq {
		j.seq = seq
	}
}

// Path 日誌檔案路徑
func (j *Journal) Path() string { return j.path }

// ============================================================================
// 內部輔助方法
// ============================================================================

// flushLocked 假設呼叫者已經持有 j.mu
func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 {
		return nil
	}
	for _, rec := range j.buffer {
		if err := j.encoder.Encode(rec); err != nil {
			return fmt.Errorf("failed to write journal record %d: %w", rec.Seq, err)
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = j.now()
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

// scan 逐行解碼檔案並驗證 checksum 與序號
func scan(path string, fn func(Record) error) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var lastSeq uint64
	line := 0
	for {
		raw, readErr := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(raw)) > 0 {
			line++
			var rec Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				// 沒有換行結尾的最後一行是中斷的寫入
				if readErr == io.EOF {
					log.Warn("Ignoring torn journal tail", "path", path, "line", line)
					return nil
				}
				return &CorruptionError{Line: line, Cause: err}
			}
			if err := VerifyChecksum(rec); err != nil {
				return err
			}
			if rec.Seq <= lastSeq {
				return fmt.Errorf("%w: seq %d after %d", ErrOutOfOrder, rec.Seq, lastSeq)
			}
			lastSeq = rec.Seq
			if err := fn(rec); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("failed to read journal: %w", readErr)
		}
	}
}

// compressFile 以 gzip 壓縮 src 到 dst
func compressFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	gw := gzip.NewWriter(dst)
	if _, err := io.Copy(gw, src); err != nil {
		gw.Close()
		dst.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
