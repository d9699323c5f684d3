package journal

// ============================================================================
// Journal 工具函式
// 職責：提供讀取、驗證、統計與除錯輸出
// ============================================================================

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"time"
)

// GetLastRecord 從日誌檔案讀取最後一筆紀錄
//
// 從頭掃描到尾；檔案很小（每次快照後旋轉），不需要索引。
//
// 回傳：
//
//	最後一筆紀錄，錯誤（檔案為空時回傳 ErrEmptyJournal）
func GetLastRecord(path string) (*Record, error) {
	var last *Record
	err := scan(path, func(rec Record) error {
		r := rec
		last = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyJournal
	}
	return last, nil
}

// CountRecords 計算日誌中的紀錄總數
func CountRecords(path string) (int, error) {
	n := 0
	err := scan(path, func(Record) error {
		n++
		return nil
	})
	return n, err
}

// Validate 驗證日誌檔案的完整性
//
// 檢查項目：
//   - 所有紀錄的 JSON 格式正確
//   - 所有紀錄的校驗和正確
//   - seq 嚴格遞增
//   - 紀錄類型已知，CREATE/UPDATE 帶有 State
func Validate(path string) error {
	return scan(path, func(rec Record) error {
		if !rec.Type.Valid() {
			return fmt.Errorf("%w: %q at seq %d", ErrUnknownRecord, rec.Type, rec.Seq)
		}
		if (rec.Type == RecordCreate || rec.Type == RecordUpdate) && rec.State == nil {
			return fmt.Errorf("%w: %s at seq %d has no state", ErrCorruptedJournal, rec.Type, rec.Seq)
		}
		return nil
	})
}

// Dump 輸出日誌內容（人類可讀格式）
//
//	[Seq:1] CREATE fit=1 at 2024-01-01T00:00:00Z (checksum:0x12345678)
func Dump(path string, w io.Writer) error {
	return scan(path, func(rec Record) error {
		_, err := fmt.Fprintf(w, "[Seq:%d] %s fit=%d at %s (checksum:0x%08x)\n",
			rec.Seq, rec.Type, rec.FitID,
			time.UnixMilli(rec.Timestamp).UTC().Format(time.RFC3339), rec.Checksum)
		return err
	})
}

// Stats 日誌統計資訊
type Stats struct {
	TotalRecords int                // 總紀錄數
	RecordTypes  map[RecordType]int // 各類型紀錄計數
	FirstSeq     uint64             // 第一筆紀錄的 seq
	LastSeq      uint64             // 最後一筆紀錄的 seq
	TimeRange    [2]int64           // 時間範圍 [最早, 最晚]
}

// GetStats 取得日誌的統計資訊
func GetStats(path string) (*Stats, error) {
	st := &Stats{RecordTypes: make(map[RecordType]int)}
	err := scan(path, func(rec Record) error {
		if st.TotalRecords == 0 {
			st.FirstSeq = rec.Seq
			st.TimeRange[0] = rec.Timestamp
		}
		st.TotalRecords++
		st.RecordTypes[rec.Type]++
		st.LastSeq = rec.Seq
		if rec.Timestamp < st.TimeRange[0] {
			st.TimeRange[0] = rec.Timestamp
		}
		if rec.Timestamp > st.TimeRange[1] {
			st.TimeRange[1] = rec.Timestamp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// DecompressArchive 將 Rotate 產生的 .gz 封存解壓縮到 dst，供 ReplayFile 使用
func DecompressArchive(gzPath, dstPath string) error {
	src, err := os.Open(gzPath)
	if err != nil {
		return err
	}
	defer src.Close()

	gr, err := gzip.NewReader(src)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer gr.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, gr); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
