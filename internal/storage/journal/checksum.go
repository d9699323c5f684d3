package journal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 journal 紀錄的 CRC32 校驗和
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
)

// CalculateChecksum 計算紀錄的 CRC32 校驗和
//
// 演算法：
//   - 將 Checksum 欄位清零後序列化為 JSON
//   - 使用 CRC32-IEEE 多項式計算
//
// 涵蓋整筆紀錄（包含 State），參數被竄改也能偵測。
func CalculateChecksum(rec Record) uint32 {
	rec.Checksum = 0
	data, err := json.Marshal(rec)
	if err != nil {
		// 無法序列化的紀錄驗證必定失敗
		return 0
	}
	return crc32.ChecksumIEEE(data)
}

// VerifyChecksum 驗證紀錄的校驗和是否正確
func VerifyChecksum(rec Record) error {
	if actual := CalculateChecksum(rec); actual != rec.Checksum {
		return &ChecksumError{Seq: rec.Seq, Expected: rec.Checksum, Actual: actual}
	}
	return nil
}
