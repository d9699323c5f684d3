// Package types 定義了 spectrum-fit 系統中使用的核心領域模型
package types

import (
	"fmt"
	"math"
)

// FitID 擬合紀錄唯一識別碼（在一個 session 內單調遞增）
type FitID int64

// FitStatus 擬合狀態
type FitStatus string

// 定義擬合狀態常數
const (
	StatusUnfit   FitStatus = "unfit"   // 尚未擬合：紀錄已建立但尚未執行
	StatusFitting FitStatus = "fitting" // 擬合中：backend 正在計算
	StatusFitted  FitStatus = "fitted"  // 已擬合：最近一次擬合成功
	StatusFailed  FitStatus = "failed"  // 失敗：最近一次擬合失敗（保留上一次成功的結果）
)

// ModelKind 擬合模型種類
type ModelKind string

const (
	ModelGaussian    ModelKind = "gaussian"
	ModelLandau      ModelKind = "landau"
	ModelExponential ModelKind = "exponential"
	ModelPol1        ModelKind = "pol1"
	ModelPol2        ModelKind = "pol2"
	ModelPol3        ModelKind = "pol3"
)

// Provenance 峰值來源
type Provenance string

const (
	ProvenanceAutomatic Provenance = "automatic" // 由峰值偵測器產生
	ProvenanceManual    Provenance = "manual"    // 使用者手動加入
)

// Region 擬合區間，以中心與半寬表示，擬合範圍為 [Center-HalfWidth, Center+HalfWidth]
type Region struct {
	Center    float64 `json:"center"`
	HalfWidth float64 `json:"half_width"`
}

// Low 區間下界
func (r Region) Low() float64 { return r.Center - r.HalfWidth }

// High 區間上界
func (r Region) High() float64 { return r.Center + r.HalfWidth }

// Validate 檢查區間是否有效（半寬必須為正且數值有限）
func (r Region) Validate() error {
	if math.IsNaN(r.Center) || math.IsInf(r.Center, 0) {
		return fmt.Errorf("%w: region center %v is not finite", ErrInvalidFitInput, r.Center)
	}
	if !(r.HalfWidth > 0) || math.IsInf(r.HalfWidth, 0) {
		return fmt.Errorf("%w: region half width %v must be positive", ErrInvalidFitInput, r.HalfWidth)
	}
	return nil
}

// PeakCandidate 峰值候選，由偵測器或使用者產生
type PeakCandidate struct {
	Energy     float64    `json:"energy"`
	Height     *float64   `json:"height,omitempty"`
	Provenance Provenance `json:"provenance"`
}

// DerivedQuantities 由參數推導出的物理量，不適用的模型欄位為 nil
type DerivedQuantities struct {
	FWHM              *float64 `json:"fwhm,omitempty"`
	Centroid          *float64 `json:"centroid,omitempty"`
	Area              *float64 `json:"area,omitempty"`
	MostProbableValue *float64 `json:"most_probable_value,omitempty"`
	Width             *float64 `json:"width,omitempty"`
}

// CachedFitResult 擬合結果的獨立副本，不引用任何 backend 物件
//
// 缺少的可選欄位以 nil 表示，不會使建立失敗。
type CachedFitResult struct {
	ChiSquare        *float64          `json:"chi_square,omitempty"`
	DegreesOfFreedom *int              `json:"degrees_of_freedom,omitempty"`
	ReducedChiSquare *float64          `json:"reduced_chi_square,omitempty"`
	ParameterValues  []float64         `json:"parameter_values"`
	ParameterErrors  []float64         `json:"parameter_errors"`
	Scale            *float64          `json:"scale,omitempty"` // 形狀模型（Landau）的解析振幅
	Derived          DerivedQuantities `json:"derived"`
}

// Clone 深拷貝結果
func (c *CachedFitResult) Clone() *CachedFitResult {
	if c == nil {
		return nil
	}
	out := *c
	out.ChiSquare = cloneFloat(c.ChiSquare)
	out.ReducedChiSquare = cloneFloat(c.ReducedChiSquare)
	out.Scale = cloneFloat(c.Scale)
	if c.DegreesOfFreedom != nil {
		ndf := *c.DegreesOfFreedom
		out.DegreesOfFreedom = &ndf
	}
	out.ParameterValues = append([]float64(nil), c.ParameterValues...)
	out.ParameterErrors = append([]float64(nil), c.ParameterErrors...)
	out.Derived = DerivedQuantities{
		FWHM:              cloneFloat(c.Derived.FWHM),
		Centroid:          cloneFloat(c.Derived.Centroid),
		Area:              cloneFloat(c.Derived.Area),
		MostProbableValue: cloneFloat(c.Derived.MostProbableValue),
		Width:             cloneFloat(c.Derived.Width),
	}
	return &out
}

// FitRecord 一個擬合紀錄的完整狀態
type FitRecord struct {
	// 識別與設定
	ID                FitID     `json:"id"`
	Model             ModelKind `json:"model"`
	Region            Region    `json:"region"`
	InitialParameters []float64 `json:"initial_parameters"`
	FixedFlags        []bool    `json:"fixed_flags"`
	ExecutionOptions  string    `json:"execution_options"`

	// 狀態追蹤
	Status       FitStatus        `json:"status"`
	CachedResult *CachedFitResult `json:"cached_result,omitempty"`
	Epoch        uint64           `json:"epoch"` // 每次成功擬合後 +1，用於判斷預覽圖是否過期
	LastError    string           `json:"last_error,omitempty"`

	// 來源
	PeakOrigin *PeakCandidate `json:"peak_origin,omitempty"`

	// 時間戳（Unix 毫秒）
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// Clone 深拷貝紀錄，回傳給呼叫者的快照不會與 registry 共享記憶體
func (r FitRecord) Clone() FitRecord {
	out := r
	out.InitialParameters = append([]float64(nil), r.InitialParameters...)
	out.FixedFlags = append([]bool(nil), r.FixedFlags...)
	out.CachedResult = r.CachedResult.Clone()
	if r.PeakOrigin != nil {
		p := *r.PeakOrigin
		p.Height = cloneFloat(r.PeakOrigin.Height)
		out.PeakOrigin = &p
	}
	return out
}

// DisplayName 顯示名稱，例如 "Fit 3 (662 keV)"
func (r FitRecord) DisplayName() string {
	energy := r.Region.Center
	if r.PeakOrigin != nil {
		energy = r.PeakOrigin.Energy
	}
	return fmt.Sprintf("Fit %d (%.0f keV)", r.ID, energy)
}

// FitState 持久化的紀錄格式（session 檔案與 journal 共用）
type FitState struct {
	ID                FitID            `json:"id"`
	Model             ModelKind        `json:"model"`
	Region            Region           `json:"region"`
	InitialParameters []float64        `json:"initial_parameters"`
	FixedFlags        []bool           `json:"fixed_flags"`
	ExecutionOptions  string           `json:"execution_options"`
	CachedResult      *CachedFitResult `json:"cached_result,omitempty"`
	PeakOrigin        *PeakCandidate   `json:"peak_origin,omitempty"`
	Epoch             uint64           `json:"epoch,omitempty"`
}

// State 將紀錄轉為持久化格式
func (r FitRecord) State() FitState {
	c := r.Clone()
	return FitState{
		ID:                c.ID,
		Model:             c.Model,
		Region:            c.Region,
		InitialParameters: c.InitialParameters,
		FixedFlags:        c.FixedFlags,
		ExecutionOptions:  c.ExecutionOptions,
		CachedResult:      c.CachedResult,
		PeakOrigin:        c.PeakOrigin,
		Epoch:             c.Epoch,
	}
}

// Record 由持久化格式重建紀錄
//
// 有快取結果的紀錄恢復為 Fitted，否則為 Unfit。
func (s FitState) Record() FitRecord {
	rec := FitRecord{
		ID:                s.ID,
		Model:             s.Model,
		Region:            s.Region,
		InitialParameters: s.InitialParameters,
		FixedFlags:        s.FixedFlags,
		ExecutionOptions:  s.ExecutionOptions,
		CachedResult:      s.CachedResult,
		PeakOrigin:        s.PeakOrigin,
		Epoch:             s.Epoch,
		Status:            StatusUnfit,
	}
	if s.CachedResult != nil {
		rec.Status = StatusFitted
		if rec.Epoch == 0 {
			rec.Epoch = 1
		}
	}
	return rec.Clone()
}

// SessionData session 快照資料，用於持久化和恢復
type SessionData struct {
	Histogram string          `json:"histogram,omitempty"` // 直方圖名稱（資料本身不存檔）
	Fits      []FitState      `json:"fits"`                // 依建立順序
	ActiveID  *FitID          `json:"active_id,omitempty"`
	NextID    FitID           `json:"next_id"` // 下一個要分配的 ID - 1
	Peaks     []PeakCandidate `json:"peaks,omitempty"`
	SchemaVer int             `json:"schema_ver"`
	LastSeq   uint64          `json:"last_seq"` // journal 最後序號
	SavedAt   int64           `json:"saved_at,omitempty"`
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

// Float 回傳指向 v 的指標
func Float(v float64) *float64 { return &v }

// Int 回傳指向 v 的指標
func Int(v int) *int { return &v }
