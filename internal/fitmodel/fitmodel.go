// ============================================================================
// spectrum-fit 模型目錄
// ============================================================================
//
// Package: internal/fitmodel
// 文件: fitmodel.go
// 功能: 定義可用的擬合模型（參數數量、名稱、求值、初始參數估計）
//
// 模型一覽:
//   gaussian     3  Constant·exp(-½((x-Mean)/Sigma)²)
//   landau       2  scale·exp(-½(λ+e^-λ)), λ=(x-MPV)/Width   （scale 由 backend 解析求出）
//   exponential  2  exp(Constant + Slope·x)
//   pol1..pol3   N+1  a0 + a1·x + ... + aN·xᴺ
//
// ============================================================================

package fitmodel

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

// ErrUnknownModel 不支援的模型
var ErrUnknownModel = errors.New("unknown fit model")

// ParamRole 參數的角色，backend 用來決定搜尋步長
type ParamRole int

const (
	RoleAmplitude   ParamRole = iota // 振幅類（與資料同量級）
	RoleLocation                     // 位置類（與區間中心同量級）
	RoleWidth                        // 寬度類（與區間半寬同量級）
	RoleCoefficient                  // 多項式/指數係數
)

// Model 模型定義
type Model struct {
	Kind       types.ModelKind
	ParamNames []string
	Roles      []ParamRole
	// Linear 表示模型對參數線性，可直接用最小平方法求解
	Linear bool
	// ShapeOnly 表示模型只描述形狀，振幅由 backend 解析求出
	ShapeOnly bool

	eval func(x float64, p []float64) float64
}

// Arity 參數數量
func (m Model) Arity() int { return len(m.ParamNames) }

// Eval 計算模型在 x 的值（ShapeOnly 模型回傳未縮放的形狀）
func (m Model) Eval(x float64, p []float64) float64 {
	return m.eval(x, p)
}

// Basis 線性模型第 k 個基底函數在 x 的值
func (m Model) Basis(k int, x float64) float64 {
	return math.Pow(x, float64(k))
}

var catalog = map[types.ModelKind]Model{
	types.ModelGaussian: {
		Kind:       types.ModelGaussian,
		ParamNames: []string{"Constant", "Mean", "Sigma"},
		Roles:      []ParamRole{RoleAmplitude, RoleLocation, RoleWidth},
		eval:       gaussian,
	},
	types.ModelLandau: {
		Kind:       types.ModelLandau,
		ParamNames: []string{"MPV", "Width"},
		Roles:      []ParamRole{RoleLocation, RoleWidth},
		ShapeOnly:  true,
		eval:       landau,
	},
	types.ModelExponential: {
		Kind:       types.ModelExponential,
		ParamNames: []string{"Constant", "Slope"},
		Roles:      []ParamRole{RoleCoefficient, RoleCoefficient},
		eval:       exponential,
	},
	types.ModelPol1: polynomial(types.ModelPol1, 1),
	types.ModelPol2: polynomial(types.ModelPol2, 2),
	types.ModelPol3: polynomial(types.ModelPol3, 3),
}

// Lookup 取得模型定義
func Lookup(kind types.ModelKind) (Model, error) {
	m, ok := catalog[kind]
	if !ok {
		return Model{}, fmt.Errorf("%w: %q", ErrUnknownModel, kind)
	}
	return m, nil
}

// MustLookup 同 Lookup，未知模型時 panic（僅用於常數）
func MustLookup(kind types.ModelKind) Model {
	m, err := Lookup(kind)
	if err != nil {
		panic(err)
	}
	return m
}

// Kinds 所有支援的模型（依名稱排序）
func Kinds() []types.ModelKind {
	out := make([]types.ModelKind, 0, len(catalog))
	for k := range catalog {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Arity 模型的參數數量，未知模型回傳 0
func Arity(kind types.ModelKind) int {
	return len(catalog[kind].ParamNames)
}

// ============================================================================
// 模型函數
// ============================================================================

func gaussian(x float64, p []float64) float64 {
	if p[2] == 0 {
		return 0
	}
	z := (x - p[1]) / p[2]
	return p[0] * math.Exp(-0.5*z*z)
}

// landau 使用 Moyal 近似，峰值恰在 MPV
func landau(x float64, p []float64) float64 {
	if p[1] == 0 {
		return 0
	}
	l := (x - p[0]) / math.Abs(p[1])
	return math.Exp(-0.5 * (l + math.Exp(-l)))
}

func exponential(x float64, p []float64) float64 {
	return math.Exp(p[0] + p[1]*x)
}

func polynomial(kind types.ModelKind, degree int) Model {
	names := make([]string, degree+1)
	roles := make([]ParamRole, degree+1)
	for i := range names {
		names[i] = fmt.Sprintf("a%d", i)
		roles[i] = RoleCoefficient
	}
	return Model{
		Kind:       kind,
		ParamNames: names,
		Roles:      roles,
		Linear:     true,
		eval: func(x float64, p []float64) float64 {
			// Horner
			v := 0.0
			for i := len(p) - 1; i >= 0; i-- {
				v = v*x + p[i]
			}
			return v
		},
	}
}
