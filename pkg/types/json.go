package types

import (
	"encoding/json"
	"math"
)

// MarshalJSON 將非有限值（NaN、±Inf）輸出為 null
//
// backend 缺少某個參數或誤差時 ResultCache 以 NaN 表示，
// encoding/json 無法直接序列化 NaN。
func (c CachedFitResult) MarshalJSON() ([]byte, error) {
	type alias CachedFitResult
	return json.Marshal(struct {
		alias
		ChiSquare        *float64   `json:"chi_square,omitempty"`
		ReducedChiSquare *float64   `json:"reduced_chi_square,omitempty"`
		Scale            *float64   `json:"scale,omitempty"`
		ParameterValues  []*float64 `json:"parameter_values"`
		ParameterErrors  []*float64 `json:"parameter_errors"`
	}{
		alias:            alias(c),
		ChiSquare:        finiteOrNil(c.ChiSquare),
		ReducedChiSquare: finiteOrNil(c.ReducedChiSquare),
		Scale:            finiteOrNil(c.Scale),
		ParameterValues:  toNullable(c.ParameterValues),
		ParameterErrors:  toNullable(c.ParameterErrors),
	})
}

// UnmarshalJSON 將陣列中的 null 還原為 NaN
func (c *CachedFitResult) UnmarshalJSON(data []byte) error {
	type alias CachedFitResult
	w := struct {
		*alias
		ParameterValues []*float64 `json:"parameter_values"`
		ParameterErrors []*float64 `json:"parameter_errors"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.ParameterValues = fromNullable(w.ParameterValues)
	c.ParameterErrors = fromNullable(w.ParameterErrors)
	return nil
}

func finiteOrNil(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}

func toNullable(vs []float64) []*float64 {
	if vs == nil {
		return nil
	}
	out := make([]*float64, len(vs))
	for i := range vs {
		out[i] = finiteOrNil(&vs[i])
	}
	return out
}

func fromNullable(vs []*float64) []float64 {
	if vs == nil {
		return nil
	}
	out := make([]float64, len(vs))
	for i, v := range vs {
		if v == nil {
			out[i] = math.NaN()
		} else {
			out[i] = *v
		}
	}
	return out
}
