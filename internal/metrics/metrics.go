// ============================================================================
// spectrum-fit Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露擬合 session 的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計數器 (Counter) - 累計值，只增不減：
//      - specfit_fits_created_total: 建立的擬合紀錄總數
//      - specfit_fit_executions_total{outcome}: 擬合執行次數
//        (fitted / failed / rejected / conflict)
//      - specfit_renders_total{outcome}: 預覽圖繪製次數 (ok / failed)
//      - specfit_debounce_coalesced_total{class}: 被合併（取消）的延遲觸發
//      - specfit_batch_runs_total / specfit_batch_steps_total / specfit_batch_cancelled_total
//      - specfit_reports_total{level}: 錯誤回報次數
//
//   2. 性能指標 (Histogram)：
//      - specfit_fit_duration_seconds: 單次擬合耗時
//        * 桶分佈: 1ms ~ 4s（互動使用下擬合應在一秒內完成）
//
//   3. 狀態指標 (Gauge)：
//      - specfit_fits_live: 目前 registry 中的紀錄數
//      - specfit_fits{status}: 各狀態的紀錄數
//      - specfit_recovery_time_seconds: 最近一次 session 恢復耗時
//
// Prometheus 查詢示例:
//
//   # 失敗率
//   rate(specfit_fit_executions_total{outcome="failed"}[5m])
//     / rate(specfit_fit_executions_total[5m])
//
//   # 95 分位擬合耗時
//   histogram_quantile(0.95, rate(specfit_fit_duration_seconds_bucket[5m]))
//
// HTTP 端點:
//   通過 /metrics 端點暴露，默認端口 9090
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 紀錄與執行
	fitsCreated    prometheus.Counter
	fitExecutions  *prometheus.CounterVec
	fitDuration    prometheus.Histogram
	renders        *prometheus.CounterVec
	coalesced      *prometheus.CounterVec
	reports        *prometheus.CounterVec
	batchRuns      prometheus.Counter
	batchSteps     prometheus.Counter
	batchCancelled prometheus.Counter

	// 狀態
	fitsLive     prometheus.Gauge
	fitsByStatus *prometheus.GaugeVec
	recoveryTime prometheus.Gauge
}

// NewCollector 創建指標收集器並註冊到 reg
//
// reg 為 nil 時使用 prometheus.DefaultRegisterer。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		fitsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "specfit_fits_created_total",
			Help: "Total number of fit records created",
		}),
		fitExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "specfit_fit_executions_total",
			Help: "Total number of fit executions by outcome",
		}, []string{"outcome"}),
		fitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "specfit_fit_duration_seconds",
			Help:    "Fit execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		}),
		renders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "specfit_renders_total",
			Help: "Total number of preview renders by outcome",
		}, []string{"outcome"}),
		coalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "specfit_debounce_coalesced_total",
			Help: "Pending debounced actions superseded by a newer trigger",
		}, []string{"class"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "specfit_reports_total",
			Help: "Total number of error reports by level",
		}, []string{"level"}),
		batchRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "specfit_batch_runs_total",
			Help: "Total number of batch fit runs started",
		}),
		batchSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "specfit_batch_steps_total",
			Help: "Total number of batch steps executed",
		}),
		batchCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "specfit_batch_cancelled_total",
			Help: "Total number of scheduled batch steps cancelled before firing",
		}),
		fitsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "specfit_fits_live",
			Help: "Current number of fit records in the registry",
		}),
		fitsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "specfit_fits",
			Help: "Current number of fit records by status",
		}, []string{"status"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "specfit_recovery_time_seconds",
			Help: "Time taken by the last session recovery in seconds",
		}),
	}

	reg.MustRegister(
		c.fitsCreated, c.fitExecutions, c.fitDuration, c.renders, c.coalesced,
		c.reports, c.batchRuns, c.batchSteps, c.batchCancelled,
		c.fitsLive, c.fitsByStatus, c.recoveryTime,
	)
	return c
}

// RecordCreated 記錄建立一筆紀錄
func (c *Collector) RecordCreated() {
	c.fitsCreated.Inc()
}

// RecordExecution 記錄一次擬合執行（可直接作為 executor.Observer）
func (c *Collector) RecordExecution(outcome string, d time.Duration) {
	c.fitExecutions.WithLabelValues(outcome).Inc()
	if d > 0 {
		c.fitDuration.Observe(d.Seconds())
	}
}

// RecordRender 記錄一次繪製
func (c *Collector) RecordRender(ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	c.renders.WithLabelValues(outcome).Inc()
}

// RecordCoalesced 記錄一次被取代的延遲觸發（可直接作為 scheduler.OnCoalesce）
func (c *Collector) RecordCoalesced(class string) {
	c.coalesced.WithLabelValues(class).Inc()
}

// RecordReport 記錄一次錯誤回報
func (c *Collector) RecordReport(level string) {
	c.reports.WithLabelValues(level).Inc()
}

// RecordBatchRun 記錄批次開始
func (c *Collector) RecordBatchRun() {
	c.batchRuns.Inc()
}

// RecordBatchStep 記錄批次中的一步
func (c *Collector) RecordBatchStep() {
	c.batchSteps.Inc()
}

// RecordBatchCancelled 記錄被取消的批次步驟數
func (c *Collector) RecordBatchCancelled(steps int) {
	if steps > 0 {
		c.batchCancelled.Add(float64(steps))
	}
}

// UpdateFitStats 更新紀錄狀態統計
func (c *Collector) UpdateFitStats(byStatus map[types.FitStatus]int) {
	total := 0
	for _, s := range []types.FitStatus{types.StatusUnfit, types.StatusFitting, types.StatusFitted, types.StatusFailed} {
		n := byStatus[s]
		total += n
		c.fitsByStatus.WithLabelValues(string(s)).Set(float64(n))
	}
	c.fitsLive.Set(float64(total))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	c.recoveryTime.Set(seconds)
}

// NewServer 建立暴露 g 的 /metrics HTTP 伺服器
//
// g 為 nil 時使用 prometheus.DefaultGatherer。
func NewServer(port int, g prometheus.Gatherer) *http.Server {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 結束時關閉
//
// 參數：
//   - ctx: 控制伺服器生命週期
//   - port: HTTP 伺服器端口
//   - g: 指標來源
//
// 返回值：
//   - error: 啟動失敗的錯誤（正常關閉回傳 nil）
func StartServer(ctx context.Context, port int, g prometheus.Gatherer) error {
	srv := NewServer(port, g)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
