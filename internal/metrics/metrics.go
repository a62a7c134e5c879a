// ============================================================================
// Beaver-Sync Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露管線執行、遠端任務與認證相關指標
//
// 指標分類:
//
//   1. 計數器 (Counter):
//      - beaver_runs_total{pipeline,status}: 管線執行次數
//      - beaver_submit_conflicts_total{resource}: 提交時遇到資源忙碌
//      - beaver_job_polls_total{state}: 任務輪詢次數（依觀察到的狀態）
//      - beaver_token_refreshes_total{result}: token 更新次數
//
//   2. 分佈 (Histogram):
//      - beaver_run_duration_seconds{pipeline}: 單次執行耗時
//        * 桶分佈: 1s ~ 約 4.5h（指數）
//
//   3. 瞬時值 (Gauge):
//      - beaver_watermark_timestamp_seconds{pipeline}: 最近成功的 watermark
//      - beaver_jobs_tracked{state}: 本行程追蹤中的任務數
//
// 告警示例:
//
//   # watermark 落後超過 3 小時
//   time() - beaver_watermark_timestamp_seconds > 3 * 3600
//
//   # 資源持續忙碌
//   rate(beaver_submit_conflicts_total[15m]) > 0
//
// HTTP 端點:
//   /metrics，由 serve 指令啟動
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ChuLiYu/beaver-sync/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// trackedStates 與 JobManager.GetStats 的 key 一致
var trackedStates = []string{"pending", "running", "succeeded", "failed", "cancelled"}

// Collector Prometheus 指標收集器
type Collector struct {
	// 管線指標
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	watermark   *prometheus.GaugeVec

	// 遠端任務指標
	conflicts   *prometheus.CounterVec
	polls       *prometheus.CounterVec
	jobsTracked *prometheus.GaugeVec

	// 認證
	tokenRefreshes *prometheus.CounterVec
}

// NewCollector 創建並註冊指標；reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaver_runs_total",
			Help: "Total number of pipeline runs by outcome",
		}, []string{"pipeline", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "beaver_run_duration_seconds",
			Help:    "Wall time of a pipeline run, including the wait for the import job",
			Buckets: prometheus.ExponentialBuckets(1, 2, 15),
		}, []string{"pipeline"}),
		watermark: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "beaver_watermark_timestamp_seconds",
			Help: "Unix time of the last successfully imported window end",
		}, []string{"pipeline"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaver_submit_conflicts_total",
			Help: "Submit attempts rejected because the target resource was busy",
		}, []string{"resource"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaver_job_polls_total",
			Help: "Job status polls by observed state",
		}, []string{"state"}),
		jobsTracked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "beaver_jobs_tracked",
			Help: "Import jobs tracked by this process by state",
		}, []string{"state"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaver_token_refreshes_total",
			Help: "Access token refresh attempts by result",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.runs,
		c.runDuration,
		c.watermark,
		c.conflicts,
		c.polls,
		c.jobsTracked,
		c.tokenRefreshes,
	)

	return c
}

// RecordRun 記錄一次管線執行結果
func (c *Collector) RecordRun(r *types.RunResult) {
	c.runs.WithLabelValues(r.Pipeline, string(r.Status)).Inc()
	if r.Status == types.RunDryRun {
		return
	}
	if d := r.Duration(); d > 0 {
		c.runDuration.WithLabelValues(r.Pipeline).Observe(d.Seconds())
	}
	if r.Status == types.RunSuccess && !r.Window.To.IsZero() {
		c.watermark.WithLabelValues(r.Pipeline).Set(float64(r.Window.To.Unix()))
	}
}

// RecordConflict 記錄資源忙碌
func (c *Collector) RecordConflict(resourceID string) {
	c.conflicts.WithLabelValues(resourceID).Inc()
}

// RecordPoll 記錄一次輪詢
func (c *Collector) RecordPoll(state types.JobState) {
	c.polls.WithLabelValues(string(state)).Inc()
}

// RecordTokenRefresh 記錄 token 更新結果
func (c *Collector) RecordTokenRefresh(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.tokenRefreshes.WithLabelValues(result).Inc()
}

// UpdateJobStats 更新追蹤中任務的統計（JobManager.GetStats 的輸出）
func (c *Collector) UpdateJobStats(stats map[string]int) {
	for _, state := range trackedStates {
		c.jobsTracked.WithLabelValues(state).Set(float64(stats[state]))
	}
}

// Serve 啟動 /metrics HTTP 伺服器，ctx 結束時關閉
func Serve(ctx context.Context, port int, g prometheus.Gatherer) error {
	if g == nil {
		g = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
