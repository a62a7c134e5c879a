// ============================================================================
// Beaver-Sync 控制器 - 管線排程器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 依照每條管線的 cron 排程觸發執行，並提供 RunAll 批次執行
//
// 核心循環 (2 個 Goroutine):
//   1. Schedule Loop - 每個 tick 找出到期的管線並分派執行
//   2. Stats Loop - 定期清除過期的終止任務，把 JobManager 統計寫入 metrics 並輸出健康日誌
//
// 到期判斷:
//   next = cron(schedule).Next(參考時間)
//   參考時間 = LastRun.At；從未執行過的管線用 Controller 啟動時間
//   now >= next 即到期
//
// 並發規則:
//   - 同一條管線同時只會有一次執行（inflight 集合 + Store.TryLock）
//   - 同一個 target resource 的管線在同一批次中依序執行
//   - 不同 resource 之間最多 Concurrency 個同時執行
//
// 關閉順序:
//  1. close(stopCh) → 通知循環停止
//  2. cancel(runCtx) → 中斷等待中的執行（pending 會保留，下次繼續）
//  3. loopWg.Wait() → 等待循環退出
//  4. runWg.Wait() → 等待執行中的批次寫完紀錄
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-sync/internal/clock"
	"github.com/ChuLiYu/beaver-sync/internal/pipeline"
	"github.com/ChuLiYu/beaver-sync/pkg/types"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

var ErrAlreadyStarted = errors.New("controller already started")

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	TickInterval  time.Duration // 檢查排程的間隔
	StatsInterval time.Duration // 統計輸出間隔，0 表示停用
	Concurrency   int           // 不同 resource 間的最大並行數
	JobRetention  time.Duration // 終止任務保留多久才從統計移除
}

// PipelineRunner 執行單一管線
type PipelineRunner interface {
	Run(ctx context.Context, name string, dryRun bool) (*types.RunResult, error)
}

// PipelineLister 列出所有管線
type PipelineLister interface {
	List() ([]types.Pipeline, error)
}

// StatsSource 追蹤中任務的統計（JobManager）
type StatsSource interface {
	GetStats() map[string]int
}

// JobPruner 移除舊的終止任務；StatsSource 有實作時每次統計前呼叫
type JobPruner interface {
	Prune(before time.Time) int
}

// StatsSink 接收統計（metrics.Collector）
type StatsSink interface {
	UpdateJobStats(stats map[string]int)
}

// Controller 排程器
type Controller struct {
	runner    PipelineRunner
	pipelines PipelineLister
	stats     StatsSource
	sink      StatsSink
	clock     clock.Clock
	config    Config
	log       *slog.Logger

	mu        sync.Mutex
	inflight  map[string]struct{} // 執行中的管線
	started   bool
	stopped   bool
	startTime time.Time

	runCtx    context.Context
	cancelRun context.CancelFunc
	stopCh    chan struct{}
	loopWg    sync.WaitGroup // 等待循環退出
	runWg     sync.WaitGroup // 等待批次執行結束
}

// Option 設定 Controller
type Option func(*Controller)

func WithStats(src StatsSource, sink StatsSink) Option {
	return func(c *Controller) { c.stats, c.sink = src, sink }
}

func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// NewController 建立新的 Controller 實例
func NewController(config Config, runner PipelineRunner, pipelines PipelineLister, opts ...Option) *Controller {
	if config.TickInterval <= 0 {
		config.TickInterval = 30 * time.Second
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.JobRetention <= 0 {
		config.JobRetention = time.Hour
	}

	c := &Controller{
		runner:    runner,
		pipelines: pipelines,
		clock:     clock.Real{},
		config:    config,
		inflight:  make(map[string]struct{}),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("component", "controller")
	return c
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 啟動排程循環；ctx 結束等同於呼叫 Stop
func (c *Controller) Start(ctx context.Context) error {
	// 啟動時檢查排程是否都能解析，錯誤的管線只記錄不阻止啟動
	ps, err := c.pipelines.List()
	if err != nil {
		return fmt.Errorf("failed to list pipelines: %w", err)
	}
	enabled := 0
	for _, p := range ps {
		if !p.Enabled {
			continue
		}
		enabled++
		if _, err := cron.ParseStandard(scheduleOf(p)); err != nil {
			c.log.Error("Invalid schedule, pipeline will not run", "pipeline", p.Name, "schedule", p.Schedule, "error", err)
		}
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.startTime = c.clock.Now()
	c.runCtx, c.cancelRun = context.WithCancel(ctx)
	c.mu.Unlock()

	c.loopWg.Add(1)
	go c.scheduleLoop()

	if c.config.StatsInterval > 0 && c.stats != nil {
		c.loopWg.Add(1)
		go c.statsLoop()
	}

	go func() {
		select {
		case <-ctx.Done():
			c.Stop()
		case <-c.stopCh:
		}
	}()

	c.log.Info("Controller started",
		"pipelines", len(ps),
		"enabled", enabled,
		"tick", c.config.TickInterval,
		"concurrency", c.config.Concurrency)
	return nil
}

// Stop 優雅關閉 Controller，可重複呼叫
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped || !c.started {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.log.Info("Stopping controller...")

	close(c.stopCh)
	c.cancelRun()
	c.loopWg.Wait()
	c.runWg.Wait()

	c.log.Info("Controller stopped")
}

// ============================================================================
// 核心循環
// ============================================================================

func (c *Controller) scheduleLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.log.Info("Schedule loop stopped")
			return

		case <-ticker.C:
			// 再次檢查是否已停止
			select {
			case <-c.stopCh:
				c.log.Info("Schedule loop stopped")
				return
			default:
			}
			c.Tick()
		}
	}
}

func (c *Controller) statsLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.reportStats()
		}
	}
}

func (c *Controller) reportStats() {
	if pruner, ok := c.stats.(JobPruner); ok {
		if n := pruner.Prune(c.clock.Now().Add(-c.config.JobRetention)); n > 0 {
			c.log.Debug("Pruned finished jobs", "count", n, "retention", c.config.JobRetention)
		}
	}

	stats := c.stats.GetStats()
	if c.sink != nil {
		c.sink.UpdateJobStats(stats)
	}

	c.mu.Lock()
	running := len(c.inflight)
	uptime := c.clock.Now().Sub(c.startTime)
	c.mu.Unlock()

	c.log.Info("Health",
		"uptime", uptime.Round(time.Second),
		"pipelines_running", running,
		"jobs_pending", stats["pending"],
		"jobs_running", stats["running"],
		"jobs_succeeded", stats["succeeded"],
		"jobs_failed", stats["failed"],
		"jobs_cancelled", stats["cancelled"])
}

// Tick 找出到期的管線並在背景執行，回傳本次分派的管線名稱
func (c *Controller) Tick() []string {
	now := c.clock.Now()
	due, err := c.Due(now)
	if err != nil {
		c.log.Error("Failed to evaluate schedules", "error", err)
		return nil
	}

	c.mu.Lock()
	if c.stopped || !c.started {
		c.mu.Unlock()
		return nil
	}
	batch := due[:0]
	for _, p := range due {
		if _, busy := c.inflight[p.Name]; busy {
			continue
		}
		c.inflight[p.Name] = struct{}{}
		batch = append(batch, p)
	}
	ctx := c.runCtx
	c.runWg.Add(1)
	c.mu.Unlock()

	names := make([]string, len(batch))
	for i, p := range batch {
		names[i] = p.Name
	}
	if len(batch) == 0 {
		c.runWg.Done()
		return names
	}

	c.log.Info("Dispatching due pipelines", "pipelines", names)

	go func() {
		defer c.runWg.Done()
		c.runBatch(ctx, batch, false, func(name string) {
			c.mu.Lock()
			delete(c.inflight, name)
			c.mu.Unlock()
		})
	}()
	return names
}

// Due 回傳在 now 之前已到期的啟用管線
func (c *Controller) Due(now time.Time) ([]types.Pipeline, error) {
	ps, err := c.pipelines.List()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	ref := c.startTime
	c.mu.Unlock()

	var due []types.Pipeline
	for _, p := range ps {
		if !p.Enabled {
			continue
		}
		next, err := NextRun(p, ref)
		if err != nil {
			continue
		}
		if !now.Before(next) {
			due = append(due, p)
		}
	}
	return due, nil
}

// NextRun 計算下一次排程時間；從未執行過的管線以 since 為基準
func NextRun(p types.Pipeline, since time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(scheduleOf(p))
	if err != nil {
		return time.Time{}, err
	}
	ref := since
	if p.LastRun != nil && !p.LastRun.At.IsZero() {
		ref = p.LastRun.At
	}
	return sched.Next(ref), nil
}

// ============================================================================
// 批次執行
// ============================================================================

// RunAll 執行所有啟用的管線並等待結束
//
// 回傳每條管線的結果（依名稱排序；未開始的管線沒有結果）以及合併的錯誤。
func (c *Controller) RunAll(ctx context.Context, dryRun bool) ([]*types.RunResult, error) {
	ps, err := c.pipelines.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}

	var enabled []types.Pipeline
	for _, p := range ps {
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}
	return c.runBatch(ctx, enabled, dryRun, nil)
}

// runBatch 以 resource 分組：組內依序，組間並行
func (c *Controller) runBatch(ctx context.Context, ps []types.Pipeline, dryRun bool, done func(name string)) ([]*types.RunResult, error) {
	groups := make(map[string][]types.Pipeline)
	var order []string
	for _, p := range ps {
		if _, ok := groups[p.TargetResourceID]; !ok {
			order = append(order, p.TargetResourceID)
		}
		groups[p.TargetResourceID] = append(groups[p.TargetResourceID], p)
	}
	sort.Strings(order)

	var (
		mu      sync.Mutex
		results []*types.RunResult
		errs    []error
	)

	var g errgroup.Group
	g.SetLimit(c.config.Concurrency)

	for _, resource := range order {
		group := groups[resource]
		sort.Slice(group, func(i, j int) bool { return group[i].Name < group[j].Name })

		g.Go(func() error {
			for _, p := range group {
				c.runOne(ctx, p.Name, dryRun, &mu, &results, &errs)
				if done != nil {
					done(p.Name)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Pipeline < results[j].Pipeline })
	return results, errors.Join(errs...)
}

func (c *Controller) runOne(ctx context.Context, name string, dryRun bool, mu *sync.Mutex, results *[]*types.RunResult, errs *[]error) {
	if ctx.Err() != nil {
		mu.Lock()
		*errs = append(*errs, fmt.Errorf("%s: %w", name, ctx.Err()))
		mu.Unlock()
		return
	}

	res, err := c.runner.Run(ctx, name, dryRun)

	mu.Lock()
	defer mu.Unlock()
	if res != nil {
		*results = append(*results, res)
	}
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", name, err))
	}
}

// Running 回傳目前執行中的管線名稱
func (c *Controller) Running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.inflight))
	for name := range c.inflight {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func scheduleOf(p types.Pipeline) string {
	if p.Schedule == "" {
		return pipeline.DefaultSchedule
	}
	return p.Schedule
}
