// Package types 定義了 beaver-sync 系統中使用的核心領域模型
package types

import (
	"time"
)

// JobID 遠端匯入任務的唯一識別碼（由遠端服務產生）
type JobID string

// JobState 遠端任務狀態
type JobState string

// 定義任務狀態常數
const (
	StatePending   JobState = "Pending"   // 已提交，尚未開始
	StateRunning   JobState = "Running"   // 執行中
	StateCompleted JobState = "Completed" // 已結束（成功或失敗看 Exit）
	StateCancelled JobState = "Cancelled" // 已取消
)

// IsTerminal reports whether no further transition can happen.
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// ExitStatus 終止任務的結果
type ExitStatus string

const (
	ExitSuccess ExitStatus = "Success"
	ExitFailure ExitStatus = "Failure"
)

// Exit 任務結束狀態與訊息
type Exit struct {
	Status  ExitStatus `json:"status" yaml:"status"`
	Message string     `json:"message,omitempty" yaml:"message,omitempty"`
}

// NodeProgress 單一節點標籤的處理進度
type NodeProgress struct {
	Labels        []string `json:"labels"`
	ProcessedRows int64    `json:"processed_rows"`
	TotalRows     int64    `json:"total_rows"`
	Created       int64    `json:"created"`
}

// RelationshipProgress 單一關係類型的處理進度
type RelationshipProgress struct {
	Type          string `json:"type"`
	ProcessedRows int64  `json:"processed_rows"`
	TotalRows     int64  `json:"total_rows"`
	Created       int64  `json:"created"`
}

// Progress 任務進度（僅在 includeProgress 時回傳）
type Progress struct {
	PercentageComplete float64                `json:"percentage_complete"`
	Nodes              []NodeProgress         `json:"nodes,omitempty"`
	Relationships      []RelationshipProgress `json:"relationships,omitempty"`
}

// Job 遠端匯入任務的快照
//
// ID 不可變；一個任務只對應一個 template 與一個 target resource。
type Job struct {
	// 識別
	ID               JobID  `json:"id"`
	TemplateID       string `json:"template_id"`
	TargetResourceID string `json:"target_resource_id"`

	// 狀態
	State    JobState  `json:"state"`
	Exit     *Exit     `json:"exit,omitempty"`
	Progress *Progress `json:"progress,omitempty"`

	// 時間
	SubmittedAt time.Time  `json:"submitted_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Succeeded reports a Completed job whose exit does not signal failure.
func (j *Job) Succeeded() bool {
	if j == nil || j.State != StateCompleted {
		return false
	}
	return j.Exit == nil || j.Exit.Status != ExitFailure
}

// ExitMessage returns the exit message, or "" when none was reported.
func (j *Job) ExitMessage() string {
	if j == nil || j.Exit == nil {
		return ""
	}
	return j.Exit.Message
}

// Window 增量匯入的時間區間 [From, To]
type Window struct {
	From time.Time `json:"from" yaml:"from"`
	To   time.Time `json:"to" yaml:"to"`
}

// IsZero reports an unset window.
func (w Window) IsZero() bool {
	return w.From.IsZero() && w.To.IsZero()
}

// RunStatus 管線單次執行的結果
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunTimeout RunStatus = "timeout"
	RunBusy    RunStatus = "busy"
	RunDryRun  RunStatus = "dry_run"
)

// LastRun 最近一次執行的摘要（寫入 pipeline 紀錄）
type LastRun struct {
	Status  RunStatus `yaml:"status"`
	JobID   JobID     `yaml:"job_id,omitempty"`
	At      time.Time `yaml:"at"`
	Window  Window    `yaml:"window"`
	Message string    `yaml:"message,omitempty"`
}

// PendingRun 已提交但尚未確認結果的任務
//
// 崩潰或等待逾時後保留，下次執行時繼續等待同一個任務而非重新提交。
type PendingRun struct {
	JobID       JobID     `yaml:"job_id"`
	Window      Window    `yaml:"window"`
	SubmittedAt time.Time `yaml:"submitted_at"`
}

// RetryPolicy 提交衝突時的重試策略
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts,omitempty"`
	Delay       time.Duration `yaml:"delay,omitempty"`
	MaxDelay    time.Duration `yaml:"max_delay,omitempty"`
	Multiplier  float64       `yaml:"multiplier,omitempty"`
}

// Pipeline 增量匯入管線的持久化紀錄
type Pipeline struct {
	Name             string `yaml:"name"`
	TemplateID       string `yaml:"template_id"`
	TargetResourceID string `yaml:"target_resource_id"`
	Schedule         string `yaml:"schedule,omitempty"`
	Enabled          bool   `yaml:"enabled"`

	// Watermark 只會在任務確認成功後往前推進
	Watermark        time.Time `yaml:"watermark,omitempty"`
	InitialWatermark time.Time `yaml:"initial_watermark,omitempty"`

	// 每條管線可覆寫的等待與重試設定
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	MaxWait      time.Duration `yaml:"max_wait,omitempty"`
	Retry        RetryPolicy   `yaml:"retry,omitempty"`

	LastRun *LastRun    `yaml:"last_run,omitempty"`
	Pending *PendingRun `yaml:"pending,omitempty"`
}

// WindowStart returns the lower bound for the next window.
func (p *Pipeline) WindowStart() time.Time {
	if !p.Watermark.IsZero() {
		return p.Watermark
	}
	return p.InitialWatermark
}

// RunResult 單次管線執行的完整結果
type RunResult struct {
	RunID      string    `json:"run_id"`
	Pipeline   string    `json:"pipeline"`
	Status     RunStatus `json:"status"`
	JobID      JobID     `json:"job_id,omitempty"`
	Window     Window    `json:"window"`
	Job        *Job      `json:"job,omitempty"`
	Resumed    bool      `json:"resumed,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// Duration 執行耗時
func (r *RunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
