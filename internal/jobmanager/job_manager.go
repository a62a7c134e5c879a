// ============================================================================
// Beaver-Sync 任務管理器 - 遠端任務觀測狀態機
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 記錄本程序提交或觀測過的遠端任務，並驗證觀測到的狀態轉換
//
// 設計理念:
//   遠端服務不提供任務列表，因此本程序必須自行記住 job id。
//   狀態轉換完全由遠端驅動，本地只透過輪詢觀測；JobManager 負責
//   確認每一次觀測都符合狀態機，拒絕不合法的轉換。
//
// 任務狀態轉換 (State Machine):
//   Pending (已提交)
//      ↓
//   Running (執行中)
//      ↓
//   Completed (Success | Failure) / Cancelled
//
// 狀態轉換規則:
//   - Pending → Running
//   - Running → Completed | Cancelled
//   - Pending → Completed | Cancelled：輪詢間隔內錯過 Running，允許但計數
//   - 終止狀態不可再轉換（ErrTerminalState）
//   - Running → Pending 不合法（ErrInvalidTransition）
//
// 並發安全:
//   - sync.RWMutex 保護 jobs map
//   - 讀操作使用 RLock，寫操作使用 Lock
//
// 保留期限:
//   - 終止任務在 Prune 之後移除，gauge 只反映最近的任務
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-sync/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複登記
	ErrDuplicateJob = errors.New("job already tracked")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 終止狀態不可再轉換
	ErrTerminalState = errors.New("job already in terminal state")
	// 不合法的狀態轉換
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Record 單一任務的觀測紀錄
type Record struct {
	Job          types.Job // 最近一次合法的快照
	Owner        string    // 提交者（pipeline 名稱或 "cli"）
	FirstSeen    time.Time
	LastSeen     time.Time
	Polls        int  // 觀測次數
	SkippedState bool // 曾從 Pending 直接跳到終止狀態
}

// JobManager 遠端任務觀測紀錄
type JobManager struct {
	mu   sync.RWMutex
	jobs map[types.JobID]*Record
	now  func() time.Time
}

// NewJobManager 建立新的任務管理器實例
func NewJobManager() *JobManager {
	return &JobManager{
		jobs: make(map[types.JobID]*Record),
		now:  time.Now,
	}
}

// ============================================================================
// 核心方法
// ============================================================================

// Register 登記剛提交的任務，初始狀態為 Pending
func (jm *JobManager) Register(id types.JobID, templateID, resourceID, owner string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[id]; exists {
		return ErrDuplicateJob
	}

	now := jm.now()
	jm.jobs[id] = &Record{
		Job: types.Job{
			ID:               id,
			TemplateID:       templateID,
			TargetResourceID: resourceID,
			State:            types.StatePending,
			SubmittedAt:      now,
			UpdatedAt:        now,
		},
		Owner:     owner,
		FirstSeen: now,
		LastSeen:  now,
	}
	return nil
}

// Observe 記錄一次輪詢結果
//
// 未登記的任務（例如恢復中的 pending run）會自動登記。
// 不合法的轉換回傳錯誤且不覆蓋既有快照。
func (jm *JobManager) Observe(job *types.Job) error {
	if job == nil || job.ID == "" {
		return ErrJobNotFound
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	now := jm.now()
	rec, exists := jm.jobs[job.ID]
	if !exists {
		jm.jobs[job.ID] = &Record{Job: *job, FirstSeen: now, LastSeen: now, Polls: 1}
		return nil
	}

	skipped, err := checkTransition(rec.Job.State, job.State)
	if err != nil {
		rec.LastSeen = now
		rec.Polls++
		return fmt.Errorf("%w: job %s %s -> %s", err, job.ID, rec.Job.State, job.State)
	}

	rec.Job = *job
	rec.LastSeen = now
	rec.Polls++
	rec.SkippedState = rec.SkippedState || skipped
	return nil
}

// checkTransition 驗證 from → to，回傳是否跳過 Running
func checkTransition(from, to types.JobState) (bool, error) {
	if from == to {
		return false, nil
	}
	if from.IsTerminal() {
		return false, ErrTerminalState
	}

	switch from {
	case types.StatePending:
		switch to {
		case types.StateRunning:
			return false, nil
		case types.StateCompleted, types.StateCancelled:
			return true, nil
		}
	case types.StateRunning:
		if to.IsTerminal() {
			return false, nil
		}
	}
	return false, ErrInvalidTransition
}

// Get 取得任務最近一次的快照
func (jm *JobManager) Get(id types.JobID) (Record, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	rec, exists := jm.jobs[id]
	if !exists {
		return Record{}, ErrJobNotFound
	}
	return *rec, nil
}

// Active 回傳指定 resource 上尚未終止的任務（resourceID 為空時回傳全部）
func (jm *JobManager) Active(resourceID string) []types.JobID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var ids []types.JobID
	for id, rec := range jm.jobs {
		if rec.Job.State.IsTerminal() {
			continue
		}
		if resourceID != "" && rec.Job.TargetResourceID != resourceID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Forget 移除任務紀錄
func (jm *JobManager) Forget(id types.JobID) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	delete(jm.jobs, id)
}

// Prune 移除 LastSeen 早於 before 的終止任務，回傳移除數量
//
// 未終止的任務不論多舊都保留，否則恢復中的 run 會失去紀錄。
func (jm *JobManager) Prune(before time.Time) int {
	jm.mu.RLock()
	var stale []types.JobID
	for id, rec := range jm.jobs {
		if rec.Job.State.IsTerminal() && rec.LastSeen.Before(before) {
			stale = append(stale, id)
		}
	}
	jm.mu.RUnlock()

	// 終止狀態不會再改變，放開讀鎖後刪除是安全的
	for _, id := range stale {
		jm.Forget(id)
	}
	return len(stale)
}

// GetStats 取得各狀態任務數量（供 metrics gauge 使用）
func (jm *JobManager) GetStats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := map[string]int{
		"pending":   0,
		"running":   0,
		"succeeded": 0,
		"failed":    0,
		"cancelled": 0,
	}
	for _, rec := range jm.jobs {
		switch rec.Job.State {
		case types.StatePending:
			stats["pending"]++
		case types.StateRunning:
			stats["running"]++
		case types.StateCancelled:
			stats["cancelled"]++
		case types.StateCompleted:
			if rec.Job.Succeeded() {
				stats["succeeded"]++
			} else {
				stats["failed"]++
			}
		}
	}
	return stats
}
