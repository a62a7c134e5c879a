package snapshot

// ============================================================================
// 職責說明：
// 1. 將文件（pipeline 紀錄等）序列化為 YAML 檔
// 2. 使用原子性寫入（temp file + fsync + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 讀者永遠只會看到完整的舊版或新版文件
// ============================================================================

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// SchemaVersion 目前的文件版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// Header 每份文件開頭的版本欄位，文件結構需以 inline 方式嵌入
type Header struct {
	SchemaVersion int `yaml:"schema_version"`
}

// Manager 快照管理器
type Manager struct {
	path string     // 檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write 原子性寫入文件
//
// 流程：
// 1. 在同一目錄建立臨時檔案並寫入
// 2. fsync 臨時檔案
// 3. os.Rename 原子性替換原始檔案
func (m *Manager) Write(doc interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	// 原子性重新命名（關鍵步驟）
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	syncDir(dir)
	return nil
}

// Load 載入文件到 doc
//
// 行為：
//   - 檔案不存在時回傳 false（首次啟動），doc 保持不變
//   - 驗證 schema 版本
//   - 偵測損壞的檔案
func (m *Manager) Load(doc interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var header Header
	if err := yaml.Unmarshal(data, &header); err != nil {
		return false, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	// 手寫的設定檔可省略版本欄位
	if header.SchemaVersion != 0 && header.SchemaVersion != SchemaVersion {
		return false, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, header.SchemaVersion, SchemaVersion)
	}

	if err := yaml.Unmarshal(data, doc); err != nil {
		return false, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	return true, nil
}

// Exists 檢查檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得檔案路徑
func (m *Manager) GetPath() string {
	return m.path
}

// syncDir 讓 rename 在斷電後仍然生效（不支援時忽略）
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
