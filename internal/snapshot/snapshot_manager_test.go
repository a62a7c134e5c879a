package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRecord struct {
	Name      string    `yaml:"name"`
	Watermark time.Time `yaml:"watermark"`
	Status    string    `yaml:"status"`
}

type testDoc struct {
	Header  `yaml:",inline"`
	Records []testRecord `yaml:"records"`
}

// failingDoc 序列化時必定失敗
type failingDoc struct{}

func (failingDoc) MarshalYAML() (interface{}, error) {
	return nil, errors.New("cannot encode")
}

func newDoc(n int) testDoc {
	doc := testDoc{Header: Header{SchemaVersion: SchemaVersion}}
	for i := 0; i < n; i++ {
		doc.Records = append(doc.Records, testRecord{
			Name:      fmt.Sprintf("pipeline-%03d", i),
			Watermark: time.Date(2024, 1, 1, i%24, 0, 0, 0, time.UTC),
			Status:    "success",
		})
	}
	return doc
}

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("pipelines.yaml")
	assert.NotNil(t, manager)
	assert.Equal(t, "pipelines.yaml", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入
func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	manager := NewManager(path)

	original := newDoc(3)
	require.NoError(t, manager.Write(original))

	var loaded testDoc
	found, err := manager.Load(&loaded)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, original, loaded)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "schema_version: 1")
	assert.Contains(t, string(raw), "name: pipeline-000")
}

// TestAtomicWrite 測試不留下臨時檔案
func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	manager := NewManager(filepath.Join(dir, "pipelines.yaml"))

	for i := 0; i < 5; i++ {
		require.NoError(t, manager.Write(newDoc(i+1)))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must be renamed away")
	assert.Equal(t, "pipelines.yaml", entries[0].Name())

	var loaded testDoc
	_, err = manager.Load(&loaded)
	require.NoError(t, err)
	assert.Len(t, loaded.Records, 5)
}

// TestWriteCreatesDirectory 測試自動建立目錄
func TestWriteCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "nested", "pipelines.yaml")
	manager := NewManager(path)

	require.NoError(t, manager.Write(newDoc(1)))
	assert.True(t, manager.Exists())
}

// TestExists 測試檔案存在檢查
func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "pipelines.yaml"))
	assert.False(t, manager.Exists())

	require.NoError(t, manager.Write(newDoc(1)))
	assert.True(t, manager.Exists())
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestFirstBoot 測試檔案不存在時回傳空狀態
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.yaml"))

	var loaded testDoc
	found, err := manager.Load(&loaded)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, loaded.Records)
}

// TestVersionMismatch 測試版本不相容
func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	require.NoError(t, os.WriteFile(path, []byte("schema_version: 99\nrecords: []\n"), 0o644))

	var loaded testDoc
	_, err := NewManager(path).Load(&loaded)
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestMissingVersionAccepted 測試手寫檔案可省略版本
func TestMissingVersionAccepted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	require.NoError(t, os.WriteFile(path, []byte("records:\n  - name: hand-written\n"), 0o644))

	var loaded testDoc
	found, err := NewManager(path).Load(&loaded)
	require.NoError(t, err)
	assert.True(t, found)
	require.Len(t, loaded.Records, 1)
	assert.Equal(t, "hand-written", loaded.Records[0].Name)
}

// TestCorrupted 測試損壞檔案
func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	require.NoError(t, os.WriteFile(path, []byte("records: [unclosed\n  :::"), 0o644))

	var loaded testDoc
	_, err := NewManager(path).Load(&loaded)
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestWriteFailure 測試目錄不可寫入
func TestWriteFailure(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o555))
	defer os.Chmod(dir, 0o755)

	err := NewManager(filepath.Join(dir, "pipelines.yaml")).Write(newDoc(1))
	assert.Error(t, err)
}

// TestFailedWriteKeepsPreviousVersion 測試寫入失敗時舊版本仍完整
func TestFailedWriteKeepsPreviousVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	manager := NewManager(path)
	require.NoError(t, manager.Write(newDoc(2)))

	err := manager.Write(failingDoc{})
	assert.Error(t, err)

	var loaded testDoc
	_, err = manager.Load(&loaded)
	require.NoError(t, err)
	assert.Len(t, loaded.Records, 2)
}

// ============================================================================
// 並發測試
// ============================================================================

// TestConcurrentWritesAndReads 測試讀者不會看到破損的文件
func TestConcurrentWritesAndReads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	manager := NewManager(path)
	require.NoError(t, manager.Write(newDoc(10)))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, manager.Write(newDoc(10+n)))
		}(i)
		go func() {
			defer wg.Done()
			reader := NewManager(path) // 獨立 Manager，不共用鎖
			var loaded testDoc
			_, err := reader.Load(&loaded)
			assert.NoError(t, err)
			assert.GreaterOrEqual(t, len(loaded.Records), 10)
		}()
	}
	wg.Wait()
}

// ============================================================================
// 效能測試
// ============================================================================

func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "pipelines.yaml"))
	doc := newDoc(100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := manager.Write(doc); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkLoad(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "pipelines.yaml"))
	if err := manager.Write(newDoc(100)); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var loaded testDoc
		if _, err := manager.Load(&loaded); err != nil {
			b.Fatal(err)
		}
	}
}
