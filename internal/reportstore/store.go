package reportstore

// ============================================================================
// 職責說明：
// 1. 將每次 execute() 產生的 Report 序列化為 <dir>/<id>.json
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/umbra-broker/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrReportNotFound      = errors.New("report not found")
	ErrCorruptedReport     = errors.New("report file is corrupted")
	ErrIncompatibleVersion = errors.New("report schema version is incompatible")
	ErrInvalidID           = errors.New("invalid report id")
)

const schemaVersion = 1

// record 是磁碟上的文件格式
type record struct {
	SchemaVer int          `json:"schema_ver"`
	SavedAt   time.Time    `json:"saved_at"`
	Report    types.Report `json:"report"`
}

// Store 報告儲存
type Store struct {
	dir string     // 報告目錄
	mu  sync.Mutex // 保護檔案操作
}

// New 建立報告儲存實例。目錄在第一次寫入時建立。
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir 取得報告目錄
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

// Save 原子性寫入報告
//
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (s *Store) Save(r types.Report) error {
	path, err := s.path(r.ID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create report dir: %w", err)
	}

	jsonBytes, err := json.MarshalIndent(record{
		SchemaVer: schemaVersion,
		SavedAt:   time.Now().UTC(),
		Report:    r,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp report: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename report: %w", err)
	}
	return nil
}

// Load 載入報告
func (s *Store) Load(id string) (types.Report, error) {
	path, err := s.path(id)
	if err != nil {
		return types.Report{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	jsonBytes, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.Report{}, fmt.Errorf("%w: %s", ErrReportNotFound, id)
		}
		return types.Report{}, fmt.Errorf("failed to read report: %w", err)
	}

	var rec record
	if err := json.Unmarshal(jsonBytes, &rec); err != nil {
		return types.Report{}, fmt.Errorf("%w: %v", ErrCorruptedReport, err)
	}
	if rec.SchemaVer != schemaVersion {
		return types.Report{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, rec.SchemaVer, schemaVersion)
	}

	if rec.Report.Info == nil {
		rec.Report.Info = types.Payload{}
	}
	if rec.Report.Error == nil {
		rec.Report.Error = types.Payload{}
	}
	return rec.Report, nil
}
