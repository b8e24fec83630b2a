package persistence

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mirovik/dogebot/pkg/logger"
)

// ErrNotExists 表示快照不存在（主文件和备份都不可用）
var ErrNotExists = fmt.Errorf("persistence: snapshot not exists")

// SnapshotStore 基于 JSON 文件的快照存储。
//
// 写路径：先把现有主文件复制为备份，再写临时文件并原子 rename 覆盖主文件。
// 读路径：优先读主文件；主文件缺失或损坏时回退到备份，并用备份重写主文件。
// 外部读取方只能把快照文件当作最终一致的视图，不提供事务语义。
type SnapshotStore struct {
	path       string
	backupPath string
}

// NewSnapshotStore 创建快照存储。备份文件名在主文件扩展名前插入 "_backup"，
// 例如 data/positions.json -> data/positions_backup.json。
func NewSnapshotStore(path string) *SnapshotStore {
	ext := filepath.Ext(path)
	backup := strings.TrimSuffix(path, ext) + "_backup" + ext
	return &SnapshotStore{
		path:       path,
		backupPath: backup,
	}
}

// Path 返回主文件路径
func (s *SnapshotStore) Path() string {
	return s.path
}

// BackupPath 返回备份文件路径
func (s *SnapshotStore) BackupPath() string {
	return s.backupPath
}

// Save 保存快照：备份旧主文件，临时文件写入后原子替换
func (s *SnapshotStore) Save(data interface{}) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	// 现有主文件先转成备份，保证写失败时至少留有上一版
	if _, err := os.Stat(s.path); err == nil {
		if err := copyFile(s.path, s.backupPath); err != nil {
			return fmt.Errorf("persistence: backup copy: %w", err)
		}
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.path)
}

// Load 加载快照。主文件损坏时回退到备份并恢复主文件；
// 两者都不可用时返回 ErrNotExists。
func (s *SnapshotStore) Load(data interface{}) error {
	if err := tryLoad(s.path, data); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		logger.Warnf("[persistence] primary snapshot unreadable, falling back to backup: %s (%v)", s.path, err)
	}

	if err := tryLoad(s.backupPath, data); err != nil {
		return ErrNotExists
	}

	// 备份可用：用备份重写主文件
	if err := copyFile(s.backupPath, s.path); err != nil {
		logger.Warnf("[persistence] restore primary from backup failed: %v", err)
	} else {
		logger.Infof("[persistence] primary snapshot restored from backup: %s", s.path)
	}
	return nil
}

func tryLoad(path string, data interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return fmt.Errorf("empty file")
	}
	return json.Unmarshal(b, data)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
