package persistence

import (
	"os"
	"path/filepath"
	"testing"
)

type payload struct {
	Name  string  `json:"name"`
	Count int     `json:"count"`
	Value float64 `json:"value"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewSnapshotStore(filepath.Join(dir, "positions.json"))

	in := payload{Name: "DOGE", Count: 3, Value: 0.2031}
	if err := store.Save(in); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	var out payload
	if err := store.Load(&out); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
	}
}

func TestLoadMissingReturnsErrNotExists(t *testing.T) {
	store := NewSnapshotStore(filepath.Join(t.TempDir(), "positions.json"))

	var out payload
	if err := store.Load(&out); err != ErrNotExists {
		t.Fatalf("expected ErrNotExists, got %v", err)
	}
}

func TestSaveCreatesBackupOfPrevious(t *testing.T) {
	dir := t.TempDir()
	store := NewSnapshotStore(filepath.Join(dir, "positions.json"))

	if err := store.Save(payload{Name: "v1"}); err != nil {
		t.Fatalf("first Save error: %v", err)
	}
	if err := store.Save(payload{Name: "v2"}); err != nil {
		t.Fatalf("second Save error: %v", err)
	}

	var backup payload
	if err := tryLoad(store.BackupPath(), &backup); err != nil {
		t.Fatalf("backup unreadable: %v", err)
	}
	if backup.Name != "v1" {
		t.Fatalf("backup holds %q, want previous version v1", backup.Name)
	}
}

func TestLoadFallsBackToBackup(t *testing.T) {
	dir := t.TempDir()
	store := NewSnapshotStore(filepath.Join(dir, "positions.json"))

	if err := store.Save(payload{Name: "v1"}); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if err := store.Save(payload{Name: "v2"}); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	// 损坏主文件
	if err := os.WriteFile(store.Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupt primary: %v", err)
	}

	var out payload
	if err := store.Load(&out); err != nil {
		t.Fatalf("Load with backup error: %v", err)
	}
	if out.Name != "v1" {
		t.Fatalf("fallback loaded %q, want v1", out.Name)
	}

	// 主文件应当已从备份恢复
	var restored payload
	if err := tryLoad(store.Path(), &restored); err != nil {
		t.Fatalf("primary not restored: %v", err)
	}
	if restored.Name != "v1" {
		t.Fatalf("restored primary holds %q, want v1", restored.Name)
	}
}

func TestLoadFallsBackWhenPrimaryDeleted(t *testing.T) {
	dir := t.TempDir()
	store := NewSnapshotStore(filepath.Join(dir, "positions.json"))

	if err := store.Save(payload{Name: "v1"}); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if err := store.Save(payload{Name: "v2"}); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if err := os.Remove(store.Path()); err != nil {
		t.Fatalf("remove primary: %v", err)
	}

	var out payload
	if err := store.Load(&out); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if out.Name != "v1" {
		t.Fatalf("loaded %q from backup, want v1", out.Name)
	}
}
