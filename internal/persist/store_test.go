package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/HiImSmiley/socketleyd/internal/runtime"
)

func TestStoreSaveLoadRemove(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	cfg1 := runtime.Config{Name: "a", Kind: runtime.KindServer, Port: 9001}
	cfg2 := runtime.Config{Name: "b", Kind: runtime.KindClient, Target: "127.0.0.1:9001"}
	cfg1.Normalize()
	cfg2.Normalize()

	if err := store.Save(cfg1); err != nil {
		t.Fatalf("Save(cfg1) error: %v", err)
	}
	if err := store.Save(cfg2); err != nil {
		t.Fatalf("Save(cfg2) error: %v", err)
	}

	loaded, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("LoadAll() returned %d configs, want 2", len(loaded))
	}
	// name-sorted: "a" before "b"
	if loaded[0].Name != "a" || loaded[1].Name != "b" {
		t.Fatalf("LoadAll() order = [%s %s], want [a b]", loaded[0].Name, loaded[1].Name)
	}

	if err := store.Remove("a"); err != nil {
		t.Fatalf("Remove(a) error: %v", err)
	}
	loaded, err = store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Name != "b" {
		t.Fatalf("LoadAll() after Remove = %+v, want only b", loaded)
	}
}

func TestStoreRemoveMissingIsNotError(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := store.Remove("never-existed"); err != nil {
		t.Fatalf("Remove(missing) error: %v, want nil", err)
	}
}

func TestStoreLoadAllSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	cfg := runtime.Config{Name: "good", Kind: runtime.KindServer, Port: 9002}
	cfg.Normalize()
	if err := store.Save(cfg); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	corrupt := filepath.Join(store.Dir(), "bad.state")
	if err := os.WriteFile(corrupt, []byte("not a valid record at all\n"), 0o644); err != nil {
		t.Fatalf("WriteFile(corrupt) error: %v", err)
	}

	loaded, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Name != "good" {
		t.Fatalf("LoadAll() = %+v, want only the valid record", loaded)
	}
}

func TestStoreSaveOverwritesAtomically(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	cfg := runtime.Config{Name: "a", Kind: runtime.KindServer, Port: 9001}
	cfg.Normalize()
	if err := store.Save(cfg); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	cfg.Port = 9005
	cfg.WasRunning = true
	if err := store.Save(cfg); err != nil {
		t.Fatalf("Save() (overwrite) error: %v", err)
	}

	loaded, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Port != 9005 || !loaded[0].WasRunning {
		t.Fatalf("LoadAll() after overwrite = %+v, want Port=9005 WasRunning=true", loaded)
	}
}
