package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestKVBackends(t *testing.T) {
	for _, backend := range []string{"bolt", "sqlite", "file", "memory"} {
		t.Run(backend, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "cache.db")
			kv, err := Open(backend, path)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			defer kv.Close()

			if _, ok, err := kv.Get("missing"); ok || err != nil {
				t.Errorf("Expected miss, got ok=%v err=%v", ok, err)
			}

			if err := kv.Put("k", []byte(`{"v":1}`)); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			v, ok, err := kv.Get("k")
			if err != nil || !ok {
				t.Fatalf("Get failed: ok=%v err=%v", ok, err)
			}
			if string(v) != `{"v":1}` {
				t.Errorf("Expected stored value, got %s", v)
			}

			if err := kv.Put("k", []byte(`{"v":2}`)); err != nil {
				t.Fatalf("overwrite failed: %v", err)
			}
			v, _, _ = kv.Get("k")
			if string(v) != `{"v":2}` {
				t.Errorf("Expected overwritten value, got %s", v)
			}

			if err := kv.Delete("k"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if _, ok, _ := kv.Get("k"); ok {
				t.Error("Expected key to be gone after Delete")
			}
			if err := kv.Delete("k"); err != nil {
				t.Errorf("Deleting a missing key should succeed, got %v", err)
			}
		})
	}
}

func TestKVDurableAcrossReopen(t *testing.T) {
	for _, backend := range []string{"bolt", "sqlite", "file"} {
		t.Run(backend, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cache.db")

			kv, err := Open(backend, path)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if err := kv.Put("pref", []byte(`"websocket"`)); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			if err := kv.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}

			kv, err = Open(backend, path)
			if err != nil {
				t.Fatalf("reopen failed: %v", err)
			}
			defer kv.Close()

			v, ok, err := kv.Get("pref")
			if err != nil || !ok {
				t.Fatalf("Expected value after reopen, ok=%v err=%v", ok, err)
			}
			if string(v) != `"websocket"` {
				t.Errorf("Unexpected value %s", v)
			}
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open("redis", filepath.Join(t.TempDir(), "x")); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("Expected ErrUnknownBackend, got %v", err)
	}
	if _, err := Open("bolt", ""); err == nil {
		t.Error("Expected error for empty path")
	}
}

func TestFileKVRejectsNonJSON(t *testing.T) {
	kv, err := OpenFile(filepath.Join(t.TempDir(), "prefs.json"))
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	if err := kv.Put("k", []byte("not json")); err == nil {
		t.Error("Expected error for non-JSON value")
	}
}

func TestFileKVCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	if err := os.WriteFile(path, []byte("{broken"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFile(path); err == nil {
		t.Error("Expected error loading a corrupt file")
	}
}

func TestMemoryKVClosed(t *testing.T) {
	kv := NewMemory()
	kv.Close()
	if err := kv.Put("k", []byte("v")); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
