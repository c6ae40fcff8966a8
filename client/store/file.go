package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileKV keeps every entry in one JSON file. Not suitable for several
// processes sharing the path.
type FileKV struct {
	mu     sync.RWMutex
	path   string
	values map[string]json.RawMessage
}

// OpenFile loads path if it exists; otherwise it is created on first write.
func OpenFile(path string) (*FileKV, error) {
	f := &FileKV{path: path, values: make(map[string]json.RawMessage)}
	if err := f.load(); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return f, nil
}

func (f *FileKV) Get(key string) ([]byte, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Put stores value, which must be valid JSON.
func (f *FileKV) Put(key string, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("file store: value for %s is not JSON", key)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = append(json.RawMessage(nil), value...)
	return f.flush()
}

func (f *FileKV) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; !ok {
		return nil
	}
	delete(f.values, key)
	return f.flush()
}

func (f *FileKV) Close() error { return nil }

func (f *FileKV) load() error {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &f.values)
}

// flush rewrites the file through a temp file and rename. Caller holds mu.
func (f *FileKV) flush() error {
	data, err := json.Marshal(f.values)
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
