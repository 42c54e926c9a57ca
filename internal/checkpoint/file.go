package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type fileState struct {
	Values    map[string]string `json:"values"`
	UpdatedAt string            `json:"updated_at"`
}

// FileKV persists checkpoints to a JSON file on disk.
type FileKV struct {
	path   string
	mu     sync.Mutex
	values map[string]string
}

func NewFileKV(path string) *FileKV {
	return &FileKV{path: path}
}

func (f *FileKV) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(); err != nil {
		return "", false, err
	}
	value, ok := f.values[key]
	return value, ok, nil
}

func (f *FileKV) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(); err != nil {
		return err
	}
	f.values[key] = value
	return f.flushLocked()
}

func (f *FileKV) loadLocked() error {
	if f.values != nil {
		return nil
	}

	stat, err := os.Stat(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			f.values = make(map[string]string)
			return nil
		}
		return fmt.Errorf("stat checkpoint: %w", err)
	}
	if stat.IsDir() {
		return fmt.Errorf("checkpoint path is a directory")
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}

	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parse checkpoint: %w", err)
	}
	if state.Values == nil {
		state.Values = make(map[string]string)
	}
	f.values = state.Values
	return nil
}

func (f *FileKV) flushLocked() error {
	dir := filepath.Dir(f.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint dir: %w", err)
		}
	}

	data, err := json.Marshal(fileState{
		Values:    f.values,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmpPath := f.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint tmp: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}
