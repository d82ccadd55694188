package cooldown

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// fileVersion is bumped when the on-disk layout changes.
const fileVersion = 1

// stateFile is the on-disk layout: one record per agent identifier.
type stateFile struct {
	Version   int               `json:"version"`
	UpdatedAt time.Time         `json:"updated_at"`
	Records   map[string]Record `json:"records"`
}

// readState loads the records at path. A missing file is an empty store.
func readState(path string) (map[string]Record, time.Time, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Record{}, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to stat cooldown file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read cooldown file: %w", err)
	}
	if len(data) == 0 {
		return map[string]Record{}, info.ModTime(), nil
	}

	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to parse cooldown file %s: %w", path, err)
	}
	if sf.Records == nil {
		sf.Records = map[string]Record{}
	}
	for id, rec := range sf.Records {
		if rec.AgentID == "" {
			rec.AgentID = id
			sf.Records[id] = rec
		}
	}
	return sf.Records, info.ModTime(), nil
}

// writeState replaces the file at path with records. Readers never observe a
// partial file: content goes to a temp file in the same directory, is synced,
// then renamed over the target.
func writeState(path string, records map[string]Record, now time.Time) (time.Time, error) {
	data, err := json.MarshalIndent(stateFile{
		Version:   fileVersion,
		UpdatedAt: now.UTC(),
		Records:   records,
	}, "", "  ")
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to marshal cooldowns: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return time.Time{}, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".cooldowns-*.tmp")
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return time.Time{}, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return time.Time{}, fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return time.Time{}, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return time.Time{}, fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return time.Time{}, fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}
	tmp = nil

	syncDir(dir)

	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to stat cooldown file: %w", err)
	}
	return info.ModTime(), nil
}

// syncDir flushes the directory entry so the rename survives a crash.
// Some filesystems refuse fsync on directories; that is not an error here.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}
