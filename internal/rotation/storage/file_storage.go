package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound reports that a job has no checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

// FileStore implements Store using one JSON file per job.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a file-based checkpoint store rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

// DefaultDir returns the default checkpoint directory.
func DefaultDir() string {
	if dir := os.Getenv("KEYOPS_CHECKPOINT_DIR"); dir != "" {
		return dir
	}

	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "keyops", "checkpoints")
	}

	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "keyops", "checkpoints")
	}

	return filepath.Join(os.TempDir(), "keyops", "checkpoints")
}

// Save writes the checkpoint atomically: a torn write must never replace the
// last good checkpoint, or the job loses its resume point.
func (fs *FileStore) Save(cp *Checkpoint) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if cp.JobID == "" {
		return fmt.Errorf("checkpoint has no job id")
	}

	if err := os.MkdirAll(fs.baseDir, 0700); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	filename := fs.path(cp.JobID)
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, filename); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit checkpoint file: %w", err)
	}

	return nil
}

// Load retrieves a job's checkpoint.
func (fs *FileStore) Load(jobID string) (*Checkpoint, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	data, err := os.ReadFile(fs.path(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}

	return &cp, nil
}

// List returns all checkpoints, newest first. Unreadable files are skipped.
func (fs *FileStore) List() ([]*Checkpoint, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	files, err := os.ReadDir(fs.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	var checkpoints []*Checkpoint
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(fs.baseDir, file.Name()))
		if err != nil {
			continue
		}

		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			continue
		}
		checkpoints = append(checkpoints, &cp)
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].StartedAt.After(checkpoints[j].StartedAt)
	})

	return checkpoints, nil
}

// Delete removes a job's checkpoint.
func (fs *FileStore) Delete(jobID string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.Remove(fs.path(jobID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove checkpoint file: %w", err)
	}
	return nil
}

func (fs *FileStore) path(jobID string) string {
	return filepath.Join(fs.baseDir, fmt.Sprintf("%s.json", sanitizeFilename(jobID)))
}

// sanitizeFilename replaces characters that might be problematic in filenames
func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "-",
		"\\", "-",
		":", "-",
		"*", "-",
		"?", "-",
		"\"", "-",
		"<", "-",
		">", "-",
		"|", "-",
		" ", "_",
	)
	return replacer.Replace(name)
}
