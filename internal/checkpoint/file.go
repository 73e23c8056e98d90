package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileStore keeps checkpoints as JSON files under a directory, one file per
// plan identifier. Suitable for single-operator runs from a workstation.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(planID string) string {
	return filepath.Join(s.dir, planID+".checkpoint.json")
}

// Load reads the checkpoint for planID, or ErrNotFound.
func (s *FileStore) Load(_ context.Context, planID string) (*Checkpoint, error) {
	raw, err := os.ReadFile(s.path(planID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", s.path(planID), err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint %s: %w", s.path(planID), err)
	}
	return &cp, nil
}

// Save writes the checkpoint atomically: temp file then rename, so a crash
// mid-write never leaves a truncated checkpoint behind.
func (s *FileStore) Save(_ context.Context, cp *Checkpoint) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	cp.UpdatedAt = time.Now().UTC()

	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	tmp := s.path(cp.PlanID) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, s.path(cp.PlanID)); err != nil {
		return fmt.Errorf("failed to finalize checkpoint: %w", err)
	}
	return nil
}

// Delete removes the checkpoint for planID. Missing files are not an error.
func (s *FileStore) Delete(_ context.Context, planID string) error {
	if err := os.Remove(s.path(planID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}
