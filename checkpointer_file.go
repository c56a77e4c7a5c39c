package proposalflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// FileCheckpointStore persists one JSON file per thread under
// <dataDir>/<namespace>/. Writes go through a temp file rename so a crashed
// write never leaves a truncated checkpoint behind.
type FileCheckpointStore struct {
	dataDir   string
	namespace string
}

// NewFileCheckpointStore creates a file-based checkpoint store.
func NewFileCheckpointStore(dataDir, namespace string) (*FileCheckpointStore, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".proposalflow", "threads")
	}
	dir := filepath.Join(dataDir, namespace)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	return &FileCheckpointStore{dataDir: dataDir, namespace: namespace}, nil
}

func (s *FileCheckpointStore) path(threadID string) string {
	return filepath.Join(s.dataDir, s.namespace, threadID+".json")
}

// Get loads the checkpoint for a thread.
func (s *FileCheckpointStore) Get(ctx context.Context, threadID string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(threadID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// Put creates or overwrites the checkpoint for a thread.
func (s *FileCheckpointStore) Put(ctx context.Context, checkpoint *Checkpoint) error {
	stored := checkpoint.Copy()
	stored.Namespace = s.namespace
	stored.ID = CheckpointID(s.namespace, checkpoint.ThreadID)
	stored.UpdatedAt = time.Now().UTC()

	if existing, err := s.Get(ctx, checkpoint.ThreadID); err != nil {
		return err
	} else if existing != nil {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = stored.UpdatedAt
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	path := s.path(checkpoint.ThreadID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace checkpoint file: %w", err)
	}
	return nil
}

// Delete removes the checkpoint for a thread.
func (s *FileCheckpointStore) Delete(ctx context.Context, threadID string) error {
	err := os.Remove(s.path(threadID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint file: %w", err)
	}
	return nil
}

// ListThreads returns summaries for all persisted threads, newest first.
func (s *FileCheckpointStore) ListThreads(ctx context.Context) ([]*ThreadSummary, error) {
	entries, err := os.ReadDir(filepath.Join(s.dataDir, s.namespace))
	if err != nil {
		if os.IsNotExist(err) {
			return []*ThreadSummary{}, nil
		}
		return nil, fmt.Errorf("failed to read threads directory: %w", err)
	}

	var summaries []*ThreadSummary
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		checkpoint, err := s.Get(ctx, name[:len(name)-len(".json")])
		if err != nil || checkpoint == nil {
			// Skip threads we cannot read.
			continue
		}
		summaries = append(summaries, checkpoint.Summary())
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}
