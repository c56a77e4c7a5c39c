package proposalflow

import (
	"context"
	"sync"
	"time"
)

// MemoryCheckpointStore keeps checkpoints in process memory. Useful for
// tests and single-process runs that do not need durability across restarts.
type MemoryCheckpointStore struct {
	namespace   string
	mutex       sync.RWMutex
	checkpoints map[string]*Checkpoint
}

// NewMemoryCheckpointStore creates an in-memory checkpoint store.
func NewMemoryCheckpointStore(namespace string) *MemoryCheckpointStore {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &MemoryCheckpointStore{
		namespace:   namespace,
		checkpoints: map[string]*Checkpoint{},
	}
}

// Get loads the checkpoint for a thread.
func (s *MemoryCheckpointStore) Get(ctx context.Context, threadID string) (*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	checkpoint, ok := s.checkpoints[CheckpointID(s.namespace, threadID)]
	if !ok {
		return nil, nil
	}
	return checkpoint.Copy(), nil
}

// Put creates or overwrites the checkpoint for a thread.
func (s *MemoryCheckpointStore) Put(ctx context.Context, checkpoint *Checkpoint) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stored := checkpoint.Copy()
	stored.Namespace = s.namespace
	stored.ID = CheckpointID(s.namespace, checkpoint.ThreadID)
	stored.UpdatedAt = time.Now().UTC()
	if existing, ok := s.checkpoints[stored.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = stored.UpdatedAt
	}
	s.checkpoints[stored.ID] = stored
	return nil
}

// Delete removes the checkpoint for a thread.
func (s *MemoryCheckpointStore) Delete(ctx context.Context, threadID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.checkpoints, CheckpointID(s.namespace, threadID))
	return nil
}

// ListThreads returns summaries for all persisted threads.
func (s *MemoryCheckpointStore) ListThreads(ctx context.Context) ([]*ThreadSummary, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	summaries := make([]*ThreadSummary, 0, len(s.checkpoints))
	for _, checkpoint := range s.checkpoints {
		summaries = append(summaries, checkpoint.Summary())
	}
	return summaries, nil
}
