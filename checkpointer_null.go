package proposalflow

import (
	"context"
)

// NullCheckpointStore disables persistence. Get always reports no checkpoint,
// so interrupted runs cannot be resumed across process restarts.
type NullCheckpointStore struct{}

// NewNullCheckpointStore creates a no-op checkpoint store.
func NewNullCheckpointStore() *NullCheckpointStore {
	return &NullCheckpointStore{}
}

// Get always returns no checkpoint.
func (s *NullCheckpointStore) Get(ctx context.Context, threadID string) (*Checkpoint, error) {
	return nil, nil
}

// Put discards the checkpoint.
func (s *NullCheckpointStore) Put(ctx context.Context, checkpoint *Checkpoint) error {
	return nil
}

// Delete does nothing.
func (s *NullCheckpointStore) Delete(ctx context.Context, threadID string) error {
	return nil
}
