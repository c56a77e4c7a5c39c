package proposalflow

import (
	"context"
)

// CheckpointStore persists whole-state snapshots keyed by thread identifier.
// Put has upsert semantics and always overwrites the entire state. Writes for
// a given thread are serialized by construction: only the engine writes
// checkpoints, and only from the run's single goroutine.
type CheckpointStore interface {
	// Get loads the checkpoint for a thread. It returns (nil, nil) when the
	// thread has no checkpoint.
	Get(ctx context.Context, threadID string) (*Checkpoint, error)

	// Put creates or overwrites the checkpoint for a thread. The store
	// assigns CreatedAt on first write and preserves it on updates.
	Put(ctx context.Context, checkpoint *Checkpoint) error

	// Delete removes the checkpoint for a thread. Callers use this for
	// cleanup; the engine never does.
	Delete(ctx context.Context, threadID string) error
}
