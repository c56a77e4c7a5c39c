package proposalflow

import (
	"fmt"
	"time"
)

// DefaultNamespace prefixes checkpoint keys when no namespace is configured.
const DefaultNamespace = "proposal"

// CheckpointID builds the primary key for a thread's checkpoint row.
func CheckpointID(namespace, threadID string) string {
	return fmt.Sprintf("%s:%s", namespace, threadID)
}

// Checkpoint is a durable, whole-state snapshot keyed by thread. One record
// exists per thread; every write overwrites the full state (no partial
// patching). The engine never deletes checkpoints - deletion is an ops
// concern.
type Checkpoint struct {
	ID        string         `json:"id"` // namespace:threadID
	Namespace string         `json:"namespace"`
	ThreadID  string         `json:"thread_id"`
	AgentType string         `json:"agent_type,omitempty"`
	OwnerID   string         `json:"owner_id,omitempty"`
	State     State          `json:"state"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitzero"`
	UpdatedAt time.Time      `json:"updated_at,omitzero"`
}

// Copy returns a copy of the checkpoint with an independent state.
func (c *Checkpoint) Copy() *Checkpoint {
	out := *c
	out.State = c.State.Clone()
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// ThreadSummary describes one persisted thread for listings.
type ThreadSummary struct {
	ThreadID    string    `json:"thread_id"`
	OwnerID     string    `json:"owner_id,omitempty"`
	AgentType   string    `json:"agent_type,omitempty"`
	Interrupted bool      `json:"interrupted"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
}

// Summary returns the listing view of a checkpoint.
func (c *Checkpoint) Summary() *ThreadSummary {
	return &ThreadSummary{
		ThreadID:    c.ThreadID,
		OwnerID:     c.OwnerID,
		AgentType:   c.AgentType,
		Interrupted: c.State.Interrupt.Interrupted,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}
