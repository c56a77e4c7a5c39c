// Package postgres provides a durable checkpoint store backed by PostgreSQL.
// State is stored as a JSONB document per thread, upserted wholesale on every
// write; the engine serializes writes per thread so no row-level coordination
// is needed.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	proposalflow "github.com/deepnoodle-ai/proposalflow"

	_ "github.com/lib/pq"
)

const schema = `
	CREATE TABLE IF NOT EXISTS proposal_checkpoints (
		id TEXT PRIMARY KEY,
		namespace TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		agent_type TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL DEFAULT '',
		state JSONB NOT NULL,
		metadata JSONB,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_proposal_checkpoints_agent_type ON proposal_checkpoints(agent_type);
	CREATE INDEX IF NOT EXISTS idx_proposal_checkpoints_owner_id ON proposal_checkpoints(owner_id);
	CREATE INDEX IF NOT EXISTS idx_proposal_checkpoints_updated_at ON proposal_checkpoints(updated_at);
`

// CheckpointStore persists checkpoints in a PostgreSQL table.
type CheckpointStore struct {
	db        *sql.DB
	namespace string
	logger    *slog.Logger
}

// Options configures a CheckpointStore.
type Options struct {
	DatabaseURL string
	Namespace   string
	Logger      *slog.Logger
}

// NewCheckpointStore connects to the database and ensures the checkpoint
// table exists.
func NewCheckpointStore(ctx context.Context, opts Options) (*CheckpointStore, error) {
	db, err := sql.Open("postgres", opts.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	namespace := opts.Namespace
	if namespace == "" {
		namespace = proposalflow.DefaultNamespace
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store := &CheckpointStore{
		db:        db,
		namespace: namespace,
		logger:    logger.With("component", "postgres_checkpoint_store"),
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	return store, nil
}

// Get loads the checkpoint for a thread, or (nil, nil) when none exists.
func (s *CheckpointStore) Get(ctx context.Context, threadID string) (*proposalflow.Checkpoint, error) {
	query := `
		SELECT id, namespace, thread_id, agent_type, owner_id, state, metadata, created_at, updated_at
		FROM proposal_checkpoints
		WHERE id = $1
	`

	row := s.db.QueryRowContext(ctx, query, proposalflow.CheckpointID(s.namespace, threadID))

	checkpoint := &proposalflow.Checkpoint{}
	var stateJSON, metadataJSON []byte
	err := row.Scan(
		&checkpoint.ID,
		&checkpoint.Namespace,
		&checkpoint.ThreadID,
		&checkpoint.AgentType,
		&checkpoint.OwnerID,
		&stateJSON,
		&metadataJSON,
		&checkpoint.CreatedAt,
		&checkpoint.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
	}

	if err := json.Unmarshal(stateJSON, &checkpoint.State); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint state: %w", err)
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &checkpoint.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint metadata: %w", err)
		}
	}
	return checkpoint, nil
}

// Put creates or overwrites the checkpoint for a thread. The original
// created_at survives overwrites.
func (s *CheckpointStore) Put(ctx context.Context, checkpoint *proposalflow.Checkpoint) error {
	stateJSON, err := json.Marshal(checkpoint.State)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint state: %w", err)
	}
	var metadataJSON []byte
	if checkpoint.Metadata != nil {
		metadataJSON, err = json.Marshal(checkpoint.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode checkpoint metadata: %w", err)
		}
	}

	query := `
		INSERT INTO proposal_checkpoints (
			id, namespace, thread_id, agent_type, owner_id, state, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id)
		DO UPDATE SET
			agent_type = EXCLUDED.agent_type,
			owner_id = EXCLUDED.owner_id,
			state = EXCLUDED.state,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
	`

	now := time.Now().UTC()
	createdAt := checkpoint.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = s.db.ExecContext(ctx, query,
		proposalflow.CheckpointID(s.namespace, checkpoint.ThreadID),
		s.namespace,
		checkpoint.ThreadID,
		checkpoint.AgentType,
		checkpoint.OwnerID,
		stateJSON,
		metadataJSON,
		createdAt,
		now,
	)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to save checkpoint",
			"thread_id", checkpoint.ThreadID, "error", err)
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Delete removes the checkpoint for a thread.
func (s *CheckpointStore) Delete(ctx context.Context, threadID string) error {
	query := `DELETE FROM proposal_checkpoints WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, proposalflow.CheckpointID(s.namespace, threadID)); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// ListThreads returns summaries for all persisted threads in the store's
// namespace, newest first.
func (s *CheckpointStore) ListThreads(ctx context.Context) ([]*proposalflow.ThreadSummary, error) {
	query := `
		SELECT thread_id, agent_type, owner_id,
			COALESCE((state->'interrupt'->>'interrupted')::boolean, false),
			created_at, updated_at
		FROM proposal_checkpoints
		WHERE namespace = $1
		ORDER BY updated_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, s.namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	var summaries []*proposalflow.ThreadSummary
	for rows.Next() {
		summary := &proposalflow.ThreadSummary{}
		err := rows.Scan(
			&summary.ThreadID,
			&summary.AgentType,
			&summary.OwnerID,
			&summary.Interrupted,
			&summary.CreatedAt,
			&summary.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread summary: %w", err)
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating thread rows: %w", err)
	}
	return summaries, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *CheckpointStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *CheckpointStore) Close() error {
	return s.db.Close()
}
