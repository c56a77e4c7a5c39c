package proposalflow

import (
	"time"

	"github.com/google/uuid"
)

// InterruptPayload is what a paused run hands back to the caller: the
// question for the human reviewer plus enough context to render it. The
// pause itself is expressed as a return value (an Update that flips
// InterruptStatus), never as thrown control flow, so it survives
// serialization and a resume in a different process.
type InterruptPayload struct {
	ID         string    `json:"id"`
	NodeID     string    `json:"node_id"`
	Phase      Phase     `json:"phase,omitempty"`
	Reason     string    `json:"reason"`
	Question   string    `json:"question"`
	ContentRef string    `json:"content_ref,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitzero"`
}

// Interrupt builds the update a node returns to pause the run and await
// external input. The engine checkpoints the post-update state and returns
// the payload to the caller; nothing after the node executes until resume.
func Interrupt(payload InterruptPayload) Update {
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now().UTC()
	}
	update := Update{
		Interrupt: &InterruptPatch{Value: &InterruptStatus{
			Interrupted: true,
			Point:       payload.NodeID,
			Processing:  ProcessingPending,
		}},
		InterruptMeta: &InterruptMetadata{
			ID:         payload.ID,
			Reason:     payload.Reason,
			NodeID:     payload.NodeID,
			ContentRef: payload.ContentRef,
			Timestamp:  payload.Timestamp,
		},
	}
	if payload.Phase != "" {
		update.Phases = map[Phase]PhaseStatus{payload.Phase: PhaseStatusAwaitingReview}
	}
	if payload.Question != "" {
		update.Messages = []Message{{
			Role:      RoleAssistant,
			Content:   payload.Question,
			Node:      payload.NodeID,
			Timestamp: payload.Timestamp,
		}}
	}
	return update
}

// interruptPayloadFromState rebuilds the caller-facing payload from a paused
// state.
func interruptPayloadFromState(s State) *InterruptPayload {
	if !s.Interrupt.Interrupted {
		return nil
	}
	payload := &InterruptPayload{NodeID: s.Interrupt.Point}
	if meta := s.InterruptMeta; meta != nil {
		payload.ID = meta.ID
		payload.Reason = meta.Reason
		payload.ContentRef = meta.ContentRef
		payload.Timestamp = meta.Timestamp
	}
	// The question is the last assistant message emitted by the pausing node.
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Node == s.Interrupt.Point && s.Messages[i].Role == RoleAssistant {
			payload.Question = s.Messages[i].Content
			break
		}
	}
	return payload
}

// resumeUpdate is the externally injected update a resume call applies: the
// answer lands in UserFeedback and the interrupt status is explicitly
// cleared. It flows through the same reducers as any node output.
func resumeUpdate(answer *FeedbackEnvelope) Update {
	value := answer.Copy()
	if value.ReceivedAt.IsZero() {
		value.ReceivedAt = time.Now().UTC()
	}
	return Update{
		UserFeedback: &FeedbackPatch{Value: value},
		Interrupt:    &InterruptPatch{Clear: true},
	}
}
