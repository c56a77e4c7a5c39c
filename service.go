package proposalflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
)

// StartRequest begins a new proposal thread.
type StartRequest struct {
	OwnerID      string `json:"owner_id" validate:"required"`
	DocumentID   string `json:"document_id" validate:"required"`
	DocumentName string `json:"document_name,omitempty"`
	// ThreadID is optional; a typed identifier is generated when absent.
	ThreadID string `json:"thread_id,omitempty"`
	// MaxRefinements overrides the per-phase refinement budget when positive.
	MaxRefinements int `json:"max_refinements,omitempty" validate:"gte=0"`
}

// ResumeRequest continues an interrupted thread with the reviewer's answer.
// Feedback may be nil when the answer was already staged via SubmitFeedback.
type ResumeRequest struct {
	ThreadID string            `json:"thread_id" validate:"required"`
	Feedback *FeedbackEnvelope `json:"feedback,omitempty"`
}

// FeedbackRequest stages a reviewer response against an interrupted thread
// without resuming it.
type FeedbackRequest struct {
	ThreadID string            `json:"thread_id" validate:"required"`
	Feedback *FeedbackEnvelope `json:"feedback" validate:"required"`
}

// InterruptView is the caller-facing snapshot of a thread's pause status.
type InterruptView struct {
	ThreadID    string            `json:"thread_id"`
	Interrupted bool              `json:"interrupted"`
	Payload     *InterruptPayload `json:"payload,omitempty"`
	Pending     *FeedbackEnvelope `json:"pending_feedback,omitempty"`
	Processing  ProcessingStatus  `json:"processing,omitempty"`
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Engine *Engine
	Store  CheckpointStore
	Logger *slog.Logger
}

// Service is the request-validated facade over the engine and the checkpoint
// store. It owns thread ID generation and the two-step feedback protocol:
// SubmitFeedback stages an answer on the interrupted checkpoint, Resume
// consumes it.
type Service struct {
	engine   *Engine
	store    CheckpointStore
	logger   *slog.Logger
	validate *validator.Validate
}

// NewService creates a service.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Engine == nil {
		return nil, NewEngineError(ErrorTypeConfiguration, "engine is required")
	}
	if opts.Store == nil {
		opts.Store = opts.Engine.store
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		engine:   opts.Engine,
		store:    opts.Store,
		logger:   opts.Logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// Start validates the request, builds the initial state, and runs the graph
// until completion or the first interrupt.
func (s *Service) Start(ctx context.Context, req StartRequest) (*Outcome, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, WrapError(ErrorTypeValidation, err)
	}
	threadID := req.ThreadID
	if threadID == "" {
		threadID = NewThreadID()
	}

	state := NewState(threadID)
	state.OwnerID = req.OwnerID
	state.Document = DocumentRef{
		ID:     req.DocumentID,
		Name:   req.DocumentName,
		Status: DocumentNotStarted,
	}
	if req.MaxRefinements > 0 {
		for _, phase := range []Phase{PhaseResearch, PhaseDrafting} {
			state.Collaboration[phase] = &CollaborationState{MaxRefinements: req.MaxRefinements}
		}
	}

	s.logger.Info("starting proposal thread",
		"thread_id", threadID, "owner_id", req.OwnerID, "document_id", req.DocumentID)
	return s.engine.Run(ctx, state)
}

// Resume validates the request and hands the answer to the engine. The
// engine enforces the protocol: resuming a thread that is not interrupted
// fails without touching state.
func (s *Service) Resume(ctx context.Context, req ResumeRequest) (*Outcome, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, WrapError(ErrorTypeValidation, err)
	}
	return s.engine.Resume(ctx, req.ThreadID, req.Feedback)
}

// SubmitFeedback stages a reviewer response on an interrupted thread. The
// response is stored in the checkpoint with a pending processing marker and
// consumed by the next Resume call; submitting against a non-interrupted
// thread is a protocol error.
func (s *Service) SubmitFeedback(ctx context.Context, req FeedbackRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return WrapError(ErrorTypeValidation, err)
	}
	checkpoint, err := s.store.Get(ctx, req.ThreadID)
	if err != nil {
		return WrapError(ErrorTypeStore, err)
	}
	if checkpoint == nil {
		return NewNotFoundError(req.ThreadID)
	}
	if !checkpoint.State.Interrupt.Interrupted {
		return NewProtocolError(req.ThreadID, "thread is not awaiting feedback")
	}

	feedback := req.Feedback.Copy()
	if feedback.ReceivedAt.IsZero() {
		feedback.ReceivedAt = time.Now().UTC()
	}
	if feedback.Analysis == nil {
		feedback.Analysis = &FeedbackAnalysis{
			Intent:     IntentFromFeedback(feedback),
			Confidence: 1,
		}
	}
	status := checkpoint.State.Interrupt
	status.Feedback = feedback
	status.Processing = ProcessingPending

	updated, warnings, err := checkpoint.State.Apply(Update{
		Interrupt: &InterruptPatch{Value: &status},
	})
	if err != nil {
		return err
	}
	for _, warning := range warnings {
		s.logger.Warn("merge warning", "thread_id", req.ThreadID,
			"field", warning.Field, "detail", warning.Detail)
	}
	checkpoint.State = updated

	if err := s.store.Put(ctx, checkpoint); err != nil {
		return WrapError(ErrorTypeStore, err)
	}
	s.logger.Info("feedback staged", "thread_id", req.ThreadID, "type", feedback.Type)
	return nil
}

// GetInterruptStatus reports whether a thread is paused and what it is
// waiting for.
func (s *Service) GetInterruptStatus(ctx context.Context, threadID string) (*InterruptView, error) {
	if threadID == "" {
		return nil, NewEngineError(ErrorTypeValidation, "thread ID is required")
	}
	checkpoint, err := s.store.Get(ctx, threadID)
	if err != nil {
		return nil, WrapError(ErrorTypeStore, err)
	}
	if checkpoint == nil {
		return nil, NewNotFoundError(threadID)
	}
	state := checkpoint.State
	view := &InterruptView{
		ThreadID:    threadID,
		Interrupted: state.Interrupt.Interrupted,
		Processing:  state.Interrupt.Processing,
	}
	if state.Interrupt.Interrupted {
		view.Payload = interruptPayloadFromState(state)
		view.Pending = state.Interrupt.Feedback
	}
	return view, nil
}

// GetState returns the last checkpointed state of a thread.
func (s *Service) GetState(ctx context.Context, threadID string) (*State, error) {
	if threadID == "" {
		return nil, NewEngineError(ErrorTypeValidation, "thread ID is required")
	}
	checkpoint, err := s.store.Get(ctx, threadID)
	if err != nil {
		return nil, WrapError(ErrorTypeStore, err)
	}
	if checkpoint == nil {
		return nil, NewNotFoundError(threadID)
	}
	state := checkpoint.State
	return &state, nil
}
