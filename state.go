package proposalflow

import (
	"time"
)

// Phase identifies one stage of the proposal pipeline.
type Phase string

const (
	PhaseDocument     Phase = "document"
	PhaseResearch     Phase = "research"
	PhaseIntelligence Phase = "intelligence"
	PhaseSolution     Phase = "solution"
	PhaseConnections  Phase = "connections"
	PhaseDrafting     Phase = "drafting"
	PhaseReview       Phase = "review"
	PhaseFinalize     Phase = "finalize"
)

// PhaseStatus represents the lifecycle status of a single pipeline phase.
type PhaseStatus string

const (
	PhaseStatusQueued         PhaseStatus = "queued"
	PhaseStatusRunning        PhaseStatus = "running"
	PhaseStatusAwaitingReview PhaseStatus = "awaiting_review"
	PhaseStatusApproved       PhaseStatus = "approved"
	PhaseStatusEdited         PhaseStatus = "edited"
	PhaseStatusStale          PhaseStatus = "stale"
	PhaseStatusComplete       PhaseStatus = "complete"
	PhaseStatusError          PhaseStatus = "error"
	PhaseStatusNeedsRevision  PhaseStatus = "needs_revision"
)

// phaseSuccessors describes the allowed forward transitions for phase
// statuses. A transition back to "queued" is always allowed (phase restart).
var phaseSuccessors = map[PhaseStatus][]PhaseStatus{
	PhaseStatusQueued:         {PhaseStatusRunning},
	PhaseStatusRunning:        {PhaseStatusAwaitingReview, PhaseStatusError, PhaseStatusComplete},
	PhaseStatusAwaitingReview: {PhaseStatusApproved, PhaseStatusEdited, PhaseStatusNeedsRevision},
	PhaseStatusError:          {PhaseStatusRunning, PhaseStatusApproved, PhaseStatusEdited, PhaseStatusNeedsRevision},
	PhaseStatusApproved:       {PhaseStatusStale, PhaseStatusComplete},
	PhaseStatusEdited:         {PhaseStatusStale, PhaseStatusComplete},
	PhaseStatusNeedsRevision:  {PhaseStatusRunning, PhaseStatusStale, PhaseStatusComplete},
	PhaseStatusStale:          {PhaseStatusRunning, PhaseStatusComplete},
	PhaseStatusComplete:       {},
}

// ValidPhaseTransition reports whether a phase status may move from one
// status to another.
func ValidPhaseTransition(from, to PhaseStatus) bool {
	if from == to {
		return true
	}
	if to == PhaseStatusQueued {
		return true
	}
	if from == "" {
		return true
	}
	for _, next := range phaseSuccessors[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DocumentStatus represents the lifecycle of the input artifact.
type DocumentStatus string

const (
	DocumentNotStarted DocumentStatus = "not_started"
	DocumentLoading    DocumentStatus = "loading"
	DocumentLoaded     DocumentStatus = "loaded"
	DocumentError      DocumentStatus = "error"
)

// DocumentRef identifies the input artifact and tracks its load status.
type DocumentRef struct {
	ID     string         `json:"id,omitempty"`
	Name   string         `json:"name,omitempty"`
	Status DocumentStatus `json:"status"`
	Error  string         `json:"error,omitempty"`
}

// SectionKind identifies one proposal section. The set of valid kinds is
// closed: updates naming any other kind are rejected at merge time.
type SectionKind string

const (
	SectionExecutiveSummary SectionKind = "executive_summary"
	SectionProblemStatement SectionKind = "problem_statement"
	SectionProposedSolution SectionKind = "proposed_solution"
	SectionTimeline         SectionKind = "timeline"
	SectionPricing          SectionKind = "pricing"
	SectionTeam             SectionKind = "team"
	SectionTerms            SectionKind = "terms"
)

// RequiredSections is the closed set of section kinds a proposal may contain.
var RequiredSections = map[SectionKind]bool{
	SectionExecutiveSummary: true,
	SectionProblemStatement: true,
	SectionProposedSolution: true,
	SectionTimeline:         true,
	SectionPricing:          true,
	SectionTeam:             true,
	SectionTerms:            true,
}

// SectionStatus represents the lifecycle of a single proposal section.
type SectionStatus string

const (
	SectionStatusPending  SectionStatus = "pending"
	SectionStatusDrafting SectionStatus = "drafting"
	SectionStatusDrafted  SectionStatus = "drafted"
	SectionStatusApproved SectionStatus = "approved"
	SectionStatusError    SectionStatus = "error"
)

// Evaluation carries a quality score attached to generated content. Scores
// pass through state untouched; the engine never interprets them.
type Evaluation struct {
	Score    float64 `json:"score"`
	Comments string  `json:"comments,omitempty"`
}

// SectionRecord holds one proposal section.
type SectionRecord struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Content     string        `json:"content,omitempty"`
	Status      SectionStatus `json:"status"`
	Evaluation  *Evaluation   `json:"evaluation,omitempty"`
	LastUpdated time.Time     `json:"last_updated,omitzero"`
	LastError   string        `json:"last_error,omitempty"`
}

// Copy returns a copy of the section record.
func (r *SectionRecord) Copy() *SectionRecord {
	out := *r
	if r.Evaluation != nil {
		eval := *r.Evaluation
		out.Evaluation = &eval
	}
	return &out
}

// MessageRole identifies the author of a conversational turn.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Message is one conversational turn, kept both for UI replay and as model
// context for later nodes.
type Message struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Node      string      `json:"node,omitempty"`
	Timestamp time.Time   `json:"timestamp,omitzero"`
}

// FeedbackType classifies a structured reviewer response.
type FeedbackType string

const (
	FeedbackApprove    FeedbackType = "approve"
	FeedbackRevise     FeedbackType = "revise"
	FeedbackRegenerate FeedbackType = "regenerate"
)

// Intent is the routing classification of a reviewer response.
type Intent string

const (
	IntentProceed Intent = "proceed"
	IntentRestart Intent = "restart"
	IntentRefine  Intent = "refine"
	IntentUnknown Intent = "unknown"
)

// FeedbackAnalysis is the classified form of a reviewer response. Confidence
// is carried for observability; routing is intent-driven unless a confidence
// gate is configured.
type FeedbackAnalysis struct {
	Intent     Intent  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// FeedbackEnvelope is a reviewer response as submitted by the caller,
// optionally annotated with its classification.
type FeedbackEnvelope struct {
	Type          FeedbackType           `json:"type"`
	Comments      string                 `json:"comments,omitempty"`
	SpecificEdits map[SectionKind]string `json:"specific_edits,omitempty"`
	Analysis      *FeedbackAnalysis      `json:"analysis,omitempty"`
	ReceivedAt    time.Time              `json:"received_at,omitzero"`
}

// Copy returns a copy of the feedback envelope.
func (f *FeedbackEnvelope) Copy() *FeedbackEnvelope {
	out := *f
	if f.Analysis != nil {
		analysis := *f.Analysis
		out.Analysis = &analysis
	}
	if f.SpecificEdits != nil {
		out.SpecificEdits = make(map[SectionKind]string, len(f.SpecificEdits))
		for k, v := range f.SpecificEdits {
			out.SpecificEdits[k] = v
		}
	}
	return &out
}

// ProcessingStatus tracks whether pending feedback has been consumed.
type ProcessingStatus string

const (
	ProcessingPending   ProcessingStatus = "pending"
	ProcessingProcessed ProcessingStatus = "processed"
)

// InterruptStatus is the single source of truth for whether a run is paused
// and where. Either Interrupted is false, or Interrupted is true and Point
// names the node that paused.
type InterruptStatus struct {
	Interrupted bool              `json:"interrupted"`
	Point       string            `json:"point,omitempty"`
	Feedback    *FeedbackEnvelope `json:"feedback,omitempty"`
	Processing  ProcessingStatus  `json:"processing,omitempty"`
}

// InterruptMetadata records why and where a run paused.
type InterruptMetadata struct {
	ID         string    `json:"id"`
	Reason     string    `json:"reason"`
	NodeID     string    `json:"node_id"`
	ContentRef string    `json:"content_ref,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitzero"`
}

// CollaborationState tracks the refinement loop for one phase.
type CollaborationState struct {
	RefinementCount int               `json:"refinement_count"`
	MaxRefinements  int               `json:"max_refinements"`
	LastFeedback    *FeedbackEnvelope `json:"last_feedback,omitempty"`
}

// DefaultMaxRefinements bounds the refine loop when no explicit budget is set.
const DefaultMaxRefinements = 3

// Copy returns a copy of the collaboration state.
func (c *CollaborationState) Copy() *CollaborationState {
	out := *c
	if c.LastFeedback != nil {
		out.LastFeedback = c.LastFeedback.Copy()
	}
	return &out
}

// ErrorRecord is one entry in the append-only error log. Records are never
// removed; a recovered failure is marked Resolved instead.
type ErrorRecord struct {
	Phase    Phase     `json:"phase,omitempty"`
	Node     string    `json:"node,omitempty"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time,omitzero"`
	Resolved bool      `json:"resolved,omitempty"`
}

// State is the single mutable object threaded through the graph. It is fully
// JSON serializable so checkpoints can round-trip it. Nodes never mutate it
// directly; they return an Update and the engine applies it.
type State struct {
	ThreadID      string                       `json:"thread_id"`
	OwnerID       string                       `json:"owner_id,omitempty"`
	Document      DocumentRef                  `json:"document"`
	Phases        map[Phase]PhaseStatus        `json:"phases"`
	Sections      map[SectionKind]*SectionRecord `json:"sections"`
	Interrupt     InterruptStatus              `json:"interrupt"`
	InterruptMeta *InterruptMetadata           `json:"interrupt_meta,omitempty"`
	UserFeedback  *FeedbackEnvelope            `json:"user_feedback,omitempty"`
	Collaboration map[Phase]*CollaborationState `json:"collaboration"`
	Errors        []ErrorRecord                `json:"errors"`
	Messages      []Message                    `json:"messages"`
	RetryAgents   []string                     `json:"retry_agents,omitempty"`
	RetryAttempts map[string]int               `json:"retry_attempts,omitempty"`
	CreatedAt     time.Time                    `json:"created_at,omitzero"`
	UpdatedAt     time.Time                    `json:"updated_at,omitzero"`
}

// NewState creates the initial workflow state for a thread.
func NewState(threadID string) State {
	now := time.Now().UTC()
	return State{
		ThreadID:      threadID,
		Document:      DocumentRef{Status: DocumentNotStarted},
		Phases:        map[Phase]PhaseStatus{},
		Sections:      map[SectionKind]*SectionRecord{},
		Collaboration: map[Phase]*CollaborationState{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns an independent copy of the state. Parallel targets each
// receive a clone so no target observes another's in-flight writes.
func (s State) Clone() State {
	out := s
	out.Phases = make(map[Phase]PhaseStatus, len(s.Phases))
	for k, v := range s.Phases {
		out.Phases[k] = v
	}
	out.Sections = make(map[SectionKind]*SectionRecord, len(s.Sections))
	for k, v := range s.Sections {
		out.Sections[k] = v.Copy()
	}
	out.Collaboration = make(map[Phase]*CollaborationState, len(s.Collaboration))
	for k, v := range s.Collaboration {
		out.Collaboration[k] = v.Copy()
	}
	if s.InterruptMeta != nil {
		meta := *s.InterruptMeta
		out.InterruptMeta = &meta
	}
	if s.UserFeedback != nil {
		out.UserFeedback = s.UserFeedback.Copy()
	}
	if s.Interrupt.Feedback != nil {
		out.Interrupt.Feedback = s.Interrupt.Feedback.Copy()
	}
	out.Errors = append([]ErrorRecord(nil), s.Errors...)
	out.Messages = append([]Message(nil), s.Messages...)
	out.RetryAgents = append([]string(nil), s.RetryAgents...)
	if s.RetryAttempts != nil {
		out.RetryAttempts = make(map[string]int, len(s.RetryAttempts))
		for k, v := range s.RetryAttempts {
			out.RetryAttempts[k] = v
		}
	}
	return out
}

// UnresolvedErrors returns the unresolved error records for a phase.
func (s State) UnresolvedErrors(phase Phase) []ErrorRecord {
	var out []ErrorRecord
	for _, rec := range s.Errors {
		if rec.Phase == phase && !rec.Resolved {
			out = append(out, rec)
		}
	}
	return out
}

// CollaborationFor returns the collaboration record for a phase, filling in
// defaults when the phase has no record yet. The state is not modified.
func (s State) CollaborationFor(phase Phase) CollaborationState {
	if c, ok := s.Collaboration[phase]; ok {
		out := *c
		if out.MaxRefinements == 0 {
			out.MaxRefinements = DefaultMaxRefinements
		}
		return out
	}
	return CollaborationState{MaxRefinements: DefaultMaxRefinements}
}
