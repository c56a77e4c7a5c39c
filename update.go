package proposalflow

import (
	"fmt"
	"time"
)

// SectionPatch is a shallow partial update of one SectionRecord. Nil fields
// are left untouched on the existing record.
type SectionPatch struct {
	ID         *string        `json:"id,omitempty"`
	Title      *string        `json:"title,omitempty"`
	Content    *string        `json:"content,omitempty"`
	Status     *SectionStatus `json:"status,omitempty"`
	Evaluation *Evaluation    `json:"evaluation,omitempty"`
	LastError  *string        `json:"last_error,omitempty"`
}

// FeedbackPatch replaces or explicitly clears the user feedback field. A nil
// patch means "not mentioned"; Clear distinguishes an explicit reset.
type FeedbackPatch struct {
	Clear bool              `json:"clear,omitempty"`
	Value *FeedbackEnvelope `json:"value,omitempty"`
}

// InterruptPatch replaces or explicitly clears the interrupt status.
type InterruptPatch struct {
	Clear bool             `json:"clear,omitempty"`
	Value *InterruptStatus `json:"value,omitempty"`
}

// CollaborationPatch is a shallow partial update of one phase's
// collaboration record.
type CollaborationPatch struct {
	RefinementCount *int              `json:"refinement_count,omitempty"`
	MaxRefinements  *int              `json:"max_refinements,omitempty"`
	LastFeedback    *FeedbackEnvelope `json:"last_feedback,omitempty"`
}

// AgentSet replaces the retry-agent set wholesale. An empty Names slice
// clears it.
type AgentSet struct {
	Names []string `json:"names"`
}

// Update is the statically declared partial-state shape a node may return.
// Nil or empty fields are not mentioned and leave state untouched. The same
// merge logic applies identically whether the update came from a sequential
// node, a parallel target, or externally injected feedback; Apply never
// knows which node produced it.
type Update struct {
	Document      *DocumentRef                      `json:"document,omitempty"`
	Phases        map[Phase]PhaseStatus             `json:"phases,omitempty"`
	Sections      map[SectionKind]*SectionPatch     `json:"sections,omitempty"`
	Interrupt     *InterruptPatch                   `json:"interrupt,omitempty"`
	InterruptMeta *InterruptMetadata                `json:"interrupt_meta,omitempty"`
	UserFeedback  *FeedbackPatch                    `json:"user_feedback,omitempty"`
	Collaboration map[Phase]*CollaborationPatch     `json:"collaboration,omitempty"`
	Errors        []ErrorRecord                     `json:"errors,omitempty"`
	Messages      []Message                         `json:"messages,omitempty"`
	ResolveErrors []Phase                           `json:"resolve_errors,omitempty"`
	RetryAgents   *AgentSet                         `json:"retry_agents,omitempty"`
	RetryAttempts map[string]int                    `json:"retry_attempts,omitempty"`
}

// IsZero reports whether the update mentions no fields at all.
func (u Update) IsZero() bool {
	return u.Document == nil &&
		len(u.Phases) == 0 &&
		len(u.Sections) == 0 &&
		u.Interrupt == nil &&
		u.InterruptMeta == nil &&
		u.UserFeedback == nil &&
		len(u.Collaboration) == 0 &&
		len(u.Errors) == 0 &&
		len(u.Messages) == 0 &&
		len(u.ResolveErrors) == 0 &&
		u.RetryAgents == nil &&
		len(u.RetryAttempts) == 0
}

// MergeWarning flags a suspicious but non-fatal condition observed while
// merging an update.
type MergeWarning struct {
	Field  string
	Detail string
}

func (w MergeWarning) String() string {
	return fmt.Sprintf("%s: %s", w.Field, w.Detail)
}

// Apply merges a partial update into the state and returns the new state.
// The receiver is not modified. Merge policies per field:
//
//   - overwrite: Document, InterruptMeta, RetryAgents (whole-set replace)
//   - append: Errors, Messages
//   - merge-by-key with default fallback: Phases, Sections, Collaboration,
//     RetryAttempts
//   - replace-or-clear: UserFeedback, Interrupt
//
// Unknown section kinds and invariant violations are rejected with an error;
// questionable phase transitions are surfaced as warnings.
func (s State) Apply(u Update) (State, []MergeWarning, error) {
	out := s.Clone()
	var warnings []MergeWarning

	if u.Document != nil {
		out.Document = *u.Document
	}
	if u.InterruptMeta != nil {
		meta := *u.InterruptMeta
		out.InterruptMeta = &meta
	}

	// Error resolution happens before phase transitions so an update may
	// resolve a phase's failures and mark it complete in one step.
	out.Errors = append(out.Errors, u.Errors...)
	for _, phase := range u.ResolveErrors {
		for i := range out.Errors {
			if out.Errors[i].Phase == phase {
				out.Errors[i].Resolved = true
			}
		}
	}

	for phase, status := range u.Phases {
		prev := out.Phases[phase]
		if !ValidPhaseTransition(prev, status) {
			warnings = append(warnings, MergeWarning{
				Field:  "phases." + string(phase),
				Detail: fmt.Sprintf("unusual transition %s -> %s", prev, status),
			})
		}
		if status == PhaseStatusComplete && len(out.UnresolvedErrors(phase)) > 0 {
			return State{}, nil, NewEngineError(ErrorTypeInvalidState,
				fmt.Sprintf("phase %s cannot be complete with unresolved errors", phase))
		}
		out.Phases[phase] = status
	}

	now := time.Now().UTC()
	for kind, patch := range u.Sections {
		if !RequiredSections[kind] {
			return State{}, nil, NewEngineError(ErrorTypeInvalidState,
				fmt.Sprintf("unknown section kind %q", kind))
		}
		rec, ok := out.Sections[kind]
		if !ok {
			rec = &SectionRecord{ID: string(kind), Status: SectionStatusPending}
			out.Sections[kind] = rec
		}
		if patch == nil {
			continue
		}
		if patch.ID != nil {
			rec.ID = *patch.ID
		}
		if patch.Title != nil {
			rec.Title = *patch.Title
		}
		if patch.Content != nil {
			rec.Content = *patch.Content
		}
		if patch.Status != nil {
			rec.Status = *patch.Status
		}
		if patch.Evaluation != nil {
			eval := *patch.Evaluation
			rec.Evaluation = &eval
		}
		if patch.LastError != nil {
			rec.LastError = *patch.LastError
		}
		rec.LastUpdated = now
	}

	for phase, patch := range u.Collaboration {
		rec, ok := out.Collaboration[phase]
		if !ok {
			rec = &CollaborationState{}
			out.Collaboration[phase] = rec
		}
		if patch != nil {
			if patch.RefinementCount != nil {
				rec.RefinementCount = *patch.RefinementCount
			}
			if patch.MaxRefinements != nil {
				rec.MaxRefinements = *patch.MaxRefinements
			}
			if patch.LastFeedback != nil {
				rec.LastFeedback = patch.LastFeedback.Copy()
			}
		}
		// Defaults are filled whenever the merged record is missing them,
		// not only at creation.
		if rec.MaxRefinements == 0 {
			rec.MaxRefinements = DefaultMaxRefinements
		}
	}

	if u.UserFeedback != nil {
		if u.UserFeedback.Clear {
			out.UserFeedback = nil
		} else if u.UserFeedback.Value != nil {
			out.UserFeedback = u.UserFeedback.Value.Copy()
		}
	}

	if u.Interrupt != nil {
		if u.Interrupt.Clear {
			out.Interrupt = InterruptStatus{}
		} else if u.Interrupt.Value != nil {
			status := *u.Interrupt.Value
			if status.Feedback != nil {
				status.Feedback = status.Feedback.Copy()
			}
			out.Interrupt = status
		}
	}
	if out.Interrupt.Interrupted && out.Interrupt.Point == "" {
		return State{}, nil, NewEngineError(ErrorTypeInvalidState,
			"interrupted state requires an interruption point")
	}

	out.Messages = append(out.Messages, u.Messages...)

	if u.RetryAgents != nil {
		out.RetryAgents = append([]string(nil), u.RetryAgents.Names...)
	}
	for agent, attempts := range u.RetryAttempts {
		if out.RetryAttempts == nil {
			out.RetryAttempts = map[string]int{}
		}
		out.RetryAttempts[agent] = attempts
	}

	out.UpdatedAt = now
	return out, warnings, nil
}

// OverwriteConflicts reports the overwrite-policy fields that two updates
// both touch. Two parallel targets writing the same overwrite field is a
// design smell the dispatcher surfaces as a warning rather than silently
// picking one.
func OverwriteConflicts(a, b Update) []string {
	var conflicts []string
	if a.Document != nil && b.Document != nil {
		conflicts = append(conflicts, "document")
	}
	if a.InterruptMeta != nil && b.InterruptMeta != nil {
		conflicts = append(conflicts, "interrupt_meta")
	}
	if a.Interrupt != nil && b.Interrupt != nil {
		conflicts = append(conflicts, "interrupt")
	}
	if a.UserFeedback != nil && b.UserFeedback != nil {
		conflicts = append(conflicts, "user_feedback")
	}
	if a.RetryAgents != nil && b.RetryAgents != nil {
		conflicts = append(conflicts, "retry_agents")
	}
	for phase := range a.Phases {
		if _, ok := b.Phases[phase]; ok {
			conflicts = append(conflicts, "phases."+string(phase))
		}
	}
	for kind, pa := range a.Sections {
		pb, ok := b.Sections[kind]
		if !ok || pa == nil || pb == nil {
			continue
		}
		if (pa.Content != nil && pb.Content != nil) ||
			(pa.Status != nil && pb.Status != nil) ||
			(pa.Title != nil && pb.Title != nil) {
			conflicts = append(conflicts, "sections."+string(kind))
		}
	}
	for phase, pa := range a.Collaboration {
		pb, ok := b.Collaboration[phase]
		if !ok || pa == nil || pb == nil {
			continue
		}
		if (pa.RefinementCount != nil && pb.RefinementCount != nil) ||
			(pa.MaxRefinements != nil && pb.MaxRefinements != nil) {
			conflicts = append(conflicts, "collaboration."+string(phase))
		}
	}
	return conflicts
}

// Small helpers for building common updates.

// PhaseUpdate returns an update that sets one phase status.
func PhaseUpdate(phase Phase, status PhaseStatus) Update {
	return Update{Phases: map[Phase]PhaseStatus{phase: status}}
}

// ErrorUpdate returns an update that marks a phase failed and appends the
// error to the log.
func ErrorUpdate(phase Phase, node string, err error) Update {
	return Update{
		Phases: map[Phase]PhaseStatus{phase: PhaseStatusError},
		Errors: []ErrorRecord{{
			Phase:   phase,
			Node:    node,
			Message: err.Error(),
			Time:    time.Now().UTC(),
		}},
	}
}

// MessageUpdate returns an update appending one assistant message.
func MessageUpdate(node string, role MessageRole, content string) Update {
	return Update{Messages: []Message{{
		Role:      role,
		Content:   content,
		Node:      node,
		Timestamp: time.Now().UTC(),
	}}}
}

// ClearFeedback returns an update that explicitly clears consumed feedback.
func ClearFeedback() Update {
	return Update{UserFeedback: &FeedbackPatch{Clear: true}}
}

// StringPtr returns a pointer to s, for use in patches.
func StringPtr(s string) *string { return &s }

// IntPtr returns a pointer to i, for use in patches.
func IntPtr(i int) *int { return &i }

// SectionStatusPtr returns a pointer to st, for use in patches.
func SectionStatusPtr(st SectionStatus) *SectionStatus { return &st }
