package proposalflow

// Edge labels produced by feedback routing. Graph declarations map each label
// to a concrete node through the path map.
const (
	// LabelAdvance continues to the next phase.
	LabelAdvance = "advance"
	// LabelRestart re-runs the reviewed phase from scratch.
	LabelRestart = "restart"
	// LabelRefine loops back to incorporate targeted edits.
	LabelRefine = "refine"
	// LabelCheckpoint pauses again: no usable feedback is available yet.
	LabelCheckpoint = "checkpoint"
)

// RouterConfig tunes feedback routing. The zero value routes purely on
// intent.
type RouterConfig struct {
	// MinConfidence, when positive, demotes a classification below the
	// threshold to IntentUnknown so the run pauses instead of guessing.
	MinConfidence float64
}

// RouteFeedback maps a classified intent to an edge label. It is a pure
// function so the routing table can be tested exhaustively. A refine intent
// with no refinement budget left advances instead of looping forever.
func RouteFeedback(intent Intent, refinementCount, maxRefinements int) string {
	switch intent {
	case IntentProceed:
		return LabelAdvance
	case IntentRestart:
		return LabelRestart
	case IntentRefine:
		if refinementCount >= maxRefinements {
			return LabelAdvance
		}
		return LabelRefine
	default:
		return LabelCheckpoint
	}
}

// IntentFromFeedback classifies an envelope that carries no analysis: the
// structured feedback type implies the intent directly.
func IntentFromFeedback(feedback *FeedbackEnvelope) Intent {
	if feedback == nil {
		return IntentUnknown
	}
	if feedback.Analysis != nil {
		return feedback.Analysis.Intent
	}
	switch feedback.Type {
	case FeedbackApprove:
		return IntentProceed
	case FeedbackRevise:
		return IntentRefine
	case FeedbackRegenerate:
		return IntentRestart
	default:
		return IntentUnknown
	}
}

// FeedbackRouter returns a routing function for the given review phase. It
// reads the pending user feedback and the phase's collaboration record from
// the post-update state; missing feedback routes to the checkpoint label so
// the graph can pause again rather than proceed blind.
func FeedbackRouter(phase Phase, config RouterConfig) RouterFunc {
	return func(s State) string {
		feedback := s.UserFeedback
		if feedback == nil {
			return LabelCheckpoint
		}
		intent := IntentFromFeedback(feedback)
		if config.MinConfidence > 0 && feedback.Analysis != nil &&
			feedback.Analysis.Confidence < config.MinConfidence {
			intent = IntentUnknown
		}
		collaboration := s.CollaborationFor(phase)
		return RouteFeedback(intent, collaboration.RefinementCount, collaboration.MaxRefinements)
	}
}
