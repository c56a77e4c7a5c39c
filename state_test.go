package proposalflow

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApplyMergePolicies(t *testing.T) {
	t.Run("overwrite replaces document wholesale", func(t *testing.T) {
		s := NewState("thread_a")
		next, warnings, err := s.Apply(Update{
			Document: &DocumentRef{ID: "doc-1", Name: "RFP", Status: DocumentLoaded},
		})
		require.NoError(t, err)
		require.Empty(t, warnings)
		require.Equal(t, "doc-1", next.Document.ID)
		require.Equal(t, DocumentLoaded, next.Document.Status)
		// The receiver is untouched.
		require.Equal(t, DocumentNotStarted, s.Document.Status)
	})

	t.Run("append preserves order across updates", func(t *testing.T) {
		s := NewState("thread_a")
		s, _, err := s.Apply(MessageUpdate("a", RoleAssistant, "first"))
		require.NoError(t, err)
		s, _, err = s.Apply(MessageUpdate("b", RoleAssistant, "second"))
		require.NoError(t, err)
		require.Len(t, s.Messages, 2)
		require.Equal(t, "first", s.Messages[0].Content)
		require.Equal(t, "second", s.Messages[1].Content)
	})

	t.Run("sequential appends equal their concatenation", func(t *testing.T) {
		stamp := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
		u1 := Update{
			Messages: []Message{{Role: RoleAssistant, Content: "first", Node: "a", Timestamp: stamp}},
			Errors:   []ErrorRecord{{Phase: PhaseResearch, Node: "a", Message: "one", Time: stamp}},
		}
		u2 := Update{
			Messages: []Message{{Role: RoleAssistant, Content: "second", Node: "b", Timestamp: stamp}},
			Errors:   []ErrorRecord{{Phase: PhaseResearch, Node: "b", Message: "two", Time: stamp}},
		}

		sequential, _, err := NewState("thread_a").Apply(u1)
		require.NoError(t, err)
		sequential, _, err = sequential.Apply(u2)
		require.NoError(t, err)

		combined, _, err := NewState("thread_a").Apply(Update{
			Messages: append(append([]Message(nil), u1.Messages...), u2.Messages...),
			Errors:   append(append([]ErrorRecord(nil), u1.Errors...), u2.Errors...),
		})
		require.NoError(t, err)

		require.Equal(t, sequential.Messages, combined.Messages)
		require.Equal(t, sequential.Errors, combined.Errors)
	})

	t.Run("keyed merge leaves untouched keys alone", func(t *testing.T) {
		s := NewState("thread_a")
		s, _, err := s.Apply(Update{
			Sections: map[SectionKind]*SectionPatch{
				SectionPricing: {Content: StringPtr("pricing draft"), Status: SectionStatusPtr(SectionStatusDrafted)},
			},
		})
		require.NoError(t, err)
		s, _, err = s.Apply(Update{
			Sections: map[SectionKind]*SectionPatch{
				SectionTimeline: {Content: StringPtr("timeline draft")},
			},
		})
		require.NoError(t, err)
		require.Equal(t, "pricing draft", s.Sections[SectionPricing].Content)
		require.Equal(t, SectionStatusDrafted, s.Sections[SectionPricing].Status)
		require.Equal(t, "timeline draft", s.Sections[SectionTimeline].Content)
	})

	t.Run("partial section patch keeps unmentioned fields", func(t *testing.T) {
		s := NewState("thread_a")
		s, _, err := s.Apply(Update{
			Sections: map[SectionKind]*SectionPatch{
				SectionTeam: {Title: StringPtr("Team"), Content: StringPtr("bios")},
			},
		})
		require.NoError(t, err)
		s, _, err = s.Apply(Update{
			Sections: map[SectionKind]*SectionPatch{
				SectionTeam: {Status: SectionStatusPtr(SectionStatusApproved)},
			},
		})
		require.NoError(t, err)
		require.Equal(t, "bios", s.Sections[SectionTeam].Content)
		require.Equal(t, SectionStatusApproved, s.Sections[SectionTeam].Status)
	})

	t.Run("unknown section kind is rejected", func(t *testing.T) {
		s := NewState("thread_a")
		_, _, err := s.Apply(Update{
			Sections: map[SectionKind]*SectionPatch{
				SectionKind("appendix"): {Content: StringPtr("nope")},
			},
		})
		require.Error(t, err)
		require.True(t, MatchesErrorType(err, ErrorTypeInvalidState))
	})

	t.Run("collaboration defaults filled on merge", func(t *testing.T) {
		s := NewState("thread_a")
		s, _, err := s.Apply(Update{
			Collaboration: map[Phase]*CollaborationPatch{
				PhaseDrafting: {RefinementCount: IntPtr(1)},
			},
		})
		require.NoError(t, err)
		require.Equal(t, DefaultMaxRefinements, s.Collaboration[PhaseDrafting].MaxRefinements)
		require.Equal(t, 1, s.Collaboration[PhaseDrafting].RefinementCount)
	})

	t.Run("feedback clear is distinct from not mentioned", func(t *testing.T) {
		s := NewState("thread_a")
		s, _, err := s.Apply(Update{
			UserFeedback: &FeedbackPatch{Value: &FeedbackEnvelope{Type: FeedbackApprove}},
		})
		require.NoError(t, err)
		require.NotNil(t, s.UserFeedback)

		// An update that does not mention feedback leaves it in place.
		s, _, err = s.Apply(MessageUpdate("a", RoleAssistant, "hello"))
		require.NoError(t, err)
		require.NotNil(t, s.UserFeedback)

		s, _, err = s.Apply(ClearFeedback())
		require.NoError(t, err)
		require.Nil(t, s.UserFeedback)
	})

	t.Run("interrupt without point is rejected", func(t *testing.T) {
		s := NewState("thread_a")
		_, _, err := s.Apply(Update{
			Interrupt: &InterruptPatch{Value: &InterruptStatus{Interrupted: true}},
		})
		require.Error(t, err)
		require.True(t, MatchesErrorType(err, ErrorTypeInvalidState))
	})

	t.Run("retry agents replace wholesale and empty clears", func(t *testing.T) {
		s := NewState("thread_a")
		s, _, err := s.Apply(Update{RetryAgents: &AgentSet{Names: []string{"x", "y"}}})
		require.NoError(t, err)
		require.Equal(t, []string{"x", "y"}, s.RetryAgents)

		s, _, err = s.Apply(Update{RetryAgents: &AgentSet{}})
		require.NoError(t, err)
		require.Empty(t, s.RetryAgents)
	})
}

func TestApplyPhaseInvariants(t *testing.T) {
	t.Run("complete with unresolved errors is rejected", func(t *testing.T) {
		s := NewState("thread_a")
		s, _, err := s.Apply(ErrorUpdate(PhaseDrafting, "draft_sections", errors.New("boom")))
		require.NoError(t, err)

		_, _, err = s.Apply(PhaseUpdate(PhaseDrafting, PhaseStatusComplete))
		require.Error(t, err)
		require.True(t, MatchesErrorType(err, ErrorTypeInvalidState))
	})

	t.Run("resolving errors unblocks completion in one update", func(t *testing.T) {
		s := NewState("thread_a")
		s, _, err := s.Apply(ErrorUpdate(PhaseDrafting, "draft_sections", errors.New("boom")))
		require.NoError(t, err)

		s, _, err = s.Apply(Update{
			Phases:        map[Phase]PhaseStatus{PhaseDrafting: PhaseStatusComplete},
			ResolveErrors: []Phase{PhaseDrafting},
		})
		require.NoError(t, err)
		require.Equal(t, PhaseStatusComplete, s.Phases[PhaseDrafting])
		require.Empty(t, s.UnresolvedErrors(PhaseDrafting))
		// The record itself stays in the log.
		require.Len(t, s.Errors, 1)
		require.True(t, s.Errors[0].Resolved)
	})

	t.Run("unusual transition warns but applies", func(t *testing.T) {
		s := NewState("thread_a")
		s, _, err := s.Apply(PhaseUpdate(PhaseResearch, PhaseStatusComplete))
		require.NoError(t, err)

		s, warnings, err := s.Apply(PhaseUpdate(PhaseResearch, PhaseStatusRunning))
		require.NoError(t, err)
		require.NotEmpty(t, warnings)
		require.Equal(t, PhaseStatusRunning, s.Phases[PhaseResearch])
	})

	t.Run("restart to queued is always allowed", func(t *testing.T) {
		s := NewState("thread_a")
		s, _, err := s.Apply(PhaseUpdate(PhaseResearch, PhaseStatusComplete))
		require.NoError(t, err)

		_, warnings, err := s.Apply(PhaseUpdate(PhaseResearch, PhaseStatusQueued))
		require.NoError(t, err)
		require.Empty(t, warnings)
	})
}

func TestCloneIndependence(t *testing.T) {
	s := NewState("thread_a")
	s, _, err := s.Apply(Update{
		Sections: map[SectionKind]*SectionPatch{
			SectionPricing: {Content: StringPtr("original")},
		},
		Messages: []Message{{Role: RoleAssistant, Content: "m"}},
	})
	require.NoError(t, err)

	clone := s.Clone()
	clone.Sections[SectionPricing].Content = "mutated"
	clone.Phases[PhaseResearch] = PhaseStatusRunning

	require.Equal(t, "original", s.Sections[SectionPricing].Content)
	require.NotContains(t, s.Phases, PhaseResearch)
}

func TestOverwriteConflicts(t *testing.T) {
	a := Update{
		Document: &DocumentRef{ID: "1"},
		Sections: map[SectionKind]*SectionPatch{
			SectionPricing: {Content: StringPtr("a")},
		},
	}
	b := Update{
		Document: &DocumentRef{ID: "2"},
		Sections: map[SectionKind]*SectionPatch{
			SectionPricing:  {Content: StringPtr("b")},
			SectionTimeline: {Content: StringPtr("no conflict")},
		},
	}
	conflicts := OverwriteConflicts(a, b)
	require.Contains(t, conflicts, "document")
	require.Contains(t, conflicts, "sections.pricing")
	require.NotContains(t, conflicts, "sections.timeline")

	require.Empty(t, OverwriteConflicts(a, Update{}))
}

func TestCollaborationFor(t *testing.T) {
	s := NewState("thread_a")
	c := s.CollaborationFor(PhaseDrafting)
	require.Equal(t, DefaultMaxRefinements, c.MaxRefinements)
	require.Zero(t, c.RefinementCount)
}

func TestUnresolvedErrorsFiltersByPhase(t *testing.T) {
	s := NewState("thread_a")
	s.Errors = []ErrorRecord{
		{Phase: PhaseResearch, Message: "one", Time: time.Now()},
		{Phase: PhaseDrafting, Message: "two", Time: time.Now()},
		{Phase: PhaseResearch, Message: "three", Resolved: true, Time: time.Now()},
	}
	unresolved := s.UnresolvedErrors(PhaseResearch)
	require.Len(t, unresolved, 1)
	require.Equal(t, "one", unresolved[0].Message)
}
