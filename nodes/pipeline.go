package nodes

import (
	"context"
	"fmt"
	"strings"
	"time"

	proposalflow "github.com/deepnoodle-ai/proposalflow"
)

// Node identifiers in the proposal graph.
const (
	NodeLoadDocument            = "load_document"
	NodeResearch                = "research"
	NodeMarketAnalyst           = "market_analyst"
	NodeCompetitorAnalyst       = "competitor_analyst"
	NodeTechnicalAnalyst        = "technical_analyst"
	NodeFinancialAnalyst        = "financial_analyst"
	NodeResearchReview          = "research_review"
	NodeProcessResearchFeedback = "process_research_feedback"
	NodeRestartResearch         = "restart_research"
	NodeSolution                = "solution"
	NodeConnections             = "connections"
	NodeDraftSections           = "draft_sections"
	NodeDraftReview             = "draft_review"
	NodeProcessDraftFeedback    = "process_draft_feedback"
	NodeRefineSections          = "refine_sections"
	NodeRestartDrafting         = "restart_drafting"
	NodeFinalize                = "finalize"
)

// AnalystNodes lists the parallel analysis targets in dispatch order.
var AnalystNodes = []string{
	NodeMarketAnalyst,
	NodeCompetitorAnalyst,
	NodeTechnicalAnalyst,
	NodeFinancialAnalyst,
}

// analystSections maps each analyst to the section its findings seed. The
// sections are disjoint so parallel merges never collide.
var analystSections = map[string]proposalflow.SectionKind{
	NodeMarketAnalyst:     proposalflow.SectionProblemStatement,
	NodeCompetitorAnalyst: proposalflow.SectionExecutiveSummary,
	NodeTechnicalAnalyst:  proposalflow.SectionProposedSolution,
	NodeFinancialAnalyst:  proposalflow.SectionPricing,
}

// Pipeline holds the injected dependencies of the proposal nodes. The zero
// value is not usable; construct with NewPipeline.
type Pipeline struct {
	Generator  Generator
	Classifier IntentClassifier
	Loader     DocumentLoader
	Router     proposalflow.RouterConfig
}

// NewPipeline creates a pipeline with deterministic defaults for every
// dependency.
func NewPipeline() *Pipeline {
	return &Pipeline{
		Generator:  TemplateGenerator{},
		Classifier: RuleClassifier{},
		Loader:     StaticDocumentLoader{},
	}
}

// loadDocument resolves the input artifact. A load failure is recorded on
// the document reference and the document phase; the graph's condition edge
// then ends the run instead of researching an absent document.
func (p *Pipeline) loadDocument(ctx context.Context, s proposalflow.State) (proposalflow.Update, error) {
	ref, err := p.Loader.Load(ctx, s.Document)
	if err != nil {
		failed := s.Document
		failed.Status = proposalflow.DocumentError
		failed.Error = err.Error()
		return proposalflow.Update{
			Document: &failed,
			Phases:   map[proposalflow.Phase]proposalflow.PhaseStatus{proposalflow.PhaseDocument: proposalflow.PhaseStatusError},
			Errors: []proposalflow.ErrorRecord{{
				Phase:   proposalflow.PhaseDocument,
				Node:    NodeLoadDocument,
				Message: err.Error(),
				Time:    time.Now().UTC(),
			}},
		}, nil
	}
	return proposalflow.Update{
		Document: &ref,
		Phases:   map[proposalflow.Phase]proposalflow.PhaseStatus{proposalflow.PhaseDocument: proposalflow.PhaseStatusComplete},
		Messages: []proposalflow.Message{{
			Role:      proposalflow.RoleAssistant,
			Content:   fmt.Sprintf("Loaded document %q.", ref.Name),
			Node:      NodeLoadDocument,
			Timestamp: time.Now().UTC(),
		}},
	}, nil
}

// research produces the research plan the analysts work from. On re-entry
// with refine feedback it consumes the feedback, counts the refinement, and
// folds the reviewer's guidance into the regeneration.
func (p *Pipeline) research(ctx context.Context, s proposalflow.State) (proposalflow.Update, error) {
	instructions := ""
	if s.UserFeedback != nil {
		instructions = s.UserFeedback.Comments
	}
	content, err := p.Generator.Generate(ctx, GenerateRequest{
		Task:         "research",
		Instructions: instructions,
		State:        s,
	})
	if err != nil {
		return proposalflow.Update{}, err
	}

	update := proposalflow.Update{
		Phases: map[proposalflow.Phase]proposalflow.PhaseStatus{proposalflow.PhaseResearch: proposalflow.PhaseStatusRunning},
		Messages: []proposalflow.Message{{
			Role:      proposalflow.RoleAssistant,
			Content:   content,
			Node:      NodeResearch,
			Timestamp: time.Now().UTC(),
		}},
	}
	if s.UserFeedback != nil {
		collaboration := s.CollaborationFor(proposalflow.PhaseResearch)
		update.Collaboration = map[proposalflow.Phase]*proposalflow.CollaborationPatch{
			proposalflow.PhaseResearch: {
				RefinementCount: proposalflow.IntPtr(collaboration.RefinementCount + 1),
				LastFeedback:    s.UserFeedback.Copy(),
			},
		}
		update.UserFeedback = &proposalflow.FeedbackPatch{Clear: true}
	}
	return update, nil
}

// analyst builds one parallel analysis node. Each analyst seeds exactly one
// section and narrates its findings; none of them touch shared overwrite
// fields, so their updates merge cleanly in any order.
func (p *Pipeline) analyst(id, focus string) *proposalflow.Node {
	section := analystSections[id]
	return &proposalflow.Node{
		ID:    id,
		Name:  strings.ReplaceAll(id, "_", " "),
		Phase: proposalflow.PhaseIntelligence,
		Fn: func(ctx context.Context, s proposalflow.State) (proposalflow.Update, error) {
			content, err := p.Generator.Generate(ctx, GenerateRequest{
				Task:    id,
				Section: section,
				State:   s,
			})
			if err != nil {
				return proposalflow.Update{}, err
			}
			return proposalflow.Update{
				Sections: map[proposalflow.SectionKind]*proposalflow.SectionPatch{
					section: {
						Title:   proposalflow.StringPtr(SectionTitle(section)),
						Content: proposalflow.StringPtr(content),
						Status:  proposalflow.SectionStatusPtr(proposalflow.SectionStatusDrafting),
					},
				},
				Messages: []proposalflow.Message{{
					Role:      proposalflow.RoleAssistant,
					Content:   fmt.Sprintf("%s findings recorded for %s.", focus, SectionTitle(section)),
					Node:      id,
					Timestamp: time.Now().UTC(),
				}},
			}, nil
		},
	}
}

// researchReview pauses the run for human review of the research and
// analysis output. The intelligence phase is closed out first unless an
// analyst's failure is still unresolved, in which case the question says so.
func (p *Pipeline) researchReview(ctx context.Context, s proposalflow.State) (proposalflow.Update, error) {
	unresolved := s.UnresolvedErrors(proposalflow.PhaseIntelligence)

	question := "Research and analysis are ready for review. Approve to continue, or describe changes."
	if len(unresolved) > 0 {
		question = fmt.Sprintf(
			"Research is ready for review, but %d analysis task(s) failed and were abandoned. Approve to continue anyway, or request a restart.",
			len(unresolved))
	}

	update := proposalflow.Interrupt(proposalflow.InterruptPayload{
		NodeID:   NodeResearchReview,
		Phase:    proposalflow.PhaseResearch,
		Reason:   "research_review",
		Question: question,
	})
	if len(unresolved) == 0 {
		update.Phases[proposalflow.PhaseIntelligence] = proposalflow.PhaseStatusComplete
	}
	return update, nil
}

// processFeedback classifies the reviewer's answer so the routing edge can
// act on a typed intent. reviewPhase is the phase whose status reflects the
// verdict; collabPhase owns the refinement bookkeeping. Missing feedback
// returns an empty update and lets the router pause the run again.
func (p *Pipeline) processFeedback(node string, reviewPhase, collabPhase proposalflow.Phase) proposalflow.NodeFunc {
	return func(ctx context.Context, s proposalflow.State) (proposalflow.Update, error) {
		feedback := s.UserFeedback
		if feedback == nil {
			return proposalflow.Update{}, nil
		}

		analysis := feedback.Analysis
		if analysis == nil {
			classified, err := p.Classifier.Classify(ctx, feedback)
			if err != nil {
				// Classification is best-effort; fall back to the structured
				// feedback type rather than failing the phase.
				classified = proposalflow.FeedbackAnalysis{
					Intent:     proposalflow.IntentFromFeedback(feedback),
					Confidence: 0.5,
				}
			}
			analysis = &classified
		}
		annotated := feedback.Copy()
		annotated.Analysis = analysis

		update := proposalflow.Update{
			UserFeedback: &proposalflow.FeedbackPatch{Value: annotated},
			Collaboration: map[proposalflow.Phase]*proposalflow.CollaborationPatch{
				collabPhase: {LastFeedback: annotated},
			},
		}
		switch analysis.Intent {
		case proposalflow.IntentProceed:
			update.Phases = map[proposalflow.Phase]proposalflow.PhaseStatus{reviewPhase: proposalflow.PhaseStatusApproved}
		case proposalflow.IntentRefine:
			update.Phases = map[proposalflow.Phase]proposalflow.PhaseStatus{reviewPhase: proposalflow.PhaseStatusNeedsRevision}
		case proposalflow.IntentRestart:
			update.Phases = map[proposalflow.Phase]proposalflow.PhaseStatus{reviewPhase: proposalflow.PhaseStatusQueued}
		}
		return update, nil
	}
}

// solution closes out research and drafts the core solution narrative on top
// of the technical analyst's seed.
func (p *Pipeline) solution(ctx context.Context, s proposalflow.State) (proposalflow.Update, error) {
	content, err := p.Generator.Generate(ctx, GenerateRequest{
		Task:    "solution",
		Section: proposalflow.SectionProposedSolution,
		State:   s,
	})
	if err != nil {
		return proposalflow.Update{}, err
	}
	return proposalflow.Update{
		Phases: map[proposalflow.Phase]proposalflow.PhaseStatus{
			proposalflow.PhaseResearch: proposalflow.PhaseStatusComplete,
			proposalflow.PhaseSolution: proposalflow.PhaseStatusComplete,
		},
		ResolveErrors: []proposalflow.Phase{proposalflow.PhaseResearch},
		Sections: map[proposalflow.SectionKind]*proposalflow.SectionPatch{
			proposalflow.SectionProposedSolution: {
				Title:   proposalflow.StringPtr(SectionTitle(proposalflow.SectionProposedSolution)),
				Content: proposalflow.StringPtr(content),
				Status:  proposalflow.SectionStatusPtr(proposalflow.SectionStatusDrafting),
			},
		},
		UserFeedback: &proposalflow.FeedbackPatch{Clear: true},
	}, nil
}

// connections maps the proposed solution to the client's stated needs and
// seeds the team section.
func (p *Pipeline) connections(ctx context.Context, s proposalflow.State) (proposalflow.Update, error) {
	content, err := p.Generator.Generate(ctx, GenerateRequest{
		Task:    "connections",
		Section: proposalflow.SectionTeam,
		State:   s,
	})
	if err != nil {
		return proposalflow.Update{}, err
	}
	return proposalflow.Update{
		Phases: map[proposalflow.Phase]proposalflow.PhaseStatus{proposalflow.PhaseConnections: proposalflow.PhaseStatusComplete},
		Sections: map[proposalflow.SectionKind]*proposalflow.SectionPatch{
			proposalflow.SectionTeam: {
				Title:   proposalflow.StringPtr(SectionTitle(proposalflow.SectionTeam)),
				Content: proposalflow.StringPtr(content),
				Status:  proposalflow.SectionStatusPtr(proposalflow.SectionStatusDrafting),
			},
		},
		Messages: []proposalflow.Message{{
			Role:      proposalflow.RoleAssistant,
			Content:   "Mapped the proposed solution to the client's stated needs.",
			Node:      NodeConnections,
			Timestamp: time.Now().UTC(),
		}},
	}, nil
}

// draftSections writes every section in the closed set that is not already
// drafted, in a fixed order.
func (p *Pipeline) draftSections(ctx context.Context, s proposalflow.State) (proposalflow.Update, error) {
	sections := map[proposalflow.SectionKind]*proposalflow.SectionPatch{}
	for _, kind := range sectionOrder {
		if existing, ok := s.Sections[kind]; ok {
			if existing.Status == proposalflow.SectionStatusDrafted || existing.Status == proposalflow.SectionStatusApproved {
				continue
			}
		}
		content, err := p.Generator.Generate(ctx, GenerateRequest{
			Task:    "draft",
			Section: kind,
			State:   s,
		})
		if err != nil {
			return proposalflow.Update{}, err
		}
		sections[kind] = &proposalflow.SectionPatch{
			Title:   proposalflow.StringPtr(SectionTitle(kind)),
			Content: proposalflow.StringPtr(content),
			Status:  proposalflow.SectionStatusPtr(proposalflow.SectionStatusDrafted),
		}
	}
	return proposalflow.Update{
		Phases:   map[proposalflow.Phase]proposalflow.PhaseStatus{proposalflow.PhaseDrafting: proposalflow.PhaseStatusRunning},
		Sections: sections,
		Messages: []proposalflow.Message{{
			Role:      proposalflow.RoleAssistant,
			Content:   fmt.Sprintf("Drafted %d proposal section(s).", len(sections)),
			Node:      NodeDraftSections,
			Timestamp: time.Now().UTC(),
		}},
	}, nil
}

// draftReview pauses the run for human review of the full draft.
func (p *Pipeline) draftReview(ctx context.Context, s proposalflow.State) (proposalflow.Update, error) {
	drafted := 0
	for _, record := range s.Sections {
		if record.Status == proposalflow.SectionStatusDrafted || record.Status == proposalflow.SectionStatusApproved {
			drafted++
		}
	}
	return proposalflow.Interrupt(proposalflow.InterruptPayload{
		NodeID: NodeDraftReview,
		Phase:  proposalflow.PhaseReview,
		Reason: "draft_review",
		Question: fmt.Sprintf(
			"The proposal draft is ready with %d section(s). Approve to finalize, request targeted edits, or ask for a fresh draft.",
			drafted),
	}), nil
}

// refineSections applies the reviewer's targeted edits and counts the
// refinement against the drafting budget. Without specific edits, every
// drafted section is regenerated under the general comments.
func (p *Pipeline) refineSections(ctx context.Context, s proposalflow.State) (proposalflow.Update, error) {
	feedback := s.UserFeedback
	if feedback == nil {
		return proposalflow.Update{}, nil
	}

	targets := map[proposalflow.SectionKind]string{}
	if len(feedback.SpecificEdits) > 0 {
		for kind, instruction := range feedback.SpecificEdits {
			targets[kind] = instruction
		}
	} else {
		for _, kind := range sectionOrder {
			if _, ok := s.Sections[kind]; ok {
				targets[kind] = feedback.Comments
			}
		}
	}

	sections := map[proposalflow.SectionKind]*proposalflow.SectionPatch{}
	for _, kind := range sectionOrder {
		instruction, ok := targets[kind]
		if !ok {
			continue
		}
		content, err := p.Generator.Generate(ctx, GenerateRequest{
			Task:         "refine",
			Section:      kind,
			Instructions: instruction,
			State:        s,
		})
		if err != nil {
			return proposalflow.Update{}, err
		}
		sections[kind] = &proposalflow.SectionPatch{
			Content: proposalflow.StringPtr(content),
			Status:  proposalflow.SectionStatusPtr(proposalflow.SectionStatusDrafted),
		}
	}

	collaboration := s.CollaborationFor(proposalflow.PhaseDrafting)
	return proposalflow.Update{
		Phases:   map[proposalflow.Phase]proposalflow.PhaseStatus{proposalflow.PhaseDrafting: proposalflow.PhaseStatusRunning},
		Sections: sections,
		Collaboration: map[proposalflow.Phase]*proposalflow.CollaborationPatch{
			proposalflow.PhaseDrafting: {
				RefinementCount: proposalflow.IntPtr(collaboration.RefinementCount + 1),
				LastFeedback:    feedback.Copy(),
			},
		},
		UserFeedback: &proposalflow.FeedbackPatch{Clear: true},
		Messages: []proposalflow.Message{{
			Role:      proposalflow.RoleAssistant,
			Content:   fmt.Sprintf("Refined %d section(s) per reviewer feedback.", len(sections)),
			Node:      NodeRefineSections,
			Timestamp: time.Now().UTC(),
		}},
	}, nil
}

// restartPhase discards a phase's output after a regenerate verdict: the
// named phases go back to queued, the named sections are emptied, and the
// refinement counter resets.
func (p *Pipeline) restartPhase(node string, collabPhase proposalflow.Phase, phases []proposalflow.Phase, kinds []proposalflow.SectionKind) proposalflow.NodeFunc {
	return func(ctx context.Context, s proposalflow.State) (proposalflow.Update, error) {
		update := proposalflow.Update{
			Phases:   map[proposalflow.Phase]proposalflow.PhaseStatus{},
			Sections: map[proposalflow.SectionKind]*proposalflow.SectionPatch{},
			Collaboration: map[proposalflow.Phase]*proposalflow.CollaborationPatch{
				collabPhase: {RefinementCount: proposalflow.IntPtr(0)},
			},
			UserFeedback: &proposalflow.FeedbackPatch{Clear: true},
			Messages: []proposalflow.Message{{
				Role:      proposalflow.RoleAssistant,
				Content:   fmt.Sprintf("Discarding %s output at the reviewer's request.", collabPhase),
				Node:      node,
				Timestamp: time.Now().UTC(),
			}},
		}
		for _, phase := range phases {
			update.Phases[phase] = proposalflow.PhaseStatusQueued
		}
		for _, kind := range kinds {
			if _, ok := s.Sections[kind]; !ok {
				continue
			}
			update.Sections[kind] = &proposalflow.SectionPatch{
				Content: proposalflow.StringPtr(""),
				Status:  proposalflow.SectionStatusPtr(proposalflow.SectionStatusPending),
			}
		}
		if feedback := s.UserFeedback; feedback != nil {
			update.Collaboration[collabPhase].LastFeedback = feedback.Copy()
		}
		return update, nil
	}
}

// finalize approves every section and closes the remaining phases. Reviewer
// approval resolves any errors still open on the closing phases.
func (p *Pipeline) finalize(ctx context.Context, s proposalflow.State) (proposalflow.Update, error) {
	sections := map[proposalflow.SectionKind]*proposalflow.SectionPatch{}
	for _, kind := range sectionOrder {
		if _, ok := s.Sections[kind]; !ok {
			continue
		}
		sections[kind] = &proposalflow.SectionPatch{
			Status: proposalflow.SectionStatusPtr(proposalflow.SectionStatusApproved),
		}
	}
	return proposalflow.Update{
		Phases: map[proposalflow.Phase]proposalflow.PhaseStatus{
			proposalflow.PhaseDrafting: proposalflow.PhaseStatusComplete,
			proposalflow.PhaseReview:   proposalflow.PhaseStatusComplete,
			proposalflow.PhaseFinalize: proposalflow.PhaseStatusComplete,
		},
		ResolveErrors: []proposalflow.Phase{
			proposalflow.PhaseDrafting,
			proposalflow.PhaseReview,
			proposalflow.PhaseFinalize,
		},
		Sections:     sections,
		UserFeedback: &proposalflow.FeedbackPatch{Clear: true},
		Messages: []proposalflow.Message{{
			Role:      proposalflow.RoleAssistant,
			Content:   "Proposal finalized and ready for delivery.",
			Node:      NodeFinalize,
			Timestamp: time.Now().UTC(),
		}},
	}, nil
}
