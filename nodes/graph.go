package nodes

import (
	proposalflow "github.com/deepnoodle-ai/proposalflow"
)

// BuildProposalGraph assembles the proposal pipeline:
//
//	load_document -> research -> {four analysts} -> research_review (pause)
//	  -> process_research_feedback -> solution | restart | research (refine)
//	solution -> connections -> draft_sections -> draft_review (pause)
//	  -> process_draft_feedback -> finalize | restart | refine_sections
//
// Review checkpoints pause the run; the feedback routers translate the
// reviewer's classified intent into the next edge. A failed document load
// ends the run via the condition edge.
func BuildProposalGraph(p *Pipeline) (*proposalflow.Graph, error) {
	builder := proposalflow.NewGraphBuilder()

	builder.
		AddNode(&proposalflow.Node{ID: NodeLoadDocument, Name: "load document", Phase: proposalflow.PhaseDocument, Fn: p.loadDocument}).
		AddNode(&proposalflow.Node{ID: NodeResearch, Name: "research", Phase: proposalflow.PhaseResearch, Fn: p.research}).
		AddNode(p.analyst(NodeMarketAnalyst, "Market analysis")).
		AddNode(p.analyst(NodeCompetitorAnalyst, "Competitive positioning")).
		AddNode(p.analyst(NodeTechnicalAnalyst, "Technical feasibility")).
		AddNode(p.analyst(NodeFinancialAnalyst, "Financial modeling")).
		AddNode(&proposalflow.Node{ID: NodeResearchReview, Name: "research review", Phase: proposalflow.PhaseResearch, Fn: p.researchReview}).
		AddNode(&proposalflow.Node{
			ID: NodeProcessResearchFeedback, Name: "process research feedback", Phase: proposalflow.PhaseResearch,
			Fn: p.processFeedback(NodeProcessResearchFeedback, proposalflow.PhaseResearch, proposalflow.PhaseResearch),
		}).
		AddNode(&proposalflow.Node{
			ID: NodeRestartResearch, Name: "restart research", Phase: proposalflow.PhaseResearch,
			Fn: p.restartPhase(NodeRestartResearch, proposalflow.PhaseResearch,
				[]proposalflow.Phase{proposalflow.PhaseResearch, proposalflow.PhaseIntelligence},
				[]proposalflow.SectionKind{
					proposalflow.SectionExecutiveSummary,
					proposalflow.SectionProblemStatement,
					proposalflow.SectionProposedSolution,
					proposalflow.SectionPricing,
				}),
		}).
		AddNode(&proposalflow.Node{ID: NodeSolution, Name: "solution", Phase: proposalflow.PhaseSolution, Fn: p.solution}).
		AddNode(&proposalflow.Node{ID: NodeConnections, Name: "connections", Phase: proposalflow.PhaseConnections, Fn: p.connections}).
		AddNode(&proposalflow.Node{ID: NodeDraftSections, Name: "draft sections", Phase: proposalflow.PhaseDrafting, Fn: p.draftSections}).
		AddNode(&proposalflow.Node{ID: NodeDraftReview, Name: "draft review", Phase: proposalflow.PhaseReview, Fn: p.draftReview}).
		AddNode(&proposalflow.Node{
			ID: NodeProcessDraftFeedback, Name: "process draft feedback", Phase: proposalflow.PhaseReview,
			Fn: p.processFeedback(NodeProcessDraftFeedback, proposalflow.PhaseReview, proposalflow.PhaseDrafting),
		}).
		AddNode(&proposalflow.Node{ID: NodeRefineSections, Name: "refine sections", Phase: proposalflow.PhaseDrafting, Fn: p.refineSections}).
		AddNode(&proposalflow.Node{
			ID: NodeRestartDrafting, Name: "restart drafting", Phase: proposalflow.PhaseDrafting,
			Fn: p.restartPhase(NodeRestartDrafting, proposalflow.PhaseDrafting,
				[]proposalflow.Phase{proposalflow.PhaseDrafting, proposalflow.PhaseReview},
				sectionOrder),
		}).
		AddNode(&proposalflow.Node{ID: NodeFinalize, Name: "finalize", Phase: proposalflow.PhaseFinalize, Fn: p.finalize})

	builder.
		AddEdge(proposalflow.Start, NodeLoadDocument).
		AddConditionEdge(NodeLoadDocument,
			`state["document"]["status"] == "loaded"`,
			NodeResearch, proposalflow.End).
		AddFanOut(NodeResearch, AnalystNodes, NodeResearchReview).
		AddEdge(NodeResearchReview, NodeProcessResearchFeedback).
		AddConditionalEdges(NodeProcessResearchFeedback,
			proposalflow.FeedbackRouter(proposalflow.PhaseResearch, p.Router),
			map[string]string{
				proposalflow.LabelAdvance:    NodeSolution,
				proposalflow.LabelRestart:    NodeRestartResearch,
				proposalflow.LabelRefine:     NodeResearch,
				proposalflow.LabelCheckpoint: NodeResearchReview,
			}).
		AddEdge(NodeRestartResearch, NodeResearch).
		AddEdge(NodeSolution, NodeConnections).
		AddEdge(NodeConnections, NodeDraftSections).
		AddEdge(NodeDraftSections, NodeDraftReview).
		AddEdge(NodeDraftReview, NodeProcessDraftFeedback).
		AddConditionalEdges(NodeProcessDraftFeedback,
			proposalflow.FeedbackRouter(proposalflow.PhaseDrafting, p.Router),
			map[string]string{
				proposalflow.LabelAdvance:    NodeFinalize,
				proposalflow.LabelRestart:    NodeRestartDrafting,
				proposalflow.LabelRefine:     NodeRefineSections,
				proposalflow.LabelCheckpoint: NodeDraftReview,
			}).
		AddEdge(NodeRefineSections, NodeDraftReview).
		AddEdge(NodeRestartDrafting, NodeDraftSections).
		AddEdge(NodeFinalize, proposalflow.End)

	return builder.Compile()
}
