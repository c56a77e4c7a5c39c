// Package nodes implements the proposal-drafting pipeline on top of the
// workflow engine: document loading, research and analysis fan-out, section
// drafting, human review checkpoints, and feedback-driven refinement.
//
// Content generation, intent classification, and document access are
// injected behind small interfaces so the pipeline itself stays
// deterministic and testable.
package nodes

import (
	"context"
	"fmt"
	"strings"

	proposalflow "github.com/deepnoodle-ai/proposalflow"
)

// GenerateRequest describes one content-generation task.
type GenerateRequest struct {
	// Task names the kind of content wanted, e.g. "research" or an analyst
	// node ID.
	Task string
	// Section is set when the content targets one proposal section.
	Section proposalflow.SectionKind
	// Instructions carries reviewer guidance for refinement passes.
	Instructions string
	// State is the read-only workflow state at generation time.
	State proposalflow.State
}

// Generator produces prose for a drafting task. Model-backed implementations
// live outside this module; TemplateGenerator is the deterministic default.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// TemplateGenerator renders deterministic placeholder prose from the request.
type TemplateGenerator struct{}

func (TemplateGenerator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	document := req.State.Document.Name
	if document == "" {
		document = req.State.Document.ID
	}
	var b strings.Builder
	if req.Section != "" {
		fmt.Fprintf(&b, "%s for %q.", SectionTitle(req.Section), document)
	} else {
		fmt.Fprintf(&b, "%s notes for %q.", strings.ReplaceAll(req.Task, "_", " "), document)
	}
	if req.Instructions != "" {
		fmt.Fprintf(&b, " Incorporates reviewer guidance: %s", req.Instructions)
	}
	return b.String(), nil
}

// DocumentLoader resolves the input artifact referenced by the state. Load
// returns the updated reference; a returned error marks the document failed.
type DocumentLoader interface {
	Load(ctx context.Context, ref proposalflow.DocumentRef) (proposalflow.DocumentRef, error)
}

// StaticDocumentLoader accepts any non-empty document reference as loaded.
// Real deployments plug in a loader that fetches and parses the artifact.
type StaticDocumentLoader struct{}

func (StaticDocumentLoader) Load(ctx context.Context, ref proposalflow.DocumentRef) (proposalflow.DocumentRef, error) {
	if ref.ID == "" {
		return ref, fmt.Errorf("document reference has no ID")
	}
	ref.Status = proposalflow.DocumentLoaded
	ref.Error = ""
	return ref, nil
}

// IntentClassifier turns a reviewer response into a routing classification.
type IntentClassifier interface {
	Classify(ctx context.Context, feedback *proposalflow.FeedbackEnvelope) (proposalflow.FeedbackAnalysis, error)
}

// RuleClassifier classifies deterministically: the structured feedback type
// decides when present, otherwise keyword rules over the free-form comments.
type RuleClassifier struct{}

var intentKeywords = []struct {
	intent     proposalflow.Intent
	confidence float64
	words      []string
}{
	{proposalflow.IntentRestart, 0.8, []string{"start over", "start from scratch", "redo", "regenerate", "scrap"}},
	{proposalflow.IntentRefine, 0.7, []string{"revise", "change", "tweak", "adjust", "edit", "rework", "fix"}},
	{proposalflow.IntentProceed, 0.8, []string{"looks good", "approve", "approved", "proceed", "lgtm", "ship it"}},
}

func (RuleClassifier) Classify(ctx context.Context, feedback *proposalflow.FeedbackEnvelope) (proposalflow.FeedbackAnalysis, error) {
	if feedback == nil {
		return proposalflow.FeedbackAnalysis{Intent: proposalflow.IntentUnknown}, nil
	}
	if intent := intentFromType(feedback.Type); intent != proposalflow.IntentUnknown {
		return proposalflow.FeedbackAnalysis{Intent: intent, Confidence: 0.95}, nil
	}
	if len(feedback.SpecificEdits) > 0 {
		return proposalflow.FeedbackAnalysis{Intent: proposalflow.IntentRefine, Confidence: 0.9}, nil
	}
	comments := strings.ToLower(feedback.Comments)
	for _, rule := range intentKeywords {
		for _, word := range rule.words {
			if strings.Contains(comments, word) {
				return proposalflow.FeedbackAnalysis{Intent: rule.intent, Confidence: rule.confidence}, nil
			}
		}
	}
	return proposalflow.FeedbackAnalysis{Intent: proposalflow.IntentUnknown, Confidence: 0.2}, nil
}

func intentFromType(t proposalflow.FeedbackType) proposalflow.Intent {
	switch t {
	case proposalflow.FeedbackApprove:
		return proposalflow.IntentProceed
	case proposalflow.FeedbackRevise:
		return proposalflow.IntentRefine
	case proposalflow.FeedbackRegenerate:
		return proposalflow.IntentRestart
	default:
		return proposalflow.IntentUnknown
	}
}

// sectionOrder fixes the drafting order of the closed section set.
var sectionOrder = []proposalflow.SectionKind{
	proposalflow.SectionExecutiveSummary,
	proposalflow.SectionProblemStatement,
	proposalflow.SectionProposedSolution,
	proposalflow.SectionTimeline,
	proposalflow.SectionPricing,
	proposalflow.SectionTeam,
	proposalflow.SectionTerms,
}

var sectionTitles = map[proposalflow.SectionKind]string{
	proposalflow.SectionExecutiveSummary: "Executive Summary",
	proposalflow.SectionProblemStatement: "Problem Statement",
	proposalflow.SectionProposedSolution: "Proposed Solution",
	proposalflow.SectionTimeline:         "Timeline",
	proposalflow.SectionPricing:          "Pricing",
	proposalflow.SectionTeam:             "Team",
	proposalflow.SectionTerms:            "Terms",
}

// SectionTitle returns the display title for a section kind.
func SectionTitle(kind proposalflow.SectionKind) string {
	if title, ok := sectionTitles[kind]; ok {
		return title
	}
	return string(kind)
}
