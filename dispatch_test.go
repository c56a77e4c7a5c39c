package proposalflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// countingTarget executes concurrently with its siblings, so the counters are
// mutex-guarded.
type targetCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newTargetCounter() *targetCounter {
	return &targetCounter{counts: map[string]int{}}
}

func (c *targetCounter) inc(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[id]++
	return c.counts[id]
}

func (c *targetCounter) get(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[id]
}

func fanOutGraph(t *testing.T, targets map[string]NodeFunc) *Graph {
	t.Helper()
	builder := NewGraphBuilder().
		AddNode(messageNode("seed", "")).
		AddNode(messageNode("join", "")).
		AddEdge(Start, "seed").
		AddEdge("join", End)
	ids := make([]string, 0, len(targets))
	for _, id := range []string{"alpha", "beta", "gamma", "delta"} {
		fn, ok := targets[id]
		if !ok {
			continue
		}
		builder.AddNode(&Node{ID: id, Phase: PhaseIntelligence, Fn: fn})
		ids = append(ids, id)
	}
	builder.AddFanOut("seed", ids, "join")
	graph, err := builder.Compile()
	require.NoError(t, err)
	return graph
}

func sectionWriter(id string, kind SectionKind, counter *targetCounter) NodeFunc {
	return func(ctx context.Context, s State) (Update, error) {
		counter.inc(id)
		return Update{Sections: map[SectionKind]*SectionPatch{
			kind: {Content: StringPtr(id)},
		}}, nil
	}
}

func TestFanOutMergesAllTargets(t *testing.T) {
	counter := newTargetCounter()
	graph := fanOutGraph(t, map[string]NodeFunc{
		"alpha": sectionWriter("alpha", SectionExecutiveSummary, counter),
		"beta":  sectionWriter("beta", SectionProblemStatement, counter),
		"gamma": sectionWriter("gamma", SectionProposedSolution, counter),
		"delta": sectionWriter("delta", SectionPricing, counter),
	})

	engine, _ := newTestEngine(t, graph, EngineOptions{})
	outcome, err := engine.Run(context.Background(), NewState("thread_fan"))
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, outcome.Status)
	require.Empty(t, outcome.State.RetryAgents)
	require.Equal(t, "alpha", outcome.State.Sections[SectionExecutiveSummary].Content)
	require.Equal(t, "beta", outcome.State.Sections[SectionProblemStatement].Content)
	require.Equal(t, "gamma", outcome.State.Sections[SectionProposedSolution].Content)
	require.Equal(t, "delta", outcome.State.Sections[SectionPricing].Content)
	for _, id := range []string{"alpha", "beta", "gamma", "delta"} {
		require.Equal(t, 1, counter.get(id), id)
	}
}

func TestFanOutSelectiveRetry(t *testing.T) {
	counter := newTargetCounter()
	flaky := func(ctx context.Context, s State) (Update, error) {
		if counter.inc("gamma") == 1 {
			return Update{}, errors.New("transient failure")
		}
		return Update{Sections: map[SectionKind]*SectionPatch{
			SectionProposedSolution: {Content: StringPtr("gamma")},
		}}, nil
	}
	graph := fanOutGraph(t, map[string]NodeFunc{
		"alpha": sectionWriter("alpha", SectionExecutiveSummary, counter),
		"beta":  sectionWriter("beta", SectionProblemStatement, counter),
		"gamma": flaky,
		"delta": sectionWriter("delta", SectionPricing, counter),
	})

	engine, _ := newTestEngine(t, graph, EngineOptions{})
	outcome, err := engine.Run(context.Background(), NewState("thread_retry"))
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, outcome.Status)

	// Only the failed target was re-dispatched; successes were never redone.
	require.Equal(t, 2, counter.get("gamma"))
	require.Equal(t, 1, counter.get("alpha"))
	require.Equal(t, 1, counter.get("beta"))
	require.Equal(t, 1, counter.get("delta"))

	require.Empty(t, outcome.State.RetryAgents)
	require.Equal(t, 1, outcome.State.RetryAttempts["gamma"])
	require.Equal(t, "gamma", outcome.State.Sections[SectionProposedSolution].Content)
}

func TestFanOutRetryBudgetExhaustion(t *testing.T) {
	counter := newTargetCounter()
	alwaysFails := func(ctx context.Context, s State) (Update, error) {
		counter.inc("gamma")
		return Update{}, errors.New("persistent failure")
	}
	graph := fanOutGraph(t, map[string]NodeFunc{
		"alpha": sectionWriter("alpha", SectionExecutiveSummary, counter),
		"gamma": alwaysFails,
	})

	engine, _ := newTestEngine(t, graph, EngineOptions{RetryBudget: 2})
	outcome, err := engine.Run(context.Background(), NewState("thread_budget"))
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, outcome.Status)

	// Initial dispatch plus two retries, then abandoned.
	require.Equal(t, 3, counter.get("gamma"))
	require.Equal(t, 1, counter.get("alpha"))
	require.Empty(t, outcome.State.RetryAgents)
	require.Equal(t, 3, outcome.State.RetryAttempts["gamma"])
	require.Equal(t, PhaseStatusError, outcome.State.Phases[PhaseIntelligence])
	require.NotEmpty(t, outcome.State.UnresolvedErrors(PhaseIntelligence))
}

func TestFanOutNonRecoverableTargetAborts(t *testing.T) {
	counter := newTargetCounter()
	graph := fanOutGraph(t, map[string]NodeFunc{
		"alpha": sectionWriter("alpha", SectionExecutiveSummary, counter),
		"gamma": func(ctx context.Context, s State) (Update, error) {
			return Update{}, NewNonRecoverableError(errors.New("invalid api key"))
		},
	})

	engine, _ := newTestEngine(t, graph, EngineOptions{})
	_, err := engine.Run(context.Background(), NewState("thread_hard_fail"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid api key")
}

func TestFanOutTargetInterruptPausesBeforeJoin(t *testing.T) {
	counter := newTargetCounter()
	pauser := func(ctx context.Context, s State) (Update, error) {
		counter.inc("gamma")
		return Interrupt(InterruptPayload{
			NodeID:   "gamma",
			Phase:    PhaseIntelligence,
			Reason:   "clarification",
			Question: "Which market?",
		}), nil
	}
	graph, err := NewGraphBuilder().
		AddNode(messageNode("seed", "")).
		AddNode(&Node{ID: "join", Fn: func(ctx context.Context, s State) (Update, error) {
			counter.inc("join")
			return MessageUpdate("join", RoleAssistant, "joined"), nil
		}}).
		AddNode(&Node{ID: "alpha", Phase: PhaseIntelligence, Fn: sectionWriter("alpha", SectionExecutiveSummary, counter)}).
		AddNode(&Node{ID: "gamma", Phase: PhaseIntelligence, Fn: pauser}).
		AddEdge(Start, "seed").
		AddEdge("join", End).
		AddFanOut("seed", []string{"alpha", "gamma"}, "join").
		Compile()
	require.NoError(t, err)

	engine, store := newTestEngine(t, graph, EngineOptions{})
	ctx := context.Background()

	outcome, err := engine.Run(ctx, NewState("thread_pausing_target"))
	require.NoError(t, err)
	require.Equal(t, RunStatusInterrupted, outcome.Status)
	require.Equal(t, "gamma", outcome.Interrupt.NodeID)
	require.Equal(t, "Which market?", outcome.Interrupt.Question)

	// The sibling's update merged, but the join never ran while paused.
	require.Equal(t, "alpha", outcome.State.Sections[SectionExecutiveSummary].Content)
	require.Zero(t, counter.get("join"))

	// The pause is durable at the target.
	checkpoint, err := store.Get(ctx, "thread_pausing_target")
	require.NoError(t, err)
	require.True(t, checkpoint.State.Interrupt.Interrupted)
	require.Equal(t, "gamma", checkpoint.State.Interrupt.Point)

	// Resume re-enters at the join without re-dispatching the targets.
	outcome, err = engine.Resume(ctx, "thread_pausing_target", &FeedbackEnvelope{Type: FeedbackApprove})
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, outcome.Status)
	require.Equal(t, 1, counter.get("join"))
	require.Equal(t, 1, counter.get("alpha"))
	require.Equal(t, 1, counter.get("gamma"))
}

func TestFanOutDropsUnknownRetryAgents(t *testing.T) {
	counter := newTargetCounter()
	graph := fanOutGraph(t, map[string]NodeFunc{
		"alpha": sectionWriter("alpha", SectionExecutiveSummary, counter),
	})

	engine, _ := newTestEngine(t, graph, EngineOptions{})
	state := NewState("thread_unknown_retry")
	// Simulate a stale retry set naming a node that is not a fan-out target.
	state.RetryAgents = []string{"ghost"}

	outcome, err := engine.Run(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, outcome.Status)
	require.Empty(t, outcome.State.RetryAgents)
	// The unknown identifier was dropped, not dispatched.
	require.Zero(t, counter.get("ghost"))
}

func TestFanOutOverwriteConflictWarning(t *testing.T) {
	counter := newTargetCounter()
	writeDoc := func(id string) NodeFunc {
		return func(ctx context.Context, s State) (Update, error) {
			counter.inc(id)
			return Update{Document: &DocumentRef{ID: id, Status: DocumentLoaded}}, nil
		}
	}
	graph := fanOutGraph(t, map[string]NodeFunc{
		"alpha": writeDoc("alpha"),
		"beta":  writeDoc("beta"),
	})

	var mu sync.Mutex
	var warnings []MergeWarning
	callbacks := &warningRecorder{mu: &mu, warnings: &warnings}

	engine, _ := newTestEngine(t, graph, EngineOptions{Callbacks: callbacks})
	outcome, err := engine.Run(context.Background(), NewState("thread_conflict"))
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, outcome.Status)

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, w := range warnings {
		if w.Field == "document" {
			found = true
		}
	}
	require.True(t, found, "expected an overwrite conflict warning for document")
}

type warningRecorder struct {
	BaseCallbacks
	mu       *sync.Mutex
	warnings *[]MergeWarning
}

func (r *warningRecorder) OnMergeWarning(ctx context.Context, threadID string, warning MergeWarning) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.warnings = append(*r.warnings, warning)
}
