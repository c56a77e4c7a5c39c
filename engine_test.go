package proposalflow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func messageNode(id string, phase Phase) *Node {
	return &Node{ID: id, Phase: phase, Fn: func(ctx context.Context, s State) (Update, error) {
		return MessageUpdate(id, RoleAssistant, id), nil
	}}
}

func newTestEngine(t *testing.T, graph *Graph, opts EngineOptions) (*Engine, *MemoryCheckpointStore) {
	t.Helper()
	store := NewMemoryCheckpointStore("")
	opts.Graph = graph
	opts.Store = store
	engine, err := NewEngine(opts)
	require.NoError(t, err)
	return engine, store
}

func TestEngineLinearRun(t *testing.T) {
	graph, err := NewGraphBuilder().
		AddNode(messageNode("a", PhaseResearch)).
		AddNode(messageNode("b", PhaseResearch)).
		AddEdge(Start, "a").
		AddEdge("a", "b").
		AddEdge("b", End).
		Compile()
	require.NoError(t, err)

	engine, store := newTestEngine(t, graph, EngineOptions{})
	outcome, err := engine.Run(context.Background(), NewState("thread_linear"))
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, outcome.Status)
	require.Len(t, outcome.State.Messages, 2)
	require.Equal(t, "a", outcome.State.Messages[0].Content)
	require.Equal(t, "b", outcome.State.Messages[1].Content)

	checkpoint, err := store.Get(context.Background(), "thread_linear")
	require.NoError(t, err)
	require.NotNil(t, checkpoint)
	require.Equal(t, End, checkpoint.Metadata["last_node"])
	require.Len(t, checkpoint.State.Messages, 2)
}

func TestEngineRequiresThreadID(t *testing.T) {
	graph, err := NewGraphBuilder().
		AddNode(messageNode("a", "")).
		AddEdge(Start, "a").
		AddEdge("a", End).
		Compile()
	require.NoError(t, err)

	engine, _ := newTestEngine(t, graph, EngineOptions{})
	_, err = engine.Run(context.Background(), State{})
	require.Error(t, err)
	require.True(t, MatchesErrorType(err, ErrorTypeValidation))
}

func TestEngineConditionalRouting(t *testing.T) {
	router := func(s State) string {
		if len(s.Messages) > 0 {
			return "busy"
		}
		return "quiet"
	}
	graph, err := NewGraphBuilder().
		AddNode(messageNode("a", "")).
		AddNode(messageNode("busy_node", "")).
		AddNode(messageNode("quiet_node", "")).
		AddEdge(Start, "a").
		AddConditionalEdges("a", router, map[string]string{
			"busy":  "busy_node",
			"quiet": "quiet_node",
		}).
		AddEdge("busy_node", End).
		AddEdge("quiet_node", End).
		Compile()
	require.NoError(t, err)

	engine, _ := newTestEngine(t, graph, EngineOptions{})
	outcome, err := engine.Run(context.Background(), NewState("thread_route"))
	require.NoError(t, err)
	// Node a appended a message, so the router sees a non-empty log.
	require.Equal(t, "busy_node", outcome.State.Messages[1].Content)
}

func TestEngineUndeclaredLabelIsFatal(t *testing.T) {
	graph, err := NewGraphBuilder().
		AddNode(messageNode("a", "")).
		AddNode(messageNode("b", "")).
		AddEdge(Start, "a").
		AddConditionalEdges("a", func(s State) string { return "elsewhere" },
			map[string]string{"known": "b"}).
		AddEdge("b", End).
		Compile()
	require.NoError(t, err)

	engine, _ := newTestEngine(t, graph, EngineOptions{})
	_, err = engine.Run(context.Background(), NewState("thread_label"))
	require.Error(t, err)
	require.True(t, MatchesErrorType(err, ErrorTypeConfiguration))
	require.Contains(t, err.Error(), "elsewhere")
}

func TestEngineConditionEdgeEvaluation(t *testing.T) {
	graph, err := NewGraphBuilder().
		AddNode(&Node{ID: "load", Fn: func(ctx context.Context, s State) (Update, error) {
			return Update{Document: &DocumentRef{ID: "doc", Status: DocumentLoaded}}, nil
		}}).
		AddNode(messageNode("proceed", "")).
		AddNode(messageNode("abort", "")).
		AddEdge(Start, "load").
		AddConditionEdge("load", `state["document"]["status"] == "loaded"`, "proceed", "abort").
		AddEdge("proceed", End).
		AddEdge("abort", End).
		Compile()
	require.NoError(t, err)

	engine, _ := newTestEngine(t, graph, EngineOptions{})
	outcome, err := engine.Run(context.Background(), NewState("thread_cond"))
	require.NoError(t, err)
	require.Len(t, outcome.State.Messages, 1)
	require.Equal(t, "proceed", outcome.State.Messages[0].Content)
}

func TestEngineAbsorbsRecoverableFailure(t *testing.T) {
	graph, err := NewGraphBuilder().
		AddNode(&Node{ID: "flaky", Phase: PhaseResearch, Fn: func(ctx context.Context, s State) (Update, error) {
			return Update{}, errors.New("boom")
		}}).
		AddNode(messageNode("after", PhaseResearch)).
		AddEdge(Start, "flaky").
		AddEdge("flaky", "after").
		AddEdge("after", End).
		Compile()
	require.NoError(t, err)

	engine, _ := newTestEngine(t, graph, EngineOptions{})
	outcome, err := engine.Run(context.Background(), NewState("thread_absorb"))
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, outcome.Status)
	require.Equal(t, PhaseStatusError, outcome.State.Phases[PhaseResearch])
	require.Len(t, outcome.State.UnresolvedErrors(PhaseResearch), 1)
	// The walk continued past the failure.
	require.Len(t, outcome.State.Messages, 1)
}

func TestEngineAbortsOnNonRecoverableFailure(t *testing.T) {
	graph, err := NewGraphBuilder().
		AddNode(messageNode("first", "")).
		AddNode(&Node{ID: "broken", NonRecoverable: true, Fn: func(ctx context.Context, s State) (Update, error) {
			return Update{}, errors.New("unusable credentials")
		}}).
		AddEdge(Start, "first").
		AddEdge("first", "broken").
		AddEdge("broken", End).
		Compile()
	require.NoError(t, err)

	engine, store := newTestEngine(t, graph, EngineOptions{})
	_, err = engine.Run(context.Background(), NewState("thread_abort"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unusable credentials")

	// The checkpoint still holds the last good state.
	checkpoint, err := store.Get(context.Background(), "thread_abort")
	require.NoError(t, err)
	require.NotNil(t, checkpoint)
	require.Len(t, checkpoint.State.Messages, 1)
	require.Equal(t, "first", checkpoint.State.Messages[0].Content)
}

func TestEnginePanicBecomesError(t *testing.T) {
	graph, err := NewGraphBuilder().
		AddNode(&Node{ID: "panicky", Phase: PhaseResearch, Fn: func(ctx context.Context, s State) (Update, error) {
			panic("surprise")
		}}).
		AddEdge(Start, "panicky").
		AddEdge("panicky", End).
		Compile()
	require.NoError(t, err)

	engine, _ := newTestEngine(t, graph, EngineOptions{})
	outcome, err := engine.Run(context.Background(), NewState("thread_panic"))
	require.NoError(t, err)
	require.Len(t, outcome.State.UnresolvedErrors(PhaseResearch), 1)
	require.Contains(t, outcome.State.UnresolvedErrors(PhaseResearch)[0].Message, "surprise")
}

func TestEngineRecursionLimit(t *testing.T) {
	graph, err := NewGraphBuilder().
		AddNode(messageNode("a", "")).
		AddNode(messageNode("b", "")).
		AddEdge(Start, "a").
		AddEdge("a", "b").
		AddEdge("b", "a"). // cycle
		Compile()
	require.NoError(t, err)

	engine, store := newTestEngine(t, graph, EngineOptions{MaxSteps: 4})
	_, err = engine.Run(context.Background(), NewState("thread_loop"))
	require.Error(t, err)
	require.True(t, MatchesErrorType(err, ErrorTypeRecursionLimit))

	// Progress up to the limit is preserved.
	checkpoint, err := store.Get(context.Background(), "thread_loop")
	require.NoError(t, err)
	require.NotNil(t, checkpoint)
	require.Len(t, checkpoint.State.Messages, 4)
}

func interruptGraph(t *testing.T, executed *[]string) *Graph {
	t.Helper()
	record := func(id string) NodeFunc {
		return func(ctx context.Context, s State) (Update, error) {
			*executed = append(*executed, id)
			return MessageUpdate(id, RoleAssistant, id), nil
		}
	}
	graph, err := NewGraphBuilder().
		AddNode(&Node{ID: "before", Fn: record("before")}).
		AddNode(&Node{ID: "gate", Fn: func(ctx context.Context, s State) (Update, error) {
			*executed = append(*executed, "gate")
			return Interrupt(InterruptPayload{
				NodeID:   "gate",
				Reason:   "review",
				Question: "Continue?",
			}), nil
		}}).
		AddNode(&Node{ID: "after", Fn: record("after")}).
		AddEdge(Start, "before").
		AddEdge("before", "gate").
		AddEdge("gate", "after").
		AddEdge("after", End).
		Compile()
	require.NoError(t, err)
	return graph
}

func TestEngineInterruptAndResume(t *testing.T) {
	var executed []string
	graph := interruptGraph(t, &executed)
	engine, store := newTestEngine(t, graph, EngineOptions{})

	outcome, err := engine.Run(context.Background(), NewState("thread_pause"))
	require.NoError(t, err)
	require.Equal(t, RunStatusInterrupted, outcome.Status)
	require.NotNil(t, outcome.Interrupt)
	require.Equal(t, "gate", outcome.Interrupt.NodeID)
	require.Equal(t, "Continue?", outcome.Interrupt.Question)
	require.NotEmpty(t, outcome.Interrupt.ID)
	require.Equal(t, []string{"before", "gate"}, executed)

	// The paused state is durable before the caller sees the payload.
	checkpoint, err := store.Get(context.Background(), "thread_pause")
	require.NoError(t, err)
	require.True(t, checkpoint.State.Interrupt.Interrupted)
	require.Equal(t, "gate", checkpoint.State.Interrupt.Point)

	answer := &FeedbackEnvelope{Type: FeedbackApprove, Comments: "looks good"}
	outcome, err = engine.Resume(context.Background(), "thread_pause", answer)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, outcome.Status)
	// Nodes before the interrupt never re-executed.
	require.Equal(t, []string{"before", "gate", "after"}, executed)
	require.False(t, outcome.State.Interrupt.Interrupted)
	require.NotNil(t, outcome.State.UserFeedback)
	require.Equal(t, FeedbackApprove, outcome.State.UserFeedback.Type)
}

func TestEngineResumeProtocol(t *testing.T) {
	var executed []string
	graph := interruptGraph(t, &executed)
	engine, _ := newTestEngine(t, graph, EngineOptions{})

	t.Run("unknown thread is not found", func(t *testing.T) {
		_, err := engine.Resume(context.Background(), "thread_ghost", &FeedbackEnvelope{Type: FeedbackApprove})
		require.Error(t, err)
		require.True(t, MatchesErrorType(err, ErrorTypeNotFound))
	})

	t.Run("resuming a completed thread is a protocol error", func(t *testing.T) {
		outcome, err := engine.Run(context.Background(), NewState("thread_done"))
		require.NoError(t, err)
		outcome, err = engine.Resume(context.Background(), "thread_done", &FeedbackEnvelope{Type: FeedbackApprove})
		require.NoError(t, err)
		require.Equal(t, RunStatusCompleted, outcome.Status)

		_, err = engine.Resume(context.Background(), "thread_done", &FeedbackEnvelope{Type: FeedbackApprove})
		require.Error(t, err)
		require.True(t, MatchesErrorType(err, ErrorTypeProtocol))
	})

	t.Run("resume without answer or staged feedback fails", func(t *testing.T) {
		_, err := engine.Run(context.Background(), NewState("thread_noanswer"))
		require.NoError(t, err)
		_, err = engine.Resume(context.Background(), "thread_noanswer", nil)
		require.Error(t, err)
		require.True(t, MatchesErrorType(err, ErrorTypeProtocol))
	})

	t.Run("run on an interrupted thread is a protocol error", func(t *testing.T) {
		_, err := engine.Run(context.Background(), NewState("thread_busy"))
		require.NoError(t, err)
		_, err = engine.Run(context.Background(), NewState("thread_busy"))
		require.Error(t, err)
		require.True(t, MatchesErrorType(err, ErrorTypeProtocol))
	})
}

func TestEngineCheckpointStoreFailureIsFatal(t *testing.T) {
	graph, err := NewGraphBuilder().
		AddNode(messageNode("a", "")).
		AddEdge(Start, "a").
		AddEdge("a", End).
		Compile()
	require.NoError(t, err)

	engine, err := NewEngine(EngineOptions{Graph: graph, Store: failingStore{}})
	require.NoError(t, err)
	_, err = engine.Run(context.Background(), NewState("thread_store"))
	require.Error(t, err)
	require.True(t, MatchesErrorType(err, ErrorTypeStore))
}

type failingStore struct{}

func (failingStore) Get(ctx context.Context, threadID string) (*Checkpoint, error) {
	return nil, nil
}

func (failingStore) Put(ctx context.Context, checkpoint *Checkpoint) error {
	return fmt.Errorf("disk full")
}

func (failingStore) Delete(ctx context.Context, threadID string) error {
	return nil
}
