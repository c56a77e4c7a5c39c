package proposalflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func noopNode(id string) *Node {
	return &Node{ID: id, Fn: func(ctx context.Context, s State) (Update, error) {
		return Update{}, nil
	}}
}

func TestGraphBuilderValidation(t *testing.T) {
	t.Run("entry point is required", func(t *testing.T) {
		_, err := NewGraphBuilder().
			AddNode(noopNode("a")).
			AddEdge("a", End).
			Compile()
		require.Error(t, err)
		require.Contains(t, err.Error(), "entry point")
	})

	t.Run("edges must target declared nodes", func(t *testing.T) {
		_, err := NewGraphBuilder().
			AddNode(noopNode("a")).
			AddEdge(Start, "a").
			AddEdge("a", "ghost").
			Compile()
		require.Error(t, err)
		require.Contains(t, err.Error(), "ghost")
	})

	t.Run("duplicate node is rejected", func(t *testing.T) {
		_, err := NewGraphBuilder().
			AddNode(noopNode("a")).
			AddNode(noopNode("a")).
			AddEdge(Start, "a").
			AddEdge("a", End).
			Compile()
		require.Error(t, err)
		require.Contains(t, err.Error(), "duplicate")
	})

	t.Run("reserved IDs are rejected", func(t *testing.T) {
		_, err := NewGraphBuilder().
			AddNode(noopNode(Start)).
			Compile()
		require.Error(t, err)
		require.Contains(t, err.Error(), "reserved")
	})

	t.Run("every node needs a way forward", func(t *testing.T) {
		_, err := NewGraphBuilder().
			AddNode(noopNode("a")).
			AddNode(noopNode("stranded")).
			AddEdge(Start, "a").
			AddEdge("a", End).
			Compile()
		require.Error(t, err)
		require.Contains(t, err.Error(), "stranded")
	})

	t.Run("fan-out targets need no outgoing edge", func(t *testing.T) {
		graph, err := NewGraphBuilder().
			AddNode(noopNode("from")).
			AddNode(noopNode("t1")).
			AddNode(noopNode("t2")).
			AddNode(noopNode("join")).
			AddEdge(Start, "from").
			AddFanOut("from", []string{"t1", "t2"}, "join").
			AddEdge("join", End).
			Compile()
		require.NoError(t, err)
		require.True(t, graph.RetryEligible("t1"))
		require.True(t, graph.RetryEligible("t2"))
		require.False(t, graph.RetryEligible("join"))
	})

	t.Run("target shared by two fan-outs is rejected", func(t *testing.T) {
		// A shared target would make the resume re-entry point ambiguous.
		_, err := NewGraphBuilder().
			AddNode(noopNode("from1")).
			AddNode(noopNode("from2")).
			AddNode(noopNode("shared")).
			AddNode(noopNode("join1")).
			AddNode(noopNode("join2")).
			AddEdge(Start, "from1").
			AddFanOut("from1", []string{"shared"}, "join1").
			AddFanOut("from2", []string{"shared"}, "join2").
			AddEdge("join1", "from2").
			AddEdge("join2", End).
			Compile()
		require.Error(t, err)
		require.Contains(t, err.Error(), "more than one fan-out")
	})

	t.Run("fan-out to undeclared target is rejected", func(t *testing.T) {
		_, err := NewGraphBuilder().
			AddNode(noopNode("from")).
			AddNode(noopNode("join")).
			AddEdge(Start, "from").
			AddFanOut("from", []string{"ghost"}, "join").
			AddEdge("join", End).
			Compile()
		require.Error(t, err)
		require.True(t, MatchesErrorType(err, ErrorTypeConfiguration))
	})

	t.Run("conditional path map targets are validated", func(t *testing.T) {
		_, err := NewGraphBuilder().
			AddNode(noopNode("a")).
			AddEdge(Start, "a").
			AddConditionalEdges("a", func(s State) string { return "x" },
				map[string]string{"x": "missing"}).
			Compile()
		require.Error(t, err)
		require.Contains(t, err.Error(), "missing")
	})

	t.Run("second outgoing edge is rejected", func(t *testing.T) {
		_, err := NewGraphBuilder().
			AddNode(noopNode("a")).
			AddNode(noopNode("b")).
			AddEdge(Start, "a").
			AddEdge("a", "b").
			AddEdge("a", End).
			AddEdge("b", End).
			Compile()
		require.Error(t, err)
		require.Contains(t, err.Error(), "already has an outgoing edge")
	})
}

func TestConditionEdgeCompilation(t *testing.T) {
	graph, err := NewGraphBuilder().
		AddNode(noopNode("check")).
		AddNode(noopNode("yes")).
		AddNode(noopNode("no")).
		AddEdge(Start, "check").
		AddConditionEdge("check", `state["thread_id"] != ""`, "yes", "no").
		AddEdge("yes", End).
		AddEdge("no", End).
		Compile()
	require.NoError(t, err)

	edge, ok := graph.ConditionalEdge("check")
	require.True(t, ok)
	require.NotNil(t, edge.Condition)
	require.Equal(t, "yes", edge.PathMap["true"])
	require.Equal(t, "no", edge.PathMap["false"])
}

func TestConditionEdgeBadExpression(t *testing.T) {
	_, err := NewGraphBuilder().
		AddNode(noopNode("check")).
		AddEdge(Start, "check").
		AddConditionEdge("check", `state[`, End, End).
		Compile()
	require.Error(t, err)
}
