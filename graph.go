package proposalflow

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/proposalflow/script"
)

// Special node identifiers for graph routing.
const (
	// Start is the virtual start node; the edge leaving it names the entry node.
	Start = "__start__"
	// End is the virtual terminal node.
	End = "__end__"
)

// NodeFunc is a single processing step: a function from state to a partial
// update. Implementations must not mutate the given state and must catch
// recoverable failures themselves or return them as errors for the engine to
// absorb.
type NodeFunc func(ctx context.Context, s State) (Update, error)

// RouterFunc picks an edge label from the post-update state. It must be a
// pure function of the state.
type RouterFunc func(s State) string

// Node is a single processing step in the graph.
type Node struct {
	ID   string
	Name string
	// Phase is the pipeline phase whose status absorbs this node's
	// recoverable failures.
	Phase Phase
	Fn    NodeFunc
	// NonRecoverable aborts the run when this node fails, instead of
	// converting the failure into a state update.
	NonRecoverable bool
}

// ConditionalEdge routes from a node to one of several successors. Either
// Router (typed routing function with a label path map) or Condition (a
// compiled boolean expression with true/false labels) is set, never both.
type ConditionalEdge struct {
	From      string
	Router    RouterFunc
	Condition *script.Condition
	PathMap   map[string]string
}

// FanOut declares a parallel dispatch: on leaving From, the dispatcher runs
// all Targets concurrently against clones of the current state, merges their
// updates behind a wait-all barrier, and execution continues at Join.
type FanOut struct {
	From    string
	Targets []string
	Join    string
}

// Graph is the immutable, statically declared workflow graph. Build one with
// a GraphBuilder; the zero value is not usable.
type Graph struct {
	nodes            map[string]*Node
	edges            map[string]string
	conditionalEdges map[string]*ConditionalEdge
	fanOuts          map[string]*FanOut
	entryPoint       string
	retryTargets     map[string]bool
	joins            map[string]string
}

// Node returns a node by ID.
func (g *Graph) Node(id string) (*Node, bool) {
	node, ok := g.nodes[id]
	return node, ok
}

// NodeIDs returns the IDs of all declared nodes.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	return ids
}

// EntryPoint returns the node executed first.
func (g *Graph) EntryPoint() string {
	return g.entryPoint
}

// NextEdge returns the unconditional successor of a node, if declared.
func (g *Graph) NextEdge(id string) (string, bool) {
	to, ok := g.edges[id]
	return to, ok
}

// ConditionalEdge returns the conditional edge leaving a node, if declared.
func (g *Graph) ConditionalEdge(id string) (*ConditionalEdge, bool) {
	edge, ok := g.conditionalEdges[id]
	return edge, ok
}

// FanOut returns the parallel dispatch declared on a node, if any.
func (g *Graph) FanOut(id string) (*FanOut, bool) {
	fanOut, ok := g.fanOuts[id]
	return fanOut, ok
}

// RetryEligible reports whether a node ID is a declared fan-out target and
// may therefore appear in the retry-agent set.
func (g *Graph) RetryEligible(id string) bool {
	return g.retryTargets[id]
}

// JoinFor returns the join node of the fan-out that declares the given node
// as a target. A run paused inside a fan-out resumes at this join.
func (g *Graph) JoinFor(target string) (string, bool) {
	join, ok := g.joins[target]
	return join, ok
}

// GraphBuilder assembles a Graph. Errors accumulate and are reported by
// Compile so call sites can chain declarations fluently.
type GraphBuilder struct {
	nodes            map[string]*Node
	edges            map[string]string
	conditionalEdges map[string]*ConditionalEdge
	fanOuts          map[string]*FanOut
	entryPoint       string
	compiler         script.Compiler
	errs             []error
}

// NewGraphBuilder creates an empty graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		nodes:            map[string]*Node{},
		edges:            map[string]string{},
		conditionalEdges: map[string]*ConditionalEdge{},
		fanOuts:          map[string]*FanOut{},
	}
}

// WithCompiler sets the expression compiler used by AddConditionEdge.
func (b *GraphBuilder) WithCompiler(compiler script.Compiler) *GraphBuilder {
	b.compiler = compiler
	return b
}

// AddNode declares a processing node.
func (b *GraphBuilder) AddNode(node *Node) *GraphBuilder {
	if node.ID == "" {
		b.errs = append(b.errs, fmt.Errorf("node ID required"))
		return b
	}
	if node.ID == Start || node.ID == End {
		b.errs = append(b.errs, fmt.Errorf("node ID %q is reserved", node.ID))
		return b
	}
	if _, exists := b.nodes[node.ID]; exists {
		b.errs = append(b.errs, fmt.Errorf("duplicate node %q", node.ID))
		return b
	}
	if node.Fn == nil {
		b.errs = append(b.errs, fmt.Errorf("node %q has no function", node.ID))
		return b
	}
	if node.Name == "" {
		node.Name = node.ID
	}
	b.nodes[node.ID] = node
	return b
}

// AddEdge declares an unconditional edge. An edge from Start sets the entry
// point.
func (b *GraphBuilder) AddEdge(from, to string) *GraphBuilder {
	if from == Start {
		if b.entryPoint != "" {
			b.errs = append(b.errs, fmt.Errorf("entry point already set to %q", b.entryPoint))
			return b
		}
		b.entryPoint = to
		return b
	}
	if b.hasOutgoing(from) {
		b.errs = append(b.errs, fmt.Errorf("node %q already has an outgoing edge", from))
		return b
	}
	b.edges[from] = to
	return b
}

// AddConditionalEdges declares a routing function for a node. The path map
// translates every label the router may return into a target node; a label
// outside the map is a fatal configuration error at runtime.
func (b *GraphBuilder) AddConditionalEdges(from string, router RouterFunc, pathMap map[string]string) *GraphBuilder {
	if b.hasOutgoing(from) {
		b.errs = append(b.errs, fmt.Errorf("node %q already has an outgoing edge", from))
		return b
	}
	if router == nil {
		b.errs = append(b.errs, fmt.Errorf("conditional edge from %q requires a router", from))
		return b
	}
	if len(pathMap) == 0 {
		b.errs = append(b.errs, fmt.Errorf("conditional edge from %q requires a path map", from))
		return b
	}
	b.conditionalEdges[from] = &ConditionalEdge{From: from, Router: router, PathMap: pathMap}
	return b
}

// AddConditionEdge declares a two-way branch driven by a compiled boolean
// expression evaluated against a snapshot of the state (available as the
// "state" global).
func (b *GraphBuilder) AddConditionEdge(from, expression, whenTrue, whenFalse string) *GraphBuilder {
	if b.hasOutgoing(from) {
		b.errs = append(b.errs, fmt.Errorf("node %q already has an outgoing edge", from))
		return b
	}
	if b.compiler == nil {
		b.compiler = script.NewRisorCompiler(script.DefaultGlobals())
	}
	condition, err := script.NewCondition(b.compiler, expression)
	if err != nil {
		b.errs = append(b.errs, err)
		return b
	}
	b.conditionalEdges[from] = &ConditionalEdge{
		From:      from,
		Condition: condition,
		PathMap:   map[string]string{"true": whenTrue, "false": whenFalse},
	}
	return b
}

// AddFanOut declares a parallel dispatch from a node to a set of targets,
// joining at the given node once all targets have settled.
func (b *GraphBuilder) AddFanOut(from string, targets []string, join string) *GraphBuilder {
	if b.hasOutgoing(from) {
		b.errs = append(b.errs, fmt.Errorf("node %q already has an outgoing edge", from))
		return b
	}
	if len(targets) == 0 {
		b.errs = append(b.errs, fmt.Errorf("fan-out from %q requires targets", from))
		return b
	}
	b.fanOuts[from] = &FanOut{From: from, Targets: append([]string(nil), targets...), Join: join}
	return b
}

func (b *GraphBuilder) hasOutgoing(from string) bool {
	if _, ok := b.edges[from]; ok {
		return true
	}
	if _, ok := b.conditionalEdges[from]; ok {
		return true
	}
	_, ok := b.fanOuts[from]
	return ok
}

// Compile validates the declarations and returns the immutable graph.
func (b *GraphBuilder) Compile() (*Graph, error) {
	errs := append([]error(nil), b.errs...)

	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	nodeExists := func(id string) bool {
		if id == End {
			return true
		}
		_, ok := b.nodes[id]
		return ok
	}

	if b.entryPoint == "" {
		fail("graph requires an entry point (add an edge from Start)")
	} else if !nodeExists(b.entryPoint) || b.entryPoint == End {
		fail("entry point %q is not a declared node", b.entryPoint)
	}

	for from, to := range b.edges {
		if _, ok := b.nodes[from]; !ok {
			fail("edge from undeclared node %q", from)
		}
		if !nodeExists(to) {
			fail("edge from %q to undeclared node %q", from, to)
		}
	}
	for from, edge := range b.conditionalEdges {
		if _, ok := b.nodes[from]; !ok {
			fail("conditional edge from undeclared node %q", from)
		}
		for label, to := range edge.PathMap {
			if !nodeExists(to) {
				fail("conditional edge from %q maps label %q to undeclared node %q", from, label, to)
			}
		}
	}

	retryTargets := map[string]bool{}
	joins := map[string]string{}
	for from, fanOut := range b.fanOuts {
		if _, ok := b.nodes[from]; !ok {
			fail("fan-out from undeclared node %q", from)
		}
		if !nodeExists(fanOut.Join) || fanOut.Join == End {
			fail("fan-out from %q joins at undeclared node %q", from, fanOut.Join)
		}
		seen := map[string]bool{}
		for _, target := range fanOut.Targets {
			if target == Start || target == End {
				fail("fan-out from %q targets reserved node %q", from, target)
				continue
			}
			if _, ok := b.nodes[target]; !ok {
				fail("fan-out from %q targets undeclared node %q", from, target)
				continue
			}
			if seen[target] {
				fail("fan-out from %q lists target %q twice", from, target)
			}
			if _, shared := joins[target]; shared && !seen[target] {
				fail("node %q is a target of more than one fan-out", target)
			}
			seen[target] = true
			retryTargets[target] = true
			joins[target] = fanOut.Join
		}
	}

	// Every node needs a way forward except fan-out targets, which are
	// invoked by the dispatcher rather than walked.
	for id := range b.nodes {
		if retryTargets[id] {
			continue
		}
		if !b.hasOutgoing(id) {
			fail("node %q has no outgoing edge", id)
		}
	}

	if len(errs) > 0 {
		msg := ""
		for i, err := range errs {
			if i > 0 {
				msg += "; "
			}
			msg += err.Error()
		}
		return nil, NewEngineError(ErrorTypeConfiguration, "graph validation failed: "+msg)
	}

	return &Graph{
		nodes:            b.nodes,
		edges:            b.edges,
		conditionalEdges: b.conditionalEdges,
		fanOuts:          b.fanOuts,
		entryPoint:       b.entryPoint,
		retryTargets:     retryTargets,
		joins:            joins,
	}, nil
}
