package proposalflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// RunStatus describes how an engine entry ended.
type RunStatus string

const (
	// RunStatusCompleted means the walk reached End.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusInterrupted means a node paused the run to await input.
	RunStatusInterrupted RunStatus = "interrupted"
)

// Outcome is the structured result of a Run or Resume call. Interrupt is set
// only when Status is RunStatusInterrupted.
type Outcome struct {
	Status    RunStatus
	State     State
	Interrupt *InterruptPayload
}

// DefaultMaxSteps bounds the graph walk when no limit is configured.
const DefaultMaxSteps = 50

// DefaultRetryBudget is the number of selective re-dispatch rounds a failed
// parallel target gets before it is abandoned.
const DefaultRetryBudget = 2

// EngineOptions configures an Engine.
type EngineOptions struct {
	Graph       *Graph
	Store       CheckpointStore
	Logger      *slog.Logger
	Callbacks   Callbacks
	MaxSteps    int
	RetryBudget int
	Namespace   string
	AgentType   string
}

// Engine walks a compiled graph for one thread at a time: it invokes nodes,
// applies their partial updates through the reducers, evaluates edges against
// the post-update state, runs parallel dispatches, and persists checkpoints.
// A single run executes on one logical timeline; concurrency exists only
// inside a fan-out, and only the engine ever writes checkpoints.
type Engine struct {
	graph       *Graph
	store       CheckpointStore
	logger      *slog.Logger
	callbacks   Callbacks
	maxSteps    int
	retryBudget int
	namespace   string
	agentType   string
}

// NewEngine creates an engine for a compiled graph.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Graph == nil {
		return nil, fmt.Errorf("graph is required")
	}
	if opts.Store == nil {
		opts.Store = NewMemoryCheckpointStore(opts.Namespace)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Callbacks == nil {
		opts.Callbacks = BaseCallbacks{}
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	if opts.RetryBudget <= 0 {
		opts.RetryBudget = DefaultRetryBudget
	}
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	return &Engine{
		graph:       opts.Graph,
		store:       opts.Store,
		logger:      opts.Logger,
		callbacks:   opts.Callbacks,
		maxSteps:    opts.MaxSteps,
		retryBudget: opts.RetryBudget,
		namespace:   opts.Namespace,
		agentType:   opts.AgentType,
	}, nil
}

// runContext carries per-entry bookkeeping through the walk.
type runContext struct {
	threadID string
	runID    string
	logger   *slog.Logger
	step     int
}

// Run starts a fresh walk from the graph's entry node with the given initial
// state. It returns when the walk completes, pauses at an interrupt, or
// fails fatally.
func (e *Engine) Run(ctx context.Context, initial State) (*Outcome, error) {
	if initial.ThreadID == "" {
		return nil, NewEngineError(ErrorTypeValidation, "initial state requires a thread ID")
	}
	if initial.Interrupt.Interrupted {
		return nil, NewProtocolError(initial.ThreadID, "cannot start a run from an interrupted state; call Resume")
	}
	existing, err := e.store.Get(ctx, initial.ThreadID)
	if err != nil {
		return nil, WrapError(ErrorTypeStore, err)
	}
	if existing != nil && existing.State.Interrupt.Interrupted {
		return nil, NewProtocolError(initial.ThreadID, "thread is awaiting input; call Resume")
	}

	rc := e.newRunContext(initial.ThreadID)
	rc.logger.Info("starting run", "entry", e.graph.EntryPoint())
	return e.walk(ctx, rc, initial, e.graph.EntryPoint())
}

// Resume loads the last checkpoint for an interrupted thread, merges the
// external answer into state, and re-enters the graph at the node following
// the interrupt point. It never re-executes nodes before the interrupt.
// Resuming a thread that is not interrupted is a protocol error and leaves
// state untouched.
func (e *Engine) Resume(ctx context.Context, threadID string, answer *FeedbackEnvelope) (*Outcome, error) {
	if threadID == "" {
		return nil, NewEngineError(ErrorTypeValidation, "thread ID is required")
	}
	checkpoint, err := e.store.Get(ctx, threadID)
	if err != nil {
		return nil, WrapError(ErrorTypeStore, err)
	}
	if checkpoint == nil {
		return nil, NewNotFoundError(threadID)
	}
	state := checkpoint.State
	if !state.Interrupt.Interrupted {
		return nil, NewProtocolError(threadID, "thread is not interrupted; resuming would double-process feedback")
	}
	if answer == nil {
		answer = state.Interrupt.Feedback
		if answer == nil {
			return nil, NewProtocolError(threadID, "no answer supplied and no pending feedback submitted")
		}
	}

	point := state.Interrupt.Point
	state, warnings, err := state.Apply(resumeUpdate(answer))
	if err != nil {
		return nil, err
	}

	rc := e.newRunContext(threadID)
	e.reportWarnings(ctx, rc, warnings)
	rc.logger.Info("resuming run", "interrupt_point", point)

	next, err := e.successor(ctx, rc, &state, point)
	if err != nil {
		return nil, err
	}
	if state.Interrupt.Interrupted {
		return e.pauseOutcome(ctx, rc, state), nil
	}
	return e.walk(ctx, rc, state, next)
}

func (e *Engine) newRunContext(threadID string) *runContext {
	runID := NewRunID()
	return &runContext{
		threadID: threadID,
		runID:    runID,
		logger:   e.logger.With("thread_id", threadID, "run_id", runID),
	}
}

// walk executes nodes from current until End, an interrupt, or a fatal
// error. Fatal errors are returned after the last good checkpoint was
// already written; they are never absorbed into state.
func (e *Engine) walk(ctx context.Context, rc *runContext, state State, current string) (*Outcome, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if current == End {
			if err := e.saveCheckpoint(ctx, rc, state, End); err != nil {
				return nil, err
			}
			rc.logger.Info("run completed", "steps", rc.step)
			return &Outcome{Status: RunStatusCompleted, State: state}, nil
		}

		rc.step++
		if rc.step > e.maxSteps {
			// The checkpoint written after the previous node still reflects
			// the last good state.
			rc.logger.Error("step limit exceeded", "limit", e.maxSteps)
			return nil, NewRecursionLimitError(e.maxSteps)
		}

		node, ok := e.graph.Node(current)
		if !ok {
			return nil, NewEngineError(ErrorTypeConfiguration,
				fmt.Sprintf("node %q not found in graph", current))
		}

		update, err := e.invokeNode(ctx, rc, node, state)
		if err != nil {
			if node.NonRecoverable || IsFatal(err) || !IsRecoverable(err) {
				rc.logger.Error("node failed fatally", "node", node.ID, "error", err)
				return nil, err
			}
			// Recoverable node failure: absorbed into state so the graph's
			// error edges can react to it.
			rc.logger.Warn("node failed, absorbing into state", "node", node.ID, "error", err)
			update = ErrorUpdate(node.Phase, node.ID, err)
		}

		next, warnings, err := state.Apply(update)
		if err != nil {
			return nil, err
		}
		e.reportWarnings(ctx, rc, warnings)
		state = next

		if err := e.saveCheckpoint(ctx, rc, state, node.ID); err != nil {
			return nil, err
		}

		if state.Interrupt.Interrupted {
			return e.pauseOutcome(ctx, rc, state), nil
		}

		current, err = e.successor(ctx, rc, &state, node.ID)
		if err != nil {
			return nil, err
		}

		// A fan-out target may pause the run: successor merges its update
		// before returning the join, so the pause is honored here, never
		// after the join has executed.
		if state.Interrupt.Interrupted {
			return e.pauseOutcome(ctx, rc, state), nil
		}
	}
}

// pauseOutcome finalizes an interrupted walk: the checkpoint holding the
// paused state was already written.
func (e *Engine) pauseOutcome(ctx context.Context, rc *runContext, state State) *Outcome {
	payload := interruptPayloadFromState(state)
	rc.logger.Info("run interrupted", "node", state.Interrupt.Point, "reason", payload.Reason)
	e.callbacks.OnInterrupt(ctx, &InterruptEvent{
		ThreadID: rc.threadID,
		RunID:    rc.runID,
		Payload:  payload,
	})
	return &Outcome{Status: RunStatusInterrupted, State: state, Interrupt: payload}
}

// successor determines the node to execute after the given one, running any
// declared fan-out (which mutates state through the merge reducers) before
// returning the join node.
func (e *Engine) successor(ctx context.Context, rc *runContext, state *State, id string) (string, error) {
	if fanOut, ok := e.graph.FanOut(id); ok {
		merged, err := e.runFanOut(ctx, rc, *state, fanOut)
		if err != nil {
			return "", err
		}
		*state = merged
		return fanOut.Join, nil
	}

	if edge, ok := e.graph.ConditionalEdge(id); ok {
		label, err := e.evaluateEdge(ctx, edge, *state)
		if err != nil {
			return "", err
		}
		to, ok := edge.PathMap[label]
		if !ok {
			// A label outside the declared path map is a configuration
			// error, never a silent fallback.
			return "", NewEngineError(ErrorTypeConfiguration,
				fmt.Sprintf("router for node %q returned undeclared edge label %q", id, label))
		}
		rc.logger.Debug("conditional edge taken", "from", id, "label", label, "to", to)
		return to, nil
	}

	if to, ok := e.graph.NextEdge(id); ok {
		return to, nil
	}

	// A fan-out target has no outgoing edge of its own; a run paused inside
	// a dispatch re-enters at the fan-out's join, its siblings having merged
	// before the pause was honored.
	if join, ok := e.graph.JoinFor(id); ok {
		return join, nil
	}

	return "", NewEngineError(ErrorTypeConfiguration,
		fmt.Sprintf("node %q has no outgoing edge", id))
}

func (e *Engine) evaluateEdge(ctx context.Context, edge *ConditionalEdge, state State) (string, error) {
	if edge.Router != nil {
		return edge.Router(state), nil
	}
	snapshot, err := stateSnapshot(state)
	if err != nil {
		return "", NewEngineError(ErrorTypeConfiguration,
			fmt.Sprintf("failed to snapshot state for condition: %v", err))
	}
	truthy, err := edge.Condition.Evaluate(ctx, map[string]any{"state": snapshot})
	if err != nil {
		return "", NewEngineError(ErrorTypeConfiguration,
			fmt.Sprintf("condition on node %q failed: %v", edge.From, err))
	}
	if truthy {
		return "true", nil
	}
	return "false", nil
}

// invokeNode runs one node with callbacks and panic containment. A panic in
// a node surfaces as an error so the normal absorb-or-abort policy applies.
func (e *Engine) invokeNode(ctx context.Context, rc *runContext, node *Node, state State) (update Update, err error) {
	nodeCtx := WithLogger(withNodeID(ctx, node.ID), rc.logger.With("node", node.ID))

	startTime := time.Now()
	event := &NodeExecutionEvent{
		ThreadID:  rc.threadID,
		RunID:     rc.runID,
		NodeID:    node.ID,
		Phase:     node.Phase,
		Step:      rc.step,
		StartTime: startTime,
	}
	e.callbacks.BeforeNodeExecution(nodeCtx, event)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("node %q panicked: %v", node.ID, r)
		}
		event.EndTime = time.Now()
		event.Duration = event.EndTime.Sub(startTime)
		event.Error = err
		e.callbacks.AfterNodeExecution(nodeCtx, event)
	}()

	update, err = node.Fn(nodeCtx, state)
	return update, err
}

// saveCheckpoint overwrites the thread's checkpoint with the full current
// state. Store failures are fatal: continuing without durability would break
// the resume contract.
func (e *Engine) saveCheckpoint(ctx context.Context, rc *runContext, state State, nodeID string) error {
	checkpoint := &Checkpoint{
		ID:        CheckpointID(e.namespace, rc.threadID),
		Namespace: e.namespace,
		ThreadID:  rc.threadID,
		AgentType: e.agentType,
		OwnerID:   state.OwnerID,
		State:     state,
		Metadata:  map[string]any{"last_node": nodeID, "run_id": rc.runID},
	}
	err := e.store.Put(ctx, checkpoint)
	e.callbacks.OnCheckpoint(ctx, &CheckpointEvent{
		ThreadID: rc.threadID,
		RunID:    rc.runID,
		NodeID:   nodeID,
		Error:    err,
	})
	if err != nil {
		rc.logger.Error("failed to save checkpoint", "node", nodeID, "error", err)
		return WrapError(ErrorTypeStore, err)
	}
	return nil
}

func (e *Engine) reportWarnings(ctx context.Context, rc *runContext, warnings []MergeWarning) {
	for _, warning := range warnings {
		rc.logger.Warn("merge warning", "field", warning.Field, "detail", warning.Detail)
		e.callbacks.OnMergeWarning(ctx, rc.threadID, warning)
	}
}

// stateSnapshot converts the state to a plain map for script evaluation.
func stateSnapshot(state State) (map[string]any, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var snapshot map[string]any
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}
