package proposalflow

import (
	"context"
	"time"
)

// Callbacks receives engine lifecycle events. Implementations must be safe
// for concurrent use: dispatch-round events fire from the engine goroutine,
// but node events within a round fire from the dispatcher's workers.
type Callbacks interface {
	// Node-level callbacks
	BeforeNodeExecution(ctx context.Context, event *NodeExecutionEvent)
	AfterNodeExecution(ctx context.Context, event *NodeExecutionEvent)

	// Dispatch-round callbacks
	BeforeDispatch(ctx context.Context, event *DispatchEvent)
	AfterDispatch(ctx context.Context, event *DispatchEvent)

	// Interrupt and checkpoint callbacks
	OnInterrupt(ctx context.Context, event *InterruptEvent)
	OnCheckpoint(ctx context.Context, event *CheckpointEvent)

	// OnMergeWarning fires when a merge observes something suspicious, e.g.
	// two parallel targets writing the same overwrite-policy field.
	OnMergeWarning(ctx context.Context, threadID string, warning MergeWarning)
}

// NodeExecutionEvent provides context for node execution callbacks.
type NodeExecutionEvent struct {
	ThreadID  string
	RunID     string
	NodeID    string
	Phase     Phase
	Step      int
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Error     error
}

// DispatchEvent provides context for a parallel dispatch round.
type DispatchEvent struct {
	ThreadID  string
	RunID     string
	FromNode  string
	Targets   []string
	Round     int
	Failed    []string
	StartTime time.Time
	EndTime   time.Time
}

// InterruptEvent provides context for a pause.
type InterruptEvent struct {
	ThreadID string
	RunID    string
	Payload  *InterruptPayload
}

// CheckpointEvent provides context for a checkpoint write.
type CheckpointEvent struct {
	ThreadID string
	RunID    string
	NodeID   string
	Error    error
}

// BaseCallbacks is a no-op implementation. Embed it to implement only the
// events you care about.
type BaseCallbacks struct{}

func (BaseCallbacks) BeforeNodeExecution(ctx context.Context, event *NodeExecutionEvent) {}
func (BaseCallbacks) AfterNodeExecution(ctx context.Context, event *NodeExecutionEvent)  {}
func (BaseCallbacks) BeforeDispatch(ctx context.Context, event *DispatchEvent)           {}
func (BaseCallbacks) AfterDispatch(ctx context.Context, event *DispatchEvent)            {}
func (BaseCallbacks) OnInterrupt(ctx context.Context, event *InterruptEvent)             {}
func (BaseCallbacks) OnCheckpoint(ctx context.Context, event *CheckpointEvent)           {}
func (BaseCallbacks) OnMergeWarning(ctx context.Context, threadID string, warning MergeWarning) {
}

// CallbackChain fans events out to multiple callback implementations.
type CallbackChain struct {
	callbacks []Callbacks
}

// NewCallbackChain creates a callback chain.
func NewCallbackChain(callbacks ...Callbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add appends a callback to the chain.
func (c *CallbackChain) Add(callback Callbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeNodeExecution(ctx context.Context, event *NodeExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeNodeExecution(ctx, event)
	}
}

func (c *CallbackChain) AfterNodeExecution(ctx context.Context, event *NodeExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.AfterNodeExecution(ctx, event)
	}
}

func (c *CallbackChain) BeforeDispatch(ctx context.Context, event *DispatchEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeDispatch(ctx, event)
	}
}

func (c *CallbackChain) AfterDispatch(ctx context.Context, event *DispatchEvent) {
	for _, callback := range c.callbacks {
		callback.AfterDispatch(ctx, event)
	}
}

func (c *CallbackChain) OnInterrupt(ctx context.Context, event *InterruptEvent) {
	for _, callback := range c.callbacks {
		callback.OnInterrupt(ctx, event)
	}
}

func (c *CallbackChain) OnCheckpoint(ctx context.Context, event *CheckpointEvent) {
	for _, callback := range c.callbacks {
		callback.OnCheckpoint(ctx, event)
	}
}

func (c *CallbackChain) OnMergeWarning(ctx context.Context, threadID string, warning MergeWarning) {
	for _, callback := range c.callbacks {
		callback.OnMergeWarning(ctx, threadID, warning)
	}
}
