package proposalflow

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// dispatchResult is one target's settled outcome within a dispatch round.
type dispatchResult struct {
	target string
	update Update
	err    error
}

// runFanOut executes a declared fan-out: all targets run concurrently against
// clones of the current state, the engine waits for every one to settle, and
// their updates merge in declared target order. Failed targets are recorded
// in RetryAgents and re-dispatched selectively, successes are never redone,
// until the set drains or each failing target exhausts its retry budget.
func (e *Engine) runFanOut(ctx context.Context, rc *runContext, state State, fanOut *FanOut) (State, error) {
	round := 0
	for {
		targets := e.roundTargets(rc, state, fanOut)
		if len(targets) == 0 {
			// Only unknown retry identifiers remained; drop them and move on.
			cleared, _, err := state.Apply(Update{RetryAgents: &AgentSet{}})
			if err != nil {
				return state, err
			}
			return cleared, nil
		}

		rc.step++
		if rc.step > e.maxSteps {
			return state, NewRecursionLimitError(e.maxSteps)
		}

		event := &DispatchEvent{
			ThreadID:  rc.threadID,
			RunID:     rc.runID,
			FromNode:  fanOut.From,
			Targets:   targets,
			Round:     round,
			StartTime: time.Now(),
		}
		e.callbacks.BeforeDispatch(ctx, event)
		rc.logger.Info("dispatching parallel targets",
			"from", fanOut.From, "targets", targets, "round", round)

		results := e.dispatch(ctx, rc, state, targets)

		merged, failed, err := e.mergeRound(ctx, rc, state, targets, results)
		if err != nil {
			return state, err
		}

		merged, retry, err := e.settleRetries(ctx, rc, merged, failed)
		if err != nil {
			return state, err
		}
		state = merged

		event.Failed = failed
		event.EndTime = time.Now()
		e.callbacks.AfterDispatch(ctx, event)

		if err := e.saveCheckpoint(ctx, rc, state, fanOut.From); err != nil {
			return state, err
		}

		// A pausing target ends the dispatch. Unspent retries stay recorded
		// in state, and the caller honors the pause before the join runs.
		if state.Interrupt.Interrupted {
			rc.logger.Info("parallel target paused the run", "node", state.Interrupt.Point)
			return state, nil
		}

		if len(retry) == 0 {
			return state, nil
		}
		round++
	}
}

// roundTargets selects which targets to dispatch this round: the full
// declared set on the first pass, or the pending retry set on later ones.
// Retry identifiers that are not declared fan-out targets are logged and
// dropped rather than dispatched.
func (e *Engine) roundTargets(rc *runContext, state State, fanOut *FanOut) []string {
	if len(state.RetryAgents) == 0 {
		return fanOut.Targets
	}
	targets := make([]string, 0, len(state.RetryAgents))
	for _, id := range state.RetryAgents {
		if !e.graph.RetryEligible(id) {
			rc.logger.Warn("dropping unknown retry target", "target", id)
			continue
		}
		targets = append(targets, id)
	}
	return targets
}

// dispatch runs one round: every target gets its own goroutine and its own
// clone of the state, and the call returns only after all have settled. A
// slow or failing target never cancels its siblings.
func (e *Engine) dispatch(ctx context.Context, rc *runContext, state State, targets []string) map[string]dispatchResult {
	results := make(chan dispatchResult, len(targets))
	var wg sync.WaitGroup
	for _, target := range targets {
		node, ok := e.graph.Node(target)
		if !ok {
			results <- dispatchResult{
				target: target,
				err: NewEngineError(ErrorTypeConfiguration,
					fmt.Sprintf("fan-out target %q not found in graph", target)),
			}
			continue
		}
		wg.Add(1)
		go func(node *Node) {
			defer wg.Done()
			update, err := e.invokeNode(ctx, rc, node, state.Clone())
			results <- dispatchResult{target: node.ID, update: update, err: err}
		}(node)
	}
	wg.Wait()
	close(results)

	out := make(map[string]dispatchResult, len(targets))
	for result := range results {
		out[result.target] = result
	}
	return out
}

// mergeRound folds the successful updates into the state in declared target
// order so the result is deterministic, and collects the failed targets.
// Two targets touching the same overwrite-policy field is surfaced as a
// warning; fatal or non-recoverable failures abort the whole run.
func (e *Engine) mergeRound(ctx context.Context, rc *runContext, state State, targets []string, results map[string]dispatchResult) (State, []string, error) {
	var failed []string
	var applied []dispatchResult

	for _, target := range targets {
		result, ok := results[target]
		if !ok {
			continue
		}
		if result.err != nil {
			node, _ := e.graph.Node(target)
			if (node != nil && node.NonRecoverable) || IsFatal(result.err) || !IsRecoverable(result.err) {
				rc.logger.Error("parallel target failed fatally", "target", target, "error", result.err)
				return state, nil, result.err
			}
			rc.logger.Warn("parallel target failed", "target", target, "error", result.err)
			failed = append(failed, target)
			continue
		}

		for _, prior := range applied {
			for _, field := range OverwriteConflicts(prior.update, result.update) {
				warning := MergeWarning{
					Field: field,
					Detail: fmt.Sprintf("targets %q and %q both wrote an overwrite field",
						prior.target, result.target),
				}
				rc.logger.Warn("merge warning", "field", warning.Field, "detail", warning.Detail)
				e.callbacks.OnMergeWarning(ctx, rc.threadID, warning)
			}
		}

		next, warnings, err := state.Apply(result.update)
		if err != nil {
			return state, nil, err
		}
		e.reportWarnings(ctx, rc, warnings)
		state = next
		applied = append(applied, result)
	}
	return state, failed, nil
}

// settleRetries updates the retry bookkeeping after a round: failing targets
// with budget left go back into RetryAgents, exhausted ones get an error
// record and their phase marked failed. The returned retry slice is what the
// next round will dispatch.
func (e *Engine) settleRetries(ctx context.Context, rc *runContext, state State, failed []string) (State, []string, error) {
	bookkeeping := Update{RetryAgents: &AgentSet{}}
	var retry []string

	for _, target := range failed {
		attempts := state.RetryAttempts[target] + 1
		if bookkeeping.RetryAttempts == nil {
			bookkeeping.RetryAttempts = map[string]int{}
		}
		bookkeeping.RetryAttempts[target] = attempts

		if attempts > e.retryBudget {
			rc.logger.Error("parallel target exhausted retry budget",
				"target", target, "attempts", attempts)
			node, _ := e.graph.Node(target)
			record := ErrorRecord{
				Node:    target,
				Message: fmt.Sprintf("target %q failed %d times, retry budget exhausted", target, attempts),
				Time:    time.Now().UTC(),
			}
			if node != nil {
				record.Phase = node.Phase
				if node.Phase != "" {
					if bookkeeping.Phases == nil {
						bookkeeping.Phases = map[Phase]PhaseStatus{}
					}
					bookkeeping.Phases[node.Phase] = PhaseStatusError
				}
			}
			bookkeeping.Errors = append(bookkeeping.Errors, record)
			continue
		}
		retry = append(retry, target)
	}

	bookkeeping.RetryAgents.Names = retry
	next, warnings, err := state.Apply(bookkeeping)
	if err != nil {
		return state, nil, err
	}
	e.reportWarnings(ctx, rc, warnings)
	return next, retry, nil
}
