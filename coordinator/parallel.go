package coordinator

import (
	"context"
	"fmt"
	"math/rand"
	"path"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jarosser06/ratio-sub000/engine"
	"github.com/jarosser06/ratio-sub000/eventbus"
	"github.com/jarosser06/ratio-sub000/process"
	"github.com/jarosser06/ratio-sub000/reference"
	"github.com/jarosser06/ratio-sub000/storage"
)

// parallelSiblingPattern matches a parallel-expanded execution id of the
// shape "<base>[<index>]" (spec.md §3 "Parallel Expansion").
var parallelSiblingPattern = regexp.MustCompile(`^(.+)\[(\d+)\]$`)

// parallelBase splits executionID into its base and sibling index, if it
// names a parallel sibling.
func parallelBase(executionID string) (base string, index int, ok bool) {
	m := parallelSiblingPattern.FindStringSubmatch(executionID)
	if m == nil {
		return "", 0, false
	}
	idx, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1], idx, true
}

// allParallelSiblingsComplete reports whether every child of parent whose
// execution id belongs to base has reached COMPLETED or SKIPPED, and how
// many have not (grounded on _all_parallel_siblings_complete, which counts
// a FAILED sibling as still "remaining" since that branch is always closed
// out separately before the join is attempted).
func (c *Coordinator) allParallelSiblingsComplete(ctx context.Context, base string, parent *process.Process) (bool, int, error) {
	children, err := c.processes.ListChildren(ctx, parent.ProcessID)
	if err != nil {
		return false, 0, err
	}
	remaining := 0
	found := false
	for _, child := range children {
		b, _, ok := parallelBase(child.ExecutionID)
		if !ok || b != base {
			continue
		}
		found = true
		if child.ExecutionStatus != process.StatusCompleted && child.ExecutionStatus != process.StatusSkipped {
			remaining++
		}
	}
	if !found {
		return false, 0, nil
	}
	return remaining == 0, remaining, nil
}

func lockFilePath(parent *process.Process, base string) string {
	return path.Join(engine.Path(parent.WorkingDirectory, parent.ProcessID), fmt.Sprintf("parallel_completion_%s.lock", base))
}

// settleWindow returns a random duration in [100ms, 800ms), matching the
// Python original's random.uniform(0.1, 0.8) settle window before a lock
// file is read back.
func settleWindow() time.Duration {
	return 100*time.Millisecond + time.Duration(rand.Int63n(int64(700*time.Millisecond)))
}

// tryCompleteParallelGroup decides whether this handler invocation should
// aggregate base's sibling responses. If a sibling is still non-terminal it
// returns false, scheduling a delayed reconciliation event when exactly one
// remains (spec.md §4.5.2). Otherwise it races other concurrent handlers for
// the right to aggregate: write a fresh nonce to the group's lock file,
// sleep a random settle window, then read the lock back — only the
// handler whose nonce is still there wins (grounded on
// _try_complete_parallel_group).
func (c *Coordinator) tryCompleteParallelGroup(ctx context.Context, base string, parent *process.Process, tok string) (bool, error) {
	allComplete, remaining, err := c.allParallelSiblingsComplete(ctx, base, parent)
	if err != nil {
		return false, err
	}
	if !allComplete {
		if remaining == 1 {
			body := toBody(ParallelReconciliationEvent{
				ParentProcessID:     parent.ProcessID,
				OriginalExecutionID: base,
				Token:               tok,
			})
			if err := c.bus.Publish(ctx, eventbus.Event{Type: EventParallelCompletionReconciliation, Body: body}, parallelReconciliationDelay); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	lockPath := lockFilePath(parent, base)
	nonce := uuid.NewString()
	if _, err := c.storageClient.DescribeFile(ctx, tok, lockPath); err != nil {
		if _, err := c.storageClient.PutFile(ctx, tok, lockPath, storage.ContentTypeAgentIO, nil, "644"); err != nil {
			return false, fmt.Errorf("create parallel completion lock %s: %w", lockPath, err)
		}
	}
	if _, err := c.storageClient.PutFileVersion(ctx, tok, lockPath, nonce, nil); err != nil {
		return false, fmt.Errorf("write parallel completion lock %s: %w", lockPath, err)
	}

	time.Sleep(settleWindow())

	content, err := c.storageClient.GetFileVersion(ctx, tok, lockPath, "")
	if err != nil {
		return false, fmt.Errorf("read back parallel completion lock %s: %w", lockPath, err)
	}
	return content.Data == nonce, nil
}

// aggregateParallelResponses loads every completed sibling's response.aio,
// orders them by sibling index, and records the resulting list directly
// into eng's reference store under base (spec.md §3 "Parallel Expansion":
// "the aggregate response is an ordered list keyed by sibling index").
// This writes straight to the store rather than through Engine.MarkCompleted
// because a synthetic parallel-group base id has no instruction or response
// schema of its own to validate against (grounded on
// _aggregate_parallel_responses's direct reference.add_response call).
func (c *Coordinator) aggregateParallelResponses(ctx context.Context, base string, parent *process.Process, eng *engine.Engine, tok string) error {
	children, err := c.processes.ListChildren(ctx, parent.ProcessID)
	if err != nil {
		return err
	}

	type sibling struct {
		index int
		proc  *process.Process
	}
	var siblings []sibling
	for _, child := range children {
		b, idx, ok := parallelBase(child.ExecutionID)
		if !ok || b != base || child.ExecutionStatus != process.StatusCompleted {
			continue
		}
		siblings = append(siblings, sibling{index: idx, proc: child})
	}
	sort.Slice(siblings, func(i, j int) bool { return siblings[i].index < siblings[j].index })

	responses := make([]any, 0, len(siblings))
	for _, s := range siblings {
		if s.proc.ResponsePath == "" {
			responses = append(responses, nil)
			continue
		}
		var body map[string]any
		if err := storage.ReadJSON(ctx, c.storageClient, tok, s.proc.ResponsePath, &body); err != nil {
			responses = append(responses, nil)
			continue
		}
		responses = append(responses, body)
	}

	return eng.Store().SetResponses(base, map[string]reference.Value{"response": reference.NewList(responses)})
}

// HandleParallelReconciliation handles the defensive reconciliation event
// tryCompleteParallelGroup schedules when exactly one sibling is still
// running: if by the time it fires every sibling has reached a terminal
// state, it re-triggers the parent's handler with the outcome that sibling
// set implies (spec.md §4.5.2, grounded on
// parallel_completion_reconciliation_handler).
func (c *Coordinator) HandleParallelReconciliation(ctx context.Context, event eventbus.Event) error {
	var req ParallelReconciliationEvent
	if err := decodeBody(event.Body, &req); err != nil {
		return err
	}

	parent, err := c.processes.Get(ctx, req.ParentProcessID)
	if err != nil {
		if err == process.ErrNotFound {
			return nil
		}
		return err
	}
	if parent.ExecutionStatus.IsTerminal() {
		return nil
	}

	children, err := c.processes.ListChildren(ctx, parent.ProcessID)
	if err != nil {
		return err
	}
	var siblings []*process.Process
	for _, child := range children {
		b, _, ok := parallelBase(child.ExecutionID)
		if ok && b == req.OriginalExecutionID {
			siblings = append(siblings, child)
		}
	}
	if len(siblings) == 0 {
		return nil
	}
	for _, s := range siblings {
		if !s.ExecutionStatus.IsTerminal() {
			return nil
		}
	}

	parent.AppendStatusMessage(fmt.Sprintf("reconciled: stuck parallel group %s unstuck at %s", req.OriginalExecutionID, time.Now().UTC().Format(time.RFC3339)))
	if err := c.processes.CompareAndSwap(ctx, parent, parent.Revision); err != nil {
		return err
	}

	var failed, completed *process.Process
	for _, s := range siblings {
		if s.ExecutionStatus == process.StatusFailed && failed == nil {
			failed = s
		}
		if s.ExecutionStatus == process.StatusCompleted && completed == nil {
			completed = s
		}
	}

	// The failed case fails parent directly, so it is addressed as parent's
	// own report to its parent (process_id names parent, since closeOutProcess
	// re-derives the notification target from parent.ParentProcessID itself).
	// The completed/default cases instead want parent to re-evaluate its own
	// schedule as if one of its children had just completed, so process_id
	// must name an actual child of parent (a sibling) so HandleToolResponse
	// derives parent via that child's parent_process_id, not parent's own.
	if failed != nil {
		reason := failed.StatusMessage
		if reason == "" {
			reason = fmt.Sprintf("parallel sibling %s failed", failed.ExecutionID)
		}
		resp := ToolResponseEvent{ParentProcessID: parent.ParentProcessID, ProcessID: parent.ProcessID, Token: req.Token, Failure: reason, Status: string(process.StatusFailed)}
		return c.bus.Publish(ctx, eventbus.Event{Type: EventToolResponse, Body: toBody(resp)}, 0)
	}

	trigger := completed
	if trigger == nil {
		trigger = siblings[0]
	}
	resp := ToolResponseEvent{ParentProcessID: parent.ProcessID, ProcessID: trigger.ProcessID, Token: req.Token, Status: string(process.StatusCompleted)}
	if completed != nil {
		resp.Response = completed.ResponsePath
	}
	return c.bus.Publish(ctx, eventbus.Event{Type: EventToolResponse, Body: toBody(resp)}, 0)
}
