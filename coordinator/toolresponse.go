package coordinator

import (
	"context"
	"fmt"

	"github.com/jarosser06/ratio-sub000/engine"
	"github.com/jarosser06/ratio-sub000/eventbus"
	"github.com/jarosser06/ratio-sub000/process"
	"github.com/jarosser06/ratio-sub000/reference"
)

// HandleToolResponse handles an EventToolResponse event: a leaf tool or an
// internal close-out reporting that one process finished. It closes out the
// responding process, reloads its parent's engine, folds every child's
// status into the completed/in-progress sets GetAvailableExecutions needs,
// coordinates any parallel groups that just became eligible, and either
// closes out the parent or schedules its next wave of children (spec.md
// §4.5 "Tool response", grounded on
// agent_manager/runtime/event_handlers.py's process_complete_handler).
func (c *Coordinator) HandleToolResponse(ctx context.Context, event eventbus.Event) error {
	var req ToolResponseEvent
	if err := decodeBody(event.Body, &req); err != nil {
		return err
	}

	tok, err := c.tokens.CheckAndRefresh(req.Token)
	if err != nil {
		return err
	}

	proc, err := c.processes.Get(ctx, req.ProcessID)
	if err != nil {
		return err
	}

	selfIsParent := proc.IsRoot()
	var parent *process.Process
	if selfIsParent {
		parent = proc
	} else {
		parent, err = c.processes.Get(ctx, proc.ParentProcessID)
		if err != nil {
			return err
		}
	}

	if req.Failure != "" {
		// Close proc itself without a second self-addressed notification
		// (it already named itself in this event), then fail its parent
		// directly with the same reason. The parent's own closeOutProcess
		// call publishes the next event one hop further up, so a failure
		// cascades a level at a time regardless of how deep proc sits.
		if err := c.closeOutProcess(ctx, proc, req.Failure, false, req.Response, true, tok); err != nil {
			return err
		}
		if selfIsParent {
			return nil
		}
		return c.closeOutProcess(ctx, parent, req.Failure, false, "", false, tok)
	}

	if parent.ExecutionStatus.IsTerminal() {
		c.logger.Debug(ctx, "parent process already closed, ignoring tool response", "parent_process_id", parent.ProcessID)
		return nil
	}

	eng, err := engine.Load(ctx, c.storageClient, tok, parent.WorkingDirectory, parent.ProcessID, c.logger)
	if err != nil {
		return err
	}

	if !eng.IsComposite() {
		return c.closeOutProcess(ctx, proc, "", true, req.Response, false, tok)
	}

	if !selfIsParent {
		if err := c.closeOutProcess(ctx, proc, "", false, req.Response, false, tok); err != nil {
			return err
		}
	}

	return c.advanceSchedule(ctx, eng, parent, tok)
}

// advanceSchedule folds every child's status into the completed/in-progress
// sets GetAvailableExecutions needs, coordinates any parallel groups that
// just became eligible, and either closes out parent or schedules its next
// wave of children. It is the shared tail of HandleToolResponse and of
// executeChildren's self-trigger for a wave that completed a zero-item
// parallel group without dispatching anything (spec.md §4.5 "Tool
// response", grounded on
// agent_manager/runtime/event_handlers.py's process_complete_handler).
func (c *Coordinator) advanceSchedule(ctx context.Context, eng *engine.Engine, parent *process.Process, tok string) error {
	children, err := c.processes.ListChildren(ctx, parent.ProcessID)
	if err != nil {
		return err
	}
	if len(children) == 0 {
		return fmt.Errorf("no children found for composite parent process %s", parent.ProcessID)
	}

	completed := map[string]bool{}
	inProgress := map[string]bool{}
	alreadyExecuted := map[string]bool{}
	parallelGroupsToCoordinate := map[string]bool{}

	for _, child := range children {
		if child.ExecutionID == "" {
			return fmt.Errorf("child process %s is missing an execution id", child.ProcessID)
		}
		base, _, isParallel := parallelBase(child.ExecutionID)

		switch child.ExecutionStatus {
		case process.StatusRunning:
			if isParallel {
				inProgress[base] = true
			} else {
				inProgress[child.ExecutionID] = true
			}

		case process.StatusCompleted, process.StatusSkipped:
			if isParallel {
				if child.ExecutionStatus != process.StatusCompleted {
					continue
				}
				allDone, _, err := c.allParallelSiblingsComplete(ctx, base, parent)
				if err != nil {
					return err
				}
				if allDone {
					parallelGroupsToCoordinate[base] = true
				}
				continue
			}
			instr, ok := eng.Instruction(child.ExecutionID)
			if !ok {
				return fmt.Errorf("no instruction loaded for execution id %q", child.ExecutionID)
			}
			if instr.ParallelExecution != nil {
				// child.ExecutionID has no [i] suffix but still maps to a
				// parallel_execution instruction: it can only be the
				// marker row completeEmptyParallelGroup created for a
				// zero-item fan-out. It carries no response file and no
				// per-item schema to validate against, so fold it in
				// directly instead of going through MarkCompleted.
				if !eng.Store().HasResponses(child.ExecutionID) {
					if err := eng.Store().SetResponses(child.ExecutionID, map[string]reference.Value{"response": reference.NewList([]any{})}); err != nil {
						return c.closeOutProcess(ctx, parent, fmt.Sprintf("error recording empty parallel_execution response for %q: %v", child.ExecutionID, err), false, "", false, tok)
					}
				}
			} else if err := eng.MarkCompleted(ctx, instr, child.ExecutionID, child.ResponsePath); err != nil {
				return c.closeOutProcess(ctx, parent, fmt.Sprintf("error marking execution %q as completed: %v", child.ExecutionID, err), false, "", false, tok)
			}
			completed[child.ExecutionID] = true
			alreadyExecuted[child.ExecutionID] = true

		case process.StatusFailed:
			return c.closeOutProcess(ctx, parent, child.StatusMessage, false, "", false, tok)
		}
	}

	for base := range parallelGroupsToCoordinate {
		won, err := c.tryCompleteParallelGroup(ctx, base, parent, tok)
		if err != nil {
			return err
		}
		if !won {
			c.logger.Debug(ctx, "another handler is coordinating this parallel group", "execution_id", base, "parent_process_id", parent.ProcessID)
			return nil
		}
		if err := c.aggregateParallelResponses(ctx, base, parent, eng, tok); err != nil {
			return err
		}
		completed[base] = true
		alreadyExecuted[base] = true
	}

	executable, skipped, err := eng.GetAvailableExecutions(ctx, completed, inProgress)
	if err != nil {
		return c.closeOutProcess(ctx, parent, fmt.Sprintf("error computing available executions: %v", err), false, "", false, tok)
	}

	for _, id := range executable {
		if alreadyExecuted[id] {
			return fmt.Errorf("execution id %q was already executed for process %s", id, parent.ProcessID)
		}
	}

	if len(skipped) > 0 {
		if err := c.executeNoOps(ctx, eng, skipped, parent, tok); err != nil {
			return err
		}
	}

	if len(executable) == 0 && len(inProgress) == 0 {
		responsePath, err := eng.Close(ctx)
		if err != nil {
			return c.closeOutProcess(ctx, parent, fmt.Sprintf("error closing execution engine: %v", err), false, "", false, tok)
		}
		return c.closeOutProcess(ctx, parent, "", !parent.IsRoot(), responsePath, false, tok)
	}

	return c.executeChildren(ctx, eng, executable, parent, tok)
}
