package coordinator

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/jarosser06/ratio-sub000/engine"
	"github.com/jarosser06/ratio-sub000/eventbus"
	"github.com/jarosser06/ratio-sub000/process"
	"github.com/jarosser06/ratio-sub000/storage"
)

// executeNoOps creates a SKIPPED child process for every instruction
// get_available_executions reported as condition-skipped, writes a
// type-appropriate null response for each, marks it complete in eng's
// reference store, and notifies the parent so its own handler re-evaluates
// the schedule (spec.md §4.5.1, grounded on
// process_manager/runtime/no_op.py's execute_no_ops /
// _create_noop_response_file). The completion notification carries a
// fixed delivery delay to let the rest of the system settle before the
// parent re-triggers, matching the Python original's stated rationale.
func (c *Coordinator) executeNoOps(ctx context.Context, eng *engine.Engine, skippedIDs []string, parent *process.Process, tok string) error {
	for _, id := range skippedIDs {
		instr, ok := eng.Instruction(id)
		if !ok {
			return fmt.Errorf("no instruction loaded for skipped execution id %q", id)
		}

		childID := uuid.NewString()
		child := &process.Process{
			ProcessID:        childID,
			ParentProcessID:  parent.ProcessID,
			ProcessOwner:     parent.ProcessOwner,
			WorkingDirectory: parent.WorkingDirectory,
			ExecutionID:      id,
			ExecutionStatus:  process.StatusSkipped,
			StartedOn:        time.Now().UTC(),
		}
		if err := c.processes.Upsert(ctx, child); err != nil {
			return err
		}

		if _, err := eng.PrepareForExecution(ctx, instr, childID); err != nil {
			c.logger.Warn(ctx, "no-op preparation failed", "execution_id", id, "error", err.Error())
			body := toBody(ToolResponseEvent{
				ParentProcessID: parent.ProcessID,
				ProcessID:       childID,
				Token:           tok,
				Failure:         fmt.Sprintf("no-op preparation failed: %v", err),
			})
			if err := c.bus.Publish(ctx, eventbus.Event{Type: EventToolResponse, Body: body}, 0); err != nil {
				return err
			}
			continue
		}

		responseBody, err := eng.SynthesizeSkippedResponse(instr)
		if err != nil {
			return err
		}

		var responsePath string
		if responseBody != nil {
			responsePath = path.Join(engine.Path(parent.WorkingDirectory, childID), "response.aio")
			if err := storage.WriteJSON(ctx, c.storageClient, tok, responsePath, responseBody); err != nil {
				return err
			}
		}

		ended := time.Now().UTC()
		child.ResponsePath = responsePath
		child.EndedOn = &ended
		if err := c.processes.CompareAndSwap(ctx, child, child.Revision); err != nil {
			return err
		}

		if err := eng.MarkCompleted(ctx, instr, id, responsePath); err != nil {
			return err
		}

		body := toBody(ToolResponseEvent{
			ParentProcessID: parent.ProcessID,
			ProcessID:       childID,
			Token:           tok,
			Status:          "success",
			Response:        responsePath,
		})
		if err := c.bus.Publish(ctx, eventbus.Event{Type: EventToolResponse, Body: body}, noOpDeliveryDelay); err != nil {
			return err
		}
	}
	return nil
}
