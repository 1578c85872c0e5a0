// Package coordinator implements the lifecycle coordinator (C5) described in
// spec.md §4.5: the event-driven handlers that walk a composite tool's
// dependency graph forward, fan out and aggregate parallel siblings, run
// no-op executions for skipped instructions, and reconcile processes that
// the normal event flow failed to close out. Grounded on the Python
// original's agent_manager/runtime/event_handlers.py
// (process_complete_handler, execute_composite_agent_handler,
// _close_out_process, _execute_children) translated into explicit handler
// methods over the eventbus.Bus/process.Store/engine.Engine collaborators.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jarosser06/ratio-sub000/eventbus"
	"github.com/jarosser06/ratio-sub000/process"
	"github.com/jarosser06/ratio-sub000/storage"
	"github.com/jarosser06/ratio-sub000/telemetry"
	"github.com/jarosser06/ratio-sub000/token"
)

// Event type names published and consumed by the coordinator (spec.md
// §4.5's three event kinds).
const (
	EventExecuteComposite                = "ratio::execute_composite_tool"
	EventToolResponse                    = "ratio::tool_response"
	EventParallelCompletionReconciliation = "ratio::parallel_completion_reconciliation"
)

// noOpDeliveryDelay mirrors the Python original's ten-second delay on a
// no-op's completion notification, giving the system time to settle before
// the parent re-evaluates its schedule (agent_manager/runtime/no_op.py
// execute_no_ops).
const noOpDeliveryDelay = 10 * time.Second

// parallelReconciliationDelay is how far out the defensive "one sibling
// still running" reconciliation event is scheduled (spec.md §4.5.2).
const parallelReconciliationDelay = 15 * time.Second

// ExecuteCompositeRequest is the body of an EventExecuteComposite event
// (spec.md §4.5 "Execute composite").
type ExecuteCompositeRequest struct {
	ArgumentsPath      string `json:"arguments_path"`
	ToolDefinitionPath string `json:"tool_definition_path"`
	ParentProcessID    string `json:"parent_process_id"`
	ProcessID          string `json:"process_id"`
	Token              string `json:"token"`
	WorkingDirectory   string `json:"working_directory"`
}

// ToolResponseEvent is the body of an EventToolResponse event (spec.md §4.5
// "Tool response"), published both by leaf tools on completion and
// internally by the coordinator itself when closing out a composite.
type ToolResponseEvent struct {
	ParentProcessID string `json:"parent_process_id"`
	ProcessID       string `json:"process_id"`
	Token           string `json:"token"`
	Status          string `json:"status,omitempty"`
	Response        string `json:"response,omitempty"`
	Failure         string `json:"failure,omitempty"`
}

// ParallelReconciliationEvent is the body of an
// EventParallelCompletionReconciliation event (spec.md §4.5.2).
type ParallelReconciliationEvent struct {
	ParentProcessID     string `json:"parent_process_id"`
	OriginalExecutionID string `json:"original_execution_id"`
	Token               string `json:"token"`
}

// Config bundles the collaborators a Coordinator needs.
type Config struct {
	Processes     process.Store
	Storage       storage.Client
	Bus           eventbus.Bus
	Tokens        *token.Service
	Logger        telemetry.Logger
	GlobalTimeout time.Duration
}

// Coordinator owns the three C5 event handlers. It keeps no in-process
// state of its own: every handler re-reads the process rows it needs from
// Processes, matching spec.md §5's "no shared in-process state" rule.
type Coordinator struct {
	processes     process.Store
	storageClient storage.Client
	bus           eventbus.Bus
	tokens        *token.Service
	logger        telemetry.Logger
	globalTimeout time.Duration
}

// New constructs a Coordinator from cfg.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Coordinator{
		processes:     cfg.Processes,
		storageClient: cfg.Storage,
		bus:           cfg.Bus,
		tokens:        cfg.Tokens,
		logger:        logger,
		globalTimeout: cfg.GlobalTimeout,
	}
}

// Subscribe registers the coordinator's three handlers on bus.
func (c *Coordinator) Subscribe(bus eventbus.Bus) error {
	if _, err := bus.Subscribe(EventExecuteComposite, c.HandleExecuteComposite); err != nil {
		return err
	}
	if _, err := bus.Subscribe(EventToolResponse, c.HandleToolResponse); err != nil {
		return err
	}
	if _, err := bus.Subscribe(EventParallelCompletionReconciliation, c.HandleParallelReconciliation); err != nil {
		return err
	}
	return nil
}

// decodeBody round-trips event.Body through JSON into dst, since eventbus
// events carry an opaque map[string]any body (spec.md §6.2).
func decodeBody(body map[string]any, dst any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode event body: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode event body: %w", err)
	}
	return nil
}

func toBody(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	return body
}

// closeOutProcess persists proc's terminal status, re-reading the row first
// so a process already closed by a racing handler is left untouched
// (spec.md §5 "re-read before writing, short-circuit if already terminal").
// It mirrors _close_out_process: failureReason set means FAILED, otherwise
// COMPLETED; notifyParent publishes a success tool-response event to the
// parent unless proc is already a root process; skipFailureNotification
// suppresses the failure notification (used when the failure has already
// been reported by a more specific path).
func (c *Coordinator) closeOutProcess(ctx context.Context, proc *process.Process, failureReason string, notifyParent bool, responsePath string, skipFailureNotification bool, tok string) error {
	current, err := c.processes.Get(ctx, proc.ProcessID)
	if err != nil {
		return err
	}
	if current.ExecutionStatus.IsTerminal() {
		return nil
	}

	status := process.StatusCompleted
	if failureReason != "" {
		status = process.StatusFailed
	}
	current.ExecutionStatus = status
	now := time.Now().UTC()
	current.EndedOn = &now
	if failureReason != "" {
		current.AppendStatusMessage(failureReason)
	}
	if responsePath != "" {
		current.ResponsePath = responsePath
	}
	if err := c.processes.CompareAndSwap(ctx, current, current.Revision); err != nil {
		return err
	}

	if current.ParentProcessID == process.RootParentSentinel {
		return nil
	}

	if failureReason != "" {
		if skipFailureNotification {
			return nil
		}
		return c.bus.Publish(ctx, eventbus.Event{Type: EventToolResponse, Body: toBody(ToolResponseEvent{
			ParentProcessID: current.ParentProcessID,
			ProcessID:       current.ProcessID,
			Token:           tok,
			Status:          string(status),
			Failure:         failureReason,
		})}, 0)
	}

	if !notifyParent {
		return nil
	}
	return c.bus.Publish(ctx, eventbus.Event{Type: EventToolResponse, Body: toBody(ToolResponseEvent{
		ParentProcessID: current.ParentProcessID,
		ProcessID:       current.ProcessID,
		Token:           tok,
		Status:          string(status),
		Response:        responsePath,
	})}, 0)
}

// publishLeafInvocation submits the leaf invocation event to endpoint,
// carrying the arguments proc was prepared with (spec.md §4.5 "Execute
// composite" leaf branch).
func (c *Coordinator) publishLeafInvocation(ctx context.Context, endpoint string, proc *process.Process, argumentsPath, tok, workingDirectory string) error {
	body := map[string]any{
		"arguments_path":    argumentsPath,
		"parent_process_id": proc.ParentProcessID,
		"process_id":        proc.ProcessID,
		"token":             tok,
		"working_directory": workingDirectory,
	}
	return c.bus.Publish(ctx, eventbus.Event{Type: endpoint, Body: body}, 0)
}
