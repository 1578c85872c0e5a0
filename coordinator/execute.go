package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jarosser06/ratio-sub000/engine"
	"github.com/jarosser06/ratio-sub000/eventbus"
	"github.com/jarosser06/ratio-sub000/process"
	"github.com/jarosser06/ratio-sub000/reference"
	"github.com/jarosser06/ratio-sub000/storage"
)

// HandleExecuteComposite handles an EventExecuteComposite event: it
// validates access, loads the tool definition and arguments, constructs and
// initializes an execution engine, and either schedules the first wave of
// children (composite) or forwards to the leaf endpoint (spec.md §4.5
// "Execute composite", grounded on
// agent_manager/runtime/event_handlers.py's execute_composite_agent_handler).
func (c *Coordinator) HandleExecuteComposite(ctx context.Context, event eventbus.Event) error {
	var req ExecuteCompositeRequest
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
	if proc.ExecutionStatus.IsTerminal() {
		c.logger.Debug(ctx, "process already closed, ignoring execute_composite_tool", "process_id", proc.ProcessID)
		return nil
	}

	if access, err := c.storageClient.ValidateFileAccess(ctx, tok, req.WorkingDirectory, []storage.Permission{storage.PermissionRead, storage.PermissionWrite}); err != nil || !access.EntityHasAccess {
		return c.closeOutProcess(ctx, proc, "requestor does not have read/write access to the working directory", false, "", false, tok)
	}
	if access, err := c.storageClient.ValidateFileAccess(ctx, tok, req.ToolDefinitionPath, []storage.Permission{storage.PermissionExecute}); err != nil || !access.EntityHasAccess {
		return c.closeOutProcess(ctx, proc, "requestor does not have execute access to the tool definition", false, "", false, tok)
	}

	def, err := loadToolDefinition(ctx, c.storageClient, tok, req.ToolDefinitionPath)
	if err != nil {
		return c.closeOutProcess(ctx, proc, fmt.Sprintf("error loading tool definition: %v", err), false, "", false, tok)
	}

	var arguments map[string]any
	if req.ArgumentsPath != "" {
		if err := storage.ReadJSON(ctx, c.storageClient, tok, req.ArgumentsPath, &arguments); err != nil {
			return c.closeOutProcess(ctx, proc, fmt.Sprintf("error loading arguments: %v", err), false, "", false, tok)
		}
	}

	eng, err := engine.New(engine.Config{
		Arguments:            arguments,
		Instructions:         def.Instructions,
		SystemEventEndpoint:  def.SystemEventEndpoint,
		ResponseDefinition:   def.Responses,
		ResponseReferenceMap: def.ResponseReferenceMap,
		ProcessID:            proc.ProcessID,
		WorkingDirectory:     req.WorkingDirectory,
		Token:                tok,
		Storage:              c.storageClient,
		Logger:               c.logger,
	})
	if err != nil {
		return c.closeOutProcess(ctx, proc, fmt.Sprintf("error initializing execution engine: %v", err), false, "", false, tok)
	}
	if err := eng.InitializePath(ctx); err != nil {
		return c.closeOutProcess(ctx, proc, fmt.Sprintf("error initializing execution path: %v", err), false, "", false, tok)
	}

	if !eng.IsComposite() {
		instr := &engine.Instruction{ExecutionID: proc.ProcessID, ToolDefinition: def, Arguments: arguments}
		argumentsPath, err := eng.PrepareForExecution(ctx, instr, proc.ProcessID)
		if err != nil {
			return c.closeOutProcess(ctx, proc, fmt.Sprintf("error preparing for execution: %v", err), false, "", false, tok)
		}
		proc.ArgumentsPath = argumentsPath
		if err := c.processes.CompareAndSwap(ctx, proc, proc.Revision); err != nil {
			return err
		}
		return c.publishLeafInvocation(ctx, def.SystemEventEndpoint, proc, argumentsPath, tok, req.WorkingDirectory)
	}

	executable, skipped, err := eng.GetAvailableExecutions(ctx, map[string]bool{}, map[string]bool{})
	if err != nil {
		return c.closeOutProcess(ctx, proc, fmt.Sprintf("error computing available executions: %v", err), false, "", false, tok)
	}
	if len(skipped) > 0 {
		if err := c.executeNoOps(ctx, eng, skipped, proc, tok); err != nil {
			return err
		}
	}
	if len(executable) == 0 {
		if len(def.Instructions) == 0 && len(skipped) == 0 {
			// A composite with no instructions at all is vacuously
			// satisfied: there is nothing to wait on and nothing invalid
			// about the definition, so it completes immediately rather
			// than failing like a graph that genuinely has no reachable
			// executions.
			responsePath, err := eng.Close(ctx)
			if err != nil {
				return c.closeOutProcess(ctx, proc, fmt.Sprintf("error closing execution engine: %v", err), false, "", false, tok)
			}
			return c.closeOutProcess(ctx, proc, "", false, responsePath, false, tok)
		}
		return c.closeOutProcess(ctx, proc, "no available executions for tool, likely due to an invalid tool definition", false, "", false, tok)
	}
	return c.executeChildren(ctx, eng, executable, proc, tok)
}

// loadToolDefinition fetches and parses the tool definition at path,
// matching engine.LoadDefinition's own GetFileVersion+json.Unmarshal
// behavior for a path known ahead of engine construction.
func loadToolDefinition(ctx context.Context, client storage.Client, tok, toolDefinitionPath string) (*engine.ToolDefinition, error) {
	content, err := client.GetFileVersion(ctx, tok, toolDefinitionPath, "")
	if err != nil {
		return nil, err
	}
	var def engine.ToolDefinition
	if err := json.Unmarshal([]byte(content.Data), &def); err != nil {
		return nil, err
	}
	def.OriginalFilePath = toolDefinitionPath
	return &def, nil
}

// preparedChild is one child process row created and argument-prepared by
// executeChildren's first pass, awaiting dispatch in its second pass.
type preparedChild struct {
	child         *process.Process
	instr         *engine.Instruction
	def           *engine.ToolDefinition
	executionID   string
	argumentsPath string
}

// executeChildren creates and prepares a child process for every id in
// executionIDs, fanning instructions with parallel_execution out into
// indexed <id>[i] siblings, then dispatches each to its tool (spec.md §4.5
// "Execute composite" / §3 "Parallel Expansion", grounded on
// _execute_children). Creation and dispatch are deliberately two separate
// passes over the whole wave: dispatching a child can recurse synchronously
// back into HandleToolResponse (a fast leaf, or a test bus), and that
// handler decides whether a parallel group is complete by counting the
// sibling rows that currently exist — so every sibling in the wave must be
// created before any of them is dispatched, or a fast-completing sibling
// can see an incomplete wave and aggregate early.
func (c *Coordinator) executeChildren(ctx context.Context, eng *engine.Engine, executionIDs []string, parent *process.Process, tok string) error {
	var prepared []*preparedChild
	var emptyGroups int
	for _, id := range executionIDs {
		instr, ok := eng.Instruction(id)
		if !ok {
			return fmt.Errorf("no instruction loaded for execution id %q", id)
		}

		items, err := eng.ResolveParallelItems(ctx, instr)
		if err != nil {
			return c.closeOutProcess(ctx, parent, fmt.Sprintf("error resolving parallel_execution.items for %q: %v", id, err), false, "", false, tok)
		}

		if instr.ParallelExecution == nil {
			pc, err := c.prepareOneChild(ctx, eng, instr, id, -1, nil, parent, tok)
			if err != nil {
				return err
			}
			if pc == nil {
				return nil
			}
			prepared = append(prepared, pc)
			continue
		}

		if len(items) == 0 {
			// A parallel_execution fan-out over zero items has no siblings
			// to ever complete and report back, so nothing will ever
			// re-evaluate this id's schedule on its own. Record it as
			// completed with an empty response right away, the same shape
			// aggregateParallelResponses writes for a non-empty group.
			if err := c.completeEmptyParallelGroup(ctx, eng, id, parent, tok); err != nil {
				return err
			}
			emptyGroups++
			continue
		}

		for i, item := range items {
			pc, err := c.prepareOneChild(ctx, eng, instr, fmt.Sprintf("%s[%d]", id, i), i, item, parent, tok)
			if err != nil {
				return err
			}
			if pc == nil {
				return nil
			}
			prepared = append(prepared, pc)
		}
	}

	// Every prepared child's row already exists in process.Store by this
	// point, so dispatching them concurrently is safe: a sibling that
	// completes immediately sees the full wave when it re-enters
	// HandleToolResponse, not a partial one (grounded on the teacher's
	// errgroup-based parallel pre-fetch in its executor pipeline).
	group, groupCtx := errgroup.WithContext(ctx)
	for _, pc := range prepared {
		pc := pc
		group.Go(func() error { return c.dispatchOneChild(groupCtx, pc, parent, tok) })
	}
	if err := group.Wait(); err != nil {
		return err
	}

	if len(prepared) == 0 && emptyGroups > 0 {
		// Nothing in this wave was actually dispatched, so no leaf or
		// composite child will ever publish the tool response that would
		// otherwise re-enter HandleToolResponse and notice the empty
		// groups just recorded above. Re-evaluate the schedule directly.
		return c.advanceSchedule(ctx, eng, parent, tok)
	}
	return nil
}

// completeEmptyParallelGroup records a zero-item parallel_execution fan-out
// as complete with an empty response list, creating a process row for id so
// it shows up in a future ListChildren scan the same as any other completed
// instruction (spec.md §8 boundary behavior: a zero-length parallel
// expansion completes immediately with response []).
func (c *Coordinator) completeEmptyParallelGroup(ctx context.Context, eng *engine.Engine, id string, parent *process.Process, tok string) error {
	now := time.Now().UTC()
	marker := &process.Process{
		ProcessID:        uuid.NewString(),
		ParentProcessID:  parent.ProcessID,
		ProcessOwner:     parent.ProcessOwner,
		WorkingDirectory: parent.WorkingDirectory,
		ExecutionID:      id,
		ExecutionStatus:  process.StatusCompleted,
		StartedOn:        now,
		EndedOn:          &now,
	}
	if err := c.processes.Upsert(ctx, marker); err != nil {
		return err
	}
	if err := eng.Store().SetResponses(id, map[string]reference.Value{"response": reference.NewList([]any{})}); err != nil {
		return c.closeOutProcess(ctx, parent, fmt.Sprintf("error recording empty parallel_execution response for %q: %v", id, err), false, "", false, tok)
	}
	return nil
}

// prepareOneChild creates one child process row (possibly a parallel
// sibling, when siblingIndex >= 0) and resolves/validates its arguments,
// without publishing anything. A nil, nil return means the failure was
// already handled by closing out both child and parent.
func (c *Coordinator) prepareOneChild(ctx context.Context, eng *engine.Engine, instr *engine.Instruction, executionID string, siblingIndex int, item any, parent *process.Process, tok string) (*preparedChild, error) {
	childID := uuid.NewString()
	child := &process.Process{
		ProcessID:        childID,
		ParentProcessID:  parent.ProcessID,
		ProcessOwner:     parent.ProcessOwner,
		WorkingDirectory: parent.WorkingDirectory,
		ExecutionID:      executionID,
		ExecutionStatus:  process.StatusRunning,
		StartedOn:        time.Now().UTC(),
	}
	if err := c.processes.Upsert(ctx, child); err != nil {
		return nil, err
	}

	var argumentsPath string
	var err error
	if siblingIndex >= 0 {
		argumentsPath, err = eng.PrepareParallelChild(ctx, instr, childID, item)
	} else {
		argumentsPath, err = eng.PrepareForExecution(ctx, instr, childID)
	}
	if err != nil {
		msg := fmt.Sprintf("encountered an invalid schema while preparing %q for execution: %v", executionID, err)
		_ = c.closeOutProcess(ctx, child, msg, false, "", true, tok)
		return nil, c.closeOutProcess(ctx, parent, msg, false, "", false, tok)
	}
	child.ArgumentsPath = argumentsPath
	if err := c.processes.CompareAndSwap(ctx, child, child.Revision); err != nil {
		return nil, err
	}

	def, err := eng.LoadDefinition(ctx, instr)
	if err != nil {
		return nil, err
	}

	return &preparedChild{child: child, instr: instr, def: def, executionID: executionID, argumentsPath: argumentsPath}, nil
}

// dispatchOneChild publishes pc's invocation: an internal
// EventExecuteComposite for a composite child, or the leaf's own invocation
// event otherwise.
func (c *Coordinator) dispatchOneChild(ctx context.Context, pc *preparedChild, parent *process.Process, tok string) error {
	if !pc.def.IsComposite() {
		return c.publishLeafInvocation(ctx, pc.def.SystemEventEndpoint, pc.child, pc.argumentsPath, tok, parent.WorkingDirectory)
	}

	definitionPath := pc.def.OriginalFilePath
	if definitionPath == "" {
		definitionPath = path.Join(engine.Path(parent.WorkingDirectory, pc.child.ProcessID), "tool_definition.json")
		if err := storage.WriteJSON(ctx, c.storageClient, tok, definitionPath, pc.def); err != nil {
			msg := fmt.Sprintf("error exporting tool definition for %q: %v", pc.executionID, err)
			_ = c.closeOutProcess(ctx, pc.child, msg, false, "", true, tok)
			return c.closeOutProcess(ctx, parent, msg, false, "", false, tok)
		}
	}
	body := toBody(ExecuteCompositeRequest{
		ArgumentsPath:      pc.argumentsPath,
		ToolDefinitionPath: definitionPath,
		ParentProcessID:    parent.ProcessID,
		ProcessID:          pc.child.ProcessID,
		Token:              tok,
		WorkingDirectory:   parent.WorkingDirectory,
	})
	return c.bus.Publish(ctx, eventbus.Event{Type: EventExecuteComposite, Body: body}, 0)
}
