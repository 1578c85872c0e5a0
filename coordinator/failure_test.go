package coordinator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jarosser06/ratio-sub000/coordinator"
	"github.com/jarosser06/ratio-sub000/engine"
	"github.com/jarosser06/ratio-sub000/eventbus"
	"github.com/jarosser06/ratio-sub000/process"
	"github.com/jarosser06/ratio-sub000/schema"
	"github.com/jarosser06/ratio-sub000/storage"
)

// registerFailingLeaf subscribes a fake leaf that always reports failure
// instead of echoing a response, used to exercise the cascading closeOutProcess
// failure path up through one or more composite parents.
func registerFailingLeaf(t *testing.T, bus eventbus.Bus, endpoint, failureReason string) {
	t.Helper()
	_, err := bus.Subscribe(endpoint, func(ctx context.Context, event eventbus.Event) error {
		processID, _ := event.Body["process_id"].(string)
		parentProcessID, _ := event.Body["parent_process_id"].(string)
		tok, _ := event.Body["token"].(string)

		return bus.Publish(ctx, eventbus.Event{Type: coordinator.EventToolResponse, Body: map[string]any{
			"parent_process_id": parentProcessID,
			"process_id":        processID,
			"token":             tok,
			"status":            "failed",
			"failure":           failureReason,
		}}, 0)
	})
	require.NoError(t, err)
}

// TestHandleExecuteCompositeCascadesLeafFailureThroughNestedComposites
// verifies that a leaf failure two levels deep propagates all the way to
// the root: the immediate parent fails with the leaf's own failure reason,
// and the root fails carrying that same middle process's status message.
func TestHandleExecuteCompositeCascadesLeafFailureThroughNestedComposites(t *testing.T) {
	c, storageClient, processes, bus, _, execToken := newHarness(t)

	const failureReason = "leaf tool reported an unrecoverable error"
	registerFailingLeaf(t, bus, leafOneEndpoint, failureReason)

	ctx := context.Background()
	workingDirectory := "/workspace"
	toolDefinitionPath := "/workspace/root.tool.json"

	middleDef := &engine.ToolDefinition{
		Instructions: []engine.Instruction{
			{
				ExecutionID:    "leaf1",
				ToolDefinition: &engine.ToolDefinition{SystemEventEndpoint: leafOneEndpoint, Responses: []schema.AttributeDef{stringArgSchema("out", true)}},
			},
		},
	}
	rootDef := &engine.ToolDefinition{
		Instructions: []engine.Instruction{
			{ExecutionID: "middle", ToolDefinition: middleDef},
		},
	}
	require.NoError(t, storage.WriteJSON(ctx, storageClient, execToken, toolDefinitionPath, rootDef))

	rootID := "root-process-failure"
	root := &process.Process{
		ProcessID:        rootID,
		ParentProcessID:  process.RootParentSentinel,
		ProcessOwner:     "user-1",
		WorkingDirectory: workingDirectory,
		ExecutionStatus:  process.StatusRunning,
		StartedOn:        time.Now().UTC(),
	}
	require.NoError(t, processes.Upsert(ctx, root))

	err := c.HandleExecuteComposite(ctx, eventbus.Event{Type: coordinator.EventExecuteComposite, Body: map[string]any{
		"tool_definition_path": toolDefinitionPath,
		"parent_process_id":    process.RootParentSentinel,
		"process_id":           rootID,
		"token":                execToken,
		"working_directory":    workingDirectory,
	}})
	require.NoError(t, err)

	rootFinal, err := processes.Get(ctx, rootID)
	require.NoError(t, err)
	require.Equal(t, process.StatusFailed, rootFinal.ExecutionStatus)

	middleChildren, err := processes.ListChildren(ctx, rootID)
	require.NoError(t, err)
	require.Len(t, middleChildren, 1)
	middle := middleChildren[0]
	require.Equal(t, process.StatusFailed, middle.ExecutionStatus)
	require.Contains(t, middle.StatusMessage, failureReason)
	require.Contains(t, rootFinal.StatusMessage, middle.StatusMessage)

	leafChildren, err := processes.ListChildren(ctx, middle.ProcessID)
	require.NoError(t, err)
	require.Len(t, leafChildren, 1)
	require.Equal(t, process.StatusFailed, leafChildren[0].ExecutionStatus)
	require.Contains(t, leafChildren[0].StatusMessage, failureReason)
}

// TestHandleExecuteCompositeCompletesEmptyComposite verifies a composite
// tool definition with no instructions at all completes immediately rather
// than failing as if its graph had no reachable executions.
func TestHandleExecuteCompositeCompletesEmptyComposite(t *testing.T) {
	c, storageClient, processes, _, _, execToken := newHarness(t)

	ctx := context.Background()
	workingDirectory := "/workspace"
	toolDefinitionPath := "/workspace/empty.tool.json"

	emptyDef := &engine.ToolDefinition{Instructions: []engine.Instruction{}}
	require.NoError(t, storage.WriteJSON(ctx, storageClient, execToken, toolDefinitionPath, emptyDef))

	rootID := "root-process-empty-composite"
	root := &process.Process{
		ProcessID:        rootID,
		ParentProcessID:  process.RootParentSentinel,
		ProcessOwner:     "user-1",
		WorkingDirectory: workingDirectory,
		ExecutionStatus:  process.StatusRunning,
		StartedOn:        time.Now().UTC(),
	}
	require.NoError(t, processes.Upsert(ctx, root))

	err := c.HandleExecuteComposite(ctx, eventbus.Event{Type: coordinator.EventExecuteComposite, Body: map[string]any{
		"tool_definition_path": toolDefinitionPath,
		"parent_process_id":    process.RootParentSentinel,
		"process_id":           rootID,
		"token":                execToken,
		"working_directory":    workingDirectory,
	}})
	require.NoError(t, err)

	final, err := processes.Get(ctx, rootID)
	require.NoError(t, err)
	require.Equal(t, process.StatusCompleted, final.ExecutionStatus)
	require.Empty(t, final.StatusMessage)
}
