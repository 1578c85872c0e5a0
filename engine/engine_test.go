package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jarosser06/ratio-sub000/condition"
	"github.com/jarosser06/ratio-sub000/ratioerr"
	"github.com/jarosser06/ratio-sub000/reference"
	"github.com/jarosser06/ratio-sub000/schema"
	"github.com/jarosser06/ratio-sub000/storage"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.Storage == nil {
		cfg.Storage = storage.NewInmemClient()
	}
	if cfg.Token == "" {
		cfg.Token = "test-token"
	}
	if cfg.WorkingDirectory == "" {
		cfg.WorkingDirectory = "/workspace"
	}
	if cfg.ProcessID == "" {
		cfg.ProcessID = "proc-1"
	}
	eng, err := New(cfg)
	require.NoError(t, err)
	return eng
}

func TestNewRejectsDuplicateExecutionID(t *testing.T) {
	_, err := New(Config{
		Instructions: []Instruction{
			{ExecutionID: "step1", ToolDefinition: &ToolDefinition{SystemEventEndpoint: "leaf"}},
			{ExecutionID: "step1", ToolDefinition: &ToolDefinition{SystemEventEndpoint: "leaf"}},
		},
	})
	require.Error(t, err)
	code, ok := ratioerr.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, ratioerr.InvalidSchema, code)
}

func TestNewRejectsInvalidExecutionID(t *testing.T) {
	_, err := New(Config{
		Instructions: []Instruction{
			{ExecutionID: "bad id!", ToolDefinition: &ToolDefinition{SystemEventEndpoint: "leaf"}},
		},
	})
	require.Error(t, err)
}

func TestNewRejectsIncompleteResponseReferenceMap(t *testing.T) {
	_, err := New(Config{
		ResponseDefinition:   []schema.AttributeDef{{Name: "final", TypeName: reference.KindString, Required: true}},
		ResponseReferenceMap: map[string]string{},
	})
	require.Error(t, err)
	code, ok := ratioerr.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, ratioerr.InvalidSchema, code)
}

func TestIsComposite(t *testing.T) {
	leaf := newTestEngine(t, Config{SystemEventEndpoint: "some::leaf"})
	require.False(t, leaf.IsComposite())

	composite := newTestEngine(t, Config{Instructions: []Instruction{
		{ExecutionID: "step1", ToolDefinition: &ToolDefinition{SystemEventEndpoint: "leaf"}},
	}})
	require.True(t, composite.IsComposite())
}

func TestGetAvailableExecutionsRespectsDependencyOrder(t *testing.T) {
	eng := newTestEngine(t, Config{
		Instructions: []Instruction{
			{ExecutionID: "step2", Arguments: map[string]any{"in": "REF:step1.out"}, ToolDefinition: &ToolDefinition{SystemEventEndpoint: "leaf"}},
			{ExecutionID: "step1", ToolDefinition: &ToolDefinition{SystemEventEndpoint: "leaf"}},
		},
	})

	ctx := context.Background()
	executable, skipped, err := eng.GetAvailableExecutions(ctx, map[string]bool{}, map[string]bool{})
	require.NoError(t, err)
	require.Empty(t, skipped)
	require.Equal(t, []string{"step1"}, executable)

	executable, skipped, err = eng.GetAvailableExecutions(ctx, map[string]bool{"step1": true}, map[string]bool{})
	require.NoError(t, err)
	require.Empty(t, skipped)
	require.Equal(t, []string{"step2"}, executable)
}

func TestGetAvailableExecutionsSkipsFalseCondition(t *testing.T) {
	eng := newTestEngine(t, Config{
		Arguments: map[string]any{"run_skip": false},
		Instructions: []Instruction{
			{
				ExecutionID: "maybe",
				Conditions: []condition.Node{{Condition: &condition.Condition{
					Param:    "REF:arguments.run_skip",
					Operator: condition.OpEquals,
					Value:    true,
				}}},
				ToolDefinition: &ToolDefinition{SystemEventEndpoint: "leaf"},
			},
		},
	})

	executable, skipped, err := eng.GetAvailableExecutions(context.Background(), map[string]bool{}, map[string]bool{})
	require.NoError(t, err)
	require.Empty(t, executable)
	require.Equal(t, []string{"maybe"}, skipped)
}

func TestGetAvailableExecutionsExcludesInProgress(t *testing.T) {
	eng := newTestEngine(t, Config{
		Instructions: []Instruction{
			{ExecutionID: "step1", ToolDefinition: &ToolDefinition{SystemEventEndpoint: "leaf"}},
		},
	})
	executable, _, err := eng.GetAvailableExecutions(context.Background(), map[string]bool{}, map[string]bool{"step1": true})
	require.NoError(t, err)
	require.Empty(t, executable)
}

func TestPrepareForExecutionResolvesValidatesAndWrites(t *testing.T) {
	storageClient := storage.NewInmemClient()
	eng := newTestEngine(t, Config{
		Storage:   storageClient,
		Arguments: map[string]any{"name": "ada"},
		Instructions: []Instruction{
			{
				ExecutionID: "step1",
				Arguments:   map[string]any{"in": "REF:arguments.name"},
				ToolDefinition: &ToolDefinition{
					SystemEventEndpoint: "leaf",
					Arguments:           []schema.AttributeDef{{Name: "in", TypeName: reference.KindString, Required: true}},
				},
			},
		},
	})

	instr, ok := eng.Instruction("step1")
	require.True(t, ok)

	argumentsPath, err := eng.PrepareForExecution(context.Background(), instr, "child-1")
	require.NoError(t, err)
	require.NotEmpty(t, argumentsPath)

	var rendered map[string]any
	require.NoError(t, storage.ReadJSON(context.Background(), storageClient, "test-token", argumentsPath, &rendered))
	require.Equal(t, "ada", rendered["in"])
}

func TestPrepareForExecutionRejectsMissingRequiredArgument(t *testing.T) {
	eng := newTestEngine(t, Config{
		Instructions: []Instruction{
			{
				ExecutionID: "step1",
				ToolDefinition: &ToolDefinition{
					SystemEventEndpoint: "leaf",
					Arguments:           []schema.AttributeDef{{Name: "in", TypeName: reference.KindString, Required: true}},
				},
			},
		},
	})
	instr, ok := eng.Instruction("step1")
	require.True(t, ok)

	_, err := eng.PrepareForExecution(context.Background(), instr, "child-1")
	require.Error(t, err)
}

func TestMarkCompletedRecordsResponseForLaterResolution(t *testing.T) {
	storageClient := storage.NewInmemClient()
	eng := newTestEngine(t, Config{
		Storage: storageClient,
		Instructions: []Instruction{
			{
				ExecutionID: "step1",
				ToolDefinition: &ToolDefinition{
					SystemEventEndpoint: "leaf",
					Responses:           []schema.AttributeDef{{Name: "out", TypeName: reference.KindString, Required: true}},
				},
			},
		},
	})
	instr, ok := eng.Instruction("step1")
	require.True(t, ok)

	responsePath := "/workspace/step1-response.aio"
	require.NoError(t, storage.WriteJSON(context.Background(), storageClient, "test-token", responsePath, map[string]any{"out": "hello"}))

	require.NoError(t, eng.MarkCompleted(context.Background(), instr, "step1", responsePath))

	val, err := eng.resolver.Resolve(context.Background(), "REF:step1.out", "test-token")
	require.NoError(t, err)
	require.Equal(t, "hello", val)
}

func TestCloseAssemblesRootResponse(t *testing.T) {
	storageClient := storage.NewInmemClient()
	eng := newTestEngine(t, Config{
		Storage:              storageClient,
		ResponseDefinition:   []schema.AttributeDef{{Name: "final", TypeName: reference.KindString, Required: true}},
		ResponseReferenceMap: map[string]string{"final": "REF:step1.out"},
		Instructions: []Instruction{
			{
				ExecutionID: "step1",
				ToolDefinition: &ToolDefinition{
					SystemEventEndpoint: "leaf",
					Responses:           []schema.AttributeDef{{Name: "out", TypeName: reference.KindString, Required: true}},
				},
			},
		},
	})
	instr, ok := eng.Instruction("step1")
	require.True(t, ok)

	responsePath := "/workspace/step1-response.aio"
	require.NoError(t, storage.WriteJSON(context.Background(), storageClient, "test-token", responsePath, map[string]any{"out": "hello"}))
	require.NoError(t, eng.MarkCompleted(context.Background(), instr, "step1", responsePath))

	rootResponsePath, err := eng.Close(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, rootResponsePath)

	var body map[string]any
	require.NoError(t, storage.ReadJSON(context.Background(), storageClient, "test-token", rootResponsePath, &body))
	require.Equal(t, "hello", body["final"])
}

func TestCloseIsNoOpWithoutResponseDefinition(t *testing.T) {
	eng := newTestEngine(t, Config{
		Instructions: []Instruction{
			{ExecutionID: "step1", ToolDefinition: &ToolDefinition{SystemEventEndpoint: "leaf"}},
		},
	})
	path, err := eng.Close(context.Background())
	require.NoError(t, err)
	require.Empty(t, path)
}

func TestResolveParallelItemsReturnsNilWithoutParallelExecution(t *testing.T) {
	eng := newTestEngine(t, Config{
		Instructions: []Instruction{
			{ExecutionID: "step1", ToolDefinition: &ToolDefinition{SystemEventEndpoint: "leaf"}},
		},
	})
	instr, ok := eng.Instruction("step1")
	require.True(t, ok)

	items, err := eng.ResolveParallelItems(context.Background(), instr)
	require.NoError(t, err)
	require.Nil(t, items)
}

func TestResolveParallelItemsResolvesReference(t *testing.T) {
	eng := newTestEngine(t, Config{
		Arguments: map[string]any{"names": []any{"a", "b", "c"}},
		Instructions: []Instruction{
			{
				ExecutionID:       "fan",
				ParallelExecution: &ParallelExecution{Items: "REF:arguments.names"},
				ToolDefinition:    &ToolDefinition{SystemEventEndpoint: "leaf"},
			},
		},
	})
	instr, ok := eng.Instruction("fan")
	require.True(t, ok)

	items, err := eng.ResolveParallelItems(context.Background(), instr)
	require.NoError(t, err)
	require.Equal(t, []any{"a", "b", "c"}, items)
}
