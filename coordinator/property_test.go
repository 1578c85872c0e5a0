package coordinator

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/jarosser06/ratio-sub000/engine"
	"github.com/jarosser06/ratio-sub000/eventbus"
	"github.com/jarosser06/ratio-sub000/process"
	"github.com/jarosser06/ratio-sub000/reference"
	"github.com/jarosser06/ratio-sub000/storage"
)

// TestCloseOutProcessTerminalIsMonotoneProperty verifies that once a
// process reaches a terminal execution_status, no further closeOutProcess
// call can move it to a different status or republish a notification —
// the re-read-before-write discipline in closeOutProcess must make every
// handler path idempotent once a process has closed (spec.md §5).
func TestCloseOutProcessTerminalIsMonotoneProperty(t *testing.T) {
	terminalStatuses := []process.Status{
		process.StatusCompleted,
		process.StatusFailed,
		process.StatusSkipped,
		process.StatusTerminated,
		process.StatusTimedOut,
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("closing an already-terminal process is a no-op", prop.ForAll(
		func(statusIndex int, secondFailureReason string, notifyParent bool) bool {
			ctx := context.Background()
			processes := process.NewInmemStore()
			bus := eventbus.NewInmemBus()

			var published int
			_, _ = bus.Subscribe(EventToolResponse, func(context.Context, eventbus.Event) error {
				published++
				return nil
			})

			c := New(Config{Processes: processes, Storage: storage.NewInmemClient(), Bus: bus})

			status := terminalStatuses[statusIndex%len(terminalStatuses)]
			proc := &process.Process{
				ProcessID:        "proc-1",
				ParentProcessID:  "parent-1",
				ProcessOwner:     "user-1",
				WorkingDirectory: "/workspace",
				ExecutionStatus:  status,
				StartedOn:        time.Now().UTC(),
			}
			if err := processes.Upsert(ctx, proc); err != nil {
				return false
			}
			parent := &process.Process{
				ProcessID:        "parent-1",
				ParentProcessID:  process.RootParentSentinel,
				ProcessOwner:     "user-1",
				WorkingDirectory: "/workspace",
				ExecutionStatus:  process.StatusRunning,
				StartedOn:        time.Now().UTC(),
			}
			if err := processes.Upsert(ctx, parent); err != nil {
				return false
			}

			if err := c.closeOutProcess(ctx, proc, secondFailureReason, notifyParent, "", false, "tok"); err != nil {
				return false
			}

			after, err := processes.Get(ctx, "proc-1")
			if err != nil {
				return false
			}

			return after.ExecutionStatus == status && published == 0
		},
		gen.IntRange(0, len(terminalStatuses)-1),
		gen.AlphaString(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// TestAggregateParallelResponsesOrdersBySiblingIndexProperty verifies that
// the aggregated parallel response list is always ordered by sibling index,
// regardless of the order in which siblings were created/listed or the
// values they completed with (spec.md §3 "the aggregate response is an
// ordered list keyed by sibling index").
func TestAggregateParallelResponsesOrdersBySiblingIndexProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("aggregated responses are ordered by sibling index", prop.ForAll(
		func(n int, seed int64) bool {
			ctx := context.Background()
			storageClient := storage.NewInmemClient()
			processes := process.NewInmemStore()

			order := rand.New(rand.NewSource(seed)).Perm(n)

			parent := &process.Process{
				ProcessID:        "parent-1",
				ParentProcessID:  process.RootParentSentinel,
				ProcessOwner:     "user-1",
				WorkingDirectory: "/workspace",
				ExecutionStatus:  process.StatusRunning,
				StartedOn:        time.Now().UTC(),
			}
			if err := processes.Upsert(ctx, parent); err != nil {
				return false
			}

			for _, idx := range order {
				responsePath := fmt.Sprintf("/workspace/sibling-%d-response.aio", idx)
				if err := storage.WriteJSON(ctx, storageClient, "tok", responsePath, map[string]any{"out": idx}); err != nil {
					return false
				}
				child := &process.Process{
					ProcessID:        fmt.Sprintf("child-%d", idx),
					ParentProcessID:  "parent-1",
					ProcessOwner:     "user-1",
					WorkingDirectory: "/workspace",
					ExecutionID:      fmt.Sprintf("fan[%d]", idx),
					ExecutionStatus:  process.StatusCompleted,
					ResponsePath:     responsePath,
					StartedOn:        time.Now().UTC(),
				}
				if err := processes.Upsert(ctx, child); err != nil {
					return false
				}
			}

			eng, err := engine.New(engine.Config{
				Storage:          storageClient,
				WorkingDirectory: "/workspace",
				ProcessID:        "parent-1",
				Token:            "tok",
				Instructions: []engine.Instruction{
					{
						ExecutionID:       "fan",
						ParallelExecution: &engine.ParallelExecution{Items: []any{}},
						ToolDefinition:    &engine.ToolDefinition{SystemEventEndpoint: "leaf"},
					},
				},
			})
			if err != nil {
				return false
			}

			c := New(Config{Processes: processes, Storage: storageClient, Bus: eventbus.NewInmemBus()})
			if err := c.aggregateParallelResponses(ctx, "fan", parent, eng, "tok"); err != nil {
				return false
			}

			resolver := reference.NewResolver(eng.Store(), nil)
			val, err := resolver.Resolve(ctx, "REF:fan.response", "tok")
			if err != nil {
				return false
			}
			list, ok := val.([]any)
			if !ok || len(list) != n {
				return false
			}
			for i, item := range list {
				body, ok := item.(map[string]any)
				if !ok {
					return false
				}
				out, ok := body["out"].(float64)
				if !ok || int(out) != i {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 8),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
