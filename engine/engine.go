package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"

	"github.com/jarosser06/ratio-sub000/condition"
	"github.com/jarosser06/ratio-sub000/ratioerr"
	"github.com/jarosser06/ratio-sub000/reference"
	"github.com/jarosser06/ratio-sub000/schema"
	"github.com/jarosser06/ratio-sub000/storage"
	"github.com/jarosser06/ratio-sub000/telemetry"
	"github.com/jarosser06/ratio-sub000/transform"
)

// executionStateFile is the serialized engine state written to each
// execution's directory so later event handlers can reload the engine
// without relying on in-memory state across processes (spec.md §4.4
// "Initialization").
const executionStateFile = "execution.json"

// argumentsFile and responseFile are the well-known leaf names under an
// execution directory (spec.md §4.4 "Working directory layout").
const (
	argumentsFile = "arguments.aio"
	responseFile  = "response.aio"
)

// aliasesForSchema applies the vanity file->string alias spec.md §4.2
// requires for every schema compiled by the engine.
var aliasesForSchema = schema.Aliases{reference.KindFile: reference.KindString}

// state is the serialized shape written to execution.json: the full
// constructor state plus the arguments that were bound at load time.
type state struct {
	Arguments            map[string]any        `json:"arguments"`
	Instructions         []Instruction          `json:"instructions,omitempty"`
	SystemEventEndpoint  string                 `json:"system_event_endpoint,omitempty"`
	ResponseDefinition   []schema.AttributeDef  `json:"response_definition,omitempty"`
	ResponseReferenceMap map[string]string      `json:"response_reference_map,omitempty"`
	ProcessID            string                 `json:"process_id"`
	WorkingDirectory     string                 `json:"working_directory"`
}

// Engine is the execution engine (C4) for one process: it owns the
// reference store for that process's arguments and child responses, the
// dependency graph over its instructions (composite only), and the
// collaborators (schema validator, condition evaluator, transform
// evaluator) needed to prepare children and aggregate their responses.
type Engine struct {
	processID        string
	workingDirectory string
	token            string

	arguments            map[string]any
	instructions         map[string]*Instruction
	order                []string
	systemEventEndpoint  string
	responseDefinition   []schema.AttributeDef
	responseReferenceMap map[string]string
	deps                 map[string][]string

	store         *reference.Store
	resolver      *reference.Resolver
	validator     *schema.Validator
	evaluator     *condition.Evaluator
	transformEval *transform.Evaluator
	storageClient storage.Client
	logger        telemetry.Logger
}

// Config bundles the constructor arguments for New, mirroring the Python
// original's ExecutionEngine.__init__ keyword arguments (spec.md §4.4
// "Lifecycle").
type Config struct {
	Arguments            map[string]any
	Instructions         []Instruction
	SystemEventEndpoint  string
	ResponseDefinition   []schema.AttributeDef
	ResponseReferenceMap map[string]string
	ProcessID            string
	WorkingDirectory     string
	Token                string
	Storage              storage.Client
	Logger               telemetry.Logger
}

// New constructs an Engine from cfg, validating the composite/leaf
// invariant, response-reference-map completeness, and execution id
// uniqueness (spec.md §4.4).
func New(cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	if err := validateResponseReferenceMap(cfg.SystemEventEndpoint, cfg.ResponseDefinition, cfg.ResponseReferenceMap); err != nil {
		return nil, err
	}

	instructions := make(map[string]*Instruction, len(cfg.Instructions))
	order := make([]string, 0, len(cfg.Instructions))
	for i := range cfg.Instructions {
		instr := cfg.Instructions[i]
		if !executionIDPattern.MatchString(instr.ExecutionID) {
			return nil, ratioerr.Newf(ratioerr.InvalidSchema, "invalid execution_id %q", instr.ExecutionID)
		}
		if _, dup := instructions[instr.ExecutionID]; dup {
			return nil, ratioerr.Newf(ratioerr.InvalidSchema, "duplicate execution_id %q", instr.ExecutionID)
		}
		instructions[instr.ExecutionID] = &instr
		order = append(order, instr.ExecutionID)
	}

	store := reference.NewStore()
	for name, v := range cfg.Arguments {
		store.SetArgument(name, reference.Infer(v))
	}

	var storageAdapter reference.StorageClient
	if cfg.Storage != nil {
		storageAdapter = storage.NewReferenceAdapter(cfg.Storage)
	}
	resolver := reference.NewResolver(store, storageAdapter)
	evaluator := condition.NewEvaluator(resolver, logger)

	deps := make(map[string][]string, len(instructions))
	for id, instr := range instructions {
		deps[id] = instr.GetDependencies()
	}

	return &Engine{
		processID:            cfg.ProcessID,
		workingDirectory:     cfg.WorkingDirectory,
		token:                cfg.Token,
		arguments:            cfg.Arguments,
		instructions:         instructions,
		order:                order,
		systemEventEndpoint:  cfg.SystemEventEndpoint,
		responseDefinition:   cfg.ResponseDefinition,
		responseReferenceMap: cfg.ResponseReferenceMap,
		deps:                 deps,
		store:                store,
		resolver:             resolver,
		validator:            schema.NewValidator(evaluator),
		evaluator:            evaluator,
		transformEval:        transform.NewEvaluator(resolver, cfg.Storage),
		storageClient:        cfg.Storage,
		logger:               logger,
	}, nil
}

func validateResponseReferenceMap(systemEventEndpoint string, responseDefinition []schema.AttributeDef, responseReferenceMap map[string]string) error {
	isComposite := systemEventEndpoint == ""
	if !isComposite {
		return nil
	}
	if len(responseDefinition) == 0 {
		return nil
	}
	for _, def := range responseDefinition {
		if !def.Required {
			continue
		}
		if _, ok := responseReferenceMap[def.Name]; !ok {
			return ratioerr.Newf(ratioerr.InvalidSchema, "response_reference_map missing required key %q", def.Name)
		}
	}
	return nil
}

// IsComposite reports whether the engine has instructions to schedule
// rather than a single leaf endpoint.
func (e *Engine) IsComposite() bool { return e.systemEventEndpoint == "" }

// Instruction returns the loaded instruction for id, if any.
func (e *Engine) Instruction(id string) (*Instruction, bool) {
	instr, ok := e.instructions[id]
	return instr, ok
}

// Store exposes the engine's reference store so a caller (typically the
// coordinator) can record response sets as children complete.
func (e *Engine) Store() *reference.Store { return e.store }

// Path returns the on-disk directory for a process id under
// workingDirectory (spec.md §4.4 "Working directory layout").
func Path(workingDirectory, processID string) string {
	return path.Join(workingDirectory, fmt.Sprintf("agent_exec-%s", processID))
}

// InitializePath creates the engine's working directory and writes its
// serialized state to execution.json, so subsequent event handlers can
// reload the engine without relying on cross-process in-memory state
// (spec.md §4.4 "Initialization").
func (e *Engine) InitializePath(ctx context.Context) error {
	dir := Path(e.workingDirectory, e.processID)
	if err := storage.EnsureDirectory(ctx, e.storageClient, e.token, dir); err != nil {
		return ratioerr.Wrap(ratioerr.FileCreationFailure, "create execution directory", err)
	}
	st := state{
		Arguments:            e.arguments,
		Instructions:         instructionSlice(e.instructions, e.order),
		SystemEventEndpoint:  e.systemEventEndpoint,
		ResponseDefinition:   e.responseDefinition,
		ResponseReferenceMap: e.responseReferenceMap,
		ProcessID:            e.processID,
		WorkingDirectory:     e.workingDirectory,
	}
	if err := storage.WriteJSON(ctx, e.storageClient, e.token, path.Join(dir, executionStateFile), st); err != nil {
		return ratioerr.Wrap(ratioerr.FileCreationFailure, "write execution state", err)
	}
	return nil
}

func instructionSlice(instructions map[string]*Instruction, order []string) []Instruction {
	out := make([]Instruction, 0, len(order))
	for _, id := range order {
		out = append(out, *instructions[id])
	}
	return out
}

// Load reloads an Engine from the execution.json previously written by
// InitializePath, rebuilding its collaborators fresh (spec.md §4.4
// "Subsequent event handlers reload the engine from this file").
func Load(ctx context.Context, storageClient storage.Client, token, workingDirectory, processID string, logger telemetry.Logger) (*Engine, error) {
	dir := Path(workingDirectory, processID)
	var st state
	if err := storage.ReadJSON(ctx, storageClient, token, path.Join(dir, executionStateFile), &st); err != nil {
		return nil, ratioerr.Wrap(ratioerr.MissingDefinition, "load execution state", err)
	}
	return New(Config{
		Arguments:            st.Arguments,
		Instructions:         st.Instructions,
		SystemEventEndpoint:  st.SystemEventEndpoint,
		ResponseDefinition:   st.ResponseDefinition,
		ResponseReferenceMap: st.ResponseReferenceMap,
		ProcessID:            st.ProcessID,
		WorkingDirectory:     st.WorkingDirectory,
		Token:                token,
		Storage:              storageClient,
		Logger:               logger,
	})
}

// GetAvailableExecutions returns the executable and skipped instruction ids
// given the current completed/in-progress sets (spec.md §4.4 "Scheduling
// step"). Ties are broken by declaration order since both results are
// built by scanning e.order in sequence.
func (e *Engine) GetAvailableExecutions(ctx context.Context, completed, inProgress map[string]bool) (executable, skipped []string, err error) {
	for _, id := range e.order {
		if completed[id] || inProgress[id] {
			continue
		}
		ready := true
		for _, dep := range e.deps[id] {
			if !completed[dep] {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		instr := e.instructions[id]
		if len(instr.Conditions) > 0 {
			ok, evalErr := e.evaluator.EvaluateList(ctx, instr.Conditions, e.token)
			if evalErr != nil {
				return nil, nil, evalErr
			}
			if !ok {
				skipped = append(skipped, id)
				continue
			}
		}
		executable = append(executable, id)
	}
	return executable, skipped, nil
}

// LoadDefinition resolves instr's tool definition, either inline or by
// fetching tool_definition_path from storage (spec.md §4.4 "Instruction
// loading").
func (e *Engine) LoadDefinition(ctx context.Context, instr *Instruction) (*ToolDefinition, error) {
	if instr.ToolDefinition != nil {
		return instr.ToolDefinition, nil
	}
	if instr.ToolDefinitionPath == "" {
		return nil, ratioerr.Newf(ratioerr.InvalidSchema, "instruction %q has neither tool_definition nor tool_definition_path", instr.ExecutionID)
	}
	content, err := e.storageClient.GetFileVersion(ctx, e.token, instr.ToolDefinitionPath, "")
	if err != nil {
		return nil, ratioerr.Wrap(ratioerr.MissingDefinition, fmt.Sprintf("load tool definition %q", instr.ToolDefinitionPath), err)
	}
	var def ToolDefinition
	if err := json.Unmarshal([]byte(content.Data), &def); err != nil {
		return nil, ratioerr.Wrap(ratioerr.InvalidDefinition, fmt.Sprintf("parse tool definition %q", instr.ToolDefinitionPath), err)
	}
	def.OriginalFilePath = instr.ToolDefinitionPath
	return &def, nil
}

// PrepareForExecution compiles instr's arguments schema, resolves every
// REF: in its provided arguments, applies an optional transform, validates
// the rendered body, and writes it to the child's arguments.aio (spec.md
// §4.4 "Preparing a child"). It returns the arguments path.
func (e *Engine) PrepareForExecution(ctx context.Context, instr *Instruction, childProcessID string) (string, error) {
	def, err := e.LoadDefinition(ctx, instr)
	if err != nil {
		return "", err
	}

	rendered, err := e.resolver.ResolveNested(ctx, any(instr.Arguments), e.token)
	if err != nil {
		return "", ratioerr.Wrap(ratioerr.InvalidReference, "resolve instruction arguments", err)
	}
	renderedMap, ok := rendered.(map[string]any)
	if !ok {
		renderedMap = map[string]any{}
	}

	if instr.TransformArguments != nil {
		transformed, err := e.transformEval.Apply(ctx, instr.TransformArguments, renderedMap, e.token)
		if err != nil {
			return "", ratioerr.Wrap(ratioerr.InvalidSchema, "apply transform_arguments", err)
		}
		for k, v := range transformed {
			renderedMap[k] = v
		}
	}

	if err := e.validator.Validate(ctx, renderedMap, def.Arguments, aliasesForSchema, e.token); err != nil {
		return "", err
	}

	childDir := Path(e.workingDirectory, childProcessID)
	if err := storage.EnsureDirectory(ctx, e.storageClient, e.token, childDir); err != nil {
		return "", ratioerr.Wrap(ratioerr.FileCreationFailure, "create child execution directory", err)
	}
	argumentsPath := path.Join(childDir, argumentsFile)
	if err := storage.WriteJSON(ctx, e.storageClient, e.token, argumentsPath, renderedMap); err != nil {
		return "", ratioerr.Wrap(ratioerr.FileCreationFailure, "write child arguments", err)
	}
	return argumentsPath, nil
}

// ResolveParallelItems resolves instr's parallel_execution.items to the list
// of sibling values it fans out over, or returns (nil, nil) if instr does not
// declare parallel_execution (spec.md §3 "Parallel Expansion").
func (e *Engine) ResolveParallelItems(ctx context.Context, instr *Instruction) ([]any, error) {
	if instr.ParallelExecution == nil {
		return nil, nil
	}
	rendered, err := e.resolver.ResolveNested(ctx, instr.ParallelExecution.Items, e.token)
	if err != nil {
		return nil, ratioerr.Wrap(ratioerr.InvalidReference, "resolve parallel_execution.items", err)
	}
	items, ok := rendered.([]any)
	if !ok {
		return nil, ratioerr.Newf(ratioerr.InvalidSchema, "parallel_execution.items for %q did not resolve to a list", instr.ExecutionID)
	}
	return items, nil
}

// PrepareParallelChild behaves like PrepareForExecution, but resolves
// instr's arguments against item via REF:self.item instead of the shared
// reference store, for one sibling of a parallel-expanded instruction
// (spec.md §3 "Parallel Expansion").
func (e *Engine) PrepareParallelChild(ctx context.Context, instr *Instruction, childProcessID string, item any) (string, error) {
	def, err := e.LoadDefinition(ctx, instr)
	if err != nil {
		return "", err
	}

	rendered, err := e.resolver.ResolveNestedWithSelf(ctx, any(instr.Arguments), e.token, item)
	if err != nil {
		return "", ratioerr.Wrap(ratioerr.InvalidReference, "resolve parallel instruction arguments", err)
	}
	renderedMap, ok := rendered.(map[string]any)
	if !ok {
		renderedMap = map[string]any{}
	}

	if instr.TransformArguments != nil {
		transformed, err := e.transformEval.Apply(ctx, instr.TransformArguments, renderedMap, e.token)
		if err != nil {
			return "", ratioerr.Wrap(ratioerr.InvalidSchema, "apply transform_arguments", err)
		}
		for k, v := range transformed {
			renderedMap[k] = v
		}
	}

	if err := e.validator.Validate(ctx, renderedMap, def.Arguments, aliasesForSchema, e.token); err != nil {
		return "", err
	}

	childDir := Path(e.workingDirectory, childProcessID)
	if err := storage.EnsureDirectory(ctx, e.storageClient, e.token, childDir); err != nil {
		return "", ratioerr.Wrap(ratioerr.FileCreationFailure, "create child execution directory", err)
	}
	argumentsPath := path.Join(childDir, argumentsFile)
	if err := storage.WriteJSON(ctx, e.storageClient, e.token, argumentsPath, renderedMap); err != nil {
		return "", ratioerr.Wrap(ratioerr.FileCreationFailure, "write child arguments", err)
	}
	return argumentsPath, nil
}

// MarkCompleted loads a completed child's response.aio, validates it
// against the instruction's declared responses, and writes the result into
// the engine's reference store under the child's execution id (spec.md
// §4.4 "Marking completion"). executionID is the (possibly synthetic
// parallel-sibling) id under which the response is stored.
func (e *Engine) MarkCompleted(ctx context.Context, instr *Instruction, executionID, responsePath string) error {
	body := map[string]any{}
	if responsePath != "" {
		if err := storage.ReadJSON(ctx, e.storageClient, e.token, responsePath, &body); err != nil {
			return ratioerr.Wrap(ratioerr.FileCreationFailure, "load child response", err)
		}
	}

	def, err := e.LoadDefinition(ctx, instr)
	if err != nil {
		return err
	}

	if instr.TransformResponses != nil {
		transformed, err := e.transformEval.Apply(ctx, instr.TransformResponses, body, e.token)
		if err != nil {
			return ratioerr.Wrap(ratioerr.InvalidSchema, "apply transform_responses", err)
		}
		body = transformed
	}

	if err := e.validator.Validate(ctx, body, def.Responses, aliasesForSchema, e.token); err != nil {
		return err
	}

	responses := make(map[string]reference.Value, len(def.Responses))
	for _, resDef := range def.Responses {
		v, present := body[resDef.Name]
		if !present {
			responses[resDef.Name] = reference.Null(resDef.TypeName)
			continue
		}
		val, err := reference.FromTyped(resDef.TypeName, v)
		if err != nil {
			return ratioerr.Wrap(ratioerr.InvalidSchema, fmt.Sprintf("response field %q", resDef.Name), err)
		}
		responses[resDef.Name] = val
	}

	if err := e.store.SetResponses(executionID, responses); err != nil {
		return ratioerr.Wrap(ratioerr.InvalidReference, "record child response", err)
	}
	return nil
}

// SynthesizeSkippedResponse builds a response.aio body whose every declared
// response field is a type-appropriate null, for a no-op'd instruction
// (spec.md §4.5.1). It returns nil if the instruction declares no
// responses, in which case no file should be written.
func (e *Engine) SynthesizeSkippedResponse(instr *Instruction) (map[string]any, error) {
	def, err := e.LoadDefinition(context.Background(), instr)
	if err != nil {
		return nil, err
	}
	if len(def.Responses) == 0 {
		return nil, nil
	}
	body := make(map[string]any, len(def.Responses))
	for _, resDef := range def.Responses {
		body[resDef.Name] = reference.Null(resDef.TypeName).Raw
	}
	return body, nil
}

// Close assembles the root response from response_reference_map, validates
// it, and writes it to response.aio in the process's own directory
// (spec.md §4.4 "Closing"). It returns the written path. Close is a no-op
// returning "" for engines without a response_definition.
func (e *Engine) Close(ctx context.Context) (string, error) {
	if len(e.responseDefinition) == 0 {
		return "", nil
	}
	body := make(map[string]any, len(e.responseReferenceMap))
	for key, rhs := range e.responseReferenceMap {
		var value any
		var err error
		if reference.IsRef(rhs) {
			value, err = e.resolver.Resolve(ctx, rhs, e.token)
		} else {
			value = rhs
		}
		if err != nil {
			return "", ratioerr.Wrap(ratioerr.InvalidReference, fmt.Sprintf("resolve response_reference_map[%q]", key), err)
		}
		body[key] = value
	}
	if err := e.validator.Validate(ctx, body, e.responseDefinition, aliasesForSchema, e.token); err != nil {
		return "", err
	}
	responsePath := path.Join(Path(e.workingDirectory, e.processID), responseFile)
	if err := storage.WriteJSON(ctx, e.storageClient, e.token, responsePath, body); err != nil {
		return "", ratioerr.Wrap(ratioerr.FileCreationFailure, "write root response", err)
	}
	return responsePath, nil
}

// SortedIDs returns ids sorted for deterministic logging/iteration.
func SortedIDs(ids map[string]bool) []string {
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
