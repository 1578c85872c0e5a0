// Package engine implements the execution engine (C4) described in
// spec.md §4.4: tool/instruction loading, dependency-graph construction,
// wave scheduling, child argument preparation, and response aggregation.
// Grounded on the Python original's ToolDefinition/ToolInstruction/
// ExecutionEngine shapes (runtime/tool.py, runtime/engine.py) translated
// into Go value types and explicit error returns.
package engine

import (
	"regexp"

	"github.com/jarosser06/ratio-sub000/condition"
	"github.com/jarosser06/ratio-sub000/ratioerr"
	"github.com/jarosser06/ratio-sub000/reference"
	"github.com/jarosser06/ratio-sub000/schema"
	"github.com/jarosser06/ratio-sub000/transform"
)

// executionIDPattern is the execution_id grammar from spec.md §3.
var executionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ParallelExecution describes an instruction's fan-out over a list-typed
// reference (spec.md §3 "Parallel Expansion").
type ParallelExecution struct {
	// Items is typically a REF: expression resolving to a list.
	Items any `json:"items" bson:"items"`
	// ItemVariable names the synthetic REF: base ("self") attribute each
	// sibling's arguments may address via REF:self.item.
	ItemVariable string `json:"item_variable,omitempty" bson:"item_variable,omitempty"`
}

// ToolDefinition is either leaf (SystemEventEndpoint set, no Instructions)
// or composite (Instructions set, no endpoint), per spec.md §3.
type ToolDefinition struct {
	Description          string                `json:"description,omitempty" bson:"description,omitempty"`
	Arguments            []schema.AttributeDef `json:"arguments,omitempty" bson:"arguments,omitempty"`
	Responses             []schema.AttributeDef `json:"responses,omitempty" bson:"responses,omitempty"`
	Instructions          []Instruction         `json:"instructions,omitempty" bson:"instructions,omitempty"`
	ResponseReferenceMap  map[string]string     `json:"response_reference_map,omitempty" bson:"response_reference_map,omitempty"`
	SystemEventEndpoint   string                `json:"system_event_endpoint,omitempty" bson:"system_event_endpoint,omitempty"`

	// OriginalFilePath records where this definition was loaded from, if
	// any, so composite children can be re-exported for internal execute
	// requests without inlining the full definition (mirrors
	// ToolDefinition.original_file_path in the Python original).
	OriginalFilePath string `json:"-" bson:"-"`
}

// IsComposite reports whether d has instructions instead of a leaf endpoint.
func (d *ToolDefinition) IsComposite() bool { return d.SystemEventEndpoint == "" }

// Validate enforces spec.md §3's "exactly one of endpoint / instructions"
// invariant and the uniqueness of execution ids within a composite.
func (d *ToolDefinition) Validate() error {
	hasEndpoint := d.SystemEventEndpoint != ""
	hasInstructions := len(d.Instructions) > 0
	if hasEndpoint == hasInstructions {
		return ratioerr.Newf(ratioerr.InvalidSchema, "tool definition must declare exactly one of system_event_endpoint or instructions")
	}
	seen := make(map[string]struct{}, len(d.Instructions))
	for _, instr := range d.Instructions {
		if !executionIDPattern.MatchString(instr.ExecutionID) {
			return ratioerr.Newf(ratioerr.InvalidSchema, "invalid execution_id %q", instr.ExecutionID)
		}
		if _, dup := seen[instr.ExecutionID]; dup {
			return ratioerr.Newf(ratioerr.InvalidSchema, "duplicate execution_id %q", instr.ExecutionID)
		}
		seen[instr.ExecutionID] = struct{}{}
	}
	return nil
}

// Instruction is one step of a composite tool definition (spec.md §3).
type Instruction struct {
	ExecutionID         string               `json:"execution_id" bson:"execution_id"`
	ToolDefinition      *ToolDefinition       `json:"tool_definition,omitempty" bson:"tool_definition,omitempty"`
	ToolDefinitionPath  string               `json:"tool_definition_path,omitempty" bson:"tool_definition_path,omitempty"`
	Arguments           map[string]any        `json:"arguments,omitempty" bson:"arguments,omitempty"`
	Conditions          []condition.Node      `json:"conditions,omitempty" bson:"conditions,omitempty"`
	ParallelExecution   *ParallelExecution    `json:"parallel_execution,omitempty" bson:"parallel_execution,omitempty"`
	TransformArguments  *transform.Spec       `json:"transform_arguments,omitempty" bson:"transform_arguments,omitempty"`
	TransformResponses  *transform.Spec       `json:"transform_responses,omitempty" bson:"transform_responses,omitempty"`
	Dependencies        []string              `json:"dependencies,omitempty" bson:"dependencies,omitempty"`
}

// GetDependencies returns the distinct set of execution ids this
// instruction depends on: explicit Dependencies unioned with every base
// extracted from its Arguments, Conditions, ParallelExecution and
// TransformArguments (spec.md §3 "Dependency Graph").
func (i *Instruction) GetDependencies() []string {
	deps := make(map[string]struct{}, len(i.Dependencies))
	for _, d := range i.Dependencies {
		deps[d] = struct{}{}
	}
	for _, v := range i.Arguments {
		for base := range reference.ExtractDependencies(v) {
			deps[base] = struct{}{}
		}
	}
	for _, node := range i.Conditions {
		if node.Condition != nil {
			for base := range reference.ExtractDependencies(node.Condition.Param) {
				deps[base] = struct{}{}
			}
			for base := range reference.ExtractDependencies(node.Condition.Value) {
				deps[base] = struct{}{}
			}
		}
		if node.Group != nil {
			collectGroupDependencies(node.Group, deps)
		}
	}
	if i.ParallelExecution != nil {
		for base := range reference.ExtractDependencies(i.ParallelExecution.Items) {
			deps[base] = struct{}{}
		}
	}
	if i.TransformArguments != nil {
		for base := range i.TransformArguments.Dependencies() {
			deps[base] = struct{}{}
		}
	}
	out := make([]string, 0, len(deps))
	for d := range deps {
		out = append(out, d)
	}
	return out
}

func collectGroupDependencies(g *condition.Group, deps map[string]struct{}) {
	for _, node := range g.Conditions {
		if node.Condition != nil {
			for base := range reference.ExtractDependencies(node.Condition.Param) {
				deps[base] = struct{}{}
			}
			for base := range reference.ExtractDependencies(node.Condition.Value) {
				deps[base] = struct{}{}
			}
		}
		if node.Group != nil {
			collectGroupDependencies(node.Group, deps)
		}
	}
}
