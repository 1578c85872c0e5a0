// Package transform implements the pipeline DSL described in spec.md
// §4.4.1: keyword-call function nodes, an item-scoped path convention for
// array operations, and a pipeline(initial, [...]) combinator, evaluated
// over the same REF: grammar as the reference resolver (C1). Grounded on
// the Python original's mapper_functions.py function library and
// object_mapper/runtime/mapper.py's path/function-call evaluation shape,
// redesigned around structured JSON call nodes instead of parsed strings
// since Go has no runtime eval of string expressions.
package transform

import (
	"context"
	"fmt"
	"strings"

	"github.com/jarosser06/ratio-sub000/reference"
	"github.com/jarosser06/ratio-sub000/storage"
)

// Call is a single keyword-call node: {"function": name, "args": {...}}.
// Each arg value may itself be a Call (as a map[string]any), a REF:
// expression, an item-scoped path string ("item.X"), or a literal.
type Call struct {
	Function string         `json:"function" bson:"function"`
	Args     map[string]any `json:"args,omitempty" bson:"args,omitempty"`
}

// Spec is a transform_arguments / transform_responses block (spec.md
// §4.4.1). Variables are evaluated once and made available to Transforms
// under REF:self.<name>-style lookups via the evaluator's scope; Transforms
// maps an output key to an expression tree.
type Spec struct {
	Variables  map[string]any `json:"variables,omitempty" bson:"variables,omitempty"`
	Transforms map[string]any `json:"transforms,omitempty" bson:"transforms,omitempty"`
}

// Dependencies returns the distinct execution-id bases referenced anywhere
// in s's variables or transforms, for dependency-graph construction
// (mirrors ToolInstruction.get_dependencies scanning transform_arguments).
func (s *Spec) Dependencies() map[string]struct{} {
	deps := make(map[string]struct{})
	if s == nil {
		return deps
	}
	for _, v := range s.Variables {
		for base := range reference.ExtractDependencies(v) {
			deps[base] = struct{}{}
		}
	}
	for _, v := range s.Transforms {
		for base := range reference.ExtractDependencies(v) {
			deps[base] = struct{}{}
		}
	}
	return deps
}

// Evaluator evaluates Spec trees against a reference resolver, with access
// to a storage client for the storage-aware functions and a per-evaluation
// cache for repeated reads (spec.md §4.4.1 "Cache identical storage reads
// within a transform evaluation").
type Evaluator struct {
	resolver *reference.Resolver
	storage  storage.Client
	cache    map[string]any
}

// NewEvaluator constructs an Evaluator. storage may be nil if the spec is
// known not to use the storage-aware functions.
func NewEvaluator(resolver *reference.Resolver, storageClient storage.Client) *Evaluator {
	return &Evaluator{resolver: resolver, storage: storageClient, cache: make(map[string]any)}
}

// Apply evaluates spec against body (the arguments or responses being
// transformed) and token, returning the rendered output object: variables
// are evaluated first and merged into scope, then each transform entry is
// evaluated in turn.
func (e *Evaluator) Apply(ctx context.Context, spec *Spec, body map[string]any, token string) (map[string]any, error) {
	scope := make(map[string]any, len(body)+len(spec.Variables))
	for k, v := range body {
		scope[k] = v
	}
	for name, expr := range spec.Variables {
		val, err := e.Eval(ctx, expr, scope, token)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
		scope[name] = val
	}
	out := make(map[string]any, len(spec.Transforms))
	for key, expr := range spec.Transforms {
		val, err := e.Eval(ctx, expr, scope, token)
		if err != nil {
			return nil, fmt.Errorf("transform %q: %w", key, err)
		}
		out[key] = val
	}
	return out, nil
}

// Eval evaluates a single node: a Call (map with a "function" key), a REF:
// expression, or a literal passed through unchanged.
func (e *Evaluator) Eval(ctx context.Context, node any, scope map[string]any, token string) (any, error) {
	switch t := node.(type) {
	case map[string]any:
		if fn, ok := t["function"]; ok {
			fnName, ok := fn.(string)
			if !ok {
				return nil, fmt.Errorf("function name must be a string, got %T", fn)
			}
			args, _ := t["args"].(map[string]any)
			return e.callFunction(ctx, fnName, args, scope, token)
		}
		out := make(map[string]any, len(t))
		for k, v := range t {
			resolved, err := e.Eval(ctx, v, scope, token)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			resolved, err := e.Eval(ctx, v, scope, token)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case string:
		if name, ok := strings.CutPrefix(t, "REF:self."); ok {
			if v, found := scope[name]; found {
				return v, nil
			}
		}
		if reference.IsRef(t) {
			return e.resolver.Resolve(ctx, t, token)
		}
		return t, nil
	default:
		return node, nil
	}
}

func (e *Evaluator) callFunction(ctx context.Context, name string, args map[string]any, scope map[string]any, token string) (any, error) {
	if name == "pipeline" {
		return e.pipeline(ctx, args, scope, token)
	}
	resolvedArgs := make(map[string]any, len(args))
	for k, v := range args {
		resolved, err := e.Eval(ctx, v, scope, token)
		if err != nil {
			return nil, err
		}
		resolvedArgs[k] = resolved
	}
	fn, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown transform function %q", name)
	}
	return fn(ctx, e, resolvedArgs, token)
}

// currentSentinel is the placeholder an operation's args use to reference
// the value threaded by pipeline (the Go-native stand-in for the Python
// original's "current" binding).
const currentSentinel = "$current"

// pipeline threads an initial value through a sequence of operations, each
// a {"function", "args"} node whose args may reference $current (spec.md
// §4.4.1 "A pipeline(initial, [op1, op2, …]) combinator threads current
// through successive operations").
func (e *Evaluator) pipeline(ctx context.Context, args map[string]any, scope map[string]any, token string) (any, error) {
	initialNode, ok := args["initial"]
	if !ok {
		return nil, fmt.Errorf("pipeline: initial is required")
	}
	current, err := e.Eval(ctx, initialNode, scope, token)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	operations, _ := args["operations"].([]any)
	for i, opNode := range operations {
		opMap, ok := opNode.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("pipeline: operation %d must be a function call node", i)
		}
		fnName, _ := opMap["function"].(string)
		opArgs, _ := opMap["args"].(map[string]any)
		substituted := substituteCurrent(opArgs, current)
		result, err := e.callFunction(ctx, fnName, substituted, scope, token)
		if err != nil {
			return nil, fmt.Errorf("pipeline: step %d (%s): %w", i, fnName, err)
		}
		current = result
	}
	return current, nil
}

func substituteCurrent(node any, current any) any {
	switch t := node.(type) {
	case string:
		if t == currentSentinel {
			return current
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			out[k] = substituteCurrent(v, current)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = substituteCurrent(v, current)
		}
		return out
	default:
		return node
	}
}
